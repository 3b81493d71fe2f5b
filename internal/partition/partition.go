// Package partition assigns the symbol universe to engine shards. The
// weight-aware planner runs once per planning epoch; assignments stay stable
// until an explicit re-plan so symbol ownership never moves mid-stream. A
// stateless hash fallback exists for deployments without weights.
package partition

import (
	"crypto/md5"
	"encoding/csv"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// minWeight keeps bin totals strictly increasing even for zero-weight
// symbols, so ties keep breaking toward the lowest bin index.
const minWeight = 0.0001

// HashPartition maps a symbol to a shard with MD5(symbol) mod partitions.
// It needs no planner state and tolerates arbitrary symbol churn, at the
// cost of ignoring weights. The full 128-bit digest is reduced, so shard
// assignments match runtimes that take the whole hash modulo the count.
func HashPartition(symbol string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	sum := md5.Sum([]byte(symbol))
	m := uint64(partitions)
	var r uint64
	for _, b := range sum {
		r = (r<<8 | uint64(b)) % m
	}
	return int(r)
}

// BinPack distributes symbols over partitions with greedy bin packing:
// heaviest symbol first into the currently lightest bin, ties toward the
// lowest index. Missing weights default to 1.0.
func BinPack(symbols []string, weights map[string]float64, partitions int) [][]string {
	if partitions <= 1 {
		return [][]string{append([]string(nil), symbols...)}
	}
	sorted := append([]string(nil), symbols...)
	// stable sort by descending weight keeps input order among equals
	stableSortByWeightDesc(sorted, weights)

	bins := make([][]string, partitions)
	totals := make([]float64, partitions)
	for _, sym := range sorted {
		idx := 0
		for i := 1; i < partitions; i++ {
			if totals[i] < totals[idx] {
				idx = i
			}
		}
		bins[idx] = append(bins[idx], sym)
		w := weightOf(weights, sym)
		if w < minWeight {
			w = minWeight
		}
		totals[idx] += w
	}
	return bins
}

// Select computes the symbol set owned by shard index. Hot symbols are
// placed first (order preserved, deduplicated against the rest) so the
// packer spreads them across shards before filling in the long tail. An
// index outside [0,partitions) falls back to the full universe: a
// misconfigured shard serves everything rather than nothing.
func Select(all []string, weights map[string]float64, partitions, index int, hot []string) []string {
	symbols := make([]string, 0, len(all))
	for _, s := range all {
		symbols = append(symbols, strings.ToUpper(s))
	}

	seen := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		seen[s] = true
	}
	ordered := make([]string, 0, len(symbols))
	inHot := make(map[string]bool, len(hot))
	for _, h := range hot {
		h = strings.ToUpper(h)
		if seen[h] && !inHot[h] {
			inHot[h] = true
			ordered = append(ordered, h)
		}
	}
	for _, s := range symbols {
		if !inHot[s] {
			ordered = append(ordered, s)
		}
	}

	bins := BinPack(ordered, weights, partitions)
	if index < 0 || index >= len(bins) {
		return symbols
	}
	return bins[index]
}

// LoadWeights reads a symbol,weight CSV. Unreadable or malformed files
// yield an empty map so deployments degrade to uniform weights instead of
// failing.
func LoadWeights(path string) map[string]float64 {
	weights := map[string]float64{}
	if path == "" {
		return weights
	}
	f, err := os.Open(path)
	if err != nil {
		return weights
	}
	defer f.Close()
	return parseWeights(f)
}

func parseWeights(r io.Reader) map[string]float64 {
	weights := map[string]float64{}
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return weights
	}
	symCol, wCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "symbol":
			symCol = i
		case "weight":
			wCol = i
		}
	}
	if symCol < 0 || wCol < 0 {
		return map[string]float64{}
	}
	for {
		row, err := reader.Read()
		if err != nil {
			break
		}
		if symCol >= len(row) || wCol >= len(row) {
			continue
		}
		sym := strings.ToUpper(strings.TrimSpace(row[symCol]))
		if sym == "" {
			continue
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(row[wCol]), 64)
		if err != nil {
			continue
		}
		if w < 0 {
			w = 0
		}
		weights[sym] = w
	}
	return weights
}

func weightOf(weights map[string]float64, symbol string) float64 {
	if w, ok := weights[symbol]; ok {
		return w
	}
	return 1.0
}

func stableSortByWeightDesc(symbols []string, weights map[string]float64) {
	sort.SliceStable(symbols, func(i, j int) bool {
		return weightOf(weights, symbols[i]) > weightOf(weights, symbols[j])
	})
}
