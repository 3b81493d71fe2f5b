// Package outbox keeps an append-only JSONL journal of the orders the
// strategy publishes and the fills it sees back. The journal is the audit
// trail for paper runs and the input for replay.
package outbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dkrastev/signal-pipeline/internal/stream"
)

type Entry struct {
	Type  string          `json:"type"` // order | fill
	Data  json.RawMessage `json:"data"`
	Event time.Time       `json:"event"`
}

type orderRecord struct {
	ID            string             `json:"id"`
	Symbol        string             `json:"symbol"`
	Side          string             `json:"side"`
	Qty           int                `json:"qty"`
	Type          string             `json:"type"`
	Strategy      string             `json:"strategy"`
	CombinedScore float64            `json:"combined_score"`
	Timestamp     float64            `json:"timestamp"`
	Factors       map[string]float64 `json:"factors,omitempty"`
}

type fillRecord struct {
	OrderID string  `json:"order_id"`
	Symbol  string  `json:"symbol"`
	Side    string  `json:"side"`
	Price   float64 `json:"price"`
	Qty     float64 `json:"qty"`
}

// Outbox appends entries to a single JSONL file. Writers across goroutines
// share one mutex; the file is opened per write so rotation by an external
// tool is safe.
type Outbox struct {
	path string
	mu   sync.Mutex
}

func New(path string) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Outbox{path: path}, nil
}

func (o *Outbox) WriteOrder(order stream.Order) error {
	return o.append("order", orderRecord{
		ID:            order.ID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Qty:           order.Qty,
		Type:          order.Type,
		Strategy:      order.Strategy,
		CombinedScore: order.CombinedScore,
		Timestamp:     order.Timestamp,
		Factors:       order.Factors,
	})
}

func (o *Outbox) WriteFill(fill stream.Fill) error {
	return o.append("fill", fillRecord{
		OrderID: fill.OrderID,
		Symbol:  fill.Symbol,
		Side:    fill.Side,
		Price:   fill.Price,
		Qty:     fill.Qty,
	})
}

func (o *Outbox) append(kind string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	line, err := json.Marshal(Entry{Type: kind, Data: raw, Event: time.Now().UTC()})
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// Read streams every entry in the journal in write order. Corrupt lines
// abort with an error naming the line number.
func Read(path string, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return fmt.Errorf("outbox: line %d: %w", lineNo, err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Orders decodes just the order entries.
func Orders(path string) ([]stream.Order, error) {
	var out []stream.Order
	err := Read(path, func(e Entry) error {
		if e.Type != "order" {
			return nil
		}
		var rec orderRecord
		if err := json.Unmarshal(e.Data, &rec); err != nil {
			return err
		}
		out = append(out, stream.Order{
			ID:            rec.ID,
			Symbol:        rec.Symbol,
			Side:          rec.Side,
			Qty:           rec.Qty,
			Type:          rec.Type,
			Strategy:      rec.Strategy,
			CombinedScore: rec.CombinedScore,
			Timestamp:     rec.Timestamp,
			Factors:       rec.Factors,
		})
		return nil
	})
	return out, err
}
