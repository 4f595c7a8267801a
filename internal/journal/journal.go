// Package journal is the append-only trade log: every executed, skipped, and
// failed attempt produces exactly one immutable record.
package journal

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Record statuses.
const (
	StatusExecuted = "EXECUTED"
	StatusSkipped  = "SKIPPED"
	StatusFailed   = "FAILED"
)

// TradeRecord is one journal entry. Records are immutable after creation;
// the store only ever inserts.
type TradeRecord struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price"`
	Notional      float64   `json:"notional"`
	PnL           float64   `json:"pnl"`
	PnLPercent    float64   `json:"pnl_percent"`
	Signal        string    `json:"signal"`
	Confidence    float64   `json:"confidence"`
	ExecutionMode string    `json:"execution_mode"`
	BrokerOrderID string    `json:"broker_order_id"`
	Commission    float64   `json:"commission"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewID returns a lexicographically sortable record ID.
func NewID(at time.Time) string {
	return ulid.MustNew(ulid.Timestamp(at), rand.Reader).String()
}

// Store persists trade records.
type Store interface {
	Append(rec TradeRecord) error
	Records(sessionID string, limit int) ([]TradeRecord, error)
	Close() error
}

// Journal wraps a store with an event stream so logging collaborators can
// observe entries as they append.
type Journal struct {
	store Store

	mu   sync.Mutex
	subs []chan TradeRecord
}

func New(store Store) *Journal {
	return &Journal{store: store}
}

// Append assigns the record an ID if missing, persists it, and fans it out
// to subscribers. Slow subscribers miss events rather than block appends.
func (j *Journal) Append(rec TradeRecord) (TradeRecord, error) {
	if rec.ID == "" {
		rec.ID = NewID(rec.Timestamp)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if err := j.store.Append(rec); err != nil {
		return rec, err
	}

	j.mu.Lock()
	for _, ch := range j.subs {
		select {
		case ch <- rec:
		default:
		}
	}
	j.mu.Unlock()
	return rec, nil
}

// Subscribe returns a buffered stream of appended records. The returned
// cancel func must be called to release the subscription.
func (j *Journal) Subscribe() (<-chan TradeRecord, func()) {
	ch := make(chan TradeRecord, 64)

	j.mu.Lock()
	j.subs = append(j.subs, ch)
	j.mu.Unlock()

	cancel := func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		for i, sub := range j.subs {
			if sub == ch {
				j.subs = append(j.subs[:i], j.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// Records reads back the most recent entries for a session.
func (j *Journal) Records(sessionID string, limit int) ([]TradeRecord, error) {
	return j.store.Records(sessionID, limit)
}

func (j *Journal) Close() error {
	j.mu.Lock()
	for _, ch := range j.subs {
		close(ch)
	}
	j.subs = nil
	j.mu.Unlock()
	return j.store.Close()
}
