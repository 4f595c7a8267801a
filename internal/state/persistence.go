// Package state persists trading session snapshots as JSON files, one per
// session, with atomic writes and quarantine of corrupted snapshots.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ducminhle1904/crypto-signal-trader/internal/safety"
	"github.com/ducminhle1904/crypto-signal-trader/internal/stoploss"
)

// Position is an open holding. The session mutates it only inside its
// execution critical section.
type Position struct {
	Symbol          string          `json:"symbol"`
	Quantity        float64         `json:"quantity"`
	AvgPrice        float64         `json:"avg_price"`
	EntryTime       time.Time       `json:"entry_time"`
	TakeProfitPrice float64         `json:"take_profit_price,omitempty"`
	SignalStrength  float64         `json:"signal_strength,omitempty"`
	StopState       *stoploss.State `json:"stop_state,omitempty"`
}

// Notional is the position's value at its average entry price.
func (p *Position) Notional() float64 {
	return p.Quantity * p.AvgPrice
}

// RestingOrder tracks the one live take-profit order a symbol may have.
type RestingOrder struct {
	Symbol      string    `json:"symbol"`
	OrderID     string    `json:"order_id"`
	TargetPrice float64   `json:"target_price"`
	Quantity    float64   `json:"quantity"`
	CreatedAt   time.Time `json:"created_at"`
	LastChecked time.Time `json:"last_checked"`
}

// Snapshot is everything a session needs to resume after a restart.
type Snapshot struct {
	SessionID         string                           `json:"session_id"`
	SavedAt           time.Time                        `json:"saved_at"`
	Balance           float64                          `json:"balance"`
	StartOfDayBalance float64                          `json:"start_of_day_balance"`
	DailyLoss         float64                          `json:"daily_loss"`
	DailyProfit       float64                          `json:"daily_profit"`
	TradingEnabled    bool                             `json:"trading_enabled"`
	RiskProfile       string                           `json:"risk_profile"`
	MarketStress      float64                          `json:"market_stress"`
	Positions         map[string]Position              `json:"positions"`
	RestingOrders     map[string]RestingOrder          `json:"resting_orders"`
	GlobalBreaker     *safety.CircuitBreaker           `json:"global_breaker,omitempty"`
	SymbolBreakers    map[string]safety.CircuitBreaker `json:"symbol_breakers,omitempty"`
	LossStreaks       map[string]int                   `json:"loss_streaks,omitempty"`
}

// FileStore saves one snapshot file per session under a directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

// SaveState writes the snapshot atomically: marshal to a temp file, keep the
// previous snapshot as .backup, then rename into place.
func (s *FileStore) SaveState(snap *Snapshot) error {
	if snap.SessionID == "" {
		return fmt.Errorf("snapshot has no session id")
	}
	snap.SavedAt = time.Now().UTC()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	path := s.path(snap.SessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot temp file: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".backup"); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("rotate snapshot backup: %w", err)
		}
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// LoadState reads the session's snapshot. A missing snapshot returns
// (nil, nil). A corrupted snapshot is quarantined, never deleted, and the
// backup is tried before giving up.
func (s *FileStore) LoadState(sessionID string) (*Snapshot, error) {
	path := s.path(sessionID)

	snap, err := s.loadFile(path, sessionID)
	if err == nil || os.IsNotExist(err) {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return snap, nil
	}

	// Keep the corrupted file for inspection and fall back to the backup.
	quarantine := fmt.Sprintf("%s.quarantine-%d", path, time.Now().UTC().Unix())
	if renameErr := os.Rename(path, quarantine); renameErr != nil && !os.IsNotExist(renameErr) {
		return nil, fmt.Errorf("quarantine corrupted snapshot: %v (load error: %w)", renameErr, err)
	}

	snap, backupErr := s.loadFile(path+".backup", sessionID)
	if backupErr == nil {
		return snap, nil
	}
	if os.IsNotExist(backupErr) {
		return nil, fmt.Errorf("snapshot corrupted (quarantined as %s): %w", filepath.Base(quarantine), err)
	}
	return nil, fmt.Errorf("snapshot and backup both unreadable: %w", backupErr)
}

func (s *FileStore) loadFile(path, sessionID string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	if err := validate(&snap, sessionID); err != nil {
		return nil, fmt.Errorf("invalid snapshot %s: %w", path, err)
	}
	return &snap, nil
}

func validate(snap *Snapshot, sessionID string) error {
	if snap.SessionID != sessionID {
		return fmt.Errorf("session id mismatch: got %q, want %q", snap.SessionID, sessionID)
	}
	if snap.Balance < 0 {
		return fmt.Errorf("negative balance %v", snap.Balance)
	}
	for symbol, pos := range snap.Positions {
		if pos.Quantity <= 0 || pos.AvgPrice <= 0 {
			return fmt.Errorf("position %s has non-positive quantity or price", symbol)
		}
	}
	return nil
}
