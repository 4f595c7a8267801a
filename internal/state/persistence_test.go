package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ducminhle1904/crypto-signal-trader/internal/safety"
	"github.com/ducminhle1904/crypto-signal-trader/internal/stoploss"
)

func sampleSnapshot() *Snapshot {
	entry := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	return &Snapshot{
		SessionID:         "sess-1",
		Balance:           9500,
		StartOfDayBalance: 10000,
		DailyLoss:         -120,
		DailyProfit:       40,
		TradingEnabled:    true,
		RiskProfile:       "moderate",
		MarketStress:      0.35,
		Positions: map[string]Position{
			"BTCUSDT": {
				Symbol:          "BTCUSDT",
				Quantity:        0.01,
				AvgPrice:        50000,
				EntryTime:       entry,
				TakeProfitPrice: 51000,
				StopState:       stoploss.NewState(50000, entry),
			},
		},
		RestingOrders: map[string]RestingOrder{
			"BTCUSDT": {Symbol: "BTCUSDT", OrderID: "ord-1", TargetPrice: 51000, Quantity: 0.01, CreatedAt: entry},
		},
		SymbolBreakers: map[string]safety.CircuitBreaker{
			"ETHUSDT": {
				Scope:       safety.ScopeSymbol,
				Symbol:      "ETHUSDT",
				Reason:      "loss_streak",
				ActivatedAt: entry,
				ReleaseAt:   entry.Add(30 * time.Minute),
			},
		},
		LossStreaks: map[string]int{"ETHUSDT": 3},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	want := sampleSnapshot()
	require.NoError(t, store.SaveState(want))

	got, err := store.LoadState("sess-1")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, want.Balance, got.Balance)
	assert.Equal(t, want.DailyLoss, got.DailyLoss)
	assert.Equal(t, want.RiskProfile, got.RiskProfile)
	assert.Equal(t, want.Positions["BTCUSDT"].AvgPrice, got.Positions["BTCUSDT"].AvgPrice)
	assert.Equal(t, want.Positions["BTCUSDT"].StopState.PeakPrice, got.Positions["BTCUSDT"].StopState.PeakPrice)
	assert.Equal(t, want.RestingOrders["BTCUSDT"].OrderID, got.RestingOrders["BTCUSDT"].OrderID)
	assert.Equal(t, 3, got.LossStreaks["ETHUSDT"])
	assert.False(t, got.SavedAt.IsZero())
}

func TestLoadAbsentReturnsNil(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	got, err := store.LoadState("never-saved")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveKeepsBackup(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	snap := sampleSnapshot()
	require.NoError(t, store.SaveState(snap))
	snap.Balance = 9000
	require.NoError(t, store.SaveState(snap))

	_, err = os.Stat(filepath.Join(dir, "sess-1.json.backup"))
	assert.NoError(t, err)

	got, err := store.LoadState("sess-1")
	require.NoError(t, err)
	assert.Equal(t, 9000.0, got.Balance)
}

func TestCorruptedSnapshotQuarantinedAndBackupUsed(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	snap := sampleSnapshot()
	require.NoError(t, store.SaveState(snap))
	snap.Balance = 9000
	require.NoError(t, store.SaveState(snap))

	// Corrupt the live snapshot; the backup holds balance 9500.
	path := filepath.Join(dir, "sess-1.json")
	require.NoError(t, os.WriteFile(path, []byte("{garbage"), 0o644))

	got, err := store.LoadState("sess-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 9500.0, got.Balance)

	// The corrupted file survives under a quarantine name.
	matches, err := filepath.Glob(path + ".quarantine-*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestCorruptedSnapshotWithoutBackupErrors(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	path := filepath.Join(dir, "sess-1.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	got, err := store.LoadState("sess-1")
	assert.Error(t, err)
	assert.Nil(t, got)

	matches, _ := filepath.Glob(path + ".quarantine-*")
	assert.Len(t, matches, 1)
}

func TestValidateRejectsForeignSession(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	snap := sampleSnapshot()
	require.NoError(t, store.SaveState(snap))

	// Copy sess-1's snapshot into sess-2's slot.
	data, err := os.ReadFile(filepath.Join(dir, "sess-1.json"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sess-2.json"), data, 0o644))

	got, err := store.LoadState("sess-2")
	assert.Error(t, err)
	assert.Nil(t, got)
}

func TestValidateRejectsBadPositions(t *testing.T) {
	snap := sampleSnapshot()
	pos := snap.Positions["BTCUSDT"]
	pos.Quantity = 0
	snap.Positions["BTCUSDT"] = pos

	assert.Error(t, validate(snap, "sess-1"))
}
