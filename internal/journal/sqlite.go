package journal

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id              TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	quantity        REAL NOT NULL,
	price           REAL NOT NULL,
	notional        REAL NOT NULL,
	pnl             REAL NOT NULL,
	pnl_percent     REAL NOT NULL,
	signal          TEXT,
	confidence      REAL,
	execution_mode  TEXT,
	broker_order_id TEXT,
	commission      REAL,
	status          TEXT NOT NULL,
	reason          TEXT,
	ts              TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_session ON trades(session_id, ts);
`

// SQLiteStore persists trade records in a local sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the journal database at path. Use
// ":memory:" for an ephemeral store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal db %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(rec TradeRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO trades (
			id, session_id, symbol, side, quantity, price, notional,
			pnl, pnl_percent, signal, confidence, execution_mode,
			broker_order_id, commission, status, reason, ts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.Symbol, rec.Side, rec.Quantity, rec.Price,
		rec.Notional, rec.PnL, rec.PnLPercent, rec.Signal, rec.Confidence,
		rec.ExecutionMode, rec.BrokerOrderID, rec.Commission, rec.Status,
		rec.Reason, rec.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("append trade record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Records(sessionID string, limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, session_id, symbol, side, quantity, price, notional,
		       pnl, pnl_percent, signal, confidence, execution_mode,
		       broker_order_id, commission, status, reason, ts
		FROM trades WHERE session_id = ?
		ORDER BY ts DESC, id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query trade records: %w", err)
	}
	defer rows.Close()

	var records []TradeRecord
	for rows.Next() {
		var rec TradeRecord
		var ts time.Time
		if err := rows.Scan(
			&rec.ID, &rec.SessionID, &rec.Symbol, &rec.Side, &rec.Quantity,
			&rec.Price, &rec.Notional, &rec.PnL, &rec.PnLPercent, &rec.Signal,
			&rec.Confidence, &rec.ExecutionMode, &rec.BrokerOrderID,
			&rec.Commission, &rec.Status, &rec.Reason, &ts,
		); err != nil {
			return nil, fmt.Errorf("scan trade record: %w", err)
		}
		rec.Timestamp = ts.UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
