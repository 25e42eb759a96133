package execution

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"vqi-trader/internal/model"
)

// Journal persists fills to SQLite for analysis and audit.
type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

// NewJournal opens (or creates) a SQLite journal database.
func NewJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", dbPath, err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS trades (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		trade_id    TEXT NOT NULL,
		order_id    TEXT NOT NULL,
		strategy    TEXT NOT NULL,
		symbol      TEXT NOT NULL,
		exchange    TEXT NOT NULL,
		direction   TEXT NOT NULL,
		open_close  TEXT NOT NULL,
		volume      REAL NOT NULL,
		price       REAL NOT NULL,
		reference   TEXT,
		traded_at   DATETIME NOT NULL,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_trades_strategy ON trades(strategy);
	CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol, exchange);
	CREATE INDEX IF NOT EXISTS idx_trades_traded_at ON trades(traded_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: schema: %w", err)
	}

	log.Printf("[journal] opened trade journal at %s", dbPath)
	return &Journal{db: db}, nil
}

// RecordTrade persists a fill to the journal.
func (j *Journal) RecordTrade(t model.Trade) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(
		`INSERT INTO trades (trade_id, order_id, strategy, symbol, exchange, direction, open_close, volume, price, reference, traded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TradeID,
		t.OrderID,
		t.Strategy,
		t.Symbol,
		t.Exchange,
		string(t.Direction),
		string(t.Offset),
		t.Volume,
		t.Price,
		t.Reference,
		t.TradedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// TradeRecord represents a row from the trades table.
type TradeRecord struct {
	ID        int64   `json:"id"`
	TradeID   string  `json:"trade_id"`
	OrderID   string  `json:"order_id"`
	Strategy  string  `json:"strategy"`
	Symbol    string  `json:"symbol"`
	Exchange  string  `json:"exchange"`
	Direction string  `json:"direction"`
	Offset    string  `json:"offset"`
	Volume    float64 `json:"volume"`
	Price     float64 `json:"price"`
	Reference string  `json:"reference"`
	TradedAt  string  `json:"traded_at"`
}

// GetTrades returns the last N trades, newest first.
func (j *Journal) GetTrades(limit int) ([]TradeRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(
		`SELECT id, trade_id, order_id, strategy, symbol, exchange, direction, open_close, volume, price, reference, traded_at
		 FROM trades ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []TradeRecord
	for rows.Next() {
		var t TradeRecord
		var ref sql.NullString
		if err := rows.Scan(&t.ID, &t.TradeID, &t.OrderID, &t.Strategy, &t.Symbol, &t.Exchange,
			&t.Direction, &t.Offset, &t.Volume, &t.Price, &ref, &t.TradedAt); err != nil {
			continue
		}
		t.Reference = ref.String
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// DB exposes the handle for health probes.
func (j *Journal) DB() *sql.DB { return j.db }

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}
