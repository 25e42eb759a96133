package sqlite

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"vqi-trader/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Reader provides read-only access to stored bars for warm-up and replay.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	log.Printf("[sqlite-reader] opened %s", dbPath)
	return &Reader{db: db}, nil
}

// ReadBars reads bars for exchange:symbol and window with TS > after.
// Results are ordered by timestamp ascending for correct replay order.
func (r *Reader) ReadBars(exchange, symbol string, window int, after time.Time) ([]model.Bar, error) {
	var afterTS int64 = -1 << 62
	if !after.IsZero() {
		afterTS = after.Unix()
	}
	rows, err := r.db.Query(`
		SELECT symbol, exchange, window_min, ts, open, high, low, close, volume
		FROM bars
		WHERE exchange = ? AND symbol = ? AND window_min = ? AND ts > ?
		ORDER BY ts ASC
	`, exchange, symbol, window, afterTS)
	if err != nil {
		return nil, fmt.Errorf("sqlite query bars: %w", err)
	}
	defer rows.Close()

	var bars []model.Bar
	for rows.Next() {
		var b model.Bar
		var tsUnix int64
		var vol sql.NullFloat64
		if err := rows.Scan(&b.Symbol, &b.Exchange, &b.Window, &tsUnix, &b.Open, &b.High, &b.Low, &b.Close, &vol); err != nil {
			return nil, fmt.Errorf("sqlite scan bars: %w", err)
		}
		b.TS = time.Unix(tsUnix, 0).UTC()
		b.Volume = vol.Float64
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// ReadLastBars returns up to n most recent bars, oldest first. Used to warm
// up indicators on start.
func (r *Reader) ReadLastBars(exchange, symbol string, window, n int) ([]model.Bar, error) {
	rows, err := r.db.Query(`
		SELECT symbol, exchange, window_min, ts, open, high, low, close, volume
		FROM bars
		WHERE exchange = ? AND symbol = ? AND window_min = ?
		ORDER BY ts DESC
		LIMIT ?
	`, exchange, symbol, window, n)
	if err != nil {
		return nil, fmt.Errorf("sqlite query last bars: %w", err)
	}
	defer rows.Close()

	var bars []model.Bar
	for rows.Next() {
		var b model.Bar
		var tsUnix int64
		var vol sql.NullFloat64
		if err := rows.Scan(&b.Symbol, &b.Exchange, &b.Window, &tsUnix, &b.Open, &b.High, &b.Low, &b.Close, &vol); err != nil {
			return nil, fmt.Errorf("sqlite scan bars: %w", err)
		}
		b.TS = time.Unix(tsUnix, 0).UTC()
		b.Volume = vol.Float64
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}

var _ model.BarReader = (*Reader)(nil)
