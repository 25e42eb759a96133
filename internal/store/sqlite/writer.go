package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"vqi-trader/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/bars.db"
}

// Writer is a single-goroutine SQLite bar writer with transaction batching.
type Writer struct {
	db *sql.DB

	// OnCommit is called after each committed batch (optional).
	OnCommit func(n int, d time.Duration)
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New creates a new SQLite Writer, initializes the database with WAL mode and schema.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Writer{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bars (
			symbol     TEXT    NOT NULL,
			exchange   TEXT    NOT NULL,
			window_min INTEGER NOT NULL,
			ts         INTEGER NOT NULL,
			open       REAL    NOT NULL,
			high       REAL    NOT NULL,
			low        REAL    NOT NULL,
			close      REAL    NOT NULL,
			volume     REAL,
			PRIMARY KEY (exchange, symbol, window_min, ts)
		);

		CREATE TABLE IF NOT EXISTS strategy_state (
			strategy   TEXT    PRIMARY KEY,
			data       TEXT    NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	return err
}

// Run reads bars from barCh and inserts them in batched transactions.
// Flushes every batchSize bars OR every flushDelay, whichever first.
// Blocks until ctx is cancelled or barCh is closed.
func (w *Writer) Run(ctx context.Context, barCh <-chan model.Bar) {
	batch := make([]model.Bar, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.WriteBars(batch); err != nil {
			log.Printf("[sqlite] batch insert error: %v", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case b, ok := <-barCh:
			if !ok {
				flush()
				return
			}
			if b.Forming {
				continue
			}
			batch = append(batch, b)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// WriteBars upserts bars in a single transaction.
func (w *Writer) WriteBars(bars []model.Bar) error {
	start := time.Now()
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO bars (symbol, exchange, window_min, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, b := range bars {
		_, err := stmt.Exec(b.Symbol, b.Exchange, b.Window, b.TS.Unix(), b.Open, b.High, b.Low, b.Close, b.Volume)
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if w.OnCommit != nil {
		w.OnCommit(len(bars), time.Since(start))
	}
	return nil
}

// LastTimestamp returns the last stored bar start for an instrument and
// window. Returns the zero time if no bars exist.
func (w *Writer) LastTimestamp(exchange, symbol string, window int) (time.Time, error) {
	var ts sql.NullInt64
	err := w.db.QueryRow(
		`SELECT MAX(ts) FROM bars WHERE exchange = ? AND symbol = ? AND window_min = ?`,
		exchange, symbol, window,
	).Scan(&ts)
	if err != nil {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(ts.Int64, 0).UTC(), nil
}

// SaveState stores the serialized variables of a strategy, replacing any
// previous value.
func (w *Writer) SaveState(strategy string, data []byte) error {
	_, err := w.db.Exec(
		`INSERT OR REPLACE INTO strategy_state (strategy, data, updated_at) VALUES (?, ?, ?)`,
		strategy, string(data), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("sqlite save state %s: %w", strategy, err)
	}
	return nil
}

// LoadState returns the stored variables of a strategy, or nil if none.
func (w *Writer) LoadState(strategy string) ([]byte, error) {
	var data string
	err := w.db.QueryRow(`SELECT data FROM strategy_state WHERE strategy = ?`, strategy).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite load state %s: %w", strategy, err)
	}
	return []byte(data), nil
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}

var _ model.BarWriter = (*Writer)(nil)
