// Package archive mirrors encrypted ledger records into PostgreSQL.
package archive

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/RTX-TreDiX/GCPMS/internal/ledger"
)

// Config holds database connection configuration
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
}

// DefaultConfig returns reasonable defaults for database connections
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		QueryTimeout:    30 * time.Second,
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS ledger_records (
	ts          TEXT PRIMARY KEY,
	ciphertext  TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Archive stores records exactly as they appear in the ledger. Rows are as
// opaque as ledger lines: decrypting them needs the session key.
type Archive struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects, configures the pool and pings the server.
func Open(cfg Config) (*Archive, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("archive DSN is required")
	}
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return New(db, cfg.QueryTimeout), nil
}

// New wraps an existing connection.
func New(db *sqlx.DB, timeout time.Duration) *Archive {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Archive{db: db, timeout: timeout}
}

// Close closes the connection pool.
func (a *Archive) Close() error { return a.db.Close() }

// EnsureSchema creates the ledger_records table if it does not exist.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if _, err := a.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create ledger_records: %w", err)
	}
	return nil
}

// Append inserts rec unless its timestamp is already archived.
func (a *Archive) Append(ctx context.Context, rec ledger.Record) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	res, err := a.db.ExecContext(ctx,
		`INSERT INTO ledger_records (ts, ciphertext) VALUES ($1, $2) ON CONFLICT (ts) DO NOTHING`,
		rec.Timestamp, rec.Ciphertext)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			return fmt.Errorf("failed to archive record %s (%s): %w", rec.Timestamp, pqErr.Code.Name(), err)
		}
		return fmt.Errorf("failed to archive record %s: %w", rec.Timestamp, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		log.Debug().Str("timestamp", rec.Timestamp).Msg("Record already archived")
	}
	return nil
}

type row struct {
	Timestamp  string `db:"ts"`
	Ciphertext string `db:"ciphertext"`
}

// List returns archived records newer than since in timestamp order. An
// empty since returns everything.
func (a *Archive) List(ctx context.Context, since string) ([]ledger.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var rows []row
	err := a.db.SelectContext(ctx, &rows,
		`SELECT ts, ciphertext FROM ledger_records WHERE ts > $1 ORDER BY ts`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	out := make([]ledger.Record, len(rows))
	for i, r := range rows {
		out[i] = ledger.Record{Timestamp: r.Timestamp, Ciphertext: r.Ciphertext}
	}
	return out, nil
}

// Records adapts List to the sequence the series store merges from.
func (a *Archive) Records(ctx context.Context, since string) iter.Seq2[ledger.Record, error] {
	return func(yield func(ledger.Record, error) bool) {
		recs, err := a.List(ctx, since)
		if err != nil {
			yield(ledger.Record{}, fmt.Errorf("%w: %v", ledger.ErrIO, err))
			return
		}
		for _, r := range recs {
			if !yield(r, nil) {
				return
			}
		}
	}
}

// Count returns the number of archived records.
func (a *Archive) Count(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	var n int
	if err := a.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM ledger_records`); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

// Purge removes every record. Called when the session key rotates, since
// the archived rows are then undecryptable.
func (a *Archive) Purge(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	res, err := a.db.ExecContext(ctx, `DELETE FROM ledger_records`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge records: %w", err)
	}
	n, _ := res.RowsAffected()
	log.Info().Int64("rows", n).Msg("Archive purged after key rotation")
	return n, nil
}

// Ping tests basic connectivity to database
func (a *Archive) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.db.PingContext(ctx)
}
