// Package store is the Postgres persistence layer: the catalog reader, the
// credential pool and the order ledger over database/sql and lib/pq.
package store

import (
	"context"
	"database/sql"

	"github.com/safar/go-fulfillment/internal/database"
)

// Postgres implements the catalog, credential pool and order ledger on one database.
type Postgres struct {
	db         *sql.DB
	maxRetries int
}

type Option func(*Postgres)

// WithMaxRetries bounds retries of serialization failures and deadlocks.
func WithMaxRetries(n int) Option {
	return func(p *Postgres) {
		if n >= 0 {
			p.maxRetries = n
		}
	}
}

func NewPostgres(db *sql.DB, opts ...Option) *Postgres {
	p := &Postgres{db: db, maxRetries: database.DefaultTxOptions().MaxRetries}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *Postgres) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return database.WithRetry(ctx, p.db, database.TxOptions{
		IsolationLevel: sql.LevelReadCommitted,
		MaxRetries:     p.maxRetries,
	}, fn)
}
