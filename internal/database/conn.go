package database

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is implemented by *Conn and pgx.Tx, so repository code runs the
// same way inside and outside a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Conn is a checked-out connection. Release is idempotent.
type Conn struct {
	Connection
	release func()
	once    sync.Once
}

func (c *Conn) Release() {
	c.once.Do(c.release)
}

var _ Querier = (*Conn)(nil)
