package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrTxDone = errors.New("transaction already finished")

// Tx pins one write connection for the duration of a transaction. Every
// statement issued through it runs on that connection; the connection goes
// back to the pool only when the transaction commits or rolls back.
type Tx struct {
	tx   pgx.Tx
	pool *rolePool
	pc   *pooled
	done bool
}

// Begin checks out a write connection and opens a transaction on it.
func (p *Pool) Begin(ctx context.Context) (*Tx, error) {
	pc, err := p.write.checkout(ctx, p.cfg.CheckoutTimeout)
	if err != nil {
		return nil, err
	}
	tx, err := pc.conn.Begin(ctx)
	if err != nil {
		p.write.release(pc, isConnDead(err))
		return nil, err
	}
	return &Tx{tx: tx, pool: p.write, pc: pc}, nil
}

// Exec runs a statement inside the transaction.
func (t *Tx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.done {
		return pgconn.CommandTag{}, ErrTxDone
	}
	return t.tx.Exec(ctx, sql, args...)
}

// QueryRow runs a single-row statement inside the transaction.
func (t *Tx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.tx.QueryRow(ctx, sql, args...)
}

// Query runs a statement inside the transaction and hands the rows to fn.
func (t *Tx) Query(ctx context.Context, fn func(pgx.Rows) error, sql string, args ...any) error {
	if t.done {
		return ErrTxDone
	}
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	if err := fn(rows); err != nil {
		return err
	}
	return rows.Err()
}

// Commit commits and returns the pinned connection to the pool.
func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	err := t.tx.Commit(ctx)
	t.pool.release(t.pc, isConnDead(err))
	return err
}

// Rollback aborts the transaction. Calling it after Commit is a no-op, so
// defer tx.Rollback(ctx) is always safe.
func (t *Tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	err := t.tx.Rollback(ctx)
	t.pool.release(t.pc, isConnDead(err))
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}
