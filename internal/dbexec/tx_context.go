package dbexec

import (
	"context"
	"database/sql"
)

type txContextKey struct{}

// Statements is the execution surface shared by QueryExecutor and TxExecutor.
type Statements interface {
	QueryContext(ctx context.Context, query string, args ...any) (Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// WithTx attaches an open transaction to the context.
func WithTx(ctx context.Context, tx TxExecutor) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext returns the transaction attached to ctx, if any.
func TxFromContext(ctx context.Context) (TxExecutor, bool) {
	if ctx == nil {
		return nil, false
	}
	tx, ok := ctx.Value(txContextKey{}).(TxExecutor)
	return tx, ok && tx != nil
}

// ForContext returns the active transaction when present,
// otherwise it falls back to the base executor.
func ForContext(ctx context.Context, base QueryExecutor) Statements {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return base
}

// RunInTx runs fn inside a transaction begun on executor. The transaction is committed when
// fn returns nil and rolled back otherwise, including on panic. Nested calls reuse the
// transaction already present in ctx.
func RunInTx(ctx context.Context, executor QueryExecutor, fn func(ctx context.Context) error) (err error) {
	if _, ok := TxFromContext(ctx); ok {
		return fn(ctx)
	}
	tx, err := executor.BeginTx(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if rec := recover(); rec != nil {
			_ = tx.Rollback()
			panic(rec)
		}
	}()

	if err := fn(WithTx(ctx, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
