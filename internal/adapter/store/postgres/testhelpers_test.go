package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type execCall struct {
	sql  string
	args []any
}

// rowFunc adapts a closure to pgx.Row.
type rowFunc func(dest ...any) error

func (f rowFunc) Scan(dest ...any) error { return f(dest...) }

var errNoRows = pgx.ErrNoRows

// fakePool implements PgxPool for tests. Schema DDL lands in execCalls
// like any other statement; assertions filter by substring.
type fakePool struct {
	execCalls []execCall
	execTag   pgconn.CommandTag
	execErr   error
	queryRow  func(sql string, args []any) pgx.Row
	tx        *fakeTx
	beginErr  error
}

func (p *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execCalls = append(p.execCalls, execCall{sql: sql, args: args})
	return p.execTag, p.execErr
}

func (p *fakePool) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if p.queryRow == nil {
		return rowFunc(func(...any) error { return errors.New("no row configured") })
	}
	return p.queryRow(sql, args)
}

func (p *fakePool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("unexpected pool Query")
}

func (p *fakePool) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	if p.tx == nil {
		return nil, errors.New("no tx configured")
	}
	return p.tx, nil
}

// fakeTx implements pgx.Tx for the statements the stores issue.
type fakeTx struct {
	execCalls []execCall
	execErr   error
	rows      *timeRows
	queryErr  error
	commits   int
	rollbacks int
	commitErr error
}

func (t *fakeTx) Begin(context.Context) (pgx.Tx, error) { return nil, errors.New("nested tx") }
func (t *fakeTx) Commit(context.Context) error {
	t.commits++
	return t.commitErr
}
func (t *fakeTx) Rollback(context.Context) error {
	t.rollbacks++
	return nil
}
func (t *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("unexpected CopyFrom")
}
func (t *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("unexpected Prepare")
}
func (t *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execCalls = append(t.execCalls, execCall{sql: sql, args: args})
	return pgconn.CommandTag{}, t.execErr
}
func (t *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	if t.queryErr != nil {
		return nil, t.queryErr
	}
	if t.rows == nil {
		return &timeRows{}, nil
	}
	return t.rows, nil
}
func (t *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	return rowFunc(func(...any) error { return errors.New("unexpected tx QueryRow") })
}
func (t *fakeTx) Conn() *pgx.Conn { return nil }

// timeRows serves a fixed list of timestamps, one per row.
type timeRows struct {
	times []time.Time
	idx   int
}

func (r *timeRows) Next() bool {
	if r.idx >= len(r.times) {
		return false
	}
	r.idx++
	return true
}

func (r *timeRows) Scan(dest ...any) error {
	*(dest[0].(*time.Time)) = r.times[r.idx-1]
	return nil
}

func (r *timeRows) Close()                                       {}
func (r *timeRows) Err() error                                   { return nil }
func (r *timeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *timeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *timeRows) Values() ([]any, error)                       { return nil, nil }
func (r *timeRows) RawValues() [][]byte                          { return nil }
func (r *timeRows) Conn() *pgx.Conn                              { return nil }
