package types

import (
	"context"
	"database/sql"
)

// Querier is the subset of database methods the model layer needs to run
// queries.
type Querier interface {
	NewContext() context.Context
	ExecContext(ctx context.Context, sql string, arguments ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Filter narrows a model query with a WHERE condition and its arguments.
type Filter struct {
	Where string
	Args  []any
}
