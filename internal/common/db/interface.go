package db

import "context"

// Dialect selects the placeholder style and a few SQL differences.
type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
)

// Database is a pooled SQL connection. Queries are written with `?`
// placeholders and rebound for the dialect.
type Database interface {
	Querier

	// Transaction runs fn in a transaction; fn's error rolls it back.
	Transaction(ctx context.Context, fn func(tx Transaction) error) error
	Dialect() Dialect
	Ping(ctx context.Context) error
	Close() error
}

// Transaction is an open transaction. Database.Transaction commits or rolls
// it back.
type Transaction interface {
	Querier
}

// Rows is the result of a query.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
	Close() error
}

// Row is the result of QueryRow.
type Row interface {
	Scan(dest ...interface{}) error
}

// Result summarizes an executed statement.
type Result interface {
	RowsAffected() (int64, error)
}
