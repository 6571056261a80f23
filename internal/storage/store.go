// Package storage defines the persistence contract the pipelines write
// through and the table layout they write to.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrTableExists is returned when a rename would overwrite an existing table.
var ErrTableExists = errors.New("table already exists")

// Scanner is implemented by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...interface{}) error
}

// Statement is one parameterised SQL statement.
type Statement struct {
	SQL  string
	Args []interface{}
}

// BuildFunc renders the statement to run against one physical table. table
// is already quoted.
type BuildFunc func(table string) Statement

// ScanFunc is called once per result row.
type ScanFunc func(row Scanner) error

// Merge strategies for upsert columns on conflict.
const (
	MergeReplace = "replace"
	MergeAdd     = "add"
	MergeMin     = "min"
	MergeMax     = "max"
)

// UpsertSpec describes an insert that folds into an existing row on conflict.
type UpsertSpec struct {
	Columns []string
	// Key is the unique constraint that identifies the row.
	Key []string
	// Merge maps a non-key column to its Merge* strategy. Columns not listed
	// are replaced.
	Merge map[string]string
}

// Rename moves a live table From to To and recreates From with the same
// definition. The renamed table's indexes take To in place of From so the
// recreated table keeps the original index names.
//
// When Column is set, rows of To with Column >= Since are moved back into the
// recreated From: they belong to the month after the one being archived.
type Rename struct {
	From   string
	To     string
	Column string
	Since  time.Time
}

// Store is the storage contract. Every call is synchronous and either
// applies completely or returns an error.
type Store interface {
	// Insert bulk-loads rows in one transaction.
	Insert(ctx context.Context, table string, columns []string, rows [][]interface{}) error
	// Upsert writes rows with ON CONFLICT merging in one transaction.
	Upsert(ctx context.Context, table string, spec UpsertSpec, rows [][]interface{}) error
	// QueryTable runs the statement built for table and scans every row.
	QueryTable(ctx context.Context, table string, build BuildFunc, scan ScanFunc) error
	// RenameAndRecreate applies all renames in one transaction. It fails with
	// ErrTableExists if any target already exists.
	RenameAndRecreate(ctx context.Context, renames []Rename) error
	TableExists(ctx context.Context, table string) (bool, error)
	Ping(ctx context.Context) error
}
