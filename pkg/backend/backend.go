// Package backend is the narrow capability surface the replicator needs
// from a database server: catalog queries, DDL replay and paged data access.
// Porting the replicator to another engine means writing a new Endpoint.
package backend

import (
	"context"
	"errors"

	"github.com/block/replicator/pkg/table"
	"github.com/go-mysql-org/go-mysql/mysql"
)

var ErrTableNotFound = errors.New("table not found")

// Endpoint is one side of the replication (source or target).
type Endpoint interface {
	// Open returns a new connection scoped to database.
	// An empty database opens a connection with no default database,
	// which is only useful for server level operations.
	// The caller owns the connection and must Close it.
	Open(ctx context.Context, database string) (Conn, error)
	String() string
}

// CatalogConn reads the schema of the connection's database.
// Table names are unqualified and resolved against that database.
type CatalogConn interface {
	Databases(ctx context.Context) ([]string, error)
	Tables(ctx context.Context) ([]string, error) // base tables only
	ShowCreateTable(ctx context.Context, tbl string) (string, error)
	CountRows(ctx context.Context, tbl string) (uint64, error)
	TableSizeMB(ctx context.Context, tbl string) (float64, error)
	Columns(ctx context.Context, tbl string) ([]table.Column, error)
	Routines(ctx context.Context, kind table.ObjectKind) ([]table.Object, error)
	Views(ctx context.Context) ([]table.Object, error)
	Triggers(ctx context.Context) ([]table.Object, error)
	BinlogPosition(ctx context.Context) (mysql.Position, error)
	ServerVersion(ctx context.Context) (string, error)
	ReadOnly(ctx context.Context) (bool, error)
}

// ApplyConn replays DDL.
type ApplyConn interface {
	CreateDatabase(ctx context.Context, name string) error
	// DropAndCreateTable drops tbl if it exists and runs createStmt.
	DropAndCreateTable(ctx context.Context, tbl, createStmt string) error
	// ReplaceObject drops the object if it exists and runs its create statement.
	ReplaceObject(ctx context.Context, obj table.Object) error
}

// DataConn moves and summarizes rows. Values in a row are in the
// same order as the columns passed in; nil is NULL.
type DataConn interface {
	ReadPage(ctx context.Context, tbl string, columns []string, limit, offset uint64) ([][]any, error)
	// WritePage inserts all rows in a single transaction.
	WritePage(ctx context.Context, tbl string, columns []string, rows [][]any) (int64, error)
	// Fingerprint returns a checksum of the table contents over columns,
	// with the rows sorted by orderBy (all of columns when empty).
	// Duplicate rows and the boundaries between values change the result.
	Fingerprint(ctx context.Context, tbl string, columns, orderBy []string) (string, error)
}

// Conn is an exclusive connection handle. It is not safe for
// concurrent use; every worker opens its own.
type Conn interface {
	CatalogConn
	ApplyConn
	DataConn
	Close() error
}
