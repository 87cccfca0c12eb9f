// Package utils contains some common utilities used by all other packages.
package utils

import (
	"log/slog"
	"strings"

	"github.com/samber/lo"
)

// Closer is an interface for types that have a Close() method.
// This is compatible with io.Closer, *sql.DB, *sql.Rows and backend connections.
type Closer interface {
	Close() error
}

// CloseAndLog closes a resource and logs any error. This is useful for defer statements
// where the error cannot be meaningfully handled except by logging.
// Example: defer utils.CloseAndLog(conn)
func CloseAndLog(closer Closer) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		slog.Error("deferred close failed", "error", err)
	}
}

// QuoteIdentifier wraps a MySQL identifier in backticks,
// doubling any backtick inside the name.
func QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// QuoteName returns `schema`.`table`, or just `table` when schema is empty.
func QuoteName(schema, table string) string {
	if schema == "" {
		return QuoteIdentifier(table)
	}
	return QuoteIdentifier(schema) + "." + QuoteIdentifier(table)
}

// QuoteColumns returns the columns quoted and comma separated,
// i.e. "`a`, `b`, `c`".
func QuoteColumns(columns []string) string {
	return strings.Join(lo.Map(columns, func(col string, _ int) string {
		return QuoteIdentifier(col)
	}), ", ")
}

// ParseList splits a comma separated list such as "t1, t2,t3".
// Whitespace around items is trimmed and empty items are dropped.
func ParseList(list string) []string {
	if strings.TrimSpace(list) == "" {
		return nil
	}
	items := lo.Map(strings.Split(list, ","), func(item string, _ int) string {
		return strings.TrimSpace(item)
	})
	return lo.Uniq(lo.Compact(items))
}
