// Package catalog reads the schema of the source database: which tables
// to copy, how big they are, and the views, routines and triggers that
// are recreated after the data.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/block/replicator/pkg/backend"
	"github.com/block/replicator/pkg/table"
	"github.com/block/replicator/pkg/utils"
	"github.com/samber/lo"
)

// SystemDatabases are never replicated.
var SystemDatabases = []string{"information_schema", "performance_schema", "mysql", "sys"}

type Reader struct {
	source backend.Endpoint
	logger *slog.Logger
}

func NewReader(source backend.Endpoint, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{source: source, logger: logger}
}

func (r *Reader) open(ctx context.Context, database string) (backend.Conn, error) {
	conn, err := r.source.Open(ctx, database)
	if err != nil {
		return nil, fmt.Errorf("could not open catalog connection to %s: %w", r.source, err)
	}
	return conn, nil
}

// Databases returns the user databases on the source.
func (r *Reader) Databases(ctx context.Context) ([]string, error) {
	conn, err := r.open(ctx, "")
	if err != nil {
		return nil, err
	}
	defer utils.CloseAndLog(conn)
	all, err := conn.Databases(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not list databases: %w", err)
	}
	return lo.Reject(all, func(name string, _ int) bool {
		return slices.Contains(SystemDatabases, strings.ToLower(name))
	}), nil
}

// Tables returns the base tables of database that match filter.
// Names in the include list that do not exist are logged and ignored.
func (r *Reader) Tables(ctx context.Context, database string, filter table.Filter) ([]string, error) {
	conn, err := r.open(ctx, database)
	if err != nil {
		return nil, err
	}
	defer utils.CloseAndLog(conn)
	all, err := conn.Tables(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not list tables in %s: %w", database, err)
	}
	if missing, _ := lo.Difference(filter.Included(), all); len(missing) > 0 {
		r.logger.Warn("included tables do not exist on the source", "database", database, "tables", missing)
	}
	selected := filter.Apply(all)
	r.logger.Info("found tables to replicate", "database", database, "found", len(all), "selected", len(selected))
	return selected, nil
}

// Describe returns a TableInfo for each table, in the same order.
func (r *Reader) Describe(ctx context.Context, database string, tables []string) ([]*table.TableInfo, error) {
	conn, err := r.open(ctx, database)
	if err != nil {
		return nil, err
	}
	defer utils.CloseAndLog(conn)
	infos := make([]*table.TableInfo, 0, len(tables))
	for _, name := range tables {
		tbl, err := describe(ctx, conn, database, name)
		if err != nil {
			return nil, fmt.Errorf("could not describe table %s.%s: %w", database, name, err)
		}
		r.logger.Debug("described table", "table", tbl.String(), "rows", tbl.EstimatedRows, "size-mb", tbl.SizeMB)
		infos = append(infos, tbl)
	}
	return infos, nil
}

func describe(ctx context.Context, conn backend.CatalogConn, database, name string) (*table.TableInfo, error) {
	tbl := table.NewTableInfo(database, name)
	var err error
	if tbl.CreateStatement, err = conn.ShowCreateTable(ctx, name); err != nil {
		return nil, err
	}
	if tbl.EstimatedRows, err = conn.CountRows(ctx, name); err != nil {
		return nil, err
	}
	if tbl.SizeMB, err = conn.TableSizeMB(ctx, name); err != nil {
		return nil, err
	}
	cols, err := conn.Columns(ctx, name)
	if err != nil {
		return nil, err
	}
	tbl.SetColumns(cols)
	return tbl, nil
}

// Objects returns the procedures, functions, views and triggers
// of database in the order they need to be created.
func (r *Reader) Objects(ctx context.Context, database string) ([]table.Object, error) {
	conn, err := r.open(ctx, database)
	if err != nil {
		return nil, err
	}
	defer utils.CloseAndLog(conn)
	var objects []table.Object
	for _, kind := range table.ApplyOrder {
		var found []table.Object
		switch kind {
		case table.Procedure, table.Function:
			found, err = conn.Routines(ctx, kind)
		case table.View:
			found, err = conn.Views(ctx)
		case table.Trigger:
			found, err = conn.Triggers(ctx)
		}
		if err != nil {
			return nil, fmt.Errorf("could not read %s definitions in %s: %w", strings.ToLower(string(kind)), database, err)
		}
		objects = append(objects, found...)
	}
	counts := lo.CountValuesBy(objects, func(obj table.Object) table.ObjectKind { return obj.Kind })
	r.logger.Info("found objects to replicate", "database", database,
		"procedures", counts[table.Procedure], "functions", counts[table.Function],
		"views", counts[table.View], "triggers", counts[table.Trigger])
	return objects, nil
}
