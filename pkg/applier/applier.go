// Package applier replays the schema of the source on the target:
// the database, the tables before their data is copied, and the views,
// routines and triggers after it.
package applier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/block/replicator/pkg/backend"
	"github.com/block/replicator/pkg/statement"
	"github.com/block/replicator/pkg/status"
	"github.com/block/replicator/pkg/table"
	"github.com/block/replicator/pkg/utils"
	"github.com/samber/lo"
)

type Applier struct {
	target backend.Endpoint
	stats  *status.Stats
	logger *slog.Logger

	// StripDefiner removes DEFINER clauses from views, routines and
	// triggers so that they are owned by the target user.
	StripDefiner bool
}

func New(target backend.Endpoint, stats *status.Stats, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{target: target, stats: stats, logger: logger}
}

// CreateDatabase creates the database on the target if it does not exist.
func (a *Applier) CreateDatabase(ctx context.Context, name string) error {
	conn, err := a.target.Open(ctx, "")
	if err != nil {
		return fmt.Errorf("could not connect to target: %w", err)
	}
	defer utils.CloseAndLog(conn)
	if err := conn.CreateDatabase(ctx, name); err != nil {
		return fmt.Errorf("could not create database %s: %w", name, err)
	}
	a.logger.Info("target database ready", "database", name)
	return nil
}

// CreateTables drops and recreates every table in database on the target.
// The returned map holds an entry for every table; a nil error means the
// table was created. A failure only affects that table.
func (a *Applier) CreateTables(ctx context.Context, database string, tables []*table.TableInfo) map[string]error {
	results := make(map[string]error, len(tables))
	conn, err := a.target.Open(ctx, database)
	if err != nil {
		err = fmt.Errorf("could not connect to target database %s: %w", database, err)
		for _, tbl := range tables {
			a.fail(tbl.TableName, err, results)
		}
		return results
	}
	defer utils.CloseAndLog(conn)
	for _, tbl := range tables {
		if err := conn.DropAndCreateTable(ctx, tbl.TableName, tbl.CreateStatement); err != nil {
			a.fail(tbl.TableName, fmt.Errorf("could not create table %s: %w", tbl, err), results)
			continue
		}
		a.logger.Debug("created table", "table", tbl.String())
		results[tbl.TableName] = nil
	}
	return results
}

func (a *Applier) fail(name string, err error, results map[string]error) {
	a.logger.Error("table creation failed", "table", name, "error", err)
	a.stats.AddError(err.Error())
	results[name] = err
}

// ApplyObjects recreates procedures, functions, views and triggers on the
// target database in that order. A failed object is logged, recorded and
// skipped. Views are retried in passes while a pass creates at least one
// view, so a view that selects from another view is created after it.
func (a *Applier) ApplyObjects(ctx context.Context, sourceDatabase, targetDatabase string, objects []table.Object) []error {
	if len(objects) == 0 {
		return nil
	}
	conn, err := a.target.Open(ctx, targetDatabase)
	if err != nil {
		err = fmt.Errorf("could not connect to target database %s to create objects: %w", targetDatabase, err)
		a.logger.Error("object creation failed", "error", err)
		a.stats.AddError(err.Error())
		return []error{err}
	}
	defer utils.CloseAndLog(conn)

	byKind := lo.GroupBy(objects, func(obj table.Object) table.ObjectKind { return obj.Kind })
	var errs []error
	for _, kind := range table.ApplyOrder {
		pending := lo.Map(byKind[kind], func(obj table.Object, _ int) table.Object {
			return a.prepare(obj, sourceDatabase, targetDatabase)
		})
		for len(pending) > 0 {
			var failed []table.Object
			var failures []error
			for _, obj := range pending {
				if err := conn.ReplaceObject(ctx, obj); err != nil {
					failed = append(failed, obj)
					failures = append(failures, fmt.Errorf("could not create %s %s: %w", strings.ToLower(string(obj.Kind)), obj.Name, err))
					continue
				}
				a.logger.Debug("created object", "object", obj.String())
			}
			// Only views can depend on objects of the same kind.
			if kind != table.View || len(failed) == len(pending) {
				for _, err := range failures {
					a.logger.Error("object creation failed", "database", targetDatabase, "error", err)
					a.stats.AddError(err.Error())
				}
				errs = append(errs, failures...)
				break
			}
			pending = failed
		}
	}
	a.logger.Info("objects replicated", "database", targetDatabase, "total", len(objects), "failed", len(errs))
	return errs
}

// prepare returns the object with its create statement adjusted for the target.
func (a *Applier) prepare(obj table.Object, sourceDatabase, targetDatabase string) table.Object {
	if a.StripDefiner {
		obj.CreateStatement = statement.StripDefiner(obj.CreateStatement)
	}
	if obj.Kind == table.View {
		rewritten, err := statement.RewriteViewSchema(obj.CreateStatement, sourceDatabase, targetDatabase)
		if err != nil {
			a.logger.Warn("could not rewrite view for the target database, creating it as is",
				"view", obj.Name, "error", err)
			return obj
		}
		obj.CreateStatement = rewritten
	}
	return obj
}
