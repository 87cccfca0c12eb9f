package check

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/block/replicator/pkg/table"
	"github.com/block/replicator/pkg/utils"
	"github.com/samber/lo"
)

func init() {
	registerCheck("source_modified", sourceModifiedCheck, ScopePostRun)
}

// sourceModifiedCheck warns about tables that were created on the source
// while the replication was running. They match the filter but were not
// copied, so the target is incomplete.
func sourceModifiedCheck(ctx context.Context, r Resources, logger *slog.Logger) error {
	known := lo.GroupBy(r.Tables, func(tbl *table.TableInfo) string { return tbl.SchemaName })
	for _, database := range r.Databases {
		conn, err := r.Source.Open(ctx, database)
		if err != nil {
			return fmt.Errorf("failed to query source tables: %w", err)
		}
		current, err := conn.Tables(ctx)
		utils.CloseAndLog(conn)
		if err != nil {
			return fmt.Errorf("failed to query source tables: %w", err)
		}
		names := lo.Map(known[database], func(tbl *table.TableInfo, _ int) string { return tbl.TableName })
		if added, _ := lo.Difference(r.Filter.Apply(current), names); len(added) > 0 {
			logger.Warn("tables were created on the source during replication and were not copied",
				"database", database, "tables", added)
		}
	}
	return nil
}
