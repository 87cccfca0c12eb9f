// Package copier copies the rows of one table from the source to the
// target in fixed size pages.
package copier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/block/replicator/pkg/backend"
	"github.com/block/replicator/pkg/metrics"
	"github.com/block/replicator/pkg/status"
	"github.com/block/replicator/pkg/table"
	"github.com/block/replicator/pkg/throttler"
	"github.com/block/replicator/pkg/utils"
)

const DefaultBatchSize = 10000

type CopierConfig struct {
	BatchSize   uint64
	Throttler   throttler.Throttler
	Logger      *slog.Logger
	MetricsSink metrics.Sink
}

// NewCopierDefaultConfig returns a default config for the copier.
func NewCopierDefaultConfig() *CopierConfig {
	return &CopierConfig{
		BatchSize:   DefaultBatchSize,
		Throttler:   &throttler.Noop{},
		Logger:      slog.Default(),
		MetricsSink: &metrics.NoopSink{},
	}
}

// Copier copies tables into targetDatabase. It is safe to call
// CopyTable concurrently for different tables: every call opens
// its own source and target connections.
type Copier struct {
	source         backend.Endpoint
	target         backend.Endpoint
	targetDatabase string
	stats          *status.Stats
	batchSize      uint64
	throttler      throttler.Throttler
	logger         *slog.Logger
	metricsSink    metrics.Sink
}

func NewCopier(source, target backend.Endpoint, targetDatabase string, stats *status.Stats, config *CopierConfig) (*Copier, error) {
	if stats == nil {
		return nil, errors.New("stats must be non-nil")
	}
	if config.BatchSize == 0 {
		return nil, errors.New("batch size must be greater than zero")
	}
	c := &Copier{
		source:         source,
		target:         target,
		targetDatabase: targetDatabase,
		stats:          stats,
		batchSize:      config.BatchSize,
		throttler:      config.Throttler,
		logger:         config.Logger,
		metricsSink:    config.MetricsSink,
	}
	if c.throttler == nil {
		c.throttler = &throttler.Noop{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.metricsSink == nil {
		c.metricsSink = &metrics.NoopSink{}
	}
	return c, nil
}

// CopyTable copies all rows of tbl and returns how many were copied.
// The table counts as completed in the stats however it finishes.
//
// Cancelling ctx does not interrupt a page that is being copied, but no
// further page is started. A table that is interrupted or fails is left
// partially copied on the target.
func (c *Copier) CopyTable(ctx context.Context, tbl *table.TableInfo) (rows uint64, err error) {
	defer c.stats.TableCompleted()
	if tbl.EstimatedRows == 0 {
		c.logger.Info("table is empty, skipping copy", "table", tbl.String())
		return 0, nil
	}
	c.stats.SetCurrentTable(tbl.String())
	startTime := time.Now()
	defer func() {
		switch {
		case err == nil:
			c.logger.Info("table copied", "table", tbl.String(), "rows", rows, "duration", time.Since(startTime).Round(time.Millisecond))
		case errors.Is(err, context.Canceled):
			c.logger.Warn("table copy interrupted", "table", tbl.String(), "rows", rows)
		default:
			c.logger.Error("table copy failed", "table", tbl.String(), "rows", rows, "error", err)
			c.stats.AddError(err.Error())
		}
	}()

	columns := tbl.NonGeneratedColumns
	if len(columns) == 0 {
		return 0, fmt.Errorf("table %s has no insertable columns", tbl)
	}
	src, err := c.source.Open(ctx, tbl.SchemaName)
	if err != nil {
		return 0, fmt.Errorf("could not open source connection for %s: %w", tbl, err)
	}
	defer utils.CloseAndLog(src)
	dst, err := c.target.Open(ctx, c.targetDatabase)
	if err != nil {
		return 0, fmt.Errorf("could not open target connection for %s: %w", tbl, err)
	}
	defer utils.CloseAndLog(dst)

	sizePerRow := tbl.SizePerRowMB()
	pageCtx := context.WithoutCancel(ctx)
	for offset := uint64(0); ; offset += c.batchSize {
		if err := ctx.Err(); err != nil {
			return rows, fmt.Errorf("copy of %s stopped after %d rows: %w", tbl, rows, err)
		}
		c.throttler.BlockWait(ctx)
		n, err := c.copyPage(pageCtx, src, dst, tbl, columns, offset)
		if err != nil {
			return rows, fmt.Errorf("could not copy %s at offset %d: %w", tbl, offset, err)
		}
		if n == 0 {
			return rows, nil
		}
		rows += n
		c.stats.AddRows(n)
		c.stats.AddSizeMB(float64(n) * sizePerRow)
	}
}

// copyPage reads one page at offset and writes it in one transaction.
// The page is read without ORDER BY, so the copy relies on the source
// returning rows in a stable order while it is not being written to.
func (c *Copier) copyPage(ctx context.Context, src, dst backend.DataConn, tbl *table.TableInfo, columns []string, offset uint64) (uint64, error) {
	startTime := time.Now()
	page, err := src.ReadPage(ctx, tbl.TableName, columns, c.batchSize, offset)
	if err != nil {
		return 0, err
	}
	if len(page) == 0 {
		return 0, nil
	}
	affected, err := dst.WritePage(ctx, tbl.TableName, columns, page)
	if err != nil {
		return 0, err
	}
	c.logger.Debug("copied page", "table", tbl.String(), "offset", offset, "rows", len(page))
	if err := c.sendMetrics(ctx, tbl, time.Since(startTime), len(page), affected); err != nil {
		// we don't want to stop processing if metrics sending fails, log and continue
		c.logger.Error("error sending metrics from copier", "error", err)
	}
	return uint64(len(page)), nil
}

func (c *Copier) sendMetrics(ctx context.Context, tbl *table.TableInfo, processingTime time.Duration, rowsRead int, rowsWritten int64) error {
	contextWithTimeout, cancel := context.WithTimeout(ctx, metrics.SinkTimeout)
	defer cancel()
	return c.metricsSink.Send(contextWithTimeout, metrics.PageMetrics(tbl.String(), processingTime, rowsRead, rowsWritten))
}
