package replicate

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/block/replicator/pkg/applier"
	"github.com/block/replicator/pkg/backend"
	"github.com/block/replicator/pkg/catalog"
	"github.com/block/replicator/pkg/checksum"
	"github.com/block/replicator/pkg/copier"
	"github.com/block/replicator/pkg/dbconn"
	"github.com/block/replicator/pkg/metrics"
	"github.com/block/replicator/pkg/replicate/check"
	"github.com/block/replicator/pkg/status"
	"github.com/block/replicator/pkg/table"
	"github.com/block/replicator/pkg/throttler"
	"github.com/block/replicator/pkg/utils"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

type Runner struct {
	replicate *Replicate
	runID     string
	filter    table.Filter
	status    status.State
	stats     *status.Stats

	source         backend.Endpoint
	target         backend.Endpoint
	sourceDatabase string
	targetDatabase string
	replica        *sql.DB
	throttler      throttler.Throttler
	metricsSink    metrics.Sink
	copier         *copier.Copier
	reporter       *status.Reporter

	databases    []string
	tables       []*table.TableInfo
	results      []TableResult
	verification []checksum.Result
	startPos     mysql.Position
	endPos       mysql.Position

	logger     *slog.Logger
	mu         sync.Mutex
	cancelFunc context.CancelFunc
	cancelled  bool
}

func NewRunner(r *Replicate) (*Runner, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	runID := r.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Runner{
		replicate: r,
		runID:     runID,
		filter:    table.NewFilter(utils.ParseList(r.IncludeTables), utils.ParseList(r.ExcludeTables)),
		stats:     status.NewStats(),
		logger:    slog.Default(),
	}, nil
}

func (r *Runner) SetLogger(logger *slog.Logger) {
	r.logger = logger
}

// RunID identifies the run in the log and in the summary.
func (r *Runner) RunID() string {
	return r.runID
}

func (r *Runner) Close() error {
	if r.throttler != nil {
		if err := r.throttler.Close(); err != nil {
			return err
		}
	}
	if r.replica != nil {
		return r.replica.Close()
	}
	return nil
}

// setup resolves the endpoints and database names from the options.
func (r *Runner) setup(ctx context.Context) error {
	r.source = r.replicate.Source
	r.sourceDatabase = r.replicate.SourceDatabase
	if r.source == nil {
		cfg, err := r.replicate.sourceConfig()
		if err != nil {
			return fmt.Errorf("could not load source configuration: %w", err)
		}
		r.sourceDatabase = cfg.Database
		r.source = backend.NewMySQL(cfg, dbconn.NewDBConfig(), r.logger)
	}
	r.target = r.replicate.Target
	r.targetDatabase = r.replicate.TargetDatabase
	if r.target == nil {
		cfg, err := r.replicate.targetConfig()
		if err != nil {
			return fmt.Errorf("could not load target configuration: %w", err)
		}
		r.targetDatabase = cfg.Database
		dbConfig := dbconn.NewDBConfig()
		dbConfig.DisableForeignKeyChecks = true
		r.target = backend.NewMySQL(cfg, dbConfig, r.logger)
	}
	if !r.replicate.AllDatabases && r.sourceDatabase == "" {
		return errors.New("a source database is required unless --all-databases is specified")
	}
	if r.targetDatabase == "" {
		r.targetDatabase = r.sourceDatabase
	}

	r.metricsSink = r.replicate.MetricsSink
	if r.metricsSink == nil {
		r.metricsSink = metrics.NewLogSink(r.logger)
	}
	r.throttler = r.replicate.Throttler
	if r.throttler == nil {
		r.throttler = &throttler.Noop{}
		if r.replicate.ReplicaDSN != "" {
			var err error
			if r.throttler, err = r.newReplicaThrottler(); err != nil {
				return err
			}
		}
	}
	return r.throttler.Open(ctx)
}

func (r *Runner) newReplicaThrottler() (throttler.Throttler, error) {
	cfg, err := dbconn.ConnectionConfigFromDSN(r.replicate.ReplicaDSN)
	if err != nil {
		return nil, fmt.Errorf("could not parse replica DSN: %w", err)
	}
	r.replica, err = dbconn.New(cfg, cfg.Database, dbconn.NewDBConfig())
	if err != nil {
		return nil, fmt.Errorf("could not connect to replica: %w", err)
	}
	r.logger.Info("throttling on replica lag", "replica", cfg.String(), "max-lag", r.replicate.ReplicaMaxLag)
	return throttler.NewReplicationThrottler(r.replica, r.replicate.ReplicaMaxLag, r.logger)
}

// Run replicates the selected databases. The summary is returned whenever
// the run got past its preflight checks, including when it fails.
//
// Table, object and verification failures do not fail the run, they are
// listed in the summary. In strict mode a summary with any failure
// returns ErrSoftFailures.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.cancelFunc = cancel
	if r.cancelled {
		cancel()
	}
	r.mu.Unlock()

	r.logger.Info("starting replication", "run-id", r.runID)
	if err := r.setup(ctx); err != nil {
		return nil, err
	}
	if err := check.RunChecks(ctx, r.checkResources(), r.logger, check.ScopePreflight); err != nil {
		return nil, fmt.Errorf("preflight check failed: %w", err)
	}
	var err error
	if r.databases, err = r.databasesToReplicate(ctx); err != nil {
		return nil, err
	}
	r.startPos = r.binlogPosition(ctx)

	out := r.replicate.ProgressWriter
	if out == nil {
		out = os.Stdout
	}
	r.reporter = status.NewReporter(r.stats, r.replicate.ProgressInterval, out, r.logger)
	r.reporter.Start(ctx)

	err = r.replicateDatabases(ctx)

	r.status.Set(status.PostChecks)
	if ctx.Err() == nil {
		if err := check.RunChecks(ctx, r.checkResources(), r.logger, check.ScopePostRun); err != nil {
			r.logger.Warn("post-run check failed", "error", err)
		}
	}
	r.endPos = r.binlogPosition(context.WithoutCancel(ctx))
	if r.startPos.Name != "" && r.endPos.Compare(r.startPos) > 0 {
		r.logger.Warn("the source was written to during replication, the target may be missing changes",
			"binlog-start", r.startPos.String(), "binlog-end", r.endPos.String())
	}

	r.reporter.Stop()
	r.status.Set(status.Close)
	summary := r.summary(ctx.Err() != nil)
	if path := r.replicate.SummaryFile; path != "" {
		if werr := summary.WriteFile(path); werr != nil {
			r.logger.Error("could not write summary file", "file", path, "error", werr)
		}
	}
	switch {
	case err != nil:
		return summary, err
	case summary.Cancelled:
		return summary, ErrCancelled
	case r.replicate.Strict && !summary.OK():
		return summary, ErrSoftFailures
	}
	r.logger.Info("replication complete", "run-id", r.runID, "ok", summary.OK(), "duration", summary.TotalTime.Round(time.Second))
	return summary, nil
}

// replicateDatabases replicates each database in turn. With --all-databases
// a fatal error only stops the database it happened in, and the errors of
// every database are returned joined.
func (r *Runner) replicateDatabases(ctx context.Context) error {
	var errs []error
	for _, database := range r.databases {
		if ctx.Err() != nil {
			break
		}
		targetDatabase := database
		if !r.replicate.AllDatabases {
			targetDatabase = r.targetDatabase
		}
		err := r.replicateDatabase(ctx, database, targetDatabase)
		if err == nil || errors.Is(err, context.Canceled) {
			continue
		}
		err = fmt.Errorf("replication of database %s failed: %w", database, err)
		if !r.replicate.AllDatabases {
			return err
		}
		r.logger.Error("database replication failed, continuing with the next database", "database", database, "error", err)
		r.stats.AddError(err.Error())
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Runner) replicateDatabase(ctx context.Context, database, targetDatabase string) error {
	r.status.Set(status.ReadCatalog)
	reader := catalog.NewReader(r.source, r.logger)
	names, err := reader.Tables(ctx, database, r.filter)
	if err != nil {
		return err
	}
	tables, err := reader.Describe(ctx, database, names)
	if err != nil {
		return err
	}
	var objects []table.Object
	if !r.replicate.SkipObjects {
		if objects, err = reader.Objects(ctx, database); err != nil {
			return err
		}
	}
	r.logger.Info("replicating database", "database", database, "target-database", targetDatabase,
		"tables", len(tables), "objects", len(objects))

	r.status.Set(status.ApplySchema)
	appl := applier.New(r.target, r.stats, r.logger)
	appl.StripDefiner = r.replicate.StripDefiner
	if err := appl.CreateDatabase(ctx, targetDatabase); err != nil {
		return err
	}
	// Totals are only added once every table is guaranteed to be
	// completed, so that completed tables reach the total.
	r.stats.AddTotals(len(tables),
		lo.SumBy(tables, func(tbl *table.TableInfo) uint64 { return tbl.EstimatedRows }),
		lo.SumBy(tables, func(tbl *table.TableInfo) float64 { return tbl.SizeMB }),
	)
	r.tables = append(r.tables, tables...)
	created := appl.CreateTables(ctx, targetDatabase, tables)

	r.status.Set(status.CopyRows)
	r.copier, err = copier.NewCopier(r.source, r.target, targetDatabase, r.stats, &copier.CopierConfig{
		BatchSize:   r.replicate.BatchSize,
		Throttler:   r.throttler,
		Logger:      r.logger,
		MetricsSink: r.metricsSink,
	})
	if err != nil {
		return err
	}
	r.results = append(r.results, r.transferTables(ctx, tables, created)...)
	if err := ctx.Err(); err != nil {
		return err
	}

	if !r.replicate.SkipObjects {
		r.status.Set(status.ApplyObjects)
		appl.ApplyObjects(ctx, database, targetDatabase, objects)
	}
	if !r.replicate.SkipVerify {
		r.status.Set(status.Verify)
		r.verify(ctx, targetDatabase, lo.Filter(tables, func(tbl *table.TableInfo, _ int) bool {
			return created[tbl.TableName] == nil
		}))
	}
	return nil
}

// transferTables copies every table on a pool of Threads workers and
// waits for all of them. Larger tables are started first so that the
// longest copy does not start last. A table that could not be created
// is not copied, but it is still counted as completed.
func (r *Runner) transferTables(ctx context.Context, tables []*table.TableInfo, created map[string]error) []TableResult {
	ordered := slices.Clone(tables)
	slices.SortStableFunc(ordered, func(a, b *table.TableInfo) int {
		return cmp.Compare(b.SizeMB, a.SizeMB)
	})
	results := make([]TableResult, len(ordered))
	g := new(errgroup.Group)
	g.SetLimit(r.replicate.Threads)
	for i, tbl := range ordered {
		g.Go(func() error {
			results[i] = r.transferTable(ctx, tbl, created[tbl.TableName])
			return nil
		})
	}
	_ = g.Wait() // tasks never return errors
	return results
}

func (r *Runner) transferTable(ctx context.Context, tbl *table.TableInfo, createErr error) TableResult {
	res := TableResult{Table: tbl.String()}
	if createErr != nil {
		// Already recorded by the applier.
		r.stats.TableCompleted()
		res.Err = createErr
		return res
	}
	if err := ctx.Err(); err != nil {
		r.stats.TableCompleted()
		res.Err = fmt.Errorf("copy of %s not started: %w", tbl, err)
		return res
	}
	startTime := time.Now()
	res.Rows, res.Err = r.copier.CopyTable(ctx, tbl)
	res.Duration = time.Since(startTime)
	return res
}

func (r *Runner) verify(ctx context.Context, targetDatabase string, tables []*table.TableInfo) {
	verifier := checksum.NewVerifier(r.source, r.target, targetDatabase, &checksum.VerifierConfig{
		Concurrency: r.replicate.Threads,
		Logger:      r.logger,
	})
	results := verifier.VerifyTables(ctx, tables)
	failed := lo.CountBy(results, func(res checksum.Result) bool { return !res.OK() })
	r.logger.Info("verification complete", "database", targetDatabase, "tables", len(results), "failed", failed)
	r.verification = append(r.verification, results...)
}

func (r *Runner) databasesToReplicate(ctx context.Context) ([]string, error) {
	if !r.replicate.AllDatabases {
		return []string{r.sourceDatabase}, nil
	}
	databases, err := catalog.NewReader(r.source, r.logger).Databases(ctx)
	if err != nil {
		return nil, err
	}
	if len(databases) == 0 {
		return nil, errors.New("no databases found on the source")
	}
	return databases, nil
}

// binlogPosition returns the current binary log position of the source,
// or an empty position if it can not be read.
func (r *Runner) binlogPosition(ctx context.Context) mysql.Position {
	conn, err := r.source.Open(ctx, "")
	if err != nil {
		r.logger.Warn("could not read source binlog position", "error", err)
		return mysql.Position{}
	}
	defer utils.CloseAndLog(conn)
	pos, err := conn.BinlogPosition(ctx)
	if err != nil {
		r.logger.Warn("could not read source binlog position", "error", err)
		return mysql.Position{}
	}
	return pos
}

func (r *Runner) checkResources() check.Resources {
	return check.Resources{
		Source:    r.source,
		Target:    r.target,
		Databases: r.databases,
		Filter:    r.filter,
		Tables:    r.tables,
	}
}

func (r *Runner) summary(cancelled bool) *Summary {
	s := newSummary(r.runID, r.databases, r.stats.Snapshot(), r.results, r.verification)
	s.Cancelled = cancelled
	if r.startPos.Name != "" {
		s.BinlogStart = r.startPos.String()
		s.BinlogEnd = r.endPos.String()
	}
	return s
}

// Status returns a one line description of the current state.
func (r *Runner) Status() string {
	snap := r.stats.Snapshot()
	return fmt.Sprintf("replication status: state=%s tables=%d/%d rows=%d/%d errors=%d total-time=%s copier-is-throttled=%v",
		r.status.Get().String(),
		snap.CompletedTables, snap.TotalTables,
		snap.TransferredRows, snap.TotalRows,
		len(snap.Errors),
		snap.Elapsed().Round(time.Second),
		r.throttler != nil && r.throttler.IsThrottled(),
	)
}

func (r *Runner) Progress() status.Progress {
	state := r.status.Get()
	return status.Progress{
		CurrentState: state,
		Summary:      r.stats.Snapshot().Summary(state),
	}
}

// Cancel stops the run. Pages that are being copied are finished, no
// new page or table is started, and Run returns ErrCancelled.
func (r *Runner) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = true
	if r.cancelFunc != nil {
		r.cancelFunc()
	}
}

var _ io.Closer = (*Runner)(nil)
