package throttler

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/block/replicator/pkg/utils"
)

var (
	blockWaitInterval = 1 * time.Second

	ErrReplicationNotRunning = errors.New("replication is not running on the replica")
)

type Repl struct {
	replica        *sql.DB
	lagTolerance   time.Duration
	currentLagInMs int64
	logger         *slog.Logger
}

func (l *Repl) IsThrottled() bool {
	return atomic.LoadInt64(&l.currentLagInMs) >= l.lagTolerance.Milliseconds()
}

// BlockWait blocks until the lag is within the tolerance, or up to 60s
// to allow some progress to be made.
func (l *Repl) BlockWait(ctx context.Context) {
	timer := time.NewTimer(blockWaitInterval)
	defer timer.Stop()
	for range 60 {
		if atomic.LoadInt64(&l.currentLagInMs) < l.lagTolerance.Milliseconds() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			timer.Reset(blockWaitInterval)
		}
	}
	l.logger.Warn("lag monitor timed out", "lag_ms", atomic.LoadInt64(&l.currentLagInMs), "tolerance", l.lagTolerance)
}

// Replica reads the lag from SHOW REPLICA STATUS.
type Replica struct {
	Repl
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Throttler = &Replica{}

// Open reads the lag once and then keeps it updated in the background
// until Close is called.
func (l *Replica) Open(ctx context.Context) error {
	if err := l.UpdateLag(ctx); err != nil {
		return err
	}
	ctx, l.cancel = context.WithCancel(context.WithoutCancel(ctx))
	l.wg.Go(func() {
		ticker := time.NewTicker(loopInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.UpdateLag(ctx); err != nil && !errors.Is(err, context.Canceled) {
					l.logger.Error("error getting lag", "error", err)
				}
			}
		}
	})
	return nil
}

func (l *Replica) Close() error {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	return nil
}

// UpdateLag reads Seconds_Behind_Source. If replication is stopped the lag
// is unknown, and it is treated as infinite so that writes are throttled.
func (l *Replica) UpdateLag(ctx context.Context) error {
	lag, err := l.readLag(ctx)
	if errors.Is(err, ErrReplicationNotRunning) {
		atomic.StoreInt64(&l.currentLagInMs, math.MaxInt64)
	}
	if err != nil {
		return err
	}
	atomic.StoreInt64(&l.currentLagInMs, lag.Milliseconds())
	if l.IsThrottled() {
		l.logger.Warn("replica lag exceeds tolerance, throttling writes", "lag", lag, "tolerance", l.lagTolerance)
	}
	return nil
}

func (l *Replica) readLag(ctx context.Context) (time.Duration, error) {
	rows, err := l.replica.QueryContext(ctx, "SHOW REPLICA STATUS")
	if err != nil {
		return 0, err
	}
	defer utils.CloseAndLog(rows)
	cols, err := rows.Columns()
	if err != nil {
		return 0, err
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, err
		}
		return 0, ErrReplicationNotRunning
	}
	values := make([]sql.NullInt64, len(cols))
	dest := make([]any, len(cols))
	lagIdx := -1
	for i, col := range cols {
		if col == "Seconds_Behind_Source" || col == "Seconds_Behind_Master" {
			lagIdx = i
			dest[i] = &values[i]
			continue
		}
		dest[i] = new(sql.RawBytes)
	}
	if err := rows.Scan(dest...); err != nil {
		return 0, err
	}
	if lagIdx < 0 || !values[lagIdx].Valid {
		return 0, ErrReplicationNotRunning
	}
	return time.Duration(values[lagIdx].Int64) * time.Second, rows.Err()
}
