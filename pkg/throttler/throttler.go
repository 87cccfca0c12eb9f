// Package throttler contains code to throttle the rate of writes to the target.
package throttler

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

var (
	loopInterval = 5 * time.Second
)

type Throttler interface {
	Open(ctx context.Context) error
	Close() error
	IsThrottled() bool
	BlockWait(ctx context.Context)
	UpdateLag(ctx context.Context) error
}

// NewReplicationThrottler returns a Throttler that monitors the lag of a
// replica of the target. Writes are paused while the lag exceeds lagTolerance.
func NewReplicationThrottler(replica *sql.DB, lagTolerance time.Duration, logger *slog.Logger) (Throttler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replica{
		Repl: Repl{
			replica:      replica,
			lagTolerance: lagTolerance,
			logger:       logger,
		},
	}, nil
}
