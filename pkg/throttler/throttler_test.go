package throttler

import (
	"context"
	"database/sql"
	"log/slog"
	"math"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/block/replicator/pkg/utils"
	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

func TestThrottlerInterface(t *testing.T) {
	replicaDSN := os.Getenv("REPLICA_DSN")
	if replicaDSN == "" {
		t.Skip("skipping test because REPLICA_DSN not set")
	}
	db, err := sql.Open("mysql", replicaDSN)
	assert.NoError(t, err)
	defer utils.CloseAndLog(db)

	loopInterval = 1 * time.Millisecond
	throttler, err := NewReplicationThrottler(db, 60*time.Second, slog.Default())
	assert.NoError(t, err)
	assert.NoError(t, throttler.Open(t.Context()))

	time.Sleep(50 * time.Millisecond)        // make sure the throttler loop can calculate.
	throttler.BlockWait(t.Context())         // wait for catch up (there's no activity)
	assert.False(t, throttler.IsThrottled()) // there's a race, but its unlikely to be throttled

	assert.NoError(t, throttler.Close())
}

func TestNoopThrottler(t *testing.T) {
	throttler := &Noop{}
	assert.NoError(t, throttler.Open(t.Context()))
	throttler.currentLag = 1 * time.Second
	throttler.lagTolerance = 2 * time.Second
	assert.False(t, throttler.IsThrottled())
	assert.NoError(t, throttler.UpdateLag(t.Context()))
	throttler.BlockWait(t.Context())
	throttler.lagTolerance = 100 * time.Millisecond
	assert.True(t, throttler.IsThrottled())
	assert.NoError(t, throttler.Close())
}

func TestMockThrottler(t *testing.T) {
	throttler := &Mock{Delay: 200 * time.Millisecond}
	assert.NoError(t, throttler.Open(t.Context()))
	assert.NoError(t, throttler.UpdateLag(t.Context()))

	// not throttled: returns immediately
	start := time.Now()
	throttler.BlockWait(t.Context())
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	throttler.SetThrottled(true)
	assert.True(t, throttler.IsThrottled())
	start = time.Now()
	throttler.BlockWait(t.Context())
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	// BlockWait respects context cancellation
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	start = time.Now()
	throttler.BlockWait(ctx)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, int64(3), throttler.Waits())
	assert.NoError(t, throttler.Close())
}

func TestReplBlockWait(t *testing.T) {
	blockWaitInterval = 10 * time.Millisecond
	l := &Repl{lagTolerance: time.Second, logger: slog.Default()}
	atomic.StoreInt64(&l.currentLagInMs, 5000)
	assert.True(t, l.IsThrottled())

	go func() {
		time.Sleep(30 * time.Millisecond)
		atomic.StoreInt64(&l.currentLagInMs, 10)
	}()
	start := time.Now()
	l.BlockWait(t.Context())
	assert.False(t, l.IsThrottled())
	assert.Less(t, time.Since(start), time.Second)

	atomic.StoreInt64(&l.currentLagInMs, math.MaxInt64)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	l.BlockWait(ctx) // returns on cancel even though lag never recovers
}
