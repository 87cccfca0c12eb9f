package status

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
)

var DefaultReportInterval = 5 * time.Second

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	labelColor  = color.New(color.Bold)
	errorColor  = color.New(color.FgRed)
)

// Reporter periodically prints the progress of a run. It only reads
// Stats through snapshots, so it never blocks a copy worker for longer
// than one copy of the counters.
type Reporter struct {
	stats    *Stats
	interval time.Duration
	out      io.Writer
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

func NewReporter(stats *Stats, interval time.Duration, out io.Writer, logger *slog.Logger) *Reporter {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		stats:    stats,
		interval: interval,
		out:      out,
		logger:   logger,
	}
}

// Start starts reporting in the background until ctx is cancelled
// or Stop is called. Starting twice is a no-op.
func (r *Reporter) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil || r.stopped {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)
}

func (r *Reporter) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Report()
		}
	}
}

// Stop stops the reporter and waits for it to exit.
// No report is printed after Stop returns.
func (r *Reporter) Stop() {
	r.mu.Lock()
	r.stopped = true
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Report prints the current progress block and logs a status line.
func (r *Reporter) Report() {
	snap := r.stats.Snapshot()
	if r.out != nil {
		fmt.Fprint(r.out, Render(snap))
	}
	attrs := []any{
		"percent", fmt.Sprintf("%.2f", snap.Percentage()),
		"rows", snap.TransferredRows,
		"total-rows", snap.TotalRows,
		"tables", fmt.Sprintf("%d/%d", snap.CompletedTables, snap.TotalTables),
		"current-table", snap.CurrentTable,
		"rows-per-second", fmt.Sprintf("%.0f", snap.RowsPerSecond()),
		"errors", len(snap.Errors),
	}
	if eta, ok := snap.ETA(); ok {
		attrs = append(attrs, "eta", eta.Round(time.Second).String())
	}
	r.logger.Info("replication progress", attrs...)
}

// Render returns the human readable progress block for a snapshot.
func Render(snap Snapshot) string {
	var sb strings.Builder
	line := strings.Repeat("=", 60)
	headerColor.Fprintln(&sb, line)
	fmt.Fprintf(&sb, "%s %.2f%% (%s/%s rows)\n", labelColor.Sprint("Progress:"),
		snap.Percentage(), humanize.Comma(int64(snap.TransferredRows)), humanize.Comma(int64(snap.TotalRows)))
	if snap.CurrentTable != "" {
		fmt.Fprintf(&sb, "%s %s\n", labelColor.Sprint("Current table:"), snap.CurrentTable)
	}
	fmt.Fprintf(&sb, "%s %d/%d\n", labelColor.Sprint("Tables:"), snap.CompletedTables, snap.TotalTables)
	fmt.Fprintf(&sb, "%s %s rows/s, %.2f MB/s\n", labelColor.Sprint("Speed:"),
		humanize.Comma(int64(snap.RowsPerSecond())), snap.MBPerSecond())
	fmt.Fprintf(&sb, "%s %s\n", labelColor.Sprint("Elapsed:"), snap.Elapsed().Round(time.Second))
	if eta, ok := snap.ETA(); ok {
		fmt.Fprintf(&sb, "%s %s\n", labelColor.Sprint("ETA:"), eta.Round(time.Second))
	}
	fmt.Fprintf(&sb, "%s %.2f/%.2f MB\n", labelColor.Sprint("Data:"), snap.TransferredSizeMB, snap.TotalSizeMB)
	if len(snap.Errors) > 0 {
		errorColor.Fprintf(&sb, "Errors: %d\n", len(snap.Errors))
	}
	headerColor.Fprintln(&sb, line)
	return sb.String()
}

// Summary is the one line form used in Progress, i.e.
// "45.20% copyRows ETA 2m10s".
func (s Snapshot) Summary(state State) string {
	summary := fmt.Sprintf("%.2f%% %s", s.Percentage(), state)
	if eta, ok := s.ETA(); ok {
		summary += " ETA " + eta.Round(time.Second).String()
	} else {
		summary += " ETA TBD"
	}
	return summary
}
