package replicate

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/block/replicator/pkg/checksum"
	"github.com/block/replicator/pkg/status"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/samber/lo"
)

var (
	titleColor = color.New(color.FgCyan, color.Bold)
	okColor    = color.New(color.FgGreen)
	failColor  = color.New(color.FgRed)
)

// TableResult is the outcome of transferring one table.
type TableResult struct {
	Table    string
	Rows     uint64
	Duration time.Duration
	Err      error
}

// Summary is the final report of a run. It is built once, after the
// progress reporter has stopped, from the stats and the per table results.
type Summary struct {
	RunID             string        `json:"run_id"`
	Databases         []string      `json:"databases"`
	StartTime         time.Time     `json:"start_time"`
	EndTime           time.Time     `json:"end_time"`
	TotalTime         time.Duration `json:"total_time"`
	TotalTables       int           `json:"total_tables"`
	CompletedTables   int           `json:"completed_tables"`
	TotalRows         uint64        `json:"total_rows"`
	TransferredRows   uint64        `json:"transferred_rows"`
	TotalSizeMB       float64       `json:"total_size_mb"`
	TransferredSizeMB float64       `json:"transferred_size_mb"`
	RowsPerSecond     float64       `json:"rows_per_second"`
	MBPerSecond       float64       `json:"mb_per_second"`
	SuccessRate       float64       `json:"success_rate"`
	Errors            []string      `json:"errors"`
	FailedTables      []string      `json:"failed_tables"`

	VerifiedTables       int               `json:"verified_tables"`
	VerificationFailures []string          `json:"verification_failures"`
	Verification         []checksum.Result `json:"verification,omitempty"`

	BinlogStart string `json:"binlog_start,omitempty"`
	BinlogEnd   string `json:"binlog_end,omitempty"`
	Cancelled   bool   `json:"cancelled"`
}

func newSummary(runID string, databases []string, snap status.Snapshot, results []TableResult, verification []checksum.Result) *Summary {
	s := &Summary{
		RunID:             runID,
		Databases:         databases,
		StartTime:         snap.StartTime,
		EndTime:           snap.TakenAt,
		TotalTime:         snap.Elapsed(),
		TotalTables:       snap.TotalTables,
		CompletedTables:   snap.CompletedTables,
		TotalRows:         snap.TotalRows,
		TransferredRows:   snap.TransferredRows,
		TotalSizeMB:       snap.TotalSizeMB,
		TransferredSizeMB: snap.TransferredSizeMB,
		RowsPerSecond:     snap.RowsPerSecond(),
		MBPerSecond:       snap.MBPerSecond(),
		Errors:            snap.Errors,
		VerifiedTables:    len(verification),
		Verification:      verification,
	}
	if s.TotalTables > 0 {
		s.SuccessRate = float64(s.CompletedTables) / float64(s.TotalTables) * 100
	}
	s.FailedTables = lo.FilterMap(results, func(res TableResult, _ int) (string, bool) {
		return res.Table, res.Err != nil
	})
	s.VerificationFailures = lo.FilterMap(verification, func(res checksum.Result, _ int) (string, bool) {
		return fmt.Sprintf("%s: %s", res.Table, res.Reason()), !res.OK()
	})
	return s
}

// OK returns true if every table was copied and verified and no
// object failed to replicate.
func (s *Summary) OK() bool {
	return !s.Cancelled && len(s.Errors) == 0 && len(s.FailedTables) == 0 && len(s.VerificationFailures) == 0
}

// Render returns the summary as a human readable block.
func (s *Summary) Render() string {
	var sb strings.Builder
	titleColor.Fprintf(&sb, "Replication summary (run %s)\n", s.RunID)
	fmt.Fprintf(&sb, "  Databases:     %s\n", strings.Join(s.Databases, ", "))
	fmt.Fprintf(&sb, "  Total time:    %s\n", s.TotalTime.Round(time.Second))
	fmt.Fprintf(&sb, "  Tables:        %d/%d (%.2f%% completed)\n", s.CompletedTables, s.TotalTables, s.SuccessRate)
	fmt.Fprintf(&sb, "  Rows:          %s/%s\n", humanize.Comma(int64(s.TransferredRows)), humanize.Comma(int64(s.TotalRows)))
	fmt.Fprintf(&sb, "  Data:          %.2f/%.2f MB\n", s.TransferredSizeMB, s.TotalSizeMB)
	fmt.Fprintf(&sb, "  Average speed: %s rows/s, %.2f MB/s\n", humanize.Comma(int64(s.RowsPerSecond)), s.MBPerSecond)
	if s.BinlogStart != "" {
		fmt.Fprintf(&sb, "  Binlog:        %s -> %s\n", s.BinlogStart, s.BinlogEnd)
	}
	if s.VerifiedTables > 0 {
		fmt.Fprintf(&sb, "  Verified:      %d tables, %d failed\n", s.VerifiedTables, len(s.VerificationFailures))
	}
	renderList(&sb, "Failed tables", s.FailedTables)
	renderList(&sb, "Errors", s.Errors)
	renderList(&sb, "Verification failures", s.VerificationFailures)
	switch {
	case s.Cancelled:
		failColor.Fprintln(&sb, "Replication was cancelled")
	case s.OK():
		okColor.Fprintln(&sb, "Replication completed successfully")
	default:
		failColor.Fprintln(&sb, "Replication completed with errors")
	}
	return sb.String()
}

func renderList(sb *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	failColor.Fprintf(sb, "  %s (%d):\n", title, len(items))
	for _, item := range items {
		fmt.Fprintf(sb, "    - %s\n", item)
	}
}

// WriteFile writes the summary as indented JSON to path.
func (s *Summary) WriteFile(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
