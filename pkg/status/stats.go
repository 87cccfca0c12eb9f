package status

import (
	"slices"
	"sync"
	"time"
)

// Stats is the aggregate progress of a run. It is shared by all
// copy workers and the reporter, and every method is one critical section.
//
// transferred rows never exceed total rows and completed tables never
// exceed total tables. When the source grows during the copy the total
// is raised to match, rather than letting the percentage pass 100.
type Stats struct {
	mu sync.Mutex

	startTime         time.Time
	totalTables       int
	completedTables   int
	totalRows         uint64
	transferredRows   uint64
	totalSizeMB       float64
	transferredSizeMB float64
	currentTable      string
	errors            []string

	now func() time.Time
}

// NewStats returns Stats with the start time set to now.
func NewStats() *Stats {
	return newStatsWithClock(time.Now)
}

func newStatsWithClock(now func() time.Time) *Stats {
	return &Stats{startTime: now(), now: now}
}

// AddTotals adds the tables, rows and size found by the catalog reader.
func (s *Stats) AddTotals(tables int, rows uint64, sizeMB float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalTables += tables
	s.totalRows += rows
	s.totalSizeMB += sizeMB
}

func (s *Stats) AddRows(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transferredRows += n
	if s.transferredRows > s.totalRows {
		s.totalRows = s.transferredRows
	}
}

func (s *Stats) AddSizeMB(mb float64) {
	if mb <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transferredSizeMB += mb
	if s.transferredSizeMB > s.totalSizeMB {
		s.totalSizeMB = s.transferredSizeMB
	}
}

// TableCompleted is called once per table, whether or not
// the table was copied successfully.
func (s *Stats) TableCompleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completedTables++
	if s.completedTables > s.totalTables {
		s.totalTables = s.completedTables
	}
}

func (s *Stats) SetCurrentTable(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentTable = name
}

// AddError appends to the error list. Errors are never removed.
func (s *Stats) AddError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, msg)
}

// Snapshot returns a consistent copy of the counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		StartTime:         s.startTime,
		TakenAt:           s.now(),
		TotalTables:       s.totalTables,
		CompletedTables:   s.completedTables,
		TotalRows:         s.totalRows,
		TransferredRows:   s.transferredRows,
		TotalSizeMB:       s.totalSizeMB,
		TransferredSizeMB: s.transferredSizeMB,
		CurrentTable:      s.currentTable,
		Errors:            slices.Clone(s.errors),
	}
}

// Snapshot is an immutable copy of Stats. All of the derived
// metrics are computed from the snapshot alone.
type Snapshot struct {
	StartTime         time.Time `json:"start_time"`
	TakenAt           time.Time `json:"taken_at"`
	TotalTables       int       `json:"total_tables"`
	CompletedTables   int       `json:"completed_tables"`
	TotalRows         uint64    `json:"total_rows"`
	TransferredRows   uint64    `json:"transferred_rows"`
	TotalSizeMB       float64   `json:"total_size_mb"`
	TransferredSizeMB float64   `json:"transferred_size_mb"`
	CurrentTable      string    `json:"current_table"`
	Errors            []string  `json:"errors"`
}

func (s Snapshot) Elapsed() time.Duration {
	return max(s.TakenAt.Sub(s.StartTime), 0)
}

func (s Snapshot) RowsPerSecond() float64 {
	secs := s.Elapsed().Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(s.TransferredRows) / secs
}

func (s Snapshot) MBPerSecond() float64 {
	secs := s.Elapsed().Seconds()
	if secs <= 0 {
		return 0
	}
	return s.TransferredSizeMB / secs
}

// Percentage is the share of rows transferred, 0 when there are no rows.
func (s Snapshot) Percentage() float64 {
	if s.TotalRows == 0 {
		return 0
	}
	return float64(s.TransferredRows) / float64(s.TotalRows) * 100
}

// ETA estimates the time left at the current rate. It is absent
// until rows have been transferred.
func (s Snapshot) ETA() (time.Duration, bool) {
	rate := s.RowsPerSecond()
	if s.TransferredRows == 0 || rate <= 0 {
		return 0, false
	}
	if s.TransferredRows >= s.TotalRows {
		return 0, true
	}
	remaining := float64(s.TotalRows-s.TransferredRows) / rate
	return time.Duration(remaining * float64(time.Second)), true
}
