package domain

import "time"

// Phase is the state of a chronological backfill run
type Phase string

const (
	PhaseDiscovery  Phase = "discovery"
	PhaseCaching    Phase = "caching"
	PhaseProcessing Phase = "processing"
	PhaseComplete   Phase = "complete"
	PhaseFailed     Phase = "failed"
)

// Terminal reports whether no further transitions can happen
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// ProcessingStats tracks one backfill run. It only lives in memory.
type ProcessingStats struct {
	RunID    string
	GuildID  string
	ServerID string

	Phase           Phase
	FilesDiscovered int
	FilesCached     int
	TotalLines      int64
	SkippedLines    int64
	ValidKills      int
	ProcessedKills  int
	CurrentFile     string
	Errors          []string
	Cancelled       bool

	StartTime time.Time
	EndTime   time.Time
}

// Clone returns a copy safe to hand to another goroutine
func (s ProcessingStats) Clone() ProcessingStats {
	out := s
	out.Errors = append([]string(nil), s.Errors...)
	return out
}

// Success reports whether the run completed
func (s ProcessingStats) Success() bool {
	return s.Phase == PhaseComplete
}

// Duration returns elapsed time of the run (up to now if still running)
func (s ProcessingStats) Duration() time.Duration {
	if s.StartTime.IsZero() {
		return 0
	}
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}
