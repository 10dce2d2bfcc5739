package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/emeraldservers/killfeed-ingest/internal/chrono"
	"github.com/emeraldservers/killfeed-ingest/internal/domain"
	"github.com/emeraldservers/killfeed-ingest/internal/observability"
)

// ErrBackfillRunning is returned when a server already has a backfill in
// progress
var ErrBackfillRunning = errors.New("backfill already running")

// BackfillOptions tune one backfill request
type BackfillOptions struct {
	ClearExisting bool
}

type runKey struct {
	guildID, serverID string
}

type backfillRun struct {
	proc *chrono.Processor
	done chan struct{}
}

// Backfills starts, tracks and cancels chronological backfills. At most one
// backfill runs per server; the last result of each server is kept for
// status queries.
type Backfills struct {
	base context.Context
	deps chrono.Deps
	cfg  chrono.Config

	mu       sync.Mutex
	running  map[runKey]*backfillRun
	finished map[runKey]domain.ProcessingStats
	wg       sync.WaitGroup
}

// NewBackfills creates a manager. Backfills run under base, not under the
// context of the request that started them.
func NewBackfills(base context.Context, deps chrono.Deps, cfg chrono.Config) *Backfills {
	return &Backfills{
		base:     base,
		deps:     deps,
		cfg:      cfg,
		running:  make(map[runKey]*backfillRun),
		finished: make(map[runKey]domain.ProcessingStats),
	}
}

// Start launches a backfill of one server in the background and returns its
// run id
func (b *Backfills) Start(guildID string, server domain.ServerConfig, opts BackfillOptions) (string, error) {
	key := runKey{guildID, server.ServerID}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.running[key]; ok {
		return "", fmt.Errorf("%s/%s: %w", guildID, server.ServerID, ErrBackfillRunning)
	}

	cfg := b.cfg
	cfg.ClearExisting = opts.ClearExisting
	deps := b.deps
	deps.OnProgress = logProgress

	run := &backfillRun{proc: chrono.New(deps, cfg, guildID, server), done: make(chan struct{})}
	b.running[key] = run
	runID := run.proc.Stats().RunID

	log.Info().
		Str("run_id", runID).
		Str("guild_id", guildID).
		Str("server_id", server.ServerID).
		Bool("clear_existing", opts.ClearExisting).
		Msg("Starting backfill")

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(run.done)

		ctx, span := observability.StartSpan(b.base, "backfill", guildID, server.ServerID)
		result := run.proc.Run(ctx)
		var err error
		if result.Phase == domain.PhaseFailed {
			err = fmt.Errorf("backfill failed: %v", result.Errors)
		}
		observability.EndSpan(span, err)

		b.mu.Lock()
		delete(b.running, key)
		b.finished[key] = result
		b.mu.Unlock()
	}()

	return runID, nil
}

// StartGuild backfills every enabled server of a guild in parallel. Servers
// that already have a backfill running are reported in the error and
// skipped.
func (b *Backfills) StartGuild(guild domain.GuildConfig, opts BackfillOptions) ([]string, error) {
	var ids []string
	var errs []error
	for _, s := range guild.Servers {
		if !s.Enabled {
			continue
		}
		id, err := b.Start(guild.GuildID, s, opts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids = append(ids, id)
	}
	return ids, errors.Join(errs...)
}

// Cancel asks a running backfill to stop after its current batch
func (b *Backfills) Cancel(guildID, serverID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	run, ok := b.running[runKey{guildID, serverID}]
	if !ok {
		return false
	}
	run.proc.Cancel()
	log.Info().
		Str("guild_id", guildID).
		Str("server_id", serverID).
		Msg("Backfill cancellation requested")
	return true
}

// Status returns the live stats of a running backfill, or the result of the
// last finished one
func (b *Backfills) Status(guildID, serverID string) (domain.ProcessingStats, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := runKey{guildID, serverID}
	if run, ok := b.running[key]; ok {
		return run.proc.Stats(), true
	}
	s, ok := b.finished[key]
	return s, ok
}

// Running reports whether a server has a backfill in progress
func (b *Backfills) Running(guildID, serverID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.running[runKey{guildID, serverID}]
	return ok
}

// List returns the status of every known backfill, running ones first
func (b *Backfills) List() []domain.ProcessingStats {
	b.mu.Lock()
	out := make([]domain.ProcessingStats, 0, len(b.running)+len(b.finished))
	for _, run := range b.running {
		out = append(out, run.proc.Stats())
	}
	for key, s := range b.finished {
		if _, ok := b.running[key]; !ok {
			out = append(out, s)
		}
	}
	b.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Phase.Terminal() != out[j].Phase.Terminal() {
			return !out[i].Phase.Terminal()
		}
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

// Wait blocks until the backfill of a server, if any, has finished
func (b *Backfills) Wait(ctx context.Context, guildID, serverID string) error {
	b.mu.Lock()
	run, ok := b.running[runKey{guildID, serverID}]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every running backfill and waits for them to stop
func (b *Backfills) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	for _, run := range b.running {
		run.proc.Cancel()
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func logProgress(s domain.ProcessingStats) {
	log.Info().
		Str("run_id", s.RunID).
		Str("guild_id", s.GuildID).
		Str("server_id", s.ServerID).
		Str("phase", string(s.Phase)).
		Int("files_discovered", s.FilesDiscovered).
		Int("files_cached", s.FilesCached).
		Int("valid_kills", s.ValidKills).
		Int("processed_kills", s.ProcessedKills).
		Str("current_file", s.CurrentFile).
		Msg("Backfill progress")
}
