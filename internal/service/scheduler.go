// Package service runs the periodic polling of every configured server and
// manages admin-requested backfills.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/emeraldservers/killfeed-ingest/internal/domain"
	"github.com/emeraldservers/killfeed-ingest/internal/incremental"
	"github.com/emeraldservers/killfeed-ingest/internal/observability"
	"github.com/emeraldservers/killfeed-ingest/internal/offset"
)

// Directory lists the configured guilds
type Directory interface {
	All() []domain.GuildConfig
}

// Poller runs one incremental poll
type Poller interface {
	Run(ctx context.Context, guildID string, server domain.ServerConfig, pt domain.ParserType) (incremental.Result, error)
}

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	PollInterval        time.Duration // default: 300s
	MaxParallelServers  int           // default: 4
	BackfillOnNewServer bool
}

// TickSummary counts the outcomes of one polling round
type TickSummary struct {
	Started   time.Time `json:"started"`
	Duration  string    `json:"duration"`
	Servers   int       `json:"servers"`
	Processed int       `json:"processed"`
	Idle      int       `json:"idle"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Backfills int       `json:"backfills"`
	Events    int       `json:"events"`
}

// job is one server of one guild
type job struct {
	guild  domain.GuildConfig
	server domain.ServerConfig
}

// Scheduler polls every enabled server on a fixed interval
type Scheduler struct {
	cfg       SchedulerConfig
	guilds    Directory
	poller    Poller
	states    offset.StateStore
	backfills *Backfills

	mu        sync.Mutex
	last      *TickSummary
	attempted map[string]bool // servers already backfilled by this process
}

// NewScheduler creates a scheduler. backfills may be nil when
// BackfillOnNewServer is off.
func NewScheduler(cfg SchedulerConfig, guilds Directory, poller Poller, states offset.StateStore, backfills *Backfills) (*Scheduler, error) {
	if guilds == nil || poller == nil || states == nil {
		return nil, fmt.Errorf("guilds, poller and states are required")
	}
	if cfg.BackfillOnNewServer && backfills == nil {
		return nil, fmt.Errorf("backfill on new server needs a backfill manager")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 300 * time.Second
	}
	if cfg.MaxParallelServers < 1 {
		cfg.MaxParallelServers = 4
	}
	return &Scheduler{
		cfg:       cfg,
		guilds:    guilds,
		poller:    poller,
		states:    states,
		backfills: backfills,
		attempted: make(map[string]bool),
	}, nil
}

// Start polls immediately and then every PollInterval until ctx is done
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().
		Dur("interval", s.cfg.PollInterval).
		Int("max_parallel", s.cfg.MaxParallelServers).
		Bool("backfill_on_new_server", s.cfg.BackfillOnNewServer).
		Msg("Starting scheduler")

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Scheduler context cancelled")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// LastTick returns the summary of the last completed round
func (s *Scheduler) LastTick() (TickSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return TickSummary{}, false
	}
	return *s.last, true
}

// RunOnce polls every enabled server once, at most MaxParallelServers at a
// time, and waits for all of them
func (s *Scheduler) RunOnce(ctx context.Context) TickSummary {
	start := time.Now()
	var jobs []job
	for _, g := range s.guilds.All() {
		for _, srv := range g.Servers {
			if srv.Enabled {
				jobs = append(jobs, job{guild: g, server: srv})
			}
		}
	}

	summary := TickSummary{Started: start, Servers: len(jobs)}
	if len(jobs) == 0 {
		log.Debug().Msg("No enabled servers to poll")
		s.finish(summary, start)
		return summary
	}

	jobChan := make(chan job)
	var mu sync.Mutex
	var wg sync.WaitGroup

	workers := s.cfg.MaxParallelServers
	if workers > len(jobs) {
		workers = len(jobs)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobChan {
				outcome := s.runJob(ctx, j)
				mu.Lock()
				outcome.addTo(&summary)
				mu.Unlock()
			}
		}()
	}

send:
	for _, j := range jobs {
		select {
		case <-ctx.Done():
			break send
		case jobChan <- j:
		}
	}
	close(jobChan)
	wg.Wait()

	s.finish(summary, start)
	return summary
}

func (s *Scheduler) finish(summary TickSummary, start time.Time) {
	summary.Duration = time.Since(start).String()
	s.mu.Lock()
	s.last = &summary
	s.mu.Unlock()

	log.Info().
		Int("servers", summary.Servers).
		Int("processed", summary.Processed).
		Int("idle", summary.Idle).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Int("backfills", summary.Backfills).
		Int("events", summary.Events).
		Dur("duration", time.Since(start)).
		Msg("Polling round completed")
}

// outcome of one server job
type outcome struct {
	processed, idle, skipped, failed, backfill bool
	events                                     int
}

func (o outcome) addTo(s *TickSummary) {
	switch {
	case o.failed:
		s.Failed++
	case o.backfill:
		s.Backfills++
	case o.skipped:
		s.Skipped++
	case o.processed:
		s.Processed++
	default:
		s.Idle++
	}
	s.Events += o.events
}

// runJob polls one server. Errors are logged and never leave the job.
func (s *Scheduler) runJob(ctx context.Context, j job) (out outcome) {
	guildID, serverID := j.guild.GuildID, j.server.ServerID
	ctx, span := observability.StartSpan(ctx, "poll_server", guildID, serverID)
	var spanErr error
	defer func() { observability.EndSpan(span, spanErr) }()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("guild_id", guildID).
				Str("server_id", serverID).
				Msg("Server poll panicked")
			spanErr = fmt.Errorf("panic: %v", r)
			out = outcome{failed: true}
		}
	}()

	if s.cfg.BackfillOnNewServer {
		started, err := s.backfillIfNew(ctx, j)
		if err != nil {
			spanErr = err
			return outcome{failed: true}
		}
		if started {
			return outcome{backfill: true}
		}
	}

	parsers := []domain.ParserType{domain.ParserKillfeed}
	if j.guild.Premium {
		parsers = append(parsers, domain.ParserServerLog)
	}

	for _, pt := range parsers {
		res, err := s.poller.Run(ctx, guildID, j.server, pt)
		if err != nil {
			log.Error().
				Err(err).
				Str("guild_id", guildID).
				Str("server_id", serverID).
				Str("parser", string(pt)).
				Msg("Server poll failed")
			spanErr = err
			out.failed = true
			// the killfeed failing usually means the host is unreachable
			break
		}
		switch res.Status {
		case incremental.StatusProcessed:
			out.processed = true
		case incremental.StatusSkipped:
			out.skipped = true
		}
		out.events += res.Events
	}
	return out
}

// backfillIfNew starts a backfill for a server that has never been polled.
// A server is backfilled at most once per process: when the run leaves no
// killfeed state (no files, download failure, cancellation) the live poll
// takes over with its own fresh start.
func (s *Scheduler) backfillIfNew(ctx context.Context, j job) (bool, error) {
	if s.backfills.Running(j.guild.GuildID, j.server.ServerID) {
		return false, nil
	}
	key := domain.StateKey{GuildID: j.guild.GuildID, ServerID: j.server.ServerID, ParserType: domain.ParserKillfeed}
	_, err := s.states.Get(ctx, key)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, offset.ErrNotFound) {
		return false, fmt.Errorf("load parser state: %w", err)
	}

	attemptKey := j.guild.GuildID + "/" + j.server.ServerID
	s.mu.Lock()
	tried := s.attempted[attemptKey]
	s.attempted[attemptKey] = true
	s.mu.Unlock()
	if tried {
		return false, nil
	}

	log.Info().
		Str("guild_id", j.guild.GuildID).
		Str("server_id", j.server.ServerID).
		Msg("New server, starting backfill before live polling")
	if _, err := s.backfills.Start(j.guild.GuildID, j.server, BackfillOptions{}); err != nil {
		if errors.Is(err, ErrBackfillRunning) {
			return true, nil
		}
		s.mu.Lock()
		delete(s.attempted, attemptKey)
		s.mu.Unlock()
		return false, err
	}
	return true, nil
}
