// Package chrono replays the complete killfeed history of a server in global
// timestamp order.
package chrono

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/emeraldservers/killfeed-ingest/internal/discovery"
	"github.com/emeraldservers/killfeed-ingest/internal/dispatch"
	"github.com/emeraldservers/killfeed-ingest/internal/domain"
	"github.com/emeraldservers/killfeed-ingest/internal/killfeed"
	"github.com/emeraldservers/killfeed-ingest/internal/offset"
	"github.com/emeraldservers/killfeed-ingest/internal/remote"
	"github.com/emeraldservers/killfeed-ingest/internal/retry"
	"github.com/emeraldservers/killfeed-ingest/internal/sessionlock"
	"github.com/emeraldservers/killfeed-ingest/internal/stats"
)

// ErrNoFilesCached is the failure reason when every discovered file failed
// to download
var ErrNoFilesCached = errors.New("no file could be downloaded")

// Sessions runs fn with a pooled remote session
type Sessions interface {
	With(ctx context.Context, ep domain.Endpoint, fn func(remote.Session) error) error
}

// ProgressFunc receives a snapshot of the run. It is called synchronously
// from the processor goroutine and should return quickly.
type ProgressFunc func(domain.ProcessingStats)

// Config holds backfill configuration
type Config struct {
	BatchSize            int  // records per replay batch (default: 100)
	ProgressEveryFiles   int  // progress callback cadence while caching (default: 10)
	ProgressEveryBatches int  // progress callback cadence while replaying (default: 10)
	ClearExisting        bool // drop the server's stats before replay
	Download             retry.Config
}

// DefaultConfig returns the default backfill configuration
func DefaultConfig() Config {
	download := retry.DefaultConfig()
	download.RetryableErrors = append(download.RetryableErrors,
		"connection pool exhausted",
		"remote session closed",
	)
	return Config{
		BatchSize:            100,
		ProgressEveryFiles:   10,
		ProgressEveryBatches: 10,
		Download:             download,
	}
}

// Deps are the collaborators of a Processor
type Deps struct {
	Sessions   Sessions
	Dispatcher *dispatch.Dispatcher // notifications are suppressed
	States     offset.StateStore
	Locks      *sessionlock.Manager
	OnProgress ProgressFunc
}

// record is one cached kill with its position for the stable sort
type record struct {
	event     *domain.KillEvent
	fileIndex int
	line      int64
}

// baseline is where live polling resumes after the backfill
type baseline struct {
	file  domain.RemoteFile
	bytes int64
	lines int64
}

// Processor runs one backfill of one server. Create a new one per run.
type Processor struct {
	deps    Deps
	cfg     Config
	guildID string
	server  domain.ServerConfig
	parser  *killfeed.Parser

	cancelled atomic.Bool

	mu    sync.Mutex
	stats domain.ProcessingStats
}

// New creates a processor for one server
func New(deps Deps, cfg Config, guildID string, server domain.ServerConfig) *Processor {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	if cfg.ProgressEveryFiles < 1 {
		cfg.ProgressEveryFiles = 10
	}
	if cfg.ProgressEveryBatches < 1 {
		cfg.ProgressEveryBatches = 10
	}
	return &Processor{
		deps:    deps,
		cfg:     cfg,
		guildID: guildID,
		server:  server,
		parser:  killfeed.NewParser(killfeed.RejectInvalid),
		stats: domain.ProcessingStats{
			RunID:    uuid.NewString(),
			GuildID:  guildID,
			ServerID: server.ServerID,
			Phase:    domain.PhaseDiscovery,
		},
	}
}

// Cancel asks the run to stop before its next batch. The batch in flight
// completes.
func (p *Processor) Cancel() {
	p.cancelled.Store(true)
}

// Stats returns a snapshot of the run
func (p *Processor) Stats() domain.ProcessingStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats.Clone()
}

func (p *Processor) update(fn func(s *domain.ProcessingStats)) {
	p.mu.Lock()
	fn(&p.stats)
	p.mu.Unlock()
}

func (p *Processor) report() {
	if p.deps.OnProgress != nil {
		p.deps.OnProgress(p.Stats())
	}
}

func (p *Processor) setPhase(phase domain.Phase) {
	p.update(func(s *domain.ProcessingStats) { s.Phase = phase })
	p.report()
}

func (p *Processor) addError(err error) {
	p.update(func(s *domain.ProcessingStats) { s.Errors = append(s.Errors, err.Error()) })
}

func (p *Processor) fail(err error) domain.ProcessingStats {
	log.Error().
		Err(err).
		Str("guild_id", p.guildID).
		Str("server_id", p.server.ServerID).
		Msg("Backfill failed")
	p.update(func(s *domain.ProcessingStats) {
		s.Errors = append(s.Errors, err.Error())
		s.Phase = domain.PhaseFailed
		s.EndTime = time.Now()
	})
	p.report()
	return p.Stats()
}

func (p *Processor) stopCancelled() domain.ProcessingStats {
	log.Info().
		Str("guild_id", p.guildID).
		Str("server_id", p.server.ServerID).
		Msg("Backfill cancelled")
	p.update(func(s *domain.ProcessingStats) {
		s.Cancelled = true
		s.EndTime = time.Now()
	})
	p.report()
	return p.Stats()
}

func (p *Processor) shouldStop(ctx context.Context) bool {
	return p.cancelled.Load() || ctx.Err() != nil
}

// Run executes the whole backfill and returns the final stats.
// Failures are reported through the stats, never as a panic or error.
func (p *Processor) Run(ctx context.Context) domain.ProcessingStats {
	p.update(func(s *domain.ProcessingStats) { s.StartTime = time.Now() })
	logger := log.With().
		Str("run_id", p.stats.RunID).
		Str("guild_id", p.guildID).
		Str("server_id", p.server.ServerID).
		Logger()

	p.setPhase(domain.PhaseDiscovery)

	unlock, err := p.deps.Locks.Lock(ctx, p.guildID, p.server.ServerID, domain.ParserHistorical)
	if err != nil {
		return p.fail(err)
	}
	defer unlock()

	ep := p.server.Endpoint()
	var files []domain.RemoteFile
	err = p.deps.Sessions.With(ctx, ep, func(s remote.Session) error {
		var err error
		files, err = discovery.All(ctx, s, discovery.KillfeedTarget(p.server))
		return err
	})
	if err != nil {
		return p.fail(fmt.Errorf("discovery: %w", err))
	}
	p.update(func(s *domain.ProcessingStats) { s.FilesDiscovered = len(files) })
	logger.Info().Int("files", len(files)).Msg("Backfill discovery finished")

	p.setPhase(domain.PhaseCaching)
	records, base, err := p.cache(ctx, ep, files)
	if err != nil {
		return p.fail(err)
	}
	if p.shouldStop(ctx) {
		return p.stopCancelled()
	}

	// Stable: equal timestamps keep file order, then line order
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.event.Timestamp.Equal(b.event.Timestamp) {
			return a.event.Timestamp.Before(b.event.Timestamp)
		}
		if a.fileIndex != b.fileIndex {
			return a.fileIndex < b.fileIndex
		}
		return a.line < b.line
	})
	p.update(func(s *domain.ProcessingStats) { s.ValidKills = len(records) })

	if p.cfg.ClearExisting {
		if err := p.clearExisting(ctx); err != nil {
			return p.fail(err)
		}
	}

	p.setPhase(domain.PhaseProcessing)
	if err := p.replay(ctx, records); err != nil {
		return p.fail(err)
	}
	if p.Stats().Cancelled {
		return p.Stats()
	}

	if base != nil {
		if err := p.saveBaseline(ctx, base); err != nil {
			// Stats are complete; live polling will start from scratch
			logger.Warn().Err(err).Msg("Failed to baseline killfeed state after backfill")
			p.addError(err)
		}
	}

	p.update(func(s *domain.ProcessingStats) {
		s.Phase = domain.PhaseComplete
		s.CurrentFile = ""
		s.EndTime = time.Now()
	})
	p.report()

	final := p.Stats()
	logger.Info().
		Int("files", final.FilesCached).
		Int("kills", final.ProcessedKills).
		Int64("skipped_lines", final.SkippedLines).
		Dur("duration", final.Duration()).
		Msg("Backfill complete")
	return final
}

// cache downloads and parses every file. Per-file failures are recorded and
// skipped; it fails only if files exist and none could be read.
func (p *Processor) cache(ctx context.Context, ep domain.Endpoint, files []domain.RemoteFile) ([]record, *baseline, error) {
	var records []record
	var base *baseline

	for i, f := range files {
		if p.shouldStop(ctx) {
			return records, base, nil
		}
		p.update(func(s *domain.ProcessingStats) { s.CurrentFile = f.Path })

		data, err := p.download(ctx, ep, f.Path)
		if err != nil {
			log.Warn().
				Err(err).
				Str("server_id", p.server.ServerID).
				Str("file", f.Path).
				Msg("Failed to cache file, skipping")
			p.addError(fmt.Errorf("%s: %w", f.Path, err))
			continue
		}

		// The newest file is still being written: leave a partial last
		// line to live polling
		newest := i == len(files)-1
		if newest {
			data = data[:remote.CompleteLength(data)]
		}

		lines := remote.Lines(data)
		var total, skipped int64
		for n, line := range lines {
			lineNo := int64(n + 1)
			if line == "" {
				continue
			}
			total++
			event, err := p.parser.ParseLine(line)
			if err != nil {
				skipped++
				continue
			}
			event.GuildID = p.guildID
			event.ServerID = p.server.ServerID
			event.SourceFile = f.Path
			event.LineNumber = lineNo
			records = append(records, record{event: event, fileIndex: i, line: lineNo})
		}

		if newest {
			base = &baseline{file: f, bytes: int64(len(data)), lines: int64(len(lines))}
		}

		p.update(func(s *domain.ProcessingStats) {
			s.FilesCached++
			s.TotalLines += total
			s.SkippedLines += skipped
		})
		if (i+1)%p.cfg.ProgressEveryFiles == 0 {
			p.report()
		}
	}

	if len(files) > 0 && p.Stats().FilesCached == 0 && !p.shouldStop(ctx) {
		return nil, nil, ErrNoFilesCached
	}
	return records, base, nil
}

func (p *Processor) download(ctx context.Context, ep domain.Endpoint, path string) ([]byte, error) {
	return retry.DoWithResult(ctx, p.cfg.Download, func() ([]byte, error) {
		var data []byte
		err := p.deps.Sessions.With(ctx, ep, func(s remote.Session) error {
			var err error
			data, err = remote.ReadAll(ctx, s, path)
			return err
		})
		return data, err
	})
}

func (p *Processor) clearExisting(ctx context.Context) error {
	resetter, ok := p.deps.Dispatcher.Sink().(stats.Resetter)
	if !ok {
		return fmt.Errorf("stats sink cannot clear existing data")
	}
	if err := resetter.ResetServer(ctx, p.guildID, p.server.ServerID); err != nil {
		return fmt.Errorf("clear existing data: %w", err)
	}
	return nil
}

// replay dispatches records in batches, checking for cancellation between
// batches only
func (p *Processor) replay(ctx context.Context, records []record) error {
	batches := 0
	for start := 0; start < len(records); start += p.cfg.BatchSize {
		if p.shouldStop(ctx) {
			p.stopCancelled()
			return nil
		}

		end := start + p.cfg.BatchSize
		if end > len(records) {
			end = len(records)
		}
		// The batch runs to completion even if ctx is cancelled meanwhile
		batchCtx := context.WithoutCancel(ctx)
		for _, r := range records[start:end] {
			if err := p.deps.Dispatcher.Kill(batchCtx, r.event); err != nil {
				return fmt.Errorf("replay: %w", err)
			}
			p.update(func(s *domain.ProcessingStats) {
				s.ProcessedKills++
				s.CurrentFile = r.event.SourceFile
			})
		}

		batches++
		if batches%p.cfg.ProgressEveryBatches == 0 {
			p.report()
		}
	}
	return nil
}

// saveBaseline points the live killfeed parser at the end of what was
// replayed so it does not count the history again
func (p *Processor) saveBaseline(ctx context.Context, b *baseline) error {
	state := &domain.ParserState{
		GuildID:    p.guildID,
		ServerID:   p.server.ServerID,
		ParserType: domain.ParserKillfeed,
		LastFile:   b.file.Path,
		LastOffset: b.bytes,
		LastLine:   b.lines,
		UpdatedAt:  time.Now().UTC(),
	}
	if b.file.HasNameTime {
		state.FileTimestamp = b.file.NameTime
	}
	return p.deps.States.Save(ctx, state)
}
