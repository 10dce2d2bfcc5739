// Package incremental processes only the data appended to a server's remote
// files since the last successful poll.
package incremental

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/emeraldservers/killfeed-ingest/internal/discovery"
	"github.com/emeraldservers/killfeed-ingest/internal/dispatch"
	"github.com/emeraldservers/killfeed-ingest/internal/domain"
	"github.com/emeraldservers/killfeed-ingest/internal/killfeed"
	"github.com/emeraldservers/killfeed-ingest/internal/offset"
	"github.com/emeraldservers/killfeed-ingest/internal/remote"
	"github.com/emeraldservers/killfeed-ingest/internal/sessionlock"
)

// Status is the outcome of one poll
type Status string

const (
	StatusProcessed Status = "processed"
	StatusIdle      Status = "idle"    // nothing new, or no file yet
	StatusSkipped   Status = "skipped" // server locked by a backfill
)

// Mode is how the newest file related to the stored state
type Mode string

const (
	ModeNone       Mode = ""
	ModeFresh      Mode = "fresh_start"
	ModeGrowth     Mode = "growth"
	ModeTransition Mode = "file_transition"
	ModeRewritten  Mode = "rewritten" // file shrank below the stored offset
)

// Sessions runs fn with a pooled remote session
type Sessions interface {
	With(ctx context.Context, ep domain.Endpoint, fn func(remote.Session) error) error
}

// Result describes one poll
type Result struct {
	Status       Status
	Mode         Mode
	ParserType   domain.ParserType
	File         string
	PreviousFile string
	HeldBy       domain.ParserType // lock holder when skipped

	BytesRead int64
	Lines     int64
	Events    int
	GapEvents int // events read from the rotated file
	Malformed int
}

// Deps are the collaborators of a Processor
type Deps struct {
	Sessions   Sessions
	Dispatcher *dispatch.Dispatcher
	States     offset.StateStore
	Locks      *sessionlock.Manager
}

// Processor polls one server's killfeed or server log. It keeps no state
// between calls: everything it needs is loaded from the state store.
type Processor struct {
	deps          Deps
	killParser    *killfeed.Parser
	sessionParser *killfeed.SessionParser
	eventParser   *killfeed.ServerEventParser
}

// New creates a processor. Timestamps that fail to parse fall back to the
// current time.
func New(deps Deps) *Processor {
	return &Processor{
		deps:          deps,
		killParser:    killfeed.NewParser(killfeed.FallbackNow),
		sessionParser: killfeed.NewSessionParser(killfeed.FallbackNow),
		eventParser:   killfeed.NewServerEventParser(killfeed.FallbackNow),
	}
}

// chunk is a byte range of one file that was read and dispatched
type chunk struct {
	file   domain.RemoteFile
	start  int64
	end    int64
	lines  int64 // lines in the range
	events int
}

// poll carries the in-flight state of one Run
type poll struct {
	guildID    string
	server     domain.ServerConfig
	pt         domain.ParserType
	sess       remote.Session
	dispatcher *dispatch.Dispatcher
	result     *Result
	logger     zerolog.Logger
}

// Run polls one server for parser type pt. Read and dispatch errors abort the
// poll without saving state, so the next poll retries from the last good
// offset.
func (p *Processor) Run(ctx context.Context, guildID string, server domain.ServerConfig, pt domain.ParserType) (Result, error) {
	result := Result{Status: StatusIdle, ParserType: pt}
	logger := log.With().
		Str("guild_id", guildID).
		Str("server_id", server.ServerID).
		Str("parser", string(pt)).
		Logger()

	unlock, err := p.deps.Locks.TryLock(guildID, server.ServerID, pt)
	if err != nil {
		var locked *sessionlock.ErrLocked
		if errors.As(err, &locked) {
			logger.Info().
				Str("holder", string(locked.Holder)).
				Msg("Server is locked, skipping poll")
			result.Status = StatusSkipped
			result.HeldBy = locked.Holder
			return result, nil
		}
		return result, err
	}
	defer unlock()

	key := domain.StateKey{GuildID: guildID, ServerID: server.ServerID, ParserType: pt}
	state, err := p.deps.States.Get(ctx, key)
	if errors.Is(err, offset.ErrNotFound) {
		state = nil
	} else if err != nil {
		return result, fmt.Errorf("load parser state: %w", err)
	}

	err = p.deps.Sessions.With(ctx, server.Endpoint(), func(sess remote.Session) error {
		pl := &poll{
			guildID:    guildID,
			server:     server,
			pt:         pt,
			sess:       sess,
			dispatcher: p.deps.Dispatcher,
			result:     &result,
			logger:     logger,
		}
		return p.poll(ctx, pl, state)
	})
	if err != nil {
		return result, err
	}

	if result.Status == StatusProcessed {
		logger.Info().
			Str("mode", string(result.Mode)).
			Str("file", result.File).
			Int64("bytes", result.BytesRead).
			Int("events", result.Events).
			Int("gap_events", result.GapEvents).
			Int("malformed", result.Malformed).
			Msg("Poll processed")
	}
	return result, nil
}

func (p *Processor) poll(ctx context.Context, pl *poll, state *domain.ParserState) error {
	newest, err := discovery.Newest(ctx, pl.sess, discovery.TargetFor(pl.server, pl.pt))
	if err != nil {
		return err
	}
	if newest == nil {
		pl.logger.Debug().Msg("No remote file yet")
		pl.result.Status = StatusIdle
		return nil
	}
	pl.result.File = newest.Path

	switch {
	case state == nil:
		pl.result.Mode = ModeFresh
		if pl.pt == domain.ParserServerLog {
			// Cold start: everything in the log is history, record it
			// without posting
			pl.dispatcher = pl.dispatcher.Silent()
		}
		return p.fresh(ctx, pl, *newest)

	case state.LastFile == newest.Path:
		if newest.Size < state.LastOffset {
			pl.logger.Warn().
				Str("file", newest.Path).
				Int64("size", newest.Size).
				Int64("offset", state.LastOffset).
				Msg("File shrank below stored offset, re-reading from start")
			pl.result.Mode = ModeRewritten
			return p.fresh(ctx, pl, *newest)
		}
		if newest.Size == state.LastOffset {
			pl.result.Status = StatusIdle
			return nil
		}
		pl.result.Mode = ModeGrowth
		c, err := p.read(ctx, pl, *newest, state.LastOffset, newest.Size, state.LastLine, false)
		if err != nil {
			return err
		}
		if c.end == state.LastOffset {
			// only a partial line so far
			pl.result.Status = StatusIdle
			return nil
		}
		return p.save(ctx, pl, c.file, c.end, state.LastLine+c.lines)

	default:
		pl.result.Mode = ModeTransition
		pl.result.PreviousFile = state.LastFile
		if err := p.drainPrevious(ctx, pl, state); err != nil {
			return err
		}
		return p.fresh(ctx, pl, *newest)
	}
}

// fresh reads f from the start and baselines the state on it
func (p *Processor) fresh(ctx context.Context, pl *poll, f domain.RemoteFile) error {
	c, err := p.read(ctx, pl, f, 0, f.Size, 0, false)
	if err != nil {
		return err
	}
	return p.save(ctx, pl, f, c.end, c.lines)
}

// drainPrevious reads what was appended to the rotated file after the last
// poll, then records the file as fully read
func (p *Processor) drainPrevious(ctx context.Context, pl *poll, state *domain.ParserState) error {
	info, err := pl.sess.Stat(ctx, state.LastFile)
	if errors.Is(err, fs.ErrNotExist) {
		pl.logger.Warn().
			Str("file", state.LastFile).
			Msg("Previous file is gone, cannot read its tail")
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat previous file %s: %w", state.LastFile, err)
	}

	prev := domain.RemoteFile{Path: info.Path, Size: info.Size, ModTime: info.ModTime}
	if prev.Path == "" {
		prev.Path = state.LastFile
	}
	if info.Size < state.LastOffset {
		pl.logger.Warn().
			Str("file", state.LastFile).
			Int64("size", info.Size).
			Int64("offset", state.LastOffset).
			Msg("Previous file shrank below stored offset, skipping its tail")
		return nil
	}
	if info.Size == state.LastOffset {
		return nil
	}

	c, err := p.read(ctx, pl, prev, state.LastOffset, info.Size, state.LastLine, true)
	if err != nil {
		return err
	}
	pl.result.GapEvents = c.events

	prev.NameTime, prev.HasNameTime = state.FileTimestamp, !state.FileTimestamp.IsZero()
	return p.save(ctx, pl, prev, c.end, state.LastLine+c.lines)
}

// read fetches [start, end) of f, dispatches the events in it and returns
// the consumed range. Unless frozen, a trailing partial line is left for the
// next poll.
func (p *Processor) read(ctx context.Context, pl *poll, f domain.RemoteFile, start, end, firstLine int64, frozen bool) (chunk, error) {
	c := chunk{file: f, start: start, end: start}
	if end <= start {
		return c, nil
	}

	data, err := pl.sess.ReadRange(ctx, f.Path, start, end-start)
	if err != nil {
		return c, fmt.Errorf("read %s [%d,%d): %w", f.Path, start, end, err)
	}
	if !frozen {
		data = data[:remote.CompleteLength(data)]
	}
	if len(data) == 0 {
		return c, nil
	}

	lines := remote.Lines(data)
	for i, line := range lines {
		if line == "" {
			continue
		}
		dispatched, err := p.dispatchLine(ctx, pl, f.Path, firstLine+int64(i)+1, line)
		if err != nil {
			return c, err
		}
		if dispatched {
			c.events++
		}
	}

	c.end = start + int64(len(data))
	c.lines = int64(len(lines))
	pl.result.Status = StatusProcessed
	pl.result.BytesRead += int64(len(data))
	pl.result.Lines += c.lines
	pl.result.Events += c.events
	return c, nil
}

// dispatchLine parses one line and hands the event on. Malformed lines are
// counted and skipped.
func (p *Processor) dispatchLine(ctx context.Context, pl *poll, file string, lineNo int64, line string) (bool, error) {
	switch pl.pt {
	case domain.ParserServerLog:
		e, err := p.sessionParser.ParseLine(line)
		if errors.Is(err, killfeed.ErrNoSessionEvent) {
			return p.dispatchServerEvent(ctx, pl, file, lineNo, line)
		}
		if err != nil {
			pl.result.Malformed++
			return false, nil
		}
		e.GuildID = pl.guildID
		e.ServerID = pl.server.ServerID
		e.SourceFile = file
		e.LineNumber = lineNo
		return true, pl.dispatcher.Session(ctx, e)

	default:
		e, err := p.killParser.ParseLine(line)
		if err != nil {
			pl.logger.Debug().
				Err(err).
				Str("file", file).
				Int64("line", lineNo).
				Msg("Skipping malformed killfeed line")
			pl.result.Malformed++
			return false, nil
		}
		e.GuildID = pl.guildID
		e.ServerID = pl.server.ServerID
		e.SourceFile = file
		e.LineNumber = lineNo
		return true, pl.dispatcher.Kill(ctx, e)
	}
}

// dispatchServerEvent handles server log lines that are not about a player
// session. Lines with neither are ordinary log noise.
func (p *Processor) dispatchServerEvent(ctx context.Context, pl *poll, file string, lineNo int64, line string) (bool, error) {
	e, err := p.eventParser.ParseLine(line)
	if errors.Is(err, killfeed.ErrNoServerEvent) {
		return false, nil
	}
	if err != nil {
		pl.result.Malformed++
		return false, nil
	}
	e.GuildID = pl.guildID
	e.ServerID = pl.server.ServerID
	e.SourceFile = file
	e.LineNumber = lineNo
	return true, pl.dispatcher.ServerEvent(ctx, e)
}

func (p *Processor) save(ctx context.Context, pl *poll, f domain.RemoteFile, off, lines int64) error {
	state := &domain.ParserState{
		GuildID:    pl.guildID,
		ServerID:   pl.server.ServerID,
		ParserType: pl.pt,
		LastFile:   f.Path,
		LastOffset: off,
		LastLine:   lines,
	}
	if f.HasNameTime {
		state.FileTimestamp = f.NameTime
	}
	if err := p.deps.States.Save(ctx, state); err != nil {
		return fmt.Errorf("save parser state: %w", err)
	}
	return nil
}
