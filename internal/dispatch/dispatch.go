// Package dispatch hands parsed events to the stats sink and, after the sink
// accepted them, to the archive and the notifier.
package dispatch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/emeraldservers/killfeed-ingest/internal/domain"
	"github.com/emeraldservers/killfeed-ingest/internal/notify"
	"github.com/emeraldservers/killfeed-ingest/internal/stats"
)

// Archiver stores a copy of every recorded kill
type Archiver interface {
	WriteKillEvent(ctx context.Context, event *domain.KillEvent) error
}

// Dispatcher routes events. Only the sink is authoritative: archive and
// notifier failures are logged and never fail the dispatch.
type Dispatcher struct {
	sink     stats.Sink
	archive  Archiver
	notifier notify.Notifier
}

// New creates a dispatcher. archive and notifier may be nil.
func New(sink stats.Sink, archive Archiver, notifier notify.Notifier) *Dispatcher {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Dispatcher{sink: sink, archive: archive, notifier: notifier}
}

// Silent returns a dispatcher sharing sink and archive but sending no
// notifications. Backfills use it.
func (d *Dispatcher) Silent() *Dispatcher {
	return &Dispatcher{sink: d.sink, archive: d.archive, notifier: notify.Nop{}}
}

// Sink returns the underlying stats sink
func (d *Dispatcher) Sink() stats.Sink {
	return d.sink
}

// Kill records a kill or suicide
func (d *Dispatcher) Kill(ctx context.Context, e *domain.KillEvent) error {
	var err error
	if e.IsSuicide {
		err = d.sink.RecordSuicide(ctx, e)
	} else {
		err = d.sink.RecordKill(ctx, e)
	}
	if err != nil {
		return fmt.Errorf("record %s:%d: %w", e.SourceFile, e.LineNumber, err)
	}

	if d.archive != nil {
		if err := d.archive.WriteKillEvent(ctx, e); err != nil {
			log.Warn().
				Err(err).
				Str("guild_id", e.GuildID).
				Str("server_id", e.ServerID).
				Msg("Failed to archive kill event")
		}
	}

	d.notifier.Notify(ctx, e.GuildID, e.ServerID, e.Describe())
	return nil
}

// Session records a connection change
func (d *Dispatcher) Session(ctx context.Context, e *domain.SessionEvent) error {
	if err := d.sink.RecordSession(ctx, e); err != nil {
		return fmt.Errorf("record session %s:%d: %w", e.SourceFile, e.LineNumber, err)
	}
	return nil
}

// ServerEvent records a mission or world event if the sink keeps server
// status, then announces it when it is worth a post
func (d *Dispatcher) ServerEvent(ctx context.Context, e *domain.ServerEvent) error {
	if rec, ok := d.sink.(stats.ServerRecorder); ok {
		if err := rec.RecordServerEvent(ctx, e); err != nil {
			return fmt.Errorf("record server event %s:%d: %w", e.SourceFile, e.LineNumber, err)
		}
	}
	if e.Announced() {
		d.notifier.Announce(ctx, e.GuildID, e.ServerID, *e)
	}
	return nil
}
