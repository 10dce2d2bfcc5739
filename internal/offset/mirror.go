package offset

import (
	"context"
	"path"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/emeraldservers/killfeed-ingest/internal/domain"
)

// ProgressWriter receives file reading progress for monitoring
type ProgressWriter interface {
	WriteFileReadingProgress(ctx context.Context, progress *domain.FileReadingProgress) error
}

// MirrorStore saves to a primary store and mirrors every save to a
// ProgressWriter. Mirror failures are logged and never fail the save.
type MirrorStore struct {
	StateStore
	mirror ProgressWriter
}

// NewMirrorStore wraps primary
func NewMirrorStore(primary StateStore, mirror ProgressWriter) *MirrorStore {
	return &MirrorStore{StateStore: primary, mirror: mirror}
}

// Save saves to the primary store, then mirrors
func (s *MirrorStore) Save(ctx context.Context, state *domain.ParserState) error {
	if err := s.StateStore.Save(ctx, state); err != nil {
		return err
	}

	progress := ProgressFromState(state)
	if err := s.mirror.WriteFileReadingProgress(ctx, progress); err != nil {
		log.Warn().
			Err(err).
			Str("key", state.Key().String()).
			Msg("Failed to mirror parser state")
	}
	return nil
}

// ProgressFromState converts a parser state to its monitoring view
func ProgressFromState(state *domain.ParserState) *domain.FileReadingProgress {
	ts := state.UpdatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	var offsetBytes, lines uint64
	if state.LastOffset > 0 {
		offsetBytes = uint64(state.LastOffset)
	}
	if state.LastLine > 0 {
		lines = uint64(state.LastLine)
	}
	return &domain.FileReadingProgress{
		Timestamp:     ts,
		ParserType:    string(state.ParserType),
		GuildID:       state.GuildID,
		ServerID:      state.ServerID,
		FilePath:      state.LastFile,
		FileName:      path.Base(state.LastFile),
		OffsetBytes:   offsetBytes,
		LinesParsed:   lines,
		FileTimestamp: state.FileTimestamp,
	}
}
