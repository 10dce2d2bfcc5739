package writer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/rs/zerolog/log"

	"github.com/emeraldservers/killfeed-ingest/internal/domain"
)

// ClickHouse DateTime64 valid range: 1925-01-01 to 2283-11-11
var (
	minClickHouseDateTime = time.Date(1925, 1, 1, 0, 0, 0, 0, time.UTC)
	maxClickHouseDateTime = time.Date(2283, 11, 11, 23, 59, 59, 999999999, time.UTC)
)

// ensureValidDateTime returns t, or minClickHouseDateTime if t is zero or out of range
func ensureValidDateTime(t time.Time) time.Time {
	if t.IsZero() || t.Before(minClickHouseDateTime) || t.After(maxClickHouseDateTime) {
		return minClickHouseDateTime
	}
	return t
}

type pendingKill struct {
	event *domain.KillEvent
	hash  string
}

// ClickHouseWriter writes kill events to ClickHouse in batches.
// Safe for concurrent use by several server jobs.
type ClickHouseWriter struct {
	conn     clickhouse.Conn
	database string
	cfg      BatchConfig

	mu        sync.Mutex
	killBatch []pendingKill
	lastFlush time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewClickHouseWriter creates a new ClickHouse batch writer and starts its
// timed flusher
func NewClickHouseWriter(conn clickhouse.Conn, database string, cfg BatchConfig) *ClickHouseWriter {
	if cfg.MaxSize < 1 {
		cfg.MaxSize = 1
	}
	w := &ClickHouseWriter{
		conn:      conn,
		database:  database,
		cfg:       cfg,
		killBatch: make([]pendingKill, 0, cfg.MaxSize),
		lastFlush: time.Now(),
		stopCh:    make(chan struct{}),
	}
	if cfg.FlushTimeout > 0 {
		w.wg.Add(1)
		go w.flushLoop(time.Duration(cfg.FlushTimeout) * time.Millisecond)
	}
	return w
}

// flushLoop flushes a partly filled batch once it is older than the timeout
func (w *ClickHouseWriter) flushLoop(timeout time.Duration) {
	defer w.wg.Done()
	ticker := time.NewTicker(timeout)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := w.Flush(ctx); err != nil {
				log.Error().Err(err).Msg("Timed flush of kill archive failed")
			}
			cancel()
		}
	}
}

// WriteKillEvent adds a kill event to the batch
func (w *ClickHouseWriter) WriteKillEvent(ctx context.Context, event *domain.KillEvent) error {
	// Copy so later mutation by the caller cannot reach the batch
	eventCopy := *event

	w.mu.Lock()
	w.killBatch = append(w.killBatch, pendingKill{event: &eventCopy, hash: eventCopy.Hash()})
	if len(w.killBatch) < w.cfg.MaxSize {
		w.mu.Unlock()
		return nil
	}
	snapshot := w.takeSnapshot()
	w.mu.Unlock()

	return w.flushKillSnapshot(ctx, snapshot)
}

// takeSnapshot must be called with w.mu held
func (w *ClickHouseWriter) takeSnapshot() []pendingKill {
	snapshot := make([]pendingKill, len(w.killBatch))
	copy(snapshot, w.killBatch)
	w.killBatch = w.killBatch[:0]
	w.lastFlush = time.Now()
	return snapshot
}

// Flush forces writing all pending records
func (w *ClickHouseWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	if len(w.killBatch) == 0 {
		w.mu.Unlock()
		return nil
	}
	snapshot := w.takeSnapshot()
	w.mu.Unlock()

	return w.flushKillSnapshot(ctx, snapshot)
}

// WriteFileReadingProgress writes one progress row
func (w *ClickHouseWriter) WriteFileReadingProgress(ctx context.Context, progress *domain.FileReadingProgress) error {
	batch, err := w.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s.file_reading_progress", w.database))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	err = batch.Append(
		ensureValidDateTime(progress.Timestamp),
		progress.ParserType,
		progress.GuildID,
		progress.ServerID,
		progress.FilePath,
		progress.FileName,
		progress.OffsetBytes,
		progress.LinesParsed,
		ensureValidDateTime(progress.FileTimestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to append to batch: %w", err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	log.Debug().
		Str("parser_type", progress.ParserType).
		Str("file", progress.FileName).
		Uint64("offset", progress.OffsetBytes).
		Msg("File reading progress written to ClickHouse")

	return nil
}

// Close stops the timed flusher and flushes what is pending
func (w *ClickHouseWriter) Close() error {
	close(w.stopCh)
	w.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return w.Flush(ctx)
}

// flushKillSnapshot writes a snapshot of the batch
func (w *ClickHouseWriter) flushKillSnapshot(ctx context.Context, snapshot []pendingKill) error {
	if len(snapshot) == 0 {
		return nil
	}
	startTime := time.Now()

	toWrite := snapshot
	if w.cfg.EnableDeduplication {
		toWrite = make([]pendingKill, 0, len(snapshot))
		for _, p := range snapshot {
			exists, err := w.checkHashExists(ctx, p.hash)
			if err != nil {
				// Writing a duplicate is better than losing the row;
				// ReplacingMergeTree collapses it eventually
				log.Warn().Err(err).Str("hash", p.hash).Msg("Hash check failed, writing anyway")
			}
			if exists {
				continue
			}
			toWrite = append(toWrite, p)
		}
		if len(toWrite) == 0 {
			log.Debug().Int("total", len(snapshot)).Msg("All kill events were duplicates, skipping batch")
			return nil
		}
	}

	batch, err := w.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s.kill_events", w.database))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	ingestedAt := time.Now().UTC()
	for i, p := range toWrite {
		e := p.event
		var suicide uint8
		if e.IsSuicide {
			suicide = 1
		}
		err := batch.Append(
			ensureValidDateTime(e.Timestamp),
			e.GuildID,
			e.ServerID,
			e.KillerName,
			e.KillerID,
			e.VictimName,
			e.VictimID,
			e.Weapon,
			e.Distance,
			e.KillerPlatform,
			e.VictimPlatform,
			suicide,
			string(e.SuicideCause),
			e.SourceFile,
			e.LineNumber,
			p.hash,
			ingestedAt,
		)
		if err != nil {
			log.Error().
				Err(err).
				Str("event_time", e.Timestamp.Format(time.RFC3339)).
				Str("file", e.SourceFile).
				Int64("line", e.LineNumber).
				Msg("Failed to append kill event to batch")
			return fmt.Errorf("failed to append to batch (record index %d): %w", i, err)
		}
	}

	if err := batch.Send(); err != nil {
		log.Error().
			Err(err).
			Int("records", len(toWrite)).
			Msg("Failed to send kill archive batch to ClickHouse")
		return fmt.Errorf("failed to send batch (%d records): %w", len(toWrite), err)
	}

	totalTime := time.Since(startTime)
	logEntry := log.Info().
		Int("total", len(snapshot)).
		Int("written", len(toWrite)).
		Dur("total_time_ms", totalTime)
	if w.cfg.EnableDeduplication {
		logEntry = logEntry.Int("duplicates", len(snapshot)-len(toWrite))
	}
	logEntry.Msg("Flushed kill archive batch to ClickHouse")

	return nil
}

// checkHashExists checks if an event with the given hash is already archived
func (w *ClickHouseWriter) checkHashExists(ctx context.Context, hash string) (bool, error) {
	var count uint64
	query := fmt.Sprintf("SELECT count() FROM %s.kill_events WHERE event_hash = ?", w.database)

	rows, err := w.conn.Query(ctx, query, hash)
	if err != nil {
		return false, fmt.Errorf("failed to check hash: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return false, nil
	}
	if err := rows.Scan(&count); err != nil {
		return false, fmt.Errorf("failed to scan count: %w", err)
	}

	return count > 0, nil
}
