package writer

import (
	"context"

	"github.com/emeraldservers/killfeed-ingest/internal/domain"
)

// BatchWriter archives events to ClickHouse in batches
type BatchWriter interface {
	// WriteKillEvent adds a kill or suicide to the archive batch
	WriteKillEvent(ctx context.Context, event *domain.KillEvent) error

	// WriteFileReadingProgress writes file reading progress to ClickHouse.
	// Mirrors parser states with additional metadata for monitoring.
	WriteFileReadingProgress(ctx context.Context, progress *domain.FileReadingProgress) error

	// Flush forces writing all pending records to ClickHouse
	Flush(ctx context.Context) error

	// Close flushes pending records and closes the writer
	Close() error
}

// BatchConfig configures batch behavior
type BatchConfig struct {
	MaxSize             int   // Maximum records per batch
	FlushTimeout        int64 // Maximum milliseconds to wait before flush
	EnableDeduplication bool  // Check event hashes before insert (slower)
}
