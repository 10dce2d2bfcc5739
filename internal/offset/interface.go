package offset

import (
	"context"
	"errors"

	"github.com/emeraldservers/killfeed-ingest/internal/domain"
)

// ErrNotFound is returned by Get when no state is stored for the key
var ErrNotFound = errors.New("parser state not found")

// StateStore stores and retrieves parser states.
// Save is last-write-wins: it replaces whatever is stored under the key.
// Implementations: BoltDB (default), MongoDB, Memory; ClickHouse as an
// optional monitoring mirror.
type StateStore interface {
	// Get returns the state for key, or ErrNotFound
	Get(ctx context.Context, key domain.StateKey) (*domain.ParserState, error)

	// Save replaces the state stored under state.Key()
	Save(ctx context.Context, state *domain.ParserState) error

	// Delete removes the state for key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key domain.StateKey) error

	// List returns every stored state
	List(ctx context.Context) ([]domain.ParserState, error)

	// Close closes the store
	Close() error
}
