package remote

import (
	"context"
	"errors"
	"time"

	"github.com/emeraldservers/killfeed-ingest/internal/domain"
)

// ErrSessionClosed is returned by operations on a closed session
var ErrSessionClosed = errors.New("remote session closed")

// FileInfo is the metadata of a remote file
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// Session is an authenticated handle to one remote host.
// A Session is used by one goroutine at a time; the connection pool
// guarantees that.
type Session interface {
	// Walk lists regular files under root whose base name matches pattern
	// (path.Match syntax), recursively.
	Walk(ctx context.Context, root, pattern string) ([]string, error)
	// Stat returns size and modification time of a file
	Stat(ctx context.Context, path string) (FileInfo, error)
	// ReadRange reads the bytes [offset, offset+length) of a file.
	// A negative length reads to the end of the file.
	ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error)
	// IsClosed reports whether the underlying transport is gone
	IsClosed() bool
	Close() error
}

// Dialer opens new sessions
type Dialer interface {
	Dial(ctx context.Context, ep domain.Endpoint) (Session, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context, ep domain.Endpoint) (Session, error)

// Dial calls f(ctx, ep)
func (f DialerFunc) Dial(ctx context.Context, ep domain.Endpoint) (Session, error) {
	return f(ctx, ep)
}

// ReadAll reads a whole file
func ReadAll(ctx context.Context, s Session, path string) ([]byte, error) {
	return s.ReadRange(ctx, path, 0, -1)
}

// ReadTimeout bounds a read of size bytes: base plus the time the transfer
// would take at minThroughput bytes per second.
func ReadTimeout(size int64, base time.Duration, minThroughput int64) time.Duration {
	if size <= 0 || minThroughput <= 0 {
		return base
	}
	return base + time.Duration(float64(size)/float64(minThroughput)*float64(time.Second))
}
