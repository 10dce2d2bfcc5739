package remotetest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/emeraldservers/killfeed-ingest/internal/domain"
	"github.com/emeraldservers/killfeed-ingest/internal/remote"
)

// Dialer hands out sessions on one FS and can be told to fail
type Dialer struct {
	FS *FS

	mu       sync.Mutex
	failWith error
	sessions []*Session
	dials    atomic.Int64
}

// NewDialer creates a dialer over fs
func NewDialer(fs *FS) *Dialer {
	return &Dialer{FS: fs}
}

// FailWith makes every subsequent dial return err (nil restores success)
func (d *Dialer) FailWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failWith = err
}

// Dials returns the number of Dial calls
func (d *Dialer) Dials() int {
	return int(d.dials.Load())
}

// Sessions returns every session handed out
func (d *Dialer) Sessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Session(nil), d.sessions...)
}

// Open counts sessions not yet closed
func (d *Dialer) Open() int {
	n := 0
	for _, s := range d.Sessions() {
		if !s.IsClosed() {
			n++
		}
	}
	return n
}

func (d *Dialer) Dial(ctx context.Context, ep domain.Endpoint) (remote.Session, error) {
	d.dials.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failWith != nil {
		return nil, d.failWith
	}
	s := d.FS.Session()
	d.sessions = append(d.sessions, s)
	return s, nil
}
