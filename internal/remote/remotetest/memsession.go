// Package remotetest provides an in-memory remote.Session for tests.
package remotetest

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emeraldservers/killfeed-ingest/internal/remote"
)

// Read records one ReadRange call
type Read struct {
	Path   string
	Offset int64
	Length int64
}

type memFile struct {
	data    []byte
	modTime time.Time
}

// FS is a shared in-memory file tree. Sessions opened on the same FS see
// each other's writes, like sessions to the same host.
type FS struct {
	mu       sync.Mutex
	files    map[string]*memFile
	statErrs map[string]error
	readErrs map[string]error
	reads    []Read
}

// NewFS creates an empty tree
func NewFS() *FS {
	return &FS{
		files:    make(map[string]*memFile),
		statErrs: make(map[string]error),
		readErrs: make(map[string]error),
	}
}

// Put creates or replaces a file
func (fs *FS) Put(p string, data string, modTime time.Time) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.files[path.Clean(p)] = &memFile{data: []byte(data), modTime: modTime}
}

// Append appends to a file, creating it if needed
func (fs *FS) Append(p string, data string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p = path.Clean(p)
	f, ok := fs.files[p]
	if !ok {
		f = &memFile{}
		fs.files[p] = f
	}
	f.data = append(f.data, data...)
	f.modTime = f.modTime.Add(time.Second)
}

// FailStat makes Stat of p return err (nil clears it)
func (fs *FS) FailStat(p string, err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.setErr(fs.statErrs, p, err)
}

// FailRead makes ReadRange of p return err (nil clears it)
func (fs *FS) FailRead(p string, err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.setErr(fs.readErrs, p, err)
}

func (fs *FS) setErr(m map[string]error, p string, err error) {
	if err == nil {
		delete(m, path.Clean(p))
		return
	}
	m[path.Clean(p)] = err
}

// Reads returns the ReadRange calls made so far
func (fs *FS) Reads() []Read {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]Read(nil), fs.reads...)
}

// ResetReads forgets recorded reads
func (fs *FS) ResetReads() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.reads = nil
}

// Session opens a session on the tree
func (fs *FS) Session() *Session {
	return &Session{fs: fs}
}

// Session is an in-memory remote.Session
type Session struct {
	fs *FS

	mu     sync.Mutex
	closed bool
}

var _ remote.Session = (*Session)(nil)

func (s *Session) Walk(ctx context.Context, root, pattern string) ([]string, error) {
	if s.IsClosed() {
		return nil, remote.ErrSessionClosed
	}
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()

	root = path.Clean(root)
	var out []string
	for p := range s.fs.files {
		if p != root && !strings.HasPrefix(p, root+"/") {
			continue
		}
		if ok, _ := path.Match(pattern, path.Base(p)); ok {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Session) Stat(ctx context.Context, p string) (remote.FileInfo, error) {
	if s.IsClosed() {
		return remote.FileInfo{}, remote.ErrSessionClosed
	}
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()

	p = path.Clean(p)
	if err := s.fs.statErrs[p]; err != nil {
		return remote.FileInfo{}, err
	}
	f, ok := s.fs.files[p]
	if !ok {
		return remote.FileInfo{}, fmt.Errorf("stat %s: %w", p, os.ErrNotExist)
	}
	return remote.FileInfo{Path: p, Size: int64(len(f.data)), ModTime: f.modTime}, nil
}

func (s *Session) ReadRange(ctx context.Context, p string, offset, length int64) ([]byte, error) {
	if s.IsClosed() {
		return nil, remote.ErrSessionClosed
	}
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()

	p = path.Clean(p)
	s.fs.reads = append(s.fs.reads, Read{Path: p, Offset: offset, Length: length})
	if err := s.fs.readErrs[p]; err != nil {
		return nil, err
	}
	f, ok := s.fs.files[p]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", p, os.ErrNotExist)
	}
	size := int64(len(f.data))
	if offset > size {
		offset = size
	}
	end := size
	if length >= 0 && offset+length < size {
		end = offset + length
	}
	return append([]byte(nil), f.data[offset:end]...), nil
}

func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Kill simulates the transport dropping
func (s *Session) Kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *Session) Close() error {
	s.Kill()
	return nil
}
