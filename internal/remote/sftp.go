package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/emeraldservers/killfeed-ingest/internal/domain"
)

// DialConfig configures SFTP sessions
type DialConfig struct {
	Timeout           time.Duration // TCP connect + SSH handshake
	KeepAliveInterval time.Duration // 0 disables keep-alive requests
	KnownHostsFile    string        // empty accepts any host key

	// Algorithm preferences. Empty slices use the x/crypto defaults.
	Ciphers      []string
	KeyExchanges []string
	MACs         []string

	// Reads are bounded by ReadBaseTimeout + size/ReadMinThroughput
	ReadBaseTimeout   time.Duration
	ReadMinThroughput int64 // bytes per second
}

// DefaultDialConfig returns settings that work with the game hosts seen so far
func DefaultDialConfig() DialConfig {
	return DialConfig{
		Timeout:           30 * time.Second,
		KeepAliveInterval: 30 * time.Second,
		Ciphers: []string{
			"aes128-gcm@openssh.com", "aes256-gcm@openssh.com",
			"chacha20-poly1305@openssh.com",
			"aes128-ctr", "aes192-ctr", "aes256-ctr",
		},
		KeyExchanges: []string{
			"curve25519-sha256", "curve25519-sha256@libssh.org",
			"ecdh-sha2-nistp256", "ecdh-sha2-nistp384", "ecdh-sha2-nistp521",
			"diffie-hellman-group14-sha256", "diffie-hellman-group14-sha1",
		},
		ReadBaseTimeout:   30 * time.Second,
		ReadMinThroughput: 64 * 1024,
	}
}

// SFTPDialer dials SSH and opens an SFTP subsystem on top of it
type SFTPDialer struct {
	cfg DialConfig
}

// NewSFTPDialer creates a dialer
func NewSFTPDialer(cfg DialConfig) *SFTPDialer {
	return &SFTPDialer{cfg: cfg}
}

// Dial connects and authenticates with a password
func (d *SFTPDialer) Dial(ctx context.Context, ep domain.Endpoint) (Session, error) {
	hostKey := ssh.InsecureIgnoreHostKey()
	if d.cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(d.cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		hostKey = cb
	}

	sshConfig := &ssh.ClientConfig{
		User: ep.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(ep.Password),
		},
		HostKeyCallback: hostKey,
		Timeout:         d.cfg.Timeout,
		Config: ssh.Config{
			Ciphers:      d.cfg.Ciphers,
			KeyExchanges: d.cfg.KeyExchanges,
			MACs:         d.cfg.MACs,
		},
	}

	dialer := net.Dialer{Timeout: d.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", ep.Address())
	if err != nil {
		return nil, fmt.Errorf("tcp connect to %s failed: %w", ep.Address(), err)
	}

	// Bound the handshake; cleared once the client is up
	if d.cfg.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(d.cfg.Timeout))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, ep.Address(), sshConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", ep.Address(), err)
	}
	_ = conn.SetDeadline(time.Time{})
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("sftp subsystem on %s failed: %w", ep.Address(), err)
	}

	s := &sftpSession{
		endpoint: ep.Label(),
		ssh:      sshClient,
		sftp:     sftpClient,
		cfg:      d.cfg,
		done:     make(chan struct{}),
	}
	go s.watch()
	if d.cfg.KeepAliveInterval > 0 {
		go s.keepAlive(d.cfg.KeepAliveInterval)
	}

	log.Debug().Str("endpoint", s.endpoint).Msg("SFTP session established")
	return s, nil
}

type sftpSession struct {
	endpoint string
	ssh      *ssh.Client
	sftp     *sftp.Client
	cfg      DialConfig

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// watch marks the session closed when the transport goes away
func (s *sftpSession) watch() {
	_ = s.ssh.Wait()
	s.closed.Store(true)
}

func (s *sftpSession) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if _, _, err := s.ssh.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log.Debug().Err(err).Str("endpoint", s.endpoint).Msg("Keep-alive failed, marking session closed")
				s.closed.Store(true)
				return
			}
		}
	}
}

func (s *sftpSession) IsClosed() bool {
	return s.closed.Load()
}

func (s *sftpSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		sftpErr := s.sftp.Close()
		sshErr := s.ssh.Close()
		err = errors.Join(sftpErr, sshErr)
	})
	return err
}

func (s *sftpSession) Walk(ctx context.Context, root, pattern string) ([]string, error) {
	if s.IsClosed() {
		return nil, ErrSessionClosed
	}

	var files []string
	walker := s.sftp.Walk(root)
	for walker.Step() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err := walker.Err(); err != nil {
			// Unreadable subdirectory: skip it, keep walking
			if walker.Path() == root {
				return nil, fmt.Errorf("failed to walk %s: %w", root, err)
			}
			log.Warn().Err(err).Str("path", walker.Path()).Msg("Skipping unreadable remote path")
			continue
		}
		if walker.Stat().IsDir() {
			continue
		}
		ok, err := path.Match(pattern, path.Base(walker.Path()))
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
		if ok {
			files = append(files, walker.Path())
		}
	}
	sort.Strings(files)
	return files, nil
}

func (s *sftpSession) Stat(ctx context.Context, p string) (FileInfo, error) {
	if s.IsClosed() {
		return FileInfo{}, ErrSessionClosed
	}
	fi, err := s.sftp.Stat(p)
	if err != nil {
		return FileInfo{}, fmt.Errorf("stat %s: %w", p, err)
	}
	return toFileInfo(p, fi), nil
}

func (s *sftpSession) ReadRange(ctx context.Context, p string, offset, length int64) ([]byte, error) {
	if s.IsClosed() {
		return nil, ErrSessionClosed
	}

	f, err := s.sftp.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	defer f.Close()

	expected := length
	if expected < 0 {
		fi, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		expected = fi.Size() - offset
	}

	readCtx, cancel := context.WithTimeout(ctx, ReadTimeout(expected, s.cfg.ReadBaseTimeout, s.cfg.ReadMinThroughput))
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			ch <- result{err: fmt.Errorf("seek %s to %d: %w", p, offset, err)}
			return
		}
		var r io.Reader = f
		if length >= 0 {
			r = io.LimitReader(f, length)
		}
		data, err := io.ReadAll(r)
		ch <- result{data: data, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("read %s: %w", p, res.err)
		}
		return res.data, nil
	case <-readCtx.Done():
		// A hung transfer leaves the transport in an unknown state
		log.Warn().Str("endpoint", s.endpoint).Str("file", p).Msg("Remote read timed out, closing session")
		s.Close()
		return nil, fmt.Errorf("read %s: %w", p, readCtx.Err())
	}
}

func toFileInfo(p string, fi os.FileInfo) FileInfo {
	return FileInfo{
		Path:    p,
		Size:    fi.Size(),
		ModTime: fi.ModTime().UTC(),
		IsDir:   fi.IsDir(),
	}
}
