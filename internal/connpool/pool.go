// Package connpool hands out pooled remote sessions per (host, port, user)
// and stops dialing endpoints that keep failing.
package connpool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/emeraldservers/killfeed-ingest/internal/domain"
	"github.com/emeraldservers/killfeed-ingest/internal/remote"
	"github.com/emeraldservers/killfeed-ingest/internal/retry"
)

var (
	// ErrCircuitOpen means the endpoint failed repeatedly and is cooling down
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrPoolExhausted means every session for the endpoint is in use
	ErrPoolExhausted = errors.New("connection pool exhausted")
	// ErrPoolClosed is returned after CloseAll
	ErrPoolClosed = errors.New("connection pool closed")
)

// Config holds pool configuration
type Config struct {
	MaxPerKey        int           // sessions per endpoint (default: 3)
	FailureThreshold int           // consecutive failures that open the breaker (default: 3)
	BaseBackoff      time.Duration // first open window (default: 30s)
	MaxBackoff       time.Duration // cap of the open window (default: 5m)
	DialTimeout      time.Duration // per attempt (default: 30s)
	SweepInterval    time.Duration // closed-session pruning (default: 5m)
	DialRetry        retry.Config
}

// DefaultConfig returns the default pool configuration
func DefaultConfig() Config {
	dialRetry := retry.DefaultConfig()
	dialRetry.MaxAttempts = 2
	return Config{
		MaxPerKey:        3,
		FailureThreshold: 3,
		BaseBackoff:      30 * time.Second,
		MaxBackoff:       5 * time.Minute,
		DialTimeout:      30 * time.Second,
		SweepInterval:    5 * time.Minute,
		DialRetry:        dialRetry,
	}
}

// Conn is a session checked out of the pool. Return it with Pool.Release.
type Conn struct {
	remote.Session
	key      string
	released atomic.Bool
}

type keyPool struct {
	label    string // host:port, safe to log
	idle     []remote.Session
	sessions map[remote.Session]struct{} // every open session, idle or checked out
	dialing  int                         // slots reserved by in-flight dials

	failures    int
	lastFailure time.Time
	halfOpen    bool
}

// Pool manages sessions for many endpoints
type Pool struct {
	dialer remote.Dialer
	cfg    Config
	now    func() time.Time

	mu     sync.Mutex
	pools  map[string]*keyPool
	closed bool

	stopSweep chan struct{}
	sweepWG   sync.WaitGroup
}

// New creates a pool. Call Start to run the background sweep.
func New(dialer remote.Dialer, cfg Config) *Pool {
	if cfg.MaxPerKey < 1 {
		cfg.MaxPerKey = 1
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	return &Pool{
		dialer:    dialer,
		cfg:       cfg,
		now:       time.Now,
		pools:     make(map[string]*keyPool),
		stopSweep: make(chan struct{}),
	}
}

// WithClock replaces the pool's clock. Must be called before use.
func (p *Pool) WithClock(now func() time.Time) *Pool {
	p.now = now
	return p
}

// Start runs the periodic sweep until ctx is done or CloseAll is called
func (p *Pool) Start(ctx context.Context) {
	if p.cfg.SweepInterval <= 0 {
		return
	}
	p.sweepWG.Add(1)
	go func() {
		defer p.sweepWG.Done()
		ticker := time.NewTicker(p.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopSweep:
				return
			case <-ticker.C:
				if pruned := p.Sweep(); pruned > 0 {
					log.Info().Int("pruned", pruned).Msg("Pruned closed remote sessions")
				}
			}
		}
	}()
}

// Acquire returns an idle open session for ep or dials a new one.
// Returns ErrCircuitOpen while the endpoint's breaker is open and
// ErrPoolExhausted when the endpoint is at its session cap; callers treat
// both as "try later".
func (p *Pool) Acquire(ctx context.Context, ep domain.Endpoint) (*Conn, error) {
	key := ep.Key()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	kp := p.poolFor(key, ep.Label())

	for len(kp.idle) > 0 {
		s := kp.idle[len(kp.idle)-1]
		kp.idle = kp.idle[:len(kp.idle)-1]
		if !s.IsClosed() {
			p.mu.Unlock()
			return &Conn{Session: s, key: key}, nil
		}
		delete(kp.sessions, s)
	}

	trial := false
	if kp.failures >= p.cfg.FailureThreshold {
		wait := p.backoff(kp.failures)
		if kp.halfOpen || p.now().Sub(kp.lastFailure) < wait {
			retryIn := wait - p.now().Sub(kp.lastFailure)
			p.mu.Unlock()
			return nil, fmt.Errorf("%w for %s (retry in %s)", ErrCircuitOpen, kp.label, retryIn.Round(time.Second))
		}
		// Half-open: this caller is the single trial
		kp.halfOpen = true
		trial = true
	}

	if len(kp.sessions)+kp.dialing >= p.cfg.MaxPerKey {
		if trial {
			kp.halfOpen = false
		}
		p.mu.Unlock()
		return nil, fmt.Errorf("%w for %s (%d in use)", ErrPoolExhausted, kp.label, p.cfg.MaxPerKey)
	}

	// Reserve the slot so concurrent acquirers respect the cap while dialing
	kp.dialing++
	p.mu.Unlock()

	sess, err := p.dial(ctx, ep, trial)

	p.mu.Lock()
	defer p.mu.Unlock()
	kp.dialing--
	if trial {
		kp.halfOpen = false
	}

	if err != nil {
		kp.failures++
		kp.lastFailure = p.now()
		event := log.Warn()
		if kp.failures >= p.cfg.FailureThreshold {
			event = log.Error().Dur("open_for", p.backoff(kp.failures))
		}
		event.
			Str("endpoint", kp.label).
			Int("failures", kp.failures).
			Str("error", err.Error()).
			Msg("Remote connection failed")
		return nil, &ConnectError{Endpoint: kp.label, err: err}
	}

	if p.closed {
		sess.Close()
		return nil, ErrPoolClosed
	}

	if kp.failures > 0 {
		log.Info().Str("endpoint", kp.label).Int("previous_failures", kp.failures).Msg("Remote connection recovered")
	}
	kp.failures = 0
	kp.sessions[sess] = struct{}{}
	return &Conn{Session: sess, key: key}, nil
}

func (p *Pool) dial(ctx context.Context, ep domain.Endpoint, trial bool) (remote.Session, error) {
	cfg := p.cfg.DialRetry
	if trial {
		cfg.MaxAttempts = 1
	}
	return retry.DoWithResult(ctx, cfg, func() (remote.Session, error) {
		dialCtx := ctx
		if p.cfg.DialTimeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, p.cfg.DialTimeout)
			defer cancel()
		}
		sess, err := p.dialer.Dial(dialCtx, ep)
		if err != nil {
			// Redacted before the retry layer logs it
			return nil, &redactedError{msg: Redact(err.Error(), ep), err: err}
		}
		return sess, nil
	})
}

// Release returns a session to its pool. Closed sessions are discarded.
// Releasing the same Conn twice is a no-op.
func (p *Pool) Release(c *Conn) {
	if c == nil || !c.released.CompareAndSwap(false, true) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	kp, ok := p.pools[c.key]
	if !ok {
		c.Session.Close()
		return
	}
	if _, tracked := kp.sessions[c.Session]; !tracked {
		// Already dropped by CloseAll
		c.Session.Close()
		return
	}
	if p.closed || c.Session.IsClosed() {
		delete(kp.sessions, c.Session)
		c.Session.Close()
		return
	}
	kp.idle = append(kp.idle, c.Session)
}

// With acquires a session for ep, runs fn and releases the session
func (p *Pool) With(ctx context.Context, ep domain.Endpoint, fn func(remote.Session) error) error {
	conn, err := p.Acquire(ctx, ep)
	if err != nil {
		return err
	}
	defer p.Release(conn)
	return fn(conn)
}

// Sweep drops idle sessions whose transport is closed and returns how many
func (p *Pool) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	pruned := 0
	for _, kp := range p.pools {
		live := kp.idle[:0]
		for _, s := range kp.idle {
			if s.IsClosed() {
				delete(kp.sessions, s)
				pruned++
				continue
			}
			live = append(live, s)
		}
		kp.idle = live
	}
	return pruned
}

// CloseAll closes every session of every endpoint and stops the sweep
func (p *Pool) CloseAll() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var all []remote.Session
	for _, kp := range p.pools {
		for s := range kp.sessions {
			all = append(all, s)
		}
		kp.sessions = make(map[remote.Session]struct{})
		kp.idle = nil
	}
	p.mu.Unlock()

	close(p.stopSweep)
	p.sweepWG.Wait()

	for _, s := range all {
		if err := s.Close(); err != nil {
			log.Debug().Err(err).Msg("Error closing remote session")
		}
	}
	log.Info().Int("sessions", len(all)).Msg("Connection pool closed")
}

// backoff returns the open window after failures consecutive failures
func (p *Pool) backoff(failures int) time.Duration {
	exp := failures - p.cfg.FailureThreshold
	if exp < 0 {
		exp = 0
	}
	wait := p.cfg.BaseBackoff
	for i := 0; i < exp && wait < p.cfg.MaxBackoff; i++ {
		wait *= 2
	}
	if p.cfg.MaxBackoff > 0 && wait > p.cfg.MaxBackoff {
		wait = p.cfg.MaxBackoff
	}
	return wait
}

func (p *Pool) poolFor(key, label string) *keyPool {
	kp, ok := p.pools[key]
	if !ok {
		kp = &keyPool{label: label, sessions: make(map[remote.Session]struct{})}
		p.pools[key] = kp
	}
	return kp
}

// ConnectError is a failed connection attempt. Endpoint is host:port and
// the wrapped error text is already redacted.
type ConnectError struct {
	Endpoint string
	err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %s", e.Endpoint, e.err)
}

func (e *ConnectError) Unwrap() error {
	return e.err
}

// redactedError keeps the dial error chain for errors.Is while its text
// has the credentials removed
type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }

func (e *redactedError) Unwrap() error { return e.err }

// Redact replaces the endpoint's credentials in s with ***
func Redact(s string, ep domain.Endpoint) string {
	if ep.Password != "" {
		s = strings.ReplaceAll(s, ep.Password, "***")
	}
	if ep.Username != "" {
		s = strings.ReplaceAll(s, ep.Username, "***")
	}
	return s
}
