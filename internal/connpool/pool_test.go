package connpool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/emeraldservers/killfeed-ingest/internal/domain"
	"github.com/emeraldservers/killfeed-ingest/internal/remote"
	"github.com/emeraldservers/killfeed-ingest/internal/remote/remotetest"
	"github.com/emeraldservers/killfeed-ingest/internal/retry"
)

var endpoint = domain.Endpoint{Host: "10.0.0.5", Port: 8822, Username: "deadside", Password: "hunter2"}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SweepInterval = 0
	cfg.DialRetry = retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	return cfg
}

func newTestPool(t *testing.T) (*Pool, *remotetest.Dialer, *fakeClock) {
	t.Helper()
	dialer := remotetest.NewDialer(remotetest.NewFS())
	clock := &fakeClock{now: time.Date(2025, 4, 30, 0, 0, 0, 0, time.UTC)}
	p := New(dialer, testConfig()).WithClock(clock.Now)
	t.Cleanup(p.CloseAll)
	return p, dialer, clock
}

func TestAcquire_ReusesReleasedSession(t *testing.T) {
	p, dialer, _ := newTestPool(t)
	ctx := context.Background()

	c1, err := p.Acquire(ctx, endpoint)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	p.Release(c1)

	c2, err := p.Acquire(ctx, endpoint)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if c2.Session != c1.Session {
		t.Error("expected the idle session to be reused")
	}
	if dialer.Dials() != 1 {
		t.Errorf("expected 1 dial, got %d", dialer.Dials())
	}
}

func TestAcquire_RespectsPerKeyCap(t *testing.T) {
	p, dialer, _ := newTestPool(t)
	ctx := context.Background()

	var conns []*Conn
	for i := 0; i < 3; i++ {
		c, err := p.Acquire(ctx, endpoint)
		if err != nil {
			t.Fatalf("Acquire() #%d error = %v", i, err)
		}
		conns = append(conns, c)
	}

	if _, err := p.Acquire(ctx, endpoint); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	if dialer.Open() > 3 {
		t.Errorf("open sessions %d exceed cap", dialer.Open())
	}

	// A different user is a different key
	other := endpoint
	other.Username = "other"
	c, err := p.Acquire(ctx, other)
	if err != nil {
		t.Fatalf("Acquire(other) error = %v", err)
	}
	p.Release(c)

	p.Release(conns[0])
	if _, err := p.Acquire(ctx, endpoint); err != nil {
		t.Errorf("Acquire() after release error = %v", err)
	}
}

func TestAcquire_ConcurrentNeverExceedsCap(t *testing.T) {
	p, dialer, _ := newTestPool(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	maxOpen := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Acquire(ctx, endpoint)
			if err != nil {
				return
			}
			mu.Lock()
			if n := dialer.Open(); n > maxOpen {
				maxOpen = n
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			p.Release(c)
		}()
	}
	wg.Wait()

	if maxOpen > 3 {
		t.Errorf("observed %d open sessions, cap is 3", maxOpen)
	}
}

func TestRelease_DiscardsClosedSession(t *testing.T) {
	p, dialer, _ := newTestPool(t)
	ctx := context.Background()

	c, err := p.Acquire(ctx, endpoint)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	c.Session.(*remotetest.Session).Kill()
	p.Release(c)
	p.Release(c) // double release is a no-op

	if got := p.Stats().TotalOpen; got != 0 {
		t.Errorf("expected 0 open sessions, got %d", got)
	}

	c2, err := p.Acquire(ctx, endpoint)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if c2.Session == c.Session {
		t.Error("closed session must not be reused")
	}
	if dialer.Dials() != 2 {
		t.Errorf("expected 2 dials, got %d", dialer.Dials())
	}
}

func TestCircuitBreaker(t *testing.T) {
	p, dialer, clock := newTestPool(t)
	ctx := context.Background()

	dialer.FailWith(errors.New("ssh: handshake failed: connection refused"))
	for i := 0; i < 3; i++ {
		if _, err := p.Acquire(ctx, endpoint); err == nil || errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("attempt %d: expected dial error, got %v", i, err)
		}
	}
	if dialer.Dials() != 3 {
		t.Fatalf("expected 3 dials, got %d", dialer.Dials())
	}

	// Breaker open: no network attempt
	_, err := p.Acquire(ctx, endpoint)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if dialer.Dials() != 3 {
		t.Errorf("breaker must not dial, got %d dials", dialer.Dials())
	}
	if stats := p.Stats(); stats.OpenCircuits != 1 {
		t.Errorf("expected 1 open circuit, got %d", stats.OpenCircuits)
	}

	// Window elapsed, trial fails: breaker reopens with a longer window
	clock.Advance(31 * time.Second)
	if _, err := p.Acquire(ctx, endpoint); err == nil || errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected trial dial error, got %v", err)
	}
	if dialer.Dials() != 4 {
		t.Errorf("expected exactly one trial, got %d dials", dialer.Dials())
	}
	clock.Advance(31 * time.Second)
	if _, err := p.Acquire(ctx, endpoint); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected extended backoff, got %v", err)
	}

	// Trial succeeds: counter reset
	dialer.FailWith(nil)
	clock.Advance(30 * time.Second)
	c, err := p.Acquire(ctx, endpoint)
	if err != nil {
		t.Fatalf("expected trial success, got %v", err)
	}
	p.Release(c)
	if stats := p.Stats(); stats.Endpoints[0].Failures != 0 || stats.OpenCircuits != 0 {
		t.Errorf("expected reset breaker, got %+v", stats.Endpoints[0])
	}
}

func TestBackoff(t *testing.T) {
	p := New(remotetest.NewDialer(remotetest.NewFS()), DefaultConfig())
	tests := []struct {
		failures int
		expected time.Duration
	}{
		{3, 30 * time.Second},
		{4, time.Minute},
		{5, 2 * time.Minute},
		{6, 4 * time.Minute},
		{7, 5 * time.Minute},
		{50, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := p.backoff(tt.failures); got != tt.expected {
			t.Errorf("backoff(%d) = %v, want %v", tt.failures, got, tt.expected)
		}
	}
}

func TestAcquire_RedactsCredentials(t *testing.T) {
	var logs bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&logs).Level(zerolog.DebugLevel)
	t.Cleanup(func() { log.Logger = prev })

	p, dialer, _ := newTestPool(t)
	dialer.FailWith(errors.New("ssh: unable to authenticate user deadside with password hunter2"))

	var msgs []string
	for i := 0; i < 4; i++ {
		_, err := p.Acquire(context.Background(), endpoint)
		if err == nil {
			t.Fatalf("attempt %d: expected error", i)
		}
		msgs = append(msgs, err.Error())
	}
	if !strings.Contains(msgs[3], "circuit breaker open") {
		t.Errorf("expected the breaker to be open on the 4th attempt, got %s", msgs[3])
	}
	if !strings.Contains(msgs[0], "***") || !strings.Contains(msgs[0], "10.0.0.5:8822") {
		t.Errorf("expected host:port and redaction marker in %s", msgs[0])
	}

	for _, s := range append(msgs, logs.String(), fmt.Sprint(p.Stats())) {
		if strings.Contains(s, "deadside") || strings.Contains(s, "hunter2") {
			t.Errorf("credentials leaked: %s", s)
		}
	}
	if logs.Len() == 0 {
		t.Error("expected connection failures to be logged")
	}
}

func TestRedact(t *testing.T) {
	got := Redact("login deadside/hunter2 failed", endpoint)
	if got != "login ***/*** failed" {
		t.Errorf("Redact() = %q", got)
	}
	if got := Redact("nothing here", domain.Endpoint{}); got != "nothing here" {
		t.Errorf("Redact() with empty credentials = %q", got)
	}
}

func TestSweep_PrunesClosedIdleSessions(t *testing.T) {
	p, _, _ := newTestPool(t)
	ctx := context.Background()

	c1, _ := p.Acquire(ctx, endpoint)
	c2, _ := p.Acquire(ctx, endpoint)
	p.Release(c1)
	p.Release(c2)
	c1.Session.(*remotetest.Session).Kill()

	if pruned := p.Sweep(); pruned != 1 {
		t.Errorf("expected 1 pruned session, got %d", pruned)
	}
	if got := p.Stats().TotalOpen; got != 1 {
		t.Errorf("expected 1 open session, got %d", got)
	}
}

func TestCloseAll(t *testing.T) {
	p, dialer, _ := newTestPool(t)
	ctx := context.Background()

	inUse, _ := p.Acquire(ctx, endpoint)
	idle, _ := p.Acquire(ctx, endpoint)
	p.Release(idle)

	p.CloseAll()
	if dialer.Open() != 0 {
		t.Errorf("expected every session closed, %d still open", dialer.Open())
	}
	p.Release(inUse)

	if _, err := p.Acquire(ctx, endpoint); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
}

func TestWith_AlwaysReleases(t *testing.T) {
	p, _, _ := newTestPool(t)
	boom := errors.New("boom")

	err := p.With(context.Background(), endpoint, func(s remote.Session) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if st := p.Stats(); st.Endpoints[0].Idle != 1 {
		t.Errorf("expected session back in idle queue, got %+v", st.Endpoints[0])
	}
}
