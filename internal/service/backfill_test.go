package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emeraldservers/killfeed-ingest/internal/chrono"
	"github.com/emeraldservers/killfeed-ingest/internal/connpool"
	"github.com/emeraldservers/killfeed-ingest/internal/dispatch"
	"github.com/emeraldservers/killfeed-ingest/internal/domain"
	"github.com/emeraldservers/killfeed-ingest/internal/offset"
	"github.com/emeraldservers/killfeed-ingest/internal/remote/remotetest"
	"github.com/emeraldservers/killfeed-ingest/internal/retry"
	"github.com/emeraldservers/killfeed-ingest/internal/sessionlock"
	"github.com/emeraldservers/killfeed-ingest/internal/stats"
)

var backfillServer = domain.ServerConfig{ServerID: "7020", Host: "10.0.0.5", Port: 8822, Username: "u", Password: "p", Enabled: true}

const deathlogDir = "10.0.0.5_7020/actual1/deathlogs"

type backfillHarness struct {
	fs     *remotetest.FS
	sink   *stats.MemorySink
	states *offset.MemoryStore
	locks  *sessionlock.Manager
	b      *Backfills
}

func newBackfillHarness(t *testing.T) *backfillHarness {
	t.Helper()
	fs := remotetest.NewFS()
	poolCfg := connpool.DefaultConfig()
	poolCfg.SweepInterval = 0
	poolCfg.DialRetry = retry.Config{MaxAttempts: 1}
	pool := connpool.New(remotetest.NewDialer(fs), poolCfg)
	t.Cleanup(pool.CloseAll)

	h := &backfillHarness{
		fs:     fs,
		sink:   stats.NewMemorySink(),
		states: offset.NewMemoryStore(),
		locks:  sessionlock.NewManager(),
	}
	cfg := chrono.DefaultConfig()
	cfg.Download = retry.Config{MaxAttempts: 1}
	h.b = NewBackfills(context.Background(), chrono.Deps{
		Sessions:   pool,
		Dispatcher: dispatch.New(h.sink, nil, nil).Silent(),
		States:     h.states,
		Locks:      h.locks,
	}, cfg)
	t.Cleanup(func() { _ = h.b.Shutdown(context.Background()) })
	return h
}

func (h *backfillHarness) wait(t *testing.T, guildID, serverID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.b.Wait(ctx, guildID, serverID); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func TestBackfills_StartAndStatus(t *testing.T) {
	h := newBackfillHarness(t)
	h.fs.Put(deathlogDir+"/2025.04.30-00.00.00.csv",
		"2025.04.30-00.00.10;A;1;B;2;AK47;12;PC;PC\n2025.04.30-00.00.20;B;2;A;1;M4;30;PC;PC\n",
		time.Date(2025, 4, 30, 1, 0, 0, 0, time.UTC))

	runID, err := h.b.Start("g", backfillServer, BackfillOptions{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if runID == "" {
		t.Error("expected a run id")
	}
	h.wait(t, "g", backfillServer.ServerID)

	s, ok := h.b.Status("g", backfillServer.ServerID)
	if !ok {
		t.Fatal("expected a status")
	}
	if s.RunID != runID || s.Phase != domain.PhaseComplete || s.ProcessedKills != 2 {
		t.Errorf("unexpected status %+v", s)
	}
	if h.b.Running("g", backfillServer.ServerID) {
		t.Error("expected the backfill to be finished")
	}
	if list := h.b.List(); len(list) != 1 {
		t.Errorf("expected 1 listed backfill, got %d", len(list))
	}
}

func TestBackfills_RejectsConcurrentRunForSameServer(t *testing.T) {
	h := newBackfillHarness(t)
	// hold the server lock so the first run waits
	unlock, err := h.locks.TryLock("g", backfillServer.ServerID, domain.ParserKillfeed)
	if err != nil {
		t.Fatalf("TryLock() error = %v", err)
	}

	if _, err := h.b.Start("g", backfillServer, BackfillOptions{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	_, err = h.b.Start("g", backfillServer, BackfillOptions{})
	if !errors.Is(err, ErrBackfillRunning) {
		t.Errorf("expected ErrBackfillRunning, got %v", err)
	}

	unlock()
	h.wait(t, "g", backfillServer.ServerID)
}

func TestBackfills_CancelUnknown(t *testing.T) {
	h := newBackfillHarness(t)
	if h.b.Cancel("g", "nope") {
		t.Error("expected no backfill to cancel")
	}
	if _, ok := h.b.Status("g", "nope"); ok {
		t.Error("expected no status")
	}
}

func TestBackfills_StartGuildSkipsDisabled(t *testing.T) {
	h := newBackfillHarness(t)
	guild := domain.GuildConfig{GuildID: "g", Servers: []domain.ServerConfig{
		backfillServer,
		{ServerID: "7021", Host: "10.0.0.6", Enabled: false},
	}}

	ids, err := h.b.StartGuild(guild, BackfillOptions{})
	if err != nil {
		t.Fatalf("StartGuild() error = %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("expected 1 started backfill, got %d", len(ids))
	}
	h.wait(t, "g", backfillServer.ServerID)
}

func TestScheduler_BackfillsNewServerFirst(t *testing.T) {
	h := newBackfillHarness(t)
	h.fs.Put(deathlogDir+"/2025.04.30-00.00.00.csv",
		"2025.04.30-00.00.10;A;1;B;2;AK47;12;PC;PC\n",
		time.Date(2025, 4, 30, 1, 0, 0, 0, time.UTC))

	guilds := staticGuilds{{GuildID: "g", Servers: []domain.ServerConfig{backfillServer}}}
	poller := &fakePoller{}
	s, err := NewScheduler(SchedulerConfig{BackfillOnNewServer: true}, guilds, poller, h.states, h.b)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	first := s.RunOnce(context.Background())
	if first.Backfills != 1 {
		t.Errorf("expected a backfill on first sight, got %+v", first)
	}
	if len(poller.callsFor(backfillServer.ServerID)) != 0 {
		t.Error("expected no live poll while the server is new")
	}
	h.wait(t, "g", backfillServer.ServerID)

	second := s.RunOnce(context.Background())
	if second.Processed != 1 {
		t.Errorf("expected a live poll once baselined, got %+v", second)
	}
}

func TestScheduler_EmptyBackfillFallsBackToLivePolling(t *testing.T) {
	h := newBackfillHarness(t)

	guilds := staticGuilds{{GuildID: "g", Servers: []domain.ServerConfig{backfillServer}}}
	poller := &fakePoller{}
	s, err := NewScheduler(SchedulerConfig{BackfillOnNewServer: true}, guilds, poller, h.states, h.b)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	first := s.RunOnce(context.Background())
	if first.Backfills != 1 {
		t.Fatalf("expected a backfill on first sight, got %+v", first)
	}
	h.wait(t, "g", backfillServer.ServerID)

	key := domain.StateKey{GuildID: "g", ServerID: backfillServer.ServerID, ParserType: domain.ParserKillfeed}
	if _, err := h.states.Get(context.Background(), key); !errors.Is(err, offset.ErrNotFound) {
		t.Fatalf("expected no killfeed state after an empty backfill, got %v", err)
	}

	for i := 0; i < 2; i++ {
		tick := s.RunOnce(context.Background())
		if tick.Backfills != 0 || tick.Processed != 1 {
			t.Errorf("tick %d: expected a live poll instead of another backfill, got %+v", i+2, tick)
		}
	}
	if got := poller.callsFor(backfillServer.ServerID); len(got) != 2 {
		t.Errorf("expected 2 live polls, got %+v", got)
	}
}
