package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emeraldservers/killfeed-ingest/internal/domain"
	"github.com/emeraldservers/killfeed-ingest/internal/incremental"
	"github.com/emeraldservers/killfeed-ingest/internal/offset"
)

type staticGuilds []domain.GuildConfig

func (g staticGuilds) All() []domain.GuildConfig { return g }

type call struct {
	guildID, serverID string
	pt                domain.ParserType
}

type fakePoller struct {
	mu      sync.Mutex
	calls   []call
	fail    map[string]error
	delay   time.Duration
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (p *fakePoller) Run(ctx context.Context, guildID string, server domain.ServerConfig, pt domain.ParserType) (incremental.Result, error) {
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		m := p.maxSeen.Load()
		if n <= m || p.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(p.delay)

	p.mu.Lock()
	p.calls = append(p.calls, call{guildID, server.ServerID, pt})
	err := p.fail[server.ServerID]
	p.mu.Unlock()
	if err != nil {
		return incremental.Result{}, err
	}
	return incremental.Result{Status: incremental.StatusProcessed, Events: 1}, nil
}

func (p *fakePoller) callsFor(serverID string) []call {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []call
	for _, c := range p.calls {
		if c.serverID == serverID {
			out = append(out, c)
		}
	}
	return out
}

func servers(ids ...string) []domain.ServerConfig {
	out := make([]domain.ServerConfig, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.ServerConfig{ServerID: id, Host: "10.0.0." + id, Enabled: true})
	}
	return out
}

func TestRunOnce_PollsEnabledServers(t *testing.T) {
	guilds := staticGuilds{
		{GuildID: "g1", Servers: append(servers("1", "2"), domain.ServerConfig{ServerID: "3", Host: "h"})},
		{GuildID: "g2", Premium: true, Servers: servers("4")},
	}
	poller := &fakePoller{}
	s, err := NewScheduler(SchedulerConfig{}, guilds, poller, offset.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	summary := s.RunOnce(context.Background())

	if summary.Servers != 3 || summary.Processed != 3 {
		t.Errorf("expected 3 servers processed, got %+v", summary)
	}
	if len(poller.callsFor("3")) != 0 {
		t.Error("disabled server was polled")
	}
	if got := poller.callsFor("1"); len(got) != 1 || got[0].pt != domain.ParserKillfeed {
		t.Errorf("expected killfeed only for a regular guild, got %+v", got)
	}
	got := poller.callsFor("4")
	if len(got) != 2 || got[0].pt != domain.ParserKillfeed || got[1].pt != domain.ParserServerLog {
		t.Errorf("expected killfeed then server log for a premium guild, got %+v", got)
	}
	if summary.Events != 4 {
		t.Errorf("expected 4 events, got %d", summary.Events)
	}
	if last, ok := s.LastTick(); !ok || last.Servers != 3 {
		t.Errorf("expected last tick to be recorded, got %+v", last)
	}
}

func TestRunOnce_BoundsParallelism(t *testing.T) {
	guilds := staticGuilds{{GuildID: "g", Servers: servers("1", "2", "3", "4", "5", "6", "7", "8")}}
	poller := &fakePoller{delay: 20 * time.Millisecond}
	s, err := NewScheduler(SchedulerConfig{MaxParallelServers: 3}, guilds, poller, offset.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	s.RunOnce(context.Background())

	if peak := poller.maxSeen.Load(); peak > 3 {
		t.Errorf("expected at most 3 concurrent polls, saw %d", peak)
	}
	if len(poller.calls) != 8 {
		t.Errorf("expected 8 polls, got %d", len(poller.calls))
	}
}

func TestRunOnce_IsolatesFailures(t *testing.T) {
	guilds := staticGuilds{{GuildID: "g", Premium: true, Servers: servers("1", "2")}}
	poller := &fakePoller{fail: map[string]error{"1": errors.New("dial tcp: connection refused")}}
	s, err := NewScheduler(SchedulerConfig{}, guilds, poller, offset.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	summary := s.RunOnce(context.Background())

	if summary.Failed != 1 || summary.Processed != 1 {
		t.Errorf("expected 1 failed and 1 processed, got %+v", summary)
	}
	if got := poller.callsFor("1"); len(got) != 1 {
		t.Errorf("expected the server log poll to be skipped after a failure, got %+v", got)
	}
	if got := poller.callsFor("2"); len(got) != 2 {
		t.Errorf("expected server 2 to be fully polled, got %+v", got)
	}
}

func TestNewScheduler_RequiresBackfillsForNewServers(t *testing.T) {
	_, err := NewScheduler(SchedulerConfig{BackfillOnNewServer: true}, staticGuilds{}, &fakePoller{}, offset.NewMemoryStore(), nil)
	if err == nil {
		t.Error("expected an error without a backfill manager")
	}
}
