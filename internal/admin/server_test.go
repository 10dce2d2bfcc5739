package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/emeraldservers/killfeed-ingest/internal/config"
	"github.com/emeraldservers/killfeed-ingest/internal/connpool"
	"github.com/emeraldservers/killfeed-ingest/internal/domain"
	"github.com/emeraldservers/killfeed-ingest/internal/service"
)

type fakeBackfills struct {
	started   []string
	cancelled []string
	running   map[string]bool
	status    map[string]domain.ProcessingStats
}

func newFakeBackfills() *fakeBackfills {
	return &fakeBackfills{running: map[string]bool{}, status: map[string]domain.ProcessingStats{}}
}

func (f *fakeBackfills) Start(guildID string, server domain.ServerConfig, opts service.BackfillOptions) (string, error) {
	key := guildID + "/" + server.ServerID
	if f.running[key] {
		return "", fmt.Errorf("%s: %w", key, service.ErrBackfillRunning)
	}
	f.running[key] = true
	f.started = append(f.started, fmt.Sprintf("%s clear=%v", key, opts.ClearExisting))
	return "run-" + server.ServerID, nil
}

func (f *fakeBackfills) StartGuild(guild domain.GuildConfig, opts service.BackfillOptions) ([]string, error) {
	var ids []string
	for _, s := range guild.Servers {
		if s.Enabled {
			id, _ := f.Start(guild.GuildID, s, opts)
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeBackfills) Cancel(guildID, serverID string) bool {
	key := guildID + "/" + serverID
	if !f.running[key] {
		return false
	}
	f.cancelled = append(f.cancelled, key)
	return true
}

func (f *fakeBackfills) Status(guildID, serverID string) (domain.ProcessingStats, bool) {
	s, ok := f.status[guildID+"/"+serverID]
	return s, ok
}

func (f *fakeBackfills) List() []domain.ProcessingStats {
	var out []domain.ProcessingStats
	for _, s := range f.status {
		out = append(out, s)
	}
	return out
}

type fakePool struct{}

func (fakePool) Stats() connpool.Stats {
	return connpool.Stats{TotalOpen: 2, OpenCircuits: 1}
}

func newTestServer(t *testing.T) (*Server, *fakeBackfills) {
	t.Helper()
	guilds, err := config.ParseGuilds([]byte(`
guilds:
  - guild_id: "1001"
    servers:
      - {server_id: "7020", host: 10.0.0.5, enabled: true}
      - {server_id: "7021", host: 10.0.0.6, enabled: true}
      - {server_id: "7022", host: 10.0.0.7, enabled: false}
`))
	if err != nil {
		t.Fatalf("ParseGuilds() error = %v", err)
	}
	bf := newFakeBackfills()
	s, err := NewServer(0, guilds, bf, fakePool{}, nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return s, bf
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestBackfill(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		body        string
		wantStatus  int
		wantStarted int
	}{
		{"single server", http.MethodPost, `{"guild_id":"1001","server_id":"7020","clear_existing":true}`, http.StatusAccepted, 1},
		{"whole guild", http.MethodPost, `{"guild_id":"1001"}`, http.StatusAccepted, 2},
		{"missing guild", http.MethodPost, `{"server_id":"7020"}`, http.StatusBadRequest, 0},
		{"bad id", http.MethodPost, `{"guild_id":"10 01"}`, http.StatusBadRequest, 0},
		{"unknown server", http.MethodPost, `{"guild_id":"1001","server_id":"9999"}`, http.StatusBadRequest, 0},
		{"unknown guild", http.MethodPost, `{"guild_id":"2002"}`, http.StatusBadRequest, 0},
		{"bad json", http.MethodPost, `{`, http.StatusBadRequest, 0},
		{"wrong method", http.MethodGet, ``, http.StatusMethodNotAllowed, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, bf := newTestServer(t)
			rec := do(t, s, tt.method, "/tools/backfill", tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if len(bf.started) != tt.wantStarted {
				t.Errorf("expected %d started, got %v", tt.wantStarted, bf.started)
			}
		})
	}
}

func TestBackfill_ClearExistingPassedThrough(t *testing.T) {
	s, bf := newTestServer(t)
	do(t, s, http.MethodPost, "/tools/backfill", `{"guild_id":"1001","server_id":"7020","clear_existing":true}`)
	if len(bf.started) != 1 || bf.started[0] != "1001/7020 clear=true" {
		t.Errorf("unexpected start %v", bf.started)
	}
}

func TestBackfill_ConflictWhenRunning(t *testing.T) {
	s, _ := newTestServer(t)
	body := `{"guild_id":"1001","server_id":"7020"}`
	do(t, s, http.MethodPost, "/tools/backfill", body)

	rec := do(t, s, http.MethodPost, "/tools/backfill", body)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}

func TestCancelBackfill(t *testing.T) {
	s, bf := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/tools/cancel_backfill", `{"guild_id":"1001","server_id":"7020"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 with nothing running, got %d", rec.Code)
	}

	bf.running["1001/7020"] = true
	rec = do(t, s, http.MethodPost, "/tools/cancel_backfill", `{"guild_id":"1001","server_id":"7020"}`)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if len(bf.cancelled) != 1 {
		t.Errorf("expected one cancellation, got %v", bf.cancelled)
	}
}

func TestBackfillStatus(t *testing.T) {
	s, bf := newTestServer(t)
	bf.status["1001/7020"] = domain.ProcessingStats{RunID: "r1", GuildID: "1001", ServerID: "7020", Phase: domain.PhaseProcessing, ProcessedKills: 42}

	rec := do(t, s, http.MethodGet, "/tools/backfill_status?guild_id=1001&server_id=7020", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var view statusView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if view.RunID != "r1" || view.Phase != "processing" || view.ProcessedKills != 42 {
		t.Errorf("unexpected view %+v", view)
	}

	rec = do(t, s, http.MethodGet, "/tools/backfill_status?guild_id=1001&server_id=7021", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	rec = do(t, s, http.MethodGet, "/tools/backfill_status", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"run_id":"r1"`) {
		t.Errorf("expected list with r1, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestPoolStatsAndHealth(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/tools/pool_stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats connpool.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if stats.TotalOpen != 2 || stats.OpenCircuits != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}

	rec = do(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}
}
