// Package admin exposes operator tools over HTTP: backfill control, pool
// statistics and health.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/emeraldservers/killfeed-ingest/internal/connpool"
	"github.com/emeraldservers/killfeed-ingest/internal/domain"
	"github.com/emeraldservers/killfeed-ingest/internal/service"
)

// Lookup resolves configured guilds and servers
type Lookup interface {
	Guild(guildID string) (domain.GuildConfig, bool)
	Server(guildID, serverID string) (domain.ServerConfig, bool)
}

// Backfiller starts and tracks backfills
type Backfiller interface {
	Start(guildID string, server domain.ServerConfig, opts service.BackfillOptions) (string, error)
	StartGuild(guild domain.GuildConfig, opts service.BackfillOptions) ([]string, error)
	Cancel(guildID, serverID string) bool
	Status(guildID, serverID string) (domain.ProcessingStats, bool)
	List() []domain.ProcessingStats
}

// PoolStats reports connection pool statistics
type PoolStats interface {
	Stats() connpool.Stats
}

// TickReporter reports the last polling round
type TickReporter interface {
	LastTick() (service.TickSummary, bool)
}

// Server is the admin HTTP server
type Server struct {
	port       int
	lookup     Lookup
	backfills  Backfiller
	pool       PoolStats
	ticks      TickReporter
	httpServer *http.Server
	started    time.Time
}

// NewServer creates an admin server. ticks may be nil.
func NewServer(port int, lookup Lookup, backfills Backfiller, pool PoolStats, ticks TickReporter) (*Server, error) {
	if lookup == nil || backfills == nil || pool == nil {
		return nil, fmt.Errorf("lookup, backfills and pool are required")
	}
	return &Server{
		port:      port,
		lookup:    lookup,
		backfills: backfills,
		pool:      pool,
		ticks:     ticks,
		started:   time.Now(),
	}, nil
}

// Handler returns the routes of the admin server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/tools/backfill", s.handleBackfill)
	mux.HandleFunc("/tools/cancel_backfill", s.handleCancelBackfill)
	mux.HandleFunc("/tools/backfill_status", s.handleBackfillStatus)
	mux.HandleFunc("/tools/pool_stats", s.handlePoolStats)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start serves until ctx is done
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	log.Info().Int("port", s.port).Msg("Admin server started")

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return fmt.Errorf("admin server: %w", err)
	}
}

// Stop shuts the server down gracefully
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown admin server: %w", err)
	}
	log.Info().Msg("Admin server stopped")
	return nil
}

type backfillRequest struct {
	GuildID       string `json:"guild_id"`
	ServerID      string `json:"server_id,omitempty"` // empty: every enabled server of the guild
	ClearExisting bool   `json:"clear_existing,omitempty"`
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req backfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	if err := validateID(req.GuildID, "guild_id", true); err != nil {
		writeError(w, err)
		return
	}
	if err := validateID(req.ServerID, "server_id", false); err != nil {
		writeError(w, err)
		return
	}

	opts := service.BackfillOptions{ClearExisting: req.ClearExisting}
	var runIDs []string
	var err error
	if req.ServerID == "" {
		guild, ok := s.lookup.Guild(req.GuildID)
		if !ok {
			writeError(w, unknown("guild_id", req.GuildID))
			return
		}
		runIDs, err = s.backfills.StartGuild(guild, opts)
	} else {
		srv, ok := s.lookup.Server(req.GuildID, req.ServerID)
		if !ok {
			writeError(w, unknown("server_id", req.ServerID))
			return
		}
		var id string
		id, err = s.backfills.Start(req.GuildID, srv, opts)
		if id != "" {
			runIDs = append(runIDs, id)
		}
	}
	if err != nil && len(runIDs) == 0 {
		writeError(w, err)
		return
	}

	resp := map[string]any{"run_ids": runIDs}
	if err != nil {
		resp["warning"] = err.Error()
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleCancelBackfill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req backfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	if err := validateID(req.GuildID, "guild_id", true); err != nil {
		writeError(w, err)
		return
	}
	if err := validateID(req.ServerID, "server_id", true); err != nil {
		writeError(w, err)
		return
	}

	if !s.backfills.Cancel(req.GuildID, req.ServerID) {
		writeJSON(w, http.StatusNotFound, map[string]any{"cancelled": false, "error": "no backfill running"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func (s *Server) handleBackfillStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	guildID := r.URL.Query().Get("guild_id")
	serverID := r.URL.Query().Get("server_id")
	if guildID == "" && serverID == "" {
		list := s.backfills.List()
		out := make([]statusView, 0, len(list))
		for _, st := range list {
			out = append(out, newStatusView(st))
		}
		writeJSON(w, http.StatusOK, map[string]any{"backfills": out})
		return
	}
	if err := validateID(guildID, "guild_id", true); err != nil {
		writeError(w, err)
		return
	}
	if err := validateID(serverID, "server_id", true); err != nil {
		writeError(w, err)
		return
	}

	st, ok := s.backfills.Status(guildID, serverID)
	if !ok {
		http.Error(w, "No backfill known for this server", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, newStatusView(st))
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	if s.ticks != nil {
		if last, ok := s.ticks.LastTick(); ok {
			resp["last_tick"] = last
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusView is the JSON form of a backfill's stats
type statusView struct {
	RunID           string    `json:"run_id"`
	GuildID         string    `json:"guild_id"`
	ServerID        string    `json:"server_id"`
	Phase           string    `json:"phase"`
	FilesDiscovered int       `json:"files_discovered"`
	FilesCached     int       `json:"files_cached"`
	TotalLines      int64     `json:"total_lines"`
	SkippedLines    int64     `json:"skipped_lines"`
	ValidKills      int       `json:"valid_kills"`
	ProcessedKills  int       `json:"processed_kills"`
	CurrentFile     string    `json:"current_file,omitempty"`
	Errors          []string  `json:"errors,omitempty"`
	Cancelled       bool      `json:"cancelled"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time,omitempty"`
	Duration        string    `json:"duration"`
}

func newStatusView(s domain.ProcessingStats) statusView {
	return statusView{
		RunID:           s.RunID,
		GuildID:         s.GuildID,
		ServerID:        s.ServerID,
		Phase:           string(s.Phase),
		FilesDiscovered: s.FilesDiscovered,
		FilesCached:     s.FilesCached,
		TotalLines:      s.TotalLines,
		SkippedLines:    s.SkippedLines,
		ValidKills:      s.ValidKills,
		ProcessedKills:  s.ProcessedKills,
		CurrentFile:     s.CurrentFile,
		Errors:          s.Errors,
		Cancelled:       s.Cancelled,
		StartTime:       s.StartTime,
		EndTime:         s.EndTime,
		Duration:        s.Duration().Round(time.Millisecond).String(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write admin response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	var valErr *ValidationError
	switch {
	case errors.As(err, &valErr):
		writeJSON(w, http.StatusBadRequest, valErr)
	case errors.Is(err, service.ErrBackfillRunning):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		log.Error().Err(err).Msg("Admin request failed")
		http.Error(w, fmt.Sprintf("Internal error: %v", err), http.StatusInternalServerError)
	}
}
