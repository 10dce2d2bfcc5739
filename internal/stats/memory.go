package stats

import (
	"context"
	"sync"
	"time"

	"github.com/emeraldservers/killfeed-ingest/internal/domain"
)

// Recorded is one event accepted by a MemorySink, in arrival order
type Recorded struct {
	Kill    *domain.KillEvent
	Session *domain.SessionEvent
}

type playerKey struct {
	guildID, serverID, name string
}

type playerState struct {
	PlayerStats
	lastKill time.Time
}

// MemorySink aggregates in process memory with the same rules as the
// MongoDB sink. Used for dry-run backfills.
type MemorySink struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	players  map[playerKey]*playerState
	sessions map[playerKey]domain.SessionState
	servers  map[playerKey]*ServerStatus // name left empty
	events   []Recorded
}

// NewMemorySink creates an empty sink
func NewMemorySink() *MemorySink {
	return &MemorySink{
		seen:     make(map[string]struct{}),
		players:  make(map[playerKey]*playerState),
		sessions: make(map[playerKey]domain.SessionState),
		servers:  make(map[playerKey]*ServerStatus),
	}
}

func (m *MemorySink) player(guildID, serverID, name string) *playerState {
	k := playerKey{guildID, serverID, name}
	p, ok := m.players[k]
	if !ok {
		p = &playerState{PlayerStats: PlayerStats{GuildID: guildID, ServerID: serverID, PlayerName: name}}
		m.players[k] = p
	}
	return p
}

// firstDelivery records the hash and reports whether it is new
func (m *MemorySink) firstDelivery(hash string) bool {
	if _, dup := m.seen[hash]; dup {
		return false
	}
	m.seen[hash] = struct{}{}
	return true
}

func (m *MemorySink) RecordKill(ctx context.Context, e *domain.KillEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.firstDelivery(e.Hash()) {
		return nil
	}
	m.events = append(m.events, Recorded{Kill: e})

	killer := m.player(e.GuildID, e.ServerID, e.KillerName)
	killer.Kills++
	killer.TotalDistance += e.Distance
	if e.Distance > killer.PersonalBestDistance {
		killer.PersonalBestDistance = e.Distance
	}
	// An older kill than the last one counted still counts, but does not
	// extend the streak
	if killer.lastKill.IsZero() || !e.Timestamp.Before(killer.lastKill) {
		killer.CurrentStreak++
		killer.lastKill = e.Timestamp
	}
	if killer.CurrentStreak > killer.LongestStreak {
		killer.LongestStreak = killer.CurrentStreak
	}
	killer.KDR = kdr(killer.Kills, killer.Deaths)

	victim := m.player(e.GuildID, e.ServerID, e.VictimName)
	victim.Deaths++
	victim.CurrentStreak = 0
	victim.KDR = kdr(victim.Kills, victim.Deaths)
	return nil
}

func (m *MemorySink) RecordSuicide(ctx context.Context, e *domain.KillEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.firstDelivery(e.Hash()) {
		return nil
	}
	m.events = append(m.events, Recorded{Kill: e})

	p := m.player(e.GuildID, e.ServerID, e.VictimName)
	p.Suicides++
	p.CurrentStreak = 0
	return nil
}

func (m *MemorySink) RecordSession(ctx context.Context, e *domain.SessionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.firstDelivery(e.Hash()) {
		return nil
	}
	m.events = append(m.events, Recorded{Session: e})
	m.sessions[playerKey{e.GuildID, e.ServerID, e.PlayerID}] = e.State
	return nil
}

// RecordServerEvent updates the server's status
func (m *MemorySink) RecordServerEvent(ctx context.Context, e *domain.ServerEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := playerKey{guildID: e.GuildID, serverID: e.ServerID}
	st, ok := m.servers[k]
	if !ok {
		st = &ServerStatus{
			Missions:  make(map[string]MissionStatus),
			LastEvent: make(map[domain.ServerEventKind]time.Time),
		}
		m.servers[k] = st
	}
	switch e.Kind {
	case domain.ServerMaxPlayers:
		st.MaxPlayers = e.MaxPlayers
	case domain.ServerMission:
		// an older state never replaces a newer one
		if prev, seen := st.Missions[e.MissionID]; !seen || !e.Timestamp.Before(prev.UpdatedAt) {
			st.Missions[e.MissionID] = MissionStatus{State: e.MissionState, UpdatedAt: e.Timestamp}
		}
	}
	if e.Timestamp.After(st.LastEvent[e.Kind]) {
		st.LastEvent[e.Kind] = e.Timestamp
	}
	return nil
}

// ServerStatus returns a copy of a server's status
func (m *MemorySink) ServerStatus(guildID, serverID string) (ServerStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.servers[playerKey{guildID: guildID, serverID: serverID}]
	if !ok {
		return ServerStatus{}, false
	}
	out := ServerStatus{
		MaxPlayers: st.MaxPlayers,
		Missions:   make(map[string]MissionStatus, len(st.Missions)),
		LastEvent:  make(map[domain.ServerEventKind]time.Time, len(st.LastEvent)),
	}
	for id, ms := range st.Missions {
		out.Missions[id] = ms
	}
	for kind, at := range st.LastEvent {
		out.LastEvent[kind] = at
	}
	return out, true
}

// ResetServer drops everything recorded for a server
func (m *MemorySink) ResetServer(ctx context.Context, guildID, serverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.players {
		if k.guildID == guildID && k.serverID == serverID {
			delete(m.players, k)
		}
	}
	for k := range m.sessions {
		if k.guildID == guildID && k.serverID == serverID {
			delete(m.sessions, k)
		}
	}
	delete(m.servers, playerKey{guildID: guildID, serverID: serverID})
	kept := m.events[:0]
	for _, r := range m.events {
		if r.Kill != nil && r.Kill.GuildID == guildID && r.Kill.ServerID == serverID {
			delete(m.seen, r.Kill.Hash())
			continue
		}
		if r.Session != nil && r.Session.GuildID == guildID && r.Session.ServerID == serverID {
			delete(m.seen, r.Session.Hash())
			continue
		}
		kept = append(kept, r)
	}
	m.events = kept
	return nil
}

// Events returns accepted events in arrival order
func (m *MemorySink) Events() []Recorded {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Recorded(nil), m.events...)
}

// Player returns a copy of a player's aggregate
func (m *MemorySink) Player(guildID, serverID, name string) (PlayerStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.players[playerKey{guildID, serverID, name}]
	if !ok {
		return PlayerStats{}, false
	}
	return p.PlayerStats, true
}

// Session returns the last known state of a player
func (m *MemorySink) Session(guildID, serverID, playerID string) (domain.SessionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[playerKey{guildID, serverID, playerID}]
	return s, ok
}
