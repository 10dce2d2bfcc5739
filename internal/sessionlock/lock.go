// Package sessionlock keeps the live killfeed and the historical backfill
// from working on the same server at the same time.
package sessionlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/emeraldservers/killfeed-ingest/internal/domain"
)

// ErrLocked is returned by TryLock when the server is held by another parser
type ErrLocked struct {
	GuildID  string
	ServerID string
	Holder   domain.ParserType
	Since    time.Time
}

func (e *ErrLocked) Error() string {
	return fmt.Sprintf("server %s/%s is locked by %s since %s",
		e.GuildID, e.ServerID, e.Holder, e.Since.Format(time.RFC3339))
}

type holder struct {
	kind  domain.ParserType
	since time.Time
	done  chan struct{} // closed on unlock
}

type serverKey struct {
	guildID  string
	serverID string
}

// Manager hands out one lock per (guild, server)
type Manager struct {
	mu   sync.Mutex
	held map[serverKey]*holder
	now  func() time.Time
}

// NewManager creates an empty lock manager
func NewManager() *Manager {
	return &Manager{
		held: make(map[serverKey]*holder),
		now:  time.Now,
	}
}

// Unlock releases a lock obtained from TryLock or Lock
type Unlock func()

// TryLock takes the server lock for kind without waiting.
// Returns *ErrLocked if someone else holds it.
func (m *Manager) TryLock(guildID, serverID string, kind domain.ParserType) (Unlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := serverKey{guildID, serverID}
	if h, ok := m.held[key]; ok {
		return nil, &ErrLocked{GuildID: guildID, ServerID: serverID, Holder: h.kind, Since: h.since}
	}
	return m.acquire(key, kind), nil
}

// Lock waits until the server lock is free, then takes it for kind
func (m *Manager) Lock(ctx context.Context, guildID, serverID string, kind domain.ParserType) (Unlock, error) {
	key := serverKey{guildID, serverID}
	for {
		m.mu.Lock()
		h, ok := m.held[key]
		if !ok {
			unlock := m.acquire(key, kind)
			m.mu.Unlock()
			return unlock, nil
		}
		wait := h.done
		m.mu.Unlock()

		log.Debug().
			Str("guild_id", guildID).
			Str("server_id", serverID).
			Str("holder", string(h.kind)).
			Str("waiter", string(kind)).
			Msg("Waiting for server lock")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for server lock: %w", ctx.Err())
		case <-wait:
		}
	}
}

// Holder reports who holds the server lock, if anyone
func (m *Manager) Holder(guildID, serverID string) (domain.ParserType, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.held[serverKey{guildID, serverID}]
	if !ok {
		return "", false
	}
	return h.kind, true
}

// acquire must be called with m.mu held
func (m *Manager) acquire(key serverKey, kind domain.ParserType) Unlock {
	h := &holder{kind: kind, since: m.now(), done: make(chan struct{})}
	m.held[key] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.held[key] == h {
				delete(m.held, key)
			}
			m.mu.Unlock()
			close(h.done)
		})
	}
}
