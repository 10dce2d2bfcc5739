// Package stats defines where parsed events end up: per-player aggregates,
// the kill log and player sessions.
package stats

import (
	"context"
	"time"

	"github.com/emeraldservers/killfeed-ingest/internal/domain"
)

// Sink records parsed events.
// Implementations must tolerate the same event being delivered twice: the
// incremental processor re-reads from its last saved offset after an error.
// Counter updates must be atomic per player so concurrent events for the
// same player do not lose updates.
type Sink interface {
	// RecordKill counts a kill for the killer and a death for the victim
	RecordKill(ctx context.Context, e *domain.KillEvent) error
	// RecordSuicide counts a suicide and resets the player's streak.
	// It does not count a death.
	RecordSuicide(ctx context.Context, e *domain.KillEvent) error
	// RecordSession updates connection bookkeeping of a player
	RecordSession(ctx context.Context, e *domain.SessionEvent) error
}

// ServerRecorder is implemented by sinks that keep per-server status from
// the server log: mission states, the player cap and the last world events.
// Recording the same event twice must leave the status unchanged.
type ServerRecorder interface {
	RecordServerEvent(ctx context.Context, e *domain.ServerEvent) error
}

// ServerStatus is the per-server view built from server events
type ServerStatus struct {
	MaxPlayers int                                  `bson:"max_players"`
	Missions   map[string]MissionStatus             `bson:"missions"`
	LastEvent  map[domain.ServerEventKind]time.Time `bson:"last_event"`
}

// MissionStatus is the latest known state of one mission
type MissionStatus struct {
	State     string    `bson:"state"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// Resetter is implemented by sinks that can drop a server's data before a
// full backfill
type Resetter interface {
	ResetServer(ctx context.Context, guildID, serverID string) error
}

// PlayerStats is the per-player aggregate for one server
type PlayerStats struct {
	GuildID              string  `bson:"guild_id"`
	ServerID             string  `bson:"server_id"`
	PlayerName           string  `bson:"player_name"`
	Kills                int64   `bson:"kills"`
	Deaths               int64   `bson:"deaths"`
	Suicides             int64   `bson:"suicides"`
	KDR                  float64 `bson:"kdr"`
	CurrentStreak        int64   `bson:"current_streak"`
	LongestStreak        int64   `bson:"longest_streak"`
	TotalDistance        float64 `bson:"total_distance"`
	PersonalBestDistance float64 `bson:"personal_best_distance"`
}

// kdr is kills per death, or kills when there are no deaths
func kdr(kills, deaths int64) float64 {
	if deaths == 0 {
		return float64(kills)
	}
	return float64(kills) / float64(deaths)
}
