package domain

import "time"

// SuicideCause classifies a self-inflicted death.
// Menu suicides and falls are kept apart because the sink and the notifier
// treat them differently.
type SuicideCause string

const (
	SuicideNone    SuicideCause = ""
	SuicideMenu    SuicideCause = "menu"    // Suicide_by_relocation (respawn from menu)
	SuicideFalling SuicideCause = "falling" // fall damage
	SuicideOther   SuicideCause = "other"   // killer == victim with any other weapon
)

// KillEvent represents a single parsed line of a killfeed CSV file
type KillEvent struct {
	GuildID  string
	ServerID string

	Timestamp time.Time // always UTC

	KillerName string
	KillerID   string
	VictimName string
	VictimID   string

	Weapon   string  // normalized label ("Menu Suicide", "Falling", ...)
	Distance float64 // meters, clamped to [0, MaxDistance], one decimal

	KillerPlatform string
	VictimPlatform string

	IsSuicide    bool
	SuicideCause SuicideCause

	// TimestampFallback is set when the line carried no parseable timestamp
	// and the parser substituted the current time.
	TimestampFallback bool

	// Source position for audit
	SourceFile string
	LineNumber int64
	RawLine    string
}

// SessionState is the connection state reported by a server log line
type SessionState string

const (
	SessionQueued       SessionState = "queued"
	SessionConnected    SessionState = "connected"
	SessionDisconnected SessionState = "disconnected"
)

// SessionEvent represents a player connection change extracted from the server log
type SessionEvent struct {
	GuildID  string
	ServerID string

	Timestamp  time.Time
	PlayerID   string // EOS id
	PlayerName string // only known for queue events
	Platform   string
	State      SessionState

	// TimestampFallback is set when the parser substituted the current time
	TimestampFallback bool

	SourceFile string
	LineNumber int64
	RawLine    string
}

// ServerEventKind classifies server log events that are not about a player
type ServerEventKind string

const (
	ServerMission    ServerEventKind = "mission"
	ServerAirdrop    ServerEventKind = "airdrop"
	ServerHelicrash  ServerEventKind = "helicrash"
	ServerTrader     ServerEventKind = "trader"
	ServerMaxPlayers ServerEventKind = "max_players"
)

// Mission states worth announcing
const (
	MissionReady      = "READY"
	MissionInProgress = "IN_PROGRESS"
	MissionCompleted  = "COMPLETED"
)

// ServerEvent is a world or configuration event from the server log
type ServerEvent struct {
	GuildID  string
	ServerID string

	Timestamp time.Time
	Kind      ServerEventKind

	MissionID    string  // GA_* identifier, missions only
	MissionState string  // upper case, missions only
	X, Y         float64 // airdrop location
	HasLocation  bool
	MaxPlayers   int // max_players only

	TimestampFallback bool

	SourceFile string
	LineNumber int64
	RawLine    string
}

// Announced reports whether the event is posted to the events channel.
// Missions are announced when they become ready, start or finish; the
// player cap is bookkeeping only.
func (e *ServerEvent) Announced() bool {
	switch e.Kind {
	case ServerAirdrop, ServerHelicrash, ServerTrader:
		return true
	case ServerMission:
		switch e.MissionState {
		case MissionReady, MissionInProgress, MissionCompleted:
			return true
		}
	}
	return false
}

// EventDescription is the lightweight payload handed to notifiers
type EventDescription struct {
	Timestamp      time.Time
	Killer         string
	Victim         string
	Weapon         string
	Distance       float64
	IsSuicide      bool
	SuicideCause   SuicideCause
	KillerPlatform string
	VictimPlatform string
}

// Describe builds the notifier payload for a kill event
func (e *KillEvent) Describe() EventDescription {
	return EventDescription{
		Timestamp:      e.Timestamp,
		Killer:         e.KillerName,
		Victim:         e.VictimName,
		Weapon:         e.Weapon,
		Distance:       e.Distance,
		IsSuicide:      e.IsSuicide,
		SuicideCause:   e.SuicideCause,
		KillerPlatform: e.KillerPlatform,
		VictimPlatform: e.VictimPlatform,
	}
}
