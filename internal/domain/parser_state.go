package domain

import (
	"fmt"
	"time"
)

// ParserType identifies which incremental parser owns a ParserState
type ParserType string

const (
	ParserKillfeed   ParserType = "killfeed"   // deathlog CSV files
	ParserServerLog  ParserType = "log_parser" // server text log (sessions)
	ParserHistorical ParserType = "historical" // backfill, used for locking only
)

// StateKey identifies one persisted ParserState
type StateKey struct {
	GuildID    string
	ServerID   string
	ParserType ParserType
}

// String returns the composite key used by the stores
func (k StateKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.GuildID, k.ServerID, k.ParserType)
}

// ParserState is the persisted bookkeeping that makes incremental
// processing resumable across restarts.
type ParserState struct {
	GuildID    string     `json:"guild_id" bson:"guild_id"`
	ServerID   string     `json:"server_id" bson:"server_id"`
	ParserType ParserType `json:"parser_type" bson:"parser_type"`

	LastFile      string    `json:"last_file" bson:"last_file"`           // path of the file last read
	FileTimestamp time.Time `json:"file_timestamp" bson:"file_timestamp"` // zero when the name carries none
	LastOffset    int64     `json:"last_offset" bson:"last_byte_position"`
	LastLine      int64     `json:"last_line" bson:"last_line"`
	UpdatedAt     time.Time `json:"updated_at" bson:"last_updated"`
}

// Key returns the state's identity
func (s *ParserState) Key() StateKey {
	return StateKey{GuildID: s.GuildID, ServerID: s.ServerID, ParserType: s.ParserType}
}

// FileReadingProgress is the monitoring view of a ParserState, mirrored to
// ClickHouse when enabled.
type FileReadingProgress struct {
	Timestamp     time.Time
	ParserType    string
	GuildID       string
	ServerID      string
	FilePath      string
	FileName      string
	OffsetBytes   uint64
	LinesParsed   uint64
	FileTimestamp time.Time
}
