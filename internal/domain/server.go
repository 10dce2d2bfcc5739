package domain

import (
	"fmt"
	"path"
	"time"
)

// Endpoint identifies one remote SFTP login. Pools are keyed by it.
type Endpoint struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Key returns the pool key. It carries the username, so it never goes
// into logs or error text; use Label for that.
func (e Endpoint) Key() string {
	return fmt.Sprintf("%s:%d:%s", e.Host, e.Port, e.Username)
}

// Label identifies the endpoint in logs and errors without credentials
func (e Endpoint) Label() string {
	return e.Address()
}

// Address returns host:port
func (e Endpoint) Address() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// ServerConfig describes one game server inside a guild
type ServerConfig struct {
	ServerID string `yaml:"server_id"`
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Enabled  bool   `yaml:"enabled"`

	// Optional overrides of the conventional remote layout
	DeathlogsPath string `yaml:"deathlogs_path"`
	LogPath       string `yaml:"log_path"`

	KillfeedChannelID string `yaml:"killfeed_channel_id"`
	EventsChannelID   string `yaml:"events_channel_id"`
}

// Endpoint returns the SFTP endpoint of the server
func (s ServerConfig) Endpoint() Endpoint {
	port := s.Port
	if port == 0 {
		port = 22
	}
	return Endpoint{Host: s.Host, Port: port, Username: s.Username, Password: s.Password}
}

// RootDir returns the server's conventional remote root: ./{host}_{serverId}
func (s ServerConfig) RootDir() string {
	return fmt.Sprintf("./%s_%s", s.Host, s.ServerID)
}

// DeathlogsDir returns the directory holding killfeed CSV files
func (s ServerConfig) DeathlogsDir() string {
	if s.DeathlogsPath != "" {
		return s.DeathlogsPath
	}
	return path.Join(s.RootDir(), "actual1", "deathlogs")
}

// ServerLogFile returns the path of the server text log
func (s ServerConfig) ServerLogFile() string {
	if s.LogPath != "" {
		return s.LogPath
	}
	return path.Join(s.RootDir(), "Logs", "Deadside.log")
}

// GuildConfig groups the servers of one Discord guild
type GuildConfig struct {
	GuildID           string         `yaml:"guild_id"`
	Name              string         `yaml:"name"`
	Premium           bool           `yaml:"premium"`
	KillfeedChannelID string         `yaml:"killfeed_channel_id"`
	EventsChannelID   string         `yaml:"events_channel_id"`
	Servers           []ServerConfig `yaml:"servers"`
}

// RemoteFile is a discovered remote data file
type RemoteFile struct {
	Path    string
	Name    string
	Size    int64
	ModTime time.Time

	// NameTime is the timestamp embedded in the file name, if any
	NameTime    time.Time
	HasNameTime bool
}

// SortTime returns the timestamp used for ordering files
func (f RemoteFile) SortTime() time.Time {
	if f.HasNameTime {
		return f.NameTime
	}
	return f.ModTime
}
