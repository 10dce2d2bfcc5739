package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/emeraldservers/killfeed-ingest/internal/domain"
)

// Guilds maps Discord guilds to the game servers they track
type Guilds struct {
	Guilds []domain.GuildConfig `yaml:"guilds"`
}

// LoadGuilds loads guilds.yaml
func LoadGuilds(path string) (*Guilds, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read guild map: %w", err)
	}
	return ParseGuilds(data)
}

// ParseGuilds parses and validates a guild map
func ParseGuilds(data []byte) (*Guilds, error) {
	var g Guilds
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to parse guild map: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Validate checks ids and endpoints
func (g *Guilds) Validate() error {
	seenGuilds := make(map[string]struct{})
	for _, guild := range g.Guilds {
		if strings.TrimSpace(guild.GuildID) == "" {
			return fmt.Errorf("guild %q has no guild_id", guild.Name)
		}
		if _, dup := seenGuilds[guild.GuildID]; dup {
			return fmt.Errorf("guild %s listed twice", guild.GuildID)
		}
		seenGuilds[guild.GuildID] = struct{}{}

		seenServers := make(map[string]struct{})
		for _, s := range guild.Servers {
			if strings.TrimSpace(s.ServerID) == "" {
				return fmt.Errorf("guild %s: server %q has no server_id", guild.GuildID, s.Name)
			}
			if _, dup := seenServers[s.ServerID]; dup {
				return fmt.Errorf("guild %s: server %s listed twice", guild.GuildID, s.ServerID)
			}
			seenServers[s.ServerID] = struct{}{}
			if s.Host == "" {
				return fmt.Errorf("guild %s: server %s has no host", guild.GuildID, s.ServerID)
			}
			if s.Port < 0 || s.Port > 65535 {
				return fmt.Errorf("guild %s: server %s: port must be between 1 and 65535", guild.GuildID, s.ServerID)
			}
		}
	}
	return nil
}

// All returns every configured guild
func (g *Guilds) All() []domain.GuildConfig {
	return g.Guilds
}

// Guild returns a guild by id
func (g *Guilds) Guild(guildID string) (domain.GuildConfig, bool) {
	for _, guild := range g.Guilds {
		if guild.GuildID == guildID {
			return guild, true
		}
	}
	return domain.GuildConfig{}, false
}

// Server returns a server of a guild
func (g *Guilds) Server(guildID, serverID string) (domain.ServerConfig, bool) {
	guild, ok := g.Guild(guildID)
	if !ok {
		return domain.ServerConfig{}, false
	}
	for _, s := range guild.Servers {
		if s.ServerID == serverID {
			return s, true
		}
	}
	return domain.ServerConfig{}, false
}

// KillfeedChannel returns the channel for a server's killfeed.
// A server-level channel wins over the guild default.
func (g *Guilds) KillfeedChannel(guildID, serverID string) string {
	guild, ok := g.Guild(guildID)
	if !ok {
		return ""
	}
	for _, s := range guild.Servers {
		if s.ServerID == serverID && s.KillfeedChannelID != "" {
			return s.KillfeedChannelID
		}
	}
	return guild.KillfeedChannelID
}

// EventsChannel returns the channel for a server's mission and world event
// posts: the server's, then the guild's, then the killfeed channel.
func (g *Guilds) EventsChannel(guildID, serverID string) string {
	guild, ok := g.Guild(guildID)
	if !ok {
		return ""
	}
	for _, s := range guild.Servers {
		if s.ServerID == serverID && s.EventsChannelID != "" {
			return s.EventsChannelID
		}
	}
	if guild.EventsChannelID != "" {
		return guild.EventsChannelID
	}
	return g.KillfeedChannel(guildID, serverID)
}
