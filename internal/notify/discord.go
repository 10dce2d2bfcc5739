package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"

	"github.com/emeraldservers/killfeed-ingest/internal/domain"
)

// Embed colors
const (
	colorKill    = 0xC0392B
	colorSuicide = 0x7F8C8D
	colorFalling = 0xE67E22
	colorMission = 0x2980B9
	colorWorld   = 0x27AE60
)

// EmbedSender is the part of *discordgo.Session the notifier uses
type EmbedSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type job struct {
	channelID string
	guildID   string
	serverID  string
	embed     *discordgo.MessageEmbed
}

// DiscordNotifier posts one embed per kill or server event through a
// background worker
type DiscordNotifier struct {
	sender        EmbedSender
	resolve       ChannelResolver
	resolveEvents ChannelResolver
	queue         chan job

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDiscordSession creates a bot session from a token
func NewDiscordSession(token string) (*discordgo.Session, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discordgo: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds
	return dg, nil
}

// NewDiscordNotifier starts the delivery worker. queueSize bounds how many
// embeds may wait; beyond that new ones are dropped.
func NewDiscordNotifier(sender EmbedSender, resolve ChannelResolver, queueSize int) *DiscordNotifier {
	if queueSize < 1 {
		queueSize = 1
	}
	n := &DiscordNotifier{
		sender:        sender,
		resolve:       resolve,
		resolveEvents: resolve,
		queue:         make(chan job, queueSize),
		done:          make(chan struct{}),
	}
	go n.run()
	return n
}

// WithEventChannels routes server events with resolve instead of the
// killfeed resolver. Must be called before use.
func (n *DiscordNotifier) WithEventChannels(resolve ChannelResolver) *DiscordNotifier {
	n.resolveEvents = resolve
	return n
}

// Notify queues an embed for the server's killfeed channel
func (n *DiscordNotifier) Notify(ctx context.Context, guildID, serverID string, event domain.EventDescription) {
	n.enqueue(n.resolve(guildID, serverID), guildID, serverID, func() *discordgo.MessageEmbed {
		return BuildEmbed(event)
	})
}

// Announce queues an embed for the server's events channel
func (n *DiscordNotifier) Announce(ctx context.Context, guildID, serverID string, event domain.ServerEvent) {
	n.enqueue(n.resolveEvents(guildID, serverID), guildID, serverID, func() *discordgo.MessageEmbed {
		return BuildServerEventEmbed(event)
	})
}

func (n *DiscordNotifier) enqueue(channelID, guildID, serverID string, build func() *discordgo.MessageEmbed) {
	if channelID == "" {
		return
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- job{channelID: channelID, guildID: guildID, serverID: serverID, embed: build()}:
	default:
		log.Warn().
			Str("guild_id", guildID).
			Str("server_id", serverID).
			Msg("Notification queue full, dropping embed")
	}
}

func (n *DiscordNotifier) run() {
	defer close(n.done)
	for j := range n.queue {
		if _, err := n.sender.ChannelMessageSendEmbed(j.channelID, j.embed); err != nil {
			log.Error().
				Err(err).
				Str("guild_id", j.guildID).
				Str("server_id", j.serverID).
				Str("channel_id", j.channelID).
				Msg("Failed to send embed")
		}
	}
}

// Close delivers what is queued and stops the worker
func (n *DiscordNotifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()

	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notifier drain: %w", ctx.Err())
	}
}

// BuildEmbed renders a kill as a plain embed
func BuildEmbed(e domain.EventDescription) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
	}

	if e.IsSuicide {
		embed.Color = colorSuicide
		title := "Suicide"
		switch e.SuicideCause {
		case domain.SuicideMenu:
			title = "Menu Suicide"
		case domain.SuicideFalling:
			title = "Fell to death"
			embed.Color = colorFalling
		}
		embed.Title = title
		embed.Fields = []*discordgo.MessageEmbedField{
			{Name: "Player", Value: fmt.Sprintf("**%s**", e.Victim), Inline: true},
		}
		if e.VictimPlatform != "" {
			embed.Footer = &discordgo.MessageEmbedFooter{Text: e.VictimPlatform}
		}
		return embed
	}

	embed.Color = colorKill
	embed.Title = "Kill"
	embed.Fields = []*discordgo.MessageEmbedField{
		{Name: "Killer", Value: fmt.Sprintf("**%s**", e.Killer), Inline: true},
		{Name: "Victim", Value: fmt.Sprintf("**%s**", e.Victim), Inline: true},
		{Name: "Weapon", Value: e.Weapon, Inline: false},
		{Name: "Distance", Value: fmt.Sprintf("%.1f m", e.Distance), Inline: true},
	}
	if e.KillerPlatform != "" || e.VictimPlatform != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("%s vs %s", platformOrUnknown(e.KillerPlatform), platformOrUnknown(e.VictimPlatform)),
		}
	}
	return embed
}

// BuildServerEventEmbed renders a mission or world event as a plain embed
func BuildServerEventEmbed(e domain.ServerEvent) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
		Color:     colorWorld,
	}
	switch e.Kind {
	case domain.ServerMission:
		embed.Color = colorMission
		embed.Title = missionTitle(e.MissionState)
		embed.Fields = []*discordgo.MessageEmbedField{
			{Name: "Mission", Value: e.MissionID, Inline: true},
			{Name: "State", Value: e.MissionState, Inline: true},
		}
	case domain.ServerAirdrop:
		embed.Title = "Airdrop incoming"
		if e.HasLocation {
			embed.Fields = []*discordgo.MessageEmbedField{
				{Name: "Location", Value: fmt.Sprintf("X=%.0f Y=%.0f", e.X, e.Y), Inline: true},
			}
		}
	case domain.ServerHelicrash:
		embed.Title = "Helicopter crash"
	case domain.ServerTrader:
		embed.Title = "Trader arrived"
	default:
		embed.Title = string(e.Kind)
	}
	return embed
}

func missionTitle(state string) string {
	switch state {
	case domain.MissionReady:
		return "Mission ready"
	case domain.MissionInProgress:
		return "Mission in progress"
	case domain.MissionCompleted:
		return "Mission completed"
	}
	return "Mission update"
}

func platformOrUnknown(p string) string {
	if p == "" {
		return "?"
	}
	return p
}
