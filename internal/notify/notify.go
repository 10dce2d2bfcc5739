// Package notify publishes kill and server events to chat channels.
package notify

import (
	"context"

	"github.com/emeraldservers/killfeed-ingest/internal/domain"
)

// Notifier receives a description of every recorded kill and every
// announced server event.
// Neither method may block on delivery; failures are the notifier's business.
type Notifier interface {
	Notify(ctx context.Context, guildID, serverID string, event domain.EventDescription)
	Announce(ctx context.Context, guildID, serverID string, event domain.ServerEvent)
}

// Nop discards notifications
type Nop struct{}

func (Nop) Notify(context.Context, string, string, domain.EventDescription) {}

func (Nop) Announce(context.Context, string, string, domain.ServerEvent) {}

// ChannelResolver returns the channel that receives a server's killfeed or
// events, or "" if the server has none
type ChannelResolver func(guildID, serverID string) string
