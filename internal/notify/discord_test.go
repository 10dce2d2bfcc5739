package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/emeraldservers/killfeed-ingest/internal/domain"
)

type recordingSender struct {
	mu   sync.Mutex
	sent map[string][]*discordgo.MessageEmbed
}

func (r *recordingSender) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent == nil {
		r.sent = make(map[string][]*discordgo.MessageEmbed)
	}
	r.sent[channelID] = append(r.sent[channelID], embed)
	return &discordgo.Message{}, nil
}

func TestBuildEmbed(t *testing.T) {
	ts := time.Date(2025, 4, 30, 0, 20, 0, 0, time.UTC)

	kill := BuildEmbed(domain.EventDescription{
		Timestamp: ts, Killer: "A", Victim: "B", Weapon: "AK47", Distance: 734.6,
		KillerPlatform: "PC", VictimPlatform: "Xbox",
	})
	if kill.Title != "Kill" || len(kill.Fields) != 4 {
		t.Fatalf("unexpected kill embed %+v", kill)
	}
	if kill.Fields[3].Value != "734.6 m" {
		t.Errorf("distance field = %q", kill.Fields[3].Value)
	}
	if kill.Footer == nil || kill.Footer.Text != "PC vs Xbox" {
		t.Errorf("unexpected footer %+v", kill.Footer)
	}
	if kill.Timestamp != "2025-04-30T00:20:00Z" {
		t.Errorf("timestamp = %s", kill.Timestamp)
	}

	menu := BuildEmbed(domain.EventDescription{Victim: "A", IsSuicide: true, SuicideCause: domain.SuicideMenu})
	if menu.Title != "Menu Suicide" || menu.Color != colorSuicide {
		t.Errorf("unexpected menu suicide embed %+v", menu)
	}
	fall := BuildEmbed(domain.EventDescription{Victim: "A", IsSuicide: true, SuicideCause: domain.SuicideFalling})
	if fall.Title != "Fell to death" || fall.Color != colorFalling {
		t.Errorf("unexpected falling embed %+v", fall)
	}
}

func TestDiscordNotifier_RoutesByServer(t *testing.T) {
	sender := &recordingSender{}
	channels := map[string]string{"g/s1": "chan-1"}
	n := NewDiscordNotifier(sender, func(g, s string) string { return channels[g+"/"+s] }, 10)

	ctx := context.Background()
	n.Notify(ctx, "g", "s1", domain.EventDescription{Killer: "A", Victim: "B"})
	n.Notify(ctx, "g", "s2", domain.EventDescription{Killer: "C", Victim: "D"}) // no channel

	closeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := n.Close(closeCtx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent["chan-1"]) != 1 {
		t.Errorf("expected 1 embed on chan-1, got %d", len(sender.sent["chan-1"]))
	}
	if len(sender.sent) != 1 {
		t.Errorf("expected a single channel used, got %d", len(sender.sent))
	}
}

func TestBuildServerEventEmbed(t *testing.T) {
	ts := time.Date(2025, 4, 30, 0, 20, 0, 0, time.UTC)

	tests := []struct {
		name       string
		event      domain.ServerEvent
		wantTitle  string
		wantFields int
	}{
		{"mission ready", domain.ServerEvent{Timestamp: ts, Kind: domain.ServerMission, MissionID: "GA_Town_Mis1", MissionState: domain.MissionReady}, "Mission ready", 2},
		{"airdrop with location", domain.ServerEvent{Timestamp: ts, Kind: domain.ServerAirdrop, X: 100, Y: 200, HasLocation: true}, "Airdrop incoming", 1},
		{"airdrop without location", domain.ServerEvent{Timestamp: ts, Kind: domain.ServerAirdrop}, "Airdrop incoming", 0},
		{"helicrash", domain.ServerEvent{Timestamp: ts, Kind: domain.ServerHelicrash}, "Helicopter crash", 0},
		{"trader", domain.ServerEvent{Timestamp: ts, Kind: domain.ServerTrader}, "Trader arrived", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			embed := BuildServerEventEmbed(tt.event)
			if embed.Title != tt.wantTitle {
				t.Errorf("Title = %q, want %q", embed.Title, tt.wantTitle)
			}
			if len(embed.Fields) != tt.wantFields {
				t.Errorf("got %d fields, want %d", len(embed.Fields), tt.wantFields)
			}
			if embed.Timestamp != "2025-04-30T00:20:00Z" {
				t.Errorf("Timestamp = %s", embed.Timestamp)
			}
		})
	}
}

func TestDiscordNotifier_AnnouncesToEventsChannel(t *testing.T) {
	sender := &recordingSender{}
	n := NewDiscordNotifier(sender, func(g, s string) string { return "kills" }, 10).
		WithEventChannels(func(g, s string) string { return "events" })

	ctx := context.Background()
	n.Notify(ctx, "g", "s", domain.EventDescription{Killer: "A", Victim: "B"})
	n.Announce(ctx, "g", "s", domain.ServerEvent{Kind: domain.ServerTrader})

	closeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := n.Close(closeCtx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent["kills"]) != 1 || len(sender.sent["events"]) != 1 {
		t.Errorf("unexpected routing %v", sender.sent)
	}
	if got := sender.sent["events"][0].Title; got != "Trader arrived" {
		t.Errorf("events embed title = %q", got)
	}
}
