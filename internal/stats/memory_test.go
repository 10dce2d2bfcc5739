package stats

import (
	"context"
	"testing"
	"time"

	"github.com/emeraldservers/killfeed-ingest/internal/domain"
)

var t0 = time.Date(2025, 4, 30, 0, 0, 0, 0, time.UTC)

func kill(killer, victim string, at time.Duration, line int64) *domain.KillEvent {
	return &domain.KillEvent{
		GuildID: "g", ServerID: "s",
		Timestamp:  t0.Add(at),
		KillerName: killer, VictimName: victim,
		Weapon: "AK47", Distance: 100,
		SourceFile: "a.csv", LineNumber: line,
	}
}

func TestMemorySink_StreaksAndKDR(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()

	events := []*domain.KillEvent{
		kill("A", "B", 1*time.Second, 1),
		kill("A", "C", 2*time.Second, 2),
		kill("A", "B", 3*time.Second, 3),
		kill("B", "A", 4*time.Second, 4),
		kill("A", "C", 5*time.Second, 5),
	}
	for _, e := range events {
		if err := sink.RecordKill(ctx, e); err != nil {
			t.Fatalf("RecordKill() error = %v", err)
		}
	}

	a, _ := sink.Player("g", "s", "A")
	if a.Kills != 4 || a.Deaths != 1 {
		t.Errorf("A kills/deaths = %d/%d, want 4/1", a.Kills, a.Deaths)
	}
	if a.LongestStreak != 3 || a.CurrentStreak != 1 {
		t.Errorf("A streak current/longest = %d/%d, want 1/3", a.CurrentStreak, a.LongestStreak)
	}
	if a.KDR != 4 {
		t.Errorf("A KDR = %v, want 4", a.KDR)
	}
	if a.TotalDistance != 400 {
		t.Errorf("A total distance = %v, want 400", a.TotalDistance)
	}

	b, _ := sink.Player("g", "s", "B")
	if b.Kills != 1 || b.Deaths != 2 || b.KDR != 0.5 {
		t.Errorf("unexpected B stats %+v", b)
	}
}

func TestMemorySink_OutOfOrderKillDoesNotExtendStreak(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()

	sink.RecordKill(ctx, kill("A", "B", 10*time.Second, 1))
	sink.RecordKill(ctx, kill("A", "C", 5*time.Second, 2))

	a, _ := sink.Player("g", "s", "A")
	if a.Kills != 2 {
		t.Errorf("late kill must still count, kills = %d", a.Kills)
	}
	if a.CurrentStreak != 1 {
		t.Errorf("late kill must not extend streak, streak = %d", a.CurrentStreak)
	}
}

func TestMemorySink_SuicideResetsStreakWithoutDeath(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()

	sink.RecordKill(ctx, kill("A", "B", time.Second, 1))
	suicide := &domain.KillEvent{
		GuildID: "g", ServerID: "s", Timestamp: t0.Add(2 * time.Second),
		KillerName: "A", VictimName: "A", Weapon: "Menu Suicide",
		IsSuicide: true, SuicideCause: domain.SuicideMenu, SourceFile: "a.csv", LineNumber: 2,
	}
	if err := sink.RecordSuicide(ctx, suicide); err != nil {
		t.Fatalf("RecordSuicide() error = %v", err)
	}

	a, _ := sink.Player("g", "s", "A")
	if a.Suicides != 1 || a.Deaths != 0 || a.CurrentStreak != 0 {
		t.Errorf("unexpected stats after suicide %+v", a)
	}
}

func TestMemorySink_DuplicateDeliveryIsIgnored(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()

	e := kill("A", "B", time.Second, 1)
	sink.RecordKill(ctx, e)
	dup := *e
	sink.RecordKill(ctx, &dup)

	a, _ := sink.Player("g", "s", "A")
	if a.Kills != 1 {
		t.Errorf("duplicate delivery counted twice, kills = %d", a.Kills)
	}
	if len(sink.Events()) != 1 {
		t.Errorf("expected 1 event, got %d", len(sink.Events()))
	}
}

func TestMemorySink_ResetServer(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()

	sink.RecordKill(ctx, kill("A", "B", time.Second, 1))
	other := kill("A", "B", time.Second, 1)
	other.ServerID = "s2"
	sink.RecordKill(ctx, other)

	if err := sink.ResetServer(ctx, "g", "s"); err != nil {
		t.Fatalf("ResetServer() error = %v", err)
	}
	if _, ok := sink.Player("g", "s", "A"); ok {
		t.Error("expected server s to be cleared")
	}
	if _, ok := sink.Player("g", "s2", "A"); !ok {
		t.Error("server s2 must be untouched")
	}

	// A cleared event can be recorded again
	sink.RecordKill(ctx, kill("A", "B", time.Second, 1))
	if a, _ := sink.Player("g", "s", "A"); a.Kills != 1 {
		t.Errorf("expected replayed kill to count, kills = %d", a.Kills)
	}
}
