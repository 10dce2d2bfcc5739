package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/emeraldservers/killfeed-ingest/internal/domain"
)

// Collection names
const (
	PvPDataCollection        = "pvp_data"
	KillEventsCollection     = "kill_events"
	PlayerSessionsCollection = "player_sessions"
	ServerStatusCollection   = "server_status"
)

// MongoSink implements Sink on MongoDB.
// Every kill and suicide is first upserted into kill_events under a unique
// event hash together with its pending player updates. An event with
// nothing pending was already counted and the aggregates are left alone.
type MongoSink struct {
	pvp      *mongo.Collection
	kills    *mongo.Collection
	sessions *mongo.Collection
	servers  *mongo.Collection
	now      func() time.Time
}

// NewMongoSink creates the sink and the indexes it relies on
func NewMongoSink(ctx context.Context, db *mongo.Database) (*MongoSink, error) {
	s := &MongoSink{
		pvp:      db.Collection(PvPDataCollection),
		kills:    db.Collection(KillEventsCollection),
		sessions: db.Collection(PlayerSessionsCollection),
		servers:  db.Collection(ServerStatusCollection),
		now:      time.Now,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoSink) ensureIndexes(ctx context.Context) error {
	indexes := []struct {
		coll  *mongo.Collection
		model mongo.IndexModel
	}{
		{s.pvp, mongo.IndexModel{
			Keys:    bson.D{{Key: "guild_id", Value: 1}, {Key: "server_id", Value: 1}, {Key: "player_name", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("player_key"),
		}},
		{s.kills, mongo.IndexModel{
			Keys:    bson.D{{Key: "event_hash", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("event_hash"),
		}},
		{s.kills, mongo.IndexModel{
			Keys:    bson.D{{Key: "guild_id", Value: 1}, {Key: "server_id", Value: 1}, {Key: "timestamp", Value: -1}},
			Options: options.Index().SetName("recent_kills"),
		}},
		{s.sessions, mongo.IndexModel{
			Keys:    bson.D{{Key: "guild_id", Value: 1}, {Key: "server_id", Value: 1}, {Key: "player_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("session_key"),
		}},
		{s.servers, mongo.IndexModel{
			Keys:    bson.D{{Key: "guild_id", Value: 1}, {Key: "server_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("server_key"),
		}},
	}
	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateOne(ctx, idx.model); err != nil {
			return fmt.Errorf("failed to create index on %s: %w", idx.coll.Name(), err)
		}
	}
	return nil
}

// killDocument is the kill_events representation of a KillEvent
func killDocument(e *domain.KillEvent) bson.D {
	return bson.D{
		{Key: "event_hash", Value: e.Hash()},
		{Key: "guild_id", Value: e.GuildID},
		{Key: "server_id", Value: e.ServerID},
		{Key: "timestamp", Value: e.Timestamp},
		{Key: "killer", Value: e.KillerName},
		{Key: "killer_id", Value: e.KillerID},
		{Key: "victim", Value: e.VictimName},
		{Key: "victim_id", Value: e.VictimID},
		{Key: "weapon", Value: e.Weapon},
		{Key: "distance", Value: e.Distance},
		{Key: "killer_platform", Value: e.KillerPlatform},
		{Key: "victim_platform", Value: e.VictimPlatform},
		{Key: "is_suicide", Value: e.IsSuicide},
		{Key: "suicide_cause", Value: string(e.SuicideCause)},
		{Key: "timestamp_fallback", Value: e.TimestampFallback},
		{Key: "source_file", Value: e.SourceFile},
		{Key: "line_number", Value: e.LineNumber},
		{Key: "raw_line", Value: e.RawLine},
	}
}

// killLog is the kill_events journal entry of one event
type killLog struct {
	coll  *mongo.Collection
	event *domain.KillEvent
}

// begin upserts the event and returns its pending steps. Documents written
// before step tracking carry no pending list and count as fully applied.
func (k killLog) begin(ctx context.Context, hash string, steps []string) ([]string, error) {
	doc := append(killDocument(k.event), bson.E{Key: "pending", Value: steps})
	update := bson.D{{Key: "$setOnInsert", Value: doc}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	filter := bson.D{{Key: "event_hash", Value: hash}}

	var stored struct {
		Pending []string `bson:"pending"`
	}
	err := k.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&stored)
	if mongo.IsDuplicateKeyError(err) {
		// Concurrent upsert of the same event; it exists now
		err = k.coll.FindOne(ctx, filter).Decode(&stored)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record kill event: %w", err)
	}
	if len(stored.Pending) == 0 {
		log.Debug().
			Str("guild_id", k.event.GuildID).
			Str("server_id", k.event.ServerID).
			Str("file", k.event.SourceFile).
			Int64("line", k.event.LineNumber).
			Msg("Kill event already recorded, skipping")
	}
	return stored.Pending, nil
}

func (k killLog) done(ctx context.Context, hash, step string) error {
	_, err := k.coll.UpdateOne(ctx,
		bson.D{{Key: "event_hash", Value: hash}},
		bson.D{{Key: "$pull", Value: bson.D{{Key: "pending", Value: step}}}})
	return err
}

// record runs the steps of a kill or suicide through the kill_events journal
func (s *MongoSink) record(ctx context.Context, e *domain.KillEvent, steps []step) error {
	_, err := applySteps(ctx, killLog{coll: s.kills, event: e}, e.Hash(), steps)
	return err
}

func playerFilter(guildID, serverID, name string) bson.D {
	return bson.D{
		{Key: "guild_id", Value: guildID},
		{Key: "server_id", Value: serverID},
		{Key: "player_name", Value: name},
	}
}

func ifNull(field string, def interface{}) bson.M {
	return bson.M{"$ifNull": bson.A{"$" + field, def}}
}

// withDefaults fills counters of a freshly upserted player document
func (s *MongoSink) withDefaults(fields bson.M) bson.M {
	for _, f := range []string{"kills", "deaths", "suicides", "current_streak", "longest_streak"} {
		if _, set := fields[f]; !set {
			fields[f] = ifNull(f, 0)
		}
	}
	for _, f := range []string{"total_distance", "personal_best_distance"} {
		if _, set := fields[f]; !set {
			fields[f] = ifNull(f, 0.0)
		}
	}
	fields["created_at"] = ifNull("created_at", s.now().UTC())
	fields["last_updated"] = "$$NOW"
	return fields
}

// kdrStage recomputes kdr from the counters of the previous stage
var kdrStage = bson.D{{Key: "$set", Value: bson.M{
	"kdr": bson.M{"$cond": bson.A{
		bson.M{"$gt": bson.A{"$deaths", 0}},
		bson.M{"$divide": bson.A{"$kills", "$deaths"}},
		"$kills",
	}},
	"longest_streak": bson.M{"$max": bson.A{"$longest_streak", "$current_streak"}},
}}}

func (s *MongoSink) updatePlayer(ctx context.Context, guildID, serverID, name string, fields bson.M) error {
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: s.withDefaults(fields)}},
		kdrStage,
	}
	_, err := s.pvp.UpdateOne(ctx, playerFilter(guildID, serverID, name), pipeline, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// Two upserts raced on a new player; the document exists now
		_, err = s.pvp.UpdateOne(ctx, playerFilter(guildID, serverID, name), pipeline)
	}
	if err != nil {
		return fmt.Errorf("failed to update stats of %s: %w", name, err)
	}
	return nil
}

// RecordKill logs the kill, then updates killer and victim. Each update is
// atomic per player and tracked in the kill log, so a redelivery after a
// partial failure applies only what is missing.
// A kill older than the killer's last counted kill is counted but does not
// extend the streak.
func (s *MongoSink) RecordKill(ctx context.Context, e *domain.KillEvent) error {
	inOrder := bson.M{"$gte": bson.A{e.Timestamp, ifNull("last_kill_timestamp", e.Timestamp)}}
	killer := bson.M{
		"kills":          bson.M{"$add": bson.A{ifNull("kills", 0), 1}},
		"total_distance": bson.M{"$add": bson.A{ifNull("total_distance", 0.0), e.Distance}},
		"personal_best_distance": bson.M{"$max": bson.A{
			ifNull("personal_best_distance", 0.0), e.Distance,
		}},
		"current_streak": bson.M{"$cond": bson.A{
			inOrder,
			bson.M{"$add": bson.A{ifNull("current_streak", 0), 1}},
			ifNull("current_streak", 0),
		}},
		"last_kill_timestamp": bson.M{"$max": bson.A{ifNull("last_kill_timestamp", e.Timestamp), e.Timestamp}},
		"last_weapon":         bson.M{"$literal": e.Weapon},
	}
	victim := bson.M{
		"deaths":         bson.M{"$add": bson.A{ifNull("deaths", 0), 1}},
		"current_streak": 0,
	}

	return s.record(ctx, e, []step{
		{name: "killer", apply: func(ctx context.Context) error {
			return s.updatePlayer(ctx, e.GuildID, e.ServerID, e.KillerName, killer)
		}},
		{name: "victim", apply: func(ctx context.Context) error {
			return s.updatePlayer(ctx, e.GuildID, e.ServerID, e.VictimName, victim)
		}},
	})
}

// RecordSuicide logs the event and counts a suicide without a death
func (s *MongoSink) RecordSuicide(ctx context.Context, e *domain.KillEvent) error {
	fields := bson.M{
		"suicides":       bson.M{"$add": bson.A{ifNull("suicides", 0), 1}},
		"current_streak": 0,
	}
	if e.SuicideCause == domain.SuicideMenu {
		fields["menu_suicides"] = bson.M{"$add": bson.A{ifNull("menu_suicides", 0), 1}}
	}
	return s.record(ctx, e, []step{
		{name: "victim", apply: func(ctx context.Context) error {
			return s.updatePlayer(ctx, e.GuildID, e.ServerID, e.VictimName, fields)
		}},
	})
}

// RecordSession upserts the player's connection state. An event older than
// the stored one is ignored, which also makes redelivery harmless.
func (s *MongoSink) RecordSession(ctx context.Context, e *domain.SessionEvent) error {
	filter := bson.D{
		{Key: "guild_id", Value: e.GuildID},
		{Key: "server_id", Value: e.ServerID},
		{Key: "player_id", Value: e.PlayerID},
		{Key: "$or", Value: bson.A{
			bson.M{"last_event_at": bson.M{"$exists": false}},
			bson.M{"last_event_at": bson.M{"$lte": e.Timestamp}},
		}},
	}

	set := bson.M{
		"state":         string(e.State),
		"last_event_at": e.Timestamp,
		"last_updated":  s.now().UTC(),
	}
	switch e.State {
	case domain.SessionQueued:
		set["queued_at"] = e.Timestamp
	case domain.SessionConnected:
		set["connected_at"] = e.Timestamp
	case domain.SessionDisconnected:
		set["disconnected_at"] = e.Timestamp
	}
	if e.PlayerName != "" {
		set["player_name"] = e.PlayerName
	}
	if e.Platform != "" {
		set["platform"] = e.Platform
	}

	_, err := s.sessions.UpdateOne(ctx, filter, bson.M{"$set": set}, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// The filter missed because the stored event is newer; the upsert
		// then collided with the existing document
		log.Debug().
			Str("guild_id", e.GuildID).
			Str("server_id", e.ServerID).
			Str("player_id", e.PlayerID).
			Msg("Ignoring stale session event")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to save session of %s: %w", e.PlayerID, err)
	}
	return nil
}

// RecordServerEvent updates the server_status document. Every field is set
// with max or guard semantics, so replaying an event changes nothing.
func (s *MongoSink) RecordServerEvent(ctx context.Context, e *domain.ServerEvent) error {
	lastField := "last_event." + string(e.Kind)
	set := bson.M{
		lastField:      bson.M{"$max": bson.A{ifNull(lastField, e.Timestamp), e.Timestamp}},
		"last_updated": "$$NOW",
	}
	switch e.Kind {
	case domain.ServerMaxPlayers:
		set["max_players"] = e.MaxPlayers
	case domain.ServerMission:
		field := "missions." + e.MissionID
		set[field] = bson.M{"$cond": bson.A{
			bson.M{"$gte": bson.A{e.Timestamp, ifNull(field+".updated_at", e.Timestamp)}},
			bson.M{"state": bson.M{"$literal": e.MissionState}, "updated_at": e.Timestamp},
			"$" + field,
		}}
	}

	filter := bson.D{{Key: "guild_id", Value: e.GuildID}, {Key: "server_id", Value: e.ServerID}}
	pipeline := mongo.Pipeline{{{Key: "$set", Value: set}}}
	_, err := s.servers.UpdateOne(ctx, filter, pipeline, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		_, err = s.servers.UpdateOne(ctx, filter, pipeline)
	}
	if err != nil {
		return fmt.Errorf("failed to update status of server %s: %w", e.ServerID, err)
	}
	return nil
}

// ResetServer removes stats, kill log, sessions and status of a server
func (s *MongoSink) ResetServer(ctx context.Context, guildID, serverID string) error {
	filter := bson.D{{Key: "guild_id", Value: guildID}, {Key: "server_id", Value: serverID}}
	for _, coll := range []*mongo.Collection{s.pvp, s.kills, s.sessions, s.servers} {
		res, err := coll.DeleteMany(ctx, filter)
		if err != nil {
			return fmt.Errorf("failed to clear %s: %w", coll.Name(), err)
		}
		log.Info().
			Str("guild_id", guildID).
			Str("server_id", serverID).
			Str("collection", coll.Name()).
			Int64("deleted", res.DeletedCount).
			Msg("Cleared server data before backfill")
	}
	return nil
}
