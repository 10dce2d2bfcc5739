package offset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/emeraldservers/killfeed-ingest/internal/domain"
)

// ParserStatesCollection is the collection name used by MongoStore
const ParserStatesCollection = "parser_states"

// maxSaveAttempts bounds the duplicate-key cleanup loop in Save
const maxSaveAttempts = 3

// MongoStore implements StateStore on a MongoDB collection
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore creates the store and its unique index
func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	coll := db.Collection(ParserStatesCollection)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "guild_id", Value: 1},
			{Key: "server_id", Value: 1},
			{Key: "parser_type", Value: 1},
		},
		Options: options.Index().SetUnique(true).SetName("parser_state_key"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create parser state index: %w", err)
	}
	return &MongoStore{coll: coll}, nil
}

func keyFilter(key domain.StateKey) bson.D {
	return bson.D{
		{Key: "guild_id", Value: key.GuildID},
		{Key: "server_id", Value: key.ServerID},
		{Key: "parser_type", Value: key.ParserType},
	}
}

// Get retrieves the state for a key
func (s *MongoStore) Get(ctx context.Context, key domain.StateKey) (*domain.ParserState, error) {
	var state domain.ParserState
	err := s.coll.FindOne(ctx, keyFilter(key)).Decode(&state)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get parser state %s: %w", key, err)
	}
	return &state, nil
}

// Save replaces the stored state with an upsert. Two concurrent upserts of a
// new key can race on the unique index; the loser clears the key and retries.
func (s *MongoStore) Save(ctx context.Context, state *domain.ParserState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	key := state.Key()
	filter := keyFilter(key)

	var lastErr error
	for attempt := 1; attempt <= maxSaveAttempts; attempt++ {
		_, err := s.coll.ReplaceOne(ctx, filter, state, options.Replace().SetUpsert(true))
		if err == nil {
			return nil
		}
		lastErr = err
		if !mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("failed to save parser state %s: %w", key, err)
		}

		log.Warn().
			Str("key", key.String()).
			Int("attempt", attempt).
			Msg("Duplicate parser state, clearing and retrying")
		if _, err := s.coll.DeleteMany(ctx, filter); err != nil {
			return fmt.Errorf("failed to clear duplicate parser state %s: %w", key, err)
		}
	}
	return fmt.Errorf("failed to save parser state %s after %d attempts: %w", key, maxSaveAttempts, lastErr)
}

// Delete removes the state for a key
func (s *MongoStore) Delete(ctx context.Context, key domain.StateKey) error {
	if _, err := s.coll.DeleteMany(ctx, keyFilter(key)); err != nil {
		return fmt.Errorf("failed to delete parser state %s: %w", key, err)
	}
	return nil
}

// List returns all stored states
func (s *MongoStore) List(ctx context.Context) ([]domain.ParserState, error) {
	cur, err := s.coll.Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("failed to list parser states: %w", err)
	}
	var out []domain.ParserState
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode parser states: %w", err)
	}
	return out, nil
}

// Close is a no-op; the shared client is closed by its owner
func (s *MongoStore) Close() error {
	return nil
}
