package offset

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"

	"github.com/emeraldservers/killfeed-ingest/internal/domain"
)

const (
	bucketName = "parser_states"
)

// BoltDBStore implements StateStore using BoltDB
type BoltDBStore struct {
	db *bbolt.DB
}

// NewBoltDBStore creates a new BoltDB state store
func NewBoltDBStore(dbPath string) (*BoltDBStore, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		// A killed process can leave the file locked; the open times out
		return nil, fmt.Errorf("failed to open boltdb (file may be locked by another process): %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	log.Info().
		Str("db_path", dbPath).
		Msg("BoltDB state store initialized")

	return &BoltDBStore{db: db}, nil
}

// Get retrieves the state for a key
func (s *BoltDBStore) Get(ctx context.Context, key domain.StateKey) (*domain.ParserState, error) {
	var state *domain.ParserState

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}

		val := b.Get([]byte(key.String()))
		if val == nil {
			return nil
		}

		state = &domain.ParserState{}
		return json.Unmarshal(val, state)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get parser state %s: %w", key, err)
	}
	if state == nil {
		return nil, ErrNotFound
	}

	return state, nil
}

// Save stores the state under its key, replacing any previous value
func (s *BoltDBStore) Save(ctx context.Context, state *domain.ParserState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	val, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode parser state: %w", err)
	}

	key := state.Key()
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.Put([]byte(key.String()), val)
	})
	if err != nil {
		return fmt.Errorf("failed to save parser state %s: %w", key, err)
	}

	log.Debug().
		Str("key", key.String()).
		Str("file", state.LastFile).
		Int64("offset", state.LastOffset).
		Int64("lines", state.LastLine).
		Msg("Parser state saved")

	return nil
}

// Delete removes the state for a key
func (s *BoltDBStore) Delete(ctx context.Context, key domain.StateKey) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.Delete([]byte(key.String()))
	})
	if err != nil {
		return fmt.Errorf("failed to delete parser state %s: %w", key, err)
	}
	return nil
}

// List returns all stored states
func (s *BoltDBStore) List(ctx context.Context) ([]domain.ParserState, error) {
	var result []domain.ParserState

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}

		return b.ForEach(func(k, v []byte) error {
			var st domain.ParserState
			if err := json.Unmarshal(v, &st); err != nil {
				log.Warn().Err(err).Str("key", string(k)).Msg("Skipping undecodable parser state")
				return nil
			}
			result = append(result, st)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list parser states: %w", err)
	}

	return result, nil
}

// Close closes the BoltDB database
func (s *BoltDBStore) Close() error {
	log.Info().Msg("Closing BoltDB state store")
	return s.db.Close()
}
