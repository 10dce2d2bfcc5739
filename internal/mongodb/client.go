// Package mongodb connects to the document store holding player statistics
// and parser states.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/emeraldservers/killfeed-ingest/internal/retry"
)

// Client wraps a MongoDB connection bound to one database
type Client struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect opens a client and pings the primary with retry
func Connect(ctx context.Context, uri, database string, retryCfg retry.Config) (*Client, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetAppName("killfeed-ingest").
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	if err := retry.Do(ctx, retryCfg, func() error {
		return client.Ping(ctx, readpref.Primary())
	}); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	log.Info().
		Str("database", database).
		Msg("Connected to MongoDB")

	return &Client{client: client, db: client.Database(database)}, nil
}

// Database returns the bound database
func (c *Client) Database() *mongo.Database {
	return c.db
}

// Collection returns a collection of the bound database
func (c *Client) Collection(name string) *mongo.Collection {
	return c.db.Collection(name)
}

// Close disconnects the client
func (c *Client) Close(ctx context.Context) error {
	log.Info().Msg("Closing MongoDB connection")
	return c.client.Disconnect(ctx)
}
