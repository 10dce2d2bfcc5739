package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog/log"

	"github.com/emeraldservers/killfeed-ingest/internal/retry"
)

// Options describes a ClickHouse endpoint
type Options struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
}

// Client wraps ClickHouse connection
type Client struct {
	conn     clickhouse.Conn
	database string
	retryCfg retry.Config
}

// NewClient connects with the default retry config
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	return NewClientWithRetry(ctx, opts, retry.DefaultConfig())
}

// NewClientWithRetry creates a new ClickHouse client with custom retry configuration
func NewClientWithRetry(ctx context.Context, opts Options, retryCfg retry.Config) (*Client, error) {
	if opts.Username == "" {
		opts.Username = "default"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", opts.Host, opts.Port)},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	if err := retry.Do(ctx, retryCfg, func() error {
		return conn.Ping(ctx)
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	log.Info().
		Str("host", opts.Host).
		Int("port", opts.Port).
		Str("database", opts.Database).
		Msg("Connected to ClickHouse")

	return &Client{
		conn:     conn,
		database: opts.Database,
		retryCfg: retryCfg,
	}, nil
}

// EnsureSchema creates the archive tables if they do not exist
func (c *Client) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schema(c.database) {
		if err := c.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("failed to apply clickhouse schema: %w", err)
		}
	}
	return nil
}

func schema(db string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.kill_events (
			event_time      DateTime64(3, 'UTC'),
			guild_id        String,
			server_id       String,
			killer          String,
			killer_id       String,
			victim          String,
			victim_id       String,
			weapon          LowCardinality(String),
			distance        Float64,
			killer_platform LowCardinality(String),
			victim_platform LowCardinality(String),
			is_suicide      UInt8,
			suicide_cause   LowCardinality(String),
			source_file     String,
			line_number     Int64,
			event_hash      String,
			ingested_at     DateTime64(3, 'UTC')
		) ENGINE = ReplacingMergeTree(ingested_at)
		ORDER BY (guild_id, server_id, event_time, event_hash)`, db),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.file_reading_progress (
			timestamp      DateTime64(3, 'UTC'),
			parser_type    LowCardinality(String),
			guild_id       String,
			server_id      String,
			file_path      String,
			file_name      String,
			offset_bytes   UInt64,
			lines_parsed   UInt64,
			file_timestamp DateTime64(3, 'UTC')
		) ENGINE = ReplacingMergeTree(timestamp)
		ORDER BY (guild_id, server_id, parser_type, file_path)`, db),
	}
}

// Conn returns the underlying ClickHouse connection
func (c *Client) Conn() clickhouse.Conn {
	return c.conn
}

// Database returns the database name
func (c *Client) Database() string {
	return c.database
}

// Close closes the connection
func (c *Client) Close() error {
	log.Info().Msg("Closing ClickHouse connection")
	return c.conn.Close()
}

// Query executes a SELECT query and returns rows with retry logic
func (c *Client) Query(ctx context.Context, query string, args ...interface{}) (driver.Rows, error) {
	return retry.DoWithResult(ctx, c.retryCfg, func() (driver.Rows, error) {
		return c.conn.Query(ctx, query, args...)
	})
}

// Exec executes a non-SELECT query with retry logic
func (c *Client) Exec(ctx context.Context, query string, args ...interface{}) error {
	return retry.Do(ctx, c.retryCfg, func() error {
		return c.conn.Exec(ctx, query, args...)
	})
}
