// Package mongo implements the document-store side of the engine: the
// subscription replica embedded in user profiles, the denormalized slot
// display counter, and the live active-search count used for enforcement.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

const (
	usersCollection    = "users"
	searchesCollection = "ai_searches"
)

// Config holds Mongo connection configuration.
type Config struct {
	// URI is the connection string (mongodb://...).
	URI string

	// Database is the database name.
	Database string

	// ConnectTimeout bounds the initial connection attempt (default 10s).
	ConnectTimeout time.Duration
}

// Client wraps the driver client with the database handle.
type Client struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect establishes the connection and verifies it with a ping.
func Connect(ctx context.Context, config Config) (*Client, error) {
	if config.URI == "" || config.Database == "" {
		return nil, fmt.Errorf("mongo: uri and database are required")
	}

	timeout := config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	return &Client{
		client: client,
		db:     client.Database(config.Database),
	}, nil
}

// Close disconnects the client.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// Ping verifies connectivity, for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}
