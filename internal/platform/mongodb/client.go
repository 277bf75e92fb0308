// Package mongodb opens the MongoDB client used by the mongo store backend.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Config selects the deployment and database.
type Config struct {
	URI            string
	Database       string
	MaxPoolSize    uint64
	ConnectTimeout time.Duration
}

// Client bundles the driver client with the selected database.
type Client struct {
	client *mongo.Client
	DB     *mongo.Database
}

// Connect dials the deployment and pings the primary.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Database == "" {
		return nil, fmt.Errorf("mongodb: database name is required")
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetAppName("hashaudit").
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongodb: ping: %w", err)
	}

	return &Client{client: client, DB: client.Database(cfg.Database)}, nil
}

// Ping satisfies db.Pinger for the /health/db endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}

// Disconnect closes every pooled connection.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}
