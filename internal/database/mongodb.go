// Package database opens the backend connections used by the document stores.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/gogotex/docstore/pkg/logger"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ConnectAttempts bounds how often ConnectMongo pings before giving up.
var ConnectAttempts = 5

// ConnectMongo opens a connection and returns the client, retrying the initial
// ping while the server comes up. Caller should call client.Disconnect(ctx).
func ConnectMongo(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	clientOpts := options.Client().ApplyURI(uri).SetServerSelectionTimeout(timeout)
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}

	wait := time.Second
	for attempt := 1; ; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		err = client.Ping(pingCtx, nil)
		cancel()
		if err == nil {
			return client, nil
		}
		if attempt >= ConnectAttempts || ctx.Err() != nil {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("mongo ping: %w", err)
		}
		logger.With("attempt", attempt).Warnf("mongo not reachable, retrying in %s: %v", wait, err)
		select {
		case <-ctx.Done():
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("mongo ping: %w", ctx.Err())
		case <-time.After(wait):
		}
		wait *= 2
	}
}
