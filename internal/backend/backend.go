// Package backend opens the configured store and queue drivers.
package backend

import (
	"context"
	"fmt"

	"github.com/lupppig/snsbus/internal/config"
	"github.com/lupppig/snsbus/internal/queue"
	queuemem "github.com/lupppig/snsbus/internal/queue/memory"
	queuenats "github.com/lupppig/snsbus/internal/queue/nats"
	queueredis "github.com/lupppig/snsbus/internal/queue/redis"
	"github.com/lupppig/snsbus/internal/store"
	storemem "github.com/lupppig/snsbus/internal/store/memory"
	"github.com/lupppig/snsbus/internal/store/postgres"
	"github.com/lupppig/snsbus/internal/store/sqlite"
)

func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return storemem.New(), nil
	case "postgres":
		db, err := postgres.New(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "sqlite":
		db, err := sqlite.New(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return db, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func OpenQueues(ctx context.Context, cfg config.QueueConfig) (queue.Transport, error) {
	switch cfg.Driver {
	case "memory":
		return queuemem.New(cfg.VisibilityTimeout), nil
	case "nats":
		t, err := queuenats.New(ctx, cfg.URL, cfg.VisibilityTimeout)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "redis":
		t, err := queueredis.New(ctx, cfg.URL, cfg.VisibilityTimeout)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
}

// EnsureQueues provisions the publish and endpoint job queue sets.
func EnsureQueues(ctx context.Context, q queue.Transport, cfg config.QueueConfig) ([]string, error) {
	publish, err := q.EnsureQueues(ctx, cfg.PublishQueuePrefix, cfg.NumPublishQueues)
	if err != nil {
		return nil, fmt.Errorf("ensure publish queues: %w", err)
	}
	endpoint, err := q.EnsureQueues(ctx, cfg.EndpointQueuePrefix, cfg.NumEndpointQueues)
	if err != nil {
		return nil, fmt.Errorf("ensure endpoint queues: %w", err)
	}
	return append(publish, endpoint...), nil
}
