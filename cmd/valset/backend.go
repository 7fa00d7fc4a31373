package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aescanero/valset/internal/config"
	eventsmemory "github.com/aescanero/valset/pkg/adapters/events/memory"
	eventsredis "github.com/aescanero/valset/pkg/adapters/events/redis"
	"github.com/aescanero/valset/pkg/adapters/storage/memory"
	"github.com/aescanero/valset/pkg/adapters/storage/postgres"
	redisstorage "github.com/aescanero/valset/pkg/adapters/storage/redis"
	"github.com/aescanero/valset/pkg/ports"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// backend bundles the storage and transport adapters of one store choice
type backend struct {
	store   ports.SetStore
	results ports.ResultStore
	queue   ports.SubmissionQueue
	rate    interface {
		ports.RateRecorder
		ports.RateSignal
	}
	bus ports.EventBus
	// streamBus carries set events to websocket clients of this process.
	streamBus ports.EventBus

	redis *goredis.Client
	db    *sql.DB
}

func newBackend(ctx context.Context, cfg *config.Config, consumer string, logger *zap.Logger) (*backend, error) {
	if cfg.Store == config.StoreMemory {
		bus := eventsmemory.NewInMemoryEventBus()
		logger.Warn("using in-memory store; state is lost on restart")
		return &backend{
			store:     memory.NewInMemorySetStore(),
			results:   memory.NewInMemoryResultStore(),
			queue:     memory.NewInMemoryQueue(),
			rate:      memory.NewRateCounter(time.Now),
			bus:       bus,
			streamBus: bus,
		}, nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to Redis: %w", err)
	}
	logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))

	b := &backend{
		results: redisstorage.NewResultStore(client, cfg.Orchestrator.ResultRetention),
		queue:   redisstorage.NewSubmissionQueue(client),
		rate:    redisstorage.NewRateCounter(client, time.Now),
		redis:   client,
	}

	bus, err := eventsredis.NewStreamsEventBus(client, cfg.Redis.ConsumerGroup, consumer, logger,
		eventsredis.WithMaxLen(cfg.Redis.StreamMaxLen))
	if err != nil {
		b.close(logger)
		return nil, fmt.Errorf("create event bus: %w", err)
	}
	b.bus = bus

	// Every process reads every set event, so it gets a group of its own.
	streamBus, err := eventsredis.NewStreamsEventBus(client, cfg.Redis.ConsumerGroup+"-stream-"+consumer, consumer, logger,
		eventsredis.WithMaxLen(cfg.Redis.StreamMaxLen), eventsredis.WithNewMessagesOnly())
	if err != nil {
		b.close(logger)
		return nil, fmt.Errorf("create stream event bus: %w", err)
	}
	b.streamBus = streamBus

	switch cfg.Store {
	case config.StoreRedis:
		b.store = redisstorage.NewSetStore(client, cfg.Orchestrator.ResultRetention, logger)
	case config.StorePostgres:
		db, err := postgres.Open(ctx, postgres.Config{
			URL:             cfg.Postgres.URL,
			PingTimeout:     cfg.Postgres.PingTimeout,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Postgres.ConnMaxIdleTime,
		})
		if err != nil {
			b.close(logger)
			return nil, fmt.Errorf("connect to Postgres: %w", err)
		}
		b.db = db
		if cfg.Postgres.Migrate {
			if err := postgres.Migrate(ctx, db); err != nil {
				b.close(logger)
				return nil, err
			}
		}
		logger.Info("connected to Postgres")
		b.store = postgres.NewSetStore(db, logger)
	}

	return b, nil
}

func (b *backend) close(logger *zap.Logger) {
	if b.streamBus != nil && b.streamBus != b.bus {
		if err := b.streamBus.Close(); err != nil {
			logger.Error("stream event bus close error", zap.Error(err))
		}
	}
	if b.bus != nil {
		if err := b.bus.Close(); err != nil {
			logger.Error("event bus close error", zap.Error(err))
		}
	}
	if b.db != nil {
		if err := b.db.Close(); err != nil {
			logger.Error("Postgres close error", zap.Error(err))
		}
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			logger.Error("Redis close error", zap.Error(err))
		}
	}
}
