// Package app wires brokers and stores from configuration and exposes
// the health and metrics surface shared by the worker and scheduler
// binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	kafkabroker "github.com/fairyhunter13/go-taskqueue/internal/adapter/broker/kafka"
	brokermem "github.com/fairyhunter13/go-taskqueue/internal/adapter/broker/memory"
	"github.com/fairyhunter13/go-taskqueue/internal/adapter/broker/redisstream"
	storemem "github.com/fairyhunter13/go-taskqueue/internal/adapter/store/memory"
	storepg "github.com/fairyhunter13/go-taskqueue/internal/adapter/store/postgres"
	storeredis "github.com/fairyhunter13/go-taskqueue/internal/adapter/store/redis"
	"github.com/fairyhunter13/go-taskqueue/internal/config"
	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

// Stores bundles every persistence port one process needs.
type Stores struct {
	Results     domain.ResultBackend
	Delayed     domain.DelayedStore
	RateLimits  domain.RateLimiter
	Revocations domain.RevocationStore
	DeadLetters domain.DeadLetterStore
	Batches     domain.BatchStore
	Sagas       domain.SagaStore
	Signals     domain.SignalStore
}

// Container owns the configured broker, stores, and their underlying
// connections.
type Container struct {
	Cfg    config.Config
	Broker domain.Broker
	Stores Stores

	logger *slog.Logger
	rdb    *redis.Client
	pgPool *pgxpool.Pool
}

// Build constructs the broker and stores selected by cfg. The memory
// drivers are single-process; redis and postgres drivers share state
// across processes. With the postgres store driver, the stores postgres
// has no natural shape for (delayed queue, revocation set, dead letters,
// batches, sagas, signals) run on Redis.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Container, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Container{Cfg: cfg, logger: logger}

	if err := c.buildBroker(cfg, logger); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.buildStores(ctx, cfg, logger); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Container) redisClient(cfg config.Config) *redis.Client {
	if c.rdb == nil {
		c.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}
	return c.rdb
}

func (c *Container) buildBroker(cfg config.Config, logger *slog.Logger) error {
	switch cfg.BrokerDriver {
	case "memory":
		c.Broker = brokermem.New()
	case "redisstream":
		c.Broker = redisstream.New(c.redisClient(cfg), redisstream.Options{
			Prefix:   cfg.KeyPrefix,
			Consumer: cfg.WorkerName,
		}, logger)
	case "kafka":
		b, err := kafkabroker.New(kafkabroker.Options{
			Brokers: cfg.KafkaBrokers,
			Group:   cfg.KafkaGroupID,
		}, logger)
		if err != nil {
			return fmt.Errorf("op=app.build: %w", err)
		}
		c.Broker = b
	default:
		return fmt.Errorf("op=app.build: %w: broker driver %q", domain.ErrInvalidArgument, cfg.BrokerDriver)
	}
	return nil
}

func (c *Container) buildStores(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	switch cfg.StoreDriver {
	case "memory":
		c.Stores = Stores{
			Results:     storemem.NewResultBackend(),
			Delayed:     storemem.NewDelayedStore(),
			RateLimits:  storemem.NewRateLimiter(),
			Revocations: storemem.NewRevocationStore(),
			DeadLetters: storemem.NewDeadLetterStore(cfg.DLQMaxMessages, c.Broker),
			Batches:     storemem.NewBatchStore(),
			Sagas:       storemem.NewSagaStore(cfg.SagaCompletedTTL),
			Signals:     storemem.NewSignalStore(),
		}
	case "redis":
		c.buildRedisStores(cfg, logger)
		c.Stores.Results = storeredis.NewResultBackend(c.redisClient(cfg), cfg.KeyPrefix, cfg.DefaultResultExpiry)
		c.Stores.RateLimits = storeredis.NewRateLimiter(c.redisClient(cfg), cfg.KeyPrefix)
	case "postgres":
		pool, err := storepg.NewPool(ctx, cfg.DBURL)
		if err != nil {
			return fmt.Errorf("op=app.build: %w", err)
		}
		c.pgPool = pool
		listenDSN := ""
		if cfg.UseNotify {
			listenDSN = cfg.DBURL
		}
		c.buildRedisStores(cfg, logger)
		c.Stores.Results = storepg.NewResultBackend(pool, storepg.ResultBackendOptions{
			ListenDSN:        listenDSN,
			DefaultExpiry:    cfg.DefaultResultExpiry,
			PollInterval:     cfg.PollingInterval,
			CleanupBatchSize: cfg.CleanupBatchSize,
		}, logger)
		c.Stores.RateLimits = storepg.NewRateLimiter(pool)
	default:
		return fmt.Errorf("op=app.build: %w: store driver %q", domain.ErrInvalidArgument, cfg.StoreDriver)
	}
	return nil
}

// buildRedisStores fills every store except results and rate limits,
// which differ between the redis and postgres drivers.
func (c *Container) buildRedisStores(cfg config.Config, logger *slog.Logger) {
	rdb := c.redisClient(cfg)
	c.Stores.Delayed = storeredis.NewDelayedStore(rdb, cfg.KeyPrefix)
	c.Stores.Revocations = storeredis.NewRevocationStore(rdb, cfg.KeyPrefix, logger)
	c.Stores.DeadLetters = storeredis.NewDeadLetterStore(rdb, cfg.KeyPrefix, cfg.DLQMaxMessages, c.Broker)
	c.Stores.Batches = storeredis.NewBatchStore(rdb, cfg.KeyPrefix)
	c.Stores.Sagas = storeredis.NewSagaStore(rdb, cfg.KeyPrefix, cfg.SagaCompletedTTL)
	c.Stores.Signals = storeredis.NewSignalStore(rdb, cfg.KeyPrefix, cfg.WorkerName)
}

// Ping verifies the container's backing connections.
func (c *Container) Ping(ctx context.Context) error {
	if c.Broker != nil {
		if err := c.Broker.IsHealthy(ctx); err != nil {
			return fmt.Errorf("op=app.ping: broker: %w", err)
		}
	}
	if c.rdb != nil {
		if err := c.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("op=app.ping: redis: %w", err)
		}
	}
	if c.pgPool != nil {
		if err := c.pgPool.Ping(ctx); err != nil {
			return fmt.Errorf("op=app.ping: postgres: %w", err)
		}
	}
	return nil
}

// Close releases the broker, stores, and connections. Safe to call on a
// partially built container.
func (c *Container) Close() {
	if c.Stores.Results != nil {
		if err := c.Stores.Results.Close(); err != nil {
			c.logger.Warn("result backend close failed", slog.String("error", err.Error()))
		}
	}
	if c.Stores.Revocations != nil {
		if err := c.Stores.Revocations.Close(); err != nil {
			c.logger.Warn("revocation store close failed", slog.String("error", err.Error()))
		}
	}
	if c.Broker != nil {
		if err := c.Broker.Close(); err != nil {
			c.logger.Warn("broker close failed", slog.String("error", err.Error()))
		}
	}
	if c.pgPool != nil {
		c.pgPool.Close()
	}
	if c.rdb != nil {
		if err := c.rdb.Close(); err != nil {
			c.logger.Warn("redis close failed", slog.String("error", err.Error()))
		}
	}
}
