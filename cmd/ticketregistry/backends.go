package main

import (
	"context"
	"fmt"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/jonboulle/clockwork"
	"github.com/redis/rueidis"
	"github.com/redis/rueidis/rueidislock"
	"github.com/redis/rueidis/rueidisotel"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/castaneai/ticketregistry/pkg/config"
	"github.com/castaneai/ticketregistry/pkg/lock"
	"github.com/castaneai/ticketregistry/pkg/statestore"
	"github.com/castaneai/ticketregistry/pkg/ticket"
	"github.com/castaneai/ticketregistry/pkg/trlog"
)

const (
	componentKey        = attribute.Key("component")
	startupRetries      = 5
	startupRetryBackoff = 200 * time.Millisecond
)

// redisConn lazily connects to the Redis shared by the ticket store and the lock.
type redisConn struct {
	conf   *config.Config
	mr     *miniredis.Miniredis
	client rueidis.Client
	locker rueidislock.Locker
}

func (r *redisConn) clientOption() (rueidis.ClientOption, error) {
	addr := r.conf.RedisAddr
	if r.conf.UseMiniRedis {
		if r.mr == nil {
			mr := miniredis.NewMiniRedis()
			if err := mr.Start(); err != nil {
				return rueidis.ClientOption{}, fmt.Errorf("failed to start mini-redis: %w", err)
			}
			r.mr = mr
		}
		addr = r.mr.Addr()
	}
	return rueidis.ClientOption{
		InitAddress:  []string{addr},
		DisableCache: true,
	}, nil
}

func (r *redisConn) Client(ctx context.Context) (rueidis.Client, error) {
	if r.client != nil {
		return r.client, nil
	}
	copt, err := r.clientOption()
	if err != nil {
		return nil, err
	}
	trlog.Debugf("connecting to redis (addr: %v)", copt.InitAddress)
	if err := withStartupRetry(ctx, func(ctx context.Context) error {
		client, err := rueidisotel.NewClient(copt, rueidisotel.MetricAttrs(componentKey.String("ticketregistry")))
		if err != nil {
			return err
		}
		r.client = client
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to new redis client: %w", err)
	}
	return r.client, nil
}

func (r *redisConn) Locker(ctx context.Context) (rueidislock.Locker, error) {
	if r.locker != nil {
		return r.locker, nil
	}
	copt, err := r.clientOption()
	if err != nil {
		return nil, err
	}
	if err := withStartupRetry(ctx, func(ctx context.Context) error {
		locker, err := rueidislock.NewLocker(rueidislock.LockerOption{
			ClientOption:   copt,
			KeyMajority:    1,
			ExtendInterval: 200 * time.Millisecond,
		})
		if err != nil {
			return err
		}
		r.locker = locker
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to new rueidis locker: %w", err)
	}
	return r.locker, nil
}

func (r *redisConn) Close() {
	if r.locker != nil {
		r.locker.Close()
	}
	if r.client != nil {
		r.client.Close()
	}
	if r.mr != nil {
		r.mr.Close()
	}
}

// newTicketStore resolves the configured storage backend once at startup.
func newTicketStore(ctx context.Context, conf *config.Config, redis *redisConn) (statestore.TicketStore, error) {
	switch conf.Backend {
	case config.BackendRedis:
		client, err := redis.Client(ctx)
		if err != nil {
			return nil, err
		}
		return statestore.NewRedisStore(client), nil
	case config.BackendSQL:
		db, err := openSQL(ctx, conf)
		if err != nil {
			return nil, err
		}
		return statestore.NewSQLStore(ctx, db, statestore.WithSQLTable(conf.SQLTable))
	case config.BackendMemory:
		trlog.Warnf("tickets are kept in process memory and are not shared with other nodes")
		return statestore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown ticket registry backend: %q", conf.Backend)
	}
}

func openSQL(ctx context.Context, conf *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch conf.SQLDriver {
	case config.SQLDriverPostgres:
		dialector = postgres.Open(conf.SQLDSN)
	case config.SQLDriverSQLite:
		dialector = sqlite.Open(conf.SQLDSN)
	default:
		return nil, fmt.Errorf("unknown sql driver: %q", conf.SQLDriver)
	}
	var db *gorm.DB
	if err := withStartupRetry(ctx, func(ctx context.Context) error {
		opened, err := gorm.Open(dialector, &gorm.Config{
			Logger:         logger.Default.LogMode(logger.Warn),
			TranslateError: true,
		})
		if err != nil {
			return err
		}
		db = opened
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", conf.SQLDriver, err)
	}
	if conf.SQLDriver == config.SQLDriverSQLite {
		// one writer at a time; a second connection would only fail with SQLITE_BUSY
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sqlite connection pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// newLockStrategy resolves the configured lock backend once at startup.
func newLockStrategy(ctx context.Context, conf *config.Config, redis *redisConn, clock clockwork.Clock) (lock.Strategy, error) {
	switch conf.LockBackend {
	case config.LockBackendRedis:
		client, err := redis.Client(ctx)
		if err != nil {
			return nil, err
		}
		return lock.NewRedisStrategy(client, conf.LockKey, clock), nil
	case config.LockBackendRedlock:
		locker, err := redis.Locker(ctx)
		if err != nil {
			return nil, err
		}
		return lock.NewRedlockStrategy(locker, conf.LockKey), nil
	case config.LockBackendMemory:
		trlog.Warnf("the cleaner lock is kept in process memory; every node will clean on its own")
		return lock.NewMemoryStrategy(conf.LockKey, clock), nil
	default:
		return nil, fmt.Errorf("unknown lock backend: %q", conf.LockBackend)
	}
}

func loadCatalog(conf *config.Config) (*ticket.Catalog, error) {
	if conf.CatalogFile == "" {
		return ticket.DefaultCatalog(), nil
	}
	return ticket.LoadCatalogFile(conf.CatalogFile)
}

func withStartupRetry(ctx context.Context, f func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(startupRetries, retry.NewExponential(startupRetryBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := f(ctx); err != nil {
			trlog.Warnf("backend is not ready: %+v", err)
			return retry.RetryableError(err)
		}
		return nil
	})
}
