package hybrid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"spsh/backend/internal/config"
	"spsh/backend/internal/domain"
	"spsh/backend/internal/storage"
	"spsh/backend/internal/storage/postgres"
	"spsh/backend/internal/storage/redis"
)

const emailDomainTTL = 24 * time.Hour

// DomainCache caches e-mail domain lookups.
type DomainCache interface {
	CacheEmailDomain(ctx context.Context, d *domain.EmailDomain, ttl time.Duration) error
	GetCachedEmailDomainByServiceProvider(ctx context.Context, serviceProviderID string) (*domain.EmailDomain, error)
	GetCachedEmailDomainByName(ctx context.Context, name string) (*domain.EmailDomain, error)
	InvalidateEmailDomain(ctx context.Context, d *domain.EmailDomain) error
}

// Store serves everything from the database, caches e-mail domains in Redis and
// takes the person lock in Redis.
type Store struct {
	storage.Store
	cache   DomainCache
	locker  storage.PersonLocker
	closers []func() error
	pingers []func(context.Context) error
	log     *zap.Logger
}

var (
	_ storage.Store        = (*Store)(nil)
	_ storage.PersonLocker = (*Store)(nil)
)

// New combines a database store with a domain cache and a person locker.
func New(db storage.Store, cache DomainCache, locker storage.PersonLocker, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{Store: db, cache: cache, locker: locker, log: log}
}

// Open connects the SQL database of the configured type and Redis.
func Open(dbCfg *config.DatabaseConfig, redisCfg *config.RedisConfig, log *zap.Logger) (*Store, error) {
	var (
		dbStore *postgres.Store
		err     error
	)
	switch dbCfg.Type {
	case "mysql":
		dbStore, err = postgres.NewMySQLStore(dbCfg.DSN)
	case "postgres", "postgresql":
		dbStore, err = postgres.NewStore(dbCfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s (supported: mysql, postgres)", dbCfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	redisClient, err := redis.New(redisCfg, log)
	if err != nil {
		_ = dbStore.Close()
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	cache := redis.NewCache(redisClient.Client(), log)
	s := New(dbStore, cache, cache, log)
	s.closers = []func() error{dbStore.Close, redisClient.Close}
	s.pingers = []func(context.Context) error{dbStore.Ping, redisClient.Ping}
	return s, nil
}

// SaveEmailDomain writes through to the database and drops the cached entries.
func (s *Store) SaveEmailDomain(ctx context.Context, d *domain.EmailDomain) error {
	if err := s.Store.SaveEmailDomain(ctx, d); err != nil {
		return err
	}
	if err := s.cache.InvalidateEmailDomain(ctx, d); err != nil {
		s.log.Warn("invalidate email domain cache", zap.String("domain", d.Domain), zap.Error(err))
	}
	return nil
}

// FindEmailDomainByServiceProvider reads through the cache.
func (s *Store) FindEmailDomainByServiceProvider(ctx context.Context, serviceProviderID string) (*domain.EmailDomain, error) {
	if d, err := s.cache.GetCachedEmailDomainByServiceProvider(ctx, serviceProviderID); err == nil {
		return d, nil
	} else if !errors.Is(err, redis.ErrCacheMiss) {
		s.log.Warn("email domain cache read", zap.Error(err))
	}

	d, err := s.Store.FindEmailDomainByServiceProvider(ctx, serviceProviderID)
	if err != nil {
		return nil, err
	}
	s.remember(ctx, d)
	return d, nil
}

// FindEmailDomainByDomain reads through the cache.
func (s *Store) FindEmailDomainByDomain(ctx context.Context, name string) (*domain.EmailDomain, error) {
	if d, err := s.cache.GetCachedEmailDomainByName(ctx, name); err == nil {
		return d, nil
	} else if !errors.Is(err, redis.ErrCacheMiss) {
		s.log.Warn("email domain cache read", zap.Error(err))
	}

	d, err := s.Store.FindEmailDomainByDomain(ctx, name)
	if err != nil {
		return nil, err
	}
	s.remember(ctx, d)
	return d, nil
}

func (s *Store) remember(ctx context.Context, d *domain.EmailDomain) {
	if err := s.cache.CacheEmailDomain(ctx, d, emailDomainTTL); err != nil {
		s.log.Warn("email domain cache write", zap.String("domain", d.Domain), zap.Error(err))
	}
}

// TryLock delegates to the configured locker.
func (s *Store) TryLock(ctx context.Context, personID string, ttl time.Duration) (func(), error) {
	return s.locker.TryLock(ctx, personID, ttl)
}

// Ping checks the database and Redis.
func (s *Store) Ping(ctx context.Context) error {
	for _, p := range s.pingers {
		if err := p(ctx); err != nil {
			return err
		}
	}
	return nil
}

// OpenConnections reports the open database connections when the backing store knows them.
func (s *Store) OpenConnections() int {
	if c, ok := s.Store.(interface{ OpenConnections() int }); ok {
		return c.OpenConnections()
	}
	return 0
}

// Close closes the database and the Redis connection.
func (s *Store) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
