package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"spsh/backend/internal/domain"
	"spsh/backend/internal/storage"
)

// ErrCacheMiss is returned when a key is not cached.
var ErrCacheMiss = errors.New("cache miss")

const keyPrefix = "spsh:"

func emailDomainBySPKey(serviceProviderID string) string {
	return keyPrefix + "email-domain:sp:" + serviceProviderID
}

func emailDomainByNameKey(name string) string {
	return keyPrefix + "email-domain:name:" + strings.ToLower(name)
}

func personLockKey(personID string) string {
	return keyPrefix + "lock:person:" + personID
}

// releaseLock deletes the lock only when it still carries our token.
var releaseLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Cache holds e-mail domain lookups and the per-person provisioning lock.
type Cache struct {
	client redis.Cmdable
	log    *zap.Logger
}

var _ storage.PersonLocker = (*Cache)(nil)

// NewCache creates a Cache on an existing connection.
func NewCache(client redis.Cmdable, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{client: client, log: log}
}

// ========== e-mail domains ==========

// CacheEmailDomain stores d under its service provider and its name.
func (c *Cache) CacheEmailDomain(ctx context.Context, d *domain.EmailDomain, ttl time.Duration) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, emailDomainBySPKey(d.ServiceProviderID), data, ttl)
		pipe.Set(ctx, emailDomainByNameKey(d.Domain), data, ttl)
		return nil
	})
	return err
}

// GetCachedEmailDomainByServiceProvider returns ErrCacheMiss when absent.
func (c *Cache) GetCachedEmailDomainByServiceProvider(ctx context.Context, serviceProviderID string) (*domain.EmailDomain, error) {
	return c.getEmailDomain(ctx, emailDomainBySPKey(serviceProviderID))
}

// GetCachedEmailDomainByName returns ErrCacheMiss when absent.
func (c *Cache) GetCachedEmailDomainByName(ctx context.Context, name string) (*domain.EmailDomain, error) {
	return c.getEmailDomain(ctx, emailDomainByNameKey(name))
}

func (c *Cache) getEmailDomain(ctx context.Context, key string) (*domain.EmailDomain, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}
	var d domain.EmailDomain
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode cached email domain: %w", err)
	}
	return &d, nil
}

// InvalidateEmailDomain drops both cache entries of d.
func (c *Cache) InvalidateEmailDomain(ctx context.Context, d *domain.EmailDomain) error {
	return c.client.Del(ctx, emailDomainBySPKey(d.ServiceProviderID), emailDomainByNameKey(d.Domain)).Err()
}

// ========== person lock ==========

// TryLock sets the lock key with NX and a PX expiry. unlock only releases a lock
// still owned by this caller.
func (c *Cache) TryLock(ctx context.Context, personID string, ttl time.Duration) (func(), error) {
	key := personLockKey(personID)
	token := uuid.New().String()

	ok, err := c.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire person lock: %w", err)
	}
	if !ok {
		return nil, storage.ErrLockHeld
	}

	unlock := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := releaseLock.Run(ctx, c.client, []string{key}, token).Err(); err != nil {
			// the key expires after ttl
			c.log.Warn("person lock release failed", zap.String("personId", personID), zap.Error(err))
		}
	}
	return unlock, nil
}
