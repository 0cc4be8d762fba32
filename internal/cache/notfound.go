// Package cache holds redis-backed decorators for chain queries.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fivebest/settlement/pkg/payment"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultNotFoundTTL = 2 * time.Second
	notFoundKeyPrefix  = "settlement:reference:notfound:"
	pingTimeout        = 5 * time.Second
)

// ErrInvalidCacheConfig reports a decorator built without its collaborators.
var ErrInvalidCacheConfig = errors.New("invalid cache config")

// redisCommands is the subset of *redis.Client the cache uses.
type redisCommands interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Dial connects to redis at address and verifies the connection.
func Dial(ctx context.Context, address string, password string, database int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: strings.TrimSpace(address), Password: password, DB: database})
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// NotFoundCache remembers not-found answers for a short TTL so concurrent
// pollers and manual verifications of one reference share a provider call.
type NotFoundCache struct {
	next   payment.ChainQuerier
	redis  redisCommands
	ttl    time.Duration
	logger *zap.Logger
}

// NewNotFoundCache decorates next. A non-positive ttl selects the default.
func NewNotFoundCache(next payment.ChainQuerier, client redisCommands, ttl time.Duration, logger *zap.Logger) (*NotFoundCache, error) {
	if next == nil {
		return nil, fmt.Errorf("%w: chain querier is nil", ErrInvalidCacheConfig)
	}
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is nil", ErrInvalidCacheConfig)
	}
	if ttl <= 0 {
		ttl = defaultNotFoundTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotFoundCache{next: next, redis: client, ttl: ttl, logger: logger}, nil
}

// FindTransactionByReference answers from the cache when the reference was just
// reported missing. Redis failures fall through to the provider.
func (cache *NotFoundCache) FindTransactionByReference(ctx context.Context, reference payment.Reference, sinceUnixUTC int64) (payment.TransactionRecord, error) {
	key := notFoundKeyPrefix + reference.String()
	count, err := cache.redis.Exists(ctx, key).Result()
	switch {
	case err != nil && !errors.Is(err, redis.Nil):
		cache.logger.Warn("not-found cache read failed", zap.String("reference", reference.String()), zap.Error(err))
	case count > 0:
		return payment.TransactionRecord{}, payment.ErrTransactionNotFound
	}

	record, err := cache.next.FindTransactionByReference(ctx, reference, sinceUnixUTC)
	if errors.Is(err, payment.ErrTransactionNotFound) {
		if setErr := cache.redis.Set(ctx, key, 1, cache.ttl).Err(); setErr != nil {
			cache.logger.Warn("not-found cache write failed", zap.String("reference", reference.String()), zap.Error(setErr))
		}
	}
	return record, err
}
