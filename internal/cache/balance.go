// Package cache provides a short-TTL cache for external wallet balance reads.
//
// On-chain balance is a volatile quantity with its own staleness window; the
// cache bounds how often the node is asked for it. A cache failure is never
// surfaced: reads fall through to the chain.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"github.com/handlebank/settlement-layer/pkg/logger"
)

// BalanceReader reads an address balance from the external ledger.
type BalanceReader interface {
	AddressBalance(ctx context.Context, address string) (decimal.Decimal, error)
}

// BalanceCache decorates a BalanceReader with a Redis-backed TTL cache.
type BalanceCache struct {
	reader BalanceReader
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

// New creates a balance cache in front of reader.
func New(reader BalanceReader, client *redis.Client, ttl time.Duration, log *logger.Logger) *BalanceCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("balance-cache")
	}
	return &BalanceCache{reader: reader, client: client, ttl: ttl, log: log}
}

// AddressBalance returns the cached balance when fresh, otherwise reads from
// the chain and refreshes the cache.
func (c *BalanceCache) AddressBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	key := "extbal:" + address

	cached, err := c.client.Get(ctx, key).Result()
	if err == nil {
		if balance, perr := decimal.NewFromString(cached); perr == nil {
			return balance, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		c.log.WithError(err).Debug("balance cache read failed")
	}

	balance, err := c.reader.AddressBalance(ctx, address)
	if err != nil {
		return decimal.Zero, err
	}

	if err := c.client.Set(ctx, key, balance.String(), c.ttl).Err(); err != nil {
		c.log.WithError(err).Debug("balance cache write failed")
	}
	return balance, nil
}
