package cache

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

type staticReader struct {
	balance decimal.Decimal
	err     error
	calls   int
}

func (r *staticReader) AddressBalance(context.Context, string) (decimal.Decimal, error) {
	r.calls++
	return r.balance, r.err
}

// A dead cache must be invisible: reads fall through to the chain and cache
// errors are never surfaced.
func TestBalanceCache_FallsThroughWhenCacheUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1", // nothing listens here
		DialTimeout: 10 * time.Millisecond,
		MaxRetries:  -1,
	})
	reader := &staticReader{balance: decimal.RequireFromString("3.25")}
	cache := New(reader, client, time.Second, nil)

	balance, err := cache.AddressBalance(context.Background(), "addr")
	if err != nil {
		t.Fatalf("cache failure must not surface: %v", err)
	}
	if !balance.Equal(decimal.RequireFromString("3.25")) {
		t.Fatalf("expected 3.25, got %s", balance)
	}
	if reader.calls != 1 {
		t.Fatalf("expected one chain read, got %d", reader.calls)
	}
}

func TestBalanceCache_ReaderErrorsSurface(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 10 * time.Millisecond,
		MaxRetries:  -1,
	})
	reader := &staticReader{err: context.DeadlineExceeded}
	cache := New(reader, client, time.Second, nil)

	if _, err := cache.AddressBalance(context.Background(), "addr"); err == nil {
		t.Fatalf("expected the chain read error to surface")
	}
}
