package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/redisx"
	"github.com/redis/go-redis/v9"
)

const defaultTestRedisAddr = "localhost:6379"

// NewTestRedis connects to TEST_REDIS_ADDR and skips the test when Redis is
// unreachable. Callers should use unique keys; nothing is flushed.
func NewTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = defaultTestRedisAddr
	}
	rdb := redisx.New(addr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		t.Skipf("skipping Redis integration tests: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}
