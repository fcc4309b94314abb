package seen

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func exerciseCache(t *testing.T, c Cache) {
	ctx := context.Background()
	address := "addr-" + uuid.NewString()

	assert.False(t, c.Seen(ctx, address, domain.CoinNative, "tx1"))
	c.Mark(ctx, address, domain.CoinNative, "tx1")
	assert.True(t, c.Seen(ctx, address, domain.CoinNative, "tx1"))

	assert.False(t, c.Seen(ctx, address, domain.CoinToken, "tx1"), "coin type is part of the key")
	assert.False(t, c.Seen(ctx, "other-"+address, domain.CoinNative, "tx1"), "address is part of the key")
}

func TestMemoryCache(t *testing.T) {
	exerciseCache(t, NewMemory())
}

func TestMemoryCacheConcurrentMarks(t *testing.T) {
	c := NewMemory()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Mark(context.Background(), "addr", domain.CoinToken, "tx")
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, c.Len())
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping Redis integration tests")
	}
	c, err := NewRedis(context.Background(), RedisOptions{Addr: addr, TTL: time.Minute}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	exerciseCache(t, c)
}

func TestRedisUnreachable(t *testing.T) {
	_, err := NewRedis(context.Background(), RedisOptions{Addr: "127.0.0.1:1"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
