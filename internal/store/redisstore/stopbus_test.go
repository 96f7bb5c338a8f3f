package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a live server only: REDIS_TEST_ADDR=127.0.0.1:6379
func TestStopBus_RoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rdb, err := Connect(ctx, addr, "", 0)
	require.NoError(t, err)
	bus := NewOwnedStopBus(rdb, "stop_generate_test_"+t.Name())
	defer bus.Close()

	ids, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "sess-1"))
	select {
	case id := <-ids:
		assert.Equal(t, "sess-1", id)
	case <-ctx.Done():
		t.Fatal("stop signal not delivered")
	}
}
