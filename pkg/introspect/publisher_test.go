package introspect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/arena"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/kernel"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/membrane"
)

// redisClient requires a running Redis on localhost and skips otherwise.
func redisClient(t *testing.T) *Publisher {
	t.Helper()
	client := NewClient("localhost:6379", "", 15)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	t.Cleanup(func() { _ = client.Close() })

	m, err := membrane.New(membrane.Options{Mode: kernel.Hardened, Pager: arena.HeapPager{}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	p, err := m.Malloc(64)
	require.NoError(t, err)
	require.NoError(t, m.Free(p))
	require.NoError(t, m.Free(p))

	return NewPublisher(client, m, Options{Prefix: "membrane-test", TTL: 10 * time.Second, History: 3})
}

func TestDefaults(t *testing.T) {
	p := NewPublisher(nil, nil, Options{})
	assert.Equal(t, "membrane:snapshots", p.Channel())
	assert.Equal(t, time.Minute, p.ttl)
	assert.Equal(t, int64(60), p.history)
	assert.Equal(t, "membrane:abc:latest", p.latestKey("abc"))
}

func TestPublishAndReadBack(t *testing.T) {
	p := redisClient(t)
	ctx := context.Background()

	sub := p.client.Subscribe(ctx, p.Channel())
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := p.Publish(ctx)
		require.NoError(t, err)
	}

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg.Payload, `"mode":"hardened"`)

	id := p.src.Snapshot().ID
	snap, err := p.Latest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, snap.ID)
	assert.Equal(t, uint64(1), snap.Heal.DoubleFrees)

	hist, err := p.History(ctx, id, 10)
	require.NoError(t, err)
	assert.Len(t, hist, 3, "history is capped")

	_, err = p.Latest(ctx, "missing")
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestRunStopsOnCancel(t *testing.T) {
	p := redisClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Run(ctx, 10*time.Millisecond))

	_, err := p.Latest(context.Background(), p.src.Snapshot().ID)
	assert.NoError(t, err)
}
