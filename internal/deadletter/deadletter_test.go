package deadletter

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryParkAndDrain(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(100)

	require.NoError(t, m.Park(ctx, Entry{Subject: "trade.binance.btc-usdt", Reason: "publish retries exhausted"}))
	require.NoError(t, m.Park(ctx, Entry{Subject: "trade.okx.btc-usdt-perp", Reason: "publish retries exhausted"}))

	depth, err := m.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	entries := m.Drain()
	require.Len(t, entries, 2)
	assert.Equal(t, "trade.binance.btc-usdt", entries[0].Subject)

	depth, err = m.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestMemoryEvictsOldest(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(3)

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Park(ctx, Entry{Subject: "s", DedupKey: strconv.Itoa(i)}))
	}

	entries := m.Drain()
	require.Len(t, entries, 3)
	assert.Equal(t, "2", entries[0].DedupKey, "oldest entries are evicted first")
	assert.Equal(t, "4", entries[2].DedupKey)
}
