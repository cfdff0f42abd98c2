package storage

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketprism/marketprism/internal/config"
	"github.com/marketprism/marketprism/internal/types"
)

func tradeItem(tradeID string) Item {
	return Item{
		Record: &types.Trade{
			Envelope: types.Envelope{
				Exchange:    types.Binance,
				MarketType:  types.Spot,
				Symbol:      "BTC-USDT",
				TimestampMS: types.NowMS(),
				DataSource:  types.DataSource,
			},
			TradeID:  tradeID,
			Price:    decimal.New(61000, 0),
			Quantity: decimal.New(1, 0),
			Side:     types.SideBuy,
		},
		Msg:      &nats.Msg{},
		Received: time.Now(),
	}
}

func collectBatch(t *testing.T, ch <-chan []Item) []Item {
	t.Helper()
	select {
	case batch := <-ch:
		return batch
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flush")
		return nil
	}
}

func TestBatcherFlushesOnSize(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	flushed := make(chan []Item, 1)
	cfg := config.BatchConfig{BatchSize: 3, MaxDelayMS: 60_000, QueueMax: 10}
	b := NewBatcher(types.DataTypeTrade, cfg, func(ctx context.Context, items []Item) error {
		flushed <- items
		return nil
	}, zerolog.Nop())
	go b.Run(ctx)

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, b.Enqueue(ctx, tradeItem(id)))
	}

	batch := collectBatch(t, flushed)
	assert.Len(t, batch, 3)
}

func TestBatcherFlushesOnTime(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	flushed := make(chan []Item, 1)
	cfg := config.BatchConfig{BatchSize: 100, MaxDelayMS: 50, QueueMax: 10}
	b := NewBatcher(types.DataTypeTrade, cfg, func(ctx context.Context, items []Item) error {
		flushed <- items
		return nil
	}, zerolog.Nop())
	go b.Run(ctx)

	require.NoError(t, b.Enqueue(ctx, tradeItem("1")))
	require.NoError(t, b.Enqueue(ctx, tradeItem("2")))

	batch := collectBatch(t, flushed)
	assert.Len(t, batch, 2, "partial batch lands on the delay timer")
}

func TestBatcherDedupsWithinBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	flushed := make(chan []Item, 1)
	cfg := config.BatchConfig{BatchSize: 3, MaxDelayMS: 60_000, QueueMax: 10}
	b := NewBatcher(types.DataTypeTrade, cfg, func(ctx context.Context, items []Item) error {
		flushed <- items
		return nil
	}, zerolog.Nop())
	go b.Run(ctx)

	require.NoError(t, b.Enqueue(ctx, tradeItem("1")))
	require.NoError(t, b.Enqueue(ctx, tradeItem("1"))) // redelivery of the same trade
	require.NoError(t, b.Enqueue(ctx, tradeItem("2")))
	require.NoError(t, b.Enqueue(ctx, tradeItem("3")))

	batch := collectBatch(t, flushed)
	require.Len(t, batch, 3)
	ids := make([]string, 0, len(batch))
	for _, it := range batch {
		ids = append(ids, it.Record.(*types.Trade).TradeID)
	}
	assert.Equal(t, []string{"1", "2", "3"}, ids)
}

func TestBatcherDedupResetsAcrossBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	flushed := make(chan []Item, 2)
	cfg := config.BatchConfig{BatchSize: 2, MaxDelayMS: 60_000, QueueMax: 10}
	b := NewBatcher(types.DataTypeTrade, cfg, func(ctx context.Context, items []Item) error {
		flushed <- items
		return nil
	}, zerolog.Nop())
	go b.Run(ctx)

	require.NoError(t, b.Enqueue(ctx, tradeItem("1")))
	require.NoError(t, b.Enqueue(ctx, tradeItem("2")))
	first := collectBatch(t, flushed)
	require.Len(t, first, 2)

	// the same key in a later batch is not a duplicate anymore
	require.NoError(t, b.Enqueue(ctx, tradeItem("1")))
	require.NoError(t, b.Enqueue(ctx, tradeItem("3")))
	second := collectBatch(t, flushed)
	assert.Len(t, second, 2)
}
