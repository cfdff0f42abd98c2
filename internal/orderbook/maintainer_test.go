package orderbook

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketprism/marketprism/internal/config"
	"github.com/marketprism/marketprism/internal/types"
)

func testOrderbookConfig() config.OrderbookConfig {
	return config.OrderbookConfig{
		Depth:                400,
		SnapshotIntervalMS:   0, // no periodic refresh in tests
		ResyncBackoffMS:      1,
		ChecksumVerification: true,
		BufferLimit:          100,
	}
}

func delta(symbol string, first, last, prev int64, bids, asks []types.PriceLevel) *types.OrderbookDelta {
	return &types.OrderbookDelta{
		Envelope: types.Envelope{
			Exchange:    types.Binance,
			MarketType:  types.Perpetual,
			Symbol:      symbol,
			TimestampMS: types.NowMS(),
			DataSource:  types.DataSource,
		},
		FirstUpdateID: first,
		LastUpdateID:  last,
		PrevUpdateID:  prev,
		BidChanges:    bids,
		AskChanges:    asks,
	}
}

func recvRecord(t *testing.T, ch <-chan types.Record) types.Record {
	t.Helper()
	select {
	case rec := <-ch:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for record")
		return nil
	}
}

func TestSequenced(t *testing.T) {
	// explicit previous-sequence field must match exactly
	assert.True(t, sequenced(100, &types.OrderbookDelta{FirstUpdateID: 101, LastUpdateID: 105, PrevUpdateID: 100}))
	assert.False(t, sequenced(100, &types.OrderbookDelta{FirstUpdateID: 101, LastUpdateID: 105, PrevUpdateID: 99}))

	// range rule: the update has to straddle lastID+1
	assert.True(t, sequenced(100, &types.OrderbookDelta{FirstUpdateID: 98, LastUpdateID: 101}))
	assert.True(t, sequenced(100, &types.OrderbookDelta{FirstUpdateID: 101, LastUpdateID: 101}))
	assert.False(t, sequenced(100, &types.OrderbookDelta{FirstUpdateID: 102, LastUpdateID: 110}))
	assert.False(t, sequenced(100, &types.OrderbookDelta{FirstUpdateID: 90, LastUpdateID: 100}))
}

func TestMaintainerRestSync(t *testing.T) {
	ctx := context.Background()
	snapCh := make(chan *types.OrderbookSnapshot, 1)
	var fetches atomic.Int64

	fetcher := func(ctx context.Context, mt types.MarketType, native string) (*types.OrderbookSnapshot, error) {
		fetches.Add(1)
		assert.Equal(t, "BTCUSDT", native)
		select {
		case s := <-snapCh:
			return s, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m := NewMaintainer(types.Binance, testOrderbookConfig(), fetcher, nil, zerolog.Nop())
	defer m.Close()
	m.Track("BTC-USDT-PERP", "BTCUSDT", types.Perpetual)

	// deltas arrive before the snapshot and get buffered
	require.NoError(t, m.ProcessDelta(ctx, delta("BTC-USDT-PERP", 90, 95, 0, []types.PriceLevel{lvl("99", "9")}, nil)))
	require.NoError(t, m.ProcessDelta(ctx, delta("BTC-USDT-PERP", 98, 102, 0,
		[]types.PriceLevel{lvl("100", "2")}, []types.PriceLevel{lvl("101", "3")})))

	snapCh <- &types.OrderbookSnapshot{
		Envelope:     types.Envelope{Exchange: types.Binance, Symbol: "BTC-USDT-PERP", TimestampMS: types.NowMS()},
		LastUpdateID: 100,
		Bids:         []types.PriceLevel{lvl("100", "1"), lvl("99.5", "4")},
		Asks:         []types.PriceLevel{lvl("100.5", "1")},
	}

	rec := recvRecord(t, m.Records())
	snap, ok := rec.(*types.OrderbookSnapshot)
	require.True(t, ok)
	assert.Equal(t, int64(102), snap.LastUpdateID, "delta covered by the snapshot dropped, straddling delta applied")
	assert.Equal(t, "100", snap.BestBidPrice.String(), "buffered update replaced the snapshot level")
	assert.Equal(t, "2", snap.BestBidQuantity.String())
	assert.Equal(t, int64(1), fetches.Load())

	// the book is live now, deltas flow straight through
	require.NoError(t, m.ProcessDelta(ctx, delta("BTC-USDT-PERP", 103, 104, 0, nil, []types.PriceLevel{lvl("100.6", "2")})))
	out, ok := recvRecord(t, m.Records()).(*types.OrderbookDelta)
	require.True(t, ok)
	assert.Equal(t, int64(104), out.LastUpdateID)
}

func TestMaintainerStaleDeltaDropped(t *testing.T) {
	ctx := context.Background()
	m := NewMaintainer(types.Binance, testOrderbookConfig(), nil, nil, zerolog.Nop())
	defer m.Close()
	m.Track("BTC-USDT-PERP", "BTCUSDT", types.Perpetual)

	require.NoError(t, m.ProcessSnapshot(ctx, &types.OrderbookSnapshot{
		Envelope:     types.Envelope{Exchange: types.Binance, Symbol: "BTC-USDT-PERP", TimestampMS: types.NowMS()},
		LastUpdateID: 100,
		Bids:         []types.PriceLevel{lvl("100", "1")},
		Asks:         []types.PriceLevel{lvl("101", "1")},
	}))
	recvRecord(t, m.Records()) // the sync snapshot

	require.NoError(t, m.ProcessDelta(ctx, delta("BTC-USDT-PERP", 95, 100, 0, []types.PriceLevel{lvl("100", "7")}, nil)))

	select {
	case rec := <-m.Records():
		t.Fatalf("stale delta should not be emitted, got %T", rec)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMaintainerSequenceGapTriggersResync(t *testing.T) {
	ctx := context.Background()
	resyncs := make(chan string, 1)
	resync := func(ctx context.Context, symbol string) error {
		resyncs <- symbol
		return nil
	}

	m := NewMaintainer(types.OKX, testOrderbookConfig(), nil, resync, zerolog.Nop())
	defer m.Close()
	m.Track("BTC-USDT-PERP", "BTC-USDT-SWAP", types.Perpetual)

	require.NoError(t, m.ProcessSnapshot(ctx, &types.OrderbookSnapshot{
		Envelope:     types.Envelope{Exchange: types.OKX, Symbol: "BTC-USDT-PERP", TimestampMS: types.NowMS()},
		LastUpdateID: 100,
		Bids:         []types.PriceLevel{lvl("100", "1")},
		Asks:         []types.PriceLevel{lvl("101", "1")},
	}))
	recvRecord(t, m.Records())

	err := m.ProcessDelta(ctx, delta("BTC-USDT-PERP", 105, 105, 104, nil, nil))
	require.Error(t, err)

	select {
	case symbol := <-resyncs:
		assert.Equal(t, "BTC-USDT-SWAP", symbol, "resync uses the venue-native id")
	case <-time.After(2 * time.Second):
		t.Fatal("resync hook was not called")
	}
}

func TestMaintainerChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	resyncs := make(chan string, 1)
	resync := func(ctx context.Context, symbol string) error {
		resyncs <- symbol
		return nil
	}

	m := NewMaintainer(types.OKX, testOrderbookConfig(), nil, resync, zerolog.Nop())
	defer m.Close()
	m.Track("BTC-USDT-PERP", "BTC-USDT-SWAP", types.Perpetual)

	wrong := int64(12345)
	err := m.ProcessSnapshot(ctx, &types.OrderbookSnapshot{
		Envelope:     types.Envelope{Exchange: types.OKX, Symbol: "BTC-USDT-PERP", TimestampMS: types.NowMS()},
		LastUpdateID: 100,
		Bids:         []types.PriceLevel{lvl("8476.98", "415")},
		Asks:         []types.PriceLevel{lvl("8476.99", "256")},
		Checksum:     &wrong,
	})
	require.Error(t, err)

	select {
	case <-resyncs:
	case <-time.After(2 * time.Second):
		t.Fatal("checksum mismatch should trigger a resync")
	}

	// the matching checksum passes and the snapshot is emitted
	right := int64(-1879123802)
	require.NoError(t, m.ProcessSnapshot(ctx, &types.OrderbookSnapshot{
		Envelope:     types.Envelope{Exchange: types.OKX, Symbol: "BTC-USDT-PERP", TimestampMS: types.NowMS()},
		LastUpdateID: 101,
		Bids:         []types.PriceLevel{lvl("8476.98", "415")},
		Asks:         []types.PriceLevel{lvl("8476.99", "256")},
		Checksum:     &right,
	}))
	snap := recvRecord(t, m.Records()).(*types.OrderbookSnapshot)
	assert.Equal(t, int64(101), snap.LastUpdateID)
}

func TestMaintainerDeltaChecksumVerified(t *testing.T) {
	ctx := context.Background()
	resyncs := make(chan string, 1)
	resync := func(ctx context.Context, symbol string) error {
		resyncs <- symbol
		return nil
	}

	m := NewMaintainer(types.OKX, testOrderbookConfig(), nil, resync, zerolog.Nop())
	defer m.Close()
	m.Track("BTC-USDT-PERP", "BTC-USDT-SWAP", types.Perpetual)

	require.NoError(t, m.ProcessSnapshot(ctx, &types.OrderbookSnapshot{
		Envelope:     types.Envelope{Exchange: types.OKX, Symbol: "BTC-USDT-PERP", TimestampMS: types.NowMS()},
		LastUpdateID: 10,
		Bids:         []types.PriceLevel{lvl("100", "1")},
		Asks:         []types.PriceLevel{lvl("101", "2")},
	}))
	recvRecord(t, m.Records())

	// CRC32 of "100:1:101:2:99:3", the book after the bid insert
	right := int64(-563951543)
	good := delta("BTC-USDT-PERP", 11, 11, 10, []types.PriceLevel{lvl("99", "3")}, nil)
	good.Checksum = &right
	require.NoError(t, m.ProcessDelta(ctx, good))
	out := recvRecord(t, m.Records()).(*types.OrderbookDelta)
	assert.Equal(t, int64(11), out.LastUpdateID)

	wrong := int64(12345)
	bad := delta("BTC-USDT-PERP", 12, 12, 11, []types.PriceLevel{lvl("98", "1")}, nil)
	bad.Checksum = &wrong
	require.Error(t, m.ProcessDelta(ctx, bad))

	select {
	case symbol := <-resyncs:
		assert.Equal(t, "BTC-USDT-SWAP", symbol)
	case <-time.After(2 * time.Second):
		t.Fatal("update checksum mismatch should trigger a resync")
	}

	select {
	case rec := <-m.Records():
		t.Fatalf("corrupt update should not be emitted, got %T", rec)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMaintainerBufferOverflow(t *testing.T) {
	ctx := context.Background()
	cfg := testOrderbookConfig()
	cfg.BufferLimit = 2

	// fetcher that never returns keeps the book in the awaiting state
	fetcher := func(ctx context.Context, mt types.MarketType, native string) (*types.OrderbookSnapshot, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := NewMaintainer(types.Binance, cfg, fetcher, nil, zerolog.Nop())
	defer m.Close()
	m.Track("BTC-USDT-PERP", "BTCUSDT", types.Perpetual)

	require.NoError(t, m.ProcessDelta(fetchCtx, delta("BTC-USDT-PERP", 1, 1, 0, nil, nil)))
	require.NoError(t, m.ProcessDelta(fetchCtx, delta("BTC-USDT-PERP", 2, 2, 0, nil, nil)))
	err := m.ProcessDelta(fetchCtx, delta("BTC-USDT-PERP", 3, 3, 0, nil, nil))
	require.Error(t, err, "exceeding the buffer limit restarts the sync")
}

func TestMaintainerUntrackedSymbol(t *testing.T) {
	ctx := context.Background()
	m := NewMaintainer(types.Binance, testOrderbookConfig(), nil, nil, zerolog.Nop())
	defer m.Close()

	assert.Error(t, m.ProcessDelta(ctx, delta("ETH-USDT", 1, 1, 0, nil, nil)))
	assert.Error(t, m.ProcessSnapshot(ctx, &types.OrderbookSnapshot{
		Envelope: types.Envelope{Symbol: "ETH-USDT"},
	}))
}
