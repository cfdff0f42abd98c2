package normalizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketprism/marketprism/internal/types"
)

func TestBinanceTrade(t *testing.T) {
	n := New(nil)

	raw := []byte(`{"e":"trade","E":1700000000123,"s":"BTCUSDT","t":12345,"p":"61000.5","q":"0.25","T":1700000000120,"m":true}`)
	rec := normalizeOne(t, n, types.Binance, types.Spot, types.DataTypeTrade, raw)

	trade, ok := rec.(*types.Trade)
	require.True(t, ok)
	assert.Equal(t, types.Binance, trade.Exchange)
	assert.Equal(t, "BTC-USDT", trade.Symbol)
	assert.Equal(t, "12345", trade.TradeID)
	assert.Equal(t, "61000.5", trade.Price.String())
	assert.Equal(t, "0.25", trade.Quantity.String())
	assert.Equal(t, types.SideSell, trade.Side, "buyer maker means the seller was the aggressor")
	assert.True(t, trade.IsMaker)
	assert.Equal(t, int64(1700000000120), trade.TradeTimeMS)

	// buyer was the taker
	raw = []byte(`{"e":"trade","E":1700000000123,"s":"BTCUSDT","t":12346,"p":"61000.5","q":"0.25","T":1700000000,"m":false}`)
	rec = normalizeOne(t, n, types.Binance, types.Spot, types.DataTypeTrade, raw)
	trade = rec.(*types.Trade)
	assert.Equal(t, types.SideBuy, trade.Side)
	assert.Equal(t, int64(1700000000000), trade.TradeTimeMS, "second precision padded to milliseconds")
}

func TestBinanceTradeRejectsBadPayloads(t *testing.T) {
	n := New(nil)

	_, err := n.Normalize(types.Binance, types.Spot, types.DataTypeTrade, []byte(`{"e":"trade","T":1700000000120}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = n.Normalize(types.Binance, types.Spot, types.DataTypeTrade,
		[]byte(`{"e":"trade","s":"BTCUSDT","T":1700000000120,"p":"not-a-number","q":"1"}`))
	assert.ErrorIs(t, err, ErrPrecisionLoss)
}

func TestBinanceDepthDelta(t *testing.T) {
	n := New(nil)

	raw := []byte(`{"e":"depthUpdate","E":1700000000500,"s":"BTCUSDT","U":100,"u":105,"pu":99,` +
		`"b":[["61000.5","1.5"],["61000.0","0"]],"a":[["61001.0","2.0"]]}`)
	rec := normalizeOne(t, n, types.Binance, types.Perpetual, types.DataTypeOrderbook, raw)

	delta, ok := rec.(*types.OrderbookDelta)
	require.True(t, ok)
	assert.Equal(t, "BTC-USDT-PERP", delta.Symbol)
	assert.Equal(t, int64(100), delta.FirstUpdateID)
	assert.Equal(t, int64(105), delta.LastUpdateID)
	assert.Equal(t, int64(99), delta.PrevUpdateID)
	require.Len(t, delta.BidChanges, 2)
	assert.True(t, delta.BidChanges[1].Quantity.IsZero(), "zero quantity levels survive as removals")
	require.Len(t, delta.AskChanges, 1)

	// spot streams carry no pu field
	raw = []byte(`{"e":"depthUpdate","E":1700000000500,"s":"ETHUSDT","U":200,"u":210,"b":[],"a":[]}`)
	rec = normalizeOne(t, n, types.Binance, types.Spot, types.DataTypeOrderbook, raw)
	assert.Zero(t, rec.(*types.OrderbookDelta).PrevUpdateID)
}

func TestBinanceFunding(t *testing.T) {
	n := New(nil)

	raw := []byte(`{"e":"markPriceUpdate","E":1700000000000,"s":"BTCUSDT","p":"61002.1","i":"61001.8","r":"0.0001","T":1700028800000}`)
	rec := normalizeOne(t, n, types.Binance, types.Perpetual, types.DataTypeFundingRate, raw)

	fr, ok := rec.(*types.FundingRate)
	require.True(t, ok)
	assert.Equal(t, "0.0001", fr.FundingRate.String())
	assert.Equal(t, int64(1700000000000), fr.FundingTimeMS)
	assert.Equal(t, int64(1700028800000), fr.NextFundingTimeMS)
	require.NotNil(t, fr.MarkPrice)
	assert.Equal(t, "61002.1", fr.MarkPrice.String())
	require.NotNil(t, fr.IndexPrice)

	// mark and index prices are optional
	raw = []byte(`{"e":"markPriceUpdate","E":1700000000000,"s":"BTCUSDT","r":"-0.00005","T":0}`)
	rec = normalizeOne(t, n, types.Binance, types.Perpetual, types.DataTypeFundingRate, raw)
	fr = rec.(*types.FundingRate)
	assert.Nil(t, fr.MarkPrice)
	assert.Nil(t, fr.IndexPrice)
	assert.Equal(t, "-0.00005", fr.FundingRate.String())
}

func TestBinanceLiquidation(t *testing.T) {
	n := New(nil)

	raw := []byte(`{"e":"forceOrder","E":1700000001000,"o":{"s":"BTCUSDT","S":"SELL","q":"0.014","p":"61050.1","ap":"61049.7","T":1700000000900}}`)
	rec := normalizeOne(t, n, types.Binance, types.Perpetual, types.DataTypeLiquidation, raw)

	liq, ok := rec.(*types.Liquidation)
	require.True(t, ok)
	assert.Equal(t, types.SideSell, liq.Side)
	assert.Equal(t, "61049.7", liq.Price.String(), "average price preferred over order price")
	assert.Equal(t, "0.014", liq.Quantity.String())
	assert.Equal(t, int64(1700000000900), liq.LiquidationTimeMS)

	// no average price falls back to the order price
	raw = []byte(`{"e":"forceOrder","E":1700000001000,"o":{"s":"BTCUSDT","S":"BUY","q":"1","p":"61050.1","T":1700000000900}}`)
	rec = normalizeOne(t, n, types.Binance, types.Perpetual, types.DataTypeLiquidation, raw)
	assert.Equal(t, "61050.1", rec.(*types.Liquidation).Price.String())
}

func TestBinanceDepthSnapshot(t *testing.T) {
	n := New(nil)

	raw := []byte(`{"lastUpdateId":1027024,"E":1700000000000,"T":1699999999990,` +
		`"bids":[["61000.5","1.5"],["61000.0","3.0"]],"asks":[["61001.0","2.0"]]}`)
	snap, err := n.NormalizeBinanceDepthSnapshot(types.Perpetual, "BTCUSDT", raw)
	require.NoError(t, err)

	assert.Equal(t, "BTC-USDT-PERP", snap.Symbol)
	assert.Equal(t, int64(1027024), snap.LastUpdateID)
	assert.Equal(t, 2, snap.DepthLevels)
	assert.Equal(t, "61000.5", snap.BestBidPrice.String())
	assert.Equal(t, "61001.0", snap.BestAskPrice.String())

	_, err = n.NormalizeBinanceDepthSnapshot(types.Perpetual, "BTCUSDT", []byte(`{"bids":[],"asks":[]}`))
	assert.ErrorIs(t, err, ErrInvalidPayload, "missing lastUpdateId")
}

func TestBinanceOpenInterest(t *testing.T) {
	n := New(nil)

	raw := []byte(`{"symbol":"BTCUSDT","sumOpenInterest":"20403.63","sumOpenInterestValue":"1244563129.14","timestamp":1700000000000}`)
	oi, err := n.NormalizeBinanceOpenInterest(types.Perpetual, raw)
	require.NoError(t, err)

	assert.Equal(t, "BTC-USDT-PERP", oi.Symbol)
	assert.Equal(t, "20403.63", oi.OpenInterest.String())
	assert.Equal(t, "1244563129.14", oi.OpenInterestValue.String())
	assert.Equal(t, int64(1700000000000), oi.TimestampMS)
}

func TestBinanceLongShortRatios(t *testing.T) {
	n := New(nil)

	raw := []byte(`{"symbol":"BTCUSDT","longShortRatio":"1.8105","longAccount":"0.6442","shortAccount":"0.3558","timestamp":1700000000000}`)

	top, err := n.NormalizeBinanceLSRTop(types.Perpetual, "5m", raw)
	require.NoError(t, err)
	assert.Equal(t, "0.6442", top.LongPositionRatio.String())
	assert.Equal(t, "0.3558", top.ShortPositionRatio.String())
	assert.Equal(t, "5m", top.Period)

	all, err := n.NormalizeBinanceLSRAll(types.Perpetual, "5m", raw)
	require.NoError(t, err)
	assert.Equal(t, "0.6442", all.LongAccountRatio.String())
	assert.Equal(t, "BTC-USDT-PERP", all.Symbol)
}
