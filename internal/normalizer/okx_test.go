package normalizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketprism/marketprism/internal/types"
)

func TestOKXTrade(t *testing.T) {
	n := New(nil)

	raw := []byte(`{"arg":{"channel":"trades","instId":"BTC-USDT-SWAP"},` +
		`"data":[{"instId":"BTC-USDT-SWAP","tradeId":"130639474","px":"42219.9","sz":"0.12060306","side":"buy","ts":"1700000000123"}]}`)
	rec := normalizeOne(t, n, types.OKX, types.Perpetual, types.DataTypeTrade, raw)

	trade, ok := rec.(*types.Trade)
	require.True(t, ok)
	assert.Equal(t, types.OKX, trade.Exchange)
	assert.Equal(t, "BTC-USDT-PERP", trade.Symbol)
	assert.Equal(t, "130639474", trade.TradeID)
	assert.Equal(t, "42219.9", trade.Price.String())
	assert.Equal(t, types.SideBuy, trade.Side)
	assert.Equal(t, int64(1700000000123), trade.TradeTimeMS)

	_, err := n.Normalize(types.OKX, types.Perpetual, types.DataTypeTrade,
		[]byte(`{"arg":{"channel":"trades","instId":"BTC-USDT-SWAP"}}`))
	assert.ErrorIs(t, err, ErrInvalidPayload, "missing data array")
}

func TestOKXTradeBatch(t *testing.T) {
	n := New(nil)

	raw := []byte(`{"arg":{"channel":"trades","instId":"BTC-USDT-SWAP"},` +
		`"data":[{"instId":"BTC-USDT-SWAP","tradeId":"1","px":"42219.9","sz":"0.1","side":"buy","ts":"1700000000123"},` +
		`{"instId":"BTC-USDT-SWAP","tradeId":"2","px":"42220.0","sz":"0.2","side":"sell","ts":"1700000000124"}]}`)
	recs, err := n.Normalize(types.OKX, types.Perpetual, types.DataTypeTrade, raw)
	require.NoError(t, err)
	require.Len(t, recs, 2, "one record per batched trade")

	assert.Equal(t, "1", recs[0].(*types.Trade).TradeID)
	second := recs[1].(*types.Trade)
	assert.Equal(t, "2", second.TradeID)
	assert.Equal(t, types.SideSell, second.Side)
	assert.Equal(t, "42220", second.Price.String())
}

func TestOKXBookSnapshot(t *testing.T) {
	n := New(nil)

	raw := []byte(`{"arg":{"channel":"books","instId":"BTC-USDT-SWAP"},"action":"snapshot",` +
		`"data":[{"asks":[["42221.1","2.3","0","4"]],"bids":[["42220.5","1.1","0","2"],["42220.0","5","0","1"]],` +
		`"ts":"1700000000123","checksum":-855196043,"seqId":123456}]}`)
	rec := normalizeOne(t, n, types.OKX, types.Perpetual, types.DataTypeOrderbook, raw)

	snap, ok := rec.(*types.OrderbookSnapshot)
	require.True(t, ok)
	assert.Equal(t, int64(123456), snap.LastUpdateID)
	require.NotNil(t, snap.Checksum)
	assert.Equal(t, int64(-855196043), *snap.Checksum)
	assert.Equal(t, 2, snap.DepthLevels)
	assert.Equal(t, "42220.5", snap.BestBidPrice.String())
	assert.Equal(t, "42221.1", snap.BestAskPrice.String())
}

func TestOKXBookUpdate(t *testing.T) {
	n := New(nil)

	raw := []byte(`{"arg":{"channel":"books","instId":"BTC-USDT-SWAP"},"action":"update",` +
		`"data":[{"asks":[["42221.1","0","0","0"]],"bids":[],"ts":"1700000000500","checksum":77,"seqId":123457,"prevSeqId":123456}]}`)
	rec := normalizeOne(t, n, types.OKX, types.Perpetual, types.DataTypeOrderbook, raw)

	delta, ok := rec.(*types.OrderbookDelta)
	require.True(t, ok)
	assert.Equal(t, int64(123457), delta.FirstUpdateID)
	assert.Equal(t, int64(123457), delta.LastUpdateID)
	assert.Equal(t, int64(123456), delta.PrevUpdateID)
	require.NotNil(t, delta.Checksum, "update frames carry the post-apply checksum")
	assert.Equal(t, int64(77), *delta.Checksum)
	require.Len(t, delta.AskChanges, 1)
	assert.True(t, delta.AskChanges[0].Quantity.IsZero())
	assert.Equal(t, "42221.1", delta.AskChanges[0].PriceRaw)
	assert.Equal(t, "0", delta.AskChanges[0].QuantityRaw)
	assert.Empty(t, delta.BidChanges)
}

func TestOKXFunding(t *testing.T) {
	n := New(nil)

	raw := []byte(`{"arg":{"channel":"funding-rate","instId":"BTC-USDT-SWAP"},` +
		`"data":[{"instId":"BTC-USDT-SWAP","fundingRate":"0.0001875","fundingTime":"1700006400000","nextFundingTime":"1700035200000","ts":"1700000000123"}]}`)
	rec := normalizeOne(t, n, types.OKX, types.Perpetual, types.DataTypeFundingRate, raw)

	fr := rec.(*types.FundingRate)
	assert.Equal(t, "0.0001875", fr.FundingRate.String())
	assert.Equal(t, int64(1700006400000), fr.FundingTimeMS)
	assert.Equal(t, int64(1700035200000), fr.NextFundingTimeMS)
	assert.Equal(t, int64(1700000000123), fr.TimestampMS,
		"record time is the push time, not the upcoming settlement")

	// nextFundingTime is sometimes absent
	raw = []byte(`{"arg":{"channel":"funding-rate","instId":"BTC-USDT-SWAP"},` +
		`"data":[{"instId":"BTC-USDT-SWAP","fundingRate":"0.0001875","fundingTime":"1700006400000"}]}`)
	rec = normalizeOne(t, n, types.OKX, types.Perpetual, types.DataTypeFundingRate, raw)
	assert.Zero(t, rec.(*types.FundingRate).NextFundingTimeMS)
}

func TestOKXOpenInterest(t *testing.T) {
	n := New(nil)

	raw := []byte(`{"arg":{"channel":"open-interest","instId":"BTC-USDT-SWAP"},` +
		`"data":[{"instId":"BTC-USDT-SWAP","oi":"5000","oiCcy":"555.55","oiUsd":"211099500","ts":"1700000000123"}]}`)
	rec := normalizeOne(t, n, types.OKX, types.Perpetual, types.DataTypeOpenInterest, raw)

	oi := rec.(*types.OpenInterest)
	assert.Equal(t, "5000", oi.OpenInterest.String())
	assert.Equal(t, "211099500", oi.OpenInterestValue.String(), "USD value preferred")

	// no oiUsd falls back to oiCcy
	raw = []byte(`{"arg":{"channel":"open-interest","instId":"BTC-USDT-SWAP"},` +
		`"data":[{"instId":"BTC-USDT-SWAP","oi":"5000","oiCcy":"555.55","ts":"1700000000123"}]}`)
	rec = normalizeOne(t, n, types.OKX, types.Perpetual, types.DataTypeOpenInterest, raw)
	assert.Equal(t, "555.55", rec.(*types.OpenInterest).OpenInterestValue.String())
}

func TestOKXLiquidation(t *testing.T) {
	n := New(nil)

	raw := []byte(`{"arg":{"channel":"liquidation-orders","instId":"SWAP"},` +
		`"data":[{"instId":"BTC-USDT-SWAP","details":[{"side":"sell","bkPx":"42100.2","sz":"0.5","ts":"1700000000123"}]}]}`)
	rec := normalizeOne(t, n, types.OKX, types.Perpetual, types.DataTypeLiquidation, raw)

	liq := rec.(*types.Liquidation)
	assert.Equal(t, "BTC-USDT-PERP", liq.Symbol)
	assert.Equal(t, types.SideSell, liq.Side)
	assert.Equal(t, "42100.2", liq.Price.String())
	assert.Equal(t, int64(1700000000123), liq.LiquidationTimeMS)

	raw = []byte(`{"arg":{"channel":"liquidation-orders","instId":"SWAP"},` +
		`"data":[{"instId":"BTC-USDT-SWAP","details":[]}]}`)
	_, err := n.Normalize(types.OKX, types.Perpetual, types.DataTypeLiquidation, raw)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestOKXLiquidationBatch(t *testing.T) {
	n := New(nil)

	// two instruments, one of them with two details
	raw := []byte(`{"arg":{"channel":"liquidation-orders","instId":"SWAP"},` +
		`"data":[{"instId":"BTC-USDT-SWAP","details":[` +
		`{"side":"sell","bkPx":"42100.2","sz":"0.5","ts":"1700000000123"},` +
		`{"side":"buy","bkPx":"42101.0","sz":"0.3","ts":"1700000000124"}]},` +
		`{"instId":"ETH-USDT-SWAP","details":[{"side":"sell","bkPx":"2210.5","sz":"4","ts":"1700000000125"}]}]}`)
	recs, err := n.Normalize(types.OKX, types.Perpetual, types.DataTypeLiquidation, raw)
	require.NoError(t, err)
	require.Len(t, recs, 3, "every detail of every instrument is kept")

	assert.Equal(t, types.SideBuy, recs[1].(*types.Liquidation).Side)
	last := recs[2].(*types.Liquidation)
	assert.Equal(t, "ETH-USDT-PERP", last.Symbol)
	assert.Equal(t, "2210.5", last.Price.String())
}
