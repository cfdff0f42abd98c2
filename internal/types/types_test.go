package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeValidate(t *testing.T) {
	now := NowMS()

	env := Envelope{Exchange: Binance, MarketType: Spot, Symbol: "BTC-USDT", TimestampMS: now, DataSource: DataSource}
	require.NoError(t, env.Validate(now))

	t.Run("missing exchange", func(t *testing.T) {
		e := env
		e.Exchange = ""
		assert.Error(t, e.Validate(now))
	})

	t.Run("negative timestamp", func(t *testing.T) {
		e := env
		e.TimestampMS = -1
		assert.Error(t, e.Validate(now))
	})

	t.Run("within skew tolerance", func(t *testing.T) {
		e := env
		e.TimestampMS = now + ClockSkewToleranceMS - 1
		assert.NoError(t, e.Validate(now))
	})

	t.Run("beyond skew tolerance", func(t *testing.T) {
		e := env
		e.TimestampMS = now + ClockSkewToleranceMS + 1
		assert.Error(t, e.Validate(now))
	})
}

func TestDedupKeys(t *testing.T) {
	env := Envelope{Exchange: Binance, MarketType: Perpetual, Symbol: "BTC-USDT-PERP", TimestampMS: 1700000000123}

	trade := &Trade{Envelope: env, TradeID: "42"}
	assert.Equal(t, "42:binance:BTC-USDT-PERP", trade.DedupKey())

	snap := &OrderbookSnapshot{Envelope: env, LastUpdateID: 99}
	assert.Equal(t, "binance:BTC-USDT-PERP:1700000000123:99", snap.DedupKey())

	fr := &FundingRate{Envelope: env, FundingTimeMS: 1700000000123}
	assert.Equal(t, "binance:BTC-USDT-PERP:1700000000123", fr.DedupKey())

	liq := &Liquidation{Envelope: env, Side: SideSell, Price: decimal.RequireFromString("61000.5")}
	assert.Equal(t, "binance:BTC-USDT-PERP:1700000000123:sell:61000.5", liq.DedupKey())

	lsr := &LSRTopPosition{Envelope: env, Period: "5m"}
	assert.Equal(t, "binance:BTC-USDT-PERP:5m:1700000000123", lsr.DedupKey())
}

func TestToTime(t *testing.T) {
	ts := ToTime(1700000000123)
	assert.Equal(t, time.UTC, ts.Location())
	assert.Equal(t, int64(1700000000123), ts.UnixMilli())
}
