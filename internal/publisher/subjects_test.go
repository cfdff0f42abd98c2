package publisher

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/marketprism/marketprism/internal/types"
)

func TestSubject(t *testing.T) {
	env := types.Envelope{Exchange: types.Binance, Symbol: "BTC-USDT-PERP"}

	assert.Equal(t, "trade.binance.btc-usdt-perp",
		Subject(&types.Trade{Envelope: env}))
	assert.Equal(t, "funding_rate.binance.btc-usdt-perp",
		Subject(&types.FundingRate{Envelope: env}), "data type token keeps its underscore")
	assert.Equal(t, "orderbook.full.binance.btc-usdt-perp",
		Subject(&types.OrderbookSnapshot{Envelope: env}))
	assert.Equal(t, "orderbook.delta.binance.btc-usdt-perp",
		Subject(&types.OrderbookDelta{Envelope: env}))
	assert.Equal(t, "volatility_index.deribit.btc-usd",
		Subject(&types.VolatilityIndex{Envelope: types.Envelope{Exchange: types.Deribit, Symbol: "BTC-USD"}}))
}

func TestOrderbookSubject(t *testing.T) {
	env := &types.Envelope{Exchange: types.OKX, Symbol: "BTC-USDT-PERP"}
	assert.Equal(t, "orderbook.snapshot.okx.btc-usdt-perp", OrderbookSubject(RootOrderbookSnapshot, env))
	assert.Equal(t, "orderbook.pure_delta.okx.btc-usdt-perp", OrderbookSubject(RootOrderbookPureDelta, env))
}

func TestSubjectRoot(t *testing.T) {
	assert.Equal(t, "trade", SubjectRoot("trade.binance.btc-usdt"))
	assert.Equal(t, "orderbook", SubjectRoot("orderbook.full.binance.btc-usdt"))
	assert.Equal(t, "trade", SubjectRoot("trade"))
}
