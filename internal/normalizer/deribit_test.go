package normalizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketprism/marketprism/internal/types"
)

func TestDeribitVolatilityIndex(t *testing.T) {
	n := New(nil)

	raw := []byte(`{"jsonrpc":"2.0","method":"subscription","params":` +
		`{"channel":"deribit_volatility_index.btc_usd",` +
		`"data":{"timestamp":1700000000123,"index_name":"btc_usd","volatility":48.97}}}`)
	rec := normalizeOne(t, n, types.Deribit, types.Options, types.DataTypeVolatilityIndex, raw)

	vi, ok := rec.(*types.VolatilityIndex)
	require.True(t, ok)
	assert.Equal(t, types.Deribit, vi.Exchange)
	assert.Equal(t, "BTC-USD", vi.Symbol)
	assert.Equal(t, "48.97", vi.IndexValue.String())
	assert.Equal(t, "BTC", vi.UnderlyingAsset)
	assert.Equal(t, int64(1700000000123), vi.TimestampMS)
}

func TestDeribitRejectsBadPayloads(t *testing.T) {
	n := New(nil)

	_, err := n.Normalize(types.Deribit, types.Options, types.DataTypeTrade, []byte(`{}`))
	assert.ErrorIs(t, err, ErrInvalidPayload, "only the volatility index is streamed")

	_, err = n.Normalize(types.Deribit, types.Options, types.DataTypeVolatilityIndex,
		[]byte(`{"jsonrpc":"2.0","method":"heartbeat","params":{}}`))
	assert.ErrorIs(t, err, ErrInvalidPayload, "notification without data")

	_, err = n.Normalize(types.Deribit, types.Options, types.DataTypeVolatilityIndex,
		[]byte(`{"method":"subscription","params":{"channel":"deribit_volatility_index.btc_usd",`+
			`"data":{"volatility":48.97}}}`))
	assert.ErrorIs(t, err, ErrInvalidPayload, "missing index name and timestamp")
}
