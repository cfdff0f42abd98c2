package deribit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketprism/marketprism/internal/exchange"
	"github.com/marketprism/marketprism/internal/types"
)

func TestSubscribeFrames(t *testing.T) {
	e := New()

	frames, err := e.SubscribeFrames(types.Options, types.DataTypeVolatilityIndex, []string{"btc_usd", "eth_usd"})
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"method":"public/subscribe","params":`+
		`{"channels":["deribit_volatility_index.btc_usd","deribit_volatility_index.eth_usd"]}}`,
		string(frames[0]))
	assert.True(t, e.ExpectsAck())

	_, err = e.SubscribeFrames(types.Options, types.DataTypeTrade, []string{"btc_usd"})
	assert.Error(t, err)
}

func TestPingFrame(t *testing.T) {
	frame, ok := New().PingFrame()
	require.True(t, ok)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":9999,"method":"public/test"}`, string(frame))
}

func TestHandle(t *testing.T) {
	e := New()

	// subscription pushes keep the whole frame so the channel name survives
	raw := []byte(`{"jsonrpc":"2.0","method":"subscription","params":` +
		`{"channel":"deribit_volatility_index.btc_usd","data":{"timestamp":1,"index_name":"btc_usd","volatility":48.9}}}`)
	in, err := e.Handle(raw)
	require.NoError(t, err)
	assert.Equal(t, exchange.InboundData, in.Kind)
	assert.Equal(t, raw, in.Payload)

	in, err = e.Handle([]byte(`{"jsonrpc":"2.0","id":9999,"result":{"version":"1.2.26"}}`))
	require.NoError(t, err)
	assert.Equal(t, exchange.InboundPong, in.Kind)

	in, err = e.Handle([]byte(`{"jsonrpc":"2.0","id":1,"result":["deribit_volatility_index.btc_usd"]}`))
	require.NoError(t, err)
	assert.Equal(t, exchange.InboundAck, in.Kind)

	_, err = e.Handle([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":11050,"message":"bad_request"}}`))
	assert.ErrorIs(t, err, exchange.ErrProtocolFatal)

	in, err = e.Handle([]byte(`{"jsonrpc":"2.0","id":42,"result":"ok"}`))
	require.NoError(t, err)
	assert.Equal(t, exchange.InboundIgnore, in.Kind)
}
