package deribit

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/marketprism/marketprism/internal/exchange"
	"github.com/marketprism/marketprism/internal/types"
)

const (
	wsURL = "wss://www.deribit.com/ws/api/v2"

	// JSON-RPC request ids. Responses echo these, which is how frames are
	// classified without per-request bookkeeping.
	subscribeID = 1
	pingID      = 9999
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Endpoint implements the Deribit JSON-RPC-over-WebSocket protocol. Only the
// volatility index feed is consumed; the channel name embeds the index.
type Endpoint struct{}

func New() *Endpoint { return &Endpoint{} }

func (e *Endpoint) Exchange() types.Exchange { return types.Deribit }

func (e *Endpoint) URL(types.MarketType, types.DataType, []string) (string, error) {
	return wsURL, nil
}

func (e *Endpoint) SubscribeFrames(_ types.MarketType, dataType types.DataType, symbols []string) ([][]byte, error) {
	if dataType != types.DataTypeVolatilityIndex {
		return nil, fmt.Errorf("deribit has no channel for %s", dataType)
	}
	channelNames := make([]string, 0, len(symbols))
	for _, s := range symbols {
		// symbols arrive as index names, e.g. btc_usd
		channelNames = append(channelNames, "deribit_volatility_index."+s)
	}
	frame, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      subscribeID,
		Method:  "public/subscribe",
		Params:  map[string][]string{"channels": channelNames},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (e *Endpoint) ExpectsAck() bool { return true }

// PingFrame is a public/test call. The response echoes pingID and doubles as
// the liveness signal, so server-side heartbeats are never enabled.
func (e *Endpoint) PingFrame() ([]byte, bool) {
	frame, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: pingID, Method: "public/test"})
	if err != nil {
		return nil, false
	}
	return frame, true
}

func (e *Endpoint) Handle(raw []byte) (exchange.Inbound, error) {
	var frame struct {
		ID     int64           `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int64  `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return exchange.Inbound{}, fmt.Errorf("deribit frame: %w", err)
	}

	if frame.Error != nil {
		return exchange.Inbound{}, fmt.Errorf("%w: deribit error %d: %s",
			exchange.ErrProtocolFatal, frame.Error.Code, frame.Error.Message)
	}

	switch {
	case frame.Method == "subscription":
		// The notification wrapper carries the channel, which the normalizer
		// needs, so the whole frame is the payload.
		return exchange.Inbound{Kind: exchange.InboundData, Payload: raw}, nil
	case frame.ID == pingID:
		return exchange.Inbound{Kind: exchange.InboundPong}, nil
	case frame.ID == subscribeID:
		return exchange.Inbound{Kind: exchange.InboundAck}, nil
	}
	return exchange.Inbound{Kind: exchange.InboundIgnore}, nil
}
