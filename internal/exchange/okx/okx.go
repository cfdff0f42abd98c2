package okx

import (
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/marketprism/marketprism/internal/exchange"
	"github.com/marketprism/marketprism/internal/types"
)

const publicWSURL = "wss://ws.okx.com:8443/ws/v5/public"

// channels maps data types onto OKX channel names.
var channels = map[types.DataType]string{
	types.DataTypeTrade:        "trades",
	types.DataTypeOrderbook:    "books",
	types.DataTypeFundingRate:  "funding-rate",
	types.DataTypeOpenInterest: "open-interest",
	types.DataTypeLiquidation:  "liquidation-orders",
}

type wsArg struct {
	Channel  string `json:"channel"`
	InstID   string `json:"instId,omitempty"`
	InstType string `json:"instType,omitempty"`
}

type wsRequest struct {
	Op   string  `json:"op"`
	Args []wsArg `json:"args"`
}

// Endpoint implements the OKX v5 public WebSocket protocol: explicit
// subscribe frames with acks, and text ping/pong heartbeats.
type Endpoint struct{}

// New creates the OKX endpoint strategy.
func New() *Endpoint { return &Endpoint{} }

func (e *Endpoint) Exchange() types.Exchange { return types.OKX }

func (e *Endpoint) URL(types.MarketType, types.DataType, []string) (string, error) {
	return publicWSURL, nil
}

func (e *Endpoint) SubscribeFrames(marketType types.MarketType, dataType types.DataType, symbols []string) ([][]byte, error) {
	channel, ok := channels[dataType]
	if !ok {
		return nil, fmt.Errorf("okx has no channel for %s", dataType)
	}

	var args []wsArg
	if dataType == types.DataTypeLiquidation {
		// liquidation-orders is an instrument-type feed, not per symbol
		args = []wsArg{{Channel: channel, InstType: instType(marketType)}}
	} else {
		args = make([]wsArg, 0, len(symbols))
		for _, s := range symbols {
			args = append(args, wsArg{Channel: channel, InstID: s})
		}
	}

	frame, err := json.Marshal(wsRequest{Op: "subscribe", Args: args})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (e *Endpoint) ExpectsAck() bool { return true }

func (e *Endpoint) PingFrame() ([]byte, bool) { return []byte("ping"), true }

// Handle classifies OKX frames. Subscription rejects are protocol-fatal
// per the session contract.
func (e *Endpoint) Handle(raw []byte) (exchange.Inbound, error) {
	if bytes.Equal(raw, []byte("pong")) {
		return exchange.Inbound{Kind: exchange.InboundPong}, nil
	}

	var frame struct {
		Event string          `json:"event"`
		Code  string          `json:"code"`
		Msg   string          `json:"msg"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return exchange.Inbound{}, fmt.Errorf("okx frame: %w", err)
	}

	switch frame.Event {
	case "subscribe":
		return exchange.Inbound{Kind: exchange.InboundAck}, nil
	case "unsubscribe":
		return exchange.Inbound{Kind: exchange.InboundIgnore}, nil
	case "error":
		return exchange.Inbound{}, fmt.Errorf("%w: okx error %s: %s",
			exchange.ErrProtocolFatal, frame.Code, frame.Msg)
	}
	if len(frame.Data) > 0 {
		// Sessions classify by subscription, so the whole envelope is the
		// payload: the normalizer needs arg and action alongside data.
		return exchange.Inbound{Kind: exchange.InboundData, Payload: raw}, nil
	}
	return exchange.Inbound{Kind: exchange.InboundIgnore}, nil
}

// SubscribeOne returns a one-argument subscribe frame, used when the
// orderbook maintainer re-subscribes a single symbol after resync.
func SubscribeOne(dataType types.DataType, instID string) ([]byte, error) {
	return oneArgFrame("subscribe", dataType, instID)
}

// UnsubscribeOne returns the matching unsubscribe frame. Rebinding a live
// books subscription this way makes the venue resend a fresh snapshot.
func UnsubscribeOne(dataType types.DataType, instID string) ([]byte, error) {
	return oneArgFrame("unsubscribe", dataType, instID)
}

func oneArgFrame(op string, dataType types.DataType, instID string) ([]byte, error) {
	channel, ok := channels[dataType]
	if !ok {
		return nil, fmt.Errorf("okx has no channel for %s", dataType)
	}
	return json.Marshal(wsRequest{Op: op, Args: []wsArg{{Channel: channel, InstID: instID}}})
}

func instType(marketType types.MarketType) string {
	switch marketType {
	case types.Perpetual:
		return "SWAP"
	case types.Futures:
		return "FUTURES"
	case types.Options:
		return "OPTION"
	default:
		return "SPOT"
	}
}
