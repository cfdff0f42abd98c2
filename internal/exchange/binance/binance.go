package binance

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/marketprism/marketprism/internal/exchange"
	"github.com/marketprism/marketprism/internal/types"
)

const (
	spotStreamBaseURL    = "wss://stream.binance.com:9443"
	futuresStreamBaseURL = "wss://fstream.binance.com"
)

// streamSuffixes maps data types onto Binance stream names.
var streamSuffixes = map[types.DataType]string{
	types.DataTypeTrade:       "@trade",
	types.DataTypeOrderbook:   "@depth@100ms",
	types.DataTypeFundingRate: "@markPrice",
	types.DataTypeLiquidation: "@forceOrder",
}

// Endpoint implements the Binance combined-stream protocol. The URL
// carries the subscription; no subscribe frames are exchanged.
type Endpoint struct{}

// New creates the Binance endpoint strategy.
func New() *Endpoint { return &Endpoint{} }

func (e *Endpoint) Exchange() types.Exchange { return types.Binance }

func (e *Endpoint) URL(marketType types.MarketType, dataType types.DataType, symbols []string) (string, error) {
	suffix, ok := streamSuffixes[dataType]
	if !ok {
		return "", fmt.Errorf("binance has no stream for %s", dataType)
	}
	if dataType == types.DataTypeLiquidation && marketType == types.Spot {
		return "", fmt.Errorf("binance spot has no liquidation stream")
	}
	base := spotStreamBaseURL
	if marketType == types.Perpetual {
		base = futuresStreamBaseURL
	}

	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(s)+suffix)
	}
	return fmt.Sprintf("%s/stream?streams=%s", base, strings.Join(streams, "/")), nil
}

func (e *Endpoint) SubscribeFrames(types.MarketType, types.DataType, []string) ([][]byte, error) {
	return nil, nil
}

func (e *Endpoint) ExpectsAck() bool { return false }

// PingFrame is unused: Binance drives protocol-level pings from the
// server side and gorilla answers them automatically.
func (e *Endpoint) PingFrame() ([]byte, bool) { return nil, false }

// Handle unwraps the combined-stream envelope {stream, data}.
func (e *Endpoint) Handle(raw []byte) (exchange.Inbound, error) {
	var wrapper struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
		Result json.RawMessage `json:"result"`
		ID     *int64          `json:"id"`
		Code   int             `json:"code"`
		Msg    string          `json:"msg"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return exchange.Inbound{}, fmt.Errorf("binance frame: %w", err)
	}

	switch {
	case wrapper.Code != 0:
		return exchange.Inbound{}, fmt.Errorf("%w: binance error %d: %s",
			exchange.ErrProtocolFatal, wrapper.Code, wrapper.Msg)
	case wrapper.ID != nil:
		return exchange.Inbound{Kind: exchange.InboundAck}, nil
	case len(wrapper.Data) > 0:
		return exchange.Inbound{Kind: exchange.InboundData, Payload: wrapper.Data}, nil
	default:
		return exchange.Inbound{Kind: exchange.InboundIgnore}, nil
	}
}
