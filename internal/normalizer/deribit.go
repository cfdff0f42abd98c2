package normalizer

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/marketprism/marketprism/internal/types"
)

// deribitNotification is the JSON-RPC subscription push wrapper.
type deribitNotification struct {
	Method string `json:"method"`
	Params struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	} `json:"params"`
}

type deribitVolatilityIndex struct {
	Timestamp  int64       `json:"timestamp"`
	IndexName  string      `json:"index_name"`
	Volatility json.Number `json:"volatility"`
}

func (n *Normalizer) normalizeDeribit(marketType types.MarketType, dataType types.DataType, raw []byte) (types.Record, error) {
	if dataType != types.DataTypeVolatilityIndex {
		return nil, fmt.Errorf("%w: deribit does not stream %s", ErrInvalidPayload, dataType)
	}

	var note deribitNotification
	if err := json.Unmarshal(raw, &note); err != nil {
		return nil, fmt.Errorf("%w: deribit notification: %v", ErrInvalidPayload, err)
	}
	if len(note.Params.Data) == 0 {
		return nil, fmt.Errorf("%w: deribit notification without data", ErrInvalidPayload)
	}

	var vol deribitVolatilityIndex
	if err := json.Unmarshal(note.Params.Data, &vol); err != nil {
		return nil, fmt.Errorf("%w: deribit volatility index: %v", ErrInvalidPayload, err)
	}
	if vol.IndexName == "" || vol.Timestamp == 0 {
		return nil, fmt.Errorf("%w: deribit volatility index missing name or time", ErrInvalidPayload)
	}

	// index_name is e.g. "btc_usd"; the canonical symbol is BTC-USD.
	symbol, err := n.registry.ToCanonical(types.Deribit, vol.IndexName, marketType)
	if err != nil {
		return nil, err
	}
	value, err := parseDecimal(vol.Volatility.String(), "index_value")
	if err != nil {
		return nil, err
	}

	underlying := strings.ToUpper(strings.SplitN(vol.IndexName, "_", 2)[0])
	return &types.VolatilityIndex{
		Envelope:        envelope(types.Deribit, marketType, symbol, toMillis(vol.Timestamp)),
		IndexValue:      value,
		UnderlyingAsset: underlying,
	}, nil
}
