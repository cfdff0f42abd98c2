package normalizer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/marketprism/marketprism/internal/types"
)

// Normalization failure classes. Callers branch with errors.Is.
var (
	ErrInvalidPayload = errors.New("invalid payload")
	ErrUnknownSymbol  = errors.New("unknown symbol")
	ErrPrecisionLoss  = errors.New("precision loss")
)

// Normalizer converts exchange-specific payloads into canonical records.
// It is stateless apart from the symbol registry.
type Normalizer struct {
	registry *SymbolRegistry
}

// New creates a normalizer backed by the given symbol registry.
func New(registry *SymbolRegistry) *Normalizer {
	if registry == nil {
		registry = NewSymbolRegistry()
	}
	return &Normalizer{registry: registry}
}

// Registry returns the symbol registry used for canonical mapping.
func (n *Normalizer) Registry() *SymbolRegistry { return n.registry }

// Normalize parses a raw WebSocket payload for the given exchange and data
// type into canonical records. Venues that batch several entries per push
// yield one record each; orderbook payloads yield either an
// *types.OrderbookDelta or an *types.OrderbookSnapshot depending on the
// venue's stream shape. Every record is envelope-validated before it is
// returned.
func (n *Normalizer) Normalize(exchange types.Exchange, marketType types.MarketType, dataType types.DataType, raw []byte) ([]types.Record, error) {
	var (
		recs []types.Record
		err  error
	)
	switch exchange {
	case types.Binance:
		recs, err = single(n.normalizeBinance(marketType, dataType, raw))
	case types.OKX:
		recs, err = n.normalizeOKX(marketType, dataType, raw)
	case types.Deribit:
		recs, err = single(n.normalizeDeribit(marketType, dataType, raw))
	default:
		return nil, fmt.Errorf("%w: unsupported exchange %q", ErrInvalidPayload, exchange)
	}
	if err != nil {
		return nil, err
	}
	return recs, validate(recs...)
}

func single(rec types.Record, err error) ([]types.Record, error) {
	if err != nil {
		return nil, err
	}
	return []types.Record{rec}, nil
}

// validate enforces the shared envelope invariants on the way out of
// normalization, so malformed timestamps never reach the bus.
func validate(recs ...types.Record) error {
	now := types.NowMS()
	for _, rec := range recs {
		if err := rec.Env().Validate(now); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	return nil
}

// CanonicalSymbol maps an exchange-native symbol to the canonical hyphen
// form: BASE-QUOTE for spot/options, BASE-QUOTE-PERP for perpetuals.
func CanonicalSymbol(native string, marketType types.MarketType) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(native))
	if s == "" {
		return "", fmt.Errorf("%w: empty symbol", ErrUnknownSymbol)
	}
	for _, sep := range []string{"-", "_", "/"} {
		s = strings.ReplaceAll(s, sep, "")
	}
	for _, suffix := range []string{"SWAP", "PERP"} {
		s = strings.TrimSuffix(s, suffix)
	}

	for _, quote := range []string{"USDT", "USDC", "BUSD", "USD", "BTC", "ETH"} {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			base := strings.TrimSuffix(s, quote)
			if marketType == types.Perpetual {
				return base + "-" + quote + "-PERP", nil
			}
			return base + "-" + quote, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownSymbol, native)
}

// envelope builds the shared fields for a record. tsMS has already been
// normalized to milliseconds.
func envelope(exchange types.Exchange, marketType types.MarketType, symbol string, tsMS int64) types.Envelope {
	return types.Envelope{
		Exchange:    exchange,
		MarketType:  marketType,
		Symbol:      symbol,
		TimestampMS: tsMS,
		DataSource:  types.DataSource,
	}
}

// toMillis normalizes an exchange timestamp to UTC milliseconds, padding
// second-precision values.
func toMillis(ts int64) int64 {
	if ts > 0 && ts < 10_000_000_000 {
		return ts * 1000
	}
	return ts
}

// parseDecimal parses a required decimal field. An empty string is a
// payload error, an unparseable one a precision error.
func parseDecimal(s, field string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: missing %s", ErrInvalidPayload, field)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s=%q", ErrPrecisionLoss, field, s)
	}
	return d, nil
}

// parseOptionalDecimal parses an optional decimal field. An empty string
// yields nil.
func parseOptionalDecimal(s, field string) (*decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s=%q", ErrPrecisionLoss, field, s)
	}
	return &d, nil
}

// parseLevels parses [[price, qty], ...] arrays into price levels, keeping
// zero-quantity entries so delta consumers see removals.
func parseLevels(raw [][]string, field string) ([]types.PriceLevel, error) {
	levels := make([]types.PriceLevel, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			return nil, fmt.Errorf("%w: short %s entry", ErrInvalidPayload, field)
		}
		price, err := parseDecimal(entry[0], field+".price")
		if err != nil {
			return nil, err
		}
		qty, err := parseDecimal(entry[1], field+".quantity")
		if err != nil {
			return nil, err
		}
		levels = append(levels, types.PriceLevel{
			Price:       price,
			Quantity:    qty,
			PriceRaw:    entry[0],
			QuantityRaw: entry[1],
		})
	}
	return levels, nil
}
