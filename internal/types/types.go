package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DataSource is stamped on every record produced by this pipeline.
const DataSource = "marketprism"

// ClockSkewToleranceMS bounds how far into the future a record timestamp
// may sit before it is rejected.
const ClockSkewToleranceMS = 300_000

// Exchange identifies a supported venue.
type Exchange string

const (
	Binance Exchange = "binance"
	OKX     Exchange = "okx"
	Deribit Exchange = "deribit"
)

// MarketType identifies the instrument class a record belongs to.
type MarketType string

const (
	Spot      MarketType = "spot"
	Perpetual MarketType = "perpetual"
	Futures   MarketType = "futures"
	Options   MarketType = "options"
)

// DataType identifies one of the eight record families the pipeline carries.
type DataType string

const (
	DataTypeTrade           DataType = "trade"
	DataTypeOrderbook       DataType = "orderbook"
	DataTypeFundingRate     DataType = "funding_rate"
	DataTypeOpenInterest    DataType = "open_interest"
	DataTypeLiquidation     DataType = "liquidation"
	DataTypeLSRTopPosition  DataType = "lsr_top_position"
	DataTypeLSRAllAccount   DataType = "lsr_all_account"
	DataTypeVolatilityIndex DataType = "volatility_index"
)

// AllDataTypes lists every record family, in stream-binding order.
var AllDataTypes = []DataType{
	DataTypeTrade,
	DataTypeOrderbook,
	DataTypeFundingRate,
	DataTypeOpenInterest,
	DataTypeLiquidation,
	DataTypeLSRTopPosition,
	DataTypeLSRAllAccount,
	DataTypeVolatilityIndex,
}

// Side is a normalized trade/liquidation side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Envelope carries the fields common to every canonical record. TimestampMS
// is the authoritative event time in UTC milliseconds.
type Envelope struct {
	Exchange    Exchange   `json:"exchange"`
	MarketType  MarketType `json:"market_type"`
	Symbol      string     `json:"symbol"`
	TimestampMS int64      `json:"ts_ms"`
	DataSource  string     `json:"data_source"`
}

// Validate checks the envelope invariants shared by all record types.
func (e *Envelope) Validate(nowMS int64) error {
	if e.Exchange == "" || e.Symbol == "" {
		return fmt.Errorf("envelope missing exchange or symbol")
	}
	if e.TimestampMS < 0 {
		return fmt.Errorf("negative timestamp %d for %s %s", e.TimestampMS, e.Exchange, e.Symbol)
	}
	if e.TimestampMS > nowMS+ClockSkewToleranceMS {
		return fmt.Errorf("timestamp %d ahead of clock skew tolerance for %s %s",
			e.TimestampMS, e.Exchange, e.Symbol)
	}
	return nil
}

// Record is implemented by all eight canonical record types.
type Record interface {
	Env() *Envelope
	Type() DataType
	// DedupKey is the per-type business key used for at-least-once
	// de-duplication downstream.
	DedupKey() string
}

// PriceLevel is one orderbook level. A zero quantity removes the level.
// PriceRaw and QuantityRaw hold the venue's original strings; checksum
// computation must use them because re-rendering a decimal can drop
// trailing zeros the venue hashed.
type PriceLevel struct {
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	PriceRaw    string          `json:"-"`
	QuantityRaw string          `json:"-"`
}

// Trade is a single normalized trade.
type Trade struct {
	Envelope
	TradeID     string          `json:"trade_id"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Side        Side            `json:"side"`
	IsMaker     bool            `json:"is_maker"`
	TradeTimeMS int64           `json:"trade_ts_ms"`
}

func (t *Trade) Env() *Envelope { return &t.Envelope }
func (t *Trade) Type() DataType { return DataTypeTrade }
func (t *Trade) DedupKey() string {
	return fmt.Sprintf("%s:%s:%s", t.TradeID, t.Exchange, t.Symbol)
}

// OrderbookSnapshot is a full book state at a point in sequence. Bids are
// sorted descending, asks ascending.
type OrderbookSnapshot struct {
	Envelope
	LastUpdateID    int64           `json:"last_update_id"`
	Bids            []PriceLevel    `json:"bids"`
	Asks            []PriceLevel    `json:"asks"`
	BestBidPrice    decimal.Decimal `json:"best_bid_price"`
	BestBidQuantity decimal.Decimal `json:"best_bid_quantity"`
	BestAskPrice    decimal.Decimal `json:"best_ask_price"`
	BestAskQuantity decimal.Decimal `json:"best_ask_quantity"`
	DepthLevels     int             `json:"depth_levels"`
	Checksum        *int64          `json:"checksum,omitempty"`
}

func (s *OrderbookSnapshot) Env() *Envelope { return &s.Envelope }
func (s *OrderbookSnapshot) Type() DataType { return DataTypeOrderbook }
func (s *OrderbookSnapshot) DedupKey() string {
	return fmt.Sprintf("%s:%s:%d:%d", s.Exchange, s.Symbol, s.TimestampMS, s.LastUpdateID)
}

// OrderbookDelta is an incremental book update. PrevUpdateID is zero on
// venues whose sequence rule does not supply it. Checksum is the venue's
// post-apply book checksum, nil where the venue sends none.
type OrderbookDelta struct {
	Envelope
	FirstUpdateID int64        `json:"first_update_id"`
	LastUpdateID  int64        `json:"last_update_id"`
	PrevUpdateID  int64        `json:"prev_update_id,omitempty"`
	BidChanges    []PriceLevel `json:"bid_changes"`
	AskChanges    []PriceLevel `json:"ask_changes"`
	Checksum      *int64       `json:"checksum,omitempty"`
}

func (d *OrderbookDelta) Env() *Envelope { return &d.Envelope }
func (d *OrderbookDelta) Type() DataType { return DataTypeOrderbook }
func (d *OrderbookDelta) DedupKey() string {
	return fmt.Sprintf("%s:%s:%d:%d", d.Exchange, d.Symbol, d.TimestampMS, d.LastUpdateID)
}

// FundingRate is a perpetual funding-rate observation. MarkPrice and
// IndexPrice are nil when the venue does not supply them.
type FundingRate struct {
	Envelope
	FundingRate       decimal.Decimal  `json:"funding_rate"`
	FundingTimeMS     int64            `json:"funding_ts_ms"`
	NextFundingTimeMS int64            `json:"next_funding_ts_ms"`
	MarkPrice         *decimal.Decimal `json:"mark_price,omitempty"`
	IndexPrice        *decimal.Decimal `json:"index_price,omitempty"`
}

func (f *FundingRate) Env() *Envelope { return &f.Envelope }
func (f *FundingRate) Type() DataType { return DataTypeFundingRate }
func (f *FundingRate) DedupKey() string {
	return fmt.Sprintf("%s:%s:%d", f.Exchange, f.Symbol, f.FundingTimeMS)
}

// OpenInterest is an open-interest observation. Count is nil when the
// venue reports notional only.
type OpenInterest struct {
	Envelope
	OpenInterest      decimal.Decimal `json:"open_interest"`
	OpenInterestValue decimal.Decimal `json:"open_interest_value"`
	Count             *int64          `json:"count,omitempty"`
}

func (o *OpenInterest) Env() *Envelope { return &o.Envelope }
func (o *OpenInterest) Type() DataType { return DataTypeOpenInterest }
func (o *OpenInterest) DedupKey() string {
	return fmt.Sprintf("%s:%s:%d", o.Exchange, o.Symbol, o.TimestampMS)
}

// Liquidation is a forced-liquidation event.
type Liquidation struct {
	Envelope
	Side              Side            `json:"side"`
	Price             decimal.Decimal `json:"price"`
	Quantity          decimal.Decimal `json:"quantity"`
	LiquidationTimeMS int64           `json:"liquidation_ts_ms"`
}

func (l *Liquidation) Env() *Envelope { return &l.Envelope }
func (l *Liquidation) Type() DataType { return DataTypeLiquidation }
func (l *Liquidation) DedupKey() string {
	return fmt.Sprintf("%s:%s:%d:%s:%s", l.Exchange, l.Symbol, l.TimestampMS, l.Side, l.Price)
}

// LSRTopPosition is the long/short ratio of top traders by position.
type LSRTopPosition struct {
	Envelope
	LongPositionRatio  decimal.Decimal `json:"long_position_ratio"`
	ShortPositionRatio decimal.Decimal `json:"short_position_ratio"`
	Period             string          `json:"period"`
}

func (r *LSRTopPosition) Env() *Envelope { return &r.Envelope }
func (r *LSRTopPosition) Type() DataType { return DataTypeLSRTopPosition }
func (r *LSRTopPosition) DedupKey() string {
	return fmt.Sprintf("%s:%s:%s:%d", r.Exchange, r.Symbol, r.Period, r.TimestampMS)
}

// LSRAllAccount is the long/short ratio across all accounts.
type LSRAllAccount struct {
	Envelope
	LongAccountRatio  decimal.Decimal `json:"long_account_ratio"`
	ShortAccountRatio decimal.Decimal `json:"short_account_ratio"`
	Period            string          `json:"period"`
}

func (r *LSRAllAccount) Env() *Envelope { return &r.Envelope }
func (r *LSRAllAccount) Type() DataType { return DataTypeLSRAllAccount }
func (r *LSRAllAccount) DedupKey() string {
	return fmt.Sprintf("%s:%s:%s:%d", r.Exchange, r.Symbol, r.Period, r.TimestampMS)
}

// VolatilityIndex is a venue-computed volatility index observation.
type VolatilityIndex struct {
	Envelope
	IndexValue      decimal.Decimal `json:"index_value"`
	UnderlyingAsset string          `json:"underlying_asset"`
	MaturityDate    *string         `json:"maturity_date,omitempty"`
}

func (v *VolatilityIndex) Env() *Envelope { return &v.Envelope }
func (v *VolatilityIndex) Type() DataType { return DataTypeVolatilityIndex }
func (v *VolatilityIndex) DedupKey() string {
	return fmt.Sprintf("%s:%s:%d", v.Exchange, v.Symbol, v.TimestampMS)
}

// NowMS returns the current wall clock in UTC milliseconds.
func NowMS() int64 { return time.Now().UTC().UnixMilli() }

// ToTime converts a UTC-millisecond timestamp into a UTC time.Time with
// millisecond precision, matching the DateTime64(3, 'UTC') columns.
func ToTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
