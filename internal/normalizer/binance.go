package normalizer

import (
	"fmt"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/marketprism/marketprism/internal/types"
)

// Raw Binance payload shapes. Field tags follow the exchange's single
// letter convention.

type binanceTradeEvent struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

type binanceDepthEvent struct {
	EventType     string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	PrevFinalID   int64      `json:"pu"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

type binanceMarkPriceEvent struct {
	EventType       string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	MarkPrice       string `json:"p"`
	IndexPrice      string `json:"i"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

type binanceForceOrderEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol       string `json:"s"`
		Side         string `json:"S"`
		Quantity     string `json:"q"`
		Price        string `json:"p"`
		AveragePrice string `json:"ap"`
		TradeTime    int64  `json:"T"`
	} `json:"o"`
}

type binanceDepthSnapshot struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	EventTime    int64      `json:"E"`
	TransactTime int64      `json:"T"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

type binanceOpenInterest struct {
	Symbol               string `json:"symbol"`
	SumOpenInterest      string `json:"sumOpenInterest"`
	SumOpenInterestValue string `json:"sumOpenInterestValue"`
	Timestamp            int64  `json:"timestamp"`
}

type binanceLongShortRatio struct {
	Symbol         string `json:"symbol"`
	LongShortRatio string `json:"longShortRatio"`
	LongAccount    string `json:"longAccount"`
	ShortAccount   string `json:"shortAccount"`
	Timestamp      int64  `json:"timestamp"`
}

func (n *Normalizer) normalizeBinance(marketType types.MarketType, dataType types.DataType, raw []byte) (types.Record, error) {
	switch dataType {
	case types.DataTypeTrade:
		return n.binanceTrade(marketType, raw)
	case types.DataTypeOrderbook:
		return n.binanceDepthDelta(marketType, raw)
	case types.DataTypeFundingRate:
		return n.binanceFunding(marketType, raw)
	case types.DataTypeLiquidation:
		return n.binanceLiquidation(marketType, raw)
	default:
		return nil, fmt.Errorf("%w: binance does not stream %s", ErrInvalidPayload, dataType)
	}
}

func (n *Normalizer) binanceTrade(marketType types.MarketType, raw []byte) (types.Record, error) {
	var ev binanceTradeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: binance trade: %v", ErrInvalidPayload, err)
	}
	if ev.Symbol == "" || ev.TradeTime == 0 {
		return nil, fmt.Errorf("%w: binance trade missing symbol or time", ErrInvalidPayload)
	}

	symbol, err := n.registry.ToCanonical(types.Binance, ev.Symbol, marketType)
	if err != nil {
		return nil, err
	}
	price, err := parseDecimal(ev.Price, "price")
	if err != nil {
		return nil, err
	}
	qty, err := parseDecimal(ev.Quantity, "quantity")
	if err != nil {
		return nil, err
	}

	// The aggressor is the buyer unless the buyer was the maker.
	side := types.SideBuy
	if ev.IsBuyerMaker {
		side = types.SideSell
	}

	return &types.Trade{
		Envelope:    envelope(types.Binance, marketType, symbol, toMillis(ev.TradeTime)),
		TradeID:     strconv.FormatInt(ev.TradeID, 10),
		Price:       price,
		Quantity:    qty,
		Side:        side,
		IsMaker:     ev.IsBuyerMaker,
		TradeTimeMS: toMillis(ev.TradeTime),
	}, nil
}

func (n *Normalizer) binanceDepthDelta(marketType types.MarketType, raw []byte) (types.Record, error) {
	var ev binanceDepthEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: binance depth: %v", ErrInvalidPayload, err)
	}
	if ev.Symbol == "" || ev.FinalUpdateID == 0 {
		return nil, fmt.Errorf("%w: binance depth missing symbol or update id", ErrInvalidPayload)
	}

	symbol, err := n.registry.ToCanonical(types.Binance, ev.Symbol, marketType)
	if err != nil {
		return nil, err
	}
	bids, err := parseLevels(ev.Bids, "bids")
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels(ev.Asks, "asks")
	if err != nil {
		return nil, err
	}

	return &types.OrderbookDelta{
		Envelope:      envelope(types.Binance, marketType, symbol, toMillis(ev.EventTime)),
		FirstUpdateID: ev.FirstUpdateID,
		LastUpdateID:  ev.FinalUpdateID,
		PrevUpdateID:  ev.PrevFinalID, // zero on spot streams
		BidChanges:    bids,
		AskChanges:    asks,
	}, nil
}

func (n *Normalizer) binanceFunding(marketType types.MarketType, raw []byte) (types.Record, error) {
	var ev binanceMarkPriceEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: binance mark price: %v", ErrInvalidPayload, err)
	}
	if ev.Symbol == "" || ev.EventTime == 0 {
		return nil, fmt.Errorf("%w: binance mark price missing symbol or time", ErrInvalidPayload)
	}

	symbol, err := n.registry.ToCanonical(types.Binance, ev.Symbol, marketType)
	if err != nil {
		return nil, err
	}
	rate, err := parseDecimal(ev.FundingRate, "funding_rate")
	if err != nil {
		return nil, err
	}
	markPrice, err := parseOptionalDecimal(ev.MarkPrice, "mark_price")
	if err != nil {
		return nil, err
	}
	indexPrice, err := parseOptionalDecimal(ev.IndexPrice, "index_price")
	if err != nil {
		return nil, err
	}

	ts := toMillis(ev.EventTime)
	return &types.FundingRate{
		Envelope:          envelope(types.Binance, marketType, symbol, ts),
		FundingRate:       rate,
		FundingTimeMS:     ts,
		NextFundingTimeMS: toMillis(ev.NextFundingTime),
		MarkPrice:         markPrice,
		IndexPrice:        indexPrice,
	}, nil
}

func (n *Normalizer) binanceLiquidation(marketType types.MarketType, raw []byte) (types.Record, error) {
	var ev binanceForceOrderEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: binance force order: %v", ErrInvalidPayload, err)
	}
	if ev.Order.Symbol == "" || ev.Order.TradeTime == 0 {
		return nil, fmt.Errorf("%w: binance force order missing symbol or time", ErrInvalidPayload)
	}

	symbol, err := n.registry.ToCanonical(types.Binance, ev.Order.Symbol, marketType)
	if err != nil {
		return nil, err
	}
	priceStr := ev.Order.AveragePrice
	if priceStr == "" {
		priceStr = ev.Order.Price
	}
	price, err := parseDecimal(priceStr, "price")
	if err != nil {
		return nil, err
	}
	qty, err := parseDecimal(ev.Order.Quantity, "quantity")
	if err != nil {
		return nil, err
	}
	side, err := mapSide(ev.Order.Side)
	if err != nil {
		return nil, err
	}

	ts := toMillis(ev.Order.TradeTime)
	return &types.Liquidation{
		Envelope:          envelope(types.Binance, marketType, symbol, ts),
		Side:              side,
		Price:             price,
		Quantity:          qty,
		LiquidationTimeMS: ts,
	}, nil
}

// NormalizeBinanceDepthSnapshot parses a REST depth snapshot. The symbol is
// supplied by the caller because the REST response does not repeat it.
func (n *Normalizer) NormalizeBinanceDepthSnapshot(marketType types.MarketType, nativeSymbol string, raw []byte) (*types.OrderbookSnapshot, error) {
	var snap binanceDepthSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("%w: binance depth snapshot: %v", ErrInvalidPayload, err)
	}
	if snap.LastUpdateID == 0 {
		return nil, fmt.Errorf("%w: binance depth snapshot missing lastUpdateId", ErrInvalidPayload)
	}

	symbol, err := n.registry.ToCanonical(types.Binance, nativeSymbol, marketType)
	if err != nil {
		return nil, err
	}
	bids, err := parseLevels(snap.Bids, "bids")
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels(snap.Asks, "asks")
	if err != nil {
		return nil, err
	}

	ts := toMillis(snap.EventTime)
	if ts == 0 {
		ts = types.NowMS()
	}
	out := &types.OrderbookSnapshot{
		Envelope:     envelope(types.Binance, marketType, symbol, ts),
		LastUpdateID: snap.LastUpdateID,
		Bids:         bids,
		Asks:         asks,
		DepthLevels:  max(len(bids), len(asks)),
	}
	fillBest(out)
	if err := validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

// NormalizeBinanceOpenInterest parses one entry of the open-interest
// statistics REST response.
func (n *Normalizer) NormalizeBinanceOpenInterest(marketType types.MarketType, raw []byte) (*types.OpenInterest, error) {
	var oi binanceOpenInterest
	if err := json.Unmarshal(raw, &oi); err != nil {
		return nil, fmt.Errorf("%w: binance open interest: %v", ErrInvalidPayload, err)
	}
	if oi.Symbol == "" || oi.Timestamp == 0 {
		return nil, fmt.Errorf("%w: binance open interest missing symbol or time", ErrInvalidPayload)
	}

	symbol, err := n.registry.ToCanonical(types.Binance, oi.Symbol, marketType)
	if err != nil {
		return nil, err
	}
	amount, err := parseDecimal(oi.SumOpenInterest, "open_interest")
	if err != nil {
		return nil, err
	}
	value, err := parseDecimal(oi.SumOpenInterestValue, "open_interest_value")
	if err != nil {
		return nil, err
	}

	out := &types.OpenInterest{
		Envelope:          envelope(types.Binance, marketType, symbol, toMillis(oi.Timestamp)),
		OpenInterest:      amount,
		OpenInterestValue: value,
	}
	if err := validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

// NormalizeBinanceLSRTop parses one entry of the top-trader position ratio
// REST response. The period is a query parameter, not part of the payload.
func (n *Normalizer) NormalizeBinanceLSRTop(marketType types.MarketType, period string, raw []byte) (*types.LSRTopPosition, error) {
	lsr, symbol, err := n.binanceLSR(marketType, raw)
	if err != nil {
		return nil, err
	}
	long, err := parseDecimal(lsr.LongAccount, "long_position_ratio")
	if err != nil {
		return nil, err
	}
	short, err := parseDecimal(lsr.ShortAccount, "short_position_ratio")
	if err != nil {
		return nil, err
	}
	out := &types.LSRTopPosition{
		Envelope:           envelope(types.Binance, marketType, symbol, toMillis(lsr.Timestamp)),
		LongPositionRatio:  long,
		ShortPositionRatio: short,
		Period:             period,
	}
	if err := validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

// NormalizeBinanceLSRAll parses one entry of the global account ratio REST
// response.
func (n *Normalizer) NormalizeBinanceLSRAll(marketType types.MarketType, period string, raw []byte) (*types.LSRAllAccount, error) {
	lsr, symbol, err := n.binanceLSR(marketType, raw)
	if err != nil {
		return nil, err
	}
	long, err := parseDecimal(lsr.LongAccount, "long_account_ratio")
	if err != nil {
		return nil, err
	}
	short, err := parseDecimal(lsr.ShortAccount, "short_account_ratio")
	if err != nil {
		return nil, err
	}
	out := &types.LSRAllAccount{
		Envelope:          envelope(types.Binance, marketType, symbol, toMillis(lsr.Timestamp)),
		LongAccountRatio:  long,
		ShortAccountRatio: short,
		Period:            period,
	}
	if err := validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (n *Normalizer) binanceLSR(marketType types.MarketType, raw []byte) (binanceLongShortRatio, string, error) {
	var lsr binanceLongShortRatio
	if err := json.Unmarshal(raw, &lsr); err != nil {
		return lsr, "", fmt.Errorf("%w: binance long/short ratio: %v", ErrInvalidPayload, err)
	}
	if lsr.Symbol == "" || lsr.Timestamp == 0 {
		return lsr, "", fmt.Errorf("%w: binance long/short ratio missing symbol or time", ErrInvalidPayload)
	}
	symbol, err := n.registry.ToCanonical(types.Binance, lsr.Symbol, marketType)
	if err != nil {
		return lsr, "", err
	}
	return lsr, symbol, nil
}

// mapSide maps an exchange side token onto the canonical side.
func mapSide(s string) (types.Side, error) {
	switch s {
	case "BUY", "buy", "Buy":
		return types.SideBuy, nil
	case "SELL", "sell", "Sell":
		return types.SideSell, nil
	default:
		return "", fmt.Errorf("%w: unknown side %q", ErrInvalidPayload, s)
	}
}

// fillBest derives top-of-book fields from sorted level slices.
func fillBest(s *types.OrderbookSnapshot) {
	if len(s.Bids) > 0 {
		s.BestBidPrice = s.Bids[0].Price
		s.BestBidQuantity = s.Bids[0].Quantity
	}
	if len(s.Asks) > 0 {
		s.BestAskPrice = s.Asks[0].Price
		s.BestAskQuantity = s.Asks[0].Quantity
	}
}
