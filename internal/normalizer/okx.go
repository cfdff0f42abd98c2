package normalizer

import (
	"fmt"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/marketprism/marketprism/internal/types"
)

// okxEnvelope is the wrapper around every OKX push message.
type okxEnvelope struct {
	Arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Action string          `json:"action"` // books only: snapshot | update
	Data   json.RawMessage `json:"data"`
}

// okxLevel is the ["price","size","liqOrders","orderCount"] array form.
type okxLevel [4]string

type okxBook struct {
	Asks      []okxLevel `json:"asks"`
	Bids      []okxLevel `json:"bids"`
	Ts        string     `json:"ts"`
	Checksum  int64      `json:"checksum"`
	SeqID     int64      `json:"seqId"`
	PrevSeqID int64      `json:"prevSeqId"`
}

type okxTrade struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	Side    string `json:"side"`
	Ts      string `json:"ts"`
}

type okxFundingRate struct {
	InstID          string `json:"instId"`
	FundingRate     string `json:"fundingRate"`
	FundingTime     string `json:"fundingTime"`
	NextFundingTime string `json:"nextFundingTime"`
	Ts              string `json:"ts"`
}

type okxOpenInterest struct {
	InstID string `json:"instId"`
	OI     string `json:"oi"`
	OICcy  string `json:"oiCcy"`
	OIUsd  string `json:"oiUsd"`
	Ts     string `json:"ts"`
}

type okxLiquidation struct {
	InstID  string `json:"instId"`
	Details []struct {
		Side string `json:"side"`
		BkPx string `json:"bkPx"`
		Sz   string `json:"sz"`
		Ts   string `json:"ts"`
	} `json:"details"`
}

func (n *Normalizer) normalizeOKX(marketType types.MarketType, dataType types.DataType, raw []byte) ([]types.Record, error) {
	var env okxEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: okx envelope: %v", ErrInvalidPayload, err)
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%w: okx message without data", ErrInvalidPayload)
	}

	switch dataType {
	case types.DataTypeTrade:
		return n.okxTrades(marketType, env)
	case types.DataTypeOrderbook:
		return single(n.okxBook(marketType, env))
	case types.DataTypeFundingRate:
		return single(n.okxFunding(marketType, env))
	case types.DataTypeOpenInterest:
		return single(n.okxOpenInterest(marketType, env))
	case types.DataTypeLiquidation:
		return n.okxLiquidations(marketType, env)
	default:
		return nil, fmt.Errorf("%w: okx does not stream %s", ErrInvalidPayload, dataType)
	}
}

// okxTrades normalizes every trade in the push; the venue batches several
// per frame.
func (n *Normalizer) okxTrades(marketType types.MarketType, env okxEnvelope) ([]types.Record, error) {
	var trades []okxTrade
	if err := json.Unmarshal(env.Data, &trades); err != nil || len(trades) == 0 {
		return nil, fmt.Errorf("%w: okx trade data", ErrInvalidPayload)
	}

	recs := make([]types.Record, 0, len(trades))
	for _, tr := range trades {
		symbol, err := n.registry.ToCanonical(types.OKX, tr.InstID, marketType)
		if err != nil {
			return nil, err
		}
		price, err := parseDecimal(tr.Px, "price")
		if err != nil {
			return nil, err
		}
		qty, err := parseDecimal(tr.Sz, "quantity")
		if err != nil {
			return nil, err
		}
		side, err := mapSide(tr.Side)
		if err != nil {
			return nil, err
		}
		ts, err := okxMillis(tr.Ts)
		if err != nil {
			return nil, err
		}
		recs = append(recs, &types.Trade{
			Envelope:    envelope(types.OKX, marketType, symbol, ts),
			TradeID:     tr.TradeID,
			Price:       price,
			Quantity:    qty,
			Side:        side,
			TradeTimeMS: ts,
		})
	}
	return recs, nil
}

// okxBook yields a snapshot for action=snapshot and a delta for
// action=update. The checksum rides on both.
func (n *Normalizer) okxBook(marketType types.MarketType, env okxEnvelope) (types.Record, error) {
	var books []okxBook
	if err := json.Unmarshal(env.Data, &books); err != nil || len(books) == 0 {
		return nil, fmt.Errorf("%w: okx book data", ErrInvalidPayload)
	}
	book := books[0]

	symbol, err := n.registry.ToCanonical(types.OKX, env.Arg.InstID, marketType)
	if err != nil {
		return nil, err
	}
	bids, err := okxLevels(book.Bids, "bids")
	if err != nil {
		return nil, err
	}
	asks, err := okxLevels(book.Asks, "asks")
	if err != nil {
		return nil, err
	}
	ts, err := okxMillis(book.Ts)
	if err != nil {
		return nil, err
	}

	if env.Action == "snapshot" || env.Action == "" {
		checksum := book.Checksum
		snap := &types.OrderbookSnapshot{
			Envelope:     envelope(types.OKX, marketType, symbol, ts),
			LastUpdateID: book.SeqID,
			Bids:         bids,
			Asks:         asks,
			DepthLevels:  max(len(bids), len(asks)),
			Checksum:     &checksum,
		}
		fillBest(snap)
		return snap, nil
	}

	checksum := book.Checksum
	return &types.OrderbookDelta{
		Envelope:      envelope(types.OKX, marketType, symbol, ts),
		FirstUpdateID: book.SeqID,
		LastUpdateID:  book.SeqID,
		PrevUpdateID:  book.PrevSeqID,
		BidChanges:    bids,
		AskChanges:    asks,
		Checksum:      &checksum,
	}, nil
}

func (n *Normalizer) okxFunding(marketType types.MarketType, env okxEnvelope) (types.Record, error) {
	var rates []okxFundingRate
	if err := json.Unmarshal(env.Data, &rates); err != nil || len(rates) == 0 {
		return nil, fmt.Errorf("%w: okx funding data", ErrInvalidPayload)
	}
	fr := rates[0]

	symbol, err := n.registry.ToCanonical(types.OKX, fr.InstID, marketType)
	if err != nil {
		return nil, err
	}
	rate, err := parseDecimal(fr.FundingRate, "funding_rate")
	if err != nil {
		return nil, err
	}
	fundingTS, err := okxMillis(fr.FundingTime)
	if err != nil {
		return nil, err
	}
	var nextTS int64
	if fr.NextFundingTime != "" {
		if nextTS, err = okxMillis(fr.NextFundingTime); err != nil {
			return nil, err
		}
	}

	// fundingTime is the upcoming settlement, hours ahead of the clock; the
	// record timestamp is the push time.
	ts := fundingTS
	if fr.Ts != "" {
		if ts, err = okxMillis(fr.Ts); err != nil {
			return nil, err
		}
	}

	return &types.FundingRate{
		Envelope:          envelope(types.OKX, marketType, symbol, ts),
		FundingRate:       rate,
		FundingTimeMS:     fundingTS,
		NextFundingTimeMS: nextTS,
	}, nil
}

func (n *Normalizer) okxOpenInterest(marketType types.MarketType, env okxEnvelope) (types.Record, error) {
	var entries []okxOpenInterest
	if err := json.Unmarshal(env.Data, &entries); err != nil || len(entries) == 0 {
		return nil, fmt.Errorf("%w: okx open interest data", ErrInvalidPayload)
	}
	oi := entries[0]

	symbol, err := n.registry.ToCanonical(types.OKX, oi.InstID, marketType)
	if err != nil {
		return nil, err
	}
	amount, err := parseDecimal(oi.OI, "open_interest")
	if err != nil {
		return nil, err
	}
	valueStr := oi.OIUsd
	if valueStr == "" {
		valueStr = oi.OICcy
	}
	value, err := parseDecimal(valueStr, "open_interest_value")
	if err != nil {
		return nil, err
	}
	ts, err := okxMillis(oi.Ts)
	if err != nil {
		return nil, err
	}

	return &types.OpenInterest{
		Envelope:          envelope(types.OKX, marketType, symbol, ts),
		OpenInterest:      amount,
		OpenInterestValue: value,
	}, nil
}

// okxLiquidations flattens the nested push shape: one entry per
// instrument, each carrying several liquidation details.
func (n *Normalizer) okxLiquidations(marketType types.MarketType, env okxEnvelope) ([]types.Record, error) {
	var entries []okxLiquidation
	if err := json.Unmarshal(env.Data, &entries); err != nil || len(entries) == 0 {
		return nil, fmt.Errorf("%w: okx liquidation data", ErrInvalidPayload)
	}

	var recs []types.Record
	for _, liq := range entries {
		symbol, err := n.registry.ToCanonical(types.OKX, liq.InstID, marketType)
		if err != nil {
			return nil, err
		}
		for _, detail := range liq.Details {
			price, err := parseDecimal(detail.BkPx, "price")
			if err != nil {
				return nil, err
			}
			qty, err := parseDecimal(detail.Sz, "quantity")
			if err != nil {
				return nil, err
			}
			side, err := mapSide(detail.Side)
			if err != nil {
				return nil, err
			}
			ts, err := okxMillis(detail.Ts)
			if err != nil {
				return nil, err
			}
			recs = append(recs, &types.Liquidation{
				Envelope:          envelope(types.OKX, marketType, symbol, ts),
				Side:              side,
				Price:             price,
				Quantity:          qty,
				LiquidationTimeMS: ts,
			})
		}
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: okx liquidation without details", ErrInvalidPayload)
	}
	return recs, nil
}

// okxLevels converts OKX array levels, dropping the order-count columns.
func okxLevels(raw []okxLevel, field string) ([]types.PriceLevel, error) {
	levels := make([]types.PriceLevel, 0, len(raw))
	for _, entry := range raw {
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

// okxMillis parses OKX's string millisecond timestamps.
func okxMillis(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: missing timestamp", ErrInvalidPayload)
	}
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: timestamp %q", ErrInvalidPayload, s)
	}
	return toMillis(ts), nil
}
