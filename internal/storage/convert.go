package storage

import (
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	json "github.com/goccy/go-json"

	"github.com/marketprism/marketprism/internal/types"
)

// AppendRecord appends one canonical record to a prepared batch, in the
// table's InsertColumns order. Orderbook deltas are not persistable; only
// full books reach the writer.
func AppendRecord(batch driver.Batch, rec types.Record) error {
	env := rec.Env()
	ts := types.ToTime(env.TimestampMS)

	switch r := rec.(type) {
	case *types.OrderbookSnapshot:
		bids, err := json.Marshal(r.Bids)
		if err != nil {
			return fmt.Errorf("marshal bids: %w", err)
		}
		asks, err := json.Marshal(r.Asks)
		if err != nil {
			return fmt.Errorf("marshal asks: %w", err)
		}
		return batch.Append(
			ts, string(env.Exchange), string(env.MarketType), env.Symbol,
			r.LastUpdateID, uint32(len(r.Bids)), uint32(len(r.Asks)),
			r.BestBidPrice, r.BestAskPrice, r.BestBidQuantity, r.BestAskQuantity,
			string(bids), string(asks), env.DataSource,
		)
	case *types.Trade:
		return batch.Append(
			ts, string(env.Exchange), string(env.MarketType), env.Symbol,
			r.TradeID, r.Price, r.Quantity, string(r.Side), r.IsMaker,
			types.ToTime(r.TradeTimeMS), env.DataSource,
		)
	case *types.FundingRate:
		return batch.Append(
			ts, string(env.Exchange), string(env.MarketType), env.Symbol,
			r.FundingRate, types.ToTime(r.FundingTimeMS), types.ToTime(r.NextFundingTimeMS),
			r.MarkPrice, r.IndexPrice, env.DataSource,
		)
	case *types.OpenInterest:
		return batch.Append(
			ts, string(env.Exchange), string(env.MarketType), env.Symbol,
			r.OpenInterest, r.OpenInterestValue, r.Count, env.DataSource,
		)
	case *types.Liquidation:
		return batch.Append(
			ts, string(env.Exchange), string(env.MarketType), env.Symbol,
			string(r.Side), r.Price, r.Quantity, types.ToTime(r.LiquidationTimeMS),
			env.DataSource,
		)
	case *types.LSRTopPosition:
		return batch.Append(
			ts, string(env.Exchange), string(env.MarketType), env.Symbol,
			r.LongPositionRatio, r.ShortPositionRatio, r.Period, env.DataSource,
		)
	case *types.LSRAllAccount:
		return batch.Append(
			ts, string(env.Exchange), string(env.MarketType), env.Symbol,
			r.LongAccountRatio, r.ShortAccountRatio, r.Period, env.DataSource,
		)
	case *types.VolatilityIndex:
		return batch.Append(
			ts, string(env.Exchange), string(env.MarketType), env.Symbol,
			r.IndexValue, r.UnderlyingAsset, r.MaturityDate, env.DataSource,
		)
	default:
		return fmt.Errorf("no table mapping for record type %T", rec)
	}
}

// DecodeRecord unmarshals a bus payload into the concrete record for its
// data type.
func DecodeRecord(dt types.DataType, payload []byte) (types.Record, error) {
	var rec types.Record
	switch dt {
	case types.DataTypeOrderbook:
		rec = &types.OrderbookSnapshot{}
	case types.DataTypeTrade:
		rec = &types.Trade{}
	case types.DataTypeFundingRate:
		rec = &types.FundingRate{}
	case types.DataTypeOpenInterest:
		rec = &types.OpenInterest{}
	case types.DataTypeLiquidation:
		rec = &types.Liquidation{}
	case types.DataTypeLSRTopPosition:
		rec = &types.LSRTopPosition{}
	case types.DataTypeLSRAllAccount:
		rec = &types.LSRAllAccount{}
	case types.DataTypeVolatilityIndex:
		rec = &types.VolatilityIndex{}
	default:
		return nil, fmt.Errorf("unknown data type %q", dt)
	}
	if err := json.Unmarshal(payload, rec); err != nil {
		return nil, fmt.Errorf("decode %s record: %w", dt, err)
	}
	return rec, nil
}
