package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/marketprism/marketprism/internal/types"
)

// Table describes one per-type table: its DDL body and the column list the
// writer inserts. Hot and cold carry identical columns and ORDER BY; only
// the TTL differs.
type Table struct {
	Name string
	// InsertColumns is the column list for batch inserts. created_at and
	// data_source defaults are filled by the store.
	InsertColumns []string
	// columnsDDL is the body between the parens of CREATE TABLE.
	columnsDDL string
	// orderBy is the type-specific ORDER BY tail after (ts_ms, exchange,
	// symbol).
	orderBy string
	// DedupColumns is the business-key tuple used for replication
	// anti-existence checks and consumer de-duplication.
	DedupColumns []string
}

// Tables maps each data type to its table. Orderbook snapshots and deltas
// share the orderbooks table; only full books are persisted.
var Tables = map[types.DataType]Table{
	types.DataTypeOrderbook: {
		Name: "orderbooks",
		InsertColumns: []string{
			"ts_ms", "exchange", "market_type", "symbol", "last_update_id",
			"bids_count", "asks_count",
			"best_bid_price", "best_ask_price", "best_bid_quantity", "best_ask_quantity",
			"bids", "asks", "data_source",
		},
		columnsDDL: `
    ts_ms              DateTime64(3, 'UTC'),
    exchange           LowCardinality(String),
    market_type        LowCardinality(String),
    symbol             String,
    last_update_id     Int64,
    bids_count         UInt32,
    asks_count         UInt32,
    best_bid_price     Decimal(38, 18),
    best_ask_price     Decimal(38, 18),
    best_bid_quantity  Decimal(38, 18),
    best_ask_quantity  Decimal(38, 18),
    bids               String,
    asks               String,
    data_source        LowCardinality(String) DEFAULT 'marketprism',
    created_at         DateTime64(3, 'UTC') DEFAULT now64(3, 'UTC')`,
		orderBy:      "last_update_id",
		DedupColumns: []string{"exchange", "symbol", "ts_ms", "last_update_id"},
	},
	types.DataTypeTrade: {
		Name: "trades",
		InsertColumns: []string{
			"ts_ms", "exchange", "market_type", "symbol", "trade_id",
			"price", "quantity", "side", "is_maker", "trade_ts", "data_source",
		},
		columnsDDL: `
    ts_ms        DateTime64(3, 'UTC'),
    exchange     LowCardinality(String),
    market_type  LowCardinality(String),
    symbol       String,
    trade_id     String,
    price        Decimal(38, 18),
    quantity     Decimal(38, 18),
    side         LowCardinality(String),
    is_maker     Bool,
    trade_ts     DateTime64(3, 'UTC'),
    data_source  LowCardinality(String) DEFAULT 'marketprism',
    created_at   DateTime64(3, 'UTC') DEFAULT now64(3, 'UTC')`,
		orderBy:      "trade_id",
		DedupColumns: []string{"trade_id", "exchange", "symbol"},
	},
	types.DataTypeFundingRate: {
		Name: "funding_rates",
		InsertColumns: []string{
			"ts_ms", "exchange", "market_type", "symbol", "funding_rate",
			"funding_ts", "next_funding_ts", "mark_price", "index_price", "data_source",
		},
		columnsDDL: `
    ts_ms            DateTime64(3, 'UTC'),
    exchange         LowCardinality(String),
    market_type      LowCardinality(String),
    symbol           String,
    funding_rate     Decimal(38, 18),
    funding_ts       DateTime64(3, 'UTC'),
    next_funding_ts  DateTime64(3, 'UTC'),
    mark_price       Nullable(Decimal(38, 18)),
    index_price      Nullable(Decimal(38, 18)),
    data_source      LowCardinality(String) DEFAULT 'marketprism',
    created_at       DateTime64(3, 'UTC') DEFAULT now64(3, 'UTC')`,
		orderBy:      "funding_ts",
		DedupColumns: []string{"exchange", "symbol", "funding_ts"},
	},
	types.DataTypeOpenInterest: {
		Name: "open_interests",
		InsertColumns: []string{
			"ts_ms", "exchange", "market_type", "symbol",
			"open_interest", "open_interest_value", "count", "data_source",
		},
		columnsDDL: `
    ts_ms                DateTime64(3, 'UTC'),
    exchange             LowCardinality(String),
    market_type          LowCardinality(String),
    symbol               String,
    open_interest        Decimal(38, 18),
    open_interest_value  Decimal(38, 18),
    count                Nullable(Int64),
    data_source          LowCardinality(String) DEFAULT 'marketprism',
    created_at           DateTime64(3, 'UTC') DEFAULT now64(3, 'UTC')`,
		orderBy:      "",
		DedupColumns: []string{"exchange", "symbol", "ts_ms"},
	},
	types.DataTypeLiquidation: {
		Name: "liquidations",
		InsertColumns: []string{
			"ts_ms", "exchange", "market_type", "symbol",
			"side", "price", "quantity", "liquidation_ts", "data_source",
		},
		columnsDDL: `
    ts_ms           DateTime64(3, 'UTC'),
    exchange        LowCardinality(String),
    market_type     LowCardinality(String),
    symbol          String,
    side            LowCardinality(String),
    price           Decimal(38, 18),
    quantity        Decimal(38, 18),
    liquidation_ts  DateTime64(3, 'UTC'),
    data_source     LowCardinality(String) DEFAULT 'marketprism',
    created_at      DateTime64(3, 'UTC') DEFAULT now64(3, 'UTC')`,
		orderBy:      "side, price",
		DedupColumns: []string{"exchange", "symbol", "ts_ms", "side", "price"},
	},
	types.DataTypeLSRTopPosition: {
		Name: "lsr_top_positions",
		InsertColumns: []string{
			"ts_ms", "exchange", "market_type", "symbol",
			"long_position_ratio", "short_position_ratio", "period", "data_source",
		},
		columnsDDL: `
    ts_ms                 DateTime64(3, 'UTC'),
    exchange              LowCardinality(String),
    market_type           LowCardinality(String),
    symbol                String,
    long_position_ratio   Decimal(38, 18),
    short_position_ratio  Decimal(38, 18),
    period                LowCardinality(String),
    data_source           LowCardinality(String) DEFAULT 'marketprism',
    created_at            DateTime64(3, 'UTC') DEFAULT now64(3, 'UTC')`,
		orderBy:      "period",
		DedupColumns: []string{"exchange", "symbol", "period", "ts_ms"},
	},
	types.DataTypeLSRAllAccount: {
		Name: "lsr_all_accounts",
		InsertColumns: []string{
			"ts_ms", "exchange", "market_type", "symbol",
			"long_account_ratio", "short_account_ratio", "period", "data_source",
		},
		columnsDDL: `
    ts_ms                DateTime64(3, 'UTC'),
    exchange             LowCardinality(String),
    market_type          LowCardinality(String),
    symbol               String,
    long_account_ratio   Decimal(38, 18),
    short_account_ratio  Decimal(38, 18),
    period               LowCardinality(String),
    data_source          LowCardinality(String) DEFAULT 'marketprism',
    created_at           DateTime64(3, 'UTC') DEFAULT now64(3, 'UTC')`,
		orderBy:      "period",
		DedupColumns: []string{"exchange", "symbol", "period", "ts_ms"},
	},
	types.DataTypeVolatilityIndex: {
		Name: "volatility_indices",
		InsertColumns: []string{
			"ts_ms", "exchange", "market_type", "symbol",
			"index_value", "underlying_asset", "maturity_date", "data_source",
		},
		columnsDDL: `
    ts_ms             DateTime64(3, 'UTC'),
    exchange          LowCardinality(String),
    market_type       LowCardinality(String),
    symbol            String,
    index_value       Decimal(38, 18),
    underlying_asset  LowCardinality(String),
    maturity_date     Nullable(String),
    data_source       LowCardinality(String) DEFAULT 'marketprism',
    created_at        DateTime64(3, 'UTC') DEFAULT now64(3, 'UTC')`,
		orderBy:      "",
		DedupColumns: []string{"exchange", "symbol", "ts_ms"},
	},
}

// TableFor returns the table for a data type.
func TableFor(dt types.DataType) (Table, bool) {
	t, ok := Tables[dt]
	return t, ok
}

// DDL renders the CREATE TABLE statement for one store. TTL is the only
// hot/cold divergence.
func (t Table) DDL(database string, ttlDays int) string {
	orderBy := "ts_ms, exchange, symbol"
	if t.orderBy != "" {
		orderBy += ", " + t.orderBy
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s
(%s
)
ENGINE = MergeTree
PARTITION BY (toYYYYMM(ts_ms), exchange)
ORDER BY (%s)
TTL toDateTime(ts_ms) + INTERVAL %d DAY`,
		database, t.Name, t.columnsDDL, orderBy, ttlDays)
}

// InsertStatement renders the INSERT the writer prepares batches against.
func (t Table) InsertStatement(database string) string {
	return fmt.Sprintf("INSERT INTO %s.%s (%s)",
		database, t.Name, strings.Join(t.InsertColumns, ", "))
}

// OrderByKey returns the full ORDER BY column list, which doubles as the
// sort contract the replicator copies under.
func (t Table) OrderByKey() []string {
	cols := []string{"ts_ms", "exchange", "symbol"}
	if t.orderBy != "" {
		for _, c := range strings.Split(t.orderBy, ", ") {
			cols = append(cols, c)
		}
	}
	return cols
}

// EnsureSchema creates the database and all tables on one store.
func EnsureSchema(ctx context.Context, conn driver.Conn, database string, ttlDays int) error {
	if err := conn.Exec(ctx, "CREATE DATABASE IF NOT EXISTS "+database); err != nil {
		return fmt.Errorf("create database %s: %w", database, err)
	}
	for _, t := range Tables {
		if err := conn.Exec(ctx, t.DDL(database, ttlDays)); err != nil {
			return fmt.Errorf("create table %s.%s: %w", database, t.Name, err)
		}
	}
	return nil
}

// VerifySchema checks that each table exists with the expected column set.
// A drifted table is reported, never altered.
func VerifySchema(ctx context.Context, conn driver.Conn, database string) error {
	for _, t := range Tables {
		rows, err := conn.Query(ctx,
			"SELECT name FROM system.columns WHERE database = ? AND table = ? ORDER BY position",
			database, t.Name)
		if err != nil {
			return fmt.Errorf("describe %s.%s: %w", database, t.Name, err)
		}
		have := make(map[string]bool)
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return err
			}
			have[name] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		if len(have) == 0 {
			return fmt.Errorf("schema: table %s.%s missing", database, t.Name)
		}
		for _, col := range t.InsertColumns {
			if !have[col] {
				return fmt.Errorf("schema: %s.%s missing column %s", database, t.Name, col)
			}
		}
	}
	return nil
}
