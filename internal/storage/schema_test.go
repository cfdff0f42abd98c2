package storage

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketprism/marketprism/internal/types"
)

func TestTablesCoverAllDataTypes(t *testing.T) {
	for _, dt := range types.AllDataTypes {
		tbl, ok := TableFor(dt)
		require.True(t, ok, "no table for %s", dt)
		assert.NotEmpty(t, tbl.Name)
		assert.NotEmpty(t, tbl.InsertColumns)
		assert.NotEmpty(t, tbl.DedupColumns)

		// every insert and dedup column must exist in the DDL
		ddl := tbl.DDL("marketprism_hot", 3)
		for _, col := range tbl.InsertColumns {
			assert.Contains(t, ddl, col, "%s DDL missing insert column", tbl.Name)
		}
		for _, col := range tbl.DedupColumns {
			assert.Contains(t, ddl, col, "%s DDL missing dedup column", tbl.Name)
		}
	}
}

func TestDDLShape(t *testing.T) {
	tbl := Tables[types.DataTypeTrade]
	ddl := tbl.DDL("marketprism_hot", 3)

	assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS marketprism_hot.trades")
	assert.Contains(t, ddl, "ENGINE = MergeTree")
	assert.Contains(t, ddl, "PARTITION BY (toYYYYMM(ts_ms), exchange)")
	assert.Contains(t, ddl, "ORDER BY (ts_ms, exchange, symbol, trade_id)")
	assert.Contains(t, ddl, "TTL toDateTime(ts_ms) + INTERVAL 3 DAY")
	assert.Contains(t, ddl, "DateTime64(3, 'UTC')")
	assert.Contains(t, ddl, "Decimal(38, 18)")
}

func TestHotAndColdDDLDifferOnlyInTTL(t *testing.T) {
	for dt, tbl := range Tables {
		hot := tbl.DDL("marketprism_hot", 3)
		cold := tbl.DDL("marketprism_cold", 3650)

		hot = strings.ReplaceAll(hot, "marketprism_hot", "DB")
		cold = strings.ReplaceAll(cold, "marketprism_cold", "DB")
		hot = strings.ReplaceAll(hot, "INTERVAL 3 DAY", "INTERVAL N DAY")
		cold = strings.ReplaceAll(cold, "INTERVAL 3650 DAY", "INTERVAL N DAY")
		assert.Equal(t, hot, cold, "%s: hot and cold schemas must match outside TTL", dt)
	}
}

func TestInsertStatement(t *testing.T) {
	stmt := Tables[types.DataTypeFundingRate].InsertStatement("marketprism_hot")
	assert.Equal(t, "INSERT INTO marketprism_hot.funding_rates "+
		"(ts_ms, exchange, market_type, symbol, funding_rate, funding_ts, next_funding_ts, "+
		"mark_price, index_price, data_source)", stmt)
}

func TestOrderByKey(t *testing.T) {
	assert.Equal(t, []string{"ts_ms", "exchange", "symbol", "side", "price"},
		Tables[types.DataTypeLiquidation].OrderByKey())
	assert.Equal(t, []string{"ts_ms", "exchange", "symbol"},
		Tables[types.DataTypeOpenInterest].OrderByKey())
}

func TestDedupColumnsMatchRecordKeys(t *testing.T) {
	// the table dedup tuple and the record's key must agree on dimensions
	cases := map[types.DataType]int{
		types.DataTypeOrderbook:   4,
		types.DataTypeTrade:       3,
		types.DataTypeLiquidation: 5,
	}
	for dt, n := range cases {
		assert.Len(t, Tables[dt].DedupColumns, n, string(dt))
	}
}

func TestDDLOneStatementPerTable(t *testing.T) {
	for _, tbl := range Tables {
		ddl := tbl.DDL("db", 1)
		assert.Equal(t, 0, strings.Count(ddl, ";"), fmt.Sprintf("%s DDL must be a single statement", tbl.Name))
	}
}
