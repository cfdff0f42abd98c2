package orderbook

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketprism/marketprism/internal/types"
)

func lvl(price, qty string) types.PriceLevel {
	return types.PriceLevel{
		Price:    decimal.RequireFromString(price),
		Quantity: decimal.RequireFromString(qty),
	}
}

func TestBookResetSortsSides(t *testing.T) {
	b := NewBook()
	b.Reset(
		[]types.PriceLevel{lvl("100", "1"), lvl("102", "2"), lvl("101", "3")},
		[]types.PriceLevel{lvl("105", "1"), lvl("103", "2"), lvl("104", "3")},
		42,
	)

	assert.Equal(t, int64(42), b.LastUpdateID())
	bid, ask, ok := b.Best()
	require.True(t, ok)
	assert.Equal(t, "102", bid.Price.String(), "bids descend")
	assert.Equal(t, "103", ask.Price.String(), "asks ascend")
}

func TestBookApply(t *testing.T) {
	b := NewBook()
	b.Reset(
		[]types.PriceLevel{lvl("100", "1"), lvl("99", "2")},
		[]types.PriceLevel{lvl("101", "1"), lvl("102", "2")},
		10,
	)

	b.Apply(&types.OrderbookDelta{
		LastUpdateID: 11,
		BidChanges: []types.PriceLevel{
			lvl("100", "5"),   // update in place
			lvl("100.5", "3"), // new best bid
			lvl("99", "0"),    // removal
			lvl("98", "0"),    // removal of an absent level is a no-op
		},
		AskChanges: []types.PriceLevel{lvl("101", "0")},
	})

	assert.Equal(t, int64(11), b.LastUpdateID())
	bids, asks := b.Levels(0)
	require.Len(t, bids, 2)
	assert.Equal(t, "100.5", bids[0].Price.String())
	assert.Equal(t, "5", bids[1].Quantity.String())
	require.Len(t, asks, 1)
	assert.Equal(t, "102", asks[0].Price.String())
	assert.Equal(t, 2, b.Depth())
}

func TestBookLevelsCapsDepth(t *testing.T) {
	b := NewBook()
	b.Reset(
		[]types.PriceLevel{lvl("100", "1"), lvl("99", "1"), lvl("98", "1")},
		[]types.PriceLevel{lvl("101", "1")},
		1,
	)

	bids, asks := b.Levels(2)
	assert.Len(t, bids, 2)
	assert.Len(t, asks, 1)

	// returned slices are copies
	bids[0].Quantity = decimal.RequireFromString("999")
	fresh, _ := b.Levels(1)
	assert.Equal(t, "1", fresh[0].Quantity.String())
}

func TestBookBestEmptySide(t *testing.T) {
	b := NewBook()
	b.Reset([]types.PriceLevel{lvl("100", "1")}, nil, 1)
	_, _, ok := b.Best()
	assert.False(t, ok)
}

func TestChecksum(t *testing.T) {
	b := NewBook()
	b.Reset(
		[]types.PriceLevel{lvl("8476.98", "415"), lvl("8475.55", "100")},
		[]types.PriceLevel{lvl("8476.99", "256"), lvl("8477.1", "7")},
		1,
	)
	// CRC32 of "8476.98:415:8476.99:256:8475.55:100:8477.1:7" as signed int32
	assert.Equal(t, int64(-1328787693), Checksum(b))
}

func TestChecksumUnevenSides(t *testing.T) {
	b := NewBook()
	b.Reset(
		[]types.PriceLevel{lvl("8476.98", "415")},
		[]types.PriceLevel{lvl("8476.99", "256")},
		1,
	)
	// CRC32 of "8476.98:415:8476.99:256" as signed int32
	assert.Equal(t, int64(-1879123802), Checksum(b))
}

func TestChecksumUsesRawLevelStrings(t *testing.T) {
	bid := lvl("8476.98", "415")
	bid.QuantityRaw = "415.0" // the venue hashed its own rendering

	b := NewBook()
	b.Reset([]types.PriceLevel{bid}, []types.PriceLevel{lvl("8476.99", "256")}, 1)

	// CRC32 of "8476.98:415.0:8476.99:256", not of the re-rendered decimal
	assert.Equal(t, int64(-768433237), Checksum(b))
}
