package orderbook

import (
	"sort"

	"github.com/marketprism/marketprism/internal/types"
)

// Book is the in-memory depth state for one symbol. Bids are kept sorted
// descending and asks ascending, so index zero is always the best level.
// Not safe for concurrent use; the maintainer serializes access.
type Book struct {
	bids         []types.PriceLevel
	asks         []types.PriceLevel
	lastUpdateID int64
}

func NewBook() *Book { return &Book{} }

// LastUpdateID is the sequence number of the last applied snapshot or delta.
func (b *Book) LastUpdateID() int64 { return b.lastUpdateID }

// Reset replaces the whole book with snapshot state.
func (b *Book) Reset(bids, asks []types.PriceLevel, lastUpdateID int64) {
	b.bids = append(b.bids[:0], bids...)
	b.asks = append(b.asks[:0], asks...)
	sort.Slice(b.bids, func(i, j int) bool { return b.bids[i].Price.GreaterThan(b.bids[j].Price) })
	sort.Slice(b.asks, func(i, j int) bool { return b.asks[i].Price.LessThan(b.asks[j].Price) })
	b.lastUpdateID = lastUpdateID
}

// Apply merges one delta into the book. A zero quantity removes the level,
// and removals of absent levels are silently ignored.
func (b *Book) Apply(d *types.OrderbookDelta) {
	for _, lv := range d.BidChanges {
		b.bids = applyLevel(b.bids, lv, true)
	}
	for _, lv := range d.AskChanges {
		b.asks = applyLevel(b.asks, lv, false)
	}
	b.lastUpdateID = d.LastUpdateID
}

// Best returns the top of book. ok is false while either side is empty.
func (b *Book) Best() (bid, ask types.PriceLevel, ok bool) {
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return types.PriceLevel{}, types.PriceLevel{}, false
	}
	return b.bids[0], b.asks[0], true
}

// Levels returns copies of the top maxDepth levels per side. maxDepth <= 0
// copies the full book.
func (b *Book) Levels(maxDepth int) (bids, asks []types.PriceLevel) {
	nb, na := len(b.bids), len(b.asks)
	if maxDepth > 0 {
		nb = min(nb, maxDepth)
		na = min(na, maxDepth)
	}
	bids = append([]types.PriceLevel(nil), b.bids[:nb]...)
	asks = append([]types.PriceLevel(nil), b.asks[:na]...)
	return bids, asks
}

// Depth returns the deeper of the two side counts.
func (b *Book) Depth() int { return max(len(b.bids), len(b.asks)) }

func applyLevel(side []types.PriceLevel, lv types.PriceLevel, descending bool) []types.PriceLevel {
	i := sort.Search(len(side), func(i int) bool {
		if descending {
			return !side[i].Price.GreaterThan(lv.Price)
		}
		return !side[i].Price.LessThan(lv.Price)
	})
	exists := i < len(side) && side[i].Price.Equal(lv.Price)

	if lv.Quantity.IsZero() {
		if exists {
			side = append(side[:i], side[i+1:]...)
		}
		return side
	}
	if exists {
		side[i] = lv // keeps the raw strings current for checksums
		return side
	}
	side = append(side, types.PriceLevel{})
	copy(side[i+1:], side[i:])
	side[i] = lv
	return side
}
