package orderbook

import (
	"hash/crc32"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/marketprism/marketprism/internal/types"
)

// checksumDepth is how many levels per side enter the OKX checksum.
const checksumDepth = 25

// Checksum computes the OKX books checksum over the top 25 levels of each
// side: bid and ask level strings interleaved as price:quantity pairs, joined
// with colons, CRC32 of the result interpreted as a signed 32-bit value.
func Checksum(b *Book) int64 {
	bids, asks := b.Levels(checksumDepth)

	var sb strings.Builder
	n := max(len(bids), len(asks))
	for i := 0; i < n; i++ {
		if i < len(bids) {
			writeLevel(&sb, bids[i])
		}
		if i < len(asks) {
			writeLevel(&sb, asks[i])
		}
	}
	payload := strings.TrimSuffix(sb.String(), ":")
	return int64(int32(crc32.ChecksumIEEE([]byte(payload))))
}

// writeLevel renders one level. The venue's raw strings take precedence:
// decimal re-rendering strips trailing zeros and would corrupt the CRC.
func writeLevel(sb *strings.Builder, lv types.PriceLevel) {
	sb.WriteString(levelString(lv.PriceRaw, lv.Price))
	sb.WriteByte(':')
	sb.WriteString(levelString(lv.QuantityRaw, lv.Quantity))
	sb.WriteByte(':')
}

func levelString(raw string, d decimal.Decimal) string {
	if raw != "" {
		return raw
	}
	return d.String()
}
