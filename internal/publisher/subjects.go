package publisher

import (
	"strings"

	"github.com/marketprism/marketprism/internal/types"
)

// Orderbook subject roots. full and delta carry the maintainer's validated
// output; snapshot and pure_delta are the venue-native passthrough variants
// kept for consumers that want the unmanaged feed.
const (
	RootOrderbookFull      = "orderbook.full"
	RootOrderbookDelta     = "orderbook.delta"
	RootOrderbookSnapshot  = "orderbook.snapshot"
	RootOrderbookPureDelta = "orderbook.pure_delta"
)

// Subject routes a record: `<type>.<exchange>.<symbol>` for scalar types,
// with orderbook records split into the full and delta roots.
func Subject(rec types.Record) string {
	switch rec.(type) {
	case *types.OrderbookSnapshot:
		return OrderbookSubject(RootOrderbookFull, rec.Env())
	case *types.OrderbookDelta:
		return OrderbookSubject(RootOrderbookDelta, rec.Env())
	default:
		return string(rec.Type()) + "." + token(string(rec.Env().Exchange)) + "." + token(rec.Env().Symbol)
	}
}

// OrderbookSubject builds an orderbook subject under an explicit root.
func OrderbookSubject(root string, env *types.Envelope) string {
	return root + "." + token(string(env.Exchange)) + "." + token(env.Symbol)
}

// SubjectRoot is the metric label for a subject: its data-type prefix.
func SubjectRoot(subject string) string {
	if i := strings.IndexByte(subject, '.'); i > 0 {
		return subject[:i]
	}
	return subject
}

// token lower-cases and hyphen-cases one subject component.
func token(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "_", "-"))
}
