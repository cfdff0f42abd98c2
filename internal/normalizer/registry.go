package normalizer

import (
	"sync"

	"github.com/marketprism/marketprism/internal/types"
)

// SymbolRegistry maps exchange-native symbols to canonical symbols and
// back. Exchange clients consult it when building subscriptions; the
// normalizer consults it on every inbound message.
type SymbolRegistry struct {
	mu sync.RWMutex

	// nativeToCanonical: exchange -> native symbol -> canonical
	nativeToCanonical map[types.Exchange]map[string]string

	// canonicalToNative: canonical -> exchange -> native symbol
	canonicalToNative map[string]map[types.Exchange]string
}

// NewSymbolRegistry creates an empty registry.
func NewSymbolRegistry() *SymbolRegistry {
	return &SymbolRegistry{
		nativeToCanonical: make(map[types.Exchange]map[string]string),
		canonicalToNative: make(map[string]map[types.Exchange]string),
	}
}

// Register records one native-to-canonical mapping.
func (r *SymbolRegistry) Register(exchange types.Exchange, native, canonical string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.nativeToCanonical[exchange] == nil {
		r.nativeToCanonical[exchange] = make(map[string]string)
	}
	r.nativeToCanonical[exchange][native] = canonical

	if r.canonicalToNative[canonical] == nil {
		r.canonicalToNative[canonical] = make(map[types.Exchange]string)
	}
	r.canonicalToNative[canonical][exchange] = native
}

// ToCanonical resolves a native symbol, falling back to structural
// canonicalization when the symbol was never registered.
func (r *SymbolRegistry) ToCanonical(exchange types.Exchange, native string, marketType types.MarketType) (string, error) {
	r.mu.RLock()
	if mapping, ok := r.nativeToCanonical[exchange]; ok {
		if canonical, ok := mapping[native]; ok {
			r.mu.RUnlock()
			return canonical, nil
		}
	}
	r.mu.RUnlock()

	canonical, err := CanonicalSymbol(native, marketType)
	if err != nil {
		return "", err
	}
	r.Register(exchange, native, canonical)
	return canonical, nil
}

// ToNative resolves a canonical symbol to the exchange-native form, or ""
// when no mapping exists.
func (r *SymbolRegistry) ToNative(canonical string, exchange types.Exchange) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if mapping, ok := r.canonicalToNative[canonical]; ok {
		return mapping[exchange]
	}
	return ""
}

// Canonicals returns every canonical symbol known to the registry.
func (r *SymbolRegistry) Canonicals() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.canonicalToNative))
	for canonical := range r.canonicalToNative {
		out = append(out, canonical)
	}
	return out
}
