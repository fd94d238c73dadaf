package model

import (
	"fmt"
	"strings"
)

// Pair is an ordered (base, quote) asset pair. Symbol case is preserved as
// registered; comparisons are case-insensitive.
type Pair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// NewPair builds a pair from base and quote symbols.
func NewPair(base, quote string) (Pair, error) {
	base = strings.TrimSpace(base)
	quote = strings.TrimSpace(quote)
	if base == "" || quote == "" {
		return Pair{}, fmt.Errorf("pair symbols must be non-empty: base=%q quote=%q", base, quote)
	}
	return Pair{Base: base, Quote: quote}, nil
}

// MustPair is NewPair for static pairs in tests and fixtures.
func MustPair(base, quote string) Pair {
	p, err := NewPair(base, quote)
	if err != nil {
		panic(err)
	}
	return p
}

// Key returns the canonical "BASE/QUOTE" form used in cache keys, registry
// indices and metric labels.
func (p Pair) Key() string {
	return p.Base + "/" + p.Quote
}

// Equal compares two pairs case-insensitively.
func (p Pair) Equal(other Pair) bool {
	return strings.EqualFold(p.Base, other.Base) && strings.EqualFold(p.Quote, other.Quote)
}

// IsZero reports whether the pair is empty.
func (p Pair) IsZero() bool {
	return p.Base == "" && p.Quote == ""
}

func (p Pair) String() string {
	return p.Key()
}

// ParsePair parses a "BASE/QUOTE" key back into a pair.
func ParsePair(key string) (Pair, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 2 {
		return Pair{}, fmt.Errorf("invalid pair key %q", key)
	}
	return NewPair(parts[0], parts[1])
}
