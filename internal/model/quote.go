package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// priceRe accepts plain and scientific decimal notation as providers emit it.
var priceRe = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?([eE][+-]?[0-9]+)?$`)

// Quote is a single price observation for a pair. Price is carried as a
// string to preserve provider precision; numeric conversion is the caller's
// concern.
type Quote struct {
	Pair       Pair      `json:"pair"`
	Price      string    `json:"price"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// NewQuote validates the price format and builds a quote.
func NewQuote(pair Pair, price string, receivedAt time.Time) (Quote, error) {
	price = strings.TrimSpace(price)
	if !priceRe.MatchString(price) {
		return Quote{}, fmt.Errorf("invalid price %q for %s", price, pair)
	}
	return Quote{Pair: pair, Price: price, ReceivedAt: receivedAt}, nil
}

// ValidPrice reports whether s is a well-formed decimal price string.
func ValidPrice(s string) bool {
	return priceRe.MatchString(strings.TrimSpace(s))
}

// CachedQuote is a quote as stored in the cache, stamped with its source and
// the time it was cached.
type CachedQuote struct {
	Quote
	Source   SourceName `json:"source"`
	CachedAt time.Time  `json:"cachedAt"`
}
