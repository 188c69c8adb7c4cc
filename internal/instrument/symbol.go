package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrInvalidSymbol = errors.New("instrument: invalid symbol format")
	ErrUnknownSymbol = errors.New("instrument: unknown symbol")
)

// symbolRegex matches a normalized pair: {BASE}{QUOTE}, 6 to 10 letters.
// Example: EURUSD, XAUUSD, BTCUSDT
var symbolRegex = regexp.MustCompile(`^[A-Z]{6,10}$`)

// quoteSuffixes is checked longest first when splitting non-6-letter pairs.
var quoteSuffixes = []string{"USDT", "USDC", "USD", "EUR", "JPY", "GBP", "CHF", "CAD", "AUD", "NZD", "BTC"}

// Pair is a parsed instrument symbol.
type Pair struct {
	Symbol string `json:"symbol"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
}

// Normalize upper-cases a symbol and strips separators, so "eur/usd",
// "EUR-USD" and "EUR_USD" all become "EURUSD".
func Normalize(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	return strings.NewReplacer("/", "", "-", "", "_", "", " ", "").Replace(s)
}

// ParseSymbol normalizes and splits a symbol into base and quote.
func ParseSymbol(symbol string) (Pair, error) {
	s := Normalize(symbol)
	if !symbolRegex.MatchString(s) {
		return Pair{}, fmt.Errorf("%w: %q (expected {BASE}{QUOTE}, e.g. EURUSD)", ErrInvalidSymbol, symbol)
	}
	if len(s) == 6 {
		return Pair{Symbol: s, Base: s[:3], Quote: s[3:]}, nil
	}
	for _, q := range quoteSuffixes {
		if strings.HasSuffix(s, q) && len(s)-len(q) >= 3 {
			return Pair{Symbol: s, Base: s[:len(s)-len(q)], Quote: q}, nil
		}
	}
	return Pair{}, fmt.Errorf("%w: %q has no recognised quote currency", ErrInvalidSymbol, symbol)
}
