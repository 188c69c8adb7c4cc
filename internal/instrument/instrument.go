// Package instrument holds the tradable symbol catalog: contract size, pip
// size, quote-to-USD conversion and trading hours per symbol.
package instrument

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Class is an instrument's asset class. It decides the trading calendar.
type Class string

const (
	ClassFX     Class = "fx"
	ClassMetal  Class = "metal"
	ClassCrypto Class = "crypto"
)

// Instrument describes one tradable symbol.
type Instrument struct {
	Symbol       string          `json:"symbol"`
	Base         string          `json:"base"`
	Quote        string          `json:"quote"`
	Class        Class           `json:"class"`
	ContractSize decimal.Decimal `json:"contract_size"` // units per lot
	PipSize      decimal.Decimal `json:"pip_size"`
	// USDRate converts one unit of the quote currency into USD. Only used
	// for crosses where neither leg is USD.
	USDRate decimal.Decimal `json:"usd_rate"`
}

var (
	fxContract   = decimal.NewFromInt(100000)
	fxPip        = decimal.New(1, -4)
	jpyPip       = decimal.New(1, -2)
	one          = decimal.NewFromInt(1)
	usdCurrency  = "USD"
	usdStable    = map[string]bool{"USD": true, "USDT": true, "USDC": true}
	weekendClose = 22 // hour UTC on Friday; reopens Sunday at the same hour
)

// ToUSD converts an amount denominated in the quote currency into USD.
// USD-quoted pairs pass through, USD-based pairs divide by mark and crosses
// multiply by USDRate.
func (i Instrument) ToUSD(amount, mark decimal.Decimal) decimal.Decimal {
	switch {
	case usdStable[i.Quote]:
		return amount
	case i.Base == usdCurrency:
		if !mark.IsPositive() {
			return decimal.Zero
		}
		return amount.Div(mark)
	case i.USDRate.IsPositive():
		return amount.Mul(i.USDRate)
	default:
		return amount
	}
}

// IsOpen reports whether the instrument trades at t. Crypto trades around
// the clock; FX and metals close from Friday 22:00 to Sunday 22:00 UTC.
func (i Instrument) IsOpen(t time.Time) bool {
	if i.Class == ClassCrypto {
		return true
	}
	t = t.UTC()
	switch t.Weekday() {
	case time.Saturday:
		return false
	case time.Friday:
		return t.Hour() < weekendClose
	case time.Sunday:
		return t.Hour() >= weekendClose
	default:
		return true
	}
}

// Catalog is an immutable symbol lookup table.
type Catalog struct {
	items map[string]Instrument
}

// NewCatalog indexes the given instruments by normalized symbol.
func NewCatalog(items ...Instrument) *Catalog {
	c := &Catalog{items: make(map[string]Instrument, len(items))}
	for _, it := range items {
		it.Symbol = Normalize(it.Symbol)
		c.items[it.Symbol] = it
	}
	return c
}

// Lookup returns the catalog entry for symbol or ErrUnknownSymbol.
func (c *Catalog) Lookup(symbol string) (Instrument, error) {
	it, ok := c.items[Normalize(symbol)]
	if !ok {
		return Instrument{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return it, nil
}

// Resolve is Lookup that never fails: symbols missing from the catalog are
// treated as standard FX lots with the pip size implied by the quote.
func (c *Catalog) Resolve(symbol string) Instrument {
	if it, err := c.Lookup(symbol); err == nil {
		return it
	}
	it := Instrument{Symbol: Normalize(symbol), Class: ClassFX, ContractSize: fxContract, PipSize: fxPip}
	if p, err := ParseSymbol(symbol); err == nil {
		it.Base, it.Quote = p.Base, p.Quote
		if p.Quote == "JPY" {
			it.PipSize = jpyPip
		}
	}
	return it
}

// Symbols lists every catalog symbol in sorted order.
func (c *Catalog) Symbols() []string {
	out := make([]string, 0, len(c.items))
	for s := range c.items {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// catalogFile is the YAML layout accepted by LoadCatalog.
type catalogFile struct {
	Instruments []struct {
		Symbol       string `yaml:"symbol"`
		Class        string `yaml:"class"`
		ContractSize string `yaml:"contract_size"`
		PipSize      string `yaml:"pip_size"`
		USDRate      string `yaml:"usd_rate"`
	} `yaml:"instruments"`
}

// LoadCatalog reads a YAML catalog from path. An empty path yields the
// built-in default catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	return ParseCatalog(f)
}

// ParseCatalog decodes a YAML catalog.
func ParseCatalog(r io.Reader) (*Catalog, error) {
	var file catalogFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	items := make([]Instrument, 0, len(file.Instruments))
	for _, e := range file.Instruments {
		pair, err := ParseSymbol(e.Symbol)
		if err != nil {
			return nil, err
		}
		it := Instrument{
			Symbol: pair.Symbol,
			Base:   pair.Base,
			Quote:  pair.Quote,
			Class:  Class(strings.ToLower(e.Class)),
		}
		if it.Class == "" {
			it.Class = ClassFX
		}
		if it.ContractSize, err = parsePositive(e.ContractSize, fxContract); err != nil {
			return nil, fmt.Errorf("%s contract_size: %w", pair.Symbol, err)
		}
		defPip := fxPip
		if pair.Quote == "JPY" {
			defPip = jpyPip
		}
		if it.PipSize, err = parsePositive(e.PipSize, defPip); err != nil {
			return nil, fmt.Errorf("%s pip_size: %w", pair.Symbol, err)
		}
		if it.USDRate, err = parsePositive(e.USDRate, one); err != nil {
			return nil, fmt.Errorf("%s usd_rate: %w", pair.Symbol, err)
		}
		items = append(items, it)
	}
	return NewCatalog(items...), nil
}

func parsePositive(raw string, def decimal.Decimal) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	v, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, err
	}
	if !v.IsPositive() {
		return decimal.Zero, fmt.Errorf("must be positive, got %s", raw)
	}
	return v, nil
}

func fx(symbol string, usdRate float64) Instrument {
	p, _ := ParseSymbol(symbol)
	pip := fxPip
	if p.Quote == "JPY" {
		pip = jpyPip
	}
	return Instrument{
		Symbol: p.Symbol, Base: p.Base, Quote: p.Quote, Class: ClassFX,
		ContractSize: fxContract, PipSize: pip, USDRate: decimal.NewFromFloat(usdRate),
	}
}

// DefaultCatalog is used when no catalog file is configured.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		fx("EURUSD", 1), fx("GBPUSD", 1), fx("AUDUSD", 1), fx("NZDUSD", 1),
		fx("USDJPY", 1), fx("USDCHF", 1), fx("USDCAD", 1),
		fx("EURGBP", 1.27), fx("EURJPY", 0.0067), fx("GBPJPY", 0.0067), fx("EURCHF", 1.12),
		Instrument{Symbol: "XAUUSD", Base: "XAU", Quote: "USD", Class: ClassMetal,
			ContractSize: decimal.NewFromInt(100), PipSize: decimal.New(1, -2), USDRate: one},
		Instrument{Symbol: "BTCUSD", Base: "BTC", Quote: "USD", Class: ClassCrypto,
			ContractSize: one, PipSize: one, USDRate: one},
		Instrument{Symbol: "ETHUSD", Base: "ETH", Quote: "USD", Class: ClassCrypto,
			ContractSize: one, PipSize: decimal.New(1, -1), USDRate: one},
	)
}
