package price

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/contest-engine/internal/instrument"
	"github.com/atmx/contest-engine/internal/model"
)

// MemorySource is an in-process Source used by tests and local runs
// without Redis.
type MemorySource struct {
	mu         sync.RWMutex
	quotes     map[string]Quote
	staleAfter time.Duration
	now        func() time.Time
}

// NewMemorySource creates an empty source. Quotes older than staleAfter are
// flagged stale on read; zero disables the check.
func NewMemorySource(staleAfter time.Duration) *MemorySource {
	return &MemorySource{
		quotes:     make(map[string]Quote),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// SetClock overrides the time source used for staleness.
func (m *MemorySource) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Set stores a fresh quote stamped with the current clock.
func (m *MemorySource) Set(symbol string, bid, ask decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sym := instrument.Normalize(symbol)
	m.quotes[sym] = NewQuote(sym, bid, ask, m.now())
}

// Put stores q as-is, preserving its timestamp and flags.
func (m *MemorySource) Put(q Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q.Symbol = instrument.Normalize(q.Symbol)
	m.quotes[q.Symbol] = q
}

// Delete drops a symbol's quote.
func (m *MemorySource) Delete(symbol string) {
	m.mu.Lock()
	delete(m.quotes, instrument.Normalize(symbol))
	m.mu.Unlock()
}

func (m *MemorySource) Price(_ context.Context, symbol string) (Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.quotes[instrument.Normalize(symbol)]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", model.ErrPriceUnavailable, symbol)
	}
	return m.mark(q), nil
}

func (m *MemorySource) Prices(_ context.Context, symbols []string) (map[string]Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Quote, len(symbols))
	for _, s := range symbols {
		sym := instrument.Normalize(s)
		if q, ok := m.quotes[sym]; ok {
			out[sym] = m.mark(q)
		}
	}
	return out, nil
}

func (m *MemorySource) mark(q Quote) Quote {
	if m.staleAfter > 0 && m.now().Sub(q.Timestamp) > m.staleAfter {
		q.Stale = true
	}
	return q
}
