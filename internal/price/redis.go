package price

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/contest-engine/internal/instrument"
	"github.com/atmx/contest-engine/internal/model"
)

// RedisSource reads quotes that the market-data feed writes into Redis
// hashes at price:{SYMBOL} with fields bid, ask, ts (unix millis) and an
// optional fallback flag.
type RedisSource struct {
	rdb        *redis.Client
	staleAfter time.Duration
	now        func() time.Time
}

// NewRedisSource creates a Redis-backed price source.
func NewRedisSource(rdb *redis.Client, staleAfter time.Duration) *RedisSource {
	return &RedisSource{rdb: rdb, staleAfter: staleAfter, now: time.Now}
}

func (s *RedisSource) Price(ctx context.Context, symbol string) (Quote, error) {
	sym := instrument.Normalize(symbol)
	fields, err := s.rdb.HGetAll(ctx, priceKey(sym)).Result()
	if err != nil {
		return Quote{}, fmt.Errorf("get price %s: %w", sym, err)
	}
	q, ok := parseQuote(sym, fields, s.now(), s.staleAfter)
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", model.ErrPriceUnavailable, sym)
	}
	return q, nil
}

// Prices fetches every symbol in one pipeline round-trip.
func (s *RedisSource) Prices(ctx context.Context, symbols []string) (map[string]Quote, error) {
	out := make(map[string]Quote, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(symbols))
	for _, raw := range symbols {
		sym := instrument.Normalize(raw)
		if _, dup := cmds[sym]; dup {
			continue
		}
		cmds[sym] = pipe.HGetAll(ctx, priceKey(sym))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("batch prices: %w", err)
	}

	now := s.now()
	for sym, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil {
			continue
		}
		if q, ok := parseQuote(sym, fields, now, s.staleAfter); ok {
			out[sym] = q
		}
	}
	return out, nil
}

// Publish writes a quote in the layout RedisSource reads. Used by feed
// adapters and local tooling.
func (s *RedisSource) Publish(ctx context.Context, q Quote) error {
	sym := instrument.Normalize(q.Symbol)
	fallback := "0"
	if q.Fallback {
		fallback = "1"
	}
	return s.rdb.HSet(ctx, priceKey(sym),
		"bid", q.Bid.String(),
		"ask", q.Ask.String(),
		"ts", strconv.FormatInt(q.Timestamp.UnixMilli(), 10),
		"fallback", fallback,
	).Err()
}

func parseQuote(sym string, fields map[string]string, now time.Time, staleAfter time.Duration) (Quote, bool) {
	if len(fields) == 0 {
		return Quote{}, false
	}
	bid, err := decimal.NewFromString(fields["bid"])
	if err != nil {
		return Quote{}, false
	}
	ask, err := decimal.NewFromString(fields["ask"])
	if err != nil {
		return Quote{}, false
	}
	ms, err := strconv.ParseInt(fields["ts"], 10, 64)
	if err != nil {
		return Quote{}, false
	}

	q := NewQuote(sym, bid, ask, time.UnixMilli(ms).UTC())
	q.Fallback = fields["fallback"] == "1" || fields["fallback"] == "true"
	if staleAfter > 0 && now.Sub(q.Timestamp) > staleAfter {
		q.Stale = true
	}
	return q, true
}

func priceKey(symbol string) string { return fmt.Sprintf("price:%s", symbol) }
