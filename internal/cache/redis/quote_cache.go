package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
)

// QuoteCache implements domain.QuoteCache using Redis hashes. Each symbol's
// last close lives at "quote:{symbol}" with fields "price" and "ts" (Unix
// nanoseconds).
type QuoteCache struct {
	c   *Client
	ttl time.Duration
}

// NewQuoteCache creates a QuoteCache. A positive ttl expires quotes that
// stop updating.
func NewQuoteCache(c *Client, ttl time.Duration) *QuoteCache {
	return &QuoteCache{c: c, ttl: ttl}
}

func (qc *QuoteCache) key(symbol string) string {
	return qc.c.Key("quote", symbol)
}

// SetQuote stores the latest close for a symbol. An older timestamp never
// overwrites a newer one.
func (qc *QuoteCache) SetQuote(ctx context.Context, symbol string, price float64, ts time.Time) error {
	key := qc.key(symbol)
	err := setQuoteScript.Run(ctx, qc.c.rdb, []string{key},
		strconv.FormatFloat(price, 'f', -1, 64),
		ts.UnixNano(),
		qc.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("redis: set quote %s: %w", symbol, err)
	}
	return nil
}

// setQuoteScript writes price/ts only when ts is not older than the stored
// one. Returns 1 when written.
var setQuoteScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ts')
if cur and tonumber(cur) > tonumber(ARGV[2]) then
    return 0
end
redis.call('HSET', KEYS[1], 'price', ARGV[1], 'ts', ARGV[2])
if tonumber(ARGV[3]) > 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// GetQuote returns the latest close and its bar time. It returns
// domain.ErrNotFound when the symbol has no quote.
func (qc *QuoteCache) GetQuote(ctx context.Context, symbol string) (float64, time.Time, error) {
	vals, err := qc.c.rdb.HGetAll(ctx, qc.key(symbol)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get quote %s: %w", symbol, err)
	}
	price, ts, ok, err := parseQuote(vals)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse quote %s: %w", symbol, err)
	}
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return price, ts, nil
}

// GetQuotes fetches several quotes in one pipeline. Symbols without a quote
// are omitted.
func (qc *QuoteCache) GetQuotes(ctx context.Context, symbols []string) (map[string]float64, error) {
	result := make(map[string]float64, len(symbols))
	if len(symbols) == 0 {
		return result, nil
	}

	pipe := qc.c.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(symbols))
	for _, sym := range symbols {
		cmds[sym] = pipe.HGetAll(ctx, qc.key(sym))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get quotes pipeline: %w", err)
	}

	for sym, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		if price, _, ok, err := parseQuote(vals); err == nil && ok {
			result[sym] = price
		}
	}
	return result, nil
}

func parseQuote(vals map[string]string) (float64, time.Time, bool, error) {
	priceStr, ok := vals["price"]
	if !ok {
		return 0, time.Time{}, false, nil
	}
	tsStr, ok := vals["ts"]
	if !ok {
		return 0, time.Time{}, false, nil
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, time.Time{}, false, err
	}
	nanos, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, false, err
	}
	return price, time.Unix(0, nanos).UTC(), true, nil
}

var _ domain.QuoteCache = (*QuoteCache)(nil)
