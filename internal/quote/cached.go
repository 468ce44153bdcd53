package quote

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/ddjk/transaction-engine/internal/metrics"
	"github.com/ddjk/transaction-engine/internal/model"
)

// CachedSource wraps a primary Source with a Redis read-through cache.
// Prices are cached per symbol for the quote lifespan; hits synthesize
// a quote with no crypto key and Cached set, so callers can skip the
// quote-server audit event for them.
type CachedSource struct {
	primary Source
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedSource creates a cached wrapper around a primary source.
func NewCachedSource(primary Source, rdb *redis.Client, ttl time.Duration) *CachedSource {
	return &CachedSource{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedSource) GetQuote(ctx context.Context, username, symbol string) (*model.Quote, error) {
	if raw, err := s.rdb.Get(ctx, quoteKey(symbol)).Result(); err == nil {
		if price, perr := decimal.NewFromString(raw); perr == nil {
			metrics.QuoteFetches.WithLabelValues("cache").Inc()
			return &model.Quote{
				Price:      price,
				Symbol:     symbol,
				Username:   username,
				ServerTime: time.Now().UnixMilli(),
				Cached:     true,
			}, nil
		}
	}

	q, err := s.primary.GetQuote(ctx, username, symbol)
	if err != nil {
		return nil, err
	}
	metrics.QuoteFetches.WithLabelValues("server").Inc()

	// Best-effort cache fill; a miss next time is not an error.
	s.rdb.Set(ctx, quoteKey(symbol), q.Price.String(), s.ttl)
	return q, nil
}

func quoteKey(symbol string) string { return fmt.Sprintf("quote:%s", symbol) }
