package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/qr-token-service/internal/domain"
)

const (
	summaryKey    = "qrtokens:summary"
	generationKey = "qrtokens:summary:gen"
)

// SummaryCache stores the aggregate token counts served by /info.
type SummaryCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSummaryCache wraps a redis client. A nil client or non-positive ttl
// yields a cache that never hits.
func NewSummaryCache(client *redis.Client, ttl time.Duration) *SummaryCache {
	return &SummaryCache{client: client, ttl: ttl}
}

// Get returns the cached counts, or nil on a miss.
func (c *SummaryCache) Get(ctx context.Context) (*domain.TokenStats, error) {
	if !c.enabled() {
		return nil, nil
	}
	raw, err := c.client.Get(ctx, summaryKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get summary: %w", err)
	}
	var stats domain.TokenStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return &stats, nil
}

// Generation returns the invalidation counter. Callers read it before
// computing counts and hand it back to Set.
func (c *SummaryCache) Generation(ctx context.Context) (int64, error) {
	if !c.enabled() {
		return 0, nil
	}
	gen, err := c.client.Get(ctx, generationKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get summary generation: %w", err)
	}
	return gen, nil
}

// Set stores counts for the configured ttl. The write is dropped when an
// Invalidate has moved the generation past gen.
func (c *SummaryCache) Set(ctx context.Context, stats *domain.TokenStats, gen int64) error {
	if !c.enabled() || stats == nil {
		return nil
	}
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}

	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, generationKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, summaryKey, raw, c.ttl)
			return nil
		})
		return err
	}, generationKey)
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("set summary: %w", err)
	}
	return nil
}

// Invalidate drops the cached counts and bumps the generation.
func (c *SummaryCache) Invalidate(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey)
		pipe.Del(ctx, summaryKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate summary: %w", err)
	}
	return nil
}

func (c *SummaryCache) enabled() bool {
	return c != nil && c.client != nil && c.ttl > 0
}
