package receiving

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// SummaryCache wraps Redis based caching of material summaries. Concurrent
// misses for the same purchase order collapse into a single loader call.
type SummaryCache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewSummaryCache instantiates the cache helper.
func NewSummaryCache(client *redis.Client, ttl time.Duration) *SummaryCache {
	return &SummaryCache{client: client, ttl: ttl}
}

func summaryKey(poID int64) string {
	return fmt.Sprintf("receiving:summary:%d", poID)
}

// Summaries loads cached summaries or populates them using the loader.
func (c *SummaryCache) Summaries(ctx context.Context, poID int64, loader func(context.Context, int64) ([]MaterialSummary, error)) ([]MaterialSummary, error) {
	if c == nil || c.client == nil {
		return loader(ctx, poID)
	}
	key := summaryKey(poID)
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var summaries []MaterialSummary
		if err := json.Unmarshal(payload, &summaries); err == nil {
			return summaries, nil
		}
		// Corrupt payload falls through to a reload.
	} else if err != redis.Nil {
		return nil, err
	}

	resultChan := c.group.DoChan(key, func() (interface{}, error) {
		summaries, err := loader(context.WithoutCancel(ctx), poID)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(summaries)
		if err != nil {
			return nil, err
		}
		if err := c.client.Set(context.WithoutCancel(ctx), key, raw, c.ttl).Err(); err != nil {
			return nil, err
		}
		return summaries, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]MaterialSummary), nil
	}
}

// Invalidate drops the cached summaries for a purchase order.
func (c *SummaryCache) Invalidate(ctx context.Context, poID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, summaryKey(poID)).Err()
}
