package verification

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores verification results in Redis as JSON, keyed by gallery and
// buyer. Entries never outlive the subscription end date.
type Cache struct {
	client *redis.Client
	maxTTL time.Duration
}

// NewCache constructs a cache helper.
func NewCache(client *redis.Client, maxTTL time.Duration) *Cache {
	return &Cache{client: client, maxTTL: maxTTL}
}

func cacheKey(galleryID, buyerID string) string {
	return "verify:" + galleryID + ":" + buyerID
}

// Negative entries stay short-lived so an out-of-band grant (support resolving
// an escalation, a manual refund reversal) is picked up without waiting out
// the full cache window.
const negativeTTL = time.Minute

// Get loads a cached result. It reports whether an entry existed.
func (c *Cache) Get(ctx context.Context, galleryID, buyerID string) (Result, bool, error) {
	if c == nil || c.client == nil || galleryID == "" || buyerID == "" {
		return Result{}, false, nil
	}
	data, err := c.client.Get(ctx, cacheKey(galleryID, buyerID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Result{}, false, nil
		}
		return Result{}, false, err
	}
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, false, err
	}
	return result, true, nil
}

// Set stores a result. The TTL is capped so a positive entry expires no later
// than the subscription itself; negative entries expire after a minute.
func (c *Cache) Set(ctx context.Context, galleryID, buyerID string, result Result) error {
	if c == nil || c.client == nil || galleryID == "" || buyerID == "" {
		return nil
	}
	ttl := c.maxTTL
	if !result.HasAccess && ttl > negativeTTL {
		ttl = negativeTTL
	}
	if result.HasAccess && result.Subscription != nil {
		remaining := time.Until(result.Subscription.EndDate)
		if remaining <= 0 {
			return c.Delete(ctx, galleryID, buyerID)
		}
		if remaining < ttl {
			ttl = remaining
		}
	}
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(galleryID, buyerID), data, ttl).Err()
}

// Delete removes a cached result.
func (c *Cache) Delete(ctx context.Context, galleryID, buyerID string) error {
	if c == nil || c.client == nil || galleryID == "" || buyerID == "" {
		return nil
	}
	return c.client.Del(ctx, cacheKey(galleryID, buyerID)).Err()
}
