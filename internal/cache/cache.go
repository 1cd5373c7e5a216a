package cache

import (
	"context"
	"time"
)

// Cache is the response-cache capability. Implementations must be safe for
// concurrent use and must degrade gracefully — a broken cache never fails a
// request, it just stops caching.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
