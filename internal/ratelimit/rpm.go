// Package ratelimit implements the optional gateway-wide requests-per-minute
// guard on Redis.
//
// The guard deliberately mirrors the state store's per-provider semantics —
// a fixed-start 60-second window that trades edge precision for O(1) state —
// so the two limits behave identically from a client's point of view. The
// difference is scope: this one counts every request entering routing across
// all replicas, while the store's windows gate individual upstream calls
// in-process.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// window is the fixed-start counting window, matching the store's.
const window = time.Minute

// keyPrefix namespaces the counter keys. One key exists per window scope.
const keyPrefix = "router:rpm:"

// fixedWindowScript counts one admission atomically. The first increment of
// a window arms the key's expiry, so the counter and its window die
// together and idle deployments hold no keys.
// KEYS[1] = counter key
// ARGV[1] = window length in milliseconds
// Returns: the number of admissions in the current window, this one included.
var fixedWindowScript = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return count
`)

// RPMLimiter enforces a global requests-per-minute ceiling shared by every
// replica that talks to the same Redis.
type RPMLimiter struct {
	rdb   *redis.Client
	limit int
}

// NewRPMLimiter creates an RPMLimiter admitting at most limit requests per
// minute. limit must be > 0; values ≤ 0 block every request.
func NewRPMLimiter(rdb *redis.Client, limit int) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, limit: limit}
}

// Allow reports whether the current request fits in this minute's budget.
// When Redis is unreachable the limiter fails open: routing availability
// outranks precise throttling.
func (r *RPMLimiter) Allow(ctx context.Context) (bool, error) {
	count, err := fixedWindowScript.Run(ctx, r.rdb,
		[]string{keyPrefix + "global"},
		window.Milliseconds(),
	).Int()
	if err != nil {
		return true, nil
	}
	return count <= r.limit, nil
}
