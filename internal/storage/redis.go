package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/ingest-service/internal/domain"
)

// RedisGate skips candidates before any fetch happens: posts already processed
// within the TTL window and users who posted too recently. Best-effort
// politeness, not a lock — a Redis failure degrades to "not gated".
type RedisGate struct {
	client     *redis.Client
	seenTTL    time.Duration
	userWindow time.Duration
}

func NewRedisGate(client *redis.Client, seenTTL, userWindow time.Duration) *RedisGate {
	return &RedisGate{client: client, seenTTL: seenTTL, userWindow: userWindow}
}

func (g *RedisGate) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

func postKey(id int64) string    { return fmt.Sprintf("ingest:post:%d", id) }
func userKey(name string) string { return fmt.Sprintf("ingest:user:%s", name) }

// Allow reports whether the candidate should be processed at all.
func (g *RedisGate) Allow(ctx context.Context, cand domain.Candidate) (bool, error) {
	seen, err := g.client.Exists(ctx, postKey(cand.PostID)).Result()
	if err != nil {
		return true, err
	}
	if seen == 1 {
		return false, nil
	}

	recent, err := g.client.Exists(ctx, userKey(cand.Username)).Result()
	if err != nil {
		return true, err
	}
	return recent == 0, nil
}

// Done marks the candidate's post and user keys after a resolution, so
// re-listings of the same post are skipped cheaply within the TTL.
func (g *RedisGate) Done(ctx context.Context, cand domain.Candidate) error {
	if err := g.client.Set(ctx, postKey(cand.PostID), "1", g.seenTTL).Err(); err != nil {
		return err
	}
	return g.client.Set(ctx, userKey(cand.Username), "1", g.userWindow).Err()
}
