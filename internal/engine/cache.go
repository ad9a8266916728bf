package engine

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rescuebite/surplus-reserve/internal/redisx"
	"github.com/rescuebite/surplus-reserve/internal/reservations"
)

// RedisCache backs the idempotency fast path and the status cache. Errors
// are swallowed: Postgres stays the source of truth either way.
type RedisCache struct{ R *redis.Client }

var _ Cache = (*RedisCache)(nil)

func (c *RedisCache) IdempotentID(ctx context.Context, key string) (string, bool) {
	id, err := c.R.Get(ctx, fmt.Sprintf(redisx.KeyIdemReservation, key)).Result()
	return id, err == nil && id != ""
}

func (c *RedisCache) RememberIdempotent(ctx context.Context, key, reservationID string) {
	_ = c.R.Set(ctx, fmt.Sprintf(redisx.KeyIdemReservation, key), reservationID, redisx.TTLIdempotency).Err()
}

func (c *RedisCache) CacheStatus(ctx context.Context, reservationID string, status reservations.Status) {
	body := fmt.Sprintf(`{"status":%q}`, status)
	_ = c.R.Set(ctx, fmt.Sprintf(redisx.KeyReservationStatus, reservationID), body, redisx.TTLStatusCache).Err()
}
