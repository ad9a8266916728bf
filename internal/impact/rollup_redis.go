package impact

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/rescuebite/surplus-reserve/internal/redisx"
)

// RedisRollup keeps per-subject running totals in a hash. It only ever
// holds derived numbers; Reconcile rewrites it from Postgres on drift.
type RedisRollup struct{ R *redis.Client }

var _ Rollup = (*RedisRollup)(nil)

func rollupKey(subject Subject, id string) string {
	if subject == SubjectMerchant {
		return fmt.Sprintf(redisx.KeyImpactMerchant, id)
	}
	return fmt.Sprintf(redisx.KeyImpactUser, id)
}

func (r *RedisRollup) Apply(ctx context.Context, subject Subject, id string, delta Totals) error {
	key := rollupKey(subject, id)
	pipe := r.R.Pipeline()
	pipe.HIncrBy(ctx, key, "fulfilled", int64(delta.Fulfilled))
	pipe.HIncrBy(ctx, key, "quantity", int64(delta.Quantity))
	pipe.HIncrBy(ctx, key, "saved_cents", int64(delta.SavedCents))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisRollup) Totals(ctx context.Context, subject Subject, id string) (Totals, bool, error) {
	m, err := r.R.HGetAll(ctx, rollupKey(subject, id)).Result()
	if err != nil {
		return Totals{}, false, err
	}
	if len(m) == 0 {
		return Totals{}, false, nil
	}
	atoi := func(s string) int {
		n, _ := strconv.Atoi(s)
		return n
	}
	return Totals{
		Fulfilled:  atoi(m["fulfilled"]),
		Quantity:   atoi(m["quantity"]),
		SavedCents: atoi(m["saved_cents"]),
	}, true, nil
}

func (r *RedisRollup) Set(ctx context.Context, subject Subject, id string, t Totals) error {
	return r.R.HSet(ctx, rollupKey(subject, id),
		"fulfilled", t.Fulfilled,
		"quantity", t.Quantity,
		"saved_cents", t.SavedCents,
	).Err()
}
