package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/rescuebite/surplus-reserve/internal/impact"
	kafkax "github.com/rescuebite/surplus-reserve/internal/kafka"
	"github.com/rescuebite/surplus-reserve/internal/redisx"
	"github.com/rescuebite/surplus-reserve/internal/reservations"
)

// Deduper remembers processed event ids so at-least-once delivery never
// double-notifies or double-counts a rollup.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
}

type RedisDeduper struct {
	R       *redis.Client
	Service string
}

func (d *RedisDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	key := fmt.Sprintf(redisx.KeyDedup, d.Service, eventID)
	exists, err := redisx.Exists(ctx, d.R, key)
	if err != nil {
		return false, err
	}
	if exists {
		return true, nil
	}
	_ = d.R.Set(ctx, key, "1", redisx.TTLDedup).Err()
	return false, nil
}

// Service consumes reservation.status.changed. It hands transitions to the
// notification channel (delivery transport lives elsewhere; here it ends at
// a log line) and keeps the impact rollup current on completions.
type Service struct {
	Dedup       Deduper
	Rollup      impact.Rollup
	ServiceName string
}

func (s *Service) HandleStatusChanged(ctx context.Context, m kafkago.Message) error {
	var env reservations.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return err
	}
	if env.EventType != reservations.EventStatusChanged {
		return nil
	}

	seen, err := s.Dedup.Seen(ctx, env.EventID)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	p, err := kafkax.UnwrapPayload[reservations.StatusChangedPayload](env.Payload)
	if err != nil {
		return err
	}

	log.Printf("notify user=%s merchant=%s reservation=%s %s -> %s (by %s %s)",
		p.UserID, p.MerchantID, p.ReservationID, p.OldStatus, p.NewStatus, p.ActorRole, p.ActorID)

	if p.NewStatus != reservations.StatusCompleted {
		return nil
	}
	delta := impact.Totals{Fulfilled: 1, Quantity: p.Quantity, SavedCents: p.SavedCents}
	if err := s.Rollup.Apply(ctx, impact.SubjectUser, p.UserID, delta); err != nil {
		return err
	}
	return s.Rollup.Apply(ctx, impact.SubjectMerchant, p.MerchantID, delta)
}
