package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/rescuebite/surplus-reserve/internal/kafka"
	"github.com/rescuebite/surplus-reserve/internal/reservations"
)

// KafkaEmitter publishes lifecycle events on two topics, partitioned by
// reservation id so per-reservation order holds.
type KafkaEmitter struct {
	Created *kafkax.Producer // reservation.created
	Status  *kafkax.Producer // reservation.status.changed
	Service string
}

var _ Emitter = (*KafkaEmitter)(nil)

func (e *KafkaEmitter) ReservationCreated(ctx context.Context, r *reservations.Reservation, traceID string) {
	payload := reservations.ReservationCreatedPayload{
		ReservationID: r.ID,
		UserID:        r.UserID,
		MerchantID:    r.MerchantID,
		FoodItemID:    r.FoodItemID,
		Quantity:      r.Quantity,
		Status:        r.Status,
		PickupTime:    r.PickupTime,
	}
	e.publish(e.Created, reservations.EventReservationCreated, r.ID, traceID, kafkax.MustMarshal(payload))
}

func (e *KafkaEmitter) StatusChanged(ctx context.Context, r *reservations.Reservation, old reservations.Status, actor reservations.Actor, traceID string) {
	payload := reservations.StatusChangedPayload{
		ReservationID: r.ID,
		OldStatus:     old,
		NewStatus:     r.Status,
		ActorID:       actor.ID,
		ActorRole:     actor.Role,
		UserID:        r.UserID,
		MerchantID:    r.MerchantID,
		Quantity:      r.Quantity,
		SavedCents:    r.SavedCents(),
	}
	e.publish(e.Status, reservations.EventStatusChanged, r.ID, traceID, kafkax.MustMarshal(payload))
}

func (e *KafkaEmitter) publish(p *kafkax.Producer, eventType, reservationID, traceID string, payload []byte) {
	ev := reservations.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      e.Service,
		TraceID:       traceID,
		CorrelationID: reservationID,
		Payload:       payload,
	}
	p.Publish(reservations.PartitionKey(reservationID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
