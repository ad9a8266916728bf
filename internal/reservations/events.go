package reservations

import (
	"encoding/json"
	"time"
)

const (
	EventReservationCreated = "ReservationCreated"
	EventStatusChanged      = "ReservationStatusChanged"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // reservation_id
	Payload       json.RawMessage `json:"payload"`
}

type ReservationCreatedPayload struct {
	ReservationID string    `json:"reservation_id"`
	UserID        string    `json:"user_id"`
	MerchantID    string    `json:"merchant_id"`
	FoodItemID    string    `json:"food_item_id"`
	Quantity      int       `json:"quantity"`
	Status        Status    `json:"status"`
	PickupTime    time.Time `json:"pickup_time"`
}

// StatusChangedPayload carries the transition plus enough of the reservation
// for downstream consumers (notifier, impact rollup) to act without a
// read-back.
type StatusChangedPayload struct {
	ReservationID string `json:"reservation_id"`
	OldStatus     Status `json:"old_status"`
	NewStatus     Status `json:"new_status"`
	ActorID       string `json:"actor_id"`
	ActorRole     Role   `json:"actor_role"`
	UserID        string `json:"user_id"`
	MerchantID    string `json:"merchant_id"`
	Quantity      int    `json:"quantity"`
	SavedCents    int    `json:"saved_cents"`
}
