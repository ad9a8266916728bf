package engine

import (
	"context"
	"time"

	"github.com/rescuebite/surplus-reserve/internal/reservations"
)

// Tx is the unit the engine mutates through. Everything called on one Tx
// commits or rolls back together, so a ledger decrement can never outlive a
// failed reservation insert.
type Tx interface {
	ItemForUpdate(ctx context.Context, itemID string) (*reservations.FoodItem, error)
	ReserveStock(ctx context.Context, itemID string, qty int) error
	ReleaseStock(ctx context.Context, itemID string, qty int) error

	ReservationForUpdate(ctx context.Context, id string) (*reservations.Reservation, error)
	InsertReservation(ctx context.Context, r *reservations.Reservation) error
	CASStatus(ctx context.Context, id string, from, to reservations.Status, now time.Time, reason string) error
}

type UnitOfWork interface {
	Do(ctx context.Context, fn func(tx Tx) error) error
}

// Reader serves the non-mutating paths; slightly stale snapshots are fine.
type Reader interface {
	Reservation(ctx context.Context, id string) (*reservations.Reservation, error)
	ReservationByKey(ctx context.Context, key string) (*reservations.Reservation, error)
	ListByUser(ctx context.Context, userID string, f reservations.ListFilter) ([]reservations.Reservation, error)
	ListByMerchant(ctx context.Context, merchantID string, f reservations.ListFilter) ([]reservations.Reservation, error)
}

// Emitter is the notification collaborator's call contract. Delivery is out
// of scope; the engine only hands transitions over.
type Emitter interface {
	ReservationCreated(ctx context.Context, r *reservations.Reservation, traceID string)
	StatusChanged(ctx context.Context, r *reservations.Reservation, old reservations.Status, actor reservations.Actor, traceID string)
}

// Cache is the optional fast path for idempotency lookups and status reads.
// The store stays the source of truth; cache errors are never fatal.
type Cache interface {
	IdempotentID(ctx context.Context, key string) (string, bool)
	RememberIdempotent(ctx context.Context, key, reservationID string)
	CacheStatus(ctx context.Context, reservationID string, status reservations.Status)
}
