package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rescuebite/surplus-reserve/internal/reservations"
)

// Policy holds the lifecycle knobs that come from configuration.
type Policy struct {
	// CancelWindow: a user may cancel only while now < pickup_time - CancelWindow.
	CancelWindow time.Duration
	// RequireConfirmation: new reservations start pending when true,
	// confirmed otherwise.
	RequireConfirmation bool
	// ConflictRetries bounds internal retries on ErrStorageConflict.
	ConflictRetries int
}

// Engine orchestrates the reservation lifecycle. It is the only writer of
// stock counters and reservation statuses; everything it mutates goes
// through one UnitOfWork so the ledger and the store never disagree.
type Engine struct {
	UoW     UnitOfWork
	Reader  Reader
	Emitter Emitter
	Cache   Cache // optional
	Policy  Policy

	// Now is swapped in tests to pin the cancellation-window clock.
	Now func() time.Time
}

func New(uow UnitOfWork, reader Reader, emitter Emitter, cache Cache, policy Policy) *Engine {
	if policy.ConflictRetries < 1 {
		policy.ConflictRetries = 3
	}
	if policy.CancelWindow <= 0 {
		policy.CancelWindow = 2 * time.Hour
	}
	return &Engine{UoW: uow, Reader: reader, Emitter: emitter, Cache: cache, Policy: policy, Now: time.Now}
}

type CreateInput struct {
	UserID         string
	ItemID         string
	Quantity       int
	IdempotencyKey string
	TraceID        string
}

// CreateReservation reserves stock and records the reservation as one atomic
// unit. The returned bool is true when the call was an idempotent replay of
// an earlier request.
func (e *Engine) CreateReservation(ctx context.Context, in CreateInput) (*reservations.Reservation, bool, error) {
	if in.Quantity < 1 {
		return nil, false, reservations.ErrInvalidQuantity
	}

	if in.IdempotencyKey != "" {
		if r, ok := e.replay(ctx, in.IdempotencyKey); ok {
			return r, true, nil
		}
	}

	var res *reservations.Reservation
	err := e.withRetry(ctx, func(tx Tx) error {
		res = nil
		now := e.Now()
		item, err := tx.ItemForUpdate(ctx, in.ItemID)
		if err != nil {
			return err
		}
		if !item.Active || !now.Before(item.PickupEnd) {
			return reservations.ErrItemUnavailable
		}
		if err := tx.ReserveStock(ctx, in.ItemID, in.Quantity); err != nil {
			return err
		}
		status := reservations.StatusConfirmed
		if e.Policy.RequireConfirmation {
			status = reservations.StatusPending
		}
		res = &reservations.Reservation{
			ID:                       uuid.NewString(),
			IdempotencyKey:           in.IdempotencyKey,
			UserID:                   in.UserID,
			MerchantID:               item.MerchantID,
			FoodItemID:               item.ID,
			Quantity:                 in.Quantity,
			UnitPriceOriginalCents:   item.PriceOriginalCents,
			UnitPriceDiscountedCents: item.PriceDiscountedCents,
			Status:                   status,
			PickupTime:               item.PickupStart,
			CreatedAt:                now,
			UpdatedAt:                now,
		}
		return tx.InsertReservation(ctx, res)
	})
	if err != nil {
		// A conflict on the idempotency key means a concurrent duplicate
		// request won the insert; hand its reservation back instead.
		if errors.Is(err, reservations.ErrStorageConflict) && in.IdempotencyKey != "" {
			if r, ok := e.replay(ctx, in.IdempotencyKey); ok {
				return r, true, nil
			}
		}
		return nil, false, err
	}

	if e.Cache != nil {
		if in.IdempotencyKey != "" {
			e.Cache.RememberIdempotent(ctx, in.IdempotencyKey, res.ID)
		}
		e.Cache.CacheStatus(ctx, res.ID, res.Status)
	}
	e.Emitter.ReservationCreated(ctx, res, in.TraceID)
	return res, false, nil
}

func (e *Engine) replay(ctx context.Context, key string) (*reservations.Reservation, bool) {
	if e.Cache != nil {
		if id, ok := e.Cache.IdempotentID(ctx, key); ok {
			if r, err := e.Reader.Reservation(ctx, id); err == nil {
				return r, true
			}
		}
	}
	r, err := e.Reader.ReservationByKey(ctx, key)
	if err != nil {
		return nil, false
	}
	return r, true
}

// CancelReservation cancels and releases the held stock in one transaction.
// Re-cancelling an already-cancelled reservation is a no-op success so
// client retries stay harmless; completed reservations stay completed.
func (e *Engine) CancelReservation(ctx context.Context, id string, actor reservations.Actor, reason string) error {
	var (
		res  *reservations.Reservation
		old  reservations.Status
		noop bool
	)
	err := e.withRetry(ctx, func(tx Tx) error {
		res, noop = nil, false
		now := e.Now()
		r, err := tx.ReservationForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if r.Status == reservations.StatusCancelled {
			noop = true
			return nil
		}
		if err := e.authorize(r, actor); err != nil {
			return err
		}
		if err := reservations.RequireTransition(r.Status, reservations.StatusCancelled, actor.Role); err != nil {
			return err
		}
		// The window guard binds users only; merchant/admin overrides pass.
		if actor.Role == reservations.RoleUser && !now.Before(r.PickupTime.Add(-e.Policy.CancelWindow)) {
			return reservations.ErrCancellationWindow
		}
		if err := tx.CASStatus(ctx, r.ID, r.Status, reservations.StatusCancelled, now, reason); err != nil {
			return err
		}
		if err := tx.ReleaseStock(ctx, r.FoodItemID, r.Quantity); err != nil {
			return err
		}
		old = r.Status
		r.Status = reservations.StatusCancelled
		r.CancelledAt = &now
		r.CancellationReason = reason
		res = r
		return nil
	})
	if err != nil || noop {
		return err
	}

	if e.Cache != nil {
		e.Cache.CacheStatus(ctx, res.ID, res.Status)
	}
	e.Emitter.StatusChanged(ctx, res, old, actor, "")
	return nil
}

// AdvanceStatus moves a reservation along the legal transition table.
// Cancellation is not a target here: it has its own operation because it
// must also return stock.
func (e *Engine) AdvanceStatus(ctx context.Context, id string, target reservations.Status, actor reservations.Actor) error {
	if !target.Valid() || target == reservations.StatusCancelled {
		return reservations.ErrIllegalTransition
	}
	var (
		res *reservations.Reservation
		old reservations.Status
	)
	err := e.withRetry(ctx, func(tx Tx) error {
		res = nil
		now := e.Now()
		r, err := tx.ReservationForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := e.authorize(r, actor); err != nil {
			return err
		}
		if err := reservations.RequireTransition(r.Status, target, actor.Role); err != nil {
			return err
		}
		if err := tx.CASStatus(ctx, r.ID, r.Status, target, now, ""); err != nil {
			return err
		}
		old = r.Status
		r.Status = target
		res = r
		return nil
	})
	if err != nil {
		return err
	}

	if e.Cache != nil {
		e.Cache.CacheStatus(ctx, res.ID, res.Status)
	}
	e.Emitter.StatusChanged(ctx, res, old, actor, "")
	return nil
}

// authorize ties non-admin actors to their own reservations. The role side
// of authorization lives in the transition table.
func (e *Engine) authorize(r *reservations.Reservation, actor reservations.Actor) error {
	switch actor.Role {
	case reservations.RoleUser:
		if r.UserID != actor.ID {
			return reservations.ErrUnauthorized
		}
	case reservations.RoleMerchant:
		if r.MerchantID != actor.ID {
			return reservations.ErrUnauthorized
		}
	case reservations.RoleAdmin:
	default:
		return reservations.ErrUnauthorized
	}
	return nil
}

func (e *Engine) Get(ctx context.Context, id string) (*reservations.Reservation, error) {
	return e.Reader.Reservation(ctx, id)
}

func (e *Engine) ListByUser(ctx context.Context, userID string, f reservations.ListFilter) ([]reservations.Reservation, error) {
	return e.Reader.ListByUser(ctx, userID, f)
}

func (e *Engine) ListByMerchant(ctx context.Context, merchantID string, f reservations.ListFilter) ([]reservations.Reservation, error) {
	return e.Reader.ListByMerchant(ctx, merchantID, f)
}

func (e *Engine) withRetry(ctx context.Context, fn func(tx Tx) error) error {
	var err error
	for i := 0; i < e.Policy.ConflictRetries; i++ {
		err = e.UoW.Do(ctx, fn)
		if !errors.Is(err, reservations.ErrStorageConflict) {
			return err
		}
	}
	return err
}
