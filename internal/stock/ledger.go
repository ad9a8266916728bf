package stock

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/rescuebite/surplus-reserve/internal/postgres"
	"github.com/rescuebite/surplus-reserve/internal/reservations"
)

// Ledger owns the per-item quantity counters. Check and mutation happen in
// one conditional UPDATE, so concurrent callers serialize on the row and
// quantity_available can never go negative or exceed quantity_initial.
//
// Methods take a postgres.Querier so the engine can run them inside the
// same transaction as the reservation write.
type Ledger struct{}

// ItemForUpdate loads and row-locks the stock row for the duration of the
// caller's transaction.
func (Ledger) ItemForUpdate(ctx context.Context, q postgres.Querier, itemID string) (*reservations.FoodItem, error) {
	return scanItem(q.QueryRow(ctx, `
		SELECT id, merchant_id, name, quantity_initial, quantity_available,
			price_original_cents, price_discounted_cents, pickup_start, pickup_end,
			active, created_at, updated_at
		FROM food_items WHERE id=$1 FOR UPDATE`, itemID))
}

func (Ledger) Item(ctx context.Context, q postgres.Querier, itemID string) (*reservations.FoodItem, error) {
	return scanItem(q.QueryRow(ctx, `
		SELECT id, merchant_id, name, quantity_initial, quantity_available,
			price_original_cents, price_discounted_cents, pickup_start, pickup_end,
			active, created_at, updated_at
		FROM food_items WHERE id=$1`, itemID))
}

func scanItem(row pgx.Row) (*reservations.FoodItem, error) {
	var f reservations.FoodItem
	err := row.Scan(&f.ID, &f.MerchantID, &f.Name, &f.QuantityInitial, &f.QuantityAvailable,
		&f.PriceOriginalCents, &f.PriceDiscountedCents, &f.PickupStart, &f.PickupEnd,
		&f.Active, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reservations.ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// Reserve decrements quantity_available by qty if enough is left; the check
// and the decrement are a single statement. Insufficient stock mutates
// nothing.
func (Ledger) Reserve(ctx context.Context, q postgres.Querier, itemID string, qty int) error {
	ct, err := q.Exec(ctx, `
		UPDATE food_items SET quantity_available = quantity_available - $2, updated_at = now()
		WHERE id=$1 AND quantity_available >= $2`, itemID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM food_items WHERE id=$1)`, itemID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return reservations.ErrItemNotFound
	}
	return reservations.ErrInsufficientStock
}

// Release returns qty units to the item. Releasing past quantity_initial is
// a programming error and is reported, never silently clamped.
func (Ledger) Release(ctx context.Context, q postgres.Querier, itemID string, qty int) error {
	ct, err := q.Exec(ctx, `
		UPDATE food_items SET quantity_available = quantity_available + $2, updated_at = now()
		WHERE id=$1 AND quantity_available + $2 <= quantity_initial`, itemID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM food_items WHERE id=$1)`, itemID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return reservations.ErrItemNotFound
	}
	return reservations.ErrOverRelease
}

// Restock raises both counters together so the stock invariant keeps
// holding. The merchant inventory path routes through here.
func (Ledger) Restock(ctx context.Context, q postgres.Querier, itemID string, qty int) error {
	ct, err := q.Exec(ctx, `
		UPDATE food_items
		SET quantity_initial = quantity_initial + $2,
			quantity_available = quantity_available + $2, updated_at = now()
		WHERE id=$1`, itemID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return reservations.ErrItemNotFound
	}
	return nil
}
