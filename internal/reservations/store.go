package reservations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rescuebite/surplus-reserve/internal/postgres"
)

// Store owns the durable reservation records. All status mutation goes
// through CASStatusTx so guards hold without a separate lock.
type Store struct{ DB *pgxpool.Pool }

const reservationCols = `id, idempotency_key, user_id, merchant_id, food_item_id, quantity,
	unit_price_original_cents, unit_price_discounted_cents, status, pickup_time,
	cancelled_at, cancellation_reason, created_at, updated_at`

func scanReservation(row pgx.Row) (*Reservation, error) {
	var r Reservation
	var idemKey, reason *string
	err := row.Scan(&r.ID, &idemKey, &r.UserID, &r.MerchantID, &r.FoodItemID, &r.Quantity,
		&r.UnitPriceOriginalCents, &r.UnitPriceDiscountedCents, &r.Status, &r.PickupTime,
		&r.CancelledAt, &reason, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if idemKey != nil {
		r.IdempotencyKey = *idemKey
	}
	if reason != nil {
		r.CancellationReason = *reason
	}
	return &r, nil
}

// InsertTx writes a new reservation inside the caller's transaction. A
// duplicate idempotency key surfaces as ErrStorageConflict so the engine's
// retry loop re-reads and returns the existing row.
func (s *Store) InsertTx(ctx context.Context, q postgres.Querier, r *Reservation) error {
	var idemKey *string
	if r.IdempotencyKey != "" {
		idemKey = &r.IdempotencyKey
	}
	_, err := q.Exec(ctx, `
		INSERT INTO reservations(id, idempotency_key, user_id, merchant_id, food_item_id, quantity,
			unit_price_original_cents, unit_price_discounted_cents, status, pickup_time, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)`,
		r.ID, idemKey, r.UserID, r.MerchantID, r.FoodItemID, r.Quantity,
		r.UnitPriceOriginalCents, r.UnitPriceDiscountedCents, r.Status, r.PickupTime, r.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrStorageConflict
	}
	return err
}

func (s *Store) Get(ctx context.Context, id string) (*Reservation, error) {
	return s.get(ctx, s.DB, id, "")
}

// GetForUpdateTx loads and row-locks a reservation inside a transaction.
func (s *Store) GetForUpdateTx(ctx context.Context, q postgres.Querier, id string) (*Reservation, error) {
	return s.get(ctx, q, id, " FOR UPDATE")
}

func (s *Store) get(ctx context.Context, q postgres.Querier, id, suffix string) (*Reservation, error) {
	r, err := scanReservation(q.QueryRow(ctx,
		`SELECT `+reservationCols+` FROM reservations WHERE id=$1`+suffix, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	return r, err
}

// ByIdempotencyKey resolves a client retry to the reservation it already made.
func (s *Store) ByIdempotencyKey(ctx context.Context, key string) (*Reservation, error) {
	r, err := scanReservation(s.DB.QueryRow(ctx,
		`SELECT `+reservationCols+` FROM reservations WHERE idempotency_key=$1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	return r, err
}

type ListFilter struct {
	Status Status // zero value = all statuses
	Limit  int
	Offset int
}

func (s *Store) ListByUser(ctx context.Context, userID string, f ListFilter) ([]Reservation, error) {
	return s.list(ctx, "user_id", userID, f)
}

func (s *Store) ListByMerchant(ctx context.Context, merchantID string, f ListFilter) ([]Reservation, error) {
	return s.list(ctx, "merchant_id", merchantID, f)
}

func (s *Store) list(ctx context.Context, col, id string, f ListFilter) ([]Reservation, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}
	sql := fmt.Sprintf(`SELECT %s FROM reservations WHERE %s=$1`, reservationCols, col)
	args := []any{id}
	if f.Status != "" {
		sql += ` AND status=$2`
		args = append(args, f.Status)
	}
	sql += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, f.Limit, f.Offset)

	rows, err := s.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// CASStatusTx is the atomic compare-and-swap on status: the update applies
// only if the row is still in the expected status. Zero rows means either
// the reservation vanished or a concurrent writer got there first.
func (s *Store) CASStatusTx(ctx context.Context, q postgres.Querier, id string, from, to Status, now time.Time, reason string) error {
	var cancelledAt *time.Time
	var reasonPtr *string
	if to == StatusCancelled {
		cancelledAt = &now
		if reason != "" {
			reasonPtr = &reason
		}
	}
	ct, err := q.Exec(ctx, `
		UPDATE reservations
		SET status=$3, cancelled_at=COALESCE($4, cancelled_at),
			cancellation_reason=COALESCE($5, cancellation_reason), updated_at=$6
		WHERE id=$1 AND status=$2`,
		id, from, to, cancelledAt, reasonPtr, now)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		var exists bool
		if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM reservations WHERE id=$1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrReservationNotFound
		}
		return ErrStorageConflict
	}
	return nil
}
