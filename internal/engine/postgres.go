package engine

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rescuebite/surplus-reserve/internal/reservations"
	"github.com/rescuebite/surplus-reserve/internal/stock"
)

// PostgresStore wires the stock ledger and the reservation store to one
// pgx pool and gives the engine a shared-transaction unit of work.
type PostgresStore struct {
	Pool   *pgxpool.Pool
	Ledger stock.Ledger
	Res    *reservations.Store
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool, Res: &reservations.Store{DB: pool}}
}

var (
	_ UnitOfWork = (*PostgresStore)(nil)
	_ Reader     = (*PostgresStore)(nil)
)

func (s *PostgresStore) Do(ctx context.Context, fn func(tx Tx) error) error {
	t, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = t.Rollback(ctx) }()

	if err := fn(&pgTx{s: s, tx: t}); err != nil {
		return err
	}
	if err := t.Commit(ctx); err != nil {
		return mapConflict(err)
	}
	return nil
}

// mapConflict turns serialization failures and deadlocks into the retryable
// sentinel; anything else stays an infrastructure error.
func mapConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return reservations.ErrStorageConflict
		}
	}
	return err
}

type pgTx struct {
	s  *PostgresStore
	tx pgx.Tx
}

func (t *pgTx) ItemForUpdate(ctx context.Context, itemID string) (*reservations.FoodItem, error) {
	return t.s.Ledger.ItemForUpdate(ctx, t.tx, itemID)
}

func (t *pgTx) ReserveStock(ctx context.Context, itemID string, qty int) error {
	return t.s.Ledger.Reserve(ctx, t.tx, itemID, qty)
}

func (t *pgTx) ReleaseStock(ctx context.Context, itemID string, qty int) error {
	return t.s.Ledger.Release(ctx, t.tx, itemID, qty)
}

func (t *pgTx) ReservationForUpdate(ctx context.Context, id string) (*reservations.Reservation, error) {
	return t.s.Res.GetForUpdateTx(ctx, t.tx, id)
}

func (t *pgTx) InsertReservation(ctx context.Context, r *reservations.Reservation) error {
	return t.s.Res.InsertTx(ctx, t.tx, r)
}

func (t *pgTx) CASStatus(ctx context.Context, id string, from, to reservations.Status, now time.Time, reason string) error {
	return t.s.Res.CASStatusTx(ctx, t.tx, id, from, to, now, reason)
}

func (s *PostgresStore) Reservation(ctx context.Context, id string) (*reservations.Reservation, error) {
	return s.Res.Get(ctx, id)
}

func (s *PostgresStore) ReservationByKey(ctx context.Context, key string) (*reservations.Reservation, error) {
	return s.Res.ByIdempotencyKey(ctx, key)
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, f reservations.ListFilter) ([]reservations.Reservation, error) {
	return s.Res.ListByUser(ctx, userID, f)
}

func (s *PostgresStore) ListByMerchant(ctx context.Context, merchantID string, f reservations.ListFilter) ([]reservations.Reservation, error) {
	return s.Res.ListByMerchant(ctx, merchantID, f)
}
