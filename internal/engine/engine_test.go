package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescuebite/surplus-reserve/internal/engine"
	"github.com/rescuebite/surplus-reserve/internal/reservations"
)

// memStore implements the engine's UnitOfWork and Reader ports in memory.
// Do serializes on one mutex and applies the transaction copy-on-commit, so
// a failed callback rolls everything back just like the pgx store.
type memStore struct {
	mu        sync.Mutex
	items     map[string]reservations.FoodItem
	res       map[string]reservations.Reservation
	conflicts int   // Do calls to fail with ErrStorageConflict before succeeding
	insertErr error // injected InsertReservation failure
}

func newMemStore(items ...reservations.FoodItem) *memStore {
	s := &memStore{
		items: map[string]reservations.FoodItem{},
		res:   map[string]reservations.Reservation{},
	}
	for _, it := range items {
		s.items[it.ID] = it
	}
	return s
}

func clone[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *memStore) Do(ctx context.Context, fn func(tx engine.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflicts > 0 {
		s.conflicts--
		return reservations.ErrStorageConflict
	}
	tx := &memTx{s: s, items: clone(s.items), res: clone(s.res)}
	if err := fn(tx); err != nil {
		return err
	}
	s.items, s.res = tx.items, tx.res
	return nil
}

type memTx struct {
	s     *memStore
	items map[string]reservations.FoodItem
	res   map[string]reservations.Reservation
}

func (t *memTx) ItemForUpdate(_ context.Context, itemID string) (*reservations.FoodItem, error) {
	it, ok := t.items[itemID]
	if !ok {
		return nil, reservations.ErrItemNotFound
	}
	return &it, nil
}

func (t *memTx) ReserveStock(_ context.Context, itemID string, qty int) error {
	it, ok := t.items[itemID]
	if !ok {
		return reservations.ErrItemNotFound
	}
	if it.QuantityAvailable < qty {
		return reservations.ErrInsufficientStock
	}
	it.QuantityAvailable -= qty
	t.items[itemID] = it
	return nil
}

func (t *memTx) ReleaseStock(_ context.Context, itemID string, qty int) error {
	it, ok := t.items[itemID]
	if !ok {
		return reservations.ErrItemNotFound
	}
	if it.QuantityAvailable+qty > it.QuantityInitial {
		return reservations.ErrOverRelease
	}
	it.QuantityAvailable += qty
	t.items[itemID] = it
	return nil
}

func (t *memTx) ReservationForUpdate(_ context.Context, id string) (*reservations.Reservation, error) {
	r, ok := t.res[id]
	if !ok {
		return nil, reservations.ErrReservationNotFound
	}
	return &r, nil
}

func (t *memTx) InsertReservation(_ context.Context, r *reservations.Reservation) error {
	if t.s.insertErr != nil {
		return t.s.insertErr
	}
	if r.IdempotencyKey != "" {
		for _, x := range t.res {
			if x.IdempotencyKey == r.IdempotencyKey {
				return reservations.ErrStorageConflict
			}
		}
	}
	t.res[r.ID] = *r
	return nil
}

func (t *memTx) CASStatus(_ context.Context, id string, from, to reservations.Status, now time.Time, reason string) error {
	r, ok := t.res[id]
	if !ok {
		return reservations.ErrReservationNotFound
	}
	if r.Status != from {
		return reservations.ErrStorageConflict
	}
	r.Status = to
	if to == reservations.StatusCancelled {
		r.CancelledAt = &now
		r.CancellationReason = reason
	}
	r.UpdatedAt = now
	t.res[id] = r
	return nil
}

func (s *memStore) Reservation(_ context.Context, id string) (*reservations.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.res[id]
	if !ok {
		return nil, reservations.ErrReservationNotFound
	}
	return &r, nil
}

func (s *memStore) ReservationByKey(_ context.Context, key string) (*reservations.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.res {
		if r.IdempotencyKey == key {
			out := r
			return &out, nil
		}
	}
	return nil, reservations.ErrReservationNotFound
}

func (s *memStore) ListByUser(_ context.Context, userID string, f reservations.ListFilter) ([]reservations.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []reservations.Reservation
	for _, r := range s.res {
		if r.UserID == userID && (f.Status == "" || r.Status == f.Status) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) ListByMerchant(_ context.Context, merchantID string, f reservations.ListFilter) ([]reservations.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []reservations.Reservation
	for _, r := range s.res {
		if r.MerchantID == merchantID && (f.Status == "" || r.Status == f.Status) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) available(itemID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[itemID].QuantityAvailable
}

type change struct {
	id       string
	old, new reservations.Status
	actor    reservations.Actor
}

type fakeEmitter struct {
	mu      sync.Mutex
	created []string
	changes []change
}

func (e *fakeEmitter) ReservationCreated(_ context.Context, r *reservations.Reservation, _ string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.created = append(e.created, r.ID)
}

func (e *fakeEmitter) StatusChanged(_ context.Context, r *reservations.Reservation, old reservations.Status, actor reservations.Actor, _ string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.changes = append(e.changes, change{id: r.ID, old: old, new: r.Status, actor: actor})
}

var base = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func testItem(id string, avail, initial int) reservations.FoodItem {
	return reservations.FoodItem{
		ID:                   id,
		MerchantID:           "m1",
		Name:                 "surprise bag",
		QuantityInitial:      initial,
		QuantityAvailable:    avail,
		PriceOriginalCents:   1200,
		PriceDiscountedCents: 400,
		PickupStart:          base.Add(3 * time.Hour),
		PickupEnd:            base.Add(4 * time.Hour),
		Active:               true,
	}
}

func newEngine(store *memStore, policy engine.Policy) (*engine.Engine, *fakeEmitter) {
	em := &fakeEmitter{}
	e := engine.New(store, store, em, nil, policy)
	e.Now = func() time.Time { return base }
	return e, em
}

func defaultPolicy() engine.Policy {
	return engine.Policy{CancelWindow: 2 * time.Hour, RequireConfirmation: true, ConflictRetries: 3}
}

func TestCreateReservation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		policy      engine.Policy
		prepare     func(s *memStore)
		input       engine.CreateInput
		wantErr     error
		wantStatus  reservations.Status
		wantAvail   int
	}{
		{
			name:       "success_pending_when_confirmation_required",
			policy:     defaultPolicy(),
			input:      engine.CreateInput{UserID: "u1", ItemID: "i1", Quantity: 2},
			wantStatus: reservations.StatusPending,
			wantAvail:  3,
		},
		{
			name:       "success_confirmed_when_policy_skips_confirmation",
			policy:     engine.Policy{CancelWindow: 2 * time.Hour, RequireConfirmation: false, ConflictRetries: 3},
			input:      engine.CreateInput{UserID: "u1", ItemID: "i1", Quantity: 1},
			wantStatus: reservations.StatusConfirmed,
			wantAvail:  4,
		},
		{
			name:      "zero_quantity_rejected",
			policy:    defaultPolicy(),
			input:     engine.CreateInput{UserID: "u1", ItemID: "i1", Quantity: 0},
			wantErr:   reservations.ErrInvalidQuantity,
			wantAvail: 5,
		},
		{
			name:      "unknown_item",
			policy:    defaultPolicy(),
			input:     engine.CreateInput{UserID: "u1", ItemID: "nope", Quantity: 1},
			wantErr:   reservations.ErrItemNotFound,
			wantAvail: 5,
		},
		{
			name:   "inactive_item",
			policy: defaultPolicy(),
			prepare: func(s *memStore) {
				it := s.items["i1"]
				it.Active = false
				s.items["i1"] = it
			},
			input:     engine.CreateInput{UserID: "u1", ItemID: "i1", Quantity: 1},
			wantErr:   reservations.ErrItemUnavailable,
			wantAvail: 5,
		},
		{
			name:   "pickup_window_over",
			policy: defaultPolicy(),
			prepare: func(s *memStore) {
				it := s.items["i1"]
				it.PickupEnd = base.Add(-time.Minute)
				s.items["i1"] = it
			},
			input:     engine.CreateInput{UserID: "u1", ItemID: "i1", Quantity: 1},
			wantErr:   reservations.ErrItemUnavailable,
			wantAvail: 5,
		},
		{
			name:      "insufficient_stock_mutates_nothing",
			policy:    defaultPolicy(),
			input:     engine.CreateInput{UserID: "u1", ItemID: "i1", Quantity: 6},
			wantErr:   reservations.ErrInsufficientStock,
			wantAvail: 5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore(testItem("i1", 5, 5))
			if tt.prepare != nil {
				tt.prepare(store)
			}
			e, em := newEngine(store, tt.policy)

			res, replay, err := e.CreateReservation(ctx, tt.input)
			assert.Equal(t, tt.wantAvail, store.available("i1"))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, res)
				assert.Empty(t, em.created)
				return
			}
			require.NoError(t, err)
			assert.False(t, replay)
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, "m1", res.MerchantID)
			assert.Equal(t, 1200, res.UnitPriceOriginalCents)
			assert.Equal(t, 400, res.UnitPriceDiscountedCents)
			assert.Equal(t, base.Add(3*time.Hour), res.PickupTime)
			assert.Equal(t, []string{res.ID}, em.created)
		})
	}
}

func TestCreateReservation_LastUnitRace(t *testing.T) {
	store := newMemStore(testItem("i1", 1, 1))
	e, _ := newEngine(store, defaultPolicy())
	ctx := context.Background()

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := e.CreateReservation(ctx, engine.CreateInput{UserID: "u1", ItemID: "i1", Quantity: 1})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, soldOut int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, reservations.ErrInsufficientStock):
			soldOut++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, soldOut)
	assert.Equal(t, 0, store.available("i1"))
}

func TestCreateReservation_Idempotent(t *testing.T) {
	store := newMemStore(testItem("i1", 5, 5))
	e, em := newEngine(store, defaultPolicy())
	ctx := context.Background()

	in := engine.CreateInput{UserID: "u1", ItemID: "i1", Quantity: 2, IdempotencyKey: "tok-1"}
	first, replay, err := e.CreateReservation(ctx, in)
	require.NoError(t, err)
	assert.False(t, replay)

	second, replay, err := e.CreateReservation(ctx, in)
	require.NoError(t, err)
	assert.True(t, replay)
	assert.Equal(t, first.ID, second.ID)

	// one decrement, one created event
	assert.Equal(t, 3, store.available("i1"))
	assert.Len(t, em.created, 1)
}

func TestCreateReservation_InsertFailureRollsBackStock(t *testing.T) {
	store := newMemStore(testItem("i1", 5, 5))
	store.insertErr = errors.New("insert boom")
	e, em := newEngine(store, defaultPolicy())

	_, _, err := e.CreateReservation(context.Background(), engine.CreateInput{UserID: "u1", ItemID: "i1", Quantity: 3})
	require.Error(t, err)
	assert.Equal(t, 5, store.available("i1"))
	assert.Empty(t, em.created)
}

func mustCreate(t *testing.T, e *engine.Engine, userID string, qty int) *reservations.Reservation {
	t.Helper()
	res, _, err := e.CreateReservation(context.Background(), engine.CreateInput{UserID: userID, ItemID: "i1", Quantity: qty})
	require.NoError(t, err)
	return res
}

func TestCancelReservation(t *testing.T) {
	ctx := context.Background()
	user := reservations.Actor{ID: "u1", Role: reservations.RoleUser}
	merchant := reservations.Actor{ID: "m1", Role: reservations.RoleMerchant}

	t.Run("user_cancel_outside_window_restores_stock", func(t *testing.T) {
		store := newMemStore(testItem("i1", 2, 2))
		e, em := newEngine(store, defaultPolicy())
		res := mustCreate(t, e, "u1", 2)
		assert.Equal(t, 0, store.available("i1"))

		// pickup at base+3h, window 2h: base is an hour before the cutoff
		require.NoError(t, e.CancelReservation(ctx, res.ID, user, "changed plans"))
		assert.Equal(t, 2, store.available("i1"))

		got, err := store.Reservation(ctx, res.ID)
		require.NoError(t, err)
		assert.Equal(t, reservations.StatusCancelled, got.Status)
		assert.NotNil(t, got.CancelledAt)
		assert.Equal(t, "changed plans", got.CancellationReason)
		require.Len(t, em.changes, 1)
		assert.Equal(t, reservations.StatusPending, em.changes[0].old)
		assert.Equal(t, reservations.StatusCancelled, em.changes[0].new)
	})

	t.Run("recancel_is_noop_without_double_release", func(t *testing.T) {
		store := newMemStore(testItem("i1", 2, 2))
		e, em := newEngine(store, defaultPolicy())
		res := mustCreate(t, e, "u1", 2)

		require.NoError(t, e.CancelReservation(ctx, res.ID, user, ""))
		require.NoError(t, e.CancelReservation(ctx, res.ID, user, ""))
		assert.Equal(t, 2, store.available("i1"))
		assert.Len(t, em.changes, 1)
	})

	t.Run("user_inside_window_rejected_merchant_override_allowed", func(t *testing.T) {
		store := newMemStore(testItem("i1", 1, 1))
		e, _ := newEngine(store, defaultPolicy())
		res := mustCreate(t, e, "u1", 1)

		// one hour before pickup, inside the two hour guard
		e.Now = func() time.Time { return base.Add(2 * time.Hour) }
		err := e.CancelReservation(ctx, res.ID, user, "")
		assert.ErrorIs(t, err, reservations.ErrCancellationWindow)
		assert.Equal(t, 0, store.available("i1"))

		require.NoError(t, e.CancelReservation(ctx, res.ID, merchant, "merchant closed early"))
		assert.Equal(t, 1, store.available("i1"))
	})

	t.Run("window_boundary", func(t *testing.T) {
		store := newMemStore(testItem("i1", 2, 2))
		e, _ := newEngine(store, defaultPolicy())
		res := mustCreate(t, e, "u1", 1)

		// exactly pickup-2h is already inside the guard
		e.Now = func() time.Time { return base.Add(time.Hour) }
		assert.ErrorIs(t, e.CancelReservation(ctx, res.ID, user, ""), reservations.ErrCancellationWindow)

		e.Now = func() time.Time { return base.Add(time.Hour - time.Second) }
		assert.NoError(t, e.CancelReservation(ctx, res.ID, user, ""))
	})

	t.Run("completed_is_terminal", func(t *testing.T) {
		store := newMemStore(testItem("i1", 1, 1))
		e, _ := newEngine(store, defaultPolicy())
		res := mustCreate(t, e, "u1", 1)
		require.NoError(t, e.AdvanceStatus(ctx, res.ID, reservations.StatusConfirmed, merchant))
		require.NoError(t, e.AdvanceStatus(ctx, res.ID, reservations.StatusCompleted, merchant))

		assert.ErrorIs(t, e.CancelReservation(ctx, res.ID, user, ""), reservations.ErrAlreadyTerminal)
		assert.Equal(t, 0, store.available("i1"))
	})

	t.Run("foreign_user_forbidden", func(t *testing.T) {
		store := newMemStore(testItem("i1", 1, 1))
		e, _ := newEngine(store, defaultPolicy())
		res := mustCreate(t, e, "u1", 1)

		stranger := reservations.Actor{ID: "u2", Role: reservations.RoleUser}
		assert.ErrorIs(t, e.CancelReservation(ctx, res.ID, stranger, ""), reservations.ErrUnauthorized)
	})

	t.Run("missing_reservation", func(t *testing.T) {
		store := newMemStore(testItem("i1", 1, 1))
		e, _ := newEngine(store, defaultPolicy())
		assert.ErrorIs(t, e.CancelReservation(ctx, "nope", user, ""), reservations.ErrReservationNotFound)
	})
}

func TestAdvanceStatus(t *testing.T) {
	ctx := context.Background()
	merchant := reservations.Actor{ID: "m1", Role: reservations.RoleMerchant}
	user := reservations.Actor{ID: "u1", Role: reservations.RoleUser}

	setup := func(t *testing.T) (*engine.Engine, *memStore, *fakeEmitter, *reservations.Reservation) {
		store := newMemStore(testItem("i1", 3, 3))
		e, em := newEngine(store, defaultPolicy())
		res := mustCreate(t, e, "u1", 1)
		return e, store, em, res
	}

	t.Run("merchant_walks_the_happy_path", func(t *testing.T) {
		e, store, em, res := setup(t)
		require.NoError(t, e.AdvanceStatus(ctx, res.ID, reservations.StatusConfirmed, merchant))
		require.NoError(t, e.AdvanceStatus(ctx, res.ID, reservations.StatusReady, merchant))
		require.NoError(t, e.AdvanceStatus(ctx, res.ID, reservations.StatusCompleted, merchant))

		got, err := store.Reservation(ctx, res.ID)
		require.NoError(t, err)
		assert.Equal(t, reservations.StatusCompleted, got.Status)
		require.Len(t, em.changes, 3)
		assert.Equal(t, reservations.StatusPending, em.changes[0].old)
		assert.Equal(t, reservations.StatusConfirmed, em.changes[0].new)
		assert.Equal(t, reservations.StatusCompleted, em.changes[2].new)
		// completion keeps the stock deducted
		assert.Equal(t, 2, store.available("i1"))
	})

	t.Run("user_cannot_confirm", func(t *testing.T) {
		e, store, _, res := setup(t)
		assert.ErrorIs(t, e.AdvanceStatus(ctx, res.ID, reservations.StatusConfirmed, user), reservations.ErrUnauthorized)
		got, _ := store.Reservation(ctx, res.ID)
		assert.Equal(t, reservations.StatusPending, got.Status)
	})

	t.Run("illegal_transition_leaves_status_unchanged", func(t *testing.T) {
		e, store, em, res := setup(t)
		assert.ErrorIs(t, e.AdvanceStatus(ctx, res.ID, reservations.StatusReady, merchant), reservations.ErrIllegalTransition)
		got, _ := store.Reservation(ctx, res.ID)
		assert.Equal(t, reservations.StatusPending, got.Status)
		assert.Empty(t, em.changes)
	})

	t.Run("cancelled_target_must_use_cancel_operation", func(t *testing.T) {
		e, _, _, res := setup(t)
		assert.ErrorIs(t, e.AdvanceStatus(ctx, res.ID, reservations.StatusCancelled, merchant), reservations.ErrIllegalTransition)
	})

	t.Run("terminal_rejected", func(t *testing.T) {
		e, _, _, res := setup(t)
		require.NoError(t, e.AdvanceStatus(ctx, res.ID, reservations.StatusConfirmed, merchant))
		require.NoError(t, e.AdvanceStatus(ctx, res.ID, reservations.StatusCompleted, merchant))
		assert.ErrorIs(t, e.AdvanceStatus(ctx, res.ID, reservations.StatusConfirmed, merchant), reservations.ErrAlreadyTerminal)
	})

	t.Run("foreign_merchant_forbidden", func(t *testing.T) {
		e, _, _, res := setup(t)
		other := reservations.Actor{ID: "m2", Role: reservations.RoleMerchant}
		assert.ErrorIs(t, e.AdvanceStatus(ctx, res.ID, reservations.StatusConfirmed, other), reservations.ErrUnauthorized)
	})

	t.Run("invalid_target", func(t *testing.T) {
		e, _, _, res := setup(t)
		assert.ErrorIs(t, e.AdvanceStatus(ctx, res.ID, reservations.Status("shipped"), merchant), reservations.ErrIllegalTransition)
	})
}

func TestConflictRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("recovers_within_budget", func(t *testing.T) {
		store := newMemStore(testItem("i1", 2, 2))
		store.conflicts = 2
		e, _ := newEngine(store, defaultPolicy())
		_, _, err := e.CreateReservation(ctx, engine.CreateInput{UserID: "u1", ItemID: "i1", Quantity: 1})
		assert.NoError(t, err)
		assert.Equal(t, 1, store.available("i1"))
	})

	t.Run("surfaces_after_budget", func(t *testing.T) {
		store := newMemStore(testItem("i1", 2, 2))
		store.conflicts = 5
		e, _ := newEngine(store, defaultPolicy())
		_, _, err := e.CreateReservation(ctx, engine.CreateInput{UserID: "u1", ItemID: "i1", Quantity: 1})
		assert.ErrorIs(t, err, reservations.ErrStorageConflict)
	})
}

// Stock conservation: non-cancelled reserved quantity plus what is left on
// the shelf always equals the initial quantity.
func TestStockConservation(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(testItem("i1", 5, 5))
	e, _ := newEngine(store, defaultPolicy())
	merchant := reservations.Actor{ID: "m1", Role: reservations.RoleMerchant}
	user := reservations.Actor{ID: "u1", Role: reservations.RoleUser}

	r1 := mustCreate(t, e, "u1", 2)
	r2 := mustCreate(t, e, "u2", 1)
	mustCreate(t, e, "u3", 1)
	require.NoError(t, e.CancelReservation(ctx, r1.ID, user, ""))
	require.NoError(t, e.AdvanceStatus(ctx, r2.ID, reservations.StatusConfirmed, merchant))
	require.NoError(t, e.AdvanceStatus(ctx, r2.ID, reservations.StatusCompleted, merchant))

	store.mu.Lock()
	defer store.mu.Unlock()
	reserved := 0
	for _, r := range store.res {
		if r.Status != reservations.StatusCancelled {
			reserved += r.Quantity
		}
	}
	assert.Equal(t, 5, reserved+store.items["i1"].QuantityAvailable)
}
