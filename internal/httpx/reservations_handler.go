package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/rescuebite/surplus-reserve/internal/engine"
	"github.com/rescuebite/surplus-reserve/internal/impact"
	"github.com/rescuebite/surplus-reserve/internal/redisx"
	"github.com/rescuebite/surplus-reserve/internal/reservations"
)

type ReservationService interface {
	CreateReservation(ctx context.Context, in engine.CreateInput) (*reservations.Reservation, bool, error)
	CancelReservation(ctx context.Context, id string, actor reservations.Actor, reason string) error
	AdvanceStatus(ctx context.Context, id string, target reservations.Status, actor reservations.Actor) error
	Get(ctx context.Context, id string) (*reservations.Reservation, error)
	ListByUser(ctx context.Context, userID string, f reservations.ListFilter) ([]reservations.Reservation, error)
	ListByMerchant(ctx context.Context, merchantID string, f reservations.ListFilter) ([]reservations.Reservation, error)
}

type ImpactService interface {
	Summarize(ctx context.Context, subject impact.Subject, id string, asOf time.Time) (impact.Summary, error)
	Reconcile(ctx context.Context, subject impact.Subject, id string) (impact.Report, error)
}

var (
	_ ReservationService = (*engine.Engine)(nil)
	_ ImpactService      = (*impact.Aggregator)(nil)
)

type ReservationsHandler struct {
	Engine ReservationService
	Impact ImpactService
	Redis  *redis.Client // optional status-read fast path
	QR     PickupQR
}

func (h *ReservationsHandler) Register(r *chi.Mux) {
	r.Post("/reservations", h.create)
	r.Get("/reservations/{id}", h.get)
	r.Get("/reservations/{id}/qr", h.qr)
	r.Post("/reservations/{id}/cancel", h.cancel)
	r.Post("/reservations/{id}/status", h.advance)
	r.Get("/users/{id}/reservations", h.listByUser)
	r.Get("/users/{id}/impact", h.userImpact)
	r.Post("/users/{id}/impact/reconcile", h.userReconcile)
	r.Get("/merchants/{id}/reservations", h.listByMerchant)
	r.Get("/merchants/{id}/impact", h.merchantImpact)
	r.Post("/merchants/{id}/impact/reconcile", h.merchantReconcile)
}

type CreateReservationReq struct {
	UserID   string `json:"user_id"`
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

type ReservationResp struct {
	ReservationID string              `json:"reservation_id"`
	Status        reservations.Status `json:"status"`
	PickupTime    time.Time           `json:"pickup_time"`
	Idempotent    bool                `json:"idempotent"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps the expected-outcome taxonomy onto HTTP. Anything unmatched
// is an infrastructure failure.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reservations.ErrInsufficientStock), errors.Is(err, reservations.ErrItemUnavailable):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "no longer available"})
	case errors.Is(err, reservations.ErrCancellationWindow):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "too close to pickup to cancel"})
	case errors.Is(err, reservations.ErrItemNotFound), errors.Is(err, reservations.ErrReservationNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, reservations.ErrAlreadyTerminal), errors.Is(err, reservations.ErrIllegalTransition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "operation failed"})
	case errors.Is(err, reservations.ErrUnauthorized):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
	case errors.Is(err, reservations.ErrInvalidQuantity):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, reservations.ErrStorageConflict):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "busy, retry"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func actorFrom(r *http.Request) reservations.Actor {
	return reservations.Actor{
		ID:   r.Header.Get("X-Actor-Id"),
		Role: reservations.Role(r.Header.Get("X-Actor-Role")),
	}
}

func (h *ReservationsHandler) create(w http.ResponseWriter, r *http.Request) {
	var req CreateReservationReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.ItemID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing fields"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, replay, err := h.Engine.CreateReservation(ctx, engine.CreateInput{
		UserID:         req.UserID,
		ItemID:         req.ItemID,
		Quantity:       req.Quantity,
		IdempotencyKey: r.Header.Get("X-Idempotency-Key"),
		TraceID:        r.Header.Get("X-Request-Id"),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	code := http.StatusCreated
	if replay {
		code = http.StatusOK
	}
	writeJSON(w, code, ReservationResp{
		ReservationID: res.ID,
		Status:        res.Status,
		PickupTime:    res.PickupTime,
		Idempotent:    replay,
	})
}

func (h *ReservationsHandler) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// status cache first, store second
	if h.Redis != nil {
		key := fmt.Sprintf(redisx.KeyReservationStatus, id)
		if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
			writeJSON(w, http.StatusOK, json.RawMessage(s))
			return
		}
	}

	res, err := h.Engine.Get(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if h.Redis != nil {
		b, _ := json.Marshal(map[string]any{"status": res.Status})
		_ = h.Redis.Set(ctx, fmt.Sprintf(redisx.KeyReservationStatus, id), b, redisx.TTLStatusCache).Err()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": res.Status})
}

type CancelReq struct {
	Reason string `json:"reason"`
}

func (h *ReservationsHandler) cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelReq
	_ = json.NewDecoder(r.Body).Decode(&req)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Engine.CancelReservation(ctx, chi.URLParam(r, "id"), actorFrom(r), req.Reason); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(reservations.StatusCancelled)})
}

type AdvanceReq struct {
	Target reservations.Status `json:"target"`
}

func (h *ReservationsHandler) advance(w http.ResponseWriter, r *http.Request) {
	var req AdvanceReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Engine.AdvanceStatus(ctx, chi.URLParam(r, "id"), req.Target, actorFrom(r)); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(req.Target)})
}

func (h *ReservationsHandler) qr(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if _, err := h.Engine.Get(ctx, id); err != nil {
		writeErr(w, err)
		return
	}
	png, err := h.QR.Generate(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func listFilter(r *http.Request) reservations.ListFilter {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	return reservations.ListFilter{
		Status: reservations.Status(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	}
}

func (h *ReservationsHandler) listByUser(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	rs, err := h.Engine.ListByUser(ctx, chi.URLParam(r, "id"), listFilter(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (h *ReservationsHandler) listByMerchant(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	rs, err := h.Engine.ListByMerchant(ctx, chi.URLParam(r, "id"), listFilter(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (h *ReservationsHandler) userImpact(w http.ResponseWriter, r *http.Request) {
	h.summarize(w, r, impact.SubjectUser)
}

func (h *ReservationsHandler) merchantImpact(w http.ResponseWriter, r *http.Request) {
	h.summarize(w, r, impact.SubjectMerchant)
}

func (h *ReservationsHandler) userReconcile(w http.ResponseWriter, r *http.Request) {
	h.reconcile(w, r, impact.SubjectUser)
}

func (h *ReservationsHandler) merchantReconcile(w http.ResponseWriter, r *http.Request) {
	h.reconcile(w, r, impact.SubjectMerchant)
}

// reconcile rewrites the maintained rollup from the store when it drifted;
// the report shows both sides.
func (h *ReservationsHandler) reconcile(w http.ResponseWriter, r *http.Request, subject impact.Subject) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rep, err := h.Impact.Reconcile(ctx, subject, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *ReservationsHandler) summarize(w http.ResponseWriter, r *http.Request, subject impact.Subject) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	asOf := time.Now()
	if s := r.URL.Query().Get("as_of"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid as_of"})
			return
		}
		asOf = t
	}
	sum, err := h.Impact.Summarize(ctx, subject, chi.URLParam(r, "id"), asOf)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
