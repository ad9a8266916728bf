package impact

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresSource struct{ DB *pgxpool.Pool }

var _ Source = (*PostgresSource)(nil)

func (s *PostgresSource) FulfilledTotals(ctx context.Context, subject Subject, id string, asOf time.Time) (Totals, error) {
	col := "user_id"
	if subject == SubjectMerchant {
		col = "merchant_id"
	}
	var t Totals
	err := s.DB.QueryRow(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(quantity), 0),
			COALESCE(SUM((unit_price_original_cents - unit_price_discounted_cents) * quantity), 0)
		FROM reservations
		WHERE `+col+`=$1 AND status='completed' AND created_at <= $2`,
		id, asOf).Scan(&t.Fulfilled, &t.Quantity, &t.SavedCents)
	return t, err
}
