// Package impact derives money-saved / CO2-avoided statistics from
// completed reservations. The reservation store is the only source of
// truth; the redis rollup is a cache that must always be re-derivable
// from and reconcilable against it.
package impact

import (
	"context"
	"time"

	"github.com/rescuebite/surplus-reserve/internal/reservations"
)

type Subject string

const (
	SubjectUser     Subject = "user"
	SubjectMerchant Subject = "merchant"
)

type Totals struct {
	Fulfilled  int `json:"fulfilled"`
	Quantity   int `json:"quantity"`
	SavedCents int `json:"saved_cents"`
}

func (t Totals) Add(d Totals) Totals {
	return Totals{
		Fulfilled:  t.Fulfilled + d.Fulfilled,
		Quantity:   t.Quantity + d.Quantity,
		SavedCents: t.SavedCents + d.SavedCents,
	}
}

type Summary struct {
	Totals
	CO2SavedGrams int       `json:"co2_saved_grams"`
	AsOf          time.Time `json:"as_of"`
}

// Source folds fulfilled reservations for one subject out of the store.
type Source interface {
	FulfilledTotals(ctx context.Context, subject Subject, id string, asOf time.Time) (Totals, error)
}

// Rollup is a maintained running total, updated by the notifier as
// completion events arrive.
type Rollup interface {
	Apply(ctx context.Context, subject Subject, id string, delta Totals) error
	Totals(ctx context.Context, subject Subject, id string) (Totals, bool, error)
	Set(ctx context.Context, subject Subject, id string, t Totals) error
}

type Aggregator struct {
	Source Source
	Rollup Rollup // optional
	// CO2GramsPerUnit converts fulfilled units into grams of CO2 avoided.
	CO2GramsPerUnit int
}

// Summarize recomputes from the store every time; no hidden accumulator
// that can drift.
func (a *Aggregator) Summarize(ctx context.Context, subject Subject, id string, asOf time.Time) (Summary, error) {
	t, err := a.Source.FulfilledTotals(ctx, subject, id, asOf)
	if err != nil {
		return Summary{}, err
	}
	return Summary{Totals: t, CO2SavedGrams: t.Quantity * a.CO2GramsPerUnit, AsOf: asOf}, nil
}

type Report struct {
	Source   Totals `json:"source"`
	Rollup   Totals `json:"rollup"`
	Drift    bool   `json:"drift"`
	Repaired bool   `json:"repaired"`
}

// Reconcile compares the maintained rollup against the store and rewrites
// the rollup from the store when they disagree.
func (a *Aggregator) Reconcile(ctx context.Context, subject Subject, id string) (Report, error) {
	truth, err := a.Source.FulfilledTotals(ctx, subject, id, time.Now())
	if err != nil {
		return Report{}, err
	}
	rolled, _, err := a.Rollup.Totals(ctx, subject, id)
	if err != nil {
		return Report{}, err
	}
	rep := Report{Source: truth, Rollup: rolled, Drift: truth != rolled}
	if rep.Drift {
		if err := a.Rollup.Set(ctx, subject, id, truth); err != nil {
			return rep, err
		}
		rep.Repaired = true
	}
	return rep, nil
}

// Fold is the reference fold over raw reservation rows. The SQL source must
// agree with it for any history; tests hold the two together.
func Fold(rs []reservations.Reservation, asOf time.Time) Totals {
	var t Totals
	for _, r := range rs {
		if r.Status != reservations.StatusCompleted || r.CreatedAt.After(asOf) {
			continue
		}
		t.Fulfilled++
		t.Quantity += r.Quantity
		t.SavedCents += r.SavedCents()
	}
	return t
}
