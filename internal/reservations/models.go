package reservations

import "time"

// FoodItem is the stock row a reservation draws from. quantity_available
// is mutated only through the stock ledger.
type FoodItem struct {
	ID                   string
	MerchantID           string
	Name                 string
	QuantityInitial      int
	QuantityAvailable    int
	PriceOriginalCents   int
	PriceDiscountedCents int
	PickupStart          time.Time
	PickupEnd            time.Time
	Active               bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Available reports whether the item can currently be reserved.
func (f *FoodItem) Available(now time.Time) bool {
	return f.Active && f.QuantityAvailable > 0 && now.Before(f.PickupEnd)
}

type Reservation struct {
	ID             string
	IdempotencyKey string
	UserID         string
	MerchantID     string
	FoodItemID     string
	Quantity       int
	// Price snapshot from the item at reservation time; later price edits
	// never change what an existing reservation costs.
	UnitPriceOriginalCents   int
	UnitPriceDiscountedCents int
	Status                   Status
	PickupTime               time.Time
	CancelledAt              *time.Time
	CancellationReason       string
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// SavedCents is the discount captured by this reservation.
func (r *Reservation) SavedCents() int {
	return (r.UnitPriceOriginalCents - r.UnitPriceDiscountedCents) * r.Quantity
}

type Role string

const (
	RoleUser     Role = "user"
	RoleMerchant Role = "merchant"
	RoleAdmin    Role = "admin"
)

// Actor is the authenticated identity performing a transition, resolved by
// the identity provider upstream and trusted here.
type Actor struct {
	ID   string
	Role Role
}
