package httpx

import (
	"fmt"

	"github.com/skip2/go-qrcode"
)

// PickupQR encodes the URL a merchant scans to confirm pickup.
type PickupQR struct {
	BaseURL string
}

func (g PickupQR) Generate(reservationID string) ([]byte, error) {
	data := fmt.Sprintf("%s/reservations/%s/pickup", g.BaseURL, reservationID)
	return qrcode.Encode(data, qrcode.Medium, 256)
}
