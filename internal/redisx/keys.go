package redisx

import "time"

const (
	// Idempotent reservation create: idem:reservation:create:{client_key} -> reservation_id
	KeyIdemReservation = "idem:reservation:create:%s"

	// Status cache: reservation_status:{reservation_id} -> {"status": "..."}
	KeyReservationStatus = "reservation_status:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Impact rollups: hash per subject with fulfilled/quantity/saved_cents fields.
	KeyImpactUser     = "impact:user:%s"
	KeyImpactMerchant = "impact:merchant:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
