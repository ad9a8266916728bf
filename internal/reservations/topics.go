package reservations

const (
	TopicReservationCreated = "reservation.created"
	TopicStatusChanged      = "reservation.status.changed"
)

// Partition key = reservation_id so all events for one reservation keep order.
func PartitionKey(reservationID string) []byte { return []byte(reservationID) }
