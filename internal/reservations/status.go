package reservations

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusReady     Status = "ready"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusReady, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

type transitionKey struct {
	from Status
	to   Status
	role Role
}

// The authoritative transition table. User-initiated cancellation carries an
// extra time-window guard enforced by the engine; admins may do anything a
// merchant may.
var validTransitions = func() map[transitionKey]bool {
	type t struct {
		from  Status
		to    Status
		roles []Role
	}
	all := []t{
		{StatusPending, StatusConfirmed, []Role{RoleMerchant, RoleAdmin}},
		{StatusConfirmed, StatusReady, []Role{RoleMerchant, RoleAdmin}},
		{StatusConfirmed, StatusCompleted, []Role{RoleMerchant, RoleAdmin}},
		{StatusReady, StatusCompleted, []Role{RoleMerchant, RoleAdmin}},
		{StatusPending, StatusCancelled, []Role{RoleUser, RoleMerchant, RoleAdmin}},
		{StatusConfirmed, StatusCancelled, []Role{RoleUser, RoleMerchant, RoleAdmin}},
		{StatusReady, StatusCancelled, []Role{RoleMerchant, RoleAdmin}},
	}
	m := make(map[transitionKey]bool)
	for _, x := range all {
		for _, r := range x.roles {
			m[transitionKey{x.from, x.to, r}] = true
		}
	}
	return m
}()

// RequireTransition checks the table for from -> to under the given role.
// It distinguishes "nobody may do this" from "this actor may not".
func RequireTransition(from, to Status, role Role) error {
	if from.Terminal() {
		return ErrAlreadyTerminal
	}
	if validTransitions[transitionKey{from, to, role}] {
		return nil
	}
	for _, r := range []Role{RoleUser, RoleMerchant, RoleAdmin} {
		if validTransitions[transitionKey{from, to, r}] {
			return ErrUnauthorized
		}
	}
	return ErrIllegalTransition
}
