package gateway

// State is the lifecycle position of a single connection. Transitions only
// move forward: Connecting -> Authenticated -> Active -> Closed. Events are
// accepted only in Active, which makes "event processed before auth"
// unrepresentable.
type State int32

const (
	// StateConnecting: upgraded, waiting for the auth message within the
	// auth timeout. No registry mutation has happened yet.
	StateConnecting State = iota

	// StateAuthenticated: credential verified; registration, membership
	// load and group subscription in progress.
	StateAuthenticated

	// StateActive: fully established; inbound events are accepted.
	StateActive

	// StateClosed: torn down. Terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}
