package channel

// State is the observable connectivity of the channel. Exactly one value
// is live at a time; it is the single source of truth for callers.
type State int

const (
	// StateNotConnected is the initial state and the terminal state after
	// cancellation or socket loss.
	StateNotConnected State = iota

	// StateLoading covers role resolution and the connect handshake.
	StateLoading

	// StateConnected means a live message socket with an attached
	// subscription.
	StateConnected
)

// String returns a human-readable state name
func (s State) String() string {
	switch s {
	case StateNotConnected:
		return "not-connected"
	case StateLoading:
		return "loading"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}
