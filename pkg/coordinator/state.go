package coordinator

// State is the lock state of the session as seen by the Coordinator.
type State int

const (
	Unlocked State = iota
	Locked
)

func (s State) String() string {
	switch s {
	case Unlocked:
		return "unlocked"
	case Locked:
		return "locked"
	default:
		return "unknown"
	}
}
