package pipeline

// State identifies one of the lifecycle states of a [Supervisor].
//
//	Idle ──Start──▶ PreFilled ──▶ Running ──Stop──▶ Stopped
//	                                                   │
//	Stopped ──Start (fresh queue)──▶ PreFilled ◀───────┘
type State int32

const (
	// Idle means the supervisor has never been started.
	Idle State = iota

	// PreFilled means a queue has been allocated and padded with silence but
	// the device streams are not running yet.
	PreFilled

	// Running means both device streams are active.
	Running

	// Stopped means the streams are closed and the queue has been released.
	Stopped
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case PreFilled:
		return "PREFILLED"
	case Running:
		return "RUNNING"
	case Stopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// active reports whether a pipeline is currently owned by the supervisor.
func (s State) active() bool {
	return s == PreFilled || s == Running
}
