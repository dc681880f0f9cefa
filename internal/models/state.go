package models

type State string

const (
	StateReview   State = "REVIEW"
	StateExecute  State = "EXECUTE"
	StateQuality  State = "QUALITY"
	StateAutoFix  State = "AUTO_FIX"
	StateEscalate State = "ESCALATE"
	StateApproved State = "APPROVED"
	StateDone     State = "DONE"
	StateAborted  State = "ABORTED"
)

// Terminal states end a loop.
func (s State) Terminal() bool {
	switch s {
	case StateApproved, StateDone, StateAborted:
		return true
	}
	return false
}

// retiredStates maps state names written by older releases to their
// current equivalents. COMPLETE is resolved per command.
var retiredStates = map[State]State{
	"FIX":           StateAutoFix,
	"FIXING":        StateAutoFix,
	"REVIEWING":     StateReview,
	"HUMAN":         StateEscalate,
	"WAITING_HUMAN": StateEscalate,
	"IMPLEMENT":     StateExecute,
	"EXECUTING":     StateExecute,
	"CHECKS":        StateQuality,
}

// NormalizeState maps a stored state name onto the current state set.
// Unknown names fall back to the command's entry state.
func NormalizeState(cmd Command, s State) State {
	if mapped, ok := retiredStates[s]; ok {
		s = mapped
	}
	if s == "COMPLETE" {
		if cmd == CommandPhaseExecution {
			return StateDone
		}
		return StateApproved
	}
	switch s {
	case StateReview, StateAutoFix, StateEscalate, StateAborted:
		return s
	case StateApproved:
		if cmd == CommandPhaseExecution {
			return StateDone
		}
		return s
	case StateDone:
		if cmd == CommandPhaseExecution {
			return s
		}
		return StateApproved
	case StateExecute, StateQuality:
		if cmd == CommandPhaseExecution {
			return s
		}
		return StateReview
	}
	if cmd == CommandPhaseExecution {
		return StateExecute
	}
	return StateReview
}
