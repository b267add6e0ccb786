package chimera

// Phase is a node's (or the graph's) position in the shared lifecycle
// state machine. Values are ordered; comparing two Phases with < or >
// answers "which is earlier in the sequence" directly.
type Phase int

const (
	Registered Phase = iota
	Initialized
	Connected
	Ready
	Previewing
	Recording
	Stopped
	Saved
	Shutdown
	// Error is terminal and ranked last. GlobalState special-cases it:
	// a single Error node makes the whole graph Error instead of being
	// skipped over by the pointwise minimum.
	Error
)

var phaseNames = map[Phase]string{
	Registered:  "REGISTERED",
	Initialized: "INITIALIZED",
	Connected:   "CONNECTED",
	Ready:       "READY",
	Previewing:  "PREVIEWING",
	Recording:   "RECORDING",
	Stopped:     "STOPPED",
	Saved:       "SAVED",
	Shutdown:    "SHUTDOWN",
	Error:       "ERROR",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "UNKNOWN"
}

// Command is a named lifecycle transition driven top-down by the tier
// above a node.
type Command int

const (
	CmdCreateNode Command = iota
	CmdSetupConnections
	CmdStart
	CmdRecord
	CmdStop
	CmdCollect
	CmdGather
	CmdDestroyNode
)

// transitionRule names the preconditions and post-state for a command.
// Gather is listed with a nil postState: it never advances the phase.
type transitionRule struct {
	preconditions []Phase
	postState     *Phase
}

func phasePtr(p Phase) *Phase { return &p }

// Transitions is the authoritative command -> (preconditions, post-state)
// table from the lifecycle state machine. CmdGather's rule has a nil
// postState and a minimum precondition of Previewing checked specially
// in CanApply, since "≥ PREVIEWING" is not a finite precondition set.
var Transitions = map[Command]transitionRule{
	CmdCreateNode:        {preconditions: []Phase{Registered}, postState: phasePtr(Initialized)},
	CmdSetupConnections:  {preconditions: []Phase{Initialized}, postState: phasePtr(Connected)},
	CmdStart:             {preconditions: []Phase{Connected, Stopped}, postState: phasePtr(Previewing)},
	CmdRecord:            {preconditions: []Phase{Previewing}, postState: phasePtr(Recording)},
	CmdStop:              {preconditions: []Phase{Previewing, Recording}, postState: phasePtr(Stopped)},
	CmdCollect:           {preconditions: []Phase{Stopped}, postState: phasePtr(Saved)},
	CmdGather:            {preconditions: nil, postState: nil},
	CmdDestroyNode:       {preconditions: nil, postState: phasePtr(Shutdown)},
}

// CanApply reports whether command cmd is legal from phase current, and
// if so what phase it will move to (or current unchanged for Gather and
// for an idempotent duplicate command already at the post-state).
func CanApply(cmd Command, current Phase) (next Phase, idempotent bool, ok bool) {
	rule, known := Transitions[cmd]
	if !known {
		return current, false, false
	}

	if cmd == CmdGather {
		return current, false, current >= Previewing
	}

	if cmd == CmdDestroyNode {
		// destroy_node is legal from any phase.
		return Shutdown, current == Shutdown, true
	}

	if rule.postState != nil && current == *rule.postState {
		return current, true, true
	}

	for _, pre := range rule.preconditions {
		if current == pre {
			return *rule.postState, false, true
		}
	}
	return current, false, false
}

// GlobalState computes the pointwise minimum (earliest phase) across a
// set of per-node phases, except that any Error phase makes the result
// Error. An empty set returns Registered, matching an uncommitted
// graph's vacuous state.
func GlobalState(phases []Phase) Phase {
	if len(phases) == 0 {
		return Registered
	}
	for _, p := range phases {
		if p == Error {
			return Error
		}
	}
	min := phases[0]
	for _, p := range phases[1:] {
		if p < min {
			min = p
		}
	}
	return min
}

// IsMonotonic reports whether moving from prev to next respects the
// monotonic-progression invariant: next must not be earlier than prev
// unless it is an explicit reset back to Registered, and Error is always
// an allowed destination regardless of prev.
func IsMonotonic(prev, next Phase) bool {
	if next == Error {
		return true
	}
	if next == Registered {
		return true // explicit reset
	}
	return next >= prev
}
