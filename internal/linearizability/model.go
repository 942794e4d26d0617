// Package linearizability checks whether a recorded history of concurrent
// operations admits some sequential order consistent with each
// operation's real-time call/return span — the Wing-Gong/Lowe
// decision-procedure style checker, generalized over a pluggable Model so
// it is not tied to any one state machine.
package linearizability

// Operation is one concurrent call: its input, its real-time call and
// return instants (any monotonic unit, e.g. UnixNano), and its output.
type Operation struct {
	Input  interface{}
	Call   int64
	Output interface{}
	Return int64
}

// EventKind distinguishes a call event from a return event.
type EventKind bool

const (
	CallEvent   EventKind = false
	ReturnEvent EventKind = true
)

// Event is an alternate, already-interleaved representation of a history:
// a flat sequence of call/return events sharing an Id per operation,
// useful when the real-time order is known but exact timestamps are not.
type Event struct {
	Kind  EventKind
	Value interface{}
	Id    uint
}

// Model describes the state machine a history is checked against.
type Model struct {
	// Partition splits a history into independent sub-histories that may
	// each be checked separately — e.g. by key, so unrelated keys never
	// force a combinatorial search over each other's interleavings.
	Partition      func(history []Operation) [][]Operation
	PartitionEvent func(history []Event) [][]Event

	Init func() interface{}

	// Step reports whether output is a valid response to input against
	// state, and if so the resulting state. Must not mutate state.
	Step func(state interface{}, input interface{}, output interface{}) (bool, interface{})

	Equal func(state1, state2 interface{}) bool
}

// NoPartition treats the whole history as one partition.
func NoPartition(history []Operation) [][]Operation {
	return [][]Operation{history}
}

// NoPartitionEvent treats the whole event history as one partition.
func NoPartitionEvent(history []Event) [][]Event {
	return [][]Event{history}
}

// ShallowEqual compares states with ==; suitable whenever the model's
// state is a comparable type (strings, small structs of comparable
// fields).
func ShallowEqual(state1, state2 interface{}) bool {
	return state1 == state2
}
