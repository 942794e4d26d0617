// The search below is the classic Wing & Gong linearizability check:
// try every way of collapsing a concurrent call/return history into one
// sequential order consistent with real time, accepting if the model
// can replay some order without ever rejecting a step. recorder_test.go
// uses it, by way of KVModel in kvdemo_model.go, to check histories
// recorded against an internal/kvdemo cluster.
package linearizability

import (
	"sort"
	"sync/atomic"
	"time"
)

type entryKind bool

const (
	callEntry   entryKind = false
	returnEntry entryKind = true
)

type entry struct {
	kind  entryKind
	value interface{}
	id    uint
	time  int64
}

type byTime []entry

func (a byTime) Len() int           { return len(a) }
func (a byTime) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byTime) Less(i, j int) bool { return a[i].time < a[j].time }

func makeEntries(history []Operation) []entry {
	var entries []entry
	id := uint(0)
	for _, op := range history {
		entries = append(entries, entry{callEntry, op.Input, id, op.Call})
		entries = append(entries, entry{returnEntry, op.Output, id, op.Return})
		id++
	}
	sort.Sort(byTime(entries))
	return entries
}

// node is one call or return in the doubly linked history list checkSingle
// walks while trying linearizations; match links a return back to its call.
type node struct {
	value interface{}
	match *node
	id    uint
	next  *node
	prev  *node
}

// spliceBefore inserts n immediately before mark in mark's list, returning
// n as the new reference point. mark == nil is a no-op insert of a
// detached n, used to seed an empty list.
func (n *node) spliceBefore(mark *node) *node {
	if mark != nil {
		before := mark.prev
		mark.prev = n
		n.next = mark
		if before != nil {
			n.prev = before
			before.next = n
		}
	}
	return n
}

func (n *node) length() uint {
	l := uint(0)
	for n != nil {
		n = n.next
		l++
	}
	return l
}

// lift removes e and its matching return from the list, as if that
// call/return pair had already been linearized.
func (e *node) lift() {
	e.prev.next = e.next
	e.next.prev = e.prev
	match := e.match
	match.prev.next = match.next
	if match.next != nil {
		match.next.prev = match.prev
	}
}

// unlift reverses the most recent lift, restoring e and its match to the
// list so the search can try a different next step.
func (e *node) unlift() {
	match := e.match
	match.prev.next = match
	if match.next != nil {
		match.next.prev = match
	}
	e.prev.next = e
	e.next.prev = e
}

func renumber(events []Event) []Event {
	var out []Event
	seen := make(map[uint]uint)
	id := uint(0)
	for _, ev := range events {
		if r, ok := seen[ev.Id]; ok {
			out = append(out, Event{ev.Kind, ev.Value, r})
		} else {
			out = append(out, Event{ev.Kind, ev.Value, id})
			seen[ev.Id] = id
			id++
		}
	}
	return out
}

func convertEntries(events []Event) []entry {
	var entries []entry
	for _, ev := range events {
		kind := callEntry
		if ev.Kind == ReturnEvent {
			kind = returnEntry
		}
		entries = append(entries, entry{kind, ev.Value, ev.Id, -1})
	}
	return entries
}

func makeLinkedEntries(entries []entry) *node {
	var root *node
	match := make(map[uint]*node)
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.kind {
			n := &node{value: e.value, id: e.id}
			match[e.id] = n
			n.spliceBefore(root)
			root = n
		} else {
			n := &node{value: e.value, match: match[e.id], id: e.id}
			n.spliceBefore(root)
			root = n
		}
	}
	return root
}

type cacheEntry struct {
	linearized visitedSet
	state      interface{}
}

// linCache memoizes (visited-set, resulting model state) pairs already
// explored at a given point in the search, keyed by the set's hash, so
// checkSingle never walks the same partial linearization twice.
type linCache map[uint64][]cacheEntry

func (c linCache) has(model Model, e cacheEntry) bool {
	for _, elem := range c[e.linearized.hash()] {
		if e.linearized.equals(elem.linearized) && model.Equal(e.state, elem.state) {
			return true
		}
	}
	return false
}

type callsEntry struct {
	entry *node
	state interface{}
}

// checkSingle is the backtracking search: at each step either apply the
// next unmatched call tentatively (if the model accepts its paired
// return), memoizing (linearized-set, resulting state) pairs already
// explored to prune repeats, or backtrack to the last tentative call.
func checkSingle(model Model, subhistory *node, kill *int32) bool {
	n := subhistory.length() / 2
	linearized := newVisitedSet(n)
	cache := make(linCache)
	var calls []callsEntry

	state := model.Init()
	headEntry := (&node{value: nil, id: ^uint(0)}).spliceBefore(subhistory)
	e := subhistory
	for headEntry.next != nil {
		if atomic.LoadInt32(kill) != 0 {
			return false
		}
		if e.match != nil {
			matching := e.match
			ok, newState := model.Step(state, e.value, matching.value)
			if ok {
				newLinearized := linearized.clone().set(e.id)
				newEntry := cacheEntry{newLinearized, newState}
				if !cache.has(model, newEntry) {
					hash := newLinearized.hash()
					cache[hash] = append(cache[hash], newEntry)
					calls = append(calls, callsEntry{e, state})
					state = newState
					linearized.set(e.id)
					e.lift()
					e = headEntry.next
				} else {
					e = e.next
				}
			} else {
				e = e.next
			}
		} else {
			if len(calls) == 0 {
				return false
			}
			top := calls[len(calls)-1]
			e = top.entry
			state = top.state
			linearized.clear(e.id)
			calls = calls[:len(calls)-1]
			e.unlift()
			e = e.next
		}
	}
	return true
}

func fillDefault(model Model) Model {
	if model.Partition == nil {
		model.Partition = NoPartition
	}
	if model.PartitionEvent == nil {
		model.PartitionEvent = NoPartitionEvent
	}
	if model.Equal == nil {
		model.Equal = ShallowEqual
	}
	return model
}

// CheckOperations reports whether history admits a linearization.
func CheckOperations(model Model, history []Operation) bool {
	return CheckOperationsTimeout(model, history, 0)
}

// CheckOperationsTimeout is CheckOperations bounded by timeout (0 means
// unbounded). A timeout can only produce a false positive, never a false
// negative: the search is killed, not given a wrong answer.
func CheckOperationsTimeout(model Model, history []Operation, timeout time.Duration) bool {
	model = fillDefault(model)
	partitions := model.Partition(history)
	return runPartitions(model, len(partitions), func(i int) *node {
		return makeLinkedEntries(makeEntries(partitions[i]))
	}, timeout)
}

// CheckEvents reports whether an already-interleaved event history admits
// a linearization.
func CheckEvents(model Model, history []Event) bool {
	return CheckEventsTimeout(model, history, 0)
}

// CheckEventsTimeout is CheckEvents bounded by timeout.
func CheckEventsTimeout(model Model, history []Event, timeout time.Duration) bool {
	model = fillDefault(model)
	partitions := model.PartitionEvent(history)
	return runPartitions(model, len(partitions), func(i int) *node {
		return makeLinkedEntries(convertEntries(renumber(partitions[i])))
	}, timeout)
}

func runPartitions(model Model, n int, build func(i int) *node, timeout time.Duration) bool {
	ok := true
	results := make(chan bool)
	kill := int32(0)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			results <- checkSingle(model, build(i), &kill)
		}()
	}

	var timeoutChan <-chan time.Time
	if timeout > 0 {
		timeoutChan = time.After(timeout)
	}

	count := 0
loop:
	for {
		select {
		case result := <-results:
			ok = ok && result
			if !ok {
				atomic.StoreInt32(&kill, 1)
				break loop
			}
			count++
			if count >= n {
				break loop
			}
		case <-timeoutChan:
			atomic.StoreInt32(&kill, 1)
			break loop
		}
	}
	return ok
}
