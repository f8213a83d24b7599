// Package outcome defines the result vocabulary tests report against and
// the precedence rule used to fold a list of reported outcomes into one.
package outcome

import "fmt"

// Outcome is one of the fixed set of values a test (or a single check
// within a test) can report. Declaration order is precedence order: the
// lower the value, the worse the outcome, and the more readily it wins
// when several outcomes are folded together.
type Outcome int

const (
	SKIPPED Outcome = iota
	BLOCKED
	DUMPEDCORE
	TIMEDOUT
	FAILED
	NOTVERIFIED
	INSPECT
	PASSED
)

var names = [...]string{
	"SKIPPED",
	"BLOCKED",
	"DUMPEDCORE",
	"TIMEDOUT",
	"FAILED",
	"NOTVERIFIED",
	"INSPECT",
	"PASSED",
}

// String renders the outcome's canonical name, as it appears in writer
// output and log lines.
func (o Outcome) String() string {
	if o < 0 || int(o) >= len(names) {
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
	return names[o]
}

// Precedence returns the outcome's rank. Lower is worse; Worst picks the
// entry with the lowest precedence.
func (o Outcome) Precedence() int { return int(o) }

// Valid reports whether o is one of the declared constants.
func (o Outcome) Valid() bool { return o >= SKIPPED && o <= PASSED }

// Parse maps a canonical name back to its Outcome, for reading the values
// back out of a writer's output format.
func Parse(name string) (Outcome, bool) {
	for i, n := range names {
		if n == name {
			return Outcome(i), true
		}
	}
	return 0, false
}

// Entry pairs a reported outcome with the reason string a test supplied
// for it (may be empty).
type Entry struct {
	Outcome Outcome
	Reason  string
}

// List is the append-only sequence of outcomes a single test object
// accumulates over its lifetime, in the order they were reported.
type List struct {
	entries []Entry
}

// Add appends a new entry, preserving call order.
func (l *List) Add(o Outcome, reason string) {
	l.entries = append(l.entries, Entry{Outcome: o, Reason: reason})
}

// Entries returns the accumulated entries in call order. The returned
// slice must not be mutated by the caller.
func (l *List) Entries() []Entry { return l.entries }

// Len reports how many outcomes have been recorded.
func (l *List) Len() int { return len(l.entries) }

// Worst folds the list down to a single entry: the one with the lowest
// precedence value, ties broken by first occurrence. An empty list folds
// to NOTVERIFIED, matching a test that never reported anything explicitly
// — nothing was checked, so nothing can be said to have passed.
func (l *List) Worst() Entry {
	if len(l.entries) == 0 {
		return Entry{Outcome: NOTVERIFIED}
	}
	worst := l.entries[0]
	for _, e := range l.entries[1:] {
		if e.Outcome.Precedence() < worst.Outcome.Precedence() {
			worst = e
		}
	}
	return worst
}
