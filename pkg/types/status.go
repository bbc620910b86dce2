package types

import (
	"fmt"
	"sort"
	"strings"
)

// MemberState enumerates the four member states of the failure detector.
type MemberState uint8

const (
	StateAlive MemberState = iota
	StateSuspect
	StateUnreachable
	StateDead
)

func (s MemberState) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateSuspect:
		return "suspect"
	case StateUnreachable:
		return "unreachable"
	case StateDead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Status is a member's state tagged with the incarnation it was asserted at.
// SuspectedBy is only populated for StateSuspect and holds the nodes that
// independently declared the suspicion, sorted by address and deduplicated.
type Status struct {
	State       MemberState `cbor:"s" json:"state" msgpack:"s"`
	Incarnation uint64      `cbor:"i" json:"incarnation" msgpack:"i"`
	SuspectedBy []Node      `cbor:"sb,omitempty" json:"suspected_by,omitempty" msgpack:"sb,omitempty"`
}

// Alive returns an alive status at the given incarnation.
func Alive(incarnation uint64) Status {
	return Status{State: StateAlive, Incarnation: incarnation}
}

// Suspect returns a suspect status at the given incarnation, suspected by the
// given nodes.
func Suspect(incarnation uint64, suspectedBy ...Node) Status {
	return Status{State: StateSuspect, Incarnation: incarnation, SuspectedBy: normalizeSuspectedBy(suspectedBy)}
}

// Unreachable returns an unreachable status at the given incarnation.
func Unreachable(incarnation uint64) Status {
	return Status{State: StateUnreachable, Incarnation: incarnation}
}

// Dead returns the terminal dead status.
func Dead() Status {
	return Status{State: StateDead}
}

// IsAlive reports whether the status is alive.
func (s Status) IsAlive() bool { return s.State == StateAlive }

// IsSuspect reports whether the status is suspect.
func (s Status) IsSuspect() bool { return s.State == StateSuspect }

// IsUnreachable reports whether the status is unreachable.
func (s Status) IsUnreachable() bool { return s.State == StateUnreachable }

// IsDead reports whether the status is terminal.
func (s Status) IsDead() bool { return s.State == StateDead }

// Reachability maps the status onto the two-valued reachability view.
func (s Status) Reachability() Reachability {
	if s.State == StateAlive || s.State == StateSuspect {
		return ReachabilityReachable
	}
	return ReachabilityUnreachable
}

// Supersedes reports whether s carries strictly newer information than old
// and should replace it in the membership table.
//
// Ordering rules:
//  1. Dead is terminal: nothing supersedes it, and dead supersedes any
//     non-dead status.
//  2. A higher incarnation wins outright.
//  3. At equal incarnation: alive < suspect < unreachable < dead.
//  4. At equal incarnation with both suspect: a strictly larger suspecter
//     set supersedes; equal or smaller sets do not (the union is still
//     retained by Merge).
func (s Status) Supersedes(old Status) bool {
	if old.IsDead() {
		return false
	}
	if s.IsDead() {
		return true
	}
	if s.Incarnation != old.Incarnation {
		return s.Incarnation > old.Incarnation
	}
	if s.State != old.State {
		return s.State > old.State
	}
	if s.IsSuspect() && old.IsSuspect() {
		return len(mergeSuspectedBy(s.SuspectedBy, old.SuspectedBy)) > len(old.SuspectedBy)
	}
	return false
}

// Merge folds an incoming status into the current one and reports whether
// the result differs from current. Suspecter sets at equal incarnation are
// unioned even when neither side strictly supersedes the other.
func (s Status) Merge(incoming Status) (Status, bool) {
	if s.IsDead() {
		return s, false
	}
	if incoming.IsDead() {
		return incoming, true
	}
	if incoming.Incarnation > s.Incarnation {
		return incoming.normalized(), true
	}
	if incoming.Incarnation < s.Incarnation {
		return s, false
	}
	// Equal incarnation.
	if incoming.State > s.State {
		if incoming.IsSuspect() && s.IsSuspect() {
			incoming.SuspectedBy = mergeSuspectedBy(incoming.SuspectedBy, s.SuspectedBy)
		}
		return incoming.normalized(), true
	}
	if incoming.State < s.State {
		return s, false
	}
	if s.IsSuspect() {
		union := mergeSuspectedBy(s.SuspectedBy, incoming.SuspectedBy)
		if len(union) != len(s.SuspectedBy) {
			return Status{State: StateSuspect, Incarnation: s.Incarnation, SuspectedBy: union}, true
		}
	}
	return s, false
}

// SuspectedByContains reports whether the suspecter set contains the node.
func (s Status) SuspectedByContains(node Node) bool {
	for _, n := range s.SuspectedBy {
		if n.Equal(node) {
			return true
		}
	}
	return false
}

func (s Status) normalized() Status {
	if s.State != StateSuspect {
		s.SuspectedBy = nil
		return s
	}
	s.SuspectedBy = normalizeSuspectedBy(s.SuspectedBy)
	return s
}

func (s Status) String() string {
	switch s.State {
	case StateSuspect:
		by := make([]string, 0, len(s.SuspectedBy))
		for _, n := range s.SuspectedBy {
			by = append(by, string(n.Addr()))
		}
		return fmt.Sprintf("suspect(%d, by: [%s])", s.Incarnation, strings.Join(by, ", "))
	case StateDead:
		return "dead"
	default:
		return fmt.Sprintf("%s(%d)", s.State, s.Incarnation)
	}
}

func normalizeSuspectedBy(nodes []Node) []Node {
	return mergeSuspectedBy(nodes, nil)
}

// mergeSuspectedBy unions two suspecter sets, deduplicating by full node
// identity and keeping a deterministic order.
func mergeSuspectedBy(a, b []Node) []Node {
	out := make([]Node, 0, len(a)+len(b))
	for _, n := range append(append([]Node{}, a...), b...) {
		dup := false
		for _, seen := range out {
			if seen.Equal(n) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Addr() != out[j].Addr() {
			return out[i].Addr() < out[j].Addr()
		}
		return out[i].UID.String() < out[j].UID.String()
	})
	if len(out) == 0 {
		return nil
	}
	return out
}
