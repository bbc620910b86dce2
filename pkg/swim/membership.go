package swim

import (
	"math/rand"
	"sort"
	"time"

	"github.com/meftunca/lifeguard/pkg/types"
)

// memberTable holds every known member keyed by address and maintains the
// shuffled round-robin order used for probe target selection.
//
// The order slice contains non-local members only. Dead members stay in the
// members map as tombstones but are skipped during selection and dropped
// from the order on reshuffle.
type memberTable struct {
	local   types.Node
	members map[types.NodeAddr]*Member

	order  []types.NodeAddr
	cursor int

	rng          *rand.Rand
	clock        Clock
	tombstoneTTL time.Duration

	// deadSince records when a member transitioned to dead, for tombstone
	// GC.
	deadSince map[types.NodeAddr]time.Time
}

func newMemberTable(local types.Node, rng *rand.Rand, clock Clock, tombstoneTTL time.Duration) *memberTable {
	return &memberTable{
		local:        local,
		members:      make(map[types.NodeAddr]*Member),
		deadSince:    make(map[types.NodeAddr]time.Time),
		rng:          rng,
		clock:        clock,
		tombstoneTTL: tombstoneTTL,
	}
}

// get returns the member for the address, or nil.
func (t *memberTable) get(addr types.NodeAddr) *Member {
	return t.members[addr]
}

// add registers a new member and inserts it at a random position in the
// remaining portion of the probe order. A new member is neither starved for
// a full round nor probed out of turn ahead of everyone already waiting.
func (t *memberTable) add(m *Member) {
	addr := m.Node.Addr()
	if _, exists := t.members[addr]; exists {
		return
	}
	t.members[addr] = m

	if m.Node.SameAddress(t.local) || m.Status.IsDead() {
		if m.Status.IsDead() {
			t.deadSince[addr] = t.clock.Now()
		}
		return
	}

	pos := t.cursor + t.rng.Intn(len(t.order)-t.cursor+1)
	t.order = append(t.order, "")
	copy(t.order[pos+1:], t.order[pos:])
	t.order[pos] = addr
}

// markDead records the tombstone timestamp for GC. The member stays in the
// map; selection skips it.
func (t *memberTable) markDead(addr types.NodeAddr) {
	if _, ok := t.deadSince[addr]; !ok {
		t.deadSince[addr] = t.clock.Now()
	}
}

// nextToPing returns the next non-local, non-dead member in the shuffled
// order, advancing the cursor. Reaching the end reshuffles. Returns nil when
// no eligible member exists.
func (t *memberTable) nextToPing() *Member {
	for attempts := 0; attempts < len(t.order)+1; attempts++ {
		if len(t.order) == 0 {
			return nil
		}
		if t.cursor >= len(t.order) {
			t.reshuffle()
			if len(t.order) == 0 {
				return nil
			}
		}
		addr := t.order[t.cursor]
		t.cursor++

		m := t.members[addr]
		if m == nil || m.Status.IsDead() || m.Node.SameAddress(t.local) {
			continue
		}
		return m
	}
	return nil
}

// reshuffle rebuilds the order from current non-dead members and resets the
// cursor.
func (t *memberTable) reshuffle() {
	t.order = t.order[:0]
	for addr, m := range t.members {
		if m.Status.IsDead() || m.Node.SameAddress(t.local) {
			continue
		}
		t.order = append(t.order, addr)
	}
	// Map iteration order is randomized but not seeded; sort before
	// shuffling so a fixed seed yields a reproducible permutation.
	sortAddrs(t.order)
	t.rng.Shuffle(len(t.order), func(i, j int) {
		t.order[i], t.order[j] = t.order[j], t.order[i]
	})
	t.cursor = 0
}

// kRandom selects up to k distinct alive or suspect members, excluding the
// local node and any excluded addresses.
func (t *memberTable) kRandom(k int, exclude ...types.NodeAddr) []*Member {
	if k <= 0 {
		return nil
	}

	candidates := make([]types.NodeAddr, 0, len(t.members))
outer:
	for addr, m := range t.members {
		if m.Node.SameAddress(t.local) {
			continue
		}
		if !m.Status.IsAlive() && !m.Status.IsSuspect() {
			continue
		}
		for _, ex := range exclude {
			if addr == ex {
				continue outer
			}
		}
		candidates = append(candidates, addr)
	}
	sortAddrs(candidates)
	t.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	picked := make([]*Member, 0, len(candidates))
	for _, addr := range candidates {
		picked = append(picked, t.members[addr])
	}
	return picked
}

// suspects returns the members currently in suspect state.
func (t *memberTable) suspects() []*Member {
	var out []*Member
	for _, addr := range t.sortedAddrs() {
		if m := t.members[addr]; m.Status.IsSuspect() {
			out = append(out, m)
		}
	}
	return out
}

// all returns every member in deterministic address order.
func (t *memberTable) all() []*Member {
	out := make([]*Member, 0, len(t.members))
	for _, addr := range t.sortedAddrs() {
		out = append(out, t.members[addr])
	}
	return out
}

// countLiveish returns the number of members in alive or suspect state,
// including the local node. Gossip retransmission limits scale on it.
func (t *memberTable) countLiveish() int {
	n := 0
	for _, m := range t.members {
		if m.Status.IsAlive() || m.Status.IsSuspect() {
			n++
		}
	}
	return n
}

// pruneTombstones drops dead members whose tombstone grace has elapsed.
// Returns the pruned addresses.
func (t *memberTable) pruneTombstones() []types.NodeAddr {
	var pruned []types.NodeAddr
	now := t.clock.Now()
	for addr, since := range t.deadSince {
		if now.Sub(since) < t.tombstoneTTL {
			continue
		}
		delete(t.members, addr)
		delete(t.deadSince, addr)
		pruned = append(pruned, addr)
	}
	return pruned
}

func (t *memberTable) sortedAddrs() []types.NodeAddr {
	addrs := make([]types.NodeAddr, 0, len(t.members))
	for addr := range t.members {
		addrs = append(addrs, addr)
	}
	sortAddrs(addrs)
	return addrs
}

func sortAddrs(addrs []types.NodeAddr) {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
}
