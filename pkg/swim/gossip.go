package swim

import (
	"math"
	"sort"

	"github.com/meftunca/lifeguard/pkg/types"
)

// PayloadSizer estimates the encoded size of a gossip entry list. The shell
// wires in a codec-backed sizer; tests use a fixed-cost one.
type PayloadSizer func(entries []types.GossipEntry) int

// gossipFact is one membership fact queued for dissemination.
type gossipFact struct {
	node      types.Node
	status    types.Status
	transmits int
}

// disseminator tracks which membership facts still need spreading and how
// often each has been piggybacked. A fact is retired once it has been
// included ceil(mult * log(N+1)) times, by which point infection-style
// spreading has reached the cluster with high probability.
type disseminator struct {
	facts map[types.NodeAddr]*gossipFact
	mult  int

	maxBytes int
	maxFacts int
	sizer    PayloadSizer
}

func newDisseminator(mult, maxBytes, maxFacts int, sizer PayloadSizer) *disseminator {
	return &disseminator{
		facts:    make(map[types.NodeAddr]*gossipFact),
		mult:     mult,
		maxBytes: maxBytes,
		maxFacts: maxFacts,
		sizer:    sizer,
	}
}

// enqueue records a fact for dissemination. A newer fact about the same
// node replaces the queued one and restarts its transmit count.
func (d *disseminator) enqueue(node types.Node, status types.Status) {
	d.facts[node.Addr()] = &gossipFact{node: node, status: status}
}

// retransmitLimit is the inclusion count after which a fact is dropped.
func (d *disseminator) retransmitLimit(liveMembers int) int {
	return int(math.Ceil(float64(d.mult) * math.Log(float64(liveMembers)+1)))
}

// makePayload builds a payload for the given recipient, consuming transmit
// budget on every included fact.
//
// Selection order: refutations about the local node first, then facts the
// recipient is most likely to disagree with (facts about the recipient
// itself), then the least-disseminated facts. Ties break on address order
// so payload construction is deterministic.
func (d *disseminator) makePayload(local types.Node, recipient types.Node, liveMembers int) types.GossipPayload {
	if len(d.facts) == 0 {
		return types.None()
	}

	type ranked struct {
		fact *gossipFact
		rank int
	}
	candidates := make([]ranked, 0, len(d.facts))
	for _, f := range d.facts {
		r := 2
		switch {
		case f.node.SameAddress(local):
			r = 0
		case f.node.SameAddress(recipient):
			r = 1
		}
		candidates = append(candidates, ranked{fact: f, rank: r})
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.rank != b.rank {
			return a.rank < b.rank
		}
		if a.fact.transmits != b.fact.transmits {
			return a.fact.transmits < b.fact.transmits
		}
		return a.fact.node.Addr() < b.fact.node.Addr()
	})

	var entries []types.GossipEntry
	var included []*gossipFact
	for _, c := range candidates {
		if d.maxFacts > 0 && len(entries) >= d.maxFacts {
			break
		}
		trial := append(entries, types.GossipEntry{Node: c.fact.node, Status: c.fact.status})
		if d.maxBytes > 0 && d.sizer != nil && d.sizer(trial) > d.maxBytes {
			if len(entries) == 0 {
				// A single oversized fact would starve dissemination
				// forever; send it alone and let the frame limit police
				// true oversize.
				entries = trial
				included = append(included, c.fact)
			}
			break
		}
		entries = trial
		included = append(included, c.fact)
	}

	if len(entries) == 0 {
		return types.None()
	}

	limit := d.retransmitLimit(liveMembers)
	for _, f := range included {
		f.transmits++
		if f.transmits >= limit {
			delete(d.facts, f.node.Addr())
		}
	}

	return types.Membership(entries)
}

// pending returns the number of facts still queued.
func (d *disseminator) pending() int {
	return len(d.facts)
}

// transmitsFor returns the transmit count of the queued fact about addr,
// or -1 if none is queued.
func (d *disseminator) transmitsFor(addr types.NodeAddr) int {
	if f, ok := d.facts[addr]; ok {
		return f.transmits
	}
	return -1
}
