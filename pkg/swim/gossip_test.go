package swim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meftunca/lifeguard/pkg/types"
)

// fixedSizer charges a flat cost per entry.
func fixedSizer(perEntry int) PayloadSizer {
	return func(entries []types.GossipEntry) int {
		return perEntry * len(entries)
	}
}

func TestDisseminatorRetiresFactsAtRetransmitLimit(t *testing.T) {
	local := types.NewNode("127.0.0.1", 7000)
	peer := types.NewNode("127.0.0.1", 7001)
	recipient := types.NewNode("127.0.0.1", 7002)

	d := newDisseminator(3, 0, 0, nil)
	d.enqueue(peer, types.Alive(1))

	// N=3 live members: limit = ceil(3 * ln(4)) = 5 inclusions.
	limit := d.retransmitLimit(3)
	require.Equal(t, 5, limit)

	for n := 0; n < limit; n++ {
		require.Equal(t, 1, d.pending(), "fact retired early after %d inclusions", n)
		payload := d.makePayload(local, recipient, 3)
		require.Len(t, payload.Entries, 1)
	}
	assert.Equal(t, 0, d.pending())
	assert.True(t, d.makePayload(local, recipient, 3).IsNone())
}

func TestDisseminatorRefutationsFirst(t *testing.T) {
	local := types.NewNode("127.0.0.1", 7000)
	recipient := types.NewNode("127.0.0.1", 7001)
	other := types.NewNode("127.0.0.1", 7002)

	d := newDisseminator(3, 0, 0, nil)
	d.enqueue(other, types.Suspect(2, recipient))
	d.enqueue(recipient, types.Suspect(1, local))
	d.enqueue(local, types.Alive(5))

	payload := d.makePayload(local, recipient, 3)
	require.Len(t, payload.Entries, 3)

	// Local refutation first, then the fact the recipient disagrees
	// with (about itself), then the rest.
	assert.True(t, payload.Entries[0].Node.SameAddress(local))
	assert.True(t, payload.Entries[1].Node.SameAddress(recipient))
	assert.True(t, payload.Entries[2].Node.SameAddress(other))
}

func TestDisseminatorByteBudget(t *testing.T) {
	local := types.NewNode("127.0.0.1", 7000)
	recipient := types.NewNode("127.0.0.1", 7001)

	d := newDisseminator(3, 100, 0, fixedSizer(40))
	for port := 7002; port <= 7009; port++ {
		d.enqueue(types.NewNode("127.0.0.1", port), types.Alive(0))
	}

	payload := d.makePayload(local, recipient, 8)
	// 40 bytes per entry under a 100 byte budget fits two entries.
	assert.Len(t, payload.Entries, 2)
}

func TestDisseminatorFactBudget(t *testing.T) {
	local := types.NewNode("127.0.0.1", 7000)
	recipient := types.NewNode("127.0.0.1", 7001)

	d := newDisseminator(3, 0, 3, nil)
	for port := 7002; port <= 7009; port++ {
		d.enqueue(types.NewNode("127.0.0.1", port), types.Alive(0))
	}

	payload := d.makePayload(local, recipient, 8)
	assert.Len(t, payload.Entries, 3)
}

func TestDisseminatorOversizedSingleFactStillSent(t *testing.T) {
	local := types.NewNode("127.0.0.1", 7000)
	recipient := types.NewNode("127.0.0.1", 7001)

	d := newDisseminator(3, 10, 0, fixedSizer(40))
	d.enqueue(types.NewNode("127.0.0.1", 7002), types.Alive(0))

	payload := d.makePayload(local, recipient, 2)
	assert.Len(t, payload.Entries, 1)
}

func TestDisseminatorEnqueueReplacesFact(t *testing.T) {
	local := types.NewNode("127.0.0.1", 7000)
	recipient := types.NewNode("127.0.0.1", 7001)
	peer := types.NewNode("127.0.0.1", 7002)

	d := newDisseminator(3, 0, 0, nil)
	d.enqueue(peer, types.Alive(1))
	d.makePayload(local, recipient, 3)
	require.Equal(t, 1, d.transmitsFor(peer.Addr()))

	// A newer fact restarts the transmit budget.
	d.enqueue(peer, types.Suspect(1, local))
	assert.Equal(t, 0, d.transmitsFor(peer.Addr()))

	payload := d.makePayload(local, recipient, 3)
	require.Len(t, payload.Entries, 1)
	assert.True(t, payload.Entries[0].Status.IsSuspect())
}

func TestDisseminatorLeastDisseminatedFirst(t *testing.T) {
	local := types.NewNode("127.0.0.1", 7000)
	recipient := types.NewNode("127.0.0.1", 7001)
	a := types.NewNode("127.0.0.1", 7002)
	b := types.NewNode("127.0.0.1", 7003)

	d := newDisseminator(3, 0, 1, nil)
	d.enqueue(a, types.Alive(0))

	// Spread a once; then queue b, which has seen no transmissions.
	d.makePayload(local, recipient, 3)
	d.enqueue(b, types.Alive(0))

	payload := d.makePayload(local, recipient, 3)
	require.Len(t, payload.Entries, 1)
	assert.True(t, payload.Entries[0].Node.SameAddress(b))
}

func TestDisseminatorDeterministicTieBreak(t *testing.T) {
	local := types.NewNode("127.0.0.1", 7000)
	recipient := types.NewNode("127.0.0.1", 7001)

	build := func() types.GossipPayload {
		d := newDisseminator(3, 0, 0, nil)
		for port := 7009; port >= 7002; port-- {
			d.enqueue(types.NewNode("127.0.0.1", port), types.Alive(0))
		}
		return d.makePayload(local, recipient, 8)
	}

	first := build()
	second := build()
	require.Equal(t, len(first.Entries), len(second.Entries))
	for idx := range first.Entries {
		assert.Equal(t, first.Entries[idx].Node.Addr(), second.Entries[idx].Node.Addr())
	}
}
