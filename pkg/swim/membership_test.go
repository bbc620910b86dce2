package swim

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meftunca/lifeguard/pkg/types"
)

func newTestTable(t *testing.T, seed int64) (*memberTable, types.Node) {
	t.Helper()
	local := types.NewNode("127.0.0.1", 7000)
	clock := NewManualClock(time.Unix(1000, 0))
	table := newMemberTable(local, rand.New(rand.NewSource(seed)), clock, 24*time.Hour)
	table.add(&Member{Node: local, Status: types.Alive(0)})
	return table, local
}

func addAlive(table *memberTable, port int) types.Node {
	n := types.NewNode("127.0.0.1", port)
	table.add(&Member{Node: n, Status: types.Alive(0)})
	return n
}

func TestNextToPingCyclesWithoutRepetition(t *testing.T) {
	table, _ := newTestTable(t, 1)
	nodes := map[types.NodeAddr]bool{}
	for port := 7001; port <= 7005; port++ {
		nodes[addAlive(table, port).Addr()] = true
	}

	// One full cycle visits every member exactly once.
	seen := map[types.NodeAddr]bool{}
	for n := 0; n < 5; n++ {
		m := table.nextToPing()
		require.NotNil(t, m)
		assert.False(t, seen[m.Node.Addr()], "member probed twice in one cycle")
		seen[m.Node.Addr()] = true
	}
	assert.Equal(t, len(nodes), len(seen))

	// The next cycle also visits everyone.
	seen = map[types.NodeAddr]bool{}
	for n := 0; n < 5; n++ {
		m := table.nextToPing()
		require.NotNil(t, m)
		seen[m.Node.Addr()] = true
	}
	assert.Equal(t, len(nodes), len(seen))
}

func TestNextToPingSkipsDeadAndLocal(t *testing.T) {
	table, local := newTestTable(t, 2)
	b := addAlive(table, 7001)
	c := addAlive(table, 7002)

	dead := table.get(b.Addr())
	dead.Status = types.Dead()
	table.markDead(b.Addr())

	for n := 0; n < 6; n++ {
		m := table.nextToPing()
		require.NotNil(t, m)
		assert.True(t, m.Node.SameAddress(c))
		assert.False(t, m.Node.SameAddress(local))
	}
}

func TestNextToPingNoEligibleMembers(t *testing.T) {
	table, _ := newTestTable(t, 3)
	assert.Nil(t, table.nextToPing())

	b := addAlive(table, 7001)
	table.get(b.Addr()).Status = types.Dead()
	table.markDead(b.Addr())
	assert.Nil(t, table.nextToPing())
}

func TestNewMemberInsertionFairness(t *testing.T) {
	// A member added mid-cycle must appear in the remainder of the cycle
	// or the next one, and the current cycle still visits every pending
	// member exactly once.
	table, _ := newTestTable(t, 4)
	for port := 7001; port <= 7003; port++ {
		addAlive(table, port)
	}

	first := table.nextToPing()
	require.NotNil(t, first)

	e := addAlive(table, 7009)

	seen := map[types.NodeAddr]int{}
	for n := 0; n < 3; n++ {
		m := table.nextToPing()
		require.NotNil(t, m)
		seen[m.Node.Addr()]++
		assert.False(t, m.Node.SameAddress(first.Node), "cursor rewound over an already-probed member")
	}
	for addr, count := range seen {
		assert.Equal(t, 1, count, "member %s repeated before the cycle completed", addr)
	}

	// Across two full extra cycles the new member is certainly probed.
	found := seen[e.Addr()] > 0
	for n := 0; n < 8 && !found; n++ {
		m := table.nextToPing()
		require.NotNil(t, m)
		found = m.Node.SameAddress(e)
	}
	assert.True(t, found, "new member was starved")
}

func TestNewMemberInsertedAtRandomRemainingPosition(t *testing.T) {
	// With uniform insertion into the remaining slice the new member is
	// not systematically probed last.
	probedBeforeLast := 0
	const trials = 200
	for trial := 0; trial < trials; trial++ {
		table, _ := newTestTable(t, int64(trial+100))
		for port := 7001; port <= 7003; port++ {
			addAlive(table, port)
		}
		table.nextToPing()

		e := addAlive(table, 7009)
		for n := 0; n < 2; n++ {
			m := table.nextToPing()
			require.NotNil(t, m)
			if m.Node.SameAddress(e) {
				probedBeforeLast++
				break
			}
		}
	}
	// Uniform insertion into 3 slots puts E in the first two with
	// probability 2/3; allow generous slack.
	assert.Greater(t, probedBeforeLast, trials/3)
}

func TestKRandomExcludesTargetAndLocal(t *testing.T) {
	table, local := newTestTable(t, 5)
	target := addAlive(table, 7001)
	for port := 7002; port <= 7006; port++ {
		addAlive(table, port)
	}

	picked := table.kRandom(3, target.Addr())
	require.Len(t, picked, 3)
	for _, m := range picked {
		assert.False(t, m.Node.SameAddress(target))
		assert.False(t, m.Node.SameAddress(local))
	}
}

func TestKRandomWithSingleOtherMember(t *testing.T) {
	table, _ := newTestTable(t, 6)
	target := addAlive(table, 7001)

	picked := table.kRandom(3, target.Addr())
	assert.Empty(t, picked)
}

func TestKRandomSkipsUnreachableAndDead(t *testing.T) {
	table, _ := newTestTable(t, 7)
	target := addAlive(table, 7001)
	b := addAlive(table, 7002)
	c := addAlive(table, 7003)
	table.get(b.Addr()).Status = types.Unreachable(0)
	table.get(c.Addr()).Status = types.Dead()
	table.markDead(c.Addr())

	picked := table.kRandom(3, target.Addr())
	assert.Empty(t, picked)
}

func TestPruneTombstones(t *testing.T) {
	local := types.NewNode("127.0.0.1", 7000)
	clock := NewManualClock(time.Unix(1000, 0))
	table := newMemberTable(local, rand.New(rand.NewSource(1)), clock, time.Hour)
	table.add(&Member{Node: local, Status: types.Alive(0)})

	b := addAlive(table, 7001)
	table.get(b.Addr()).Status = types.Dead()
	table.markDead(b.Addr())

	// Tombstones survive until the grace elapses.
	clock.Advance(30 * time.Minute)
	assert.Empty(t, table.pruneTombstones())
	require.NotNil(t, table.get(b.Addr()))

	clock.Advance(31 * time.Minute)
	pruned := table.pruneTombstones()
	require.Len(t, pruned, 1)
	assert.Equal(t, b.Addr(), pruned[0])
	assert.Nil(t, table.get(b.Addr()))
}
