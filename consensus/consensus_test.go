package consensus

import (
	"pow-ledger/block"
	"pow-ledger/ledger"
	"pow-ledger/registry"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepClock advances one second per reading so every genesis block differs.
type stepClock struct {
	mutex sync.Mutex
	now   time.Time
}

func (c *stepClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestRegistry(t *testing.T, difficulty uint, ids ...string) *registry.Registry {
	t.Helper()
	clock := &stepClock{now: time.Unix(1718000000, 0)}
	reg, err := registry.New(difficulty, ids, ledger.WithClock(clock))
	require.NoError(t, err, "Should create registry without error")
	return reg
}

// TestResolve_MajorityScenario covers the three node walk-through: A appends
// and syncs only B, C is tampered at genesis, consensus restores C.
func TestResolve_MajorityScenario(t *testing.T) {
	reg := newTestRegistry(t, 2, "A", "B", "C")
	a, _ := reg.Get("A")
	b, _ := reg.Get("B")
	c, _ := reg.Get("C")

	_, err := a.Append("x")
	require.NoError(t, err)
	SyncFrom(b, a.Snapshot())
	require.NoError(t, c.Corrupt(0, "tampered"))

	expected := a.Fingerprint()
	result := Resolve(reg)

	assert.Equal(t, []string{"A", "B"}, result.Members, "A and B share the majority fingerprint")
	assert.True(t, result.Winner.Equal(expected))
	require.Len(t, result.Groups, 2)
	assert.Equal(t, []string{"C"}, result.Groups[1].Members)

	for _, id := range []string{"A", "B", "C"} {
		assert.True(t, result.Adopted[id].Equal(expected), "Node %s should hold the majority chain", id)
	}
	assert.True(t, c.Fingerprint().Equal(expected), "C should have adopted A/B's chain")
	assert.True(t, c.IsValid())
}

func TestResolve_TieGoesToEarliestRegisteredGroup(t *testing.T) {
	reg := newTestRegistry(t, 1, "A", "B", "C", "D")
	a, _ := reg.Get("A")
	b, _ := reg.Get("B")
	c, _ := reg.Get("C")
	d, _ := reg.Get("D")

	// Two groups of two: {A, B} and {C, D}
	SyncFrom(b, a.Snapshot())
	_, err := c.Append("c-only")
	require.NoError(t, err)
	SyncFrom(d, c.Snapshot())

	expected := a.Fingerprint()
	result := Resolve(reg)

	assert.Equal(t, []string{"A", "B"}, result.Members)
	assert.True(t, result.Winner.Equal(expected), "Ties resolve to the group holding the first registered node")
	assert.True(t, d.Fingerprint().Equal(expected))
}

func TestResolve_TieIsDecidedByRegistrationOrder(t *testing.T) {
	reg := newTestRegistry(t, 1, "C", "A", "B")
	c, _ := reg.Get("C")

	expected := c.Fingerprint()
	result := Resolve(reg)

	// Every node is its own group of one, so the first registered node wins
	require.Len(t, result.Groups, 3)
	assert.Equal(t, []string{"C"}, result.Members)
	assert.True(t, result.Winner.Equal(expected))
}

func TestResolve_AdoptedHashesContainingSeparators(t *testing.T) {
	reg := newTestRegistry(t, 1, "A", "B", "C")
	a, _ := reg.Get("A")
	b, _ := reg.Get("B")
	c, _ := reg.Get("C")

	// Unvalidated adoption lets arbitrary hash strings reach the vote
	b.ReplaceChain(block.Chain{{Hash: "x:y"}})
	c.ReplaceChain(block.Chain{{Hash: "x"}, {Hash: "y"}})
	require.False(t, b.Fingerprint().Equal(c.Fingerprint()))

	expected := a.Fingerprint()
	result := Resolve(reg)

	// Three distinct chains, so the first registered node wins the tie
	require.Len(t, result.Groups, 3)
	for _, g := range result.Groups {
		assert.Len(t, g.Members, 1)
	}
	assert.Equal(t, []string{"A"}, result.Members)
	assert.True(t, result.Winner.Equal(expected))
	assert.True(t, c.Fingerprint().Equal(expected), "C adopts A's chain, not B's")
}

func TestResolve_LongerMinorityChainLoses(t *testing.T) {
	reg := newTestRegistry(t, 1, "A", "B", "C")
	a, _ := reg.Get("A")
	b, _ := reg.Get("B")
	c, _ := reg.Get("C")

	SyncFrom(c, b.Snapshot())
	for _, data := range []string{"1", "2", "3"} {
		_, err := a.Append(data)
		require.NoError(t, err)
	}

	expected := b.Fingerprint()
	result := Resolve(reg)

	assert.Equal(t, []string{"B", "C"}, result.Members)
	assert.True(t, a.Fingerprint().Equal(expected), "Majority wins over length")
	assert.Equal(t, 1, a.Len())
}

func TestResolve_InvalidMajorityStillWins(t *testing.T) {
	reg := newTestRegistry(t, 1, "A", "B", "C")
	a, _ := reg.Get("A")
	b, _ := reg.Get("B")
	c, _ := reg.Get("C")

	_, err := b.Append("y")
	require.NoError(t, err)
	require.NoError(t, b.Corrupt(0, "forged"))
	SyncFrom(c, b.Snapshot())
	require.False(t, b.IsValid())

	result := Resolve(reg)

	assert.Equal(t, []string{"B", "C"}, result.Members)
	assert.False(t, a.IsValid(), "Candidate chains are not validated before counting")
}

func TestResolve_AlreadyInAgreement(t *testing.T) {
	reg := newTestRegistry(t, 1, "A", "B")
	a, _ := reg.Get("A")
	b, _ := reg.Get("B")
	SyncFrom(b, a.Snapshot())

	before := a.Fingerprint()
	first := Resolve(reg)
	second := Resolve(reg)

	assert.Equal(t, []string{"A", "B"}, first.Members)
	assert.Len(t, first.Groups, 1)
	assert.True(t, second.Winner.Equal(before), "Resolving twice is idempotent")
	assert.True(t, a.Fingerprint().Equal(before))
}

func TestResolve_AdoptionIsACopy(t *testing.T) {
	reg := newTestRegistry(t, 1, "A", "B", "C")
	a, _ := reg.Get("A")
	b, _ := reg.Get("B")
	SyncFrom(b, a.Snapshot())

	Resolve(reg)
	adopted := b.Fingerprint()

	// Mutating the source afterwards must not change what B adopted
	_, err := a.Append("later")
	require.NoError(t, err)
	assert.True(t, b.Fingerprint().Equal(adopted))
	assert.Equal(t, 1, b.Len())
}

func TestGroupByFingerprint(t *testing.T) {
	chainX := block.Chain{{Hash: "0x"}}
	chainY := block.Chain{{Hash: "0y"}}
	chainXY := block.Chain{{Hash: "0x"}, {Hash: "0y"}}

	groups := GroupByFingerprint([]registry.NodeChain{
		{NodeID: "n1", Chain: chainY},
		{NodeID: "n2", Chain: chainX},
		{NodeID: "n3", Chain: chainY},
		{NodeID: "n4", Chain: chainXY},
	})

	require.Len(t, groups, 3)
	assert.Equal(t, []string{"n1", "n3"}, groups[0].Members)
	assert.Equal(t, block.Fingerprint{"0y"}, groups[0].Fingerprint)
	assert.Equal(t, []string{"n2"}, groups[1].Members)
	assert.Equal(t, []string{"n4"}, groups[2].Members, "Prefix chains are distinct groups")
}

func TestSelectMajority(t *testing.T) {
	testCases := []struct {
		name     string
		sizes    []int
		expected int
	}{
		{"single group", []int{3}, 0},
		{"clear majority", []int{1, 3, 1}, 1},
		{"tie picks first", []int{2, 2}, 0},
		{"later larger group", []int{1, 1, 2}, 2},
		{"no groups", nil, -1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			groups := make([]Group, len(tc.sizes))
			for i, size := range tc.sizes {
				groups[i].Members = make([]string, size)
			}
			assert.Equal(t, tc.expected, SelectMajority(groups))
		})
	}
}
