package network

import (
	"context"
	"pow-ledger/block"
	"pow-ledger/config"
	"pow-ledger/registry"
	"pow-ledger/store"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

func newTestNetwork(t *testing.T, modify ...func(*config.Config)) *Network {
	t.Helper()
	cfg := config.Default()
	cfg.Difficulty = 1
	for _, m := range modify {
		m(&cfg)
	}

	n, err := New(cfg, WithClock(&stepClock{now: time.Unix(1718000000, 0)}))
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func TestNew(t *testing.T) {
	n := newTestNetwork(t)

	assert.Equal(t, []string{"A", "B", "C"}, n.Nodes())
	assert.Equal(t, uint(1), n.Difficulty())

	statuses, err := n.Status()
	require.NoError(t, err)
	require.Len(t, statuses, 3)
	for _, s := range statuses {
		assert.Equal(t, 1, s.Length, "Every node starts with its genesis block")
		assert.True(t, s.Valid)
		assert.Equal(t, -1, s.BrokenIndex)
		assert.NotEmpty(t, s.TipHash)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Difficulty = 0

	_, err := New(cfg)
	assert.ErrorIs(t, err, block.ErrDifficultyOutOfBounds)
}

func TestAppend_SingleNode(t *testing.T) {
	n := newTestNetwork(t)

	mined, err := n.Append("A", "tx1")
	require.NoError(t, err)
	assert.Equal(t, "tx1", mined.Data)
	assert.True(t, mined.MeetsDifficulty(1))

	a, err := n.GetChain("A")
	require.NoError(t, err)
	assert.Len(t, a, 2)
	assert.Equal(t, mined, a.Tip())

	b, err := n.GetChain("B")
	require.NoError(t, err)
	assert.Len(t, b, 1, "Without broadcast other nodes are untouched")
}

func TestAppend_Broadcast(t *testing.T) {
	n := newTestNetwork(t, func(c *config.Config) { c.BroadcastOnAppend = true })

	_, err := n.Append("B", "tx1")
	require.NoError(t, err)

	b, err := n.GetChain("B")
	require.NoError(t, err)
	for _, id := range []string{"A", "C"} {
		chain, err := n.GetChain(id)
		require.NoError(t, err)
		assert.True(t, chain.Fingerprint().Equal(b.Fingerprint()), "Node %s should hold B's chain", id)
	}
}

func TestAppend_UnknownNode(t *testing.T) {
	n := newTestNetwork(t)

	_, err := n.Append("Z", "tx")
	assert.ErrorIs(t, err, registry.ErrUnknownNode)
}

func TestTamper(t *testing.T) {
	n := newTestNetwork(t)
	_, err := n.Append("A", "tx1")
	require.NoError(t, err)
	_, err = n.Append("A", "tx2")
	require.NoError(t, err)

	require.NoError(t, n.Tamper("A", 1, "forged"))

	chain, err := n.GetChain("A")
	require.NoError(t, err)
	assert.Equal(t, "forged", chain[1].Data)
	assert.False(t, chain.IsValid())

	statuses, err := n.Status()
	require.NoError(t, err)
	assert.False(t, statuses[0].Valid)
	assert.Equal(t, 2, statuses[0].BrokenIndex, "The successor no longer links to the corrupted block")
	assert.NotEmpty(t, statuses[0].Reason)
	assert.True(t, statuses[1].Valid)
}

func TestTamper_OutOfRange(t *testing.T) {
	n := newTestNetwork(t)
	before, err := n.GetChain("A")
	require.NoError(t, err)

	err = n.Tamper("A", len(before), "x")
	assert.ErrorIs(t, err, block.ErrIndexOutOfRange)

	after, err := n.GetChain("A")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRewriteHistory(t *testing.T) {
	n := newTestNetwork(t)
	_, err := n.Append("A", "tx1")
	require.NoError(t, err)
	_, err = n.Append("A", "tx2")
	require.NoError(t, err)
	before, err := n.GetChain("A")
	require.NoError(t, err)

	require.NoError(t, n.RewriteHistory("A", 1, "rewritten"))

	after, err := n.GetChain("A")
	require.NoError(t, err)
	assert.True(t, after.IsValid())
	assert.Equal(t, "rewritten", after[1].Data)
	assert.Equal(t, before[0], after[0])
	assert.NotEqual(t, before[2].Hash, after[2].Hash)
}

func TestSync(t *testing.T) {
	n := newTestNetwork(t)
	_, err := n.Append("A", "tx1")
	require.NoError(t, err)

	require.NoError(t, n.Sync("B", "A"))

	a, err := n.GetChain("A")
	require.NoError(t, err)
	b, err := n.GetChain("B")
	require.NoError(t, err)
	assert.True(t, a.Fingerprint().Equal(b.Fingerprint()))

	// Later changes to A do not leak into B
	_, err = n.Append("A", "tx2")
	require.NoError(t, err)
	b, err = n.GetChain("B")
	require.NoError(t, err)
	assert.Len(t, b, 2)

	assert.ErrorIs(t, n.Sync("B", "Z"), registry.ErrUnknownNode)
	assert.ErrorIs(t, n.Sync("Z", "A"), registry.ErrUnknownNode)
}

func TestGetChain_IsACopy(t *testing.T) {
	n := newTestNetwork(t)

	chain, err := n.GetChain("A")
	require.NoError(t, err)
	chain[0].Data = "mutated"

	again, err := n.GetChain("A")
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", again[0].Data)
}

// The three node walkthrough: A diverges, B and C agree, consensus restores B's chain everywhere.
func TestResolveConsensus(t *testing.T) {
	n := newTestNetwork(t)

	require.NoError(t, n.Sync("C", "B"))
	require.NoError(t, n.Sync("A", "B"))
	_, err := n.Append("B", "shared")
	require.NoError(t, err)
	require.NoError(t, n.Sync("C", "B"))
	_, err = n.Append("A", "divergent")
	require.NoError(t, err)

	b, err := n.GetChain("B")
	require.NoError(t, err)

	result, err := n.ResolveConsensus()
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C"}, result.Members)
	assert.True(t, result.Winner.Equal(b.Fingerprint()))

	for _, id := range n.Nodes() {
		chain, err := n.GetChain(id)
		require.NoError(t, err)
		assert.True(t, chain.Fingerprint().Equal(b.Fingerprint()), "Node %s should hold the majority chain", id)
	}
}

func TestExportImport(t *testing.T) {
	n := newTestNetwork(t)
	_, err := n.Append("A", "tx1")
	require.NoError(t, err)

	data, err := n.Export("A")
	require.NoError(t, err)

	require.NoError(t, n.Import("C", data))

	a, err := n.GetChain("A")
	require.NoError(t, err)
	c, err := n.GetChain("C")
	require.NoError(t, err)
	assert.Equal(t, a, c)
}

func TestImport_Malformed(t *testing.T) {
	n := newTestNetwork(t)
	before, err := n.GetChain("B")
	require.NoError(t, err)

	err = n.Import("B", []byte(`{"difficulty":1}`))
	assert.ErrorIs(t, err, block.ErrMalformedChainState)

	// A block that could never be re-mined is rejected up front
	unmineable := `{"difficulty":1,"chain":[{"timestamp":1.5,"data":"d","prev_hash":"0","nonce":1,"difficulty":0,"hash":"0abc"}]}`
	err = n.Import("B", []byte(unmineable))
	assert.ErrorIs(t, err, block.ErrMalformedChainState)

	after, err := n.GetChain("B")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCheckpointRestore(t *testing.T) {
	n := newTestNetwork(t)
	ctx := context.Background()

	_, err := n.Append("A", "tx1")
	require.NoError(t, err)
	require.NoError(t, n.Checkpoint(ctx, "A", "before-tamper"))
	saved, err := n.GetChain("A")
	require.NoError(t, err)

	require.NoError(t, n.Tamper("A", 0, "forged"))
	require.NoError(t, n.Restore(ctx, "A", "before-tamper"))

	restored, err := n.GetChain("A")
	require.NoError(t, err)
	assert.Equal(t, saved, restored)
	assert.True(t, restored.IsValid())

	// A checkpoint can be restored into a different node
	require.NoError(t, n.Restore(ctx, "B", "before-tamper"))
	b, err := n.GetChain("B")
	require.NoError(t, err)
	assert.Equal(t, saved, b)

	names, err := n.Checkpoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"before-tamper"}, names)
}

func TestRestore_Missing(t *testing.T) {
	n := newTestNetwork(t)

	err := n.Restore(context.Background(), "A", "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCheckpoint_SQLiteStore(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Difficulty = 1
	n, err := New(cfg, WithStore(s), WithClock(&stepClock{}))
	require.NoError(t, err)
	defer n.Close()

	ctx := context.Background()
	require.NoError(t, n.Checkpoint(ctx, "A", "genesis"))
	require.NoError(t, n.Restore(ctx, "C", "genesis"))

	a, err := n.GetChain("A")
	require.NoError(t, err)
	c, err := n.GetChain("C")
	require.NoError(t, err)
	assert.Equal(t, a, c)
}

func TestClose(t *testing.T) {
	n := newTestNetwork(t)
	require.NoError(t, n.Close())
	require.NoError(t, n.Close(), "Closing twice is a no-op")

	_, err := n.Append("A", "x")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = n.Status()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = n.ResolveConsensus()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConcurrentRequests(t *testing.T) {
	n := newTestNetwork(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, err := n.Append("A", "tx")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, n.Sync("B", "A"))
		}()
		go func() {
			defer wg.Done()
			_, err := n.ResolveConsensus()
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	statuses, err := n.Status()
	require.NoError(t, err)
	for _, s := range statuses {
		assert.True(t, s.Valid)
	}
}
