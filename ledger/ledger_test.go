package ledger

import (
	"pow-ledger/block"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedClock hands out strictly increasing timestamps starting at start.
type fixedClock struct {
	mutex sync.Mutex
	next  time.Time
}

func newFixedClock(start time.Time) *fixedClock {
	return &fixedClock{next: start}
}

func (c *fixedClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	now := c.next
	c.next = c.next.Add(time.Second)
	return now
}

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := New(1)
	require.NoError(t, err, "Should create ledger without error")
	return l
}

func TestNew(t *testing.T) {
	l, err := New(2)
	require.NoError(t, err)

	chain := l.Snapshot()
	require.Len(t, chain, 1, "A new ledger holds only its genesis block")

	genesis := chain[0]
	assert.Equal(t, block.GenesisData, genesis.Data)
	assert.Equal(t, block.GenesisPrevHash, genesis.PrevHash)
	assert.Equal(t, uint(2), genesis.Difficulty)
	assert.True(t, genesis.MeetsDifficulty(2))
	assert.Equal(t, uint(2), l.Difficulty())
	assert.True(t, l.IsValid())
}

func TestNew_DifficultyOutOfBounds(t *testing.T) {
	for _, difficulty := range []uint{0, block.MaxDifficulty + 1} {
		l, err := New(difficulty)
		assert.ErrorIs(t, err, block.ErrDifficultyOutOfBounds)
		assert.Nil(t, l)
	}
}

func TestNew_WithClock(t *testing.T) {
	start := time.Unix(1700000000, 0)
	l, err := New(1, WithClock(newFixedClock(start)))
	require.NoError(t, err)

	appended, err := l.Append("x")
	require.NoError(t, err)

	chain := l.Snapshot()
	assert.Equal(t, float64(1700000000), chain[0].Timestamp)
	assert.Equal(t, float64(1700000001), appended.Timestamp)
}

func TestAppend(t *testing.T) {
	l := newTestLedger(t)

	first, err := l.Append("first")
	require.NoError(t, err)
	second, err := l.Append("second")
	require.NoError(t, err)

	chain := l.Snapshot()
	require.Len(t, chain, 3)
	assert.Equal(t, first, chain[1])
	assert.Equal(t, second, chain[2])
	assert.Equal(t, chain[0].Hash, first.PrevHash)
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.True(t, second.MeetsDifficulty(l.Difficulty()))
	assert.Equal(t, 3, l.Len())
}

func TestAppend_OnlyAppendsKeepValidity(t *testing.T) {
	l := newTestLedger(t)

	for _, data := range []string{"a", "", "with spaces", "ünïcödé", "0"} {
		_, err := l.Append(data)
		require.NoError(t, err)
		assert.True(t, l.IsValid(), "Ledger should stay valid after appending %q", data)
	}
}

func TestAppend_EmptyLedger(t *testing.T) {
	l := newTestLedger(t)
	l.ReplaceChain(block.Chain{})

	_, err := l.Append("x")
	assert.ErrorIs(t, err, ErrEmptyLedger)
}

func TestSnapshot_IsIndependent(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Append("a")
	require.NoError(t, err)

	snapshot := l.Snapshot()
	fingerprint := l.Fingerprint()

	// Mutating the snapshot must not leak into the ledger
	snapshot[1].Data = "mutated"
	assert.Equal(t, "a", l.Snapshot()[1].Data)

	// Later ledger changes must not leak into an older snapshot
	require.NoError(t, l.Corrupt(1, "tampered"))
	_, err = l.Append("b")
	require.NoError(t, err)
	assert.Len(t, fingerprint, 2)
	assert.Equal(t, "mutated", snapshot[1].Data)
}

func TestReplaceChain_NoValidation(t *testing.T) {
	source := newTestLedger(t)
	_, err := source.Append("a")
	require.NoError(t, err)
	require.NoError(t, source.Corrupt(0, "evil genesis"))
	require.False(t, source.IsValid())

	target := newTestLedger(t)
	target.ReplaceChain(source.Snapshot())

	assert.True(t, target.Fingerprint().Equal(source.Fingerprint()))
	assert.False(t, target.IsValid(), "Invalid chains are adopted as-is")
}

func TestReplaceChain_CopiesInput(t *testing.T) {
	source := newTestLedger(t)
	chain := source.Snapshot()

	target := newTestLedger(t)
	target.ReplaceChain(chain)

	chain[0].Data = "changed after replace"
	assert.Equal(t, block.GenesisData, target.Snapshot()[0].Data)
}

func TestCorrupt(t *testing.T) {
	l := newTestLedger(t)
	for _, data := range []string{"a", "b", "c"} {
		_, err := l.Append(data)
		require.NoError(t, err)
	}

	require.NoError(t, l.Corrupt(1, "tampered"))

	assert.False(t, l.IsValid())
	var chainErr *block.ChainError
	require.ErrorAs(t, l.Verify(), &chainErr)
	assert.Equal(t, 2, chainErr.Index, "The break shows at the first stale prev hash")
}

func TestCorrupt_IndexOutOfRange(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Append("a")
	require.NoError(t, err)

	before := l.Snapshot()

	err = l.Corrupt(l.Len(), "x")
	assert.ErrorIs(t, err, block.ErrIndexOutOfRange)

	after := l.Snapshot()
	assert.Equal(t, len(before), len(after))
	assert.True(t, before.Fingerprint().Equal(after.Fingerprint()), "Chain must be unchanged")
}

func TestRewriteHistory(t *testing.T) {
	l := newTestLedger(t)
	for _, data := range []string{"a", "b"} {
		_, err := l.Append(data)
		require.NoError(t, err)
	}
	before := l.Fingerprint()

	require.NoError(t, l.RewriteHistory(1, "rewritten"))

	assert.True(t, l.IsValid(), "Rewritten history should stay valid")
	assert.False(t, before.Equal(l.Fingerprint()))
	assert.Equal(t, "rewritten", l.Snapshot()[1].Data)

	assert.ErrorIs(t, l.RewriteHistory(-1, "x"), block.ErrIndexOutOfRange)
}

func TestSnapshotAll(t *testing.T) {
	a := newTestLedger(t)
	b := newTestLedger(t)
	_, err := b.Append("x")
	require.NoError(t, err)

	chains := SnapshotAll(a, b)
	require.Len(t, chains, 2)
	assert.Equal(t, a.Snapshot(), chains[0])
	assert.Equal(t, b.Snapshot(), chains[1])

	chains[1][1].Data = "mutated"
	assert.Equal(t, "x", b.Snapshot()[1].Data)
}

func TestConcurrentAppends(t *testing.T) {
	l := newTestLedger(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Append("concurrent")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 9, l.Len())
	assert.True(t, l.IsValid(), "Serialized appends must keep linkage intact")
}
