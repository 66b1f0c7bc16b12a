package ledger

import (
	"errors"
	"pow-ledger/block"
	"pow-ledger/logger"
	"pow-ledger/timesync"
	"sync"
)

var log = logger.Logger

// ErrEmptyLedger is returned by Append after an empty chain was adopted.
var ErrEmptyLedger = errors.New("ledger has no blocks")

// Ledger is a hash-chained sequence of mined blocks. Every block it mines uses
// the same difficulty. The chain is only ever substituted as a whole, so a
// Snapshot taken earlier never observes later changes.
type Ledger struct {
	mutex      sync.RWMutex
	chain      block.Chain
	difficulty uint
	clock      timesync.Clock
}

type Option func(*Ledger)

// WithClock sets the clock used to timestamp new blocks.
func WithClock(clock timesync.Clock) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// New validates difficulty and mines the genesis block.
func New(difficulty uint, opts ...Option) (*Ledger, error) {
	if err := block.CheckDifficulty(difficulty); err != nil {
		return nil, err
	}

	l := &Ledger{
		difficulty: difficulty,
		clock:      timesync.SystemClock{},
	}
	for _, opt := range opts {
		opt(l)
	}

	genesis, err := block.NewGenesisBlock(block.Timestamp(l.clock.Now()), difficulty)
	if err != nil {
		return nil, err
	}
	l.chain = block.Chain{genesis}

	log.WithFields(logger.Fields{
		"difficulty":  difficulty,
		"genesisHash": genesis.Hash,
	}).Debug("Ledger created")
	return l, nil
}

// Append mines a block carrying data on top of the current tip. The ledger is
// locked for the whole mining run.
func (l *Ledger) Append(data string) (block.Block, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if len(l.chain) == 0 {
		return block.Block{}, ErrEmptyLedger
	}

	mined, err := block.NewBlock(l.chain.Tip(), block.Timestamp(l.clock.Now()), data, l.difficulty)
	if err != nil {
		return block.Block{}, err
	}

	chain := make(block.Chain, len(l.chain), len(l.chain)+1)
	copy(chain, l.chain)
	l.chain = append(chain, mined)

	log.WithFields(logger.Fields{
		"index": len(l.chain) - 1,
		"hash":  mined.Hash,
		"nonce": mined.Nonce,
	}).Debug("Block appended to ledger")
	return mined, nil
}

// ReplaceChain substitutes a copy of chain for the current chain. The chain
// is not validated; callers that care must check IsValid first.
func (l *Ledger) ReplaceChain(chain block.Chain) {
	replacement := chain.Clone()

	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.chain = replacement
}

// Corrupt overwrites the data at index and recomputes only that block's hash.
func (l *Ledger) Corrupt(index int, data string) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	corrupted, err := l.chain.Corrupt(index, data)
	if err != nil {
		return err
	}
	l.chain = corrupted
	return nil
}

// RewriteHistory overwrites the data at index and re-mines the rest of the chain.
func (l *Ledger) RewriteHistory(index int, data string) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	rewritten, err := l.chain.RewriteHistory(index, data)
	if err != nil {
		return err
	}
	l.chain = rewritten
	return nil
}

// Snapshot returns an independent copy of the chain.
func (l *Ledger) Snapshot() block.Chain {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.chain.Clone()
}

func (l *Ledger) Fingerprint() block.Fingerprint {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.chain.Fingerprint()
}

func (l *Ledger) Len() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return len(l.chain)
}

func (l *Ledger) Difficulty() uint {
	return l.difficulty
}

func (l *Ledger) IsValid() bool {
	return l.Verify() == nil
}

// Verify reports the first block that breaks content binding or linkage.
func (l *Ledger) Verify() error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.chain.Verify()
}

// SnapshotAll copies every ledger's chain at one instant: all read locks are
// taken in argument order before any copy is made. Writers only ever hold a
// single ledger lock, so a fixed order cannot deadlock.
func SnapshotAll(ledgers ...*Ledger) []block.Chain {
	for _, l := range ledgers {
		l.mutex.RLock()
	}
	defer func() {
		for _, l := range ledgers {
			l.mutex.RUnlock()
		}
	}()

	chains := make([]block.Chain, len(ledgers))
	for i, l := range ledgers {
		chains[i] = l.chain.Clone()
	}
	return chains
}
