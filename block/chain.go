package block

import (
	"fmt"
	"pow-ledger/logger"
	"strconv"
	"strings"
)

// Chain is an ordered sequence of blocks, index 0 being genesis. Blocks are
// stored by value so copies of a Chain never share blocks.
type Chain []Block

// Fingerprint is the ordered list of a chain's block hashes.
type Fingerprint []string

// Equal reports exact sequence equality.
func (fp Fingerprint) Equal(other Fingerprint) bool {
	if len(fp) != len(other) {
		return false
	}
	for i := range fp {
		if fp[i] != other[i] {
			return false
		}
	}
	return true
}

// Key returns a string usable as a map key. Each hash is length-prefixed, so
// two fingerprints share a key only when they are Equal, whatever bytes an
// adopted chain's hashes contain.
func (fp Fingerprint) Key() string {
	var key strings.Builder
	for _, hash := range fp {
		key.WriteString(strconv.Itoa(len(hash)))
		key.WriteByte(':')
		key.WriteString(hash)
	}
	return key.String()
}

// Clone returns an independent copy of the chain.
func (chain Chain) Clone() Chain {
	if chain == nil {
		return nil
	}
	clone := make(Chain, len(chain))
	copy(clone, chain)
	return clone
}

func (chain Chain) Fingerprint() Fingerprint {
	fp := make(Fingerprint, len(chain))
	for i, b := range chain {
		fp[i] = b.Hash
	}
	return fp
}

// Tip returns the last block. It panics on an empty chain.
func (chain Chain) Tip() Block {
	return chain[len(chain)-1]
}

// Verify rechecks content binding for every block and linkage for every
// block after genesis. It stops at the first violation.
func (chain Chain) Verify() error {
	for i, current := range chain {
		if calculated := current.ComputeHash(); calculated != current.Hash {
			return &ChainError{
				Index:  i,
				Reason: fmt.Sprintf("hash mismatch: stored %s, calculated %s", current.Hash, calculated),
			}
		}
		if i == 0 {
			continue
		}
		if previous := chain[i-1]; current.PrevHash != previous.Hash {
			return &ChainError{
				Index:  i,
				Reason: fmt.Sprintf("prev hash mismatch: expected %s, got %s", previous.Hash, current.PrevHash),
			}
		}
	}
	return nil
}

// IsValid is the boolean form of Verify.
func (chain Chain) IsValid() bool {
	return chain.Verify() == nil
}

func (chain Chain) checkIndex(index int) error {
	if index < 0 || index >= len(chain) {
		return fmt.Errorf("%w: index %d, chain length %d", ErrIndexOutOfRange, index, len(chain))
	}
	return nil
}

// Corrupt overwrites the data of one block and recomputes only that block's
// hash. Later blocks keep pointing at the old hash, so the chain no longer
// verifies once the corrupted block has a successor.
func (chain Chain) Corrupt(index int, data string) (Chain, error) {
	if err := chain.checkIndex(index); err != nil {
		return chain, err
	}

	corrupted := chain.Clone()
	corrupted[index].Data = data
	corrupted[index].StoreHash()

	log.WithFields(logger.Fields{
		"index":   index,
		"oldHash": chain[index].Hash,
		"newHash": corrupted[index].Hash,
	}).Info("Block corrupted")

	return corrupted, nil
}

// RewriteHistory overwrites the data of one block and re-mines it and every
// later block, relinking prev hashes as it goes. The result verifies.
func (chain Chain) RewriteHistory(index int, data string) (Chain, error) {
	if err := chain.checkIndex(index); err != nil {
		return chain, err
	}

	rewritten := chain.Clone()
	rewritten[index].Data = data
	for i := index; i < len(rewritten); i++ {
		candidate := rewritten[i]
		if i == 0 {
			candidate.PrevHash = GenesisPrevHash
		} else {
			candidate.PrevHash = rewritten[i-1].Hash
		}
		candidate.Nonce = 0

		mined, err := Mine(candidate, candidate.Difficulty)
		if err != nil {
			return chain, fmt.Errorf("failed to re-mine block %d: %w", i, err)
		}
		rewritten[i] = mined
	}

	log.WithFields(logger.Fields{
		"fromIndex":    index,
		"reminedCount": len(rewritten) - index,
		"newTipHash":   rewritten.Tip().Hash,
	}).Info("Chain history rewritten")

	return rewritten, nil
}
