package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"pow-ledger/block"
	"pow-ledger/logger"
	"pow-ledger/timesync"
)

// Portable is the transport form of a ledger. Every block field is carried so
// that decoding never re-mines or recomputes a hash.
type Portable struct {
	Difficulty uint        `json:"difficulty"`
	Chain      block.Chain `json:"chain"`
}

// portableBlock mirrors block.Block with pointers so that absent fields can be
// told apart from zero values.
type portableBlock struct {
	Timestamp  *float64 `json:"timestamp"`
	Data       *string  `json:"data"`
	PrevHash   *string  `json:"prev_hash"`
	Nonce      *uint64  `json:"nonce"`
	Difficulty *uint    `json:"difficulty"`
	Hash       *string  `json:"hash"`
}

type portableLedger struct {
	Difficulty *uint            `json:"difficulty"`
	Chain      []*portableBlock `json:"chain"`
}

// EncodeChain serializes a chain and the difficulty it is mined at.
func EncodeChain(difficulty uint, chain block.Chain) ([]byte, error) {
	return json.Marshal(Portable{Difficulty: difficulty, Chain: chain})
}

// ToPortable serializes the ledger's current chain.
func (l *Ledger) ToPortable() ([]byte, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return EncodeChain(l.difficulty, l.chain)
}

// DecodeChain parses a portable ledger. Any missing or mistyped field fails
// with block.ErrMalformedChainState.
func DecodeChain(data []byte) (uint, block.Chain, error) {
	var raw portableLedger
	if err := json.Unmarshal(data, &raw); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", block.ErrMalformedChainState, err)
	}

	if raw.Difficulty == nil {
		return 0, nil, fmt.Errorf("%w: missing difficulty", block.ErrMalformedChainState)
	}
	if err := block.CheckDifficulty(*raw.Difficulty); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", block.ErrMalformedChainState, err)
	}
	if len(raw.Chain) == 0 {
		return 0, nil, fmt.Errorf("%w: missing or empty chain", block.ErrMalformedChainState)
	}

	chain := make(block.Chain, len(raw.Chain))
	for i, pb := range raw.Chain {
		b, err := pb.toBlock()
		if err != nil {
			return 0, nil, fmt.Errorf("%w: block %d: %v", block.ErrMalformedChainState, i, err)
		}
		chain[i] = b
	}

	return *raw.Difficulty, chain, nil
}

func (pb *portableBlock) toBlock() (block.Block, error) {
	if pb == nil {
		return block.Block{}, errors.New("null block")
	}

	missing := ""
	switch {
	case pb.Timestamp == nil:
		missing = "timestamp"
	case pb.Data == nil:
		missing = "data"
	case pb.PrevHash == nil:
		missing = "prev_hash"
	case pb.Nonce == nil:
		missing = "nonce"
	case pb.Difficulty == nil:
		missing = "difficulty"
	case pb.Hash == nil:
		missing = "hash"
	}
	if missing != "" {
		return block.Block{}, fmt.Errorf("missing field %s", missing)
	}
	if err := block.CheckDifficulty(*pb.Difficulty); err != nil {
		return block.Block{}, err
	}

	return block.Block{
		Timestamp:  *pb.Timestamp,
		Data:       *pb.Data,
		PrevHash:   *pb.PrevHash,
		Nonce:      *pb.Nonce,
		Difficulty: *pb.Difficulty,
		Hash:       *pb.Hash,
	}, nil
}

// FromPortable rebuilds a ledger from its portable form. No ledger is returned
// unless the whole document decodes.
func FromPortable(data []byte, opts ...Option) (*Ledger, error) {
	difficulty, chain, err := DecodeChain(data)
	if err != nil {
		return nil, err
	}

	l := &Ledger{
		chain:      chain,
		difficulty: difficulty,
		clock:      timesync.SystemClock{},
	}
	for _, opt := range opts {
		opt(l)
	}

	log.WithFields(logger.Fields{
		"difficulty": difficulty,
		"length":     len(chain),
	}).Debug("Ledger restored from portable form")
	return l, nil
}
