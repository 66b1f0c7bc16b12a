package block

import (
	"errors"
	"fmt"
)

var (
	// ErrIndexOutOfRange is returned when a tamper operation targets an index
	// outside [0, len(chain)).
	ErrIndexOutOfRange = errors.New("block index out of range")

	// ErrMalformedChainState is returned when a portable chain cannot be decoded.
	ErrMalformedChainState = errors.New("malformed chain state")

	// ErrDifficultyOutOfBounds is returned before any mining starts.
	ErrDifficultyOutOfBounds = errors.New("difficulty out of bounds")
)

// ChainError describes the first block that breaks chain validity.
type ChainError struct {
	Index  int
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("block %d invalid: %s", e.Index, e.Reason)
}
