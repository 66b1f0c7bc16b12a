package block

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"pow-ledger/logger"
	"strconv"
	"strings"
	"time"
)

var log = logger.Logger

const (
	GenesisPrevHash = "0"
	GenesisData     = "Genesis Block"

	// MinDifficulty and MaxDifficulty bound the number of leading zero hex
	// characters a mined hash must carry. Expected mining work is 16^difficulty.
	MinDifficulty uint = 1
	MaxDifficulty uint = 8
)

type Block struct {
	Timestamp  float64 `json:"timestamp"`
	Data       string  `json:"data"`
	PrevHash   string  `json:"prev_hash"`
	Nonce      uint64  `json:"nonce"`
	Difficulty uint    `json:"difficulty"`
	Hash       string  `json:"hash"`
}

// Timestamp converts a wall-clock time into the fractional seconds stored in a block.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// CalculateHash hashes every field except Difficulty and Hash itself.
func (block Block) CalculateHash() []byte {
	record := strconv.FormatFloat(block.Timestamp, 'f', -1, 64) +
		block.Data +
		block.PrevHash +
		strconv.FormatUint(block.Nonce, 10)

	sha := sha256.New()
	sha.Write([]byte(record))
	return sha.Sum(nil)
}

// ComputeHash returns the hex encoded CalculateHash.
func (block Block) ComputeHash() string {
	return hex.EncodeToString(block.CalculateHash())
}

// StoreHash calculates and stores the hash in the block
func (block *Block) StoreHash() {
	block.Hash = block.ComputeHash()
}

// MeetsDifficulty reports whether the stored hash starts with at least
// difficulty '0' characters.
func (block Block) MeetsDifficulty(difficulty uint) bool {
	return strings.HasPrefix(block.Hash, strings.Repeat("0", int(difficulty)))
}

// CheckDifficulty rejects difficulties outside [MinDifficulty, MaxDifficulty].
func CheckDifficulty(difficulty uint) error {
	if difficulty < MinDifficulty || difficulty > MaxDifficulty {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrDifficultyOutOfBounds, difficulty, MinDifficulty, MaxDifficulty)
	}
	return nil
}

// Mine searches nonces upward from the candidate's nonce until the hash carries
// the required zero prefix. It blocks until a nonce is found.
func Mine(candidate Block, difficulty uint) (Block, error) {
	if err := CheckDifficulty(difficulty); err != nil {
		return Block{}, err
	}

	mined := candidate
	mined.Difficulty = difficulty
	target := strings.Repeat("0", int(difficulty))

	start := time.Now()
	startNonce := mined.Nonce
	mined.StoreHash()
	for !strings.HasPrefix(mined.Hash, target) {
		mined.Nonce++
		mined.StoreHash()
	}

	log.WithFields(logger.Fields{
		"difficulty": difficulty,
		"nonce":      mined.Nonce,
		"attempts":   mined.Nonce - startNonce + 1,
		"duration":   time.Since(start).String(),
		"hash":       mined.Hash,
	}).Debug("Block mined")

	return mined, nil
}

// NewGenesisBlock mines the first block of a chain.
func NewGenesisBlock(timestamp float64, difficulty uint) (Block, error) {
	return Mine(Block{
		Timestamp: timestamp,
		Data:      GenesisData,
		PrevHash:  GenesisPrevHash,
	}, difficulty)
}

// NewBlock mines a block that extends prev.
func NewBlock(prev Block, timestamp float64, data string, difficulty uint) (Block, error) {
	return Mine(Block{
		Timestamp: timestamp,
		Data:      data,
		PrevHash:  prev.Hash,
	}, difficulty)
}
