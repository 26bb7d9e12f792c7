// Package chain mints the synthetic ledger identifiers attached to votes
// and administrative events: transaction hashes, voter hashes and block
// numbers. They are opaque correlation IDs for the audit trail, not
// cryptographic commitments.
package chain

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

const (
	TxHashLen    = 64
	VoterHashLen = 12

	// ConfirmationSeed is the confirmations value a freshly minted
	// transaction starts with.
	ConfirmationSeed = 1

	// MaxConfirmations is where the simulated confirmation count stops
	// growing.
	MaxConfirmations = 12
)

// Clock abstracts time so the confirmation ticker can be driven
// deterministically in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock returns the wall clock.
func SystemClock() Clock {
	return systemClock{}
}

func randomHex(length int) (string, error) {
	buf := make([]byte, (length+1)/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf)[:length], nil
}

// MintTxHash returns a 64-character hex transaction identifier.
func MintTxHash() (string, error) {
	return randomHex(TxHashLen)
}

// MintVoterHash returns a 12-character hex voter correlation identifier.
func MintVoterHash() (string, error) {
	return randomHex(VoterHashLen)
}

// BlockCounter hands out monotone block numbers. The zero value starts
// at the genesis height.
type BlockCounter struct {
	height atomic.Int64
}

func NewBlockCounter(start int64) *BlockCounter {
	bc := &BlockCounter{}
	bc.height.Store(start)
	return bc
}

// Next returns the next block number. Safe for concurrent callers.
func (bc *BlockCounter) Next() int64 {
	return bc.height.Add(1)
}

// Height returns the last handed-out block number.
func (bc *BlockCounter) Height() int64 {
	return bc.height.Load()
}
