package chain

import (
	"errors"
	"fmt"
)

// Block verification errors.
var (
	ErrTooLargeBlock           = errors.New("block exceeds the size limit")
	ErrInvalidParent           = errors.New("header doesn't build off the chain tip")
	ErrInvalidTransactions     = errors.New("header transactions hash is incorrect")
	ErrDistinctProvided        = errors.New("provided transaction differs from the locally provided one")
	ErrWrongTransactionOrder   = errors.New("transactions aren't ordered by kind")
	ErrUnsignedAlreadyIncluded = errors.New("unsigned transaction was already included")
	ErrProvidedAlreadyIncluded = errors.New("provided transaction was already included")
)

// Provided transaction errors.
var (
	ErrNotProvided            = errors.New("transaction isn't a provided transaction")
	ErrAlreadyProvided        = errors.New("transaction was already provided")
	ErrLocalMismatchesOnChain = errors.New("local provided transaction mismatches the one on chain")
)

// ErrStorage wraps failures of the underlying database. Unlike verification
// errors they may succeed on retry.
var ErrStorage = errors.New("chain storage failure")

// ErrNonLocalProvided is matched by NonLocalProvidedError.
var ErrNonLocalProvided = errors.New("block included a provided transaction we didn't provide")

// NonLocalProvidedError reports a provided transaction in a block which
// hasn't been provided locally yet.
type NonLocalProvidedError struct {
	Hash [32]byte
}

func (e *NonLocalProvidedError) Error() string {
	return fmt.Sprintf("%s: %x", ErrNonLocalProvided, e.Hash)
}

func (e *NonLocalProvidedError) Is(target error) bool {
	return target == ErrNonLocalProvided
}

// BlockTransactionError wraps the error of a transaction included in a block.
type BlockTransactionError struct {
	Index int
	Err   error
}

func (e *BlockTransactionError) Error() string {
	return fmt.Sprintf("included transaction %d had an error: %v", e.Index, e.Err)
}

func (e *BlockTransactionError) Unwrap() error {
	return e.Err
}
