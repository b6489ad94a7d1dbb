package tributary

import (
	"errors"
	"fmt"
)

// Error classes returned by a Tributary. Every error it returns wraps one
// of these, so callers branch with errors.Is and log the rest.
//
//   - ErrConfig: the chain can't be constructed as configured
//   - ErrInvalidMessage: a peer sent something undecodable or invalid
//   - ErrByzantine: Messages only a faulty validator could have sent
//   - ErrInternal: Local storage or invariant failures
var (
	// ErrConfig is returned by NewConfig and New.
	// Examples: missing genesis, a zero weight validator, no transaction reader.
	ErrConfig = errors.New("configuration error")

	// ErrInvalidMessage marks a dropped message. Consensus is unaffected.
	// Examples: undecodable transaction, unknown message type, bad nonce.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrByzantine indicates a message signed by a validator which it
	// shouldn't have sent, or a signature which doesn't verify.
	// Integrators may want to track these for peer scoring.
	ErrByzantine = errors.New("byzantine behavior detected")

	// ErrInternal indicates a local failure, such as storage being
	// unavailable or the machine having stopped.
	ErrInternal = errors.New("internal error")
)

func wrapConfig(msg string) error {
	return fmt.Errorf("%w: %s", ErrConfig, msg)
}

func wrapConfigf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

func wrapInvalidMessage(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
}

func wrapByzantine(msg string) error {
	return fmt.Errorf("%w: %s", ErrByzantine, msg)
}

func wrapInternal(err error) error {
	return fmt.Errorf("%w: %w", ErrInternal, err)
}
