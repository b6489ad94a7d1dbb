package tendermint

import (
	"errors"
	"fmt"
)

var (
	// errTemporal is a message which isn't for the current block.
	errTemporal = errors.New("message is not for the current block")

	// errAlreadyHandled is a replay of a message already in the log.
	errAlreadyHandled = errors.New("message already handled")
)

// maliciousError reports a validator which definitively misbehaved.
type maliciousError struct {
	validator ValidatorID
	reason    string
	event     SlashEvent
}

func (e *maliciousError) Error() string {
	return fmt.Sprintf("validator %s was malicious: %s", e.validator, e.reason)
}

func malicious(validator ValidatorID, reason string, evidence ...*SignedMessage) *maliciousError {
	return &maliciousError{
		validator: validator,
		reason:    reason,
		event:     SlashEvent{Evidence: evidence},
	}
}
