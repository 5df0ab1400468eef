package escrow

import (
	"errors"
	"fmt"
)

// Connection errors. Each maps to a distinct, user-actionable failure
// mode during session setup.
var (
	ErrWalletUnavailable   = errors.New("escrow: wallet provider unavailable")
	ErrNoAccount           = errors.New("escrow: no account authorized")
	ErrNetworkMismatch     = errors.New("escrow: connected to wrong network")
	ErrContractUnreachable = errors.New("escrow: contract unreachable")
)

// Action errors.
var (
	ErrNotConnected        = errors.New("escrow: session not connected")
	ErrUnknownAction       = errors.New("escrow: unknown action")
	ErrActionInFlight      = errors.New("escrow: another action is in flight")
	ErrTerminalState       = errors.New("escrow: escrow is in a terminal state")
	ErrInvalidTransition   = errors.New("escrow: action not valid in current state")
	ErrWrongRole           = errors.New("escrow: session role may not perform this action")
	ErrConfirmationTimeout = errors.New("escrow: transaction confirmation timed out")
	ErrSessionNotFound     = errors.New("escrow: session not found")
)

// RejectionError reports a transaction the chain mined but reverted.
// Reason carries the contract's revert string verbatim when one could
// be extracted, otherwise a generic description.
type RejectionError struct {
	TxHash string
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("escrow: transaction %s reverted: %s", e.TxHash, e.Reason)
}
