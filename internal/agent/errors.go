package agent

import (
	"errors"
	"fmt"
)

// Common sentinel errors for harness operations.
var (
	// ErrNoTransport indicates no LLM transport is configured.
	ErrNoTransport = errors.New("no transport configured")

	// ErrTurnInProgress indicates a turn is already running on this
	// harness instance.
	ErrTurnInProgress = errors.New("turn already in progress")

	// ErrApprovalPending indicates an approval id is already registered
	// with the broker.
	ErrApprovalPending = errors.New("approval already pending")
)

// TurnError wraps a transport or programming failure with the loop state and
// iteration it occurred in. Tool-local failures never produce a TurnError;
// they are absorbed into tool-result content.
type TurnError struct {
	// State is the loop state where the error occurred.
	State State

	// Iteration is the transport round-trip index where the error occurred.
	Iteration int

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *TurnError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("turn error in %s (iteration %d): %v", e.State, e.Iteration, e.Cause)
	}
	return fmt.Sprintf("turn error in %s (iteration %d)", e.State, e.Iteration)
}

// Unwrap returns the underlying error.
func (e *TurnError) Unwrap() error {
	return e.Cause
}
