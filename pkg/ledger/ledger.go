// Package ledger defines the narrow interface to the external balance-holding
// token service, and the three-way classification of transfer outcomes that
// the distribution engine depends on: confirmed success, confirmed rejection,
// and indeterminate failure.
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Client is the adapter to an external token ledger.
//
// Transfer errors must be classified: a RejectedError means the ledger
// definitively refused the payment (it did not execute); any other error is
// indeterminate, meaning the caller cannot know whether the transfer went
// through and must not blindly retry it.
type Client interface {
	// BalanceOf returns the ledger balance held by account.
	BalanceOf(ctx context.Context, account string) (uint64, error)
	// Fee returns the ledger's per-transfer fee.
	Fee(ctx context.Context) (uint64, error)
	// Transfer submits a single payment of amount to the recipient account.
	Transfer(ctx context.Context, to string, amount uint64) error
}

// RejectedError is a ledger-confirmed refusal of a transfer. The ledger did
// not move any funds.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("ledger rejected transfer (%s): %s", e.Code, e.Message)
}

// ServiceFault reports whether a rejection indicates a ledger-wide problem
// rather than a per-recipient one. A service fault makes every remaining
// transfer in a sweep pointless.
func (e *RejectedError) ServiceFault() bool {
	switch e.Code {
	case "temporarily_unavailable", "ledger_paused":
		return true
	}
	return false
}

// IndeterminateError wraps a failure whose effect on the ledger is unknown:
// the transfer may or may not have executed.
type IndeterminateError struct {
	Err error
}

func (e *IndeterminateError) Error() string {
	return fmt.Sprintf("transfer outcome indeterminate: %v", e.Err)
}

func (e *IndeterminateError) Unwrap() error { return e.Err }

// IsRejected reports whether err is a confirmed ledger rejection.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

// IsIndeterminate reports whether err left the transfer outcome unknown.
func IsIndeterminate(err error) bool {
	var indeterminate *IndeterminateError
	return errors.As(err, &indeterminate)
}
