// Package alloc defines the allocation store: the durable mapping of
// recipients to pending share weights and to paid-out token amounts.
package alloc

import (
	"context"
	"errors"
	"time"
)

// PageSize is the maximum number of entries returned by a single list call.
// Callers page with increasing offsets until they receive an empty page.
const PageSize = 100

var (
	// ErrZeroWeight is returned when a share allocation carries a weight of zero.
	ErrZeroWeight = errors.New("share weight must be greater than zero")

	// ErrNotFound is returned by settle operations for an unknown recipient.
	ErrNotFound = errors.New("recipient has no pending share allocation")
)

// ShareEntry is a pending share allocation for a single recipient.
type ShareEntry struct {
	Recipient string `json:"recipient"`
	Weight    uint64 `json:"weight"`
}

// TokenEntry records a confirmed payout to a single recipient.
type TokenEntry struct {
	Recipient string    `json:"recipient"`
	Amount    uint64    `json:"amount"`
	PaidAt    time.Time `json:"paid_at"`
}

// Store is the durable allocation state behind the distribution engine.
// List methods return entries in insertion order, at most PageSize at a time;
// an offset past the end yields an empty page.
//
// SettleShare is the per-recipient unit of work: it removes the pending
// share, appends the payout to the token history, and drops any interrupted
// record for the recipient in one atomic step.
type Store interface {
	AddShare(ctx context.Context, recipient string, weight uint64) error
	RemoveShare(ctx context.Context, recipient string) error
	SettleShare(ctx context.Context, recipient string, amount uint64, paidAt time.Time) error

	ListShares(ctx context.Context, offset uint64) ([]ShareEntry, error)
	ListTokens(ctx context.Context, offset uint64) ([]TokenEntry, error)
	GetShare(ctx context.Context, recipient string) (uint64, bool, error)
	GetToken(ctx context.Context, recipient string) (uint64, bool, error)

	MarkInterrupted(ctx context.Context, recipient string, weight uint64) error
	ListInterrupted(ctx context.Context) ([]ShareEntry, error)
	ClearInterrupted(ctx context.Context) error

	SetLedgerID(ctx context.Context, id string) error
	LedgerID(ctx context.Context) (string, error)

	ClearAll(ctx context.Context) error
}
