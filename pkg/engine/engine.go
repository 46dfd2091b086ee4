// Package engine implements the token-distribution engine: it accumulates
// weighted share allocations, and on command converts them into proportional
// payouts executed as a sequence of individually-failable ledger transfers.
//
// Each recipient's payment is its own durable state transition, committed
// only after the ledger call's outcome is known. A run interrupted partway
// leaves state consistent with what the ledger has confirmed so far and is
// resumed by invoking Distribute again: it recomputes payouts from the
// current balance and the remaining shares, so nothing is paid twice.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/meridianlabs/disperse/pkg/alloc"
	"github.com/meridianlabs/disperse/pkg/ledger"
	"github.com/meridianlabs/disperse/pkg/metrics"
)

// LedgerDialer creates ledger clients for a configured ledger identity.
type LedgerDialer interface {
	Dial(ledgerID string) ledger.Client
}

// State describes the engine's position in the accumulate→distribute cycle.
type State string

const (
	StateIdle                 State = "idle"
	StateAccumulating         State = "accumulating"
	StateDistributing         State = "distributing"
	StatePartiallyInterrupted State = "partially_interrupted"
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  alloc.Store
	Dialer LedgerDialer
	// Controllers are the caller identities allowed to mutate state.
	Controllers []string
	// CustodyAccount is the engine's own account on the ledger, whose balance
	// funds distributions.
	CustodyAccount string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("allocation store is required")
	}
	if cfg.Dialer == nil {
		return errors.New("ledger dialer is required")
	}
	if len(cfg.Controllers) == 0 {
		return errors.New("at least one controller is required")
	}
	if cfg.CustodyAccount == "" {
		return errors.New("custody account is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Engine struct {
	log         *slog.Logger
	cfg         Config
	clock       clockwork.Clock
	store       alloc.Store
	dialer      LedgerDialer
	controllers map[string]struct{}

	// mu serializes mutating operations; a distribution sweep holds it across
	// every awaited ledger call so no other write can interleave.
	mu           sync.Mutex
	distributing atomic.Bool
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	controllers := make(map[string]struct{}, len(cfg.Controllers))
	for _, c := range cfg.Controllers {
		controllers[c] = struct{}{}
	}

	return &Engine{
		log:         cfg.Logger,
		cfg:         cfg,
		clock:       cfg.Clock,
		store:       cfg.Store,
		dialer:      cfg.Dialer,
		controllers: controllers,
	}, nil
}

// RejectedTransfer records a ledger-confirmed refusal during a sweep.
type RejectedTransfer struct {
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// Report summarizes one Distribute run.
type Report struct {
	RunID         string             `json:"run_id"`
	StartedAt     time.Time          `json:"started_at"`
	FinishedAt    time.Time          `json:"finished_at"`
	Balance       uint64             `json:"balance"`
	Fee           uint64             `json:"fee"`
	Distributable uint64             `json:"distributable"`
	TotalShares   uint64             `json:"total_shares"`
	Recipients    int                `json:"recipients"`
	Paid          int                `json:"paid"`
	TotalPaid     uint64             `json:"total_paid"`
	Skipped       int                `json:"skipped"`
	Rejected      []RejectedTransfer `json:"rejected,omitempty"`
	Interrupted   []string           `json:"interrupted,omitempty"`
}

func (e *Engine) authorize(caller string) error {
	if _, ok := e.controllers[caller]; !ok {
		return errorf(KindUnauthorized, "caller %q is not a controller", caller)
	}
	return nil
}

// AddShareAllocations inserts or merges share entries. Duplicate recipients
// accumulate.
func (e *Engine) AddShareAllocations(ctx context.Context, caller string, entries []alloc.ShareEntry) error {
	if err := e.precheckAdd(caller, entries); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, entry := range entries {
		if err := e.store.AddShare(ctx, entry.Recipient, entry.Weight); err != nil {
			return fmt.Errorf("failed to add share for %s: %w", entry.Recipient, err)
		}
	}
	e.log.Debug("engine: added share allocations", "count", len(entries))
	return nil
}

// ValidateAddShareAllocations performs every check AddShareAllocations would,
// without mutating state.
func (e *Engine) ValidateAddShareAllocations(_ context.Context, caller string, entries []alloc.ShareEntry) error {
	return e.precheckAdd(caller, entries)
}

func (e *Engine) precheckAdd(caller string, entries []alloc.ShareEntry) error {
	if err := e.authorize(caller); err != nil {
		return err
	}
	if len(entries) == 0 {
		return errorf(KindEmptyAllocationList, "no share allocations provided")
	}
	for _, entry := range entries {
		if entry.Recipient == "" {
			return errorf(KindUnknown, "share allocation with empty recipient")
		}
		if entry.Weight == 0 {
			return fmt.Errorf("share allocation for %s: %w", entry.Recipient, alloc.ErrZeroWeight)
		}
	}
	return nil
}

// SetTokenLedger configures the external ledger identity. Required before
// Distribute is accepted.
func (e *Engine) SetTokenLedger(ctx context.Context, caller, ledgerID string) error {
	if err := e.precheckSetLedger(caller, ledgerID); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.SetLedgerID(ctx, ledgerID); err != nil {
		return fmt.Errorf("failed to persist ledger id: %w", err)
	}
	e.log.Info("engine: token ledger configured", "ledger_id", ledgerID)
	return nil
}

func (e *Engine) ValidateSetTokenLedger(_ context.Context, caller, ledgerID string) error {
	return e.precheckSetLedger(caller, ledgerID)
}

func (e *Engine) precheckSetLedger(caller, ledgerID string) error {
	if err := e.authorize(caller); err != nil {
		return err
	}
	if ledgerID == "" {
		return errorf(KindConfigurationError, "ledger id must not be empty")
	}
	return nil
}

// TokenLedgerID returns the configured ledger identity, empty if unset.
func (e *Engine) TokenLedgerID(ctx context.Context) (string, error) {
	return e.store.LedgerID(ctx)
}

// Reset destructively returns the engine to its initial empty state: shares,
// token history, interrupted records, and the ledger config are all cleared.
func (e *Engine) Reset(ctx context.Context, caller string) error {
	if err := e.authorize(caller); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.ClearAll(ctx); err != nil {
		return fmt.Errorf("failed to clear state: %w", err)
	}
	e.log.Info("engine: state reset")
	return nil
}

func (e *Engine) ValidateReset(_ context.Context, caller string) error {
	return e.authorize(caller)
}

// ValidateDistribute checks every precondition Distribute would: caller
// authorization, ledger configuration, pending shares, and that the custody
// balance is queryable and non-zero. No state is changed.
func (e *Engine) ValidateDistribute(ctx context.Context, caller string) error {
	client, _, err := e.precheckDistribute(ctx, caller)
	if err != nil {
		return err
	}

	balance, err := client.BalanceOf(ctx, e.cfg.CustodyAccount)
	if err != nil {
		return errorf(KindTokenCanisterError, "failed to query custody balance: %v", err)
	}
	if balance == 0 {
		return errorf(KindTokenCanisterError, "custody balance is zero")
	}
	return nil
}

func (e *Engine) precheckDistribute(ctx context.Context, caller string) (ledger.Client, []alloc.ShareEntry, error) {
	if err := e.authorize(caller); err != nil {
		return nil, nil, err
	}

	ledgerID, err := e.store.LedgerID(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read ledger config: %w", err)
	}
	if ledgerID == "" {
		return nil, nil, errorf(KindConfigurationError, "token ledger id is not set")
	}

	pending, err := e.loadPendingShares(ctx)
	if err != nil {
		return nil, nil, err
	}
	if len(pending) == 0 {
		return nil, nil, errorf(KindEmptyAllocationList, "no pending share allocations")
	}

	return e.dialer.Dial(ledgerID), pending, nil
}

// loadPendingShares snapshots the full pending set by paging until the empty
// page sentinel. The snapshot fixes the processing order for the sweep.
func (e *Engine) loadPendingShares(ctx context.Context) ([]alloc.ShareEntry, error) {
	var pending []alloc.ShareEntry
	for offset := uint64(0); ; offset += alloc.PageSize {
		page, err := e.store.ListShares(ctx, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to list pending shares: %w", err)
		}
		if len(page) == 0 {
			return pending, nil
		}
		pending = append(pending, page...)
	}
}

// Distribute executes one sweep over all pending recipients. Confirmed
// successes are settled durably per recipient; confirmed rejections are
// collected and surfaced; indeterminate outcomes are recorded as interrupted
// and the recipient stays pending for the next run.
func (e *Engine) Distribute(ctx context.Context, caller string) (*Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.distributing.Store(true)
	defer e.distributing.Store(false)

	client, pending, err := e.precheckDistribute(ctx, caller)
	if err != nil {
		return nil, err
	}

	// Each attempt supersedes the previous attempt's interruption record.
	if err := e.store.ClearInterrupted(ctx); err != nil {
		return nil, fmt.Errorf("failed to clear interrupted records: %w", err)
	}

	balance, err := client.BalanceOf(ctx, e.cfg.CustodyAccount)
	if err != nil {
		return nil, errorf(KindTokenCanisterError, "failed to query custody balance: %v", err)
	}
	if balance == 0 {
		return nil, errorf(KindTokenCanisterError, "custody balance is zero")
	}

	fee, err := client.Fee(ctx)
	if err != nil {
		return nil, errorf(KindTokenCanisterError, "failed to query transfer fee: %v", err)
	}

	dist := distributable(balance, fee, len(pending))
	if dist == 0 {
		return nil, errorf(KindTokenCanisterError,
			"balance %d cannot cover fee reservation for %d recipients", balance, len(pending))
	}

	weights := make([]uint64, len(pending))
	for i, entry := range pending {
		weights[i] = entry.Weight
	}
	totalShares, err := sumWeights(weights)
	if err != nil {
		return nil, errorf(KindUnknown, "%v", err)
	}

	report := &Report{
		RunID:         uuid.NewString(),
		StartedAt:     e.clock.Now().UTC(),
		Balance:       balance,
		Fee:           fee,
		Distributable: dist,
		TotalShares:   totalShares,
		Recipients:    len(pending),
	}
	log := e.log.With("run_id", report.RunID)
	log.Info("engine: starting distribution sweep",
		"recipients", len(pending), "balance", balance, "fee", fee, "distributable", dist)

	for _, entry := range pending {
		amount := proportion(entry.Weight, dist, totalShares)
		if amount == 0 {
			// Nothing to pay and nothing to resume; drop the share so the
			// sweep can complete.
			if err := e.store.RemoveShare(ctx, entry.Recipient); err != nil {
				return report, fmt.Errorf("failed to drop zero-payout share for %s: %w", entry.Recipient, err)
			}
			report.Skipped++
			log.Debug("engine: skipping zero payout", "recipient", entry.Recipient, "weight", entry.Weight)
			continue
		}

		transferErr := client.Transfer(ctx, entry.Recipient, amount)
		switch {
		case transferErr == nil:
			if err := e.store.SettleShare(ctx, entry.Recipient, amount, e.clock.Now().UTC()); err != nil {
				// The ledger confirmed this payment but we could not record
				// it. Stop the sweep rather than risk paying again later.
				return report, errorf(KindUnknown,
					"transfer to %s confirmed but settlement failed: %v", entry.Recipient, err)
			}
			report.Paid++
			report.TotalPaid += amount
			metrics.TransfersTotal.WithLabelValues(metrics.OutcomeConfirmed).Inc()
			metrics.TokensDistributedTotal.Add(float64(amount))
			log.Debug("engine: recipient paid", "recipient", entry.Recipient, "amount", amount)

		case ledger.IsRejected(transferErr):
			var rejected *ledger.RejectedError
			errors.As(transferErr, &rejected)
			report.Rejected = append(report.Rejected, RejectedTransfer{
				Recipient: entry.Recipient,
				Amount:    amount,
				Code:      rejected.Code,
				Message:   rejected.Message,
			})
			metrics.TransfersTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
			log.Warn("engine: transfer rejected",
				"recipient", entry.Recipient, "amount", amount, "code", rejected.Code)
			if rejected.ServiceFault() {
				report.FinishedAt = e.clock.Now().UTC()
				metrics.DistributionsTotal.WithLabelValues("aborted").Inc()
				return report, errorf(KindTokenCanisterError,
					"ledger service fault (%s), aborting sweep: %s", rejected.Code, rejected.Message)
			}

		default:
			// Indeterminate: the ledger may have executed the transfer, so
			// the recipient stays pending and is recorded for inspection.
			if err := e.store.MarkInterrupted(ctx, entry.Recipient, entry.Weight); err != nil {
				return report, fmt.Errorf("failed to record interrupted transfer for %s: %w", entry.Recipient, err)
			}
			report.Interrupted = append(report.Interrupted, entry.Recipient)
			metrics.TransfersTotal.WithLabelValues(metrics.OutcomeIndeterminate).Inc()
			log.Warn("engine: transfer outcome indeterminate",
				"recipient", entry.Recipient, "amount", amount, "error", transferErr)
		}
	}

	report.FinishedAt = e.clock.Now().UTC()
	log.Info("engine: distribution sweep finished",
		"paid", report.Paid, "total_paid", report.TotalPaid,
		"skipped", report.Skipped, "rejected", len(report.Rejected),
		"interrupted", len(report.Interrupted))

	metrics.PendingShares.Set(float64(report.Recipients - report.Paid - report.Skipped))
	metrics.InterruptedDistributions.Set(float64(len(report.Interrupted)))

	if len(report.Interrupted) > 0 {
		metrics.DistributionsTotal.WithLabelValues("interrupted").Inc()
		return report, errorf(KindUnknown,
			"distribution interrupted: %d of %d transfers indeterminate, re-invoke distribute to resume",
			len(report.Interrupted), report.Recipients)
	}
	if len(report.Rejected) > 0 {
		metrics.DistributionsTotal.WithLabelValues("rejected").Inc()
		return report, errorf(KindTokenCanisterError,
			"%d of %d transfers rejected by the ledger", len(report.Rejected), report.Recipients)
	}
	metrics.DistributionsTotal.WithLabelValues("completed").Inc()
	return report, nil
}

// State derives the engine's lifecycle state from durable allocations and the
// in-flight flag.
func (e *Engine) State(ctx context.Context) (State, error) {
	if e.isDistributing() {
		return StateDistributing, nil
	}

	interrupted, err := e.store.ListInterrupted(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list interrupted distributions: %w", err)
	}
	if len(interrupted) > 0 {
		return StatePartiallyInterrupted, nil
	}

	shares, err := e.store.ListShares(ctx, 0)
	if err != nil {
		return "", fmt.Errorf("failed to list pending shares: %w", err)
	}
	if len(shares) > 0 {
		return StateAccumulating, nil
	}
	return StateIdle, nil
}

func (e *Engine) isDistributing() bool {
	return e.distributing.Load()
}

// Read-only queries. These never block behind a running sweep.

func (e *Engine) ListShares(ctx context.Context, offset uint64) ([]alloc.ShareEntry, error) {
	return e.store.ListShares(ctx, offset)
}

func (e *Engine) ListTokens(ctx context.Context, offset uint64) ([]alloc.TokenEntry, error) {
	return e.store.ListTokens(ctx, offset)
}

func (e *Engine) ListInterrupted(ctx context.Context) ([]alloc.ShareEntry, error) {
	return e.store.ListInterrupted(ctx)
}

func (e *Engine) GetShare(ctx context.Context, recipient string) (uint64, bool, error) {
	return e.store.GetShare(ctx, recipient)
}

func (e *Engine) GetToken(ctx context.Context, recipient string) (uint64, bool, error) {
	return e.store.GetToken(ctx, recipient)
}
