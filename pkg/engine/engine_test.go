package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/disperse/pkg/alloc"
	"github.com/meridianlabs/disperse/pkg/alloc/memory"
	"github.com/meridianlabs/disperse/pkg/ledger"
	"github.com/meridianlabs/disperse/pkg/testutil"
)

const (
	testController = "controller-1"
	testCustody    = "custody-account"
	testLedgerID   = "ledger-xyz"
)

type mockLedger struct {
	mu        sync.Mutex
	balance   uint64
	fee       uint64
	transfers map[string]int

	transferFunc func(ctx context.Context, to string, amount uint64) error
}

func newMockLedger(balance uint64) *mockLedger {
	return &mockLedger{balance: balance, transfers: make(map[string]int)}
}

func (m *mockLedger) BalanceOf(context.Context, string) (uint64, error) {
	return m.balance, nil
}

func (m *mockLedger) Fee(context.Context) (uint64, error) {
	return m.fee, nil
}

func (m *mockLedger) Transfer(ctx context.Context, to string, amount uint64) error {
	m.mu.Lock()
	m.transfers[to]++
	m.mu.Unlock()
	if m.transferFunc != nil {
		return m.transferFunc(ctx, to, amount)
	}
	return nil
}

func (m *mockLedger) attempts(to string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transfers[to]
}

type mockDialer struct {
	client ledger.Client
}

func (d *mockDialer) Dial(string) ledger.Client { return d.client }

func newTestEngine(t *testing.T, store alloc.Store, lc ledger.Client) *Engine {
	t.Helper()
	eng, err := New(Config{
		Logger:         testutil.NewLogger(),
		Clock:          clockwork.NewFakeClock(),
		Store:          store,
		Dialer:         &mockDialer{client: lc},
		Controllers:    []string{testController},
		CustodyAccount: testCustody,
	})
	require.NoError(t, err)
	return eng
}

func configureLedger(t *testing.T, eng *Engine) {
	t.Helper()
	require.NoError(t, eng.SetTokenLedger(context.Background(), testController, testLedgerID))
}

func addShares(t *testing.T, eng *Engine, entries ...alloc.ShareEntry) {
	t.Helper()
	require.NoError(t, eng.AddShareAllocations(context.Background(), testController, entries))
}

func TestDisperse_Engine_New(t *testing.T) {
	t.Parallel()

	t.Run("returns error when config validation fails", func(t *testing.T) {
		t.Parallel()

		t.Run("missing logger", func(t *testing.T) {
			t.Parallel()
			eng, err := New(Config{
				Store:          memory.New(testutil.NewLogger()),
				Dialer:         &mockDialer{client: newMockLedger(0)},
				Controllers:    []string{testController},
				CustodyAccount: testCustody,
			})
			require.Error(t, err)
			require.Nil(t, eng)
			require.Contains(t, err.Error(), "logger is required")
		})

		t.Run("missing controllers", func(t *testing.T) {
			t.Parallel()
			eng, err := New(Config{
				Logger:         testutil.NewLogger(),
				Store:          memory.New(testutil.NewLogger()),
				Dialer:         &mockDialer{client: newMockLedger(0)},
				CustodyAccount: testCustody,
			})
			require.Error(t, err)
			require.Nil(t, eng)
			require.Contains(t, err.Error(), "controller is required")
		})
	})
}

func TestDisperse_Engine_AddShareAllocations(t *testing.T) {
	t.Parallel()

	t.Run("rejects unauthorized caller", func(t *testing.T) {
		t.Parallel()
		eng := newTestEngine(t, memory.New(testutil.NewLogger()), newMockLedger(0))
		err := eng.AddShareAllocations(context.Background(), "nobody", []alloc.ShareEntry{{Recipient: "a", Weight: 1}})
		require.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("rejects empty list", func(t *testing.T) {
		t.Parallel()
		eng := newTestEngine(t, memory.New(testutil.NewLogger()), newMockLedger(0))
		err := eng.AddShareAllocations(context.Background(), testController, nil)
		require.ErrorIs(t, err, ErrEmptyAllocationList)
	})

	t.Run("rejects zero weight before any mutation", func(t *testing.T) {
		t.Parallel()
		eng := newTestEngine(t, memory.New(testutil.NewLogger()), newMockLedger(0))
		err := eng.AddShareAllocations(context.Background(), testController, []alloc.ShareEntry{
			{Recipient: "a", Weight: 5},
			{Recipient: "b", Weight: 0},
		})
		require.ErrorIs(t, err, alloc.ErrZeroWeight)

		shares, err := eng.ListShares(context.Background(), 0)
		require.NoError(t, err)
		require.Empty(t, shares)
	})

	t.Run("conserves submitted weight and accumulates duplicates", func(t *testing.T) {
		t.Parallel()
		eng := newTestEngine(t, memory.New(testutil.NewLogger()), newMockLedger(0))
		addShares(t, eng,
			alloc.ShareEntry{Recipient: "a", Weight: 100},
			alloc.ShareEntry{Recipient: "b", Weight: 250},
		)
		addShares(t, eng, alloc.ShareEntry{Recipient: "a", Weight: 50})

		shares, err := eng.ListShares(context.Background(), 0)
		require.NoError(t, err)
		require.Equal(t, []alloc.ShareEntry{
			{Recipient: "a", Weight: 150},
			{Recipient: "b", Weight: 250},
		}, shares)

		var total uint64
		for _, s := range shares {
			total += s.Weight
		}
		require.Equal(t, uint64(400), total)
	})
}

func TestDisperse_Engine_Distribute_Preconditions(t *testing.T) {
	t.Parallel()

	t.Run("unauthorized", func(t *testing.T) {
		t.Parallel()
		eng := newTestEngine(t, memory.New(testutil.NewLogger()), newMockLedger(0))
		_, err := eng.Distribute(context.Background(), "nobody")
		require.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("ledger not configured", func(t *testing.T) {
		t.Parallel()
		eng := newTestEngine(t, memory.New(testutil.NewLogger()), newMockLedger(0))
		addShares(t, eng, alloc.ShareEntry{Recipient: "a", Weight: 1})
		_, err := eng.Distribute(context.Background(), testController)
		require.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("no pending shares", func(t *testing.T) {
		t.Parallel()
		eng := newTestEngine(t, memory.New(testutil.NewLogger()), newMockLedger(100))
		configureLedger(t, eng)
		_, err := eng.Distribute(context.Background(), testController)
		require.ErrorIs(t, err, ErrEmptyAllocationList)
	})

	t.Run("zero custody balance", func(t *testing.T) {
		t.Parallel()
		eng := newTestEngine(t, memory.New(testutil.NewLogger()), newMockLedger(0))
		configureLedger(t, eng)
		addShares(t, eng, alloc.ShareEntry{Recipient: "a", Weight: 1})
		_, err := eng.Distribute(context.Background(), testController)
		require.ErrorIs(t, err, ErrTokenCanister)
	})
}

func TestDisperse_Engine_Distribute_Completes(t *testing.T) {
	t.Parallel()

	t.Run("exact divisibility", func(t *testing.T) {
		t.Parallel()
		lc := newMockLedger(6000)
		paid := make(map[string]uint64)
		lc.transferFunc = func(_ context.Context, to string, amount uint64) error {
			paid[to] = amount
			return nil
		}
		eng := newTestEngine(t, memory.New(testutil.NewLogger()), lc)
		configureLedger(t, eng)
		addShares(t, eng,
			alloc.ShareEntry{Recipient: "a", Weight: 1000},
			alloc.ShareEntry{Recipient: "b", Weight: 2000},
			alloc.ShareEntry{Recipient: "c", Weight: 3000},
		)

		report, err := eng.Distribute(context.Background(), testController)
		require.NoError(t, err)
		require.Equal(t, map[string]uint64{"a": 1000, "b": 2000, "c": 3000}, paid)
		require.Equal(t, 3, report.Paid)
		require.Equal(t, uint64(6000), report.TotalPaid)

		shares, err := eng.ListShares(context.Background(), 0)
		require.NoError(t, err)
		require.Empty(t, shares)

		amount, ok, err := eng.GetToken(context.Background(), "b")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(2000), amount)

		state, err := eng.State(context.Background())
		require.NoError(t, err)
		require.Equal(t, StateIdle, state)
	})

	t.Run("floors inexact division and never overpays", func(t *testing.T) {
		t.Parallel()
		lc := newMockLedger(10)
		var totalPaid uint64
		lc.transferFunc = func(_ context.Context, _ string, amount uint64) error {
			totalPaid += amount
			return nil
		}
		eng := newTestEngine(t, memory.New(testutil.NewLogger()), lc)
		configureLedger(t, eng)
		addShares(t, eng,
			alloc.ShareEntry{Recipient: "a", Weight: 1},
			alloc.ShareEntry{Recipient: "b", Weight: 1},
			alloc.ShareEntry{Recipient: "c", Weight: 1},
		)

		report, err := eng.Distribute(context.Background(), testController)
		require.NoError(t, err)
		require.Equal(t, uint64(9), report.TotalPaid)
		require.LessOrEqual(t, totalPaid, uint64(10))
	})

	t.Run("subtracts queried fee before dividing", func(t *testing.T) {
		t.Parallel()
		lc := newMockLedger(100)
		lc.fee = 10
		eng := newTestEngine(t, memory.New(testutil.NewLogger()), lc)
		configureLedger(t, eng)
		addShares(t, eng,
			alloc.ShareEntry{Recipient: "a", Weight: 1},
			alloc.ShareEntry{Recipient: "b", Weight: 1},
		)

		report, err := eng.Distribute(context.Background(), testController)
		require.NoError(t, err)
		require.Equal(t, uint64(80), report.Distributable)
		require.Equal(t, uint64(80), report.TotalPaid)
	})

	t.Run("drops zero payouts without a transfer", func(t *testing.T) {
		t.Parallel()
		lc := newMockLedger(10)
		eng := newTestEngine(t, memory.New(testutil.NewLogger()), lc)
		configureLedger(t, eng)
		addShares(t, eng,
			alloc.ShareEntry{Recipient: "dust", Weight: 1},
			alloc.ShareEntry{Recipient: "whale", Weight: 1000},
		)

		report, err := eng.Distribute(context.Background(), testController)
		require.NoError(t, err)
		require.Equal(t, 1, report.Skipped)
		require.Equal(t, 1, report.Paid)
		require.Zero(t, lc.attempts("dust"))

		_, ok, err := eng.GetToken(context.Background(), "dust")
		require.NoError(t, err)
		require.False(t, ok)

		shares, err := eng.ListShares(context.Background(), 0)
		require.NoError(t, err)
		require.Empty(t, shares)
	})
}

func TestDisperse_Engine_Distribute_Failures(t *testing.T) {
	t.Parallel()

	t.Run("indeterminate outcome interrupts without losing the recipient", func(t *testing.T) {
		t.Parallel()
		lc := newMockLedger(30)
		lc.transferFunc = func(_ context.Context, to string, _ uint64) error {
			if to == "b" {
				return &ledger.IndeterminateError{Err: errors.New("gateway timeout")}
			}
			return nil
		}
		eng := newTestEngine(t, memory.New(testutil.NewLogger()), lc)
		configureLedger(t, eng)
		addShares(t, eng,
			alloc.ShareEntry{Recipient: "a", Weight: 1},
			alloc.ShareEntry{Recipient: "b", Weight: 1},
			alloc.ShareEntry{Recipient: "c", Weight: 1},
		)

		report, err := eng.Distribute(context.Background(), testController)
		require.ErrorIs(t, err, ErrUnknown)
		require.Equal(t, []string{"b"}, report.Interrupted)
		require.Equal(t, 2, report.Paid)

		interrupted, err := eng.ListInterrupted(context.Background())
		require.NoError(t, err)
		require.Equal(t, []alloc.ShareEntry{{Recipient: "b", Weight: 1}}, interrupted)

		// b is still pending; a and c are settled and no longer pending.
		shares, err := eng.ListShares(context.Background(), 0)
		require.NoError(t, err)
		require.Equal(t, []alloc.ShareEntry{{Recipient: "b", Weight: 1}}, shares)

		state, err := eng.State(context.Background())
		require.NoError(t, err)
		require.Equal(t, StatePartiallyInterrupted, state)
	})

	t.Run("resume pays each recipient exactly once", func(t *testing.T) {
		t.Parallel()
		lc := newMockLedger(30)
		failB := true
		lc.transferFunc = func(_ context.Context, to string, _ uint64) error {
			if to == "b" && failB {
				return &ledger.IndeterminateError{Err: errors.New("connection reset")}
			}
			return nil
		}
		eng := newTestEngine(t, memory.New(testutil.NewLogger()), lc)
		configureLedger(t, eng)
		addShares(t, eng,
			alloc.ShareEntry{Recipient: "a", Weight: 1},
			alloc.ShareEntry{Recipient: "b", Weight: 1},
			alloc.ShareEntry{Recipient: "c", Weight: 1},
		)

		_, err := eng.Distribute(context.Background(), testController)
		require.ErrorIs(t, err, ErrUnknown)

		// The operator confirmed off-band that b was never paid; the custody
		// balance now holds only b's unpaid 10.
		failB = false
		lc.balance = 10

		report, err := eng.Distribute(context.Background(), testController)
		require.NoError(t, err)
		require.Equal(t, 1, report.Paid)
		require.Equal(t, uint64(10), report.TotalPaid)

		require.Equal(t, 1, lc.attempts("a"))
		require.Equal(t, 1, lc.attempts("c"))
		require.Equal(t, 2, lc.attempts("b"))

		amount, ok, err := eng.GetToken(context.Background(), "b")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(10), amount)

		interrupted, err := eng.ListInterrupted(context.Background())
		require.NoError(t, err)
		require.Empty(t, interrupted)
	})

	t.Run("confirmed rejection is terminal but the sweep continues", func(t *testing.T) {
		t.Parallel()
		lc := newMockLedger(30)
		lc.transferFunc = func(_ context.Context, to string, _ uint64) error {
			if to == "b" {
				return &ledger.RejectedError{Code: "bad_recipient", Message: "account is frozen"}
			}
			return nil
		}
		eng := newTestEngine(t, memory.New(testutil.NewLogger()), lc)
		configureLedger(t, eng)
		addShares(t, eng,
			alloc.ShareEntry{Recipient: "a", Weight: 1},
			alloc.ShareEntry{Recipient: "b", Weight: 1},
			alloc.ShareEntry{Recipient: "c", Weight: 1},
		)

		report, err := eng.Distribute(context.Background(), testController)
		require.ErrorIs(t, err, ErrTokenCanister)
		require.Equal(t, 2, report.Paid)
		require.Len(t, report.Rejected, 1)
		require.Equal(t, "bad_recipient", report.Rejected[0].Code)

		// Rejected recipients stay pending but are not interrupted.
		shares, err := eng.ListShares(context.Background(), 0)
		require.NoError(t, err)
		require.Equal(t, []alloc.ShareEntry{{Recipient: "b", Weight: 1}}, shares)

		interrupted, err := eng.ListInterrupted(context.Background())
		require.NoError(t, err)
		require.Empty(t, interrupted)
	})

	t.Run("ledger service fault aborts the sweep", func(t *testing.T) {
		t.Parallel()
		lc := newMockLedger(30)
		lc.transferFunc = func(_ context.Context, to string, _ uint64) error {
			if to == "a" {
				return &ledger.RejectedError{Code: "ledger_paused", Message: "upgrade in progress"}
			}
			return nil
		}
		eng := newTestEngine(t, memory.New(testutil.NewLogger()), lc)
		configureLedger(t, eng)
		addShares(t, eng,
			alloc.ShareEntry{Recipient: "a", Weight: 1},
			alloc.ShareEntry{Recipient: "b", Weight: 1},
			alloc.ShareEntry{Recipient: "c", Weight: 1},
		)

		_, err := eng.Distribute(context.Background(), testController)
		require.ErrorIs(t, err, ErrTokenCanister)

		// Nothing after the fault was attempted.
		require.Zero(t, lc.attempts("b"))
		require.Zero(t, lc.attempts("c"))

		shares, err := eng.ListShares(context.Background(), 0)
		require.NoError(t, err)
		require.Len(t, shares, 3)
	})

	t.Run("no recipient is both pending and freshly paid", func(t *testing.T) {
		t.Parallel()
		lc := newMockLedger(100)
		lc.transferFunc = func(_ context.Context, to string, _ uint64) error {
			if to == "c" || to == "d" {
				return &ledger.IndeterminateError{Err: errors.New("timeout")}
			}
			return nil
		}
		eng := newTestEngine(t, memory.New(testutil.NewLogger()), lc)
		configureLedger(t, eng)
		for _, r := range []string{"a", "b", "c", "d", "e"} {
			addShares(t, eng, alloc.ShareEntry{Recipient: r, Weight: 1})
		}

		_, err := eng.Distribute(context.Background(), testController)
		require.ErrorIs(t, err, ErrUnknown)

		shares, err := eng.ListShares(context.Background(), 0)
		require.NoError(t, err)
		tokens, err := eng.ListTokens(context.Background(), 0)
		require.NoError(t, err)

		pending := make(map[string]bool)
		for _, s := range shares {
			pending[s.Recipient] = true
		}
		for _, entry := range tokens {
			require.False(t, pending[entry.Recipient],
				"recipient %s is both pending and paid", entry.Recipient)
		}
	})
}

func TestDisperse_Engine_ValidateTwins(t *testing.T) {
	t.Parallel()

	t.Run("validate distribute never mutates state", func(t *testing.T) {
		t.Parallel()
		lc := newMockLedger(6000)
		eng := newTestEngine(t, memory.New(testutil.NewLogger()), lc)
		configureLedger(t, eng)
		addShares(t, eng,
			alloc.ShareEntry{Recipient: "a", Weight: 1000},
			alloc.ShareEntry{Recipient: "b", Weight: 2000},
		)

		before, err := eng.ListShares(context.Background(), 0)
		require.NoError(t, err)

		for range 3 {
			require.NoError(t, eng.ValidateDistribute(context.Background(), testController))
		}

		after, err := eng.ListShares(context.Background(), 0)
		require.NoError(t, err)
		require.Equal(t, before, after)

		tokens, err := eng.ListTokens(context.Background(), 0)
		require.NoError(t, err)
		require.Empty(t, tokens)
		require.Zero(t, lc.attempts("a"))
	})

	t.Run("validate distribute reports zero balance", func(t *testing.T) {
		t.Parallel()
		eng := newTestEngine(t, memory.New(testutil.NewLogger()), newMockLedger(0))
		configureLedger(t, eng)
		addShares(t, eng, alloc.ShareEntry{Recipient: "a", Weight: 1})
		err := eng.ValidateDistribute(context.Background(), testController)
		require.ErrorIs(t, err, ErrTokenCanister)
	})

	t.Run("validate add mirrors the real checks", func(t *testing.T) {
		t.Parallel()
		eng := newTestEngine(t, memory.New(testutil.NewLogger()), newMockLedger(0))

		require.ErrorIs(t,
			eng.ValidateAddShareAllocations(context.Background(), "nobody", []alloc.ShareEntry{{Recipient: "a", Weight: 1}}),
			ErrUnauthorized)
		require.ErrorIs(t,
			eng.ValidateAddShareAllocations(context.Background(), testController, nil),
			ErrEmptyAllocationList)
		require.NoError(t,
			eng.ValidateAddShareAllocations(context.Background(), testController, []alloc.ShareEntry{{Recipient: "a", Weight: 1}}))

		shares, err := eng.ListShares(context.Background(), 0)
		require.NoError(t, err)
		require.Empty(t, shares)
	})

	t.Run("validate set ledger rejects empty id", func(t *testing.T) {
		t.Parallel()
		eng := newTestEngine(t, memory.New(testutil.NewLogger()), newMockLedger(0))
		require.ErrorIs(t,
			eng.ValidateSetTokenLedger(context.Background(), testController, ""),
			ErrConfiguration)
	})
}

func TestDisperse_Engine_Reset(t *testing.T) {
	t.Parallel()

	t.Run("returns the engine to its initial empty state", func(t *testing.T) {
		t.Parallel()
		lc := newMockLedger(30)
		lc.transferFunc = func(_ context.Context, to string, _ uint64) error {
			if to == "b" {
				return &ledger.IndeterminateError{Err: errors.New("timeout")}
			}
			return nil
		}
		eng := newTestEngine(t, memory.New(testutil.NewLogger()), lc)
		configureLedger(t, eng)
		addShares(t, eng,
			alloc.ShareEntry{Recipient: "a", Weight: 1},
			alloc.ShareEntry{Recipient: "b", Weight: 1},
			alloc.ShareEntry{Recipient: "c", Weight: 1},
		)
		_, err := eng.Distribute(context.Background(), testController)
		require.ErrorIs(t, err, ErrUnknown)

		require.ErrorIs(t, eng.Reset(context.Background(), "nobody"), ErrUnauthorized)
		require.NoError(t, eng.Reset(context.Background(), testController))

		shares, err := eng.ListShares(context.Background(), 0)
		require.NoError(t, err)
		require.Empty(t, shares)
		tokens, err := eng.ListTokens(context.Background(), 0)
		require.NoError(t, err)
		require.Empty(t, tokens)
		interrupted, err := eng.ListInterrupted(context.Background())
		require.NoError(t, err)
		require.Empty(t, interrupted)

		id, err := eng.TokenLedgerID(context.Background())
		require.NoError(t, err)
		require.Empty(t, id)

		state, err := eng.State(context.Background())
		require.NoError(t, err)
		require.Equal(t, StateIdle, state)
	})
}

func TestDisperse_Engine_State(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t, memory.New(testutil.NewLogger()), newMockLedger(0))

	state, err := eng.State(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateIdle, state)

	addShares(t, eng, alloc.ShareEntry{Recipient: "a", Weight: 1})

	state, err = eng.State(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateAccumulating, state)
}

// Regression: the sweep must process recipients in insertion order so a
// resumed run replays the same deterministic sequence.
func TestDisperse_Engine_Distribute_DeterministicOrder(t *testing.T) {
	t.Parallel()

	lc := newMockLedger(1000)
	var order []string
	lc.transferFunc = func(_ context.Context, to string, _ uint64) error {
		order = append(order, to)
		return nil
	}
	eng := newTestEngine(t, memory.New(testutil.NewLogger()), lc)
	configureLedger(t, eng)

	recipients := []string{"r5", "r1", "r9", "r3", "r7"}
	for _, r := range recipients {
		addShares(t, eng, alloc.ShareEntry{Recipient: r, Weight: 10})
	}

	_, err := eng.Distribute(context.Background(), testController)
	require.NoError(t, err)
	require.Equal(t, recipients, order)
}

func TestDisperse_Engine_SettlementFailureStopsSweep(t *testing.T) {
	t.Parallel()

	st := &failingSettleStore{Store: memory.New(testutil.NewLogger())}
	lc := newMockLedger(30)
	eng := newTestEngine(t, st, lc)
	configureLedger(t, eng)
	addShares(t, eng,
		alloc.ShareEntry{Recipient: "a", Weight: 1},
		alloc.ShareEntry{Recipient: "b", Weight: 1},
	)
	st.failFor = "a"

	_, err := eng.Distribute(context.Background(), testController)
	require.ErrorIs(t, err, ErrUnknown)
	require.Contains(t, err.Error(), "settlement failed")

	// The sweep stopped before b: better to resume than risk double pay.
	require.Zero(t, lc.attempts("b"))
}

type failingSettleStore struct {
	alloc.Store
	failFor string
}

func (s *failingSettleStore) SettleShare(ctx context.Context, recipient string, amount uint64, paidAt time.Time) error {
	if recipient == s.failFor {
		return fmt.Errorf("disk full")
	}
	return s.Store.SettleShare(ctx, recipient, amount, paidAt)
}
