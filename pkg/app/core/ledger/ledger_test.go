package ledger

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/uhyunpark/hyperspot/pkg/app/core/order"
)

func TestReserveAndRelease(t *testing.T) {
	l := New()
	require.NoError(t, l.Deposit("alice", "USD", 10_000))

	id, err := l.Reserve("alice", "USD", 4_000)
	require.NoError(t, err)
	assert.Equal(t, Balance{Available: 6_000, Held: 4_000}, l.Balance("alice", "USD"))

	require.NoError(t, l.Release(id, 1_000))
	assert.Equal(t, Balance{Available: 7_000, Held: 3_000}, l.Balance("alice", "USD"))

	released, err := l.ReleaseAll(id)
	require.NoError(t, err)
	assert.Equal(t, int64(3_000), released)
	assert.Equal(t, Balance{Available: 10_000}, l.Balance("alice", "USD"))

	_, err = l.ReleaseAll(id)
	assert.ErrorIs(t, err, ErrUnknownReservation, "a closed reservation cannot be released twice")
}

func TestReserveInsufficientFunds(t *testing.T) {
	l := New()
	require.NoError(t, l.Deposit("bob", "ES", 5))

	_, err := l.Reserve("bob", "ES", 6)
	assert.ErrorIs(t, err, order.ErrInsufficientFunds)
	assert.Equal(t, Balance{Available: 5}, l.Balance("bob", "ES"))
}

func TestCommitDebitsHeld(t *testing.T) {
	l := New()
	require.NoError(t, l.Deposit("alice", "USD", 1_000))
	id, err := l.Reserve("alice", "USD", 600)
	require.NoError(t, err)

	require.NoError(t, l.Commit(id, 250))
	assert.Equal(t, Balance{Available: 400, Held: 350}, l.Balance("alice", "USD"))

	res, ok := l.Reservation(id)
	require.True(t, ok)
	assert.Equal(t, int64(350), res.Amount)

	err = l.Commit(id, 351)
	assert.ErrorIs(t, err, order.ErrInsufficientFunds)
}

func TestTopUp(t *testing.T) {
	l := New()
	require.NoError(t, l.Deposit("alice", "USD", 100))
	id, err := l.Reserve("alice", "USD", 40)
	require.NoError(t, err)

	require.NoError(t, l.TopUp(id, 50))
	assert.Equal(t, Balance{Available: 10, Held: 90}, l.Balance("alice", "USD"))

	err = l.TopUp(id, 11)
	assert.ErrorIs(t, err, order.ErrInsufficientFunds)
	assert.Equal(t, Balance{Available: 10, Held: 90}, l.Balance("alice", "USD"))
}

func TestApplySettlementUnit(t *testing.T) {
	l := New()
	require.NoError(t, l.Deposit("buyer", "USD", 1_000))
	require.NoError(t, l.Deposit("seller", "ES", 10))

	buyRes, err := l.Reserve("buyer", "USD", 500)
	require.NoError(t, err)
	sellRes, err := l.Reserve("seller", "ES", 5)
	require.NoError(t, err)

	// 5 @ 90 against a buy limit at 100: 50 of price improvement goes back.
	err = l.Apply(
		CommitOp(buyRes, 450),
		CreditOp("buyer", "ES", 5),
		CommitOp(sellRes, 5),
		CreditOp("seller", "USD", 450),
		ReleaseOp(buyRes, 50),
	)
	require.NoError(t, err)

	assert.Equal(t, Balance{Available: 550}, l.Balance("buyer", "USD"))
	assert.Equal(t, Balance{Available: 5}, l.Balance("buyer", "ES"))
	assert.Equal(t, Balance{Available: 5}, l.Balance("seller", "ES"))
	assert.Equal(t, Balance{Available: 450}, l.Balance("seller", "USD"))
	assert.Equal(t, map[string]int64{"USD": 1_000, "ES": 10}, l.Totals())
}

func TestApplyIsAllOrNothing(t *testing.T) {
	l := New()
	require.NoError(t, l.Deposit("buyer", "USD", 100))
	require.NoError(t, l.Deposit("seller", "ES", 1))
	buyRes, err := l.Reserve("buyer", "USD", 100)
	require.NoError(t, err)
	sellRes, err := l.Reserve("seller", "ES", 1)
	require.NoError(t, err)

	before := l.Snapshot()
	err = l.Apply(
		CommitOp(buyRes, 100),
		CreditOp("buyer", "ES", 2),
		CommitOp(sellRes, 2), // seller only holds 1
		CreditOp("seller", "USD", 100),
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, order.ErrInsufficientFunds)
	assert.Equal(t, before, l.Snapshot())
}

func TestApplyRejectsBadOps(t *testing.T) {
	l := New()
	tests := []struct {
		name string
		op   Op
		want error
	}{
		{"negative credit", CreditOp("a", "USD", -1), ErrInvalidAmount},
		{"credit without owner", CreditOp("", "USD", 1), ErrInvalidAmount},
		{"unknown reservation", CommitOp(42, 1), ErrUnknownReservation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.Apply(tt.op)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestWithdraw(t *testing.T) {
	l := New()
	require.NoError(t, l.Deposit("alice", "USD", 100))
	_, err := l.Reserve("alice", "USD", 60)
	require.NoError(t, err)

	assert.ErrorIs(t, l.Withdraw("alice", "USD", 41), order.ErrInsufficientFunds)
	require.NoError(t, l.Withdraw("alice", "USD", 40))
	assert.Equal(t, Balance{Held: 60}, l.Balance("alice", "USD"))

	assert.ErrorIs(t, l.Deposit("alice", "USD", 0), ErrInvalidAmount)
}

func TestDrainTracksChanges(t *testing.T) {
	l := New()
	l.EnableTracking()

	require.NoError(t, l.Deposit("alice", "USD", 100))
	id, err := l.Reserve("alice", "USD", 30)
	require.NoError(t, err)

	c := l.Drain()
	require.Len(t, c.Balances, 1)
	assert.Equal(t, Balance{Available: 70, Held: 30}, c.Balances[0].Balance)
	require.Len(t, c.Reservations, 1)
	assert.Equal(t, id, c.NextReservationID)

	assert.True(t, l.Drain().Empty())

	_, err = l.ReleaseAll(id)
	require.NoError(t, err)
	c = l.Drain()
	assert.Equal(t, []uint64{id}, c.ClosedReservations)
}

func TestSnapshotRestore(t *testing.T) {
	l := New()
	require.NoError(t, l.Deposit("alice", "USD", 100))
	require.NoError(t, l.Deposit("bob", "ES", 7))
	_, err := l.Reserve("alice", "USD", 30)
	require.NoError(t, err)

	st := l.Snapshot()
	restored := New()
	require.NoError(t, restored.Restore(st))
	assert.Equal(t, st, restored.Snapshot())

	// the next reservation id continues after the restored ones
	id, err := restored.Reserve("bob", "ES", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), id)

	st.Balances[0].Balance.Held = 29
	assert.Error(t, New().Restore(st))
}

func TestConcurrentReserve(t *testing.T) {
	l := New()
	require.NoError(t, l.Deposit("alice", "USD", 1_000))

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Reserve("alice", "USD", 100); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assert.Equal(t, Balance{Held: 1_000}, l.Balance("alice", "USD"))
}

func TestLedgerNeverNegative(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l := New()
		owners := []string{"a", "b", "c"}
		var open []uint64

		for i := 0; i < 60; i++ {
			owner := rapid.SampledFrom(owners).Draw(t, "owner")
			amount := rapid.Int64Range(0, 500).Draw(t, "amount")
			switch rapid.IntRange(0, 4).Draw(t, "op") {
			case 0:
				if amount > 0 {
					_ = l.Deposit(owner, "USD", amount)
				}
			case 1:
				if id, err := l.Reserve(owner, "USD", amount); err == nil {
					open = append(open, id)
				}
			case 2:
				if len(open) > 0 {
					_ = l.Commit(open[rapid.IntRange(0, len(open)-1).Draw(t, "res")], amount)
				}
			case 3:
				if len(open) > 0 {
					_ = l.Release(open[rapid.IntRange(0, len(open)-1).Draw(t, "res")], amount)
				}
			case 4:
				if len(open) > 0 {
					idx := rapid.IntRange(0, len(open)-1).Draw(t, "res")
					_, _ = l.ReleaseAll(open[idx])
					open = append(open[:idx], open[idx+1:]...)
				}
			}

			for _, o := range owners {
				bal := l.Balance(o, "USD")
				if bal.Available < 0 || bal.Held < 0 {
					t.Fatalf("negative balance for %s: %+v", o, bal)
				}
			}
		}

		// Held always equals the sum of open reservations.
		var held, reserved int64
		for _, o := range owners {
			held += l.Balance(o, "USD").Held
		}
		for _, id := range open {
			r, _ := l.Reservation(id)
			reserved += r.Amount
		}
		if held != reserved {
			t.Fatalf("held %d != reserved %d", held, reserved)
		}
	})
}
