package ledger

import (
	"fmt"

	"github.com/uhyunpark/hyperspot/pkg/app/core/order"
)

// OpKind identifies a settlement step
type OpKind uint8

const (
	OpCommit OpKind = iota + 1
	OpRelease
	OpCredit
)

func (k OpKind) String() string {
	switch k {
	case OpCommit:
		return "commit"
	case OpRelease:
		return "release"
	case OpCredit:
		return "credit"
	default:
		return "unknown"
	}
}

// Op is one step of a settlement unit.
// Commit and Release address a reservation; Credit addresses an account.
type Op struct {
	Kind          OpKind
	ReservationID uint64
	Owner         string
	Currency      string
	Amount        int64
}

func CommitOp(resID uint64, amount int64) Op {
	return Op{Kind: OpCommit, ReservationID: resID, Amount: amount}
}

func ReleaseOp(resID uint64, amount int64) Op {
	return Op{Kind: OpRelease, ReservationID: resID, Amount: amount}
}

func CreditOp(owner, currency string, amount int64) Op {
	return Op{Kind: OpCredit, Owner: owner, Currency: currency, Amount: amount}
}

// staged is a copy-on-write view of the balances and reservations an Apply touches.
type staged struct {
	l            *Ledger
	balances     map[balanceKey]Balance
	reservations map[uint64]Reservation
}

func (s *staged) balance(k balanceKey) Balance {
	if b, ok := s.balances[k]; ok {
		return b
	}
	if b, ok := s.l.balances[k]; ok {
		return *b
	}
	return Balance{}
}

func (s *staged) reservation(id uint64) (Reservation, bool) {
	if r, ok := s.reservations[id]; ok {
		return r, true
	}
	r, ok := s.l.reservations[id]
	if !ok {
		return Reservation{}, false
	}
	return *r, true
}

func (s *staged) apply(op Op) error {
	if op.Amount < 0 {
		return fmt.Errorf("%w: %s %d", ErrInvalidAmount, op.Kind, op.Amount)
	}

	switch op.Kind {
	case OpCommit, OpRelease:
		res, ok := s.reservation(op.ReservationID)
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownReservation, op.ReservationID)
		}
		if res.Amount < op.Amount {
			return fmt.Errorf("%w: reservation %d holds %d, %s needs %d",
				order.ErrInsufficientFunds, res.ID, res.Amount, op.Kind, op.Amount)
		}
		k := balanceKey{res.Owner, res.Currency}
		bal := s.balance(k)
		if bal.Held < op.Amount {
			return fmt.Errorf("%w: held %d below %d for %s/%s", order.ErrInsufficientFunds, bal.Held, op.Amount, res.Owner, res.Currency)
		}
		res.Amount -= op.Amount
		bal.Held -= op.Amount
		if op.Kind == OpRelease {
			bal.Available += op.Amount
		}
		s.reservations[res.ID] = res
		s.balances[k] = bal

	case OpCredit:
		if op.Owner == "" || op.Currency == "" {
			return fmt.Errorf("%w: credit without account", ErrInvalidAmount)
		}
		k := balanceKey{op.Owner, op.Currency}
		bal := s.balance(k)
		bal.Available += op.Amount
		s.balances[k] = bal

	default:
		return fmt.Errorf("unknown ledger op %d", op.Kind)
	}
	return nil
}

// Apply runs ops as one settlement unit. Every op is checked against a staged
// view first; if any fails, the ledger is unchanged and the error names it.
func (l *Ledger) Apply(ops ...Op) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := &staged{
		l:            l,
		balances:     make(map[balanceKey]Balance, len(ops)),
		reservations: make(map[uint64]Reservation, len(ops)),
	}
	for i, op := range ops {
		if err := s.apply(op); err != nil {
			return fmt.Errorf("ledger op %d: %w", i, err)
		}
	}

	for k, bal := range s.balances {
		*l.balanceLocked(k.owner, k.currency) = bal
		l.markLocked(k.owner, k.currency)
	}
	for id, res := range s.reservations {
		*l.reservations[id] = res
		l.markResLocked(id)
	}
	return nil
}
