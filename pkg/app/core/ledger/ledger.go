package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/uhyunpark/hyperspot/pkg/app/core/order"
)

var (
	ErrUnknownReservation = errors.New("unknown reservation")
	ErrInvalidAmount      = errors.New("invalid amount")
)

// Balance is one user's holding of one currency, in minor units.
// Held is the part reserved for open orders.
type Balance struct {
	Available int64 `json:"available"`
	Held      int64 `json:"held"`
}

// Total returns Available + Held
func (b Balance) Total() int64 {
	return b.Available + b.Held
}

// Reservation is a hold on funds placed for one order.
// Amount is what is still held; it shrinks as fills commit it.
type Reservation struct {
	ID       uint64 `json:"id"`
	Owner    string `json:"owner"`
	Currency string `json:"currency"`
	Amount   int64  `json:"amount"`
}

type balanceKey struct {
	owner    string
	currency string
}

// Ledger holds every balance and reservation on the exchange.
// Each exported method is atomic; Apply makes a group of operations atomic.
type Ledger struct {
	mu           sync.RWMutex
	balances     map[balanceKey]*Balance
	reservations map[uint64]*Reservation
	nextResID    uint64

	// dirty tracking for the persistence layer (nil when disabled)
	dirtyBalances map[balanceKey]struct{}
	dirtyRes      map[uint64]struct{}
}

// New creates an empty ledger
func New() *Ledger {
	return &Ledger{
		balances:     make(map[balanceKey]*Balance),
		reservations: make(map[uint64]*Reservation),
	}
}

// EnableTracking makes the ledger remember which balances and reservations
// changed since the last Drain.
func (l *Ledger) EnableTracking() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dirtyBalances == nil {
		l.dirtyBalances = make(map[balanceKey]struct{})
		l.dirtyRes = make(map[uint64]struct{})
	}
}

// Reserve moves amount from Available to Held and returns the hold's id.
func (l *Ledger) Reserve(owner, currency string, amount int64) (uint64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("%w: reserve %d", ErrInvalidAmount, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balanceLocked(owner, currency)
	if bal.Available < amount {
		return 0, fmt.Errorf("%w: %s has %d %s available, need %d",
			order.ErrInsufficientFunds, owner, bal.Available, currency, amount)
	}
	bal.Available -= amount
	bal.Held += amount

	l.nextResID++
	res := &Reservation{ID: l.nextResID, Owner: owner, Currency: currency, Amount: amount}
	l.reservations[res.ID] = res
	l.markLocked(owner, currency)
	l.markResLocked(res.ID)
	return res.ID, nil
}

// TopUp holds amount more of the owner's Available under an existing reservation.
func (l *Ledger) TopUp(resID uint64, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: top up %d", ErrInvalidAmount, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[resID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownReservation, resID)
	}
	bal := l.balanceLocked(res.Owner, res.Currency)
	if bal.Available < amount {
		return fmt.Errorf("%w: %s has %d %s available, need %d more",
			order.ErrInsufficientFunds, res.Owner, bal.Available, res.Currency, amount)
	}
	bal.Available -= amount
	bal.Held += amount
	res.Amount += amount
	l.markLocked(res.Owner, res.Currency)
	l.markResLocked(resID)
	return nil
}

// Commit consumes amount of a reservation. The funds leave the owner's balance.
func (l *Ledger) Commit(resID uint64, amount int64) error {
	return l.Apply(CommitOp(resID, amount))
}

// Release returns amount of a reservation to the owner's Available balance.
func (l *Ledger) Release(resID uint64, amount int64) error {
	return l.Apply(ReleaseOp(resID, amount))
}

// ReleaseAll returns whatever a reservation still holds and closes it.
// A closed reservation cannot be released again.
func (l *Ledger) ReleaseAll(resID uint64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[resID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownReservation, resID)
	}
	released := res.Amount
	bal := l.balanceLocked(res.Owner, res.Currency)
	bal.Held -= released
	bal.Available += released
	delete(l.reservations, resID)
	l.markLocked(res.Owner, res.Currency)
	l.markResLocked(resID)
	return released, nil
}

// Credit adds amount to the owner's Available balance.
func (l *Ledger) Credit(owner, currency string, amount int64) error {
	return l.Apply(CreditOp(owner, currency, amount))
}

// Deposit funds an account from outside the exchange.
func (l *Ledger) Deposit(owner, currency string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: deposit amount must be positive: %d", ErrInvalidAmount, amount)
	}
	return l.Credit(owner, currency, amount)
}

// Withdraw removes funds from the owner's Available balance.
func (l *Ledger) Withdraw(owner, currency string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: withdraw amount must be positive: %d", ErrInvalidAmount, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balanceLocked(owner, currency)
	if bal.Available < amount {
		return fmt.Errorf("%w: have %d, need %d (held: %d)", order.ErrInsufficientFunds, bal.Available, amount, bal.Held)
	}
	bal.Available -= amount
	l.markLocked(owner, currency)
	return nil
}

// Balance returns a point-in-time copy. Unknown accounts read as zero.
func (l *Ledger) Balance(owner, currency string) Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if bal, ok := l.balances[balanceKey{owner, currency}]; ok {
		return *bal
	}
	return Balance{}
}

// Balances returns every currency the owner has ever held.
func (l *Ledger) Balances(owner string) map[string]Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]Balance)
	for k, bal := range l.balances {
		if k.owner == owner {
			out[k.currency] = *bal
		}
	}
	return out
}

// Reservation returns a copy of an open reservation.
func (l *Ledger) Reservation(resID uint64) (Reservation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	res, ok := l.reservations[resID]
	if !ok {
		return Reservation{}, false
	}
	return *res, true
}

// Totals sums Available+Held per currency across all accounts.
func (l *Ledger) Totals() map[string]int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]int64)
	for k, bal := range l.balances {
		out[k.currency] += bal.Total()
	}
	return out
}

// balanceLocked returns the mutable balance, creating it (assumes lock is held)
func (l *Ledger) balanceLocked(owner, currency string) *Balance {
	k := balanceKey{owner, currency}
	bal, ok := l.balances[k]
	if !ok {
		bal = &Balance{}
		l.balances[k] = bal
	}
	return bal
}

func (l *Ledger) markLocked(owner, currency string) {
	if l.dirtyBalances != nil {
		l.dirtyBalances[balanceKey{owner, currency}] = struct{}{}
	}
}

func (l *Ledger) markResLocked(id uint64) {
	if l.dirtyRes != nil {
		l.dirtyRes[id] = struct{}{}
	}
}

// BalanceEntry is one row of a ledger snapshot.
type BalanceEntry struct {
	Owner    string  `json:"owner"`
	Currency string  `json:"currency"`
	Balance  Balance `json:"balance"`
}

// Changes is the latest state of everything touched since the last Drain.
// ClosedReservations lists holds that no longer exist.
type Changes struct {
	Balances           []BalanceEntry
	Reservations       []Reservation
	ClosedReservations []uint64
	NextReservationID  uint64
}

// Empty reports whether there is nothing to persist.
func (c Changes) Empty() bool {
	return len(c.Balances) == 0 && len(c.Reservations) == 0 && len(c.ClosedReservations) == 0
}

// Drain returns and forgets the tracked changes. It returns an empty
// Changes when tracking is disabled.
func (l *Ledger) Drain() Changes {
	l.mu.Lock()
	defer l.mu.Unlock()

	var c Changes
	if l.dirtyBalances == nil {
		return c
	}
	for k := range l.dirtyBalances {
		c.Balances = append(c.Balances, BalanceEntry{Owner: k.owner, Currency: k.currency, Balance: *l.balances[k]})
	}
	for id := range l.dirtyRes {
		if res, ok := l.reservations[id]; ok {
			c.Reservations = append(c.Reservations, *res)
		} else {
			c.ClosedReservations = append(c.ClosedReservations, id)
		}
	}
	c.NextReservationID = l.nextResID
	clear(l.dirtyBalances)
	clear(l.dirtyRes)
	return c
}

// State is a full copy of the ledger used for recovery.
type State struct {
	Balances          []BalanceEntry
	Reservations      []Reservation
	NextReservationID uint64
}

// Snapshot copies the whole ledger, sorted for stable output.
func (l *Ledger) Snapshot() State {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st := State{NextReservationID: l.nextResID}
	for k, bal := range l.balances {
		st.Balances = append(st.Balances, BalanceEntry{Owner: k.owner, Currency: k.currency, Balance: *bal})
	}
	for _, res := range l.reservations {
		st.Reservations = append(st.Reservations, *res)
	}
	sort.Slice(st.Balances, func(i, j int) bool {
		if st.Balances[i].Owner != st.Balances[j].Owner {
			return st.Balances[i].Owner < st.Balances[j].Owner
		}
		return st.Balances[i].Currency < st.Balances[j].Currency
	})
	sort.Slice(st.Reservations, func(i, j int) bool { return st.Reservations[i].ID < st.Reservations[j].ID })
	return st
}

// Restore replaces the ledger contents with st.
// Held balances must equal the sum of their reservations.
func (l *Ledger) Restore(st State) error {
	held := make(map[balanceKey]int64)
	balances := make(map[balanceKey]*Balance, len(st.Balances))
	for _, e := range st.Balances {
		if e.Balance.Available < 0 || e.Balance.Held < 0 {
			return fmt.Errorf("negative balance for %s/%s", e.Owner, e.Currency)
		}
		b := e.Balance
		balances[balanceKey{e.Owner, e.Currency}] = &b
	}
	reservations := make(map[uint64]*Reservation, len(st.Reservations))
	next := st.NextReservationID
	for _, r := range st.Reservations {
		if r.Amount < 0 {
			return fmt.Errorf("negative reservation %d", r.ID)
		}
		res := r
		reservations[r.ID] = &res
		held[balanceKey{r.Owner, r.Currency}] += r.Amount
		if r.ID > next {
			next = r.ID
		}
	}
	for k, h := range held {
		if _, ok := balances[k]; !ok {
			return fmt.Errorf("reservation for %s/%s without a balance (%d)", k.owner, k.currency, h)
		}
	}
	for k, bal := range balances {
		if bal.Held != held[k] {
			return fmt.Errorf("held balance for %s/%s is %d, reservations hold %d", k.owner, k.currency, bal.Held, held[k])
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances = balances
	l.reservations = reservations
	l.nextResID = next
	return nil
}
