// Package credits implements the per-user practice-credit ledger:
// balances, order reservations, settlement payouts, and the lazy
// decay/regeneration projection.
//
// Decay and regeneration are never run by a background timer. The
// effective balance is a pure function of (stored, max, lastActivity,
// now) — Project — applied on every read and materialized before every
// mutation. This keeps the ledger deterministic and testable without
// wall-clock mocking.
package credits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sokoni/market-engine/internal/model"
)

var (
	// ErrInsufficientCredits is returned when a reservation exceeds the
	// projected spendable balance. No state is mutated.
	ErrInsufficientCredits = errors.New("credits: insufficient credits")

	// ErrAccountNotFound is returned for unknown users.
	ErrAccountNotFound = errors.New("credits: account not found")
)

// Economy constants.
var (
	// StartingCredits is the balance granted at registration.
	StartingCredits = decimal.NewFromInt(10000)

	// DecayRatePerDay is the fractional daily decay applied to the
	// spendable balance once the user has been inactive past
	// DecayThreshold.
	DecayRatePerDay = decimal.NewFromFloat(0.01)

	// MinDecayPerDay floors the decay at 100 credits per inactive day.
	MinDecayPerDay = decimal.NewFromInt(100)

	// RegenPerHour restores 100 credits per inactive hour toward
	// MaxCredits, capped at RegenCapHours per projection.
	RegenPerHour = decimal.NewFromInt(100)

	// RegenCapHours bounds how much regeneration a single projection
	// can apply.
	RegenCapHours = 24

	// DecayThreshold is how long a user must be inactive before decay
	// and regeneration start.
	DecayThreshold = 24 * time.Hour
)

// Status is the projected view of an account, as returned to clients.
type Status struct {
	Current        decimal.Decimal `json:"current_credits"`
	Stored         decimal.Decimal `json:"stored_credits"`
	Max            decimal.Decimal `json:"max_credits"`
	Decayed        decimal.Decimal `json:"decayed"`
	Regenerated    decimal.Decimal `json:"regenerated"`
	LastActivityAt time.Time       `json:"last_activity_at"`
}

// Project computes the effective spendable balance at time now.
//
// Inside DecayThreshold the stored balance is spendable as-is. Past the
// threshold, decay reduces the balance by DecayRatePerDay (floored at
// MinDecayPerDay per day) for the time beyond the threshold, bounded
// below at zero; regeneration then restores RegenPerHour toward
// MaxCredits, capped at RegenCapHours. The result never exceeds
// MaxCredits once the threshold has passed — the sweep claws back any
// excess over the cap.
func Project(acct *model.CreditAccount, now time.Time) Status {
	st := Status{
		Current:        acct.StoredCredits,
		Stored:         acct.StoredCredits,
		Max:            acct.MaxCredits,
		LastActivityAt: acct.LastActivityAt,
		Decayed:        decimal.Zero,
		Regenerated:    decimal.Zero,
	}

	inactive := now.Sub(acct.LastActivityAt)
	if inactive <= DecayThreshold {
		return st
	}

	beyond := inactive - DecayThreshold
	days := decimal.NewFromFloat(beyond.Hours() / 24)

	// Decay: 1% per day, floored at 100/day (pro-rated within the
	// first day), never below zero.
	dayFrac := days
	if dayFrac.GreaterThan(decimal.NewFromInt(1)) {
		dayFrac = decimal.NewFromInt(1)
	}
	decay := decimal.Max(
		st.Current.Mul(DecayRatePerDay).Mul(days),
		MinDecayPerDay.Mul(dayFrac),
	)
	if decay.GreaterThan(st.Current) {
		decay = st.Current
	}
	current := st.Current.Sub(decay)

	// Regeneration toward the cap.
	var regen decimal.Decimal
	if current.LessThan(acct.MaxCredits) {
		hours := decimal.NewFromFloat(beyond.Hours())
		cap := decimal.NewFromInt(int64(RegenCapHours))
		if hours.GreaterThan(cap) {
			hours = cap
		}
		regen = RegenPerHour.Mul(hours)
		if current.Add(regen).GreaterThan(acct.MaxCredits) {
			regen = acct.MaxCredits.Sub(current)
		}
		current = current.Add(regen)
	}

	if current.GreaterThan(acct.MaxCredits) {
		current = acct.MaxCredits
	}

	st.Current = current.Round(2)
	st.Decayed = decay.Round(2)
	st.Regenerated = regen.Round(2)
	return st
}

// AccountStore is the persistence surface the ledger needs.
type AccountStore interface {
	GetAccount(ctx context.Context, userID string) (*model.CreditAccount, error)
	SaveAccount(ctx context.Context, acct *model.CreditAccount) error
}

// Ledger serializes balance mutations per user. A reservation debits
// the stored balance atomically with the balance check, so two
// concurrent reservations can never both pass on the same credits.
type Ledger struct {
	store AccountStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	now   func() time.Time
}

// NewLedger creates a ledger backed by the given account store.
func NewLedger(store AccountStore) *Ledger {
	return &Ledger{
		store: store,
		locks: make(map[string]*sync.Mutex),
		now:   time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

func (l *Ledger) userLock(userID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[userID]
	if !ok {
		lk = &sync.Mutex{}
		l.locks[userID] = lk
	}
	return lk
}

// Open creates the account for a new user with StartingCredits.
func (l *Ledger) Open(ctx context.Context, userID string) (*model.CreditAccount, error) {
	now := l.now().UTC()
	acct := &model.CreditAccount{
		UserID:         userID,
		StoredCredits:  StartingCredits,
		MaxCredits:     StartingCredits,
		LastActivityAt: now,
		UpdatedAt:      now,
	}
	if err := l.store.SaveAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("open account: %w", err)
	}
	return acct, nil
}

// Balance returns the projected status for a user.
func (l *Ledger) Balance(ctx context.Context, userID string) (Status, error) {
	acct, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	return Project(acct, l.now().UTC()), nil
}

// Reserve holds amount from the user's spendable balance. The balance
// check and the debit happen under the user's lock, atomically with
// respect to any other reservation or payout for the same user.
func (l *Ledger) Reserve(ctx context.Context, userID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("credits: negative reservation %s", amount)
	}
	return l.mutate(ctx, userID, amount.Neg(), true)
}

// Release refunds a reservation (order cancelled, or price improvement
// on fill). Reserve then Release of the same amount restores the
// balance exactly.
func (l *Ledger) Release(ctx context.Context, userID string, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	return l.mutate(ctx, userID, amount, false)
}

// Credit pays out to a user (settlement, market cancellation refund).
func (l *Ledger) Credit(ctx context.Context, userID string, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	return l.mutate(ctx, userID, amount, false)
}

// mutate materializes the projected balance, applies delta, and resets
// the activity timestamp. checkFunds gates debits on the projected
// balance.
func (l *Ledger) mutate(ctx context.Context, userID string, delta decimal.Decimal, checkFunds bool) error {
	lk := l.userLock(userID)
	lk.Lock()
	defer lk.Unlock()

	acct, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return err
	}

	now := l.now().UTC()
	st := Project(acct, now)

	next := st.Current.Add(delta)
	if checkFunds && next.IsNegative() {
		return fmt.Errorf("%w: have %s, need %s",
			ErrInsufficientCredits, st.Current, delta.Neg())
	}
	if next.IsNegative() {
		next = decimal.Zero
	}

	acct.StoredCredits = next
	acct.LastActivityAt = now
	acct.UpdatedAt = now
	return l.store.SaveAccount(ctx, acct)
}
