// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market status values. Transitions are one-directional:
// open → closed → resolved, or open/closed → cancelled.
const (
	MarketOpen      = "open"
	MarketClosed    = "closed"
	MarketResolved  = "resolved"
	MarketCancelled = "cancelled"
)

// Resolution outcomes.
const (
	ResolutionPending = "pending"
	ResolutionYes     = "yes"
	ResolutionNo      = "no"
)

// Order sides.
const (
	SideYes = "yes"
	SideNo  = "no"
)

// Order types.
const (
	OrderLimit  = "limit"
	OrderMarket = "market"
)

// Order status values.
const (
	OrderPending   = "pending"
	OrderPartial   = "partial"
	OrderFilled    = "filled"
	OrderCancelled = "cancelled"
)

// Fill counterparty kinds. A book fill has a resting order on the other
// side; an AMM fill executed against the automated market maker.
const (
	CounterpartyOrder = "order"
	CounterpartyAMM   = "amm"
)

// User is a registered trader. Identity fields are immutable; the
// balance lives on the CreditAccount owned by the credits ledger.
type User struct {
	ID           string    `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// CreditAccount is a user's practice-credit balance. StoredCredits is
// the persisted (banked) amount; the spendable balance is derived by
// projecting decay and regeneration from LastActivityAt — see
// credits.Project.
type CreditAccount struct {
	UserID         string          `json:"user_id" db:"user_id"`
	StoredCredits  decimal.Decimal `json:"stored_credits" db:"stored_credits"`
	MaxCredits     decimal.Decimal `json:"max_credits" db:"max_credits"`
	LastActivityAt time.Time       `json:"last_activity_at" db:"last_activity_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// Market is a binary-outcome prediction market. Prices are derived
// state: yes_price + no_price == 1 at all times, each strictly inside
// (0,1) while trading. LiquidityB is the LMSR liquidity parameter; zero
// disables the AMM fallback and the market trades book-only.
type Market struct {
	ID                 string          `json:"id" db:"id"`
	Slug               string          `json:"slug" db:"slug"`
	Title              string          `json:"title" db:"title"`
	Question           string          `json:"question" db:"question"`
	Description        string          `json:"description,omitempty" db:"description"`
	ResolutionCriteria string          `json:"resolution_criteria,omitempty" db:"resolution_criteria"`
	Category           string          `json:"category,omitempty" db:"category"`
	Status             string          `json:"status" db:"status"`
	Resolution         string          `json:"resolution" db:"resolution"`
	YesPrice           decimal.Decimal `json:"yes_price" db:"yes_price"`
	NoPrice            decimal.Decimal `json:"no_price" db:"no_price"`
	LiquidityB         decimal.Decimal `json:"liquidity_b" db:"liquidity_b"`
	QYes               decimal.Decimal `json:"q_yes" db:"q_yes"`
	QNo                decimal.Decimal `json:"q_no" db:"q_no"`
	TotalVolume        decimal.Decimal `json:"total_volume" db:"total_volume"`
	CreatedBy          string          `json:"created_by" db:"created_by"`
	EndDate            time.Time       `json:"end_date" db:"end_date"`
	ResolvedAt         *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
}

// Trading reports whether the market currently accepts orders.
func (m *Market) Trading() bool {
	return m.Status == MarketOpen
}

// Terminal reports whether the market is in a terminal state.
func (m *Market) Terminal() bool {
	return m.Status == MarketResolved || m.Status == MarketCancelled
}

// HasAMM reports whether the LMSR fallback is enabled for this market.
func (m *Market) HasAMM() bool {
	return m.LiquidityB.IsPositive()
}

// Order is a request to buy YES or NO shares. Mutated only by the
// matching engine (fills) or by explicit cancellation; immutable once
// filled or cancelled.
//
// Reserved tracks the outstanding credit hold backing the unfilled
// remainder: (Quantity - FilledQuantity) * Price.
type Order struct {
	ID             string          `json:"id" db:"id"`
	MarketID       string          `json:"market_id" db:"market_id"`
	UserID         string          `json:"user_id" db:"user_id"`
	Side           string          `json:"side" db:"side"`
	OrderType      string          `json:"order_type" db:"order_type"`
	Price          decimal.Decimal `json:"price" db:"price"`
	Quantity       decimal.Decimal `json:"quantity" db:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity" db:"filled_quantity"`
	Status         string          `json:"status" db:"status"`
	Reserved       decimal.Decimal `json:"reserved" db:"reserved"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	FilledAt       *time.Time      `json:"filled_at,omitempty" db:"filled_at"`
}

// Open reports whether the order can still fill or be cancelled.
func (o *Order) Open() bool {
	return o.Status == OrderPending || o.Status == OrderPartial
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// Fill is an immutable record of an execution. A book match produces
// two fills (one per user, prices summing to 1); an AMM execution
// produces one.
type Fill struct {
	ID           string          `json:"id" db:"id"`
	MarketID     string          `json:"market_id" db:"market_id"`
	OrderID      string          `json:"order_id" db:"order_id"`
	UserID       string          `json:"user_id" db:"user_id"`
	Side         string          `json:"side" db:"side"`
	Price        decimal.Decimal `json:"price" db:"price"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	Counterparty string          `json:"counterparty" db:"counterparty"`
	ExecutedAt   time.Time       `json:"executed_at" db:"executed_at"`
}

// Cost returns price * quantity.
func (f *Fill) Cost() decimal.Decimal {
	return f.Price.Mul(f.Quantity)
}

// Position is a user's aggregate holdings in one market. Average costs
// are weighted entry prices, recomputed on every buy and reset to zero
// when the corresponding share count reaches zero.
type Position struct {
	UserID       string          `json:"user_id" db:"user_id"`
	MarketID     string          `json:"market_id" db:"market_id"`
	YesShares    decimal.Decimal `json:"yes_shares" db:"yes_shares"`
	NoShares     decimal.Decimal `json:"no_shares" db:"no_shares"`
	YesAvgCost   decimal.Decimal `json:"yes_avg_cost" db:"yes_avg_cost"`
	NoAvgCost    decimal.Decimal `json:"no_avg_cost" db:"no_avg_cost"`
	Settled      bool            `json:"settled" db:"settled"`
	SettledAt    *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
	Payout       decimal.Decimal `json:"payout" db:"payout"`
	CostAtSettle decimal.Decimal `json:"cost_at_settle" db:"cost_at_settle"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Empty reports whether the position holds no shares on either side.
func (p *Position) Empty() bool {
	return p.YesShares.IsZero() && p.NoShares.IsZero()
}

// CostBasis returns the total entry cost of the current holdings.
func (p *Position) CostBasis() decimal.Decimal {
	return p.YesShares.Mul(p.YesAvgCost).Add(p.NoShares.Mul(p.NoAvgCost))
}

// Settlement records one market resolution, for audit and stats.
type Settlement struct {
	MarketID   string    `json:"market_id" db:"market_id"`
	Resolution string    `json:"resolution" db:"resolution"`
	SettledAt  time.Time `json:"settled_at" db:"settled_at"`
}
