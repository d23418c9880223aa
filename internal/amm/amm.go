// Package amm implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker that backs market orders when the book has no
// resting counter-liquidity.
//
// The LMSR provides bounded market-maker loss (b * ln 2 for binary
// markets), continuous pricing, and a path-independent cost function.
// All monetary values use shopspring/decimal — never float64 for money.
// Internal transcendental math uses the log-sum-exp trick for numerical
// stability, with results immediately converted to decimal.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package amm

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/sokoni/market-engine/internal/model"
)

var (
	// ErrInvalidLiquidity is returned when b <= 0.
	ErrInvalidLiquidity = errors.New("amm: liquidity parameter b must be positive")

	// ErrPriceBoundExceeded is returned when a trade would push the
	// price outside [MinPrice, MaxPrice].
	ErrPriceBoundExceeded = errors.New("amm: trade would push price beyond allowed bounds")

	// MinPrice is the probability floor. Keeps prices strictly inside
	// (0,1) so settlement payouts never divide by zero.
	MinPrice = decimal.NewFromFloat(0.01)

	// MaxPrice is the probability ceiling.
	MaxPrice = decimal.NewFromFloat(0.99)

	// Scale is the number of decimal places for price/cost rounding.
	Scale int32 = 4
)

// Maker prices binary-outcome trades with the LMSR cost function. It is
// stateless: outstanding share quantities are passed in, never stored.
type Maker struct {
	b decimal.Decimal
}

// NewMaker creates a maker with liquidity parameter b. Higher b means
// deeper liquidity and lower price impact per trade.
func NewMaker(b decimal.Decimal) (*Maker, error) {
	if b.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidLiquidity
	}
	return &Maker{b: b}, nil
}

// B returns the liquidity parameter.
func (m *Maker) B() decimal.Decimal {
	return m.b
}

// logSumExp computes ln(Σ exp(x_i)) with max-subtraction so exp never
// overflows float64.
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}
	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}
	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}
	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// Cost computes the LMSR cost function C(q) = b * ln(Σ exp(q_i / b))
// for q = [qYes, qNo].
func (m *Maker) Cost(qYes, qNo decimal.Decimal) decimal.Decimal {
	bf := m.b.InexactFloat64()
	lse := logSumExp([]float64{
		qYes.InexactFloat64() / bf,
		qNo.InexactFloat64() / bf,
	})
	return decimal.NewFromFloat(bf * lse).Round(Scale + 4)
}

// Price returns the instantaneous YES probability, the softmax of the
// outstanding quantities, clamped to [MinPrice, MaxPrice].
func (m *Maker) Price(qYes, qNo decimal.Decimal) decimal.Decimal {
	bf := m.b.InexactFloat64()
	yOverB := qYes.InexactFloat64() / bf
	nOverB := qNo.InexactFloat64() / bf
	maxVal := math.Max(yOverB, nOverB)

	expYes := math.Exp(yOverB - maxVal)
	expNo := math.Exp(nOverB - maxVal)

	p := decimal.NewFromFloat(expYes / (expYes + expNo)).Round(Scale)
	return Clamp(p)
}

// PriceNo returns the NO probability: 1 - Price.
func (m *Maker) PriceNo(qYes, qNo decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).Sub(m.Price(qYes, qNo))
}

// Quote prices a buy of qty shares on the given side against state
// (qYes, qNo). It returns the total cost, the average fill price, and
// the post-trade quantities. Fails with ErrPriceBoundExceeded when the
// trade would leave the price outside the allowed bounds.
type Quote struct {
	Cost     decimal.Decimal
	AvgPrice decimal.Decimal
	NewQYes  decimal.Decimal
	NewQNo   decimal.Decimal
}

// QuoteBuy prices buying qty shares of side (model.SideYes or
// model.SideNo).
func (m *Maker) QuoteBuy(qYes, qNo decimal.Decimal, side string, qty decimal.Decimal) (*Quote, error) {
	newQYes, newQNo := qYes, qNo
	if side == model.SideYes {
		newQYes = qYes.Add(qty)
	} else {
		newQNo = qNo.Add(qty)
	}

	if err := m.validateBounds(newQYes, newQNo); err != nil {
		return nil, err
	}

	cost := m.Cost(newQYes, newQNo).Sub(m.Cost(qYes, qNo))
	avg := cost.Div(qty).Round(Scale)

	return &Quote{
		Cost:     cost.Round(Scale),
		AvgPrice: avg,
		NewQYes:  newQYes,
		NewQNo:   newQNo,
	}, nil
}

// validateBounds rejects trades that would leave the YES price outside
// the allowed range.
func (m *Maker) validateBounds(qYes, qNo decimal.Decimal) error {
	bf := m.b.InexactFloat64()
	yOverB := qYes.InexactFloat64() / bf
	nOverB := qNo.InexactFloat64() / bf
	maxVal := math.Max(yOverB, nOverB)

	expYes := math.Exp(yOverB - maxVal)
	expNo := math.Exp(nOverB - maxVal)
	p := expYes / (expYes + expNo)

	if p < MinPrice.InexactFloat64() || p > MaxPrice.InexactFloat64() {
		return ErrPriceBoundExceeded
	}
	return nil
}

// Clamp bounds a price to [MinPrice, MaxPrice].
func Clamp(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(MinPrice) {
		return MinPrice
	}
	if p.GreaterThan(MaxPrice) {
		return MaxPrice
	}
	return p
}
