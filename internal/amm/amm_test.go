package amm

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/sokoni/market-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// --- Constructor tests ---

func TestNewMaker_Valid(t *testing.T) {
	m, err := NewMaker(d(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.B().Equal(d(100)) {
		t.Errorf("expected b=100, got %s", m.B())
	}
}

func TestNewMaker_ZeroB(t *testing.T) {
	_, err := NewMaker(d(0))
	if err != ErrInvalidLiquidity {
		t.Errorf("expected ErrInvalidLiquidity for b=0, got %v", err)
	}
}

func TestNewMaker_NegativeB(t *testing.T) {
	_, err := NewMaker(d(-50))
	if err != ErrInvalidLiquidity {
		t.Errorf("expected ErrInvalidLiquidity for b=-50, got %v", err)
	}
}

// --- Price function tests ---

func TestPrice_InitiallyFiftyFifty(t *testing.T) {
	m, _ := NewMaker(d(100))
	price := m.Price(d(0), d(0))
	if !price.Equal(d(0.5)) {
		t.Errorf("expected initial price 0.5, got %s", price)
	}
}

func TestPrice_BuyingYesIncreasesPrice(t *testing.T) {
	m, _ := NewMaker(d(100))
	priceBefore := m.Price(d(0), d(0))
	priceAfter := m.Price(d(10), d(0))
	if priceAfter.LessThanOrEqual(priceBefore) {
		t.Errorf("buying YES should increase price: before=%s after=%s",
			priceBefore, priceAfter)
	}
}

func TestPrice_BuyingNoDecreasesYesPrice(t *testing.T) {
	m, _ := NewMaker(d(100))
	priceBefore := m.Price(d(0), d(0))
	priceAfter := m.Price(d(0), d(10))
	if priceAfter.GreaterThanOrEqual(priceBefore) {
		t.Errorf("buying NO should decrease YES price: before=%s after=%s",
			priceBefore, priceAfter)
	}
}

func TestPrice_SumsToOne(t *testing.T) {
	m, _ := NewMaker(d(100))
	one := decimal.NewFromInt(1)
	tolerance := d(0.0000001)

	tests := []struct {
		qYes, qNo float64
	}{
		{0, 0},
		{10, 0},
		{0, 10},
		{30, 10},
		{100, 200},
		{500, 100},
	}
	for _, tt := range tests {
		pYes := m.Price(d(tt.qYes), d(tt.qNo))
		pNo := m.PriceNo(d(tt.qYes), d(tt.qNo))
		sum := pYes.Add(pNo)
		if sum.Sub(one).Abs().GreaterThan(tolerance) {
			t.Errorf("prices should sum to 1: pYes=%s pNo=%s sum=%s (q=%.0f,%.0f)",
				pYes, pNo, sum, tt.qYes, tt.qNo)
		}
	}
}

func TestPrice_ClampedToBounds(t *testing.T) {
	m, _ := NewMaker(d(100))

	price := m.Price(d(100000), d(0))
	if !price.Equal(MaxPrice) {
		t.Errorf("expected price clamped to MaxPrice %s, got %s", MaxPrice, price)
	}

	price = m.Price(d(0), d(100000))
	if !price.Equal(MinPrice) {
		t.Errorf("expected price clamped to MinPrice %s, got %s", MinPrice, price)
	}
}

func TestPrice_ExtremeQuantities_NoPanic(t *testing.T) {
	m, _ := NewMaker(d(100))

	tests := []struct {
		name      string
		qYes, qNo float64
	}{
		{"very large YES", 100000, 0},
		{"very large NO", 0, 100000},
		{"both large equal", 100000, 100000},
		{"large asymmetric", 100000, 50000},
		{"overflow-scale values", 1e15, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			price := m.Price(d(tt.qYes), d(tt.qNo))
			if price.LessThan(decimal.Zero) || price.GreaterThan(decimal.NewFromInt(1)) {
				t.Errorf("price out of [0,1]: %s", price)
			}
		})
	}
}

// --- Quote tests ---

func TestQuoteBuy_CostPositive(t *testing.T) {
	m, _ := NewMaker(d(100))
	q, err := m.QuoteBuy(d(0), d(0), model.SideYes, d(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Cost.LessThanOrEqual(decimal.Zero) {
		t.Errorf("buying should cost a positive amount, got %s", q.Cost)
	}
	if !q.NewQYes.Equal(d(10)) || !q.NewQNo.Equal(d(0)) {
		t.Errorf("post-trade quantities wrong: qYes=%s qNo=%s", q.NewQYes, q.NewQNo)
	}
}

func TestQuoteBuy_SymmetricAtOrigin(t *testing.T) {
	m, _ := NewMaker(d(100))
	// LMSR is symmetric at the origin: 10 YES costs the same as 10 NO.
	qYes, err := m.QuoteBuy(d(0), d(0), model.SideYes, d(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	qNo, err := m.QuoteBuy(d(0), d(0), model.SideNo, d(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !qYes.Cost.Equal(qNo.Cost) {
		t.Errorf("expected symmetric cost at origin: YES=%s NO=%s", qYes.Cost, qNo.Cost)
	}
}

func TestQuoteBuy_PathIndependence(t *testing.T) {
	m, _ := NewMaker(d(100))
	tolerance := d(0.001)

	// Buy 10 then 5 more should cost within rounding of buying 15 at once.
	q1, err := m.QuoteBuy(d(0), d(0), model.SideYes, d(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	q2, err := m.QuoteBuy(q1.NewQYes, q1.NewQNo, model.SideYes, d(5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sequential := q1.Cost.Add(q2.Cost)

	direct, err := m.QuoteBuy(d(0), d(0), model.SideYes, d(15))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sequential.Sub(direct.Cost).Abs().GreaterThan(tolerance) {
		t.Errorf("cost should be path-independent: sequential=%s direct=%s",
			sequential, direct.Cost)
	}
}

func TestQuoteBuy_Convexity(t *testing.T) {
	m, _ := NewMaker(d(100))
	// Second 10 shares cost more than the first 10.
	q1, _ := m.QuoteBuy(d(0), d(0), model.SideYes, d(10))
	q2, _ := m.QuoteBuy(d(10), d(0), model.SideYes, d(10))
	if q2.Cost.LessThanOrEqual(q1.Cost) {
		t.Errorf("second batch should cost more (convexity): first=%s second=%s",
			q1.Cost, q2.Cost)
	}
}

func TestQuoteBuy_AvgPriceBetweenSpotPrices(t *testing.T) {
	m, _ := NewMaker(d(100))
	before := m.Price(d(0), d(0))
	q, err := m.QuoteBuy(d(0), d(0), model.SideYes, d(20))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	after := m.Price(q.NewQYes, q.NewQNo)
	if q.AvgPrice.LessThan(before) || q.AvgPrice.GreaterThan(after) {
		t.Errorf("avg price %s should be between spot before %s and after %s",
			q.AvgPrice, before, after)
	}
}

func TestQuoteBuy_RejectsBeyondBounds(t *testing.T) {
	m, _ := NewMaker(d(100))

	_, err := m.QuoteBuy(d(0), d(0), model.SideYes, d(100000))
	if err != ErrPriceBoundExceeded {
		t.Errorf("expected ErrPriceBoundExceeded for massive YES buy, got %v", err)
	}

	_, err = m.QuoteBuy(d(0), d(0), model.SideNo, d(100000))
	if err != ErrPriceBoundExceeded {
		t.Errorf("expected ErrPriceBoundExceeded for massive NO buy, got %v", err)
	}
}

func TestQuoteBuy_AcceptsModerate(t *testing.T) {
	m, _ := NewMaker(d(100))
	_, err := m.QuoteBuy(d(0), d(0), model.SideYes, d(10))
	if err != nil {
		t.Errorf("moderate trade should be accepted, got %v", err)
	}
}

// --- Clamp tests ---

func TestClamp(t *testing.T) {
	if !Clamp(d(0.001)).Equal(MinPrice) {
		t.Error("clamp should raise to MinPrice")
	}
	if !Clamp(d(0.999)).Equal(MaxPrice) {
		t.Error("clamp should lower to MaxPrice")
	}
	if !Clamp(d(0.42)).Equal(d(0.42)) {
		t.Error("clamp should pass through in-range price")
	}
}

// --- Internal logSumExp tests ---

func TestLogSumExp_NoOverflow(t *testing.T) {
	result := logSumExp([]float64{1000, 1001})
	if math.IsNaN(result) || math.IsInf(result, 1) {
		t.Errorf("logSumExp should not overflow: got %f", result)
	}
	if result < 1000 || result > 1002 {
		t.Errorf("logSumExp(1000,1001) should be in [1000,1002], got %f", result)
	}
}

func TestLogSumExp_Empty(t *testing.T) {
	result := logSumExp(nil)
	if !math.IsInf(result, -1) {
		t.Errorf("expected -Inf for empty input, got %f", result)
	}
}

func TestLogSumExp_EqualValues(t *testing.T) {
	// ln(n * exp(x)) = x + ln(n)
	result := logSumExp([]float64{3, 3})
	expected := 3.0 + math.Log(2)
	if math.Abs(result-expected) > 1e-10 {
		t.Errorf("logSumExp([3,3]) should be %f, got %f", expected, result)
	}
}
