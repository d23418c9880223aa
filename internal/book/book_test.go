package book_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokoni/market-engine/internal/book"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func entry(id string, price float64, qty float64, at time.Time) *book.Entry {
	return &book.Entry{
		OrderID:   id,
		UserID:    "u-" + id,
		Price:     d(price),
		Remaining: d(qty),
		CreatedAt: at,
	}
}

func TestSide_PricePriority(t *testing.T) {
	s := book.NewSide()
	t0 := time.Now()

	s.Add(entry("low", 0.30, 10, t0))
	s.Add(entry("high", 0.60, 10, t0.Add(time.Second)))
	s.Add(entry("mid", 0.45, 10, t0.Add(2*time.Second)))

	best := s.Best()
	require.NotNil(t, best)
	assert.Equal(t, "high", best.OrderID, "highest price wins")
}

func TestSide_TimePriorityWithinLevel(t *testing.T) {
	s := book.NewSide()
	t0 := time.Now()

	s.Add(entry("first", 0.50, 10, t0))
	s.Add(entry("second", 0.50, 10, t0.Add(time.Second)))

	best := s.Best()
	require.NotNil(t, best)
	assert.Equal(t, "first", best.OrderID, "earliest order wins at equal price")

	s.Reduce(best, d(10))
	best = s.Best()
	require.NotNil(t, best)
	assert.Equal(t, "second", best.OrderID)
}

func TestSide_ReducePartial(t *testing.T) {
	s := book.NewSide()
	s.Add(entry("a", 0.50, 10, time.Now()))

	best := s.Best()
	s.Reduce(best, d(4))

	best = s.Best()
	require.NotNil(t, best)
	assert.Equal(t, "a", best.OrderID)
	assert.True(t, best.Remaining.Equal(d(6)), "remaining %s", best.Remaining)
	assert.Equal(t, 1, s.Len())
}

func TestSide_ReduceExhausts(t *testing.T) {
	s := book.NewSide()
	s.Add(entry("a", 0.50, 10, time.Now()))

	s.Reduce(s.Best(), d(10))
	assert.Nil(t, s.Best())
	assert.Equal(t, 0, s.Len())
}

func TestSide_Remove(t *testing.T) {
	s := book.NewSide()
	t0 := time.Now()
	s.Add(entry("a", 0.50, 10, t0))
	s.Add(entry("b", 0.50, 5, t0.Add(time.Second)))

	require.True(t, s.Remove("a", d(0.50)))
	assert.False(t, s.Remove("a", d(0.50)), "second remove is a no-op")
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, "b", s.Best().OrderID)
}

func TestSide_Depth(t *testing.T) {
	s := book.NewSide()
	t0 := time.Now()
	s.Add(entry("a", 0.60, 10, t0))
	s.Add(entry("b", 0.60, 5, t0.Add(time.Second)))
	s.Add(entry("c", 0.40, 20, t0.Add(2*time.Second)))

	levels := s.Depth(10)
	require.Len(t, levels, 2)
	assert.True(t, levels[0].Price.Equal(d(0.60)))
	assert.True(t, levels[0].Quantity.Equal(d(15)))
	assert.Equal(t, 2, levels[0].Orders)
	assert.True(t, levels[1].Price.Equal(d(0.40)))
}

func TestSide_IterateOrder(t *testing.T) {
	s := book.NewSide()
	t0 := time.Now()
	s.Add(entry("a", 0.60, 10, t0))
	s.Add(entry("b", 0.40, 10, t0.Add(time.Second)))
	s.Add(entry("c", 0.60, 10, t0.Add(2*time.Second)))

	var seen []string
	s.Iterate(func(e *book.Entry) bool {
		seen = append(seen, e.OrderID)
		return true
	})
	assert.Equal(t, []string{"a", "c", "b"}, seen, "price then time priority")
}

func TestSide_IterateEarlyStop(t *testing.T) {
	s := book.NewSide()
	t0 := time.Now()
	s.Add(entry("a", 0.60, 10, t0))
	s.Add(entry("b", 0.40, 10, t0.Add(time.Second)))

	var seen []string
	s.Iterate(func(e *book.Entry) bool {
		seen = append(seen, e.OrderID)
		return false
	})
	assert.Equal(t, []string{"a"}, seen)
}

func TestBook_Sides(t *testing.T) {
	b := book.New()
	assert.Same(t, b.Yes, b.SideFor("yes"))
	assert.Same(t, b.No, b.SideFor("no"))
	assert.Same(t, b.No, b.Opposite("yes"))
	assert.Same(t, b.Yes, b.Opposite("no"))
}
