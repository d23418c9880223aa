// Package book implements the per-market resting order book.
//
// A binary market carries two books of resting BUY orders, one per
// side (YES and NO). Sell interest is expressed through the
// complementary side: a resting NO buy at price p is the counterparty
// for an incoming YES buy at 1-p. Each book orders entries by price
// descending (best bid first), then arrival time ascending.
package book

import (
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

// Entry is one resting order's book-side state. Remaining is mutated
// only through Reduce; everything else is immutable once rested.
type Entry struct {
	OrderID   string
	UserID    string
	Price     decimal.Decimal
	Remaining decimal.Decimal
	CreatedAt time.Time
}

// level groups same-price entries as a FIFO queue, giving time
// priority within the price level.
type level struct {
	price decimal.Decimal
	queue []*Entry
}

// lessDesc orders levels by price descending: highest bid first.
func lessDesc(a, b *level) bool {
	return a.price.GreaterThan(b.price)
}

// Side is one side's book of resting buy orders.
type Side struct {
	tree *btree.BTreeG[*level]
	n    int
}

// NewSide creates an empty book side.
func NewSide() *Side {
	return &Side{tree: btree.NewG(32, lessDesc)}
}

// Len returns the number of resting entries.
func (s *Side) Len() int { return s.n }

// Add rests an entry. Entries must be added in arrival order to keep
// time priority within a price level.
func (s *Side) Add(e *Entry) {
	key := &level{price: e.Price}
	if lvl, ok := s.tree.Get(key); ok {
		lvl.queue = append(lvl.queue, e)
	} else {
		key.queue = []*Entry{e}
		s.tree.ReplaceOrInsert(key)
	}
	s.n++
}

// Best returns the highest-price, earliest entry, or nil when empty.
func (s *Side) Best() *Entry {
	var best *Entry
	s.tree.Ascend(func(lvl *level) bool {
		if len(lvl.queue) > 0 {
			best = lvl.queue[0]
		}
		return false
	})
	return best
}

// Iterate walks resting entries in priority order (price descending,
// time ascending within a level) until fn returns false.
func (s *Side) Iterate(fn func(*Entry) bool) {
	s.tree.Ascend(func(lvl *level) bool {
		for _, e := range lvl.queue {
			if !fn(e) {
				return false
			}
		}
		return true
	})
}

// BestPrice returns the best bid price, or false when the side is
// empty.
func (s *Side) BestPrice() (decimal.Decimal, bool) {
	if e := s.Best(); e != nil {
		return e.Price, true
	}
	return decimal.Decimal{}, false
}

// Reduce shrinks a resting entry by qty, removing it when exhausted.
// The caller must pass an entry obtained from Best or Iterate.
func (s *Side) Reduce(e *Entry, qty decimal.Decimal) {
	e.Remaining = e.Remaining.Sub(qty)
	if e.Remaining.IsPositive() {
		return
	}
	s.remove(e)
}

// Remove takes an entry out of the book (cancellation).
// Returns false if the entry was not resting.
func (s *Side) Remove(orderID string, price decimal.Decimal) bool {
	lvl, ok := s.tree.Get(&level{price: price})
	if !ok {
		return false
	}
	for i, e := range lvl.queue {
		if e.OrderID == orderID {
			lvl.queue = append(lvl.queue[:i], lvl.queue[i+1:]...)
			s.n--
			if len(lvl.queue) == 0 {
				s.tree.Delete(lvl)
			}
			return true
		}
	}
	return false
}

func (s *Side) remove(e *Entry) {
	s.Remove(e.OrderID, e.Price)
}

// Level is a price level snapshot for depth queries.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Depth returns up to n aggregated price levels, best first.
func (s *Side) Depth(n int) []Level {
	levels := make([]Level, 0, n)
	s.tree.Ascend(func(lvl *level) bool {
		if len(lvl.queue) == 0 {
			return true
		}
		total := decimal.Zero
		for _, e := range lvl.queue {
			total = total.Add(e.Remaining)
		}
		levels = append(levels, Level{Price: lvl.price, Quantity: total, Orders: len(lvl.queue)})
		return len(levels) < n
	})
	return levels
}

// Book is the full two-sided book for one market.
type Book struct {
	Yes *Side
	No  *Side
}

// New creates an empty market book.
func New() *Book {
	return &Book{Yes: NewSide(), No: NewSide()}
}

// SideFor returns the book side for "yes" or "no".
func (b *Book) SideFor(side string) *Side {
	if side == "yes" {
		return b.Yes
	}
	return b.No
}

// Opposite returns the complementary side's book.
func (b *Book) Opposite(side string) *Side {
	if side == "yes" {
		return b.No
	}
	return b.Yes
}
