// Package engine implements order intake and matching for binary
// markets.
//
// Each market carries two books of resting BUY orders, one per side.
// An incoming YES buy at price p crosses a resting NO buy at price
// p_no when p + p_no >= 1: the two premiums fund a freshly minted
// YES/NO share pair, so every book match produces two fills whose
// prices sum to exactly 1. The taker executes at 1 - p_no (the maker's
// price sets the terms). Market orders sweep the book and fall back to
// the LMSR market maker when the market has one; without one, an
// unfillable remainder rests as a marketable limit at the last
// executed price.
//
// All mutation for one market happens under that market's lock, so
// matching is sequential per market and concurrent across markets.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sokoni/market-engine/internal/amm"
	"github.com/sokoni/market-engine/internal/book"
	"github.com/sokoni/market-engine/internal/credits"
	"github.com/sokoni/market-engine/internal/model"
	"github.com/sokoni/market-engine/internal/positions"
	"github.com/sokoni/market-engine/internal/store"
)

var (
	// ErrMarketNotOpen is returned when the market is closed, resolved,
	// or cancelled.
	ErrMarketNotOpen = errors.New("engine: market is not open for trading")

	// ErrInvalidPrice is returned for limit prices outside (0, 1).
	ErrInvalidPrice = errors.New("engine: price must be between 0 and 1 exclusive")

	// ErrInvalidQuantity is returned for non-positive quantities.
	ErrInvalidQuantity = errors.New("engine: quantity must be positive")

	// ErrInvalidSide is returned for sides other than yes/no.
	ErrInvalidSide = errors.New("engine: side must be yes or no")

	// ErrNoLiquidity is returned when a market order finds nothing to
	// execute against.
	ErrNoLiquidity = errors.New("engine: no liquidity available")

	// ErrNotOwner is returned when cancelling another user's order.
	ErrNotOwner = errors.New("engine: order belongs to another user")

	// ErrOrderNotOpen is returned when cancelling a filled or already
	// cancelled order.
	ErrOrderNotOpen = errors.New("engine: order is not open")
)

// marketBook pairs one market's book with the lock that serializes all
// matching and settlement for it.
type marketBook struct {
	mu   sync.Mutex
	book *book.Book
}

// Engine routes orders into per-market books, reserves credits, and
// produces fills.
type Engine struct {
	store  store.Store
	ledger *credits.Ledger
	logger *slog.Logger

	mu      sync.Mutex
	markets map[string]*marketBook

	now func() time.Time

	// OnFill and OnMarket, when set, are invoked after a successful
	// submit with the fills produced and the updated market. Called
	// outside the market lock.
	OnFill   func(model.Fill)
	OnMarket func(model.Market)
}

// New creates an engine.
func New(st store.Store, ledger *credits.Ledger, logger *slog.Logger) *Engine {
	return &Engine{
		store:   st,
		ledger:  ledger,
		logger:  logger,
		markets: make(map[string]*marketBook),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func (e *Engine) marketBook(marketID string) *marketBook {
	e.mu.Lock()
	defer e.mu.Unlock()
	mb, ok := e.markets[marketID]
	if !ok {
		mb = &marketBook{book: book.New()}
		e.markets[marketID] = mb
	}
	return mb
}

// Restore rebuilds the in-memory books from persisted open orders.
// Called once at startup before the engine accepts traffic.
func (e *Engine) Restore(ctx context.Context) error {
	markets, err := e.store.ListMarkets(ctx, store.MarketFilter{Status: model.MarketOpen})
	if err != nil {
		return fmt.Errorf("restore: list markets: %w", err)
	}
	for _, m := range markets {
		orders, err := e.store.ListOpenOrdersByMarket(ctx, m.ID)
		if err != nil {
			return fmt.Errorf("restore market %s: %w", m.ID, err)
		}
		mb := e.marketBook(m.ID)
		mb.mu.Lock()
		for i := range orders {
			o := &orders[i]
			mb.book.SideFor(o.Side).Add(&book.Entry{
				OrderID:   o.ID,
				UserID:    o.UserID,
				Price:     o.Price,
				Remaining: o.Remaining(),
				CreatedAt: o.CreatedAt,
			})
		}
		mb.mu.Unlock()
		e.logger.Info("restored order book",
			"market_id", m.ID, "open_orders", len(orders))
	}
	return nil
}

// SubmitRequest is a validated order intake.
type SubmitRequest struct {
	UserID    string
	MarketID  string
	Side      string
	OrderType string
	Price     decimal.Decimal // limit orders only
	Quantity  decimal.Decimal
}

// SubmitResult reports what a submit did.
type SubmitResult struct {
	Order  *model.Order  `json:"order"`
	Fills  []model.Fill  `json:"fills"` // the taker's fills only
	Market *model.Market `json:"market"`
}

// bookFill is one planned execution against a resting entry.
type bookFill struct {
	entry      *book.Entry
	qty        decimal.Decimal
	takerPrice decimal.Decimal // 1 - entry.Price
}

// plan is the outcome of walking the book (and quoting the AMM)
// without mutating anything. cost is the exact reservation to take.
type plan struct {
	fills     []bookFill
	ammQuote  *amm.Quote
	ammQty    decimal.Decimal
	rest      decimal.Decimal // quantity left to rest on the book
	restPrice decimal.Decimal // limit price of the resting remainder
	cost      decimal.Decimal
}

// Submit validates, funds, and executes one order. On any error before
// the reservation, no state has changed; after the reservation the
// whole execution applies.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	mb := e.marketBook(req.MarketID)
	mb.mu.Lock()
	defer mb.mu.Unlock()

	// Re-read inside the lock: status may have flipped while waiting.
	market, err := e.store.GetMarket(ctx, req.MarketID)
	if err != nil {
		return nil, err
	}
	if !market.Trading() {
		return nil, ErrMarketNotOpen
	}

	pl, err := e.buildPlan(mb.book, market, req)
	if err != nil {
		return nil, err
	}

	// Reserve exactly what the plan will consume plus the hold backing
	// any resting remainder. Fails atomically on insufficient credits.
	if err := e.ledger.Reserve(ctx, req.UserID, pl.cost); err != nil {
		return nil, err
	}

	res, err := e.apply(ctx, mb, market, req, pl)
	if err != nil {
		// The reservation is already taken; give it back so the failed
		// submit leaves the balance untouched.
		if relErr := e.ledger.Release(ctx, req.UserID, pl.cost); relErr != nil {
			e.logger.Error("release after failed submit",
				"user_id", req.UserID, "amount", pl.cost, "error", relErr)
		}
		return nil, err
	}

	e.logger.Info("order submitted",
		"order_id", res.Order.ID,
		"market_id", req.MarketID,
		"user_id", req.UserID,
		"side", req.Side,
		"type", req.OrderType,
		"status", res.Order.Status,
		"fills", len(res.Fills))

	if e.OnFill != nil {
		for _, f := range res.Fills {
			e.OnFill(f)
		}
	}
	if e.OnMarket != nil {
		e.OnMarket(*res.Market)
	}
	return res, nil
}

func validate(req SubmitRequest) error {
	if req.Side != model.SideYes && req.Side != model.SideNo {
		return ErrInvalidSide
	}
	if req.OrderType != model.OrderLimit && req.OrderType != model.OrderMarket {
		return fmt.Errorf("engine: unknown order type %q", req.OrderType)
	}
	if !req.Quantity.IsPositive() {
		return ErrInvalidQuantity
	}
	if req.OrderType == model.OrderLimit {
		if !req.Price.IsPositive() || req.Price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return ErrInvalidPrice
		}
	}
	return nil
}

// orderPrice is the price persisted on the order row. Limit orders
// keep their limit price. A market order records the price its
// remainder rests at, or the average execution price when it filled
// completely.
func orderPrice(req SubmitRequest, pl *plan, filled decimal.Decimal) decimal.Decimal {
	if req.OrderType == model.OrderLimit {
		return req.Price
	}
	if pl.rest.IsPositive() {
		return pl.restPrice
	}
	if filled.IsPositive() {
		return pl.cost.Div(filled).Round(amm.Scale)
	}
	return req.Price
}

// buildPlan walks the complementary book in priority order, skipping
// the submitter's own resting orders, then quotes the AMM for any
// remainder of a market order. Nothing is mutated.
func (e *Engine) buildPlan(bk *book.Book, market *model.Market, req SubmitRequest) (*plan, error) {
	one := decimal.NewFromInt(1)

	// The worst complementary price this taker accepts. A limit YES buy
	// at p crosses NO entries priced >= 1-p; a market order crosses
	// anything.
	minMakerPrice := decimal.Zero
	if req.OrderType == model.OrderLimit {
		minMakerPrice = one.Sub(req.Price)
	}

	pl := &plan{}
	remaining := req.Quantity

	bk.Opposite(req.Side).Iterate(func(en *book.Entry) bool {
		if !remaining.IsPositive() {
			return false
		}
		if en.Price.LessThan(minMakerPrice) {
			return false // book is price-ordered; nothing further crosses
		}
		if en.UserID == req.UserID {
			return true // no self-matching
		}
		qty := decimal.Min(remaining, en.Remaining)
		pl.fills = append(pl.fills, bookFill{
			entry:      en,
			qty:        qty,
			takerPrice: one.Sub(en.Price),
		})
		pl.cost = pl.cost.Add(one.Sub(en.Price).Mul(qty))
		remaining = remaining.Sub(qty)
		return true
	})

	switch req.OrderType {
	case model.OrderMarket:
		if remaining.IsPositive() && market.HasAMM() {
			maker, err := amm.NewMaker(market.LiquidityB)
			if err != nil {
				return nil, err
			}
			quote, err := maker.QuoteBuy(market.QYes, market.QNo, req.Side, remaining)
			if err != nil {
				return nil, err
			}
			pl.ammQuote = quote
			pl.ammQty = remaining
			pl.cost = pl.cost.Add(quote.Cost)
			remaining = decimal.Zero
		}
		if len(pl.fills) == 0 && pl.ammQuote == nil {
			return nil, ErrNoLiquidity
		}
		// Without an AMM to absorb it, the unfillable remainder rests
		// as a marketable limit at the last executed price.
		if remaining.IsPositive() {
			pl.rest = remaining
			pl.restPrice = pl.fills[len(pl.fills)-1].takerPrice
			pl.cost = pl.cost.Add(remaining.Mul(pl.restPrice))
		}
	case model.OrderLimit:
		pl.rest = remaining
		pl.restPrice = req.Price
		pl.cost = pl.cost.Add(remaining.Mul(req.Price))
	}

	return pl, nil
}

// apply mutates the book, orders, positions, fills, and market under
// the market lock, after the taker's credits are reserved.
func (e *Engine) apply(ctx context.Context, mb *marketBook, market *model.Market, req SubmitRequest, pl *plan) (*SubmitResult, error) {
	now := e.now().UTC()
	one := decimal.NewFromInt(1)

	filled := decimal.Zero
	for _, f := range pl.fills {
		filled = filled.Add(f.qty)
	}
	filled = filled.Add(pl.ammQty)

	order := &model.Order{
		ID:             uuid.NewString(),
		MarketID:       req.MarketID,
		UserID:         req.UserID,
		Side:           req.Side,
		OrderType:      req.OrderType,
		Price:          orderPrice(req, pl, filled),
		Quantity:       req.Quantity,
		FilledQuantity: filled,
		Reserved:       pl.rest.Mul(pl.restPrice),
		CreatedAt:      now,
	}
	switch {
	case pl.rest.IsPositive() && filled.IsPositive():
		order.Status = model.OrderPartial
	case pl.rest.IsPositive():
		order.Status = model.OrderPending
	default:
		order.Status = model.OrderFilled
		order.FilledAt = &now
	}
	if err := e.store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	var takerFills []model.Fill
	tradedValue := decimal.Zero

	// Book matches: reduce the resting entry, update the maker's order
	// and position, and record both sides of the pair mint.
	for _, f := range pl.fills {
		makerOrder, err := e.store.GetOrder(ctx, f.entry.OrderID)
		if err != nil {
			return nil, fmt.Errorf("maker order %s: %w", f.entry.OrderID, err)
		}
		makerOrder.FilledQuantity = makerOrder.FilledQuantity.Add(f.qty)
		makerOrder.Reserved = makerOrder.Reserved.Sub(f.entry.Price.Mul(f.qty))
		if makerOrder.Remaining().IsPositive() {
			makerOrder.Status = model.OrderPartial
		} else {
			makerOrder.Status = model.OrderFilled
			makerOrder.FilledAt = &now
			makerOrder.Reserved = decimal.Zero
		}
		if err := e.store.SaveOrder(ctx, makerOrder); err != nil {
			return nil, err
		}

		takerFill := model.Fill{
			ID:           uuid.NewString(),
			MarketID:     market.ID,
			OrderID:      order.ID,
			UserID:       req.UserID,
			Side:         req.Side,
			Price:        f.takerPrice,
			Quantity:     f.qty,
			Counterparty: model.CounterpartyOrder,
			ExecutedAt:   now,
		}
		makerFill := model.Fill{
			ID:           uuid.NewString(),
			MarketID:     market.ID,
			OrderID:      makerOrder.ID,
			UserID:       makerOrder.UserID,
			Side:         makerOrder.Side,
			Price:        f.entry.Price,
			Quantity:     f.qty,
			Counterparty: model.CounterpartyOrder,
			ExecutedAt:   now,
		}
		for _, fill := range []model.Fill{takerFill, makerFill} {
			if err := e.store.InsertFill(ctx, &fill); err != nil {
				return nil, err
			}
			if err := e.applyToPosition(ctx, &fill, now); err != nil {
				return nil, err
			}
		}
		takerFills = append(takerFills, takerFill)
		tradedValue = tradedValue.Add(takerFill.Cost())

		mb.book.Opposite(req.Side).Reduce(f.entry, f.qty)
	}

	// AMM remainder of a market order.
	if pl.ammQuote != nil {
		ammFill := model.Fill{
			ID:           uuid.NewString(),
			MarketID:     market.ID,
			OrderID:      order.ID,
			UserID:       req.UserID,
			Side:         req.Side,
			Price:        pl.ammQuote.AvgPrice,
			Quantity:     pl.ammQty,
			Counterparty: model.CounterpartyAMM,
			ExecutedAt:   now,
		}
		if err := e.store.InsertFill(ctx, &ammFill); err != nil {
			return nil, err
		}
		if err := e.applyToPosition(ctx, &ammFill, now); err != nil {
			return nil, err
		}
		takerFills = append(takerFills, ammFill)
		tradedValue = tradedValue.Add(pl.ammQuote.Cost)
		market.QYes = pl.ammQuote.NewQYes
		market.QNo = pl.ammQuote.NewQNo
	}

	// Rest the remainder.
	if pl.rest.IsPositive() {
		mb.book.SideFor(req.Side).Add(&book.Entry{
			OrderID:   order.ID,
			UserID:    req.UserID,
			Price:     pl.restPrice,
			Remaining: pl.rest,
			CreatedAt: now,
		})
	}

	e.reprice(mb.book, market, pl, takerFills, one)
	market.TotalVolume = market.TotalVolume.Add(tradedValue)
	if err := e.store.SaveMarket(ctx, market); err != nil {
		return nil, err
	}

	return &SubmitResult{Order: order, Fills: takerFills, Market: market}, nil
}

// reprice recomputes the market's quoted prices after an execution.
// AMM markets quote the LMSR spot; book-only markets quote the
// midpoint of the two best bids, falling back to the last trade.
func (e *Engine) reprice(bk *book.Book, market *model.Market, pl *plan, takerFills []model.Fill, one decimal.Decimal) {
	if market.HasAMM() {
		maker, err := amm.NewMaker(market.LiquidityB)
		if err == nil {
			market.YesPrice = maker.Price(market.QYes, market.QNo)
			market.NoPrice = one.Sub(market.YesPrice)
		}
		return
	}

	yesBid, okYes := bk.Yes.BestPrice()
	noBid, okNo := bk.No.BestPrice()
	switch {
	case okYes && okNo:
		two := decimal.NewFromInt(2)
		mid := yesBid.Add(one.Sub(noBid)).Div(two).Round(amm.Scale)
		market.YesPrice = amm.Clamp(mid)
	case len(takerFills) > 0:
		last := takerFills[len(takerFills)-1]
		yes := last.Price
		if last.Side == model.SideNo {
			yes = one.Sub(last.Price)
		}
		market.YesPrice = amm.Clamp(yes)
	default:
		return
	}
	market.NoPrice = one.Sub(market.YesPrice)
}

// applyToPosition folds one fill into the owner's position.
func (e *Engine) applyToPosition(ctx context.Context, f *model.Fill, now time.Time) error {
	pos, err := e.store.GetPosition(ctx, f.UserID, f.MarketID)
	if errors.Is(err, store.ErrNotFound) {
		pos = &model.Position{UserID: f.UserID, MarketID: f.MarketID}
	} else if err != nil {
		return err
	}
	positions.ApplyFill(pos, f)
	pos.UpdatedAt = now
	return e.store.SavePosition(ctx, pos)
}

// Cancel removes an open order from the book and refunds its
// outstanding hold.
func (e *Engine) Cancel(ctx context.Context, userID, orderID string) (*model.Order, error) {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrNotOwner
	}

	mb := e.marketBook(order.MarketID)
	mb.mu.Lock()
	defer mb.mu.Unlock()

	// Re-read inside the lock: a concurrent fill may have closed it.
	order, err = e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.Open() {
		return nil, ErrOrderNotOpen
	}

	mb.book.SideFor(order.Side).Remove(order.ID, order.Price)

	refund := order.Reserved
	order.Status = model.OrderCancelled
	order.Reserved = decimal.Zero
	if err := e.store.SaveOrder(ctx, order); err != nil {
		return nil, err
	}
	if err := e.ledger.Release(ctx, userID, refund); err != nil {
		return nil, err
	}

	e.logger.Info("order cancelled",
		"order_id", order.ID, "user_id", userID, "refund", refund)
	return order, nil
}

// WithMarketLock runs fn while holding the lock that serializes
// matching for the market. Settlement flips market status inside it so
// an in-flight submit cannot write back a stale open snapshot. fn must
// not call back into the engine for the same market.
func (e *Engine) WithMarketLock(marketID string, fn func() error) error {
	mb := e.marketBook(marketID)
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return fn()
}

// Drain cancels every open order in a market and releases the holds.
// Called during settlement after the market has left the open state,
// so no new submits can race the sweep.
func (e *Engine) Drain(ctx context.Context, marketID string) error {
	mb := e.marketBook(marketID)
	mb.mu.Lock()
	defer mb.mu.Unlock()

	orders, err := e.store.ListOpenOrdersByMarket(ctx, marketID)
	if err != nil {
		return err
	}
	for i := range orders {
		o := &orders[i]
		mb.book.SideFor(o.Side).Remove(o.ID, o.Price)
		refund := o.Reserved
		o.Status = model.OrderCancelled
		o.Reserved = decimal.Zero
		if err := e.store.SaveOrder(ctx, o); err != nil {
			return err
		}
		if err := e.ledger.Release(ctx, o.UserID, refund); err != nil {
			return err
		}
	}
	if len(orders) > 0 {
		e.logger.Info("drained order book",
			"market_id", marketID, "cancelled", len(orders))
	}
	return nil
}

// Depth returns aggregated book depth for both sides, best first.
func (e *Engine) Depth(marketID string, levels int) (yes, no []book.Level) {
	mb := e.marketBook(marketID)
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.book.Yes.Depth(levels), mb.book.No.Depth(levels)
}
