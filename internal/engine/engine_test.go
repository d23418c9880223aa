package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokoni/market-engine/internal/credits"
	"github.com/sokoni/market-engine/internal/model"
	"github.com/sokoni/market-engine/internal/store"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

type fixture struct {
	st     *store.MemoryStore
	ledger *credits.Ledger
	eng    *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	ledger := credits.NewLedger(st)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{st: st, ledger: ledger, eng: New(st, ledger, logger)}
}

func (f *fixture) user(t *testing.T, name string) string {
	t.Helper()
	ctx := context.Background()
	u := &model.User{
		ID:        uuid.NewString(),
		Username:  name,
		Email:     name + "@example.com",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.st.CreateUser(ctx, u))
	_, err := f.ledger.Open(ctx, u.ID)
	require.NoError(t, err)
	return u.ID
}

func (f *fixture) market(t *testing.T, liquidityB float64) string {
	t.Helper()
	ctx := context.Background()
	m := &model.Market{
		ID:         uuid.NewString(),
		Slug:       "test-market-" + uuid.NewString()[:8],
		Title:      "Test market",
		Question:   "Will it happen?",
		Status:     model.MarketOpen,
		Resolution: model.ResolutionPending,
		YesPrice:   d(0.5),
		NoPrice:    d(0.5),
		LiquidityB: d(liquidityB),
		EndDate:    time.Now().Add(24 * time.Hour).UTC(),
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, f.st.CreateMarket(ctx, m))
	return m.ID
}

func (f *fixture) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	st, err := f.ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	return st.Current
}

// --- Validation ---

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t)
	user := f.user(t, "alice")
	market := f.market(t, 0)
	ctx := context.Background()

	tests := []struct {
		name string
		req  SubmitRequest
		want error
	}{
		{"bad side", SubmitRequest{UserID: user, MarketID: market, Side: "maybe", OrderType: model.OrderLimit, Price: d(0.5), Quantity: d(10)}, ErrInvalidSide},
		{"zero quantity", SubmitRequest{UserID: user, MarketID: market, Side: model.SideYes, OrderType: model.OrderLimit, Price: d(0.5), Quantity: d(0)}, ErrInvalidQuantity},
		{"negative quantity", SubmitRequest{UserID: user, MarketID: market, Side: model.SideYes, OrderType: model.OrderLimit, Price: d(0.5), Quantity: d(-5)}, ErrInvalidQuantity},
		{"zero price", SubmitRequest{UserID: user, MarketID: market, Side: model.SideYes, OrderType: model.OrderLimit, Price: d(0), Quantity: d(10)}, ErrInvalidPrice},
		{"price one", SubmitRequest{UserID: user, MarketID: market, Side: model.SideYes, OrderType: model.OrderLimit, Price: d(1), Quantity: d(10)}, ErrInvalidPrice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.eng.Submit(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSubmit_MarketNotOpen(t *testing.T) {
	f := newFixture(t)
	user := f.user(t, "alice")
	marketID := f.market(t, 0)
	ctx := context.Background()

	m, err := f.st.GetMarket(ctx, marketID)
	require.NoError(t, err)
	m.Status = model.MarketClosed
	require.NoError(t, f.st.SaveMarket(ctx, m))

	_, err = f.eng.Submit(ctx, SubmitRequest{
		UserID: user, MarketID: marketID,
		Side: model.SideYes, OrderType: model.OrderLimit,
		Price: d(0.5), Quantity: d(10),
	})
	assert.ErrorIs(t, err, ErrMarketNotOpen)

	// The failed submit must not have touched the balance.
	assert.True(t, f.balance(t, user).Equal(d(10000)))
}

// --- Resting and reservations ---

func TestSubmit_LimitRests(t *testing.T) {
	f := newFixture(t)
	user := f.user(t, "alice")
	market := f.market(t, 0)
	ctx := context.Background()

	res, err := f.eng.Submit(ctx, SubmitRequest{
		UserID: user, MarketID: market,
		Side: model.SideYes, OrderType: model.OrderLimit,
		Price: d(0.40), Quantity: d(50),
	})
	require.NoError(t, err)

	assert.Equal(t, model.OrderPending, res.Order.Status)
	assert.Empty(t, res.Fills)
	assert.True(t, res.Order.Reserved.Equal(d(20)), "hold = 50 * 0.40, got %s", res.Order.Reserved)
	assert.True(t, f.balance(t, user).Equal(d(9980)))

	yes, no := f.eng.Depth(market, 10)
	require.Len(t, yes, 1)
	assert.Empty(t, no)
	assert.True(t, yes[0].Quantity.Equal(d(50)))
}

func TestSubmit_InsufficientCredits(t *testing.T) {
	f := newFixture(t)
	user := f.user(t, "alice")
	market := f.market(t, 0)
	ctx := context.Background()

	// 10000 balance; 30000 * 0.50 = 15000 hold.
	_, err := f.eng.Submit(ctx, SubmitRequest{
		UserID: user, MarketID: market,
		Side: model.SideYes, OrderType: model.OrderLimit,
		Price: d(0.50), Quantity: d(30000),
	})
	assert.ErrorIs(t, err, credits.ErrInsufficientCredits)
	assert.True(t, f.balance(t, user).Equal(d(10000)))

	yes, _ := f.eng.Depth(market, 10)
	assert.Empty(t, yes, "rejected order must not rest")
}

// --- Complementary matching ---

func TestSubmit_CrossMatch(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	market := f.market(t, 0)
	ctx := context.Background()

	// Bob rests a NO buy at 0.60 for 50 shares (hold 30).
	_, err := f.eng.Submit(ctx, SubmitRequest{
		UserID: bob, MarketID: market,
		Side: model.SideNo, OrderType: model.OrderLimit,
		Price: d(0.60), Quantity: d(50),
	})
	require.NoError(t, err)

	// Alice's YES buy at 0.45 crosses (0.45 + 0.60 >= 1) and executes
	// at the complement of Bob's price: 0.40.
	res, err := f.eng.Submit(ctx, SubmitRequest{
		UserID: alice, MarketID: market,
		Side: model.SideYes, OrderType: model.OrderLimit,
		Price: d(0.45), Quantity: d(50),
	})
	require.NoError(t, err)

	assert.Equal(t, model.OrderFilled, res.Order.Status)
	require.Len(t, res.Fills, 1)
	assert.True(t, res.Fills[0].Price.Equal(d(0.40)), "taker price %s", res.Fills[0].Price)
	assert.True(t, res.Fills[0].Quantity.Equal(d(50)))

	// Alice paid 20, not her limit's 22.50.
	assert.True(t, f.balance(t, alice).Equal(d(9980)))
	// Bob paid his full 30.
	assert.True(t, f.balance(t, bob).Equal(d(9970)))

	// Both sides hold shares; the pair prices sum to 1.
	alicePos, err := f.st.GetPosition(ctx, alice, market)
	require.NoError(t, err)
	assert.True(t, alicePos.YesShares.Equal(d(50)))
	assert.True(t, alicePos.YesAvgCost.Equal(d(0.40)))

	bobPos, err := f.st.GetPosition(ctx, bob, market)
	require.NoError(t, err)
	assert.True(t, bobPos.NoShares.Equal(d(50)))
	assert.True(t, bobPos.NoAvgCost.Equal(d(0.60)))

	// Bob's order is fully filled with no outstanding hold.
	fills, err := f.st.ListFillsByMarket(ctx, market, 0)
	require.NoError(t, err)
	assert.Len(t, fills, 2, "a book match records both sides")

	// Book is empty again.
	yes, no := f.eng.Depth(market, 10)
	assert.Empty(t, yes)
	assert.Empty(t, no)
}

func TestSubmit_NoCrossBelowThreshold(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	market := f.market(t, 0)
	ctx := context.Background()

	// Bob rests NO at 0.50; Alice's YES at 0.45 does not cross
	// (0.45 + 0.50 < 1), so both rest.
	_, err := f.eng.Submit(ctx, SubmitRequest{
		UserID: bob, MarketID: market,
		Side: model.SideNo, OrderType: model.OrderLimit,
		Price: d(0.50), Quantity: d(50),
	})
	require.NoError(t, err)

	res, err := f.eng.Submit(ctx, SubmitRequest{
		UserID: alice, MarketID: market,
		Side: model.SideYes, OrderType: model.OrderLimit,
		Price: d(0.45), Quantity: d(50),
	})
	require.NoError(t, err)
	assert.Equal(t, model.OrderPending, res.Order.Status)

	yes, no := f.eng.Depth(market, 10)
	assert.Len(t, yes, 1)
	assert.Len(t, no, 1)
}

func TestSubmit_PartialFill(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	market := f.market(t, 0)
	ctx := context.Background()

	_, err := f.eng.Submit(ctx, SubmitRequest{
		UserID: bob, MarketID: market,
		Side: model.SideNo, OrderType: model.OrderLimit,
		Price: d(0.60), Quantity: d(30),
	})
	require.NoError(t, err)

	res, err := f.eng.Submit(ctx, SubmitRequest{
		UserID: alice, MarketID: market,
		Side: model.SideYes, OrderType: model.OrderLimit,
		Price: d(0.45), Quantity: d(50),
	})
	require.NoError(t, err)

	assert.Equal(t, model.OrderPartial, res.Order.Status)
	assert.True(t, res.Order.FilledQuantity.Equal(d(30)))
	assert.True(t, res.Order.Remaining().Equal(d(20)))
	// Hold backs only the unfilled remainder at the limit price.
	assert.True(t, res.Order.Reserved.Equal(d(9)), "20 * 0.45, got %s", res.Order.Reserved)

	// 30 filled at 0.40 (12) + 20 resting at 0.45 (9) = 21 debited.
	assert.True(t, f.balance(t, alice).Equal(d(9979)))
}

func TestSubmit_PriceTimePriority(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	carol := f.user(t, "carol")
	market := f.market(t, 0)
	ctx := context.Background()

	// Bob NO at 0.70 (better for the YES taker: exec 0.30),
	// Carol NO at 0.60 (exec 0.40).
	_, err := f.eng.Submit(ctx, SubmitRequest{
		UserID: bob, MarketID: market,
		Side: model.SideNo, OrderType: model.OrderLimit,
		Price: d(0.70), Quantity: d(10),
	})
	require.NoError(t, err)
	_, err = f.eng.Submit(ctx, SubmitRequest{
		UserID: carol, MarketID: market,
		Side: model.SideNo, OrderType: model.OrderLimit,
		Price: d(0.60), Quantity: d(10),
	})
	require.NoError(t, err)

	res, err := f.eng.Submit(ctx, SubmitRequest{
		UserID: alice, MarketID: market,
		Side: model.SideYes, OrderType: model.OrderLimit,
		Price: d(0.45), Quantity: d(20),
	})
	require.NoError(t, err)

	require.Len(t, res.Fills, 2)
	assert.True(t, res.Fills[0].Price.Equal(d(0.30)), "best maker price first")
	assert.True(t, res.Fills[1].Price.Equal(d(0.40)))
}

func TestSubmit_SkipsOwnOrders(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	market := f.market(t, 0)
	ctx := context.Background()

	_, err := f.eng.Submit(ctx, SubmitRequest{
		UserID: alice, MarketID: market,
		Side: model.SideNo, OrderType: model.OrderLimit,
		Price: d(0.60), Quantity: d(50),
	})
	require.NoError(t, err)

	// Alice's own YES buy would cross her NO order, but self-matching
	// is excluded, so it rests instead.
	res, err := f.eng.Submit(ctx, SubmitRequest{
		UserID: alice, MarketID: market,
		Side: model.SideYes, OrderType: model.OrderLimit,
		Price: d(0.45), Quantity: d(50),
	})
	require.NoError(t, err)
	assert.Equal(t, model.OrderPending, res.Order.Status)
	assert.Empty(t, res.Fills)
}

// --- Market orders and the AMM ---

func TestSubmit_MarketOrderSweepsBook(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	market := f.market(t, 0)
	ctx := context.Background()

	_, err := f.eng.Submit(ctx, SubmitRequest{
		UserID: bob, MarketID: market,
		Side: model.SideNo, OrderType: model.OrderLimit,
		Price: d(0.60), Quantity: d(50),
	})
	require.NoError(t, err)

	res, err := f.eng.Submit(ctx, SubmitRequest{
		UserID: alice, MarketID: market,
		Side: model.SideYes, OrderType: model.OrderMarket,
		Quantity: d(50),
	})
	require.NoError(t, err)
	assert.Equal(t, model.OrderFilled, res.Order.Status)
	require.Len(t, res.Fills, 1)
	assert.True(t, res.Fills[0].Price.Equal(d(0.40)))
	assert.True(t, res.Order.Price.Equal(d(0.40)))
}

func TestSubmit_MarketOrderRestsRemainder(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	market := f.market(t, 0) // no AMM
	ctx := context.Background()

	_, err := f.eng.Submit(ctx, SubmitRequest{
		UserID: bob, MarketID: market,
		Side: model.SideNo, OrderType: model.OrderLimit,
		Price: d(0.60), Quantity: d(30),
	})
	require.NoError(t, err)

	// Only 30 of 50 are available; the rest goes on the book as a
	// marketable limit at the last executed price.
	res, err := f.eng.Submit(ctx, SubmitRequest{
		UserID: alice, MarketID: market,
		Side: model.SideYes, OrderType: model.OrderMarket,
		Quantity: d(50),
	})
	require.NoError(t, err)
	assert.Equal(t, model.OrderPartial, res.Order.Status)
	assert.True(t, res.Order.Quantity.Equal(d(50)))
	assert.True(t, res.Order.FilledQuantity.Equal(d(30)))
	assert.True(t, res.Order.Price.Equal(d(0.40)))
	assert.True(t, res.Order.Reserved.Equal(d(8))) // 20 resting at 0.40

	yes, no := f.eng.Depth(market, 10)
	require.Len(t, yes, 1)
	assert.True(t, yes[0].Price.Equal(d(0.40)))
	assert.True(t, yes[0].Quantity.Equal(d(20)))
	assert.Empty(t, no)

	// Debited: 30 filled at 0.40 plus the 8.00 resting hold.
	assert.True(t, f.balance(t, alice).Equal(d(9980)))

	// Cancelling the remainder refunds exactly the hold.
	cancelled, err := f.eng.Cancel(ctx, alice, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, cancelled.Status)
	assert.True(t, f.balance(t, alice).Equal(d(9988)))
}

func TestSubmit_MarketOrderAMMFallback(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	market := f.market(t, 100)
	ctx := context.Background()

	res, err := f.eng.Submit(ctx, SubmitRequest{
		UserID: alice, MarketID: market,
		Side: model.SideYes, OrderType: model.OrderMarket,
		Quantity: d(20),
	})
	require.NoError(t, err)

	assert.Equal(t, model.OrderFilled, res.Order.Status)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, model.CounterpartyAMM, res.Fills[0].Counterparty)

	// The order row records the average execution price.
	diff := res.Order.Price.Sub(res.Fills[0].Price).Abs()
	assert.True(t, diff.LessThanOrEqual(d(0.0001)))

	// The AMM moved the quoted price up and recorded the inventory.
	m, err := f.st.GetMarket(ctx, market)
	require.NoError(t, err)
	assert.True(t, m.QYes.Equal(d(20)))
	assert.True(t, m.YesPrice.GreaterThan(d(0.5)))
	assert.True(t, m.YesPrice.Add(m.NoPrice).Equal(d(1)))

	// Balance decreased by exactly the quoted cost.
	cost := res.Fills[0].Cost()
	assert.True(t, f.balance(t, alice).LessThan(d(10000)))
	assert.True(t, cost.IsPositive())
}

func TestSubmit_MarketOrderNoLiquidity(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	market := f.market(t, 0) // no AMM, empty book
	ctx := context.Background()

	_, err := f.eng.Submit(ctx, SubmitRequest{
		UserID: alice, MarketID: market,
		Side: model.SideYes, OrderType: model.OrderMarket,
		Quantity: d(10),
	})
	assert.ErrorIs(t, err, ErrNoLiquidity)
	assert.True(t, f.balance(t, alice).Equal(d(10000)))
}

// --- Cancellation ---

func TestCancel(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	market := f.market(t, 0)
	ctx := context.Background()

	res, err := f.eng.Submit(ctx, SubmitRequest{
		UserID: alice, MarketID: market,
		Side: model.SideYes, OrderType: model.OrderLimit,
		Price: d(0.40), Quantity: d(50),
	})
	require.NoError(t, err)
	require.True(t, f.balance(t, alice).Equal(d(9980)))

	cancelled, err := f.eng.Cancel(ctx, alice, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, cancelled.Status)
	assert.True(t, cancelled.Reserved.IsZero())

	// Full hold refunded; book empty.
	assert.True(t, f.balance(t, alice).Equal(d(10000)))
	yes, _ := f.eng.Depth(market, 10)
	assert.Empty(t, yes)
}

func TestCancel_NotOwner(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	market := f.market(t, 0)
	ctx := context.Background()

	res, err := f.eng.Submit(ctx, SubmitRequest{
		UserID: alice, MarketID: market,
		Side: model.SideYes, OrderType: model.OrderLimit,
		Price: d(0.40), Quantity: d(50),
	})
	require.NoError(t, err)

	_, err = f.eng.Cancel(ctx, bob, res.Order.ID)
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestCancel_AlreadyFilled(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	market := f.market(t, 0)
	ctx := context.Background()

	res, err := f.eng.Submit(ctx, SubmitRequest{
		UserID: bob, MarketID: market,
		Side: model.SideNo, OrderType: model.OrderLimit,
		Price: d(0.60), Quantity: d(50),
	})
	require.NoError(t, err)

	_, err = f.eng.Submit(ctx, SubmitRequest{
		UserID: alice, MarketID: market,
		Side: model.SideYes, OrderType: model.OrderLimit,
		Price: d(0.45), Quantity: d(50),
	})
	require.NoError(t, err)

	_, err = f.eng.Cancel(ctx, bob, res.Order.ID)
	assert.ErrorIs(t, err, ErrOrderNotOpen)
}

// --- Drain and restore ---

func TestDrain_RefundsAllHolds(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	marketID := f.market(t, 0)
	ctx := context.Background()

	_, err := f.eng.Submit(ctx, SubmitRequest{
		UserID: alice, MarketID: marketID,
		Side: model.SideYes, OrderType: model.OrderLimit,
		Price: d(0.40), Quantity: d(50),
	})
	require.NoError(t, err)
	_, err = f.eng.Submit(ctx, SubmitRequest{
		UserID: bob, MarketID: marketID,
		Side: model.SideNo, OrderType: model.OrderLimit,
		Price: d(0.30), Quantity: d(100),
	})
	require.NoError(t, err)

	m, err := f.st.GetMarket(ctx, marketID)
	require.NoError(t, err)
	m.Status = model.MarketClosed
	require.NoError(t, f.st.SaveMarket(ctx, m))

	require.NoError(t, f.eng.Drain(ctx, marketID))

	assert.True(t, f.balance(t, alice).Equal(d(10000)))
	assert.True(t, f.balance(t, bob).Equal(d(10000)))

	open, err := f.st.ListOpenOrdersByMarket(ctx, marketID)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestRestore_RebuildsBook(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	market := f.market(t, 0)
	ctx := context.Background()

	_, err := f.eng.Submit(ctx, SubmitRequest{
		UserID: alice, MarketID: market,
		Side: model.SideYes, OrderType: model.OrderLimit,
		Price: d(0.40), Quantity: d(50),
	})
	require.NoError(t, err)

	// A fresh engine over the same store sees the resting order after
	// Restore.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fresh := New(f.st, f.ledger, logger)
	require.NoError(t, fresh.Restore(ctx))

	yes, _ := fresh.Depth(market, 10)
	require.Len(t, yes, 1)
	assert.True(t, yes[0].Quantity.Equal(d(50)))
}

// --- Volume and pricing ---

func TestSubmit_UpdatesVolumeAndPrice(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	market := f.market(t, 0)
	ctx := context.Background()

	_, err := f.eng.Submit(ctx, SubmitRequest{
		UserID: bob, MarketID: market,
		Side: model.SideNo, OrderType: model.OrderLimit,
		Price: d(0.60), Quantity: d(50),
	})
	require.NoError(t, err)
	_, err = f.eng.Submit(ctx, SubmitRequest{
		UserID: alice, MarketID: market,
		Side: model.SideYes, OrderType: model.OrderLimit,
		Price: d(0.45), Quantity: d(50),
	})
	require.NoError(t, err)

	m, err := f.st.GetMarket(ctx, market)
	require.NoError(t, err)
	// 50 shares at taker price 0.40.
	assert.True(t, m.TotalVolume.Equal(d(20)), "volume %s", m.TotalVolume)
	// Last trade sets the quote when the book is one-sided or empty.
	assert.True(t, m.YesPrice.Equal(d(0.40)), "yes price %s", m.YesPrice)
	assert.True(t, m.NoPrice.Equal(d(0.60)))
}
