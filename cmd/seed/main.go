// Command seed populates the database with demo users, sample markets,
// and a few resting orders so a fresh install has something to trade.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/sokoni/market-engine/internal/auth"
	"github.com/sokoni/market-engine/internal/credits"
	"github.com/sokoni/market-engine/internal/engine"
	"github.com/sokoni/market-engine/internal/model"
	"github.com/sokoni/market-engine/internal/slug"
	"github.com/sokoni/market-engine/internal/store"
)

var sampleMarkets = []struct {
	title      string
	question   string
	category   string
	days       int
	liquidityB float64
}{
	{
		title:      "Will Kenya win the next AFCON",
		question:   "Will Kenya win the next Africa Cup of Nations?",
		category:   "sports",
		days:       60,
		liquidityB: 100,
	},
	{
		title:      "Will it rain in Nairobi next week",
		question:   "Will there be measurable rainfall in Nairobi in the next 7 days?",
		category:   "weather",
		days:       7,
		liquidityB: 100,
	},
	{
		title:      "Will the Kenyan Shilling strengthen against the dollar",
		question:   "Will the KES/USD rate be below 150 by end of quarter?",
		category:   "economics",
		days:       90,
		liquidityB: 0, // book-only market
	},
	{
		title:      "Will M-Pesa introduce cryptocurrency trading",
		question:   "Will M-Pesa launch cryptocurrency trading features this year?",
		category:   "technology",
		days:       365,
		liquidityB: 150,
	},
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	ctx := context.Background()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		logger.Error("database connection failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	st := store.NewPostgresStore(pool)
	ledger := credits.NewLedger(st)
	eng := engine.New(st, ledger, logger)
	authSvc := auth.New(st, ledger, []byte("seed-only-secret"), time.Hour, logger)

	// Skip when already seeded.
	if markets, err := st.ListMarkets(ctx, store.MarketFilter{}); err == nil && len(markets) > 0 {
		fmt.Printf("Database already has %d markets. No need to seed.\n", len(markets))
		return
	}

	// Demo traders.
	users := map[string]string{}
	for _, name := range []string{"admin", "trader1", "trader2"} {
		u, _, err := authSvc.Register(ctx, name, name+"@example.com", name+"-password")
		if err != nil {
			if errors.Is(err, auth.ErrUsernameTaken) {
				if existing, gerr := st.GetUserByUsername(ctx, name); gerr == nil {
					users[name] = existing.ID
					continue
				}
			}
			logger.Error("seed user failed", "username", name, "err", err)
			os.Exit(1)
		}
		users[name] = u.ID
		logger.Info("created user", "username", name)
	}

	// Sample markets, created by admin.
	var marketIDs []string
	for _, sm := range sampleMarkets {
		sl, err := slug.Make(sm.title)
		if err != nil {
			logger.Error("seed slug failed", "title", sm.title, "err", err)
			os.Exit(1)
		}
		m := &model.Market{
			ID:         uuid.NewString(),
			Slug:       sl,
			Title:      sm.title,
			Question:   sm.question,
			Category:   sm.category,
			Status:     model.MarketOpen,
			Resolution: model.ResolutionPending,
			YesPrice:   decimal.NewFromFloat(0.5),
			NoPrice:    decimal.NewFromFloat(0.5),
			LiquidityB: decimal.NewFromFloat(sm.liquidityB),
			CreatedBy:  users["admin"],
			EndDate:    time.Now().Add(time.Duration(sm.days) * 24 * time.Hour).UTC(),
			CreatedAt:  time.Now().UTC(),
		}
		if err := st.CreateMarket(ctx, m); err != nil {
			logger.Error("seed market failed", "slug", m.Slug, "err", err)
			os.Exit(1)
		}
		marketIDs = append(marketIDs, m.ID)
		logger.Info("created market", "slug", m.Slug)
	}

	// Resting orders on the book-only market so its book has two sides.
	bookOnly := marketIDs[2]
	orders := []engine.SubmitRequest{
		{UserID: users["trader1"], MarketID: bookOnly, Side: model.SideYes,
			OrderType: model.OrderLimit, Price: decimal.NewFromFloat(0.35), Quantity: decimal.NewFromInt(100)},
		{UserID: users["trader1"], MarketID: bookOnly, Side: model.SideYes,
			OrderType: model.OrderLimit, Price: decimal.NewFromFloat(0.30), Quantity: decimal.NewFromInt(200)},
		{UserID: users["trader2"], MarketID: bookOnly, Side: model.SideNo,
			OrderType: model.OrderLimit, Price: decimal.NewFromFloat(0.55), Quantity: decimal.NewFromInt(100)},
		{UserID: users["trader2"], MarketID: bookOnly, Side: model.SideNo,
			OrderType: model.OrderLimit, Price: decimal.NewFromFloat(0.60), Quantity: decimal.NewFromInt(150)},
	}
	for _, req := range orders {
		if _, err := eng.Submit(ctx, req); err != nil {
			logger.Error("seed order failed", "market_id", req.MarketID, "err", err)
			os.Exit(1)
		}
	}

	fmt.Printf("Seeded %d users, %d markets, %d orders.\n",
		len(users), len(marketIDs), len(orders))
}
