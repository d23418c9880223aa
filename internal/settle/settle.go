// Package settle resolves markets and pays out positions.
//
// Settlement is idempotent and retryable: status transitions happen
// under the same per-market lock that gates matching, each position
// carries a settled flag that is stamped only after its credit lands,
// and replaying a resolution re-drives the payout sweep over whatever
// the previous attempt left unstamped.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sokoni/market-engine/internal/credits"
	"github.com/sokoni/market-engine/internal/engine"
	"github.com/sokoni/market-engine/internal/model"
	"github.com/sokoni/market-engine/internal/store"
)

var (
	// ErrAlreadyResolved is returned when the market is in a terminal
	// state that conflicts with the requested transition.
	ErrAlreadyResolved = errors.New("settle: market already resolved")

	// ErrInvalidResolution is returned for outcomes other than yes/no.
	ErrInvalidResolution = errors.New("settle: resolution must be yes or no")

	// ErrStillOpen is returned when resolving a market that has not
	// been closed first.
	ErrStillOpen = errors.New("settle: market must be closed before resolving")
)

// Settler drives market close, resolution, and cancellation.
type Settler struct {
	store  store.Store
	ledger *credits.Ledger
	engine *engine.Engine
	logger *slog.Logger
	now    func() time.Time
}

// New creates a settler.
func New(st store.Store, ledger *credits.Ledger, eng *engine.Engine, logger *slog.Logger) *Settler {
	return &Settler{
		store:  st,
		ledger: ledger,
		engine: eng,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (s *Settler) SetClock(now func() time.Time) { s.now = now }

// Close stops trading on an open market. The status flip happens under
// the market's matching lock, so a submit in flight either completes
// before the flip or rejects against the closed market. Open orders
// stay on the book records; they are swept at resolution.
func (s *Settler) Close(ctx context.Context, marketID string) (*model.Market, error) {
	var m *model.Market
	err := s.engine.WithMarketLock(marketID, func() error {
		var err error
		m, err = s.store.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if m.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, m.ID, m.Status)
		}
		if m.Status == model.MarketClosed {
			return nil // closing twice is a no-op
		}
		m.Status = model.MarketClosed
		return s.store.SaveMarket(ctx, m)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("market closed", "market_id", m.ID, "slug", m.Slug)
	return m, nil
}

// Resolve settles a closed market to the given outcome: cancels every
// open order (refunding holds), pays 1 credit per winning share, and
// marks every position settled. Replaying the same resolution re-runs
// the payout sweep, picking up positions a failed attempt left unpaid;
// conflicting resolutions are rejected.
func (s *Settler) Resolve(ctx context.Context, marketID, outcome string) (*model.Market, error) {
	if outcome != model.ResolutionYes && outcome != model.ResolutionNo {
		return nil, ErrInvalidResolution
	}

	var m *model.Market
	err := s.engine.WithMarketLock(marketID, func() error {
		var err error
		m, err = s.store.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		switch m.Status {
		case model.MarketOpen:
			return ErrStillOpen
		case model.MarketCancelled:
			return fmt.Errorf("%w: %s is cancelled", ErrAlreadyResolved, m.ID)
		case model.MarketResolved:
			if m.Resolution != outcome {
				return fmt.Errorf("%w: %s resolved %s", ErrAlreadyResolved, m.ID, m.Resolution)
			}
			return nil // re-drive the sweep below
		}

		now := s.now().UTC()
		m.Status = model.MarketResolved
		m.Resolution = outcome
		m.ResolvedAt = &now
		if outcome == model.ResolutionYes {
			m.YesPrice = decimal.NewFromInt(1)
			m.NoPrice = decimal.Zero
		} else {
			m.YesPrice = decimal.Zero
			m.NoPrice = decimal.NewFromInt(1)
		}
		return s.store.SaveMarket(ctx, m)
	})
	if err != nil {
		return nil, err
	}

	// The market is resolved from here on: submits reject, so the sweep
	// and payout cannot race new fills, and any error below is
	// recoverable by calling Resolve again with the same outcome.
	if err := s.engine.Drain(ctx, marketID); err != nil {
		return nil, fmt.Errorf("drain open orders: %w", err)
	}

	if err := s.payout(ctx, m, outcome, *m.ResolvedAt); err != nil {
		return nil, err
	}

	if err := s.store.InsertSettlement(ctx, &model.Settlement{
		MarketID:   m.ID,
		Resolution: outcome,
		SettledAt:  *m.ResolvedAt,
	}); err != nil && !errors.Is(err, store.ErrConflict) {
		return nil, err
	}

	s.logger.Info("market resolved",
		"market_id", m.ID, "slug", m.Slug, "resolution", outcome)
	return m, nil
}

// payout pays 1 credit per winning share and stamps every position.
// The credit lands before the stamp: a position is only marked settled
// once its payout is on the ledger, so a failed credit stays unstamped
// and a re-driven resolution retries it. Stamped positions are skipped.
func (s *Settler) payout(ctx context.Context, m *model.Market, outcome string, now time.Time) error {
	posns, err := s.store.ListPositionsByMarket(ctx, m.ID)
	if err != nil {
		return err
	}
	for i := range posns {
		p := &posns[i]
		if p.Settled {
			continue
		}

		var winning decimal.Decimal
		if outcome == model.ResolutionYes {
			winning = p.YesShares
		} else {
			winning = p.NoShares
		}

		if winning.IsPositive() {
			if err := s.ledger.Credit(ctx, p.UserID, winning); err != nil {
				return fmt.Errorf("pay position %s/%s: %w", p.UserID, m.ID, err)
			}
		}

		p.Settled = true
		p.SettledAt = &now
		p.Payout = winning
		p.CostAtSettle = p.CostBasis()
		p.UpdatedAt = now
		if err := s.store.SavePosition(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Cancel voids a market: open orders are refunded and every position's
// cost basis is returned, as if the trades never happened. Cancelling
// an already-cancelled market re-drives the refund sweep.
func (s *Settler) Cancel(ctx context.Context, marketID string) (*model.Market, error) {
	var m *model.Market
	err := s.engine.WithMarketLock(marketID, func() error {
		var err error
		m, err = s.store.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		switch m.Status {
		case model.MarketResolved:
			return fmt.Errorf("%w: %s is resolved", ErrAlreadyResolved, m.ID)
		case model.MarketCancelled:
			return nil // re-drive the refund sweep below
		}
		now := s.now().UTC()
		m.Status = model.MarketCancelled
		m.ResolvedAt = &now
		return s.store.SaveMarket(ctx, m)
	})
	if err != nil {
		return nil, err
	}

	if err := s.engine.Drain(ctx, marketID); err != nil {
		return nil, fmt.Errorf("drain open orders: %w", err)
	}

	now := *m.ResolvedAt
	posns, err := s.store.ListPositionsByMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	for i := range posns {
		p := &posns[i]
		if p.Settled {
			continue
		}
		refund := p.CostBasis()

		if refund.IsPositive() {
			if err := s.ledger.Credit(ctx, p.UserID, refund); err != nil {
				return nil, fmt.Errorf("refund position %s/%s: %w", p.UserID, marketID, err)
			}
		}

		p.Settled = true
		p.SettledAt = &now
		p.Payout = refund
		p.CostAtSettle = refund
		p.UpdatedAt = now
		if err := s.store.SavePosition(ctx, p); err != nil {
			return nil, err
		}
	}

	s.logger.Info("market cancelled", "market_id", m.ID, "slug", m.Slug)
	return m, nil
}
