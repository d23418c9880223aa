// Package positions derives per-user per-market share holdings and
// average entry cost from fill events. It is the sole writer of
// Position records, driven by the matching engine's fills and by
// settlement.
package positions

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/sokoni/market-engine/internal/model"
)

// avgScale is the average-cost precision: 4 decimal places, rounded
// down, matching the price precision of the order book.
const avgScale = 4

// ApplyFill folds one fill into a position. Buying recomputes the
// weighted average cost:
//
//	avg = (oldQty*oldAvg + qty*price) / (oldQty + qty)
//
// Positions only grow through fills; exposure shrinks only at
// settlement.
func ApplyFill(p *model.Position, f *model.Fill) {
	switch f.Side {
	case model.SideYes:
		p.YesAvgCost = nextAvg(p.YesShares, p.YesAvgCost, f.Quantity, f.Price)
		p.YesShares = p.YesShares.Add(f.Quantity)
	case model.SideNo:
		p.NoAvgCost = nextAvg(p.NoShares, p.NoAvgCost, f.Quantity, f.Price)
		p.NoShares = p.NoShares.Add(f.Quantity)
	}
	p.UpdatedAt = f.ExecutedAt
}

func nextAvg(oldQty, oldAvg, qty, price decimal.Decimal) decimal.Decimal {
	if !oldQty.IsPositive() {
		return price
	}
	total := oldAvg.Mul(oldQty).Add(price.Mul(qty))
	return total.Div(oldQty.Add(qty)).RoundDown(avgScale)
}

// Reduce recomputes a position from scratch over an ordered fill
// sequence. The incremental ApplyFill path and this reducer agree; the
// reducer exists to make the rounding contract auditable and to rebuild
// positions from the fill history.
func Reduce(userID, marketID string, fills []model.Fill) *model.Position {
	ordered := make([]model.Fill, 0, len(fills))
	for _, f := range fills {
		if f.UserID == userID && f.MarketID == marketID {
			ordered = append(ordered, f)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ExecutedAt.Before(ordered[j].ExecutedAt)
	})

	p := &model.Position{UserID: userID, MarketID: marketID}
	for i := range ordered {
		ApplyFill(p, &ordered[i])
	}
	return p
}

// Valuation is the mark-to-market view of a position for the portfolio
// endpoint.
type Valuation struct {
	Position      *model.Position `json:"position"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Value marks a position to the market's current prices.
func Value(p *model.Position, yesPrice decimal.Decimal) Valuation {
	noPrice := decimal.NewFromInt(1).Sub(yesPrice)
	current := p.YesShares.Mul(yesPrice).Add(p.NoShares.Mul(noPrice))
	cost := p.CostBasis()
	return Valuation{
		Position:      p,
		CurrentValue:  current.Round(2),
		CostBasis:     cost.Round(2),
		UnrealizedPnL: current.Sub(cost).Round(2),
	}
}
