// Package stats aggregates settled positions into leaderboards and
// per-user performance numbers.
//
// Points are realized profit: payout minus entry cost, summed over the
// positions settled inside the requested window. Everything is
// computed from the store on demand; nothing here is cached or
// incremental.
package stats

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sokoni/market-engine/internal/model"
	"github.com/sokoni/market-engine/internal/store"
)

// Leaderboard windows.
const (
	WindowAllTime = "all-time"
	WindowWeekly  = "weekly"
	WindowMonthly = "monthly"
)

// ErrUnknownWindow is returned for windows other than the three above.
var ErrUnknownWindow = errors.New("stats: unknown leaderboard window")

// LeaderboardSize caps the number of returned rows.
const LeaderboardSize = 100

// AroundSize is the number of rows in an around-me view: the user,
// five above, five below.
const AroundSize = 11

// Row is one leaderboard entry.
type Row struct {
	Rank     int             `json:"rank"`
	UserID   string          `json:"user_id"`
	Username string          `json:"username"`
	Points   decimal.Decimal `json:"points"`
	Settled  int             `json:"settled_markets"`
}

// UserStats is the per-user performance summary.
type UserStats struct {
	UserID          string          `json:"user_id"`
	Username        string          `json:"username"`
	TotalTrades     int             `json:"total_trades"`
	ActivePositions int             `json:"active_positions"`
	SettledMarkets  int             `json:"settled_markets"`
	Wins            int             `json:"wins"`
	WinStreak       int             `json:"win_streak"`
	BestWinStreak   int             `json:"best_win_streak"`
	Accuracy        decimal.Decimal `json:"accuracy"`
	RealizedProfit  decimal.Decimal `json:"realized_profit"`
	ROI             decimal.Decimal `json:"roi"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
}

// Aggregator computes leaderboards and user stats from the store.
type Aggregator struct {
	store store.Store
	now   func() time.Time
}

// New creates an aggregator.
func New(st store.Store) *Aggregator {
	return &Aggregator{store: st, now: time.Now}
}

// SetClock overrides the time source. Tests only.
func (a *Aggregator) SetClock(now func() time.Time) { a.now = now }

func windowStart(window string, now time.Time) (time.Time, error) {
	switch window {
	case WindowAllTime:
		return time.Time{}, nil
	case WindowWeekly:
		return now.Add(-7 * 24 * time.Hour), nil
	case WindowMonthly:
		return now.Add(-30 * 24 * time.Hour), nil
	default:
		return time.Time{}, ErrUnknownWindow
	}
}

// points accumulates realized profit per user over settled positions
// whose settlement falls after start.
func (a *Aggregator) points(ctx context.Context, start time.Time) (map[string]*Row, error) {
	posns, err := a.store.ListSettledPositions(ctx)
	if err != nil {
		return nil, err
	}

	byUser := make(map[string]*Row)
	for i := range posns {
		p := &posns[i]
		if p.SettledAt == nil || p.SettledAt.Before(start) {
			continue
		}
		row, ok := byUser[p.UserID]
		if !ok {
			row = &Row{UserID: p.UserID, Points: decimal.Zero}
			byUser[p.UserID] = row
		}
		row.Points = row.Points.Add(p.Payout.Sub(p.CostAtSettle))
		row.Settled++
	}
	return byUser, nil
}

// ranked returns every participating user ordered by points descending,
// ties broken by user ID ascending, with ranks assigned by strict
// points superiority: rank = 1 + count of users with more points, so
// tied users share a rank.
func (a *Aggregator) ranked(ctx context.Context, window string) ([]Row, error) {
	start, err := windowStart(window, a.now().UTC())
	if err != nil {
		return nil, err
	}
	byUser, err := a.points(ctx, start)
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(byUser))
	for _, r := range byUser {
		rows = append(rows, *r)
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Points.Equal(rows[j].Points) {
			return rows[i].Points.GreaterThan(rows[j].Points)
		}
		return rows[i].UserID < rows[j].UserID
	})
	for i := range rows {
		if i > 0 && rows[i].Points.Equal(rows[i-1].Points) {
			rows[i].Rank = rows[i-1].Rank
		} else {
			rows[i].Rank = i + 1
		}
	}

	a.fillUsernames(ctx, rows)
	return rows, nil
}

func (a *Aggregator) fillUsernames(ctx context.Context, rows []Row) {
	for i := range rows {
		if u, err := a.store.GetUser(ctx, rows[i].UserID); err == nil {
			rows[i].Username = u.Username
		}
	}
}

// Leaderboard returns the top rows for a window.
func (a *Aggregator) Leaderboard(ctx context.Context, window string) ([]Row, error) {
	rows, err := a.ranked(ctx, window)
	if err != nil {
		return nil, err
	}
	if len(rows) > LeaderboardSize {
		rows = rows[:LeaderboardSize]
	}
	return rows, nil
}

// Around returns the slice of the leaderboard centered on userID: the
// user's row with up to five rows either side. A user with no settled
// positions in the window gets an empty slice.
func (a *Aggregator) Around(ctx context.Context, window, userID string) ([]Row, error) {
	rows, err := a.ranked(ctx, window)
	if err != nil {
		return nil, err
	}

	idx := -1
	for i := range rows {
		if rows[i].UserID == userID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return []Row{}, nil
	}

	lo := idx - (AroundSize-1)/2
	if lo < 0 {
		lo = 0
	}
	hi := lo + AroundSize
	if hi > len(rows) {
		hi = len(rows)
	}
	return rows[lo:hi], nil
}

// ForUser computes the performance summary for one user.
func (a *Aggregator) ForUser(ctx context.Context, userID string) (*UserStats, error) {
	u, err := a.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	fills, err := a.store.ListFillsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	posns, err := a.store.ListPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	st := &UserStats{
		UserID:         userID,
		Username:       u.Username,
		TotalTrades:    len(fills),
		Accuracy:       decimal.Zero,
		RealizedProfit: decimal.Zero,
		ROI:            decimal.Zero,
		UnrealizedPnL:  decimal.Zero,
	}

	// Split settled history from live exposure.
	var settled []model.Position
	totalCost := decimal.Zero
	for i := range posns {
		p := &posns[i]
		if p.Settled {
			settled = append(settled, *p)
			continue
		}
		if p.Empty() {
			continue
		}
		st.ActivePositions++
		if m, err := a.store.GetMarket(ctx, p.MarketID); err == nil {
			value := p.YesShares.Mul(m.YesPrice).Add(p.NoShares.Mul(m.NoPrice))
			st.UnrealizedPnL = st.UnrealizedPnL.Add(value.Sub(p.CostBasis()))
		}
	}

	// Streaks walk settlements oldest first.
	sort.Slice(settled, func(i, j int) bool {
		ti, tj := settled[i].SettledAt, settled[j].SettledAt
		if ti == nil || tj == nil {
			return tj != nil
		}
		return ti.Before(*tj)
	})
	streak := 0
	for i := range settled {
		p := &settled[i]
		profit := p.Payout.Sub(p.CostAtSettle)
		st.SettledMarkets++
		st.RealizedProfit = st.RealizedProfit.Add(profit)
		totalCost = totalCost.Add(p.CostAtSettle)
		if profit.IsPositive() {
			st.Wins++
			streak++
			if streak > st.BestWinStreak {
				st.BestWinStreak = streak
			}
		} else {
			streak = 0
		}
	}
	st.WinStreak = streak

	if st.SettledMarkets > 0 {
		st.Accuracy = decimal.NewFromInt(int64(st.Wins)).
			Div(decimal.NewFromInt(int64(st.SettledMarkets))).Round(4)
	}
	if totalCost.IsPositive() {
		st.ROI = st.RealizedProfit.Div(totalCost).Round(4)
	}
	return st, nil
}

// ForUsername resolves a username then delegates to ForUser.
func (a *Aggregator) ForUsername(ctx context.Context, username string) (*UserStats, error) {
	u, err := a.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	return a.ForUser(ctx, u.ID)
}
