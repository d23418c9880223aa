package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/sokoni/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of
// truth. All monetary values are stored as NUMERIC for exact decimal
// precision and scanned through TEXT.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// wrapErr converts pgx errors to store sentinels.
func wrapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
		return fmt.Errorf("%w: %s", ErrConflict, what)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, email, password_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.CreatedAt,
	)
	return wrapErr(err, "create user "+u.Username)
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, email, password_hash, created_at
		 FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return nil, wrapErr(err, "user "+id)
	}
	return &u, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, email, password_hash, created_at
		 FROM users WHERE username = $1`, username).
		Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return nil, wrapErr(err, "user "+username)
	}
	return &u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, username, email, password_hash, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- Credit accounts ---

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.CreditAccount, error) {
	var a model.CreditAccount
	var stored, max string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, stored_credits::TEXT, max_credits::TEXT, last_activity_at, updated_at
		 FROM credit_accounts WHERE user_id = $1`, userID).
		Scan(&a.UserID, &stored, &max, &a.LastActivityAt, &a.UpdatedAt)
	if err != nil {
		return nil, wrapErr(err, "account "+userID)
	}
	a.StoredCredits = dec(stored)
	a.MaxCredits = dec(max)
	return &a, nil
}

func (s *PostgresStore) SaveAccount(ctx context.Context, a *model.CreditAccount) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO credit_accounts (user_id, stored_credits, max_credits, last_activity_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5)
		 ON CONFLICT (user_id) DO UPDATE
		 SET stored_credits = EXCLUDED.stored_credits,
		     max_credits = EXCLUDED.max_credits,
		     last_activity_at = EXCLUDED.last_activity_at,
		     updated_at = EXCLUDED.updated_at`,
		a.UserID, a.StoredCredits.String(), a.MaxCredits.String(),
		a.LastActivityAt, a.UpdatedAt,
	)
	return wrapErr(err, "save account "+a.UserID)
}

// --- Markets ---

const marketCols = `id, slug, title, question, description, resolution_criteria,
	category, status, resolution,
	yes_price::TEXT, no_price::TEXT, liquidity_b::TEXT,
	q_yes::TEXT, q_no::TEXT, total_volume::TEXT,
	created_by, end_date, resolved_at, created_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var yesPrice, noPrice, b, qYes, qNo, volume string
	err := row.Scan(&m.ID, &m.Slug, &m.Title, &m.Question, &m.Description,
		&m.ResolutionCriteria, &m.Category, &m.Status, &m.Resolution,
		&yesPrice, &noPrice, &b, &qYes, &qNo, &volume,
		&m.CreatedBy, &m.EndDate, &m.ResolvedAt, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.YesPrice = dec(yesPrice)
	m.NoPrice = dec(noPrice)
	m.LiquidityB = dec(b)
	m.QYes = dec(qYes)
	m.QNo = dec(qNo)
	m.TotalVolume = dec(volume)
	return &m, nil
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, slug, title, question, description, resolution_criteria,
		   category, status, resolution, yes_price, no_price, liquidity_b,
		   q_yes, q_no, total_volume, created_by, end_date, resolved_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9,
		   $10::NUMERIC, $11::NUMERIC, $12::NUMERIC,
		   $13::NUMERIC, $14::NUMERIC, $15::NUMERIC, $16, $17, $18, $19)`,
		m.ID, m.Slug, m.Title, m.Question, m.Description, m.ResolutionCriteria,
		m.Category, m.Status, m.Resolution,
		m.YesPrice.String(), m.NoPrice.String(), m.LiquidityB.String(),
		m.QYes.String(), m.QNo.String(), m.TotalVolume.String(),
		m.CreatedBy, m.EndDate, m.ResolvedAt, m.CreatedAt,
	)
	return wrapErr(err, "create market "+m.Slug)
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE id = $1`, id))
	if err != nil {
		return nil, wrapErr(err, "market "+id)
	}
	return m, nil
}

func (s *PostgresStore) GetMarketBySlug(ctx context.Context, slug string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE slug = $1`, slug))
	if err != nil {
		return nil, wrapErr(err, "market "+slug)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error) {
	q := `SELECT ` + marketCols + ` FROM markets WHERE 1=1`
	var args []any
	if f.Status != "" {
		args = append(args, f.Status)
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Category != "" {
		args = append(args, f.Category)
		q += fmt.Sprintf(" AND category = $%d", len(args))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		q += fmt.Sprintf(" AND (title ILIKE $%d OR question ILIKE $%d OR slug ILIKE $%d)",
			len(args), len(args), len(args))
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) SaveMarket(ctx context.Context, m *model.Market) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets
		 SET status = $2, resolution = $3,
		     yes_price = $4::NUMERIC, no_price = $5::NUMERIC,
		     q_yes = $6::NUMERIC, q_no = $7::NUMERIC,
		     total_volume = $8::NUMERIC, resolved_at = $9
		 WHERE id = $1`,
		m.ID, m.Status, m.Resolution,
		m.YesPrice.String(), m.NoPrice.String(),
		m.QYes.String(), m.QNo.String(),
		m.TotalVolume.String(), m.ResolvedAt,
	)
	if err != nil {
		return wrapErr(err, "save market "+m.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: market %s", ErrNotFound, m.ID)
	}
	return nil
}

// --- Orders ---

const orderCols = `id, market_id, user_id, side, order_type,
	price::TEXT, quantity::TEXT, filled_quantity::TEXT, status,
	reserved::TEXT, created_at, filled_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var price, qty, filled, reserved string
	err := row.Scan(&o.ID, &o.MarketID, &o.UserID, &o.Side, &o.OrderType,
		&price, &qty, &filled, &o.Status, &reserved, &o.CreatedAt, &o.FilledAt)
	if err != nil {
		return nil, err
	}
	o.Price = dec(price)
	o.Quantity = dec(qty)
	o.FilledQuantity = dec(filled)
	o.Reserved = dec(reserved)
	return &o, nil
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, market_id, user_id, side, order_type,
		   price, quantity, filled_quantity, status, reserved, created_at, filled_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9,
		   $10::NUMERIC, $11, $12)`,
		o.ID, o.MarketID, o.UserID, o.Side, o.OrderType,
		o.Price.String(), o.Quantity.String(), o.FilledQuantity.String(),
		o.Status, o.Reserved.String(), o.CreatedAt, o.FilledAt,
	)
	return wrapErr(err, "create order "+o.ID)
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, wrapErr(err, "order "+id)
	}
	return o, nil
}

func (s *PostgresStore) SaveOrder(ctx context.Context, o *model.Order) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders
		 SET filled_quantity = $2::NUMERIC, status = $3,
		     reserved = $4::NUMERIC, filled_at = $5
		 WHERE id = $1`,
		o.ID, o.FilledQuantity.String(), o.Status, o.Reserved.String(), o.FilledAt,
	)
	if err != nil {
		return wrapErr(err, "save order "+o.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %s", ErrNotFound, o.ID)
	}
	return nil
}

func (s *PostgresStore) ListOrdersByUser(ctx context.Context, userID string, openOnly bool) ([]model.Order, error) {
	q := `SELECT ` + orderCols + ` FROM orders WHERE user_id = $1`
	if openOnly {
		q += ` AND status IN ('pending', 'partial')`
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectOrders(rows)
}

func (s *PostgresStore) ListOpenOrdersByMarket(ctx context.Context, marketID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderCols+` FROM orders
		 WHERE market_id = $1 AND status IN ('pending', 'partial')
		 ORDER BY created_at`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectOrders(rows)
}

func collectOrders(rows pgx.Rows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// --- Fills ---

func (s *PostgresStore) InsertFill(ctx context.Context, f *model.Fill) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fills (id, market_id, order_id, user_id, side,
		   price, quantity, counterparty, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		f.ID, f.MarketID, f.OrderID, f.UserID, f.Side,
		f.Price.String(), f.Quantity.String(), f.Counterparty, f.ExecutedAt,
	)
	return wrapErr(err, "insert fill "+f.ID)
}

const fillCols = `id, market_id, order_id, user_id, side,
	price::TEXT, quantity::TEXT, counterparty, executed_at`

func collectFills(rows pgx.Rows) ([]model.Fill, error) {
	var fills []model.Fill
	for rows.Next() {
		var f model.Fill
		var price, qty string
		if err := rows.Scan(&f.ID, &f.MarketID, &f.OrderID, &f.UserID, &f.Side,
			&price, &qty, &f.Counterparty, &f.ExecutedAt); err != nil {
			return nil, err
		}
		f.Price = dec(price)
		f.Quantity = dec(qty)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

func (s *PostgresStore) ListFillsByMarket(ctx context.Context, marketID string, limit int) ([]model.Fill, error) {
	q := `SELECT ` + fillCols + ` FROM fills WHERE market_id = $1 ORDER BY executed_at DESC`
	args := []any{marketID}
	if limit > 0 {
		args = append(args, limit)
		q += ` LIMIT $2`
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectFills(rows)
}

func (s *PostgresStore) ListFillsByUser(ctx context.Context, userID string) ([]model.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fillCols+` FROM fills WHERE user_id = $1 ORDER BY executed_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectFills(rows)
}

// --- Positions ---

const positionCols = `user_id, market_id,
	yes_shares::TEXT, no_shares::TEXT, yes_avg_cost::TEXT, no_avg_cost::TEXT,
	settled, settled_at, payout::TEXT, cost_at_settle::TEXT, updated_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var yesShares, noShares, yesAvg, noAvg, payout, costAtSettle string
	err := row.Scan(&p.UserID, &p.MarketID,
		&yesShares, &noShares, &yesAvg, &noAvg,
		&p.Settled, &p.SettledAt, &payout, &costAtSettle, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.YesShares = dec(yesShares)
	p.NoShares = dec(noShares)
	p.YesAvgCost = dec(yesAvg)
	p.NoAvgCost = dec(noAvg)
	p.Payout = dec(payout)
	p.CostAtSettle = dec(costAtSettle)
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE user_id = $1 AND market_id = $2`, userID, marketID))
	if err != nil {
		return nil, wrapErr(err, fmt.Sprintf("position %s/%s", userID, marketID))
	}
	return p, nil
}

func (s *PostgresStore) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (user_id, market_id, yes_shares, no_shares,
		   yes_avg_cost, no_avg_cost, settled, settled_at, payout, cost_at_settle, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC,
		   $7, $8, $9::NUMERIC, $10::NUMERIC, $11)
		 ON CONFLICT (user_id, market_id) DO UPDATE
		 SET yes_shares = EXCLUDED.yes_shares,
		     no_shares = EXCLUDED.no_shares,
		     yes_avg_cost = EXCLUDED.yes_avg_cost,
		     no_avg_cost = EXCLUDED.no_avg_cost,
		     settled = EXCLUDED.settled,
		     settled_at = EXCLUDED.settled_at,
		     payout = EXCLUDED.payout,
		     cost_at_settle = EXCLUDED.cost_at_settle,
		     updated_at = EXCLUDED.updated_at`,
		p.UserID, p.MarketID, p.YesShares.String(), p.NoShares.String(),
		p.YesAvgCost.String(), p.NoAvgCost.String(),
		p.Settled, p.SettledAt, p.Payout.String(), p.CostAtSettle.String(), p.UpdatedAt,
	)
	return wrapErr(err, fmt.Sprintf("save position %s/%s", p.UserID, p.MarketID))
}

func (s *PostgresStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions WHERE user_id = $1 ORDER BY market_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPositions(rows)
}

func (s *PostgresStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions WHERE market_id = $1 ORDER BY user_id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPositions(rows)
}

func (s *PostgresStore) ListSettledPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions WHERE settled ORDER BY user_id, market_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPositions(rows)
}

func collectPositions(rows pgx.Rows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// --- Settlements ---

func (s *PostgresStore) InsertSettlement(ctx context.Context, st *model.Settlement) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settlements (market_id, resolution, settled_at)
		 VALUES ($1, $2, $3)`,
		st.MarketID, st.Resolution, st.SettledAt,
	)
	return wrapErr(err, "insert settlement "+st.MarketID)
}

func (s *PostgresStore) GetSettlement(ctx context.Context, marketID string) (*model.Settlement, error) {
	var st model.Settlement
	err := s.pool.QueryRow(ctx,
		`SELECT market_id, resolution, settled_at FROM settlements WHERE market_id = $1`,
		marketID).
		Scan(&st.MarketID, &st.Resolution, &st.SettledAt)
	if err != nil {
		return nil, wrapErr(err, "settlement "+marketID)
	}
	return &st, nil
}
