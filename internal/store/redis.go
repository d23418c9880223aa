package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sokoni/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: markets by ID or slug and a user's
// positions. Writes go to the primary store and invalidate the cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Markets: read-through, invalidate on write ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetMarketBySlug(ctx context.Context, slug string) (*model.Market, error) {
	// Try cache via slug→marketID mapping.
	marketID, err := s.rdb.Get(ctx, slugKey(slug)).Result()
	if err == nil {
		return s.GetMarket(ctx, marketID)
	}

	m, err := s.primary.GetMarketBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	s.rdb.Set(ctx, slugKey(slug), m.ID, s.ttl)
	return m, nil
}

func (s *CachedStore) SaveMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.SaveMarket(ctx, m); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, marketKey(m.ID))
	return nil
}

// --- Positions: read-through per user, invalidate on write ---

func (s *CachedStore) SavePosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.SavePosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(p.UserID))
	return nil
}

func (s *CachedStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.primary.GetUser(ctx, id)
}

func (s *CachedStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.primary.GetUserByUsername(ctx, username)
}

func (s *CachedStore) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.primary.ListUsers(ctx)
}

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.CreditAccount, error) {
	return s.primary.GetAccount(ctx, userID)
}

func (s *CachedStore) SaveAccount(ctx context.Context, a *model.CreditAccount) error {
	return s.primary.SaveAccount(ctx, a)
}

func (s *CachedStore) ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx, f)
}

func (s *CachedStore) CreateOrder(ctx context.Context, o *model.Order) error {
	return s.primary.CreateOrder(ctx, o)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) SaveOrder(ctx context.Context, o *model.Order) error {
	return s.primary.SaveOrder(ctx, o)
}

func (s *CachedStore) ListOrdersByUser(ctx context.Context, userID string, openOnly bool) ([]model.Order, error) {
	return s.primary.ListOrdersByUser(ctx, userID, openOnly)
}

func (s *CachedStore) ListOpenOrdersByMarket(ctx context.Context, marketID string) ([]model.Order, error) {
	return s.primary.ListOpenOrdersByMarket(ctx, marketID)
}

func (s *CachedStore) InsertFill(ctx context.Context, f *model.Fill) error {
	return s.primary.InsertFill(ctx, f)
}

func (s *CachedStore) ListFillsByMarket(ctx context.Context, marketID string, limit int) ([]model.Fill, error) {
	return s.primary.ListFillsByMarket(ctx, marketID, limit)
}

func (s *CachedStore) ListFillsByUser(ctx context.Context, userID string) ([]model.Fill, error) {
	return s.primary.ListFillsByUser(ctx, userID)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, marketID)
}

func (s *CachedStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.primary.ListPositionsByMarket(ctx, marketID)
}

func (s *CachedStore) ListSettledPositions(ctx context.Context) ([]model.Position, error) {
	return s.primary.ListSettledPositions(ctx)
}

func (s *CachedStore) InsertSettlement(ctx context.Context, st *model.Settlement) error {
	return s.primary.InsertSettlement(ctx, st)
}

func (s *CachedStore) GetSettlement(ctx context.Context, marketID string) (*model.Settlement, error) {
	return s.primary.GetSettlement(ctx, marketID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string     { return fmt.Sprintf("market:%s", id) }
func slugKey(slug string) string     { return fmt.Sprintf("market:slug:%s", slug) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
