package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sokoni/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]*model.User
	accounts    map[string]*model.CreditAccount
	markets     map[string]*model.Market
	orders      map[string]*model.Order
	fills       []model.Fill
	positions   map[string]*model.Position // key: userID + "/" + marketID
	settlements map[string]*model.Settlement
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]*model.User),
		accounts:    make(map[string]*model.CreditAccount),
		markets:     make(map[string]*model.Market),
		orders:      make(map[string]*model.Order),
		positions:   make(map[string]*model.Position),
		settlements: make(map[string]*model.Settlement),
	}
}

func posKey(userID, marketID string) string { return userID + "/" + marketID }

// --- Users ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if existing.Username == u.Username {
			return fmt.Errorf("%w: username %s", ErrConflict, u.Username)
		}
		if u.Email != "" && existing.Email == u.Email {
			return fmt.Errorf("%w: email %s", ErrConflict, u.Email)
		}
	}

	copy := *u
	s.users[u.ID] = &copy
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Username == username {
			copy := *u
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("%w: user %s", ErrNotFound, username)
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// --- Credit accounts ---

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.CreditAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, userID)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) SaveAccount(_ context.Context, acct *model.CreditAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *acct
	s.accounts[acct.UserID] = &copy
	return nil
}

// --- Markets ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.markets {
		if existing.Slug == m.Slug {
			return fmt.Errorf("%w: slug %s", ErrConflict, m.Slug)
		}
	}

	copy := *m
	s.markets[m.ID] = &copy
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	copy := *m
	return &copy, nil
}

func (s *MemoryStore) GetMarketBySlug(_ context.Context, slug string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.markets {
		if m.Slug == slug {
			copy := *m
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("%w: market %s", ErrNotFound, slug)
}

func (s *MemoryStore) ListMarkets(_ context.Context, f MarketFilter) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		if f.Category != "" && m.Category != f.Category {
			continue
		}
		if f.Search != "" {
			needle := strings.ToLower(f.Search)
			hay := strings.ToLower(m.Title + " " + m.Question + " " + m.Slug)
			if !strings.Contains(hay, needle) {
				continue
			}
		}
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) SaveMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; !ok {
		return fmt.Errorf("%w: market %s", ErrNotFound, m.ID)
	}
	copy := *m
	s.markets[m.ID] = &copy
	return nil
}

// --- Orders ---

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *o
	s.orders[o.ID] = &copy
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) SaveOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; !ok {
		return fmt.Errorf("%w: order %s", ErrNotFound, o.ID)
	}
	copy := *o
	s.orders[o.ID] = &copy
	return nil
}

func (s *MemoryStore) ListOrdersByUser(_ context.Context, userID string, openOnly bool) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []model.Order
	for _, o := range s.orders {
		if o.UserID != userID {
			continue
		}
		if openOnly && !o.Open() {
			continue
		}
		orders = append(orders, *o)
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

func (s *MemoryStore) ListOpenOrdersByMarket(_ context.Context, marketID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []model.Order
	for _, o := range s.orders {
		if o.MarketID == marketID && o.Open() {
			orders = append(orders, *o)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders, nil
}

// --- Fills ---

func (s *MemoryStore) InsertFill(_ context.Context, f *model.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fills = append(s.fills, *f)
	return nil
}

func (s *MemoryStore) ListFillsByMarket(_ context.Context, marketID string, limit int) ([]model.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var fills []model.Fill
	for i := len(s.fills) - 1; i >= 0; i-- {
		if s.fills[i].MarketID == marketID {
			fills = append(fills, s.fills[i])
			if limit > 0 && len(fills) >= limit {
				break
			}
		}
	}
	return fills, nil
}

func (s *MemoryStore) ListFillsByUser(_ context.Context, userID string) ([]model.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var fills []model.Fill
	for _, f := range s.fills {
		if f.UserID == userID {
			fills = append(fills, f)
		}
	}
	return fills, nil
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, userID, marketID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey(userID, marketID)]
	if !ok {
		return nil, fmt.Errorf("%w: position %s/%s", ErrNotFound, userID, marketID)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) SavePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *p
	s.positions[posKey(p.UserID, p.MarketID)] = &copy
	return nil
}

func (s *MemoryStore) ListPositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].MarketID < positions[j].MarketID
	})
	return positions, nil
}

func (s *MemoryStore) ListPositionsByMarket(_ context.Context, marketID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for _, p := range s.positions {
		if p.MarketID == marketID {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].UserID < positions[j].UserID
	})
	return positions, nil
}

func (s *MemoryStore) ListSettledPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for _, p := range s.positions {
		if p.Settled {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].UserID != positions[j].UserID {
			return positions[i].UserID < positions[j].UserID
		}
		return positions[i].MarketID < positions[j].MarketID
	})
	return positions, nil
}

// --- Settlements ---

func (s *MemoryStore) InsertSettlement(_ context.Context, st *model.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.settlements[st.MarketID]; ok {
		return fmt.Errorf("%w: settlement %s", ErrConflict, st.MarketID)
	}
	copy := *st
	s.settlements[st.MarketID] = &copy
	return nil
}

func (s *MemoryStore) GetSettlement(_ context.Context, marketID string) (*model.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.settlements[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: settlement %s", ErrNotFound, marketID)
	}
	copy := *st
	return &copy, nil
}
