// Package store defines the persistence interface for the market
// engine. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"

	"github.com/sokoni/market-engine/internal/model"
)

// ErrNotFound is returned when an entity does not exist. Callers map
// it to a 404.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned on unique-constraint violations (duplicate
// username, slug).
var ErrConflict = errors.New("store: conflict")

// MarketFilter narrows ListMarkets.
type MarketFilter struct {
	Status   string
	Category string
	Search   string // substring match on title/question/slug
}

// Store is the persistence interface. PostgreSQL is the source of
// truth; Redis provides a read-through cache layer.
type Store interface {
	// --- Users ---

	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)

	// --- Credit accounts ---

	GetAccount(ctx context.Context, userID string) (*model.CreditAccount, error)
	SaveAccount(ctx context.Context, acct *model.CreditAccount) error

	// --- Markets ---

	CreateMarket(ctx context.Context, m *model.Market) error
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	GetMarketBySlug(ctx context.Context, slug string) (*model.Market, error)
	ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error)
	SaveMarket(ctx context.Context, m *model.Market) error

	// --- Orders ---

	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	SaveOrder(ctx context.Context, o *model.Order) error
	ListOrdersByUser(ctx context.Context, userID string, openOnly bool) ([]model.Order, error)
	ListOpenOrdersByMarket(ctx context.Context, marketID string) ([]model.Order, error)

	// --- Fills (immutable) ---

	InsertFill(ctx context.Context, f *model.Fill) error
	ListFillsByMarket(ctx context.Context, marketID string, limit int) ([]model.Fill, error)
	ListFillsByUser(ctx context.Context, userID string) ([]model.Fill, error)

	// --- Positions ---

	GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error)
	SavePosition(ctx context.Context, p *model.Position) error
	ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error)
	ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error)
	ListSettledPositions(ctx context.Context) ([]model.Position, error)

	// --- Settlements ---

	InsertSettlement(ctx context.Context, s *model.Settlement) error
	GetSettlement(ctx context.Context, marketID string) (*model.Settlement, error)
}
