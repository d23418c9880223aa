// Package api provides the HTTP surface: routing, request decoding,
// and mapping domain errors to status codes. Business logic lives in
// the engine, settle, credits, stats, and auth packages.
//
// All monetary values use shopspring/decimal — never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sokoni/market-engine/internal/auth"
	"github.com/sokoni/market-engine/internal/book"
	"github.com/sokoni/market-engine/internal/credits"
	"github.com/sokoni/market-engine/internal/engine"
	"github.com/sokoni/market-engine/internal/metrics"
	"github.com/sokoni/market-engine/internal/model"
	"github.com/sokoni/market-engine/internal/positions"
	"github.com/sokoni/market-engine/internal/settle"
	"github.com/sokoni/market-engine/internal/slug"
	"github.com/sokoni/market-engine/internal/stats"
	"github.com/sokoni/market-engine/internal/store"
)

// Service wires the domain components behind the HTTP API.
type Service struct {
	store   store.Store
	engine  *engine.Engine
	settler *settle.Settler
	ledger  *credits.Ledger
	stats   *stats.Aggregator
	auth    *auth.Service
	hub     *WSHub // optional; nil disables broadcasts
	logger  *slog.Logger
}

// NewService creates the API service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, eng *engine.Engine, settler *settle.Settler,
	ledger *credits.Ledger, agg *stats.Aggregator, authSvc *auth.Service,
	hub *WSHub, logger *slog.Logger) *Service {
	s := &Service{
		store:   st,
		engine:  eng,
		settler: settler,
		ledger:  ledger,
		stats:   agg,
		auth:    authSvc,
		hub:     hub,
		logger:  logger,
	}
	if hub != nil {
		eng.OnFill = func(f model.Fill) { hub.Broadcast(FillMessage(f)) }
		eng.OnMarket = func(m model.Market) { hub.Broadcast(MarketMessage(m)) }
	}
	return s
}

// Router builds the chi router with the full middleware stack.
func (s *Service) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", s.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/register", s.Register)
		r.Post("/auth/login", s.Login)

		// Market reads are public.
		r.Get("/markets", s.ListMarkets)
		r.Get("/markets/{marketID}", s.GetMarket)
		r.Get("/markets/{marketID}/price", s.GetPrice)
		r.Get("/markets/{marketID}/orderbook", s.GetOrderBook)
		r.Get("/markets/{marketID}/trades", s.GetTrades)

		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}

		// Everything else requires a session.
		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware)

			r.Post("/markets", s.CreateMarket)
			r.Post("/markets/{marketID}/close", s.CloseMarket)
			r.Post("/markets/{marketID}/resolve", s.ResolveMarket)
			r.Post("/markets/{marketID}/cancel", s.CancelMarket)

			r.Post("/orders", s.SubmitOrder)
			r.Get("/orders", s.ListOrders)
			r.Delete("/orders/{orderID}", s.CancelOrder)
			r.Post("/orders/{orderID}/cancel", s.CancelOrder)

			r.Get("/positions", s.ListPositions)
			r.Get("/credits", s.GetCredits)

			r.Get("/leaderboard/around-me", s.AroundMe)
			r.Get("/leaderboard/{window}", s.Leaderboard)
			r.Get("/users/{username}/stats", s.UserStats)
		})
	})

	return r
}

// --- Request/Response types ---

// RegisterRequest is the JSON body for POST /auth/register.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SessionResponse is returned from register and login.
type SessionResponse struct {
	Token string      `json:"token"`
	User  *model.User `json:"user"`
}

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Title              string          `json:"title"`
	Question           string          `json:"question"`
	Description        string          `json:"description"`
	ResolutionCriteria string          `json:"resolution_criteria"`
	Category           string          `json:"category"`
	EndDate            time.Time       `json:"end_date"`
	LiquidityB         decimal.Decimal `json:"liquidity_b"` // 0 disables the AMM
}

// SubmitOrderRequest is the JSON body for POST /orders.
type SubmitOrderRequest struct {
	MarketID  string          `json:"market_id"`
	Side      string          `json:"side"`       // "yes" or "no"
	OrderType string          `json:"order_type"` // "limit" or "market"
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// ResolveRequest is the JSON body for market resolution.
type ResolveRequest struct {
	Resolution string `json:"resolution"` // "yes" or "no"
}

// OrderBookResponse is the depth snapshot for one market.
type OrderBookResponse struct {
	MarketID string       `json:"market_id"`
	Yes      []book.Level `json:"yes"`
	No       []book.Level `json:"no"`
}

// PositionResponse is one position with its live valuation.
type PositionResponse struct {
	Position      model.Position  `json:"position"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// --- Auth handlers ---

// Register handles POST /api/v1/auth/register.
func (s *Service) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	u, token, err := s.auth.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUsernameTaken) {
			writeError(w, err.Error(), http.StatusConflict)
		} else {
			writeError(w, err.Error(), http.StatusBadRequest)
		}
		return
	}
	writeJSON(w, http.StatusCreated, SessionResponse{Token: token, User: u})
}

// Login handles POST /api/v1/auth/login.
func (s *Service) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	u, token, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{Token: token, User: u})
}

// --- Market handlers ---

// CreateMarket handles POST /api/v1/markets.
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Question == "" {
		writeError(w, "question is required", http.StatusBadRequest)
		return
	}
	if !req.EndDate.After(time.Now()) {
		writeError(w, "end_date must be in the future", http.StatusBadRequest)
		return
	}
	if req.LiquidityB.IsNegative() {
		writeError(w, "liquidity_b must not be negative", http.StatusBadRequest)
		return
	}

	sl, err := slug.Make(req.Title)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	half := decimal.NewFromFloat(0.5)
	market := &model.Market{
		ID:                 uuid.NewString(),
		Slug:               sl,
		Title:              req.Title,
		Question:           req.Question,
		Description:        req.Description,
		ResolutionCriteria: req.ResolutionCriteria,
		Category:           req.Category,
		Status:             model.MarketOpen,
		Resolution:         model.ResolutionPending,
		YesPrice:           half,
		NoPrice:            half,
		LiquidityB:         req.LiquidityB,
		CreatedBy:          userID,
		EndDate:            req.EndDate.UTC(),
		CreatedAt:          time.Now().UTC(),
	}
	if err := s.store.CreateMarket(r.Context(), market); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, "a market with this title already exists", http.StatusConflict)
		} else {
			writeError(w, "failed to create market", http.StatusInternalServerError)
		}
		return
	}

	s.logger.Info("market created",
		"market_id", market.ID, "slug", sl, "created_by", userID)
	writeJSON(w, http.StatusCreated, market)
}

// findMarket resolves {marketID} as an ID first, then as a slug.
func (s *Service) findMarket(r *http.Request) (*model.Market, error) {
	key := chi.URLParam(r, "marketID")
	m, err := s.store.GetMarket(r.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		return s.store.GetMarketBySlug(r.Context(), key)
	}
	return m, err
}

// GetMarket handles GET /api/v1/markets/{marketID}. Accepts either the
// market ID or its slug.
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.findMarket(r)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// PriceResponse is the body of GET /api/v1/markets/{marketID}/price.
type PriceResponse struct {
	MarketID    string          `json:"market_id"`
	Slug        string          `json:"slug"`
	YesPrice    decimal.Decimal `json:"yes_price"`
	NoPrice     decimal.Decimal `json:"no_price"`
	TotalVolume decimal.Decimal `json:"total_volume"`
}

// GetPrice handles GET /api/v1/markets/{marketID}/price.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	m, err := s.findMarket(r)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, PriceResponse{
		MarketID:    m.ID,
		Slug:        m.Slug,
		YesPrice:    m.YesPrice,
		NoPrice:     m.NoPrice,
		TotalVolume: m.TotalVolume,
	})
}

// ListMarkets handles GET /api/v1/markets with optional ?status=,
// ?category=, and ?search= filters.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	markets, err := s.store.ListMarkets(r.Context(), store.MarketFilter{
		Status:   q.Get("status"),
		Category: q.Get("category"),
		Search:   q.Get("search"),
	})
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetOrderBook handles GET /api/v1/markets/{marketID}/orderbook.
func (s *Service) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	m, err := s.findMarket(r)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	levels := 10
	if v := r.URL.Query().Get("levels"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			levels = n
		}
	}
	yes, no := s.engine.Depth(m.ID, levels)
	if yes == nil {
		yes = []book.Level{}
	}
	if no == nil {
		no = []book.Level{}
	}
	writeJSON(w, http.StatusOK, OrderBookResponse{MarketID: m.ID, Yes: yes, No: no})
}

// GetTrades handles GET /api/v1/markets/{marketID}/trades: recent
// fills, newest first.
func (s *Service) GetTrades(w http.ResponseWriter, r *http.Request) {
	m, err := s.findMarket(r)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	fills, err := s.store.ListFillsByMarket(r.Context(), m.ID, limit)
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if fills == nil {
		fills = []model.Fill{}
	}
	writeJSON(w, http.StatusOK, fills)
}

// requireCreator loads the market and verifies the caller created it.
func (s *Service) requireCreator(w http.ResponseWriter, r *http.Request) (*model.Market, bool) {
	userID, _ := auth.UserID(r.Context())
	m, err := s.findMarket(r)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return nil, false
	}
	if m.CreatedBy != userID {
		writeError(w, "only the market creator can do this", http.StatusForbidden)
		return nil, false
	}
	return m, true
}

// CloseMarket handles POST /api/v1/markets/{marketID}/close.
func (s *Service) CloseMarket(w http.ResponseWriter, r *http.Request) {
	m, ok := s.requireCreator(w, r)
	if !ok {
		return
	}
	closed, err := s.settler.Close(r.Context(), m.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.broadcastMarket(closed)
	writeJSON(w, http.StatusOK, closed)
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve.
func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	m, ok := s.requireCreator(w, r)
	if !ok {
		return
	}

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	resolved, err := s.settler.Resolve(r.Context(), m.ID, req.Resolution)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	metrics.SettlementsTotal.WithLabelValues(req.Resolution).Inc()
	s.broadcastMarket(resolved)
	writeJSON(w, http.StatusOK, resolved)
}

// CancelMarket handles POST /api/v1/markets/{marketID}/cancel.
func (s *Service) CancelMarket(w http.ResponseWriter, r *http.Request) {
	m, ok := s.requireCreator(w, r)
	if !ok {
		return
	}
	cancelled, err := s.settler.Cancel(r.Context(), m.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.broadcastMarket(cancelled)
	writeJSON(w, http.StatusOK, cancelled)
}

func (s *Service) broadcastMarket(m *model.Market) {
	if s.hub != nil {
		s.hub.Broadcast(MarketMessage(*m))
	}
}

// --- Order handlers ---

// SubmitOrder handles POST /api/v1/orders.
func (s *Service) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	start := time.Now()
	res, err := s.engine.Submit(r.Context(), engine.SubmitRequest{
		UserID:    userID,
		MarketID:  req.MarketID,
		Side:      req.Side,
		OrderType: req.OrderType,
		Price:     req.Price,
		Quantity:  req.Quantity,
	})
	if err != nil {
		metrics.OrdersRejected.WithLabelValues(rejectReason(err)).Inc()
		writeDomainError(w, err)
		return
	}
	metrics.SubmitLatency.WithLabelValues(req.OrderType).Observe(time.Since(start).Seconds())
	metrics.OrdersTotal.WithLabelValues(req.Side, req.OrderType).Inc()
	for _, f := range res.Fills {
		metrics.FillsTotal.WithLabelValues(f.Counterparty).Inc()
	}

	writeJSON(w, http.StatusCreated, res)
}

// ListOrders handles GET /api/v1/orders with optional ?open=true.
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	openOnly := r.URL.Query().Get("open") == "true"

	orders, err := s.store.ListOrdersByUser(r.Context(), userID, openOnly)
	if err != nil {
		writeError(w, "failed to list orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}.
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	orderID := chi.URLParam(r, "orderID")

	order, err := s.engine.Cancel(r.Context(), userID, orderID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// --- Position and credit handlers ---

// ListPositions handles GET /api/v1/positions: the caller's open
// positions valued at current prices.
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	ctx := r.Context()

	posns, err := s.store.ListPositionsByUser(ctx, userID)
	if err != nil {
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}

	out := []PositionResponse{}
	for i := range posns {
		p := &posns[i]
		if p.Settled || p.Empty() {
			continue
		}
		yesPrice := decimal.NewFromFloat(0.5)
		if m, err := s.store.GetMarket(ctx, p.MarketID); err == nil {
			yesPrice = m.YesPrice
		}
		v := positions.Value(p, yesPrice)
		out = append(out, PositionResponse{
			Position:      *p,
			CurrentValue:  v.CurrentValue,
			CostBasis:     v.CostBasis,
			UnrealizedPnL: v.UnrealizedPnL,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetCredits handles GET /api/v1/credits: the projected balance with
// decay/regeneration detail.
func (s *Service) GetCredits(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	status, err := s.ledger.Balance(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// --- Stats handlers ---

// Leaderboard handles GET /api/v1/leaderboard/{window}. With
// ?around=me the view centers on the caller instead of the top.
func (s *Service) Leaderboard(w http.ResponseWriter, r *http.Request) {
	window := chi.URLParam(r, "window")

	var rows []stats.Row
	var err error
	if r.URL.Query().Get("around") == "me" {
		userID, _ := auth.UserID(r.Context())
		rows, err = s.stats.Around(r.Context(), window, userID)
	} else {
		rows, err = s.stats.Leaderboard(r.Context(), window)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if rows == nil {
		rows = []stats.Row{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// AroundMe handles GET /api/v1/leaderboard/around-me: the caller's
// neighborhood on the all-time board, or ?window= to override.
func (s *Service) AroundMe(w http.ResponseWriter, r *http.Request) {
	window := r.URL.Query().Get("window")
	if window == "" {
		window = stats.WindowAllTime
	}
	userID, _ := auth.UserID(r.Context())

	rows, err := s.stats.Around(r.Context(), window, userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if rows == nil {
		rows = []stats.Row{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// UserStats handles GET /api/v1/users/{username}/stats. Accepts either
// a username or a user ID.
func (s *Service) UserStats(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "username")

	st, err := s.stats.ForUsername(r.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		if _, uerr := uuid.Parse(key); uerr == nil {
			st, err = s.stats.ForUser(r.Context(), key)
		}
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Health handles GET /health.
func (s *Service) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Helpers ---

// rejectReason labels a failed submit for metrics.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, credits.ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, engine.ErrMarketNotOpen):
		return "market_not_open"
	case errors.Is(err, engine.ErrNoLiquidity):
		return "no_liquidity"
	case errors.Is(err, engine.ErrInvalidPrice),
		errors.Is(err, engine.ErrInvalidQuantity),
		errors.Is(err, engine.ErrInvalidSide):
		return "validation"
	default:
		return "other"
	}
}

// writeDomainError maps domain sentinels to HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrNotOwner):
		status = http.StatusForbidden
	case errors.Is(err, engine.ErrInvalidPrice),
		errors.Is(err, engine.ErrInvalidQuantity),
		errors.Is(err, engine.ErrInvalidSide),
		errors.Is(err, settle.ErrInvalidResolution),
		errors.Is(err, stats.ErrUnknownWindow):
		status = http.StatusBadRequest
	case errors.Is(err, credits.ErrInsufficientCredits),
		errors.Is(err, engine.ErrMarketNotOpen),
		errors.Is(err, engine.ErrNoLiquidity),
		errors.Is(err, engine.ErrOrderNotOpen),
		errors.Is(err, settle.ErrAlreadyResolved),
		errors.Is(err, settle.ErrStillOpen),
		errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	default:
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
