// Package auth handles registration, login, and bearer-token
// verification. Passwords are bcrypt-hashed; sessions are stateless
// HS256 JWTs carrying the user ID as subject.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/sokoni/market-engine/internal/credits"
	"github.com/sokoni/market-engine/internal/model"
	"github.com/sokoni/market-engine/internal/store"
)

var (
	// ErrInvalidCredentials is returned for a bad username or password.
	// Deliberately indistinguishable between the two.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrUsernameTaken is returned when the username or email is
	// already registered.
	ErrUsernameTaken = errors.New("auth: username or email already taken")

	// ErrInvalidToken is returned for missing, malformed, or expired
	// bearer tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
)

var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_]{3,30}$`)

const minPasswordLen = 8

// contextKey is unexported to keep the context namespace private.
type contextKey struct{}

var userIDKey contextKey

// UserID extracts the authenticated user's ID from a request context.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok
}

// WithUserID returns a context carrying the user ID. Exported for
// handler tests.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// Service issues and verifies credentials.
type Service struct {
	store    store.Store
	ledger   *credits.Ledger
	secret   []byte
	tokenTTL time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an auth service. secret signs session tokens and must be
// stable across restarts.
func New(st store.Store, ledger *credits.Ledger, secret []byte, tokenTTL time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		ledger:   ledger,
		secret:   secret,
		tokenTTL: tokenTTL,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func validateRegistration(username, email, password string) error {
	if !usernameRe.MatchString(username) {
		return fmt.Errorf("auth: username must be 3-30 characters of letters, digits, underscore")
	}
	if !strings.Contains(email, "@") {
		return fmt.Errorf("auth: invalid email")
	}
	if len(password) < minPasswordLen {
		return fmt.Errorf("auth: password must be at least %d characters", minPasswordLen)
	}
	return nil
}

// Register creates a user, opens their credit account with the
// starting balance, and returns a session token.
func (s *Service) Register(ctx context.Context, username, email, password string) (*model.User, string, error) {
	if err := validateRegistration(username, email, password); err != nil {
		return nil, "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}

	u := &model.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, "", ErrUsernameTaken
		}
		return nil, "", err
	}
	if _, err := s.ledger.Open(ctx, u.ID); err != nil {
		return nil, "", fmt.Errorf("open credit account: %w", err)
	}

	token, err := s.mint(u.ID)
	if err != nil {
		return nil, "", err
	}

	s.logger.Info("user registered", "user_id", u.ID, "username", username)
	return u, token, nil
}

// Login verifies a password and returns a fresh session token.
func (s *Service) Login(ctx context.Context, username, password string) (*model.User, string, error) {
	u, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, "", ErrInvalidCredentials
	}

	token, err := s.mint(u.ID)
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}

// mint signs a token with the user ID as subject.
func (s *Service) mint(userID string) (string, error) {
	now := s.now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a bearer token and returns the user ID it carries.
func (s *Service) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithTimeFunc(func() time.Time { return s.now().UTC() }),
	)
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Middleware rejects requests without a valid Bearer token and stores
// the authenticated user ID in the request context.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
			return
		}
		userID, err := s.Verify(strings.TrimPrefix(header, prefix))
		if err != nil {
			http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}
