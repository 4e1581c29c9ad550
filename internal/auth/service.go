package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatrelay/internal/models"
)

// UserLookup resolves the account behind a token. A missing account is
// reported with an error matching sql.ErrNoRows.
type UserLookup interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
}

// Identity is the authenticated principal of a request or connection.
type Identity struct {
	User   *models.User
	Claims *Claims
	Token  string
}

// Options tunes optional behaviour of the Service.
type Options struct {
	// Feed, when set, receives the fingerprint of every revoked token.
	Feed       RevokeFeed
	CookieName string
	// OnFailure is called with FailureKind(err) for every rejected token.
	OnFailure func(kind string)
}

// Service is the single authentication path for REST and socket traffic.
type Service struct {
	tokens         *TokenService
	revocations    RevocationStore
	users          UserLookup
	feed           RevokeFeed
	onFailure      func(string)
	cookieName     string
	headerName     string
	csrfCookieName string
	csrfHeaderName string
	logger         *slog.Logger
}

// NewService composes the verifier, revocation store and user lookup into the gate.
func NewService(tokens *TokenService, revocations RevocationStore, users UserLookup, opts Options) *Service {
	if opts.CookieName == "" {
		opts.CookieName = "token"
	}
	return &Service{
		tokens:         tokens,
		revocations:    revocations,
		users:          users,
		feed:           opts.Feed,
		onFailure:      opts.OnFailure,
		cookieName:     opts.CookieName,
		headerName:     "Authorization",
		csrfCookieName: "csrf_token",
		csrfHeaderName: "X-CSRF-Token",
		logger:         slog.Default().With("module", "auth"),
	}
}

// Authenticate resolves raw into an Identity. Checks run in a fixed order:
// presence, revocation, signature and expiry, then the account itself.
func (s *Service) Authenticate(ctx context.Context, raw string) (*Identity, error) {
	id, err := s.authenticate(ctx, strings.TrimSpace(raw))
	if err != nil {
		kind := FailureKind(err)
		s.logger.Debug("authentication rejected", "kind", kind, "err", err)
		if s.onFailure != nil {
			s.onFailure(kind)
		}
		return nil, err
	}
	return id, nil
}

func (s *Service) authenticate(ctx context.Context, raw string) (*Identity, error) {
	if raw == "" {
		return nil, ErrNoToken
	}
	revoked, err := s.revocations.IsRevoked(ctx, raw)
	if err != nil {
		s.logger.Error("revocation lookup failed", "err", err)
		return nil, fmt.Errorf("%w: %v", ErrRevocationUnavailable, err)
	}
	if revoked {
		return nil, ErrRevoked
	}
	claims, err := s.tokens.Verify(raw)
	if err != nil {
		return nil, err
	}
	user, err := s.users.GetUser(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrIdentityNotFound
		}
		return nil, fmt.Errorf("load user %d: %w", claims.UserID, err)
	}
	return &Identity{User: user, Claims: claims, Token: raw}, nil
}

// Issue signs a new token for user.
func (s *Service) Issue(user *models.User) (string, time.Time, error) {
	return s.tokens.Issue(user)
}

// Revoke invalidates raw for the rest of its lifetime. Empty, expired and
// forged tokens need no entry and are accepted silently; revoking twice is harmless.
func (s *Service) Revoke(ctx context.Context, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	claims, err := s.tokens.Verify(raw)
	if err != nil {
		return nil
	}
	ttl := s.tokens.Remaining(claims)
	if ttl <= 0 {
		return nil
	}
	if err := s.revocations.Revoke(ctx, raw, ttl); err != nil {
		return err
	}
	if s.feed != nil {
		if err := s.feed.Publish(ctx, Fingerprint(raw)); err != nil {
			s.logger.Warn("publish revocation failed", "err", err)
		}
	}
	s.logger.Info("token revoked", "user_id", claims.UserID, "jti", claims.ID)
	return nil
}

// NewCSRFToken returns a random token used for CSRF protection.
func (s *Service) NewCSRFToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// AuthCookieName returns the cookie name storing auth tokens.
func (s *Service) AuthCookieName() string {
	return s.cookieName
}

// CSRFCookieName returns the cookie used for CSRF tokens.
func (s *Service) CSRFCookieName() string {
	return s.csrfCookieName
}

// CSRFHeaderName returns the CSRF header name.
func (s *Service) CSRFHeaderName() string {
	return s.csrfHeaderName
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokens.TTL()
}
