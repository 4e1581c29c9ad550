package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"chatrelay/internal/models"
)

// Claims is the identity assertion carried by a signed token.
type Claims struct {
	jwt.RegisteredClaims
	UserID int64  `json:"id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

// Verify checks signature and expiry of raw against secret at instant now.
// It has no side effects; the same inputs always give the same result.
func Verify(raw string, secret []byte, now time.Time) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !token.Valid || claims.UserID <= 0 {
		return nil, ErrBadSignature
	}
	return claims, nil
}

// TokenService issues and verifies tokens with one secret and lifetime.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService builds a token service. A non-positive ttl means one day.
func NewTokenService(secret string, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenService{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue signs a token for user valid for the configured lifetime.
func (ts *TokenService) Issue(user *models.User) (string, time.Time, error) {
	if user == nil || user.ID <= 0 {
		return "", time.Time{}, errors.New("invalid user")
	}
	now := ts.now()
	expiresAt := now.Add(ts.ttl)
	claims := Claims{
		UserID: user.ID,
		Email:  user.Email,
		Role:   user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(user.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ts.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks raw against the service secret and current clock.
func (ts *TokenService) Verify(raw string) (*Claims, error) {
	return Verify(raw, ts.secret, ts.now())
}

// Remaining reports how long claims stay valid, never more than the token lifetime.
func (ts *TokenService) Remaining(claims *Claims) time.Duration {
	if claims == nil || claims.ExpiresAt == nil {
		return ts.ttl
	}
	left := claims.ExpiresAt.Time.Sub(ts.now())
	if left <= 0 {
		return 0
	}
	if left > ts.ttl {
		return ts.ttl
	}
	return left
}

// TTL reports the configured token lifetime.
func (ts *TokenService) TTL() time.Duration {
	return ts.ttl
}
