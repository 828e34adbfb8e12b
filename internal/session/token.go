// Package session holds the in-memory authentication state of a storefront client:
// the access token and identity, the logout coordinator and refresh token persistence.
package session

import (
	"math"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// User is the authenticated identity attached to a token.
type User struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Token is the current access token and its owner.
type Token struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
	User        User      `json:"user"`
}

// IsZero reports whether the token carries no access token.
func (t Token) IsZero() bool {
	return t.AccessToken == ""
}

// TokenStore owns the access token. It is never persisted.
//
// Thread Safety: Safe for concurrent use.
type TokenStore struct {
	mu    sync.RWMutex
	token Token
}

// NewTokenStore creates an empty token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{}
}

// Set replaces the current token. A zero ExpiresAt is filled from the JWT exp claim.
func (s *TokenStore) Set(token Token) {
	if token.ExpiresAt.IsZero() {
		if exp, ok := ExpiryFromJWT(token.AccessToken); ok {
			token.ExpiresAt = exp
		}
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// SetAccessToken replaces only the access token and expiry, keeping the user.
func (s *TokenStore) SetAccessToken(accessToken string, expiresAt time.Time) {
	if expiresAt.IsZero() {
		if exp, ok := ExpiryFromJWT(accessToken); ok {
			expiresAt = exp
		}
	}
	s.mu.Lock()
	s.token.AccessToken = accessToken
	s.token.ExpiresAt = expiresAt
	s.mu.Unlock()
}

// Current returns the token and whether one is present.
func (s *TokenStore) Current() (Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, !s.token.IsZero()
}

// AccessToken returns the raw access token, empty when logged out.
func (s *TokenStore) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token.AccessToken
}

// User returns the authenticated user.
func (s *TokenStore) User() User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token.User
}

// ExpiresIn returns the time left before expiry. Unknown expiry reports a large duration.
func (s *TokenStore) ExpiresIn(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token.ExpiresAt.IsZero() {
		return time.Duration(math.MaxInt64)
	}
	return s.token.ExpiresAt.Sub(now)
}

// NearExpiry reports whether a present token expires within buffer.
func (s *TokenStore) NearExpiry(now time.Time, buffer time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token.IsZero() || s.token.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(buffer).Before(s.token.ExpiresAt)
}

// Clear destroys the token.
func (s *TokenStore) Clear() {
	s.mu.Lock()
	s.token = Token{}
	s.mu.Unlock()
}

// ExpiryFromJWT reads the exp claim without verifying the signature; the client
// only uses it to schedule refreshes, the server remains the authority.
func ExpiryFromJWT(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
