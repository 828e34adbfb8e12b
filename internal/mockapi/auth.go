package mockapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	refreshCookie = "refreshToken"
	userIDKey     = "user_id"
	issuer        = serviceName
)

type user struct {
	ID       string
	Name     string
	Email    string
	Password string
	Role     string
	PIN      string
}

func (u *user) view() gin.H {
	return gin.H{"_id": u.ID, "name": u.Name, "email": u.Email, "role": u.Role}
}

type claims struct {
	jwt.RegisteredClaims
	Role  string `json:"role"`
	Email string `json:"email"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type registerRequest struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
	Role     string `json:"role"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Email and password are required")
		return
	}
	s.mu.Lock()
	u, found := s.users[strings.ToLower(req.Email)]
	s.mu.Unlock()
	if !found || u.Password != req.Password {
		fail(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password")
		return
	}
	s.issueSession(c, http.StatusOK, u)
}

func (s *Server) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Name, a valid email and a password of at least 6 characters are required")
		return
	}
	email := strings.ToLower(req.Email)
	role := req.Role
	if role == "" {
		role = "buyer"
	}

	s.mu.Lock()
	if _, exists := s.users[email]; exists {
		s.mu.Unlock()
		fail(c, http.StatusConflict, "CONFLICT", "Email already registered")
		return
	}
	u := &user{ID: uuid.NewString(), Name: req.Name, Email: email, Password: req.Password, Role: role, PIN: DemoPIN}
	s.users[email] = u
	s.mu.Unlock()

	s.issueSession(c, http.StatusCreated, u)
}

// refreshSession reads the refresh token from the cookie, or from the body for
// mobile clients, and rotates it.
func (s *Server) refreshSession(c *gin.Context) {
	token, _ := c.Cookie(refreshCookie)
	if token == "" {
		var req refreshRequest
		_ = c.ShouldBindJSON(&req)
		token = req.RefreshToken
	}

	s.mu.Lock()
	userID, found := s.refresh[token]
	if found {
		delete(s.refresh, token)
	}
	u := s.userByIDLocked(userID)
	s.mu.Unlock()

	if token == "" || !found || u == nil {
		fail(c, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", "Invalid or expired refresh token")
		return
	}
	s.issueSession(c, http.StatusOK, u)
}

func (s *Server) logout(c *gin.Context) {
	token, _ := c.Cookie(refreshCookie)
	if token == "" {
		var req refreshRequest
		_ = c.ShouldBindJSON(&req)
		token = req.RefreshToken
	}
	if token != "" {
		s.mu.Lock()
		delete(s.refresh, token)
		s.mu.Unlock()
	}
	c.SetCookie(refreshCookie, "", -1, "/api/auth", "", false, true)
	ok(c, http.StatusOK, gin.H{"message": "Logged out"})
}

func (s *Server) verify(c *gin.Context) {
	u := s.currentUser(c)
	if u == nil {
		fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "User not found")
		return
	}
	ok(c, http.StatusOK, gin.H{"user": u.view()})
}

func (s *Server) issueSession(c *gin.Context, status int, u *user) {
	now := s.now()
	expiresAt := now.Add(s.accessTTL)
	tokenID := uuid.NewString()
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   u.ID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Role:  u.Role,
		Email: u.Email,
	}).SignedString(s.secret)
	if err != nil {
		fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to sign token")
		return
	}

	refresh := uuid.NewString()
	s.mu.Lock()
	s.issued = append(s.issued, tokenID)
	s.refresh[refresh] = u.ID
	s.mu.Unlock()

	c.SetCookie(refreshCookie, refresh, int((7 * 24 * time.Hour).Seconds()), "/api/auth", "", false, true)
	ok(c, status, gin.H{
		"accessToken":  access,
		"expiresAt":    expiresAt.UTC().Format(time.RFC3339),
		"refreshToken": refresh,
		"user":         u.view(),
	})
}

// requireAuth validates the bearer token. Expired or revoked tokens get a 401
// that tells the client to refresh; anything else gets a plain 401.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, found := strings.CutPrefix(header, "Bearer ")
		if !found || raw == "" {
			fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
			return
		}

		var cl claims
		_, err := jwt.ParseWithClaims(raw, &cl, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return s.secret, nil
		}, jwt.WithTimeFunc(s.now), jwt.WithIssuer(issuer))

		s.mu.Lock()
		revoked := err == nil && s.expired[cl.ID]
		s.mu.Unlock()

		switch {
		case errors.Is(err, jwt.ErrTokenExpired) || revoked:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success":      false,
				"code":         "TOKEN_EXPIRED",
				"message":      "Access token expired",
				"needsRefresh": true,
			})
			return
		case err != nil:
			fail(c, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid token")
			return
		}
		c.Set(userIDKey, cl.Subject)
		c.Next()
	}
}

func (s *Server) currentUser(c *gin.Context) *user {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userByIDLocked(c.GetString(userIDKey))
}

func (s *Server) userByIDLocked(id string) *user {
	if id == "" {
		return nil
	}
	for _, u := range s.users {
		if u.ID == id {
			return u
		}
	}
	return nil
}
