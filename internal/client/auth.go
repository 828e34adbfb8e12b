package client

import (
	"context"
	"net/http"
	"time"

	"github.com/example/storefront/internal/apperror"
	"github.com/example/storefront/internal/session"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Auth endpoints
const (
	PathLogin    = "/api/auth/login"
	PathRegister = "/api/auth/register"
	PathLogout   = "/api/auth/logout"
	PathRefresh  = "/api/auth/refresh"
	PathVerify   = "/api/auth/verify"
)

// LoginRequest represents the login request payload.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterRequest represents the registration payload.
type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken,omitempty"`
}

// Login authenticates and stores the session.
func (c *Client) Login(ctx context.Context, email, password string) (session.User, error) {
	if email == "" || password == "" {
		return session.User{}, apperror.Validation("Email and password are required")
	}
	env, err := c.Do(ctx, Request{
		Method:   http.MethodPost,
		Path:     PathLogin,
		Body:     LoginRequest{Email: email, Password: password},
		SkipAuth: true,
	})
	if err != nil {
		return session.User{}, err
	}
	token, err := c.storeSession(env.Data)
	if err != nil {
		return session.User{}, err
	}
	c.logger.Info("Logged in", zap.String("user_id", token.User.ID), zap.String("role", token.User.Role))
	return token.User, nil
}

// Register creates an account. When the backend answers with a token the
// session is stored as for Login.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (session.User, error) {
	if req.Email == "" || req.Password == "" || req.Name == "" {
		return session.User{}, apperror.Validation("Name, email and password are required")
	}
	env, err := c.Do(ctx, Request{Method: http.MethodPost, Path: PathRegister, Body: req, SkipAuth: true})
	if err != nil {
		return session.User{}, err
	}
	if accessTokenFrom(env.Data) == "" {
		return parseUser(gjson.GetBytes(env.Data, "user")), nil
	}
	token, err := c.storeSession(env.Data)
	if err != nil {
		return session.User{}, err
	}
	return token.User, nil
}

// Verify asks the backend whether the current session is valid and refreshes the stored user.
func (c *Client) Verify(ctx context.Context) (session.User, error) {
	env, err := c.Do(ctx, Request{Method: http.MethodGet, Path: PathVerify})
	if err != nil {
		return session.User{}, err
	}
	userJSON := gjson.GetBytes(env.Data, "user")
	if !userJSON.Exists() {
		userJSON = gjson.ParseBytes(env.Data)
	}
	user := parseUser(userJSON)
	if tok, ok := c.tokens.Current(); ok && user.ID != "" {
		tok.User = user
		c.tokens.Set(tok)
	}
	return user, nil
}

// RefreshSession forces a token refresh through the single-flight coordinator.
func (c *Client) RefreshSession(ctx context.Context) (session.Token, error) {
	token, yield, err := c.refresher.Refresh(ctx, "")
	yield()
	return token, err
}

// Logout tears down the session. Local state is cleared even if the server call fails.
// It is a no-op while another logout is in progress.
func (c *Client) Logout(ctx context.Context) error {
	if !c.coord.BeginLogout() {
		return nil
	}
	defer c.coord.EndLogout()

	_, err := c.Do(ctx, Request{
		Method:       http.MethodDelete,
		Path:         PathLogout,
		NoRefresh:    true,
		duringLogout: true,
	})
	if err != nil {
		c.logger.Warn("Server logout failed, clearing local session anyway", zap.Error(err))
	}

	c.clearLocalSession()
	return nil
}

// forceLogout is the side-effect logout used after unrecoverable auth failures.
func (c *Client) forceLogout(ctx context.Context) {
	if err := c.Logout(context.WithoutCancel(ctx)); err != nil {
		c.logger.Error("Forced logout failed", zap.Error(err))
	}
}

func (c *Client) clearLocalSession() {
	c.tokens.Clear()
	if err := c.refreshStore.Delete(); err != nil {
		c.logger.Warn("Failed to delete refresh token", zap.Error(err))
	}

	c.mu.RLock()
	handlers := append([]func(){}, c.logoutHandlers...)
	c.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

// refreshSession performs PUT /api/auth/refresh. Web agents rely on the refresh
// cookie held in the jar; mobile agents send the persisted refresh token.
func (c *Client) refreshSession(ctx context.Context) (session.Token, error) {
	var body any
	if c.mobile {
		rt, err := c.refreshStore.Load()
		if err != nil {
			c.logger.Warn("Failed to load refresh token", zap.Error(err))
		}
		body = refreshRequest{RefreshToken: rt}
	}

	env, err := c.Do(ctx, Request{Method: http.MethodPut, Path: PathRefresh, Body: body, NoRefresh: true})
	if err != nil {
		return session.Token{}, err
	}
	return c.storeSession(env.Data)
}

// storeSession extracts the token payload, keeping the known user when the
// payload carries none.
func (c *Client) storeSession(data []byte) (session.Token, error) {
	access := accessTokenFrom(data)
	if access == "" {
		return session.Token{}, apperror.New(apperror.KindAuth, apperror.CodeUnauthorized, "No access token in response")
	}

	token := session.Token{AccessToken: access, User: c.tokens.User()}
	if exp := gjson.GetBytes(data, "expiresAt"); exp.Exists() {
		if t, err := time.Parse(time.RFC3339, exp.String()); err == nil {
			token.ExpiresAt = t
		}
	}
	if u := gjson.GetBytes(data, "user"); u.Exists() {
		token.User = parseUser(u)
	}
	c.tokens.Set(token)

	if rt := gjson.GetBytes(data, "refreshToken").String(); rt != "" && c.mobile {
		if err := c.refreshStore.Save(rt); err != nil {
			c.logger.Warn("Failed to persist refresh token", zap.Error(err))
		}
	}

	stored, _ := c.tokens.Current()
	return stored, nil
}

func accessTokenFrom(data []byte) string {
	for _, path := range []string{"accessToken", "token", "access_token"} {
		if v := gjson.GetBytes(data, path); v.Exists() && v.Type == gjson.String {
			return v.String()
		}
	}
	return ""
}

func parseUser(u gjson.Result) session.User {
	id := u.Get("id").String()
	if id == "" {
		id = u.Get("_id").String()
	}
	return session.User{
		ID:    id,
		Role:  u.Get("role").String(),
		Name:  u.Get("name").String(),
		Email: u.Get("email").String(),
	}
}
