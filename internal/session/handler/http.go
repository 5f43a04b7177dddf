package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"postboard/backend/internal/server/middleware"
	sessiondomain "postboard/backend/internal/session/domain"
	"postboard/backend/internal/session/service"
	userdomain "postboard/backend/internal/user/domain"
)

// SessionManager is the session lifecycle used by the HTTP handlers.
type SessionManager interface {
	Login(ctx context.Context, username, password string) (*sessiondomain.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*sessiondomain.TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
	RevokeAll(ctx context.Context, userID string) error
}

// Handler serves login, refresh-token, logout and logout-all.
type Handler struct {
	sessions SessionManager
	log      *slog.Logger
}

// NewHandler returns a session Handler. log may be nil.
func NewHandler(sessions SessionManager, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{sessions: sessions, log: log}
}

// Routes registers the session endpoints on g. limit guards the credential
// exchanges; auth guards logout-all.
func (h *Handler) Routes(g *echo.Group, limit, auth echo.MiddlewareFunc) {
	g.POST("/login", h.Login, limit)
	g.POST("/refresh-token", h.RefreshToken, limit)
	g.POST("/logout", h.Logout)
	g.POST("/logout-all", h.LogoutAll, auth)
}

type loginRequest struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" form:"refreshToken"`
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	UserID       string `json:"userID"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func toTokenResponse(p *sessiondomain.TokenPair) tokenResponse {
	return tokenResponse{AccessToken: p.AccessToken, RefreshToken: p.RefreshToken, UserID: p.UserID}
}

// Login exchanges username and password for a token pair.
func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{"Invalid Request"})
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{"Missing Arguments"})
	}
	pair, err := h.sessions.Login(c.Request().Context(), strings.TrimSpace(req.Username), req.Password)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, toTokenResponse(pair))
}

// RefreshToken rotates a refresh token. The token is read from the body, or
// from the Authorization header when the body has none.
func (h *Handler) RefreshToken(c echo.Context) error {
	token, ok := refreshTokenFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, errorResponse{"Authentication required"})
	}
	pair, err := h.sessions.Refresh(c.Request().Context(), token)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, toTokenResponse(pair))
}

// Logout ends the session of the presented refresh token.
func (h *Handler) Logout(c echo.Context) error {
	token, ok := refreshTokenFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, errorResponse{"Authentication required"})
	}
	if err := h.sessions.Logout(c.Request().Context(), token); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, messageResponse{"Logged out"})
}

// LogoutAll ends every session of the authenticated user.
func (h *Handler) LogoutAll(c echo.Context) error {
	ctx := c.Request().Context()
	userID, ok := middleware.UserID(ctx)
	if !ok {
		return c.JSON(http.StatusUnauthorized, errorResponse{"Authentication required"})
	}
	if err := h.sessions.RevokeAll(ctx, userID); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, messageResponse{"Logged out of all sessions"})
}

func refreshTokenFrom(c echo.Context) (string, bool) {
	var req refreshRequest
	_ = c.Bind(&req)
	token := strings.TrimSpace(req.RefreshToken)
	if token == "" {
		token = middleware.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
	}
	return token, token != ""
}

// fail maps service errors to generic client responses.
func (h *Handler) fail(c echo.Context, err error) error {
	switch {
	case errors.Is(err, userdomain.ErrUserNotFound), errors.Is(err, userdomain.ErrInvalidCredentials):
		return c.JSON(http.StatusUnauthorized, errorResponse{"Authentication failed"})
	case errors.Is(err, service.ErrUnauthorized):
		return c.JSON(http.StatusForbidden, errorResponse{"Invalid Request"})
	case errors.Is(err, service.ErrStoreContention):
		return c.JSON(http.StatusServiceUnavailable, errorResponse{"Service Unavailable"})
	default:
		h.log.ErrorContext(c.Request().Context(), "session request failed", "path", c.Path(), "error", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{"Internal Server Error"})
	}
}
