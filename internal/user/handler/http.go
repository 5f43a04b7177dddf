package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/labstack/echo/v4"

	"postboard/backend/internal/server/middleware"
	"postboard/backend/internal/user/avatar"
	"postboard/backend/internal/user/domain"
	"postboard/backend/internal/user/service"
)

// UserService is the registration and profile API used by the handlers.
type UserService interface {
	Register(ctx context.Context, in service.RegisterInput) (*domain.User, error)
	Get(ctx context.Context, id string) (*domain.User, error)
	UpdateProfile(ctx context.Context, id string, upd domain.ProfileUpdate) (*domain.User, error)
}

// AvatarStore persists uploaded avatars.
type AvatarStore interface {
	Save(r io.Reader) (string, error)
	Remove(name string) error
}

// Handler serves registration and the authenticated profile endpoints.
type Handler struct {
	users   UserService
	avatars AvatarStore
	log     *slog.Logger
}

// NewHandler returns a user Handler. log may be nil.
func NewHandler(users UserService, avatars AvatarStore, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{users: users, avatars: avatars, log: log}
}

// Routes registers the user endpoints on g. auth guards the profile endpoints.
func (h *Handler) Routes(g *echo.Group, auth echo.MiddlewareFunc) {
	g.POST("/register", h.Register)
	g.PUT("", h.UpdateProfile, auth)
	g.GET("/me", h.Me, auth)
}

type errorResponse struct {
	Error string `json:"error"`
}

// Register creates an account from a multipart form. The avatar file is required.
func (h *Handler) Register(c echo.Context) error {
	in := service.RegisterInput{
		Username: c.FormValue("username"),
		Password: c.FormValue("password"),
		Email:    c.FormValue("email"),
	}
	if in.Username == "" || in.Password == "" || in.Email == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{"Missing Arguments"})
	}
	name, err := h.saveAvatar(c)
	if err != nil {
		return h.fail(c, err)
	}
	if name == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{"Missing Arguments"})
	}
	in.Avatar = name

	u, err := h.users.Register(c.Request().Context(), in)
	if err != nil {
		h.discardAvatar(c, name)
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, u.Public())
}

// UpdateProfile changes the caller's username and/or avatar.
func (h *Handler) UpdateProfile(c echo.Context) error {
	ctx := c.Request().Context()
	userID, ok := middleware.UserID(ctx)
	if !ok {
		return c.JSON(http.StatusUnauthorized, errorResponse{"Authentication required"})
	}

	var upd domain.ProfileUpdate
	if v := c.FormValue("username"); v != "" {
		upd.Username = &v
	}
	name, err := h.saveAvatar(c)
	if err != nil {
		return h.fail(c, err)
	}
	if name != "" {
		upd.Avatar = &name
	}
	if upd.Empty() {
		return c.JSON(http.StatusBadRequest, errorResponse{"Missing Arguments"})
	}

	var previous string
	if upd.Avatar != nil {
		if cur, err := h.users.Get(ctx, userID); err == nil {
			previous = cur.Avatar
		}
	}
	u, err := h.users.UpdateProfile(ctx, userID, upd)
	if err != nil {
		h.discardAvatar(c, name)
		return h.fail(c, err)
	}
	if previous != "" && previous != u.Avatar {
		h.discardAvatar(c, previous)
	}
	return c.JSON(http.StatusOK, u.Public())
}

// Me returns the caller's public profile.
func (h *Handler) Me(c echo.Context) error {
	ctx := c.Request().Context()
	userID, ok := middleware.UserID(ctx)
	if !ok {
		return c.JSON(http.StatusUnauthorized, errorResponse{"Authentication required"})
	}
	u, err := h.users.Get(ctx, userID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, u.Public())
}

// saveAvatar stores the "avatar" form file, if present, and returns its name.
func (h *Handler) saveAvatar(c echo.Context) (string, error) {
	fh, err := c.FormFile("avatar")
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if fh.Size > avatar.MaxSize {
		return "", avatar.ErrTooLarge
	}
	f, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer func(f multipart.File) { _ = f.Close() }(f)
	return h.avatars.Save(f)
}

func (h *Handler) discardAvatar(c echo.Context, name string) {
	if name == "" {
		return
	}
	if err := h.avatars.Remove(name); err != nil {
		h.log.WarnContext(c.Request().Context(), "failed to remove avatar", "avatar", name, "error", err)
	}
}

func (h *Handler) fail(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrMissingArguments):
		return c.JSON(http.StatusBadRequest, errorResponse{"Missing Arguments"})
	case errors.Is(err, service.ErrPasswordTooLong):
		return c.JSON(http.StatusBadRequest, errorResponse{"Password Too Long"})
	case errors.Is(err, avatar.ErrUnsupportedType):
		return c.JSON(http.StatusBadRequest, errorResponse{"File Type Unsupported"})
	case errors.Is(err, avatar.ErrTooLarge):
		return c.JSON(http.StatusBadRequest, errorResponse{"File Too Large"})
	case errors.Is(err, domain.ErrUsernameTaken):
		return c.JSON(http.StatusConflict, errorResponse{"Username Taken"})
	case errors.Is(err, domain.ErrUserNotFound):
		return c.JSON(http.StatusNotFound, errorResponse{"User Not Found"})
	default:
		h.log.ErrorContext(c.Request().Context(), "user request failed", "path", c.Path(), "error", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{"Internal Server Error"})
	}
}
