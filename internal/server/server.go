package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/otel/trace"

	healthhandler "postboard/backend/internal/health/handler"
	"postboard/backend/internal/server/middleware"
	sessionhandler "postboard/backend/internal/session/handler"
	userhandler "postboard/backend/internal/user/handler"
)

// Deps holds the services behind the HTTP routes.
type Deps struct {
	Sessions interface {
		sessionhandler.SessionManager
		middleware.Authenticator
	}
	Users   userhandler.UserService
	Avatars interface {
		userhandler.AvatarStore
		Dir() string
	}
	// Pinger backs /readyz. If nil, readiness always succeeds.
	Pinger healthhandler.Pinger
	Logger *slog.Logger
	// TracerProvider overrides the global provider for request spans.
	TracerProvider trace.TracerProvider
	// LoginRatePerSec and LoginRateBurst bound login and refresh per client IP. A rate <= 0 disables limiting.
	LoginRatePerSec float64
	LoginRateBurst  int
}

// bodyLimit leaves room for a maximum-size avatar plus form fields.
const bodyLimit = "6M"

var healthPaths = map[string]bool{"/healthz": true, "/readyz": true}

// New returns an echo instance with every route registered.
//
// Route → handler mapping:
//   - /users/login, /users/refresh-token, /users/logout, /users/logout-all → internal/session/handler
//   - /users/register, PUT /users, /users/me                             → internal/user/handler
//   - /healthz, /readyz                                                  → internal/health/handler
//   - /avatars/*                                                         → stored avatar files
func New(deps Deps) *echo.Echo {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.IPExtractor = echo.ExtractIPFromXFFHeader()

	e.Use(echomw.Recover())
	e.Use(echomw.BodyLimit(bodyLimit))
	e.Use(middleware.ClientIPContext())
	e.Use(middleware.RequestTelemetry(log, deps.TracerProvider, healthPaths))

	healthhandler.NewHTTP(deps.Pinger).Routes(e)

	users := e.Group("/users")
	auth := middleware.BearerAuth(deps.Sessions)
	limiter := middleware.NewIPRateLimiter(deps.LoginRatePerSec, deps.LoginRateBurst)
	sessionhandler.NewHandler(deps.Sessions, log).Routes(users, limiter.Middleware(), auth)
	userhandler.NewHandler(deps.Users, deps.Avatars, log).Routes(users, auth)

	if deps.Avatars != nil {
		e.Static("/avatars", deps.Avatars.Dir())
	}
	return e
}

// Serve runs e on addr until ctx is canceled, then shuts it down gracefully
// within shutdownTimeout.
func Serve(ctx context.Context, e *echo.Echo, addr string, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
