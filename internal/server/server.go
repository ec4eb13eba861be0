package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xabirequejo/feditext/internal/config"
	"github.com/xabirequejo/feditext/internal/domain"
	apperrors "github.com/xabirequejo/feditext/internal/errors"
	"github.com/xabirequejo/feditext/internal/logging"
)

// Sessions is the slice of the coordinator the control API drives.
type Sessions interface {
	Current() *domain.ActiveSession
	Select(id uuid.UUID, immediate, notify bool)
	ForceReload()
	TintColor() string
	DeleteIdentity(ctx context.Context, id uuid.UUID) error
	ClearCache(ctx context.Context) error
}

// Identities is the registry surface for identity management.
type Identities interface {
	CreateIdentity(ctx context.Context, identity domain.Identity) error
	GetIdentity(ctx context.Context, id uuid.UUID) (domain.Identity, error)
	ListIdentities(ctx context.Context) ([]domain.Identity, error)
}

// Pinger is a dependency whose liveness the health endpoint reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	echo       *echo.Echo
	config     *config.Config
	sessions   Sessions
	identities Identities
	deps       map[string]Pinger
}

func NewServer(cfg *config.Config, sessions Sessions, identities Identities, deps map[string]Pinger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(requestIDMiddleware())
	e.Use(apperrors.Middleware())

	srv := &Server{
		echo:       e,
		config:     cfg,
		sessions:   sessions,
		identities: identities,
		deps:       deps,
	}
	srv.registerRoutes()
	return srv
}

// requestIDMiddleware stamps each request's context with a fresh ID so
// log lines across the handler chain can be tied together.
func requestIDMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := logging.WithRequestID(req.Context(), logging.NewRequestID())
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}

func (s *Server) Start() error {
	slog.Info("Starting control API", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
