package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xabirequejo/feditext/internal/domain"
	apperrors "github.com/xabirequejo/feditext/internal/errors"
	"github.com/xabirequejo/feditext/internal/version"
)

const (
	healthCheckTimeout   = 2 * time.Second
	apiRequestsPerSecond = 20.0
	apiRequestBurst      = 40
)

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := s.echo.Group("/api", NewRequestRateLimiter(apiRequestsPerSecond, apiRequestBurst).Middleware())
	api.GET("/session", s.handleGetSession)
	api.POST("/session/select", s.handleSelectSession)
	api.POST("/session/reload", s.handleReloadSession)
	api.POST("/cache/clear", s.handleClearCache)
	api.GET("/identities", s.handleListIdentities)
	api.POST("/identities", s.handleCreateIdentity)
	api.GET("/identities/:id", s.handleGetIdentity)
	api.DELETE("/identities/:id", s.handleDeleteIdentity)
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthCheckTimeout)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.deps))
	for name, dep := range s.deps {
		if err := dep.Ping(ctx); err != nil {
			checks[name] = "unhealthy: " + err.Error()
			status = http.StatusServiceUnavailable
		} else {
			checks[name] = "healthy"
		}
	}

	return c.JSON(status, map[string]interface{}{
		"status":  http.StatusText(status),
		"version": version.Get().Version,
		"checks":  checks,
	})
}

// sessionResponse is the control API's view of the active session.
type sessionResponse struct {
	Identity  domain.Identity `json:"identity"`
	TintColor string          `json:"tint_color"`
}

func (s *Server) handleGetSession(c echo.Context) error {
	session := s.sessions.Current()
	if session == nil {
		return apperrors.NotFoundError("no active session")
	}
	return c.JSON(http.StatusOK, sessionResponse{
		Identity:  session.Identity,
		TintColor: s.sessions.TintColor(),
	})
}

type selectRequest struct {
	IdentityID *uuid.UUID `json:"identity_id"`
	Immediate  bool       `json:"immediate"`
	Notify     bool       `json:"notify"`
}

// handleSelectSession requests a session transition. Selection completes
// asynchronously; a null identity_id clears the active session.
func (s *Server) handleSelectSession(c echo.Context) error {
	var req selectRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	id := uuid.Nil
	if req.IdentityID != nil {
		id = *req.IdentityID
	}

	s.sessions.Select(id, req.Immediate, req.Notify)
	return c.JSON(http.StatusAccepted, map[string]string{"status": "selecting"})
}

func (s *Server) handleReloadSession(c echo.Context) error {
	s.sessions.ForceReload()
	return c.JSON(http.StatusAccepted, map[string]string{"status": "reloading"})
}

func (s *Server) handleClearCache(c echo.Context) error {
	if err := s.sessions.ClearCache(c.Request().Context()); err != nil {
		return apperrors.InternalError("failed to clear cache", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListIdentities(c echo.Context) error {
	identities, err := s.identities.ListIdentities(c.Request().Context())
	if err != nil {
		return apperrors.InternalError("failed to list identities", err)
	}
	if identities == nil {
		identities = []domain.Identity{}
	}
	return c.JSON(http.StatusOK, identities)
}

type createIdentityRequest struct {
	Handle        string `json:"handle"`
	Authenticated bool   `json:"authenticated"`
	Pending       bool   `json:"pending"`
	TintColor     string `json:"tint_color"`
}

func (s *Server) handleCreateIdentity(c echo.Context) error {
	var req createIdentityRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if req.Handle == "" {
		return apperrors.ValidationError("handle is required")
	}

	identity := domain.Identity{
		ID:                     uuid.New(),
		Handle:                 req.Handle,
		Authenticated:          req.Authenticated,
		Pending:                req.Pending,
		PushSubscriptionAlerts: domain.DefaultPushAlerts(),
		PushSubscriptionPolicy: domain.PushPolicyAll,
		Preferences:            domain.Preferences{TintColor: req.TintColor},
	}

	if err := s.identities.CreateIdentity(c.Request().Context(), identity); err != nil {
		return apperrors.InternalError("failed to create identity", err).
			WithContext("handle", req.Handle)
	}
	return c.JSON(http.StatusCreated, identity)
}

func (s *Server) handleGetIdentity(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperrors.ValidationError("invalid identity id")
	}

	identity, err := s.identities.GetIdentity(c.Request().Context(), id)
	if errors.Is(err, domain.ErrIdentityNotFound) {
		return apperrors.NotFoundError("identity not found").WithContext("identity_id", id)
	}
	if err != nil {
		return apperrors.InternalError("failed to get identity", err)
	}
	return c.JSON(http.StatusOK, identity)
}

func (s *Server) handleDeleteIdentity(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperrors.ValidationError("invalid identity id")
	}

	err = s.sessions.DeleteIdentity(c.Request().Context(), id)
	if errors.Is(err, domain.ErrIdentityNotFound) {
		return apperrors.NotFoundError("identity not found").WithContext("identity_id", id)
	}
	if err != nil {
		return apperrors.InternalError("failed to delete identity", err)
	}
	return c.NoContent(http.StatusNoContent)
}
