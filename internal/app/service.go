package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/xabirequejo/feditext/internal/domain"
	"github.com/xabirequejo/feditext/internal/push"
	"github.com/xabirequejo/feditext/internal/route"
	"github.com/xabirequejo/feditext/internal/session"
)

// Service wires the core components together and runs them.
type Service struct {
	registry     domain.IdentityRegistry
	gateway      domain.NotificationGateway
	coordinator  *session.Coordinator
	router       *route.Router
	synchronizer *push.Synchronizer

	cancel context.CancelFunc
}

// NewService builds the component graph. routeTimeout bounds how long a
// routed notification waits for its target session.
func NewService(registry domain.IdentityRegistry, gateway domain.NotificationGateway, routeTimeout time.Duration, clock clockwork.Clock) *Service {
	synchronizer := push.NewSynchronizer(gateway, registry)
	coordinator := session.NewCoordinator(registry, gateway, synchronizer.OnActivation, clock)
	router := route.NewRouter(gateway, coordinator, routeTimeout, clock)

	return &Service{
		registry:     registry,
		gateway:      gateway,
		coordinator:  coordinator,
		router:       router,
		synchronizer: synchronizer,
	}
}

// Start brings up the coordinator and router and refreshes stored push
// subscriptions in the background. The initial session selection is driven
// by the registry's most-recently-used pointer.
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.coordinator.Start(runCtx); err != nil {
		cancel()
		return err
	}
	if err := s.router.Start(runCtx); err != nil {
		cancel()
		s.coordinator.Stop()
		return err
	}

	go func() {
		if err := s.synchronizer.SyncAll(runCtx); err != nil {
			slog.Warn("Startup push subscription refresh failed", "error", err)
		}
	}()

	slog.Info("Application service started")
	return nil
}

// Stop shuts the components down. Safe to call once after Start.
func (s *Service) Stop() {
	s.coordinator.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	slog.Info("Application service stopped")
}

// Sessions exposes the coordinator for the control API.
func (s *Service) Sessions() *session.Coordinator {
	return s.coordinator
}
