// Package route turns inbound notification events into in-app actions:
// presenting foreground notices, switching to the target identity, and
// dispatching the payload to its session.
package route

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/xabirequejo/feditext/internal/domain"
	"github.com/xabirequejo/feditext/internal/logging"
	"github.com/xabirequejo/feditext/internal/metrics"
)

const (
	// settleDelay gives the freshly activated session one scheduler beat
	// before the payload is handed over.
	settleDelay = 1 * time.Millisecond

	// noticeRemovalDelay is how long a delivered self-generated notice
	// stays visible before it is withdrawn.
	noticeRemovalDelay = 10 * time.Second
)

// SessionProvider is the slice of the coordinator the router needs.
type SessionProvider interface {
	Current() *domain.ActiveSession
	SelectForNotification(id uuid.UUID)
	Watch() (<-chan *domain.ActiveSession, func())
}

// Router consumes gateway events and routes notification responses to the
// session of the identity they target. Every event is acknowledged exactly
// once, right after parsing, whatever the routing outcome.
type Router struct {
	gateway  domain.NotificationGateway
	sessions SessionProvider
	clock    clockwork.Clock

	// waitTimeout bounds how long a response waits for its target session
	// to become current before the payload is dropped.
	waitTimeout time.Duration
}

func NewRouter(gateway domain.NotificationGateway, sessions SessionProvider, waitTimeout time.Duration, clock clockwork.Clock) *Router {
	return &Router{
		gateway:     gateway,
		sessions:    sessions,
		clock:       clock,
		waitTimeout: waitTimeout,
	}
}

// Start consumes the gateway's event stream until ctx is cancelled or the
// stream closes. Events are handled concurrently; ordering across events
// carries no meaning at this layer.
func (r *Router) Start(ctx context.Context) error {
	events, err := r.gateway.Events(ctx)
	if err != nil {
		return err
	}

	go func() {
		for {
			select {
			case event, ok := <-events:
				if !ok {
					slog.Info("Gateway event stream closed, stopping router")
					return
				}
				switch e := event.(type) {
				case domain.WillPresentEvent:
					go r.handleWillPresent(ctx, e)
				case domain.ResponseEvent:
					go r.handleResponse(ctx, e)
				default:
					slog.Warn("Unknown gateway event type dropped")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// handleWillPresent decides how a foreground notification is surfaced.
// Self-generated account-switch notices are presented, then withdrawn from
// the delivered set after a short delay so they do not linger.
func (r *Router) handleWillPresent(ctx context.Context, event domain.WillPresentEvent) {
	event.Ack(domain.PresentBanner)

	if event.Notice.Category != domain.NoticeCategoryAccountSwitch {
		return
	}

	select {
	case <-r.clock.After(noticeRemovalDelay):
	case <-ctx.Done():
		return
	}

	if err := r.gateway.RemoveDelivered(ctx, []string{event.Notice.ID}); err != nil {
		slog.Warn("Failed to remove delivered switch notice", "notice_id", event.Notice.ID, "error", err)
		return
	}
	metrics.NoticesRemovedTotal.Inc()
}

// handleResponse routes a notification the user acted on. If its target
// identity is not current, the router switches to it and waits, bounded,
// for the new session; the payload is dropped if the session never
// materializes.
func (r *Router) handleResponse(ctx context.Context, event domain.ResponseEvent) {
	ctx = logging.WithRequestID(ctx, logging.NewRequestID())

	payload, err := domain.ParsePushPayload(event.Raw)
	// Acknowledged as soon as parsing settles; the gateway callback is
	// decoupled from whether the route itself succeeds.
	event.Ack()
	if err != nil {
		slog.WarnContext(ctx, "Dropping unroutable notification response", "error", err)
		metrics.RoutedNotificationsTotal.WithLabelValues("parse_error").Inc()
		return
	}

	log := slog.With("identity_id", payload.IdentityID, "notification_id", payload.NotificationID)

	switched := false
	current := r.sessions.Current()
	if current == nil || current.Identity.ID != payload.IdentityID {
		switched = true
		log.InfoContext(ctx, "Switching to notification target identity")
		r.sessions.SelectForNotification(payload.IdentityID)
	}

	start := r.clock.Now()
	session, err := r.awaitActive(ctx, payload.IdentityID)
	metrics.RouteWaitDuration.Observe(r.clock.Since(start).Seconds())
	if err != nil {
		log.WarnContext(ctx, "Dropping notification, target session never became current",
			"wait_timeout", r.waitTimeout, "error", err)
		metrics.RoutedNotificationsTotal.WithLabelValues("timeout").Inc()
		return
	}

	select {
	case <-r.clock.After(settleDelay):
	case <-ctx.Done():
		return
	}

	if err := session.Handle.HandleNotification(ctx, payload); err != nil {
		log.WarnContext(ctx, "Session failed to handle notification", "error", err)
		metrics.RoutedNotificationsTotal.WithLabelValues("handle_error").Inc()
		return
	}

	if switched {
		metrics.RoutedNotificationsTotal.WithLabelValues("switch").Inc()
	} else {
		metrics.RoutedNotificationsTotal.WithLabelValues("dispatched").Inc()
	}
}

// awaitActive performs the one-shot bounded wait for the target session.
// The watch delivers the current session first, so an already-matching
// session returns immediately. The watch buffer is best-effort: a dropped
// transition is indistinguishable from one that never happened and falls
// out as a timeout.
func (r *Router) awaitActive(ctx context.Context, target uuid.UUID) (*domain.ActiveSession, error) {
	sessions, unwatch := r.sessions.Watch()
	defer unwatch()

	timeout := r.clock.NewTimer(r.waitTimeout)
	defer timeout.Stop()

	for {
		select {
		case session, ok := <-sessions:
			if !ok {
				return nil, domain.ErrNoActiveSession
			}
			if session != nil && session.Identity.ID == target {
				return session, nil
			}
		case <-timeout.Chan():
			return nil, domain.ErrRouteTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
