// Package push keeps device push subscriptions in sync with the active
// identity.
package push

import (
	"bytes"
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/xabirequejo/feditext/internal/domain"
	"github.com/xabirequejo/feditext/internal/metrics"
)

// Synchronizer registers push subscriptions for activated identities and
// refreshes all stored subscriptions at startup. Registration is
// best-effort: failures are logged and counted, never surfaced to the
// selection path.
type Synchronizer struct {
	gateway  domain.NotificationGateway
	registry domain.IdentityRegistry
	tokens   singleflight.Group
}

func NewSynchronizer(gateway domain.NotificationGateway, registry domain.IdentityRegistry) *Synchronizer {
	return &Synchronizer{gateway: gateway, registry: registry}
}

// OnActivation registers a push subscription for the newly active session.
// It is wired in as the coordinator's activation hook. Identities that are
// pending or unauthenticated never get a subscription, and a device token
// that matches the identity's last registered one is not re-registered.
func (s *Synchronizer) OnActivation(ctx context.Context, session *domain.ActiveSession) {
	identity := session.Identity
	if !identity.UsableForPush() {
		metrics.PushRegistrationsTotal.WithLabelValues("skipped").Inc()
		return
	}

	authorized, err := s.gateway.IsAuthorized(ctx, true)
	if err != nil {
		slog.Warn("Failed to check notification authorization", "identity_id", identity.ID, "error", err)
		metrics.PushRegistrationsTotal.WithLabelValues("failed").Inc()
		return
	}
	if !authorized {
		slog.Debug("Notifications not authorized, skipping push registration", "identity_id", identity.ID)
		metrics.PushRegistrationsTotal.WithLabelValues("skipped").Inc()
		return
	}

	token, err := s.registrationToken(ctx)
	if err != nil {
		slog.Warn("Failed to obtain device registration token", "identity_id", identity.ID, "error", err)
		metrics.PushRegistrationsTotal.WithLabelValues("failed").Inc()
		return
	}

	if bytes.Equal(token, identity.LastRegisteredDeviceToken) {
		slog.Debug("Device token unchanged, skipping push registration", "identity_id", identity.ID)
		metrics.PushRegistrationsTotal.WithLabelValues("skipped").Inc()
		return
	}

	alerts := identity.PushSubscriptionAlerts
	if alerts == (domain.PushAlerts{}) {
		alerts = domain.DefaultPushAlerts()
	}
	policy := identity.PushSubscriptionPolicy
	if policy == "" {
		policy = domain.PushPolicyAll
	}

	if err := session.Handle.CreatePushSubscription(ctx, token, alerts, policy); err != nil {
		slog.Warn("Failed to create push subscription", "identity_id", identity.ID, "error", err)
		metrics.PushRegistrationsTotal.WithLabelValues("failed").Inc()
		return
	}

	slog.Info("Push subscription registered", "identity_id", identity.ID)
	metrics.PushRegistrationsTotal.WithLabelValues("issued").Inc()
}

// SyncAll refreshes the stored subscriptions of every eligible identity
// with the current device token. Called once at startup; it never prompts
// for authorization.
func (s *Synchronizer) SyncAll(ctx context.Context) error {
	authorized, err := s.gateway.IsAuthorized(ctx, false)
	if err != nil {
		metrics.PushBulkUpdatesTotal.WithLabelValues("failed").Inc()
		return err
	}
	if !authorized {
		slog.Debug("Notifications not authorized, skipping bulk subscription update")
		metrics.PushBulkUpdatesTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	token, err := s.registrationToken(ctx)
	if err != nil {
		metrics.PushBulkUpdatesTotal.WithLabelValues("failed").Inc()
		return err
	}

	if err := s.registry.UpdateAllSubscriptions(ctx, token); err != nil {
		metrics.PushBulkUpdatesTotal.WithLabelValues("failed").Inc()
		return err
	}

	metrics.PushBulkUpdatesTotal.WithLabelValues("updated").Inc()
	return nil
}

// registrationToken collapses concurrent handshakes into one.
func (s *Synchronizer) registrationToken(ctx context.Context) ([]byte, error) {
	v, err, _ := s.tokens.Do("registration-token", func() (interface{}, error) {
		return s.gateway.RegistrationToken(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}
