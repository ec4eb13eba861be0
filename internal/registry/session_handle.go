package registry

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/xabirequejo/feditext/internal/domain"
)

// sessionHandle performs identity-scoped actions against the registry. One
// handle is created per session activation.
type sessionHandle struct {
	registry *Registry
	id       uuid.UUID
}

// Snapshots streams this identity's stored state. The first element is
// served from the snapshot cache when immediate is set, from a fresh read
// otherwise. Update signals trigger re-reads; a read failure (including
// deletion) terminates the stream.
func (h *sessionHandle) Snapshots(ctx context.Context, immediate bool) (<-chan domain.SnapshotUpdate, error) {
	// Subscribe before the first read so no update between the two is lost.
	updates, err := h.registry.signals.IdentityUpdated(ctx, h.id)
	if err != nil {
		return nil, err
	}

	var first domain.SnapshotUpdate
	if cached, ok := h.registry.cached(h.id); immediate && ok {
		first = domain.SnapshotUpdate{Identity: cached}
	} else {
		identity, err := h.registry.fetch(ctx, h.id)
		if err != nil {
			first = domain.SnapshotUpdate{Err: err}
		} else {
			first = domain.SnapshotUpdate{Identity: identity}
		}
	}

	out := make(chan domain.SnapshotUpdate, 16)
	go func() {
		defer close(out)

		select {
		case out <- first:
		case <-ctx.Done():
			return
		}
		if first.Err != nil {
			return
		}

		for range updates {
			identity, err := h.registry.fetch(ctx, h.id)
			if err != nil {
				select {
				case out <- domain.SnapshotUpdate{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case out <- domain.SnapshotUpdate{Identity: identity}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// MarkLastUse bumps the durable recency ordering and repoints the shared
// most-recently-used pointer.
func (h *sessionHandle) MarkLastUse(ctx context.Context) error {
	if err := h.registry.store.MarkLastUsed(ctx, h.id); err != nil {
		return err
	}
	return h.registry.signals.SetMostRecentlyUsed(ctx, h.id)
}

// CreatePushSubscription stores the registered subscription and signals the
// identity's snapshot streams.
func (h *sessionHandle) CreatePushSubscription(ctx context.Context, token []byte, alerts domain.PushAlerts, policy domain.PushPolicy) error {
	if err := h.registry.store.UpdatePushSubscription(ctx, h.id, token, alerts, policy); err != nil {
		return err
	}
	h.registry.cacheDrop(h.id)
	return h.registry.signals.PublishIdentityUpdated(ctx, h.id)
}

// HandleNotification is the in-app end of the routing pipeline. The daemon
// records the hand-off; fetching and rendering the referenced notification
// belongs to the client surface.
func (h *sessionHandle) HandleNotification(_ context.Context, payload domain.PushPayload) error {
	slog.Info("Notification handled by session",
		"identity_id", h.id,
		"notification_id", payload.NotificationID,
		"notification_type", payload.Type)
	return nil
}
