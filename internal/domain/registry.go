package domain

import (
	"context"

	"github.com/google/uuid"
)

// IdentityRegistry is the durable store of identities. The core consumes
// it; it never owns identity data itself.
//
// uuid.Nil stands for "no identity" wherever an optional id appears.
type IdentityRegistry interface {
	// IdentityCreatedEvents yields the id of every identity created after
	// the subscription is established. The channel closes when ctx is
	// cancelled.
	IdentityCreatedEvents(ctx context.Context) (<-chan uuid.UUID, error)

	// OpenSession opens a session handle for the identity. Returns
	// ErrIdentityNotFound if the identity does not exist.
	OpenSession(ctx context.Context, id uuid.UUID) (SessionHandle, error)

	// DeleteIdentity removes the identity and its stored state.
	DeleteIdentity(ctx context.Context, id uuid.UUID) error

	// MostRecentlyUsedID streams the most-recently-used identity id. The
	// last known value (possibly uuid.Nil) is delivered immediately on
	// subscribe.
	MostRecentlyUsedID(ctx context.Context) (<-chan uuid.UUID, error)

	// UpdateAllSubscriptions re-registers the device token for every
	// identity that currently has a push subscription.
	UpdateAllSubscriptions(ctx context.Context, token []byte) error

	// ClearCache drops any cached snapshot state so the next read
	// round-trips to the store. Debug surface.
	ClearCache(ctx context.Context) error
}
