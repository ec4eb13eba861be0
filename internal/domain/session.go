package domain

import "context"

// SnapshotUpdate is one element of a session's live snapshot stream. A
// non-nil Err terminates the stream; no further updates follow it.
type SnapshotUpdate struct {
	Identity Identity
	Err      error
}

// SessionHandle performs identity-scoped actions for one open session.
// Implementations round-trip writes through the registry; the core never
// mutates identity fields directly.
type SessionHandle interface {
	// Snapshots returns the live snapshot stream for this session's
	// identity. With immediate set, the first element is served
	// synchronously from local state instead of waiting for a refresh.
	// The stream closes after delivering a terminal SnapshotUpdate.Err or
	// when ctx is cancelled.
	Snapshots(ctx context.Context, immediate bool) (<-chan SnapshotUpdate, error)

	// MarkLastUse records this identity as the most recently used one.
	MarkLastUse(ctx context.Context) error

	// CreatePushSubscription registers (or replaces) the push subscription
	// for this identity with the given device token.
	CreatePushSubscription(ctx context.Context, token []byte, alerts PushAlerts, policy PushPolicy) error

	// HandleNotification hands a routed push payload to this session for
	// in-app handling.
	HandleNotification(ctx context.Context, payload PushPayload) error
}

// ActiveSession bundles the identity snapshot taken at activation, the live
// update stream scoped to this activation, and the handle to act on it.
// Every successful selection produces a fresh instance, including
// re-selecting the same identity; the Updates channel of a superseded
// instance is closed.
type ActiveSession struct {
	Identity Identity
	Updates  <-chan SnapshotUpdate
	Handle   SessionHandle
}
