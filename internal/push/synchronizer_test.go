package push

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xabirequejo/feditext/internal/domain"
)

type fakeGateway struct {
	mu           sync.Mutex
	authorized   bool
	authErr      error
	token        []byte
	tokenErr     error
	tokenCalls   int
	promptedWith []bool
}

func (g *fakeGateway) IsAuthorized(_ context.Context, promptIfNeeded bool) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.promptedWith = append(g.promptedWith, promptIfNeeded)
	return g.authorized, g.authErr
}

func (g *fakeGateway) RegistrationToken(_ context.Context) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tokenCalls++
	return g.token, g.tokenErr
}

func (g *fakeGateway) Events(_ context.Context) (<-chan domain.InboundEvent, error) {
	return nil, nil
}

func (g *fakeGateway) RemoveDelivered(_ context.Context, _ []string) error { return nil }

func (g *fakeGateway) Enqueue(_ context.Context, _ domain.Notice) error { return nil }

type fakeHandle struct {
	mu            sync.Mutex
	subscriptions []subscription
	err           error
}

type subscription struct {
	token  []byte
	alerts domain.PushAlerts
	policy domain.PushPolicy
}

func (h *fakeHandle) Snapshots(_ context.Context, _ bool) (<-chan domain.SnapshotUpdate, error) {
	return nil, nil
}

func (h *fakeHandle) MarkLastUse(_ context.Context) error { return nil }

func (h *fakeHandle) CreatePushSubscription(_ context.Context, token []byte, alerts domain.PushAlerts, policy domain.PushPolicy) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.subscriptions = append(h.subscriptions, subscription{token: token, alerts: alerts, policy: policy})
	return nil
}

func (h *fakeHandle) HandleNotification(_ context.Context, _ domain.PushPayload) error { return nil }

type fakeBulkRegistry struct {
	mu     sync.Mutex
	tokens [][]byte
	err    error
}

func (r *fakeBulkRegistry) IdentityCreatedEvents(_ context.Context) (<-chan uuid.UUID, error) {
	return nil, nil
}

func (r *fakeBulkRegistry) MostRecentlyUsedID(_ context.Context) (<-chan uuid.UUID, error) {
	return nil, nil
}

func (r *fakeBulkRegistry) OpenSession(_ context.Context, _ uuid.UUID) (domain.SessionHandle, error) {
	return nil, domain.ErrIdentityNotFound
}

func (r *fakeBulkRegistry) DeleteIdentity(_ context.Context, _ uuid.UUID) error { return nil }

func (r *fakeBulkRegistry) UpdateAllSubscriptions(_ context.Context, token []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.tokens = append(r.tokens, token)
	return nil
}

func (r *fakeBulkRegistry) ClearCache(_ context.Context) error { return nil }

func usableSession(handle *fakeHandle) *domain.ActiveSession {
	return &domain.ActiveSession{
		Identity: domain.Identity{
			ID:            uuid.New(),
			Handle:        "alice@example.social",
			Authenticated: true,
		},
		Handle: handle,
	}
}

func TestOnActivationRegistersSubscription(t *testing.T) {
	gateway := &fakeGateway{authorized: true, token: []byte("device-token")}
	handle := &fakeHandle{}
	s := NewSynchronizer(gateway, &fakeBulkRegistry{})

	s.OnActivation(context.Background(), usableSession(handle))

	require.Len(t, handle.subscriptions, 1)
	sub := handle.subscriptions[0]
	assert.Equal(t, []byte("device-token"), sub.token)
	assert.Equal(t, domain.DefaultPushAlerts(), sub.alerts)
	assert.Equal(t, domain.PushPolicyAll, sub.policy)
	assert.Equal(t, []bool{true}, gateway.promptedWith)
}

func TestOnActivationUsesStoredAlertsAndPolicy(t *testing.T) {
	gateway := &fakeGateway{authorized: true, token: []byte("device-token")}
	handle := &fakeHandle{}
	s := NewSynchronizer(gateway, &fakeBulkRegistry{})

	session := usableSession(handle)
	session.Identity.PushSubscriptionAlerts = domain.PushAlerts{Mention: true}
	session.Identity.PushSubscriptionPolicy = domain.PushPolicyFollowed

	s.OnActivation(context.Background(), session)

	require.Len(t, handle.subscriptions, 1)
	assert.Equal(t, domain.PushAlerts{Mention: true}, handle.subscriptions[0].alerts)
	assert.Equal(t, domain.PushPolicyFollowed, handle.subscriptions[0].policy)
}

func TestOnActivationSkipsPendingIdentity(t *testing.T) {
	gateway := &fakeGateway{authorized: true, token: []byte("device-token")}
	handle := &fakeHandle{}
	s := NewSynchronizer(gateway, &fakeBulkRegistry{})

	session := usableSession(handle)
	session.Identity.Pending = true

	s.OnActivation(context.Background(), session)

	assert.Empty(t, handle.subscriptions)
	assert.Empty(t, gateway.promptedWith, "pending identities should not even hit the gateway")
}

func TestOnActivationSkipsUnauthenticatedIdentity(t *testing.T) {
	gateway := &fakeGateway{authorized: true, token: []byte("device-token")}
	handle := &fakeHandle{}
	s := NewSynchronizer(gateway, &fakeBulkRegistry{})

	session := usableSession(handle)
	session.Identity.Authenticated = false

	s.OnActivation(context.Background(), session)

	assert.Empty(t, handle.subscriptions)
}

func TestOnActivationSkipsWhenNotAuthorized(t *testing.T) {
	gateway := &fakeGateway{authorized: false}
	handle := &fakeHandle{}
	s := NewSynchronizer(gateway, &fakeBulkRegistry{})

	s.OnActivation(context.Background(), usableSession(handle))

	assert.Empty(t, handle.subscriptions)
	assert.Equal(t, 0, gateway.tokenCalls)
}

func TestOnActivationSkipsUnchangedToken(t *testing.T) {
	gateway := &fakeGateway{authorized: true, token: []byte("device-token")}
	handle := &fakeHandle{}
	s := NewSynchronizer(gateway, &fakeBulkRegistry{})

	session := usableSession(handle)
	session.Identity.LastRegisteredDeviceToken = []byte("device-token")

	s.OnActivation(context.Background(), session)

	assert.Empty(t, handle.subscriptions, "an unchanged device token must not be re-registered")
}

func TestOnActivationRegistersChangedToken(t *testing.T) {
	gateway := &fakeGateway{authorized: true, token: []byte("new-token")}
	handle := &fakeHandle{}
	s := NewSynchronizer(gateway, &fakeBulkRegistry{})

	session := usableSession(handle)
	session.Identity.LastRegisteredDeviceToken = []byte("old-token")

	s.OnActivation(context.Background(), session)

	require.Len(t, handle.subscriptions, 1)
	assert.Equal(t, []byte("new-token"), handle.subscriptions[0].token)
}

func TestOnActivationSubscriptionFailureIsSwallowed(t *testing.T) {
	gateway := &fakeGateway{authorized: true, token: []byte("device-token")}
	handle := &fakeHandle{err: assert.AnError}
	s := NewSynchronizer(gateway, &fakeBulkRegistry{})

	assert.NotPanics(t, func() {
		s.OnActivation(context.Background(), usableSession(handle))
	})
}

func TestSyncAllUpdatesSubscriptions(t *testing.T) {
	gateway := &fakeGateway{authorized: true, token: []byte("device-token")}
	registry := &fakeBulkRegistry{}
	s := NewSynchronizer(gateway, registry)

	require.NoError(t, s.SyncAll(context.Background()))

	require.Len(t, registry.tokens, 1)
	assert.Equal(t, []byte("device-token"), registry.tokens[0])
	assert.Equal(t, []bool{false}, gateway.promptedWith, "startup sync must not prompt for authorization")
}

func TestSyncAllSkipsWhenNotAuthorized(t *testing.T) {
	gateway := &fakeGateway{authorized: false}
	registry := &fakeBulkRegistry{}
	s := NewSynchronizer(gateway, registry)

	require.NoError(t, s.SyncAll(context.Background()))
	assert.Empty(t, registry.tokens)
}

func TestSyncAllPropagatesRegistryError(t *testing.T) {
	gateway := &fakeGateway{authorized: true, token: []byte("device-token")}
	registry := &fakeBulkRegistry{err: assert.AnError}
	s := NewSynchronizer(gateway, registry)

	assert.Error(t, s.SyncAll(context.Background()))
}
