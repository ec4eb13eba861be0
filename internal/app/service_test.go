package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xabirequejo/feditext/internal/domain"
)

type stubHandle struct {
	mu            sync.Mutex
	identity      domain.Identity
	stream        chan domain.SnapshotUpdate
	subscriptions [][]byte
	notifications []domain.PushPayload
}

func newStubHandle(identity domain.Identity) *stubHandle {
	return &stubHandle{identity: identity, stream: make(chan domain.SnapshotUpdate, 16)}
}

func (h *stubHandle) Snapshots(_ context.Context, _ bool) (<-chan domain.SnapshotUpdate, error) {
	h.stream <- domain.SnapshotUpdate{Identity: h.identity}
	return h.stream, nil
}

func (h *stubHandle) MarkLastUse(_ context.Context) error { return nil }

func (h *stubHandle) CreatePushSubscription(_ context.Context, token []byte, _ domain.PushAlerts, _ domain.PushPolicy) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscriptions = append(h.subscriptions, token)
	return nil
}

func (h *stubHandle) HandleNotification(_ context.Context, payload domain.PushPayload) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifications = append(h.notifications, payload)
	return nil
}

func (h *stubHandle) subscribed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscriptions)
}

func (h *stubHandle) notified() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.notifications)
}

type stubRegistry struct {
	mu          sync.Mutex
	identities  map[uuid.UUID]domain.Identity
	handles     map[uuid.UUID]*stubHandle
	created     chan uuid.UUID
	mru         chan uuid.UUID
	bulkUpdates int
}

func newStubRegistry() *stubRegistry {
	return &stubRegistry{
		identities: make(map[uuid.UUID]domain.Identity),
		handles:    make(map[uuid.UUID]*stubHandle),
		created:    make(chan uuid.UUID, 16),
		mru:        make(chan uuid.UUID, 16),
	}
}

func (r *stubRegistry) add(identity domain.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identities[identity.ID] = identity
}

func (r *stubRegistry) IdentityCreatedEvents(_ context.Context) (<-chan uuid.UUID, error) {
	return r.created, nil
}

func (r *stubRegistry) MostRecentlyUsedID(_ context.Context) (<-chan uuid.UUID, error) {
	return r.mru, nil
}

func (r *stubRegistry) OpenSession(_ context.Context, id uuid.UUID) (domain.SessionHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.identities[id]
	if !ok {
		return nil, domain.ErrIdentityNotFound
	}
	handle := newStubHandle(identity)
	r.handles[id] = handle
	return handle, nil
}

func (r *stubRegistry) DeleteIdentity(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.identities, id)
	return nil
}

func (r *stubRegistry) UpdateAllSubscriptions(_ context.Context, _ []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bulkUpdates++
	return nil
}

func (r *stubRegistry) ClearCache(_ context.Context) error { return nil }

func (r *stubRegistry) handle(id uuid.UUID) *stubHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[id]
}

func (r *stubRegistry) bulk() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bulkUpdates
}

type stubGateway struct {
	mu      sync.Mutex
	events  chan domain.InboundEvent
	notices []domain.Notice
}

func newStubGateway() *stubGateway {
	return &stubGateway{events: make(chan domain.InboundEvent, 16)}
}

func (g *stubGateway) IsAuthorized(_ context.Context, _ bool) (bool, error) { return true, nil }

func (g *stubGateway) RegistrationToken(_ context.Context) ([]byte, error) {
	return []byte("device-token"), nil
}

func (g *stubGateway) Events(_ context.Context) (<-chan domain.InboundEvent, error) {
	return g.events, nil
}

func (g *stubGateway) RemoveDelivered(_ context.Context, _ []string) error { return nil }

func (g *stubGateway) Enqueue(_ context.Context, notice domain.Notice) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notices = append(g.notices, notice)
	return nil
}

func startService(t *testing.T, registry *stubRegistry, gateway *stubGateway) *Service {
	t.Helper()
	svc := NewService(registry, gateway, time.Second, clockwork.NewRealClock())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(svc.Stop)
	return svc
}

func TestStartSelectsMostRecentlyUsedAndSyncsPush(t *testing.T) {
	registry := newStubRegistry()
	gateway := newStubGateway()
	identity := domain.Identity{ID: uuid.New(), Handle: "alice@example.social", Authenticated: true}
	registry.add(identity)

	svc := startService(t, registry, gateway)
	registry.mru <- identity.ID

	require.Eventually(t, func() bool {
		current := svc.Sessions().Current()
		return current != nil && current.Identity.ID == identity.ID
	}, time.Second, 5*time.Millisecond)

	// Activation registers a push subscription; startup refreshes stored ones.
	require.Eventually(t, func() bool {
		handle := registry.handle(identity.ID)
		return handle != nil && handle.subscribed() == 1
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return registry.bulk() == 1 }, time.Second, 5*time.Millisecond)
}

func TestInboundNotificationSwitchesAndDispatches(t *testing.T) {
	registry := newStubRegistry()
	gateway := newStubGateway()
	alice := domain.Identity{ID: uuid.New(), Handle: "alice@example.social", Authenticated: true}
	bob := domain.Identity{ID: uuid.New(), Handle: "bob@example.social", Authenticated: true}
	registry.add(alice)
	registry.add(bob)

	svc := startService(t, registry, gateway)
	svc.Sessions().Select(alice.ID, false, false)
	require.Eventually(t, func() bool {
		current := svc.Sessions().Current()
		return current != nil && current.Identity.ID == alice.ID
	}, time.Second, 5*time.Millisecond)

	raw, err := json.Marshal(map[string]string{
		"identity_id":     bob.ID.String(),
		"notification_id": "n-1",
	})
	require.NoError(t, err)

	acked := make(chan struct{})
	gateway.events <- domain.ResponseEvent{Raw: raw, Ack: func() { close(acked) }}

	require.Eventually(t, func() bool {
		handle := registry.handle(bob.ID)
		return handle != nil && handle.notified() == 1
	}, 2*time.Second, 5*time.Millisecond)

	current := svc.Sessions().Current()
	require.NotNil(t, current)
	assert.Equal(t, bob.ID, current.Identity.ID)

	select {
	case <-acked:
	case <-time.After(time.Second):
		t.Fatal("response event was not acknowledged")
	}
}
