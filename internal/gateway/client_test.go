package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xabirequejo/feditext/internal/domain"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL, "relay-secret", clockwork.NewRealClock())
}

func TestIsAuthorized(t *testing.T) {
	var gotPrompt string
	var gotAuth string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/authorization", r.URL.Path)
		gotPrompt = r.URL.Query().Get("prompt")
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]bool{"authorized": true})
	}))

	authorized, err := client.IsAuthorized(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, authorized)
	assert.Equal(t, "true", gotPrompt)
	assert.Equal(t, "Bearer relay-secret", gotAuth)

	_, err = client.IsAuthorized(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, gotPrompt)
}

func TestRegistrationToken(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/registration", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		token := base64.StdEncoding.EncodeToString([]byte("device-token"))
		_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
	}))

	token, err := client.RegistrationToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("device-token"), token)
}

func TestRegistrationToken_Malformed(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "%%% not base64 %%%"})
	}))

	_, err := client.RegistrationToken(context.Background())
	assert.ErrorContains(t, err, "malformed registration token")
}

func TestRemoveDelivered(t *testing.T) {
	var got struct {
		IDs []string `json:"ids"`
	}
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/notifications/remove", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, client.RemoveDelivered(context.Background(), []string{"a", "b"}))
	assert.Equal(t, []string{"a", "b"}, got.IDs)
}

func TestEnqueue(t *testing.T) {
	var got domain.Notice
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/notifications", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))

	notice := domain.Notice{ID: "n-1", Category: domain.NoticeCategoryAccountSwitch, Body: "alice@example.social"}
	require.NoError(t, client.Enqueue(context.Background(), notice))
	assert.Equal(t, notice, got)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	for i := 0; i < breakerFailureThreshold; i++ {
		_, err := client.IsAuthorized(context.Background(), false)
		require.ErrorContains(t, err, "status 500")
	}

	_, err := client.IsAuthorized(context.Background(), false)
	assert.ErrorContains(t, err, "circuit breaker is open")
}

// wsRelay is a minimal relay event socket for tests.
type wsRelay struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
	acks  chan ackFrame
}

func newWSRelay() *wsRelay {
	return &wsRelay{acks: make(chan ackFrame, 16)}
}

func (s *wsRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	go func() {
		for {
			var ack ackFrame
			if err := conn.ReadJSON(&ack); err != nil {
				return
			}
			s.acks <- ack
		}
	}()
}

func (s *wsRelay) send(t *testing.T, frame eventFrame) {
	t.Helper()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.conns) > 0
	}, 2*time.Second, 10*time.Millisecond, "no client connected")

	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	require.NoError(t, conn.WriteJSON(frame))
}

func TestEventsWillPresentAckedOnce(t *testing.T) {
	relay := newWSRelay()
	client := newTestClient(t, relay)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := client.Events(ctx)
	require.NoError(t, err)

	relay.send(t, eventFrame{
		EventID: "e-1",
		Kind:    kindWillPresent,
		Notice:  domain.Notice{ID: "n-1", Category: domain.NoticeCategoryAccountSwitch},
	})

	var event domain.WillPresentEvent
	select {
	case inbound := <-events:
		var ok bool
		event, ok = inbound.(domain.WillPresentEvent)
		require.True(t, ok, "expected a will-present event, got %T", inbound)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	assert.Equal(t, "n-1", event.Notice.ID)

	// Repeated acks collapse into one frame.
	event.Ack(domain.PresentBanner)
	event.Ack(domain.PresentNone)

	select {
	case ack := <-relay.acks:
		assert.Equal(t, "e-1", ack.EventID)
		assert.Equal(t, string(domain.PresentBanner), ack.Option)
	case <-time.After(2 * time.Second):
		t.Fatal("ack not received")
	}

	select {
	case ack := <-relay.acks:
		t.Fatalf("unexpected second ack: %+v", ack)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventsResponseCarriesRawPayload(t *testing.T) {
	relay := newWSRelay()
	client := newTestClient(t, relay)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := client.Events(ctx)
	require.NoError(t, err)

	payload := json.RawMessage(`{"identity_id":"8a9c5b9e-ef0f-4e3a-9354-533b8c1ae4be","notification_id":"42"}`)
	relay.send(t, eventFrame{EventID: "e-2", Kind: kindResponse, Payload: payload})

	select {
	case inbound := <-events:
		event, ok := inbound.(domain.ResponseEvent)
		require.True(t, ok, "expected a response event, got %T", inbound)
		assert.JSONEq(t, string(payload), string(event.Raw))
		event.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case ack := <-relay.acks:
		assert.Equal(t, "e-2", ack.EventID)
		assert.Empty(t, ack.Option)
	case <-time.After(2 * time.Second):
		t.Fatal("ack not received")
	}
}

func TestEventsChannelClosesOnCancel(t *testing.T) {
	relay := newWSRelay()
	client := newTestClient(t, relay)
	ctx, cancel := context.WithCancel(context.Background())

	events, err := client.Events(ctx)
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok, "events channel should close after cancellation")
	case <-time.After(2 * time.Second):
		t.Fatal("events channel did not close")
	}
}

func TestEventsUnknownKindDropped(t *testing.T) {
	relay := newWSRelay()
	client := newTestClient(t, relay)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := client.Events(ctx)
	require.NoError(t, err)

	relay.send(t, eventFrame{EventID: "e-3", Kind: "mystery"})
	relay.send(t, eventFrame{EventID: "e-4", Kind: kindResponse, Payload: json.RawMessage(`{}`)})

	select {
	case inbound := <-events:
		event, ok := inbound.(domain.ResponseEvent)
		require.True(t, ok, "unknown kinds must be skipped, got %T", inbound)
		event.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}
