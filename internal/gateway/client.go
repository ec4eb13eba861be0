// Package gateway is the push relay client. The relay owns the OS-level
// notification surface (authorization prompts, device registration,
// presentation); this client mirrors it as a NotificationGateway: commands
// go over HTTP behind a circuit breaker, inbound events arrive on a
// reconnecting websocket.
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"

	"github.com/xabirequejo/feditext/internal/domain"
	"github.com/xabirequejo/feditext/internal/metrics"
)

const (
	httpTimeout    = 10 * time.Second
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second

	breakerFailureThreshold = 5
	breakerOpenDuration     = 30 * time.Second
)

// Client talks to the push relay.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	dialer     *websocket.Dialer
	clock      clockwork.Clock
}

func NewClient(relayURL, authToken string, clock clockwork.Clock) *Client {
	settings := gobreaker.Settings{
		Name: "relay-http",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		Timeout: breakerOpenDuration,
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			metrics.GatewayBreakerState.Set(breakerStateValue(to))
		},
	}

	return &Client{
		baseURL:    strings.TrimRight(relayURL, "/"),
		authToken:  authToken,
		httpClient: &http.Client{Timeout: httpTimeout},
		breaker:    gobreaker.NewCircuitBreaker(settings),
		dialer:     websocket.DefaultDialer,
		clock:      clock,
	}
}

func breakerStateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

func (c *Client) header() http.Header {
	header := http.Header{}
	if c.authToken != "" {
		header.Set("Authorization", "Bearer "+c.authToken)
	}
	return header
}

// doJSON performs one relay HTTP call through the circuit breaker.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			encoded, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("failed to encode request body: %w", err)
			}
			reader = bytes.NewReader(encoded)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to build relay request: %w", err)
		}
		req.Header = c.header()
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("relay request failed: %w", err)
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("relay returned status %d for %s %s", resp.StatusCode, method, path)
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("failed to decode relay response: %w", err)
			}
		}
		return nil, nil
	})
	return err
}

// IsAuthorized reports the relay's notification authorization state.
func (c *Client) IsAuthorized(ctx context.Context, promptIfNeeded bool) (bool, error) {
	path := "/v1/authorization"
	if promptIfNeeded {
		path += "?prompt=true"
	}

	var result struct {
		Authorized bool `json:"authorized"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &result); err != nil {
		return false, err
	}
	return result.Authorized, nil
}

// RegistrationToken runs the device registration handshake.
func (c *Client) RegistrationToken(ctx context.Context) ([]byte, error) {
	var result struct {
		Token string `json:"token"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/registration", nil, &result); err != nil {
		return nil, err
	}

	token, err := base64.StdEncoding.DecodeString(result.Token)
	if err != nil {
		return nil, fmt.Errorf("malformed registration token: %w", err)
	}
	return token, nil
}

// RemoveDelivered withdraws delivered notifications by id.
func (c *Client) RemoveDelivered(ctx context.Context, ids []string) error {
	body := struct {
		IDs []string `json:"ids"`
	}{IDs: ids}
	return c.doJSON(ctx, http.MethodPost, "/v1/notifications/remove", body, nil)
}

// Enqueue presents a locally generated notice through the relay.
func (c *Client) Enqueue(ctx context.Context, notice domain.Notice) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/notifications", notice, nil)
}

// eventsURL rewrites the relay base URL to its websocket endpoint.
func (c *Client) eventsURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse relay URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/events"
	return u.String(), nil
}
