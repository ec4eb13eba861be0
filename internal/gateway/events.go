package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/xabirequejo/feditext/internal/domain"
	"github.com/xabirequejo/feditext/internal/metrics"
)

const (
	kindWillPresent = "will_present"
	kindResponse    = "response"
)

// eventFrame is one inbound message on the relay event socket.
type eventFrame struct {
	EventID string          `json:"event_id"`
	Kind    string          `json:"kind"`
	Notice  domain.Notice   `json:"notice,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ackFrame acknowledges one event back to the relay.
type ackFrame struct {
	EventID string `json:"event_id"`
	Option  string `json:"option,omitempty"`
}

// Events connects to the relay event socket and yields inbound events. The
// connection reconnects with backoff until ctx is cancelled; the returned
// channel closes when it is.
func (c *Client) Events(ctx context.Context) (<-chan domain.InboundEvent, error) {
	endpoint, err := c.eventsURL()
	if err != nil {
		return nil, err
	}

	out := make(chan domain.InboundEvent, 16)
	go c.consumeLoop(ctx, endpoint, out)
	return out, nil
}

func (c *Client) consumeLoop(ctx context.Context, endpoint string, out chan<- domain.InboundEvent) {
	defer close(out)

	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		conn, resp, err := c.dialer.DialContext(ctx, endpoint, c.header())
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			slog.Warn("Failed to connect to relay event socket",
				"endpoint", endpoint, "backoff", backoff, "error", err)
			metrics.GatewayReconnectsTotal.Inc()

			select {
			case <-c.clock.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		slog.Info("Connected to relay event socket", "endpoint", endpoint)
		backoff = initialBackoff

		c.readFrames(ctx, conn, out)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		slog.Warn("Relay event socket closed, reconnecting")
		metrics.GatewayReconnectsTotal.Inc()
	}
}

// readFrames reads events off one connection until it fails or ctx ends.
func (c *Client) readFrames(ctx context.Context, conn *websocket.Conn, out chan<- domain.InboundEvent) {
	// Writes (acks) can come from any routing goroutine.
	var writeMu sync.Mutex
	sendAck := func(ack ackFrame) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(ack); err != nil {
			slog.Warn("Failed to acknowledge gateway event", "event_id", ack.EventID, "error", err)
		}
	}

	// Unblock ReadJSON when ctx ends mid-read.
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stopped:
		}
	}()

	for {
		var frame eventFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() == nil {
				slog.Warn("Relay event socket read failed", "error", err)
			}
			return
		}

		event, ok := c.buildEvent(frame, sendAck)
		if !ok {
			continue
		}

		select {
		case out <- event:
		case <-ctx.Done():
			return
		}
	}
}

// buildEvent turns a frame into a domain event with a once-guarded ack.
func (c *Client) buildEvent(frame eventFrame, sendAck func(ackFrame)) (domain.InboundEvent, bool) {
	switch frame.Kind {
	case kindWillPresent:
		metrics.GatewayEventsTotal.WithLabelValues(kindWillPresent).Inc()
		var once sync.Once
		return domain.WillPresentEvent{
			Notice: frame.Notice,
			Ack: func(option domain.PresentationOption) {
				once.Do(func() {
					sendAck(ackFrame{EventID: frame.EventID, Option: string(option)})
				})
			},
		}, true

	case kindResponse:
		metrics.GatewayEventsTotal.WithLabelValues(kindResponse).Inc()
		var once sync.Once
		return domain.ResponseEvent{
			Raw: []byte(frame.Payload),
			Ack: func() {
				once.Do(func() {
					sendAck(ackFrame{EventID: frame.EventID})
				})
			},
		}, true

	default:
		slog.Warn("Dropping unknown gateway event kind", "kind", frame.Kind, "event_id", frame.EventID)
		return nil, false
	}
}
