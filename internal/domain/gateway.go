package domain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// PresentationOption tells the gateway how an incoming notification should
// be surfaced while the application is in the foreground.
type PresentationOption string

const (
	PresentBanner PresentationOption = "banner"
	PresentNone   PresentationOption = "none"
)

// NoticeCategory tags user-facing notices so the router can recognise
// self-generated ones.
type NoticeCategory string

// NoticeCategoryAccountSwitch marks the internal "switched account" notice.
// It is not a real push and is removed from the delivered set shortly after
// presentation.
const NoticeCategoryAccountSwitch NoticeCategory = "account-switch"

// Notice is a locally enqueued user-facing notification.
type Notice struct {
	ID       string         `json:"id"`
	Category NoticeCategory `json:"category"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
}

// PushPayload is the parsed body of an inbound push notification.
type PushPayload struct {
	IdentityID     uuid.UUID `json:"identity_id"`
	NotificationID string    `json:"notification_id"`
	Type           string    `json:"notification_type"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
}

// ParsePushPayload decodes a raw response payload. It fails on malformed
// JSON and on a missing or malformed target identity id.
func ParsePushPayload(raw []byte) (PushPayload, error) {
	var envelope struct {
		IdentityID     string `json:"identity_id"`
		NotificationID string `json:"notification_id"`
		Type           string `json:"notification_type"`
		Title          string `json:"title"`
		Body           string `json:"body"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return PushPayload{}, fmt.Errorf("malformed push payload: %w", err)
	}

	id, err := uuid.Parse(envelope.IdentityID)
	if err != nil {
		return PushPayload{}, fmt.Errorf("malformed target identity id %q: %w", envelope.IdentityID, err)
	}

	return PushPayload{
		IdentityID:     id,
		NotificationID: envelope.NotificationID,
		Type:           envelope.Type,
		Title:          envelope.Title,
		Body:           envelope.Body,
	}, nil
}

// InboundEvent is a gateway-delivered notification event. Every event
// carries an acknowledgment callback that must be invoked exactly once;
// gateway implementations guard their callbacks so repeated invocations are
// no-ops.
type InboundEvent interface{ inboundEvent() }

// WillPresentEvent fires when a notification is about to be presented while
// the application is in the foreground.
type WillPresentEvent struct {
	Notice Notice
	Ack    func(PresentationOption)
}

func (WillPresentEvent) inboundEvent() {}

// ResponseEvent fires when the user acted on a delivered notification. Raw
// is the undecoded payload; routing parses it with ParsePushPayload.
type ResponseEvent struct {
	Raw []byte
	Ack func()
}

func (ResponseEvent) inboundEvent() {}

// NotificationGateway wraps notification authorization, device
// registration, and inbound event delivery.
type NotificationGateway interface {
	// IsAuthorized reports whether notification delivery is authorized,
	// prompting the user first when promptIfNeeded is set.
	IsAuthorized(ctx context.Context, promptIfNeeded bool) (bool, error)

	// RegistrationToken performs the remote-registration handshake and
	// returns the opaque device token.
	RegistrationToken(ctx context.Context) ([]byte, error)

	// Events yields inbound notification events. The channel closes when
	// ctx is cancelled or the gateway shuts down.
	Events(ctx context.Context) (<-chan InboundEvent, error)

	// RemoveDelivered removes already-delivered notifications by id.
	RemoveDelivered(ctx context.Context, ids []string) error

	// Enqueue presents a locally generated notice to the user.
	Enqueue(ctx context.Context, notice Notice) error
}
