package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	identityCreatedChannel       = "identity:created"
	identityUpdatedChannelPrefix = "identity:updated:"
	mostRecentlyUsedKey          = "identity:mru"
	mostRecentlyUsedChannel      = "identity:mru:changed"
)

// Signals publishes and subscribes the identity coordination channels.
type Signals struct {
	rdb *redis.Client
}

func NewSignals(client *Client) *Signals {
	return &Signals{rdb: client.rdb}
}

// PublishIdentityCreated broadcasts a freshly created identity to all
// instances.
func (s *Signals) PublishIdentityCreated(ctx context.Context, id uuid.UUID) error {
	if err := s.rdb.Publish(ctx, identityCreatedChannel, id.String()).Err(); err != nil {
		return fmt.Errorf("failed to publish identity creation: %w", err)
	}
	return nil
}

// IdentityCreated subscribes to identity creation broadcasts. The channel
// closes when ctx is cancelled. Unparseable payloads are logged and
// dropped.
func (s *Signals) IdentityCreated(ctx context.Context) (<-chan uuid.UUID, error) {
	return s.subscribeIDs(ctx, identityCreatedChannel)
}

// PublishIdentityUpdated signals that an identity's stored state changed.
func (s *Signals) PublishIdentityUpdated(ctx context.Context, id uuid.UUID) error {
	channel := identityUpdatedChannelPrefix + id.String()
	if err := s.rdb.Publish(ctx, channel, id.String()).Err(); err != nil {
		return fmt.Errorf("failed to publish identity update: %w", err)
	}
	return nil
}

// IdentityUpdated subscribes to one identity's update signal.
func (s *Signals) IdentityUpdated(ctx context.Context, id uuid.UUID) (<-chan uuid.UUID, error) {
	return s.subscribeIDs(ctx, identityUpdatedChannelPrefix+id.String())
}

// SetMostRecentlyUsed stores the shared most-recently-used pointer and
// broadcasts the change.
func (s *Signals) SetMostRecentlyUsed(ctx context.Context, id uuid.UUID) error {
	if err := s.rdb.Set(ctx, mostRecentlyUsedKey, id.String(), 0).Err(); err != nil {
		return fmt.Errorf("failed to set most recently used identity: %w", err)
	}
	if err := s.rdb.Publish(ctx, mostRecentlyUsedChannel, id.String()).Err(); err != nil {
		return fmt.Errorf("failed to publish most recently used change: %w", err)
	}
	return nil
}

// ClearMostRecentlyUsed drops the shared pointer and broadcasts uuid.Nil.
func (s *Signals) ClearMostRecentlyUsed(ctx context.Context) error {
	if err := s.rdb.Del(ctx, mostRecentlyUsedKey).Err(); err != nil {
		return fmt.Errorf("failed to clear most recently used identity: %w", err)
	}
	if err := s.rdb.Publish(ctx, mostRecentlyUsedChannel, uuid.Nil.String()).Err(); err != nil {
		return fmt.Errorf("failed to publish most recently used change: %w", err)
	}
	return nil
}

// MostRecentlyUsed reads the shared pointer. uuid.Nil means no identity has
// been used yet.
func (s *Signals) MostRecentlyUsed(ctx context.Context) (uuid.UUID, error) {
	value, err := s.rdb.Get(ctx, mostRecentlyUsedKey).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to get most recently used identity: %w", err)
	}

	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("malformed most recently used value %q: %w", value, err)
	}
	return id, nil
}

// MostRecentlyUsedStream subscribes to pointer changes and delivers the
// stored value first, so subscribers never start blind.
func (s *Signals) MostRecentlyUsedStream(ctx context.Context) (<-chan uuid.UUID, error) {
	// Subscribe before the initial read so no change between the two is
	// lost.
	updates, err := s.subscribeIDs(ctx, mostRecentlyUsedChannel)
	if err != nil {
		return nil, err
	}

	current, err := s.MostRecentlyUsed(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan uuid.UUID, 16)
	go func() {
		defer close(out)

		select {
		case out <- current:
		case <-ctx.Done():
			return
		}

		for id := range updates {
			select {
			case out <- id:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// subscribeIDs subscribes to a channel whose payloads are identity ids.
func (s *Signals) subscribeIDs(ctx context.Context, channel string) (<-chan uuid.UUID, error) {
	pubsub := s.rdb.Subscribe(ctx, channel)

	// Force the subscription onto the wire before returning, so publishes
	// after this call are guaranteed to be seen.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	out := make(chan uuid.UUID, 16)
	ch := pubsub.Channel()

	go func() {
		defer close(out)
		defer func() {
			_ = pubsub.Close()
		}()

		for {
			select {
			case msg := <-ch:
				if msg == nil {
					return
				}
				id, err := uuid.Parse(msg.Payload)
				if err != nil {
					slog.Warn("Dropping malformed id on pub/sub channel",
						"channel", channel, "payload", msg.Payload, "error", err)
					continue
				}
				select {
				case out <- id:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
