// Package registry composes the PostgreSQL identity store and the Redis
// coordination signals into the identity registry the session core runs
// against.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/xabirequejo/feditext/internal/domain"
)

// IdentityStore is the persistence surface the registry needs.
type IdentityStore interface {
	Insert(ctx context.Context, identity domain.Identity) error
	Get(ctx context.Context, id uuid.UUID) (domain.Identity, error)
	List(ctx context.Context) ([]domain.Identity, error)
	Delete(ctx context.Context, id uuid.UUID) error
	MarkLastUsed(ctx context.Context, id uuid.UUID) error
	MostRecentlyUsed(ctx context.Context) (uuid.UUID, error)
	UpdatePushSubscription(ctx context.Context, id uuid.UUID, token []byte, alerts domain.PushAlerts, policy domain.PushPolicy) error
	UpdateAllSubscriptions(ctx context.Context, token []byte) error
}

// Signals is the cross-process signal surface the registry needs.
type Signals interface {
	PublishIdentityCreated(ctx context.Context, id uuid.UUID) error
	IdentityCreated(ctx context.Context) (<-chan uuid.UUID, error)
	PublishIdentityUpdated(ctx context.Context, id uuid.UUID) error
	IdentityUpdated(ctx context.Context, id uuid.UUID) (<-chan uuid.UUID, error)
	SetMostRecentlyUsed(ctx context.Context, id uuid.UUID) error
	ClearMostRecentlyUsed(ctx context.Context) error
	MostRecentlyUsed(ctx context.Context) (uuid.UUID, error)
	MostRecentlyUsedStream(ctx context.Context) (<-chan uuid.UUID, error)
}

// Registry implements domain.IdentityRegistry on top of the store and the
// signals, with a small snapshot cache for immediate session starts.
type Registry struct {
	store   IdentityStore
	signals Signals

	mu    sync.RWMutex
	cache map[uuid.UUID]domain.Identity
}

func New(store IdentityStore, signals Signals) *Registry {
	return &Registry{
		store:   store,
		signals: signals,
		cache:   make(map[uuid.UUID]domain.Identity),
	}
}

// CreateIdentity persists a new identity and broadcasts its creation.
func (r *Registry) CreateIdentity(ctx context.Context, identity domain.Identity) error {
	if err := r.store.Insert(ctx, identity); err != nil {
		return err
	}
	r.cachePut(identity)

	if err := r.signals.PublishIdentityCreated(ctx, identity.ID); err != nil {
		// The row exists; other instances will still see it on their next
		// read. Log and carry on.
		slog.Warn("Failed to broadcast identity creation", "identity_id", identity.ID, "error", err)
	}
	return nil
}

// GetIdentity returns one identity's stored state.
func (r *Registry) GetIdentity(ctx context.Context, id uuid.UUID) (domain.Identity, error) {
	return r.fetch(ctx, id)
}

// ListIdentities returns all identities, most recently used first.
func (r *Registry) ListIdentities(ctx context.Context) ([]domain.Identity, error) {
	return r.store.List(ctx)
}

func (r *Registry) IdentityCreatedEvents(ctx context.Context) (<-chan uuid.UUID, error) {
	return r.signals.IdentityCreated(ctx)
}

// MostRecentlyUsedID streams the shared most-recently-used pointer, last
// value first. When the shared pointer is unset, the durable last_used_at
// ordering seeds it.
func (r *Registry) MostRecentlyUsedID(ctx context.Context) (<-chan uuid.UUID, error) {
	stream, err := r.signals.MostRecentlyUsedStream(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan uuid.UUID, 16)
	go func() {
		defer close(out)

		first, ok := <-stream
		if !ok {
			return
		}
		if first == uuid.Nil {
			stored, err := r.store.MostRecentlyUsed(ctx)
			if err != nil {
				slog.Warn("Failed to seed most recently used from store", "error", err)
			} else if stored != uuid.Nil {
				first = stored
				if err := r.signals.SetMostRecentlyUsed(ctx, stored); err != nil {
					slog.Debug("Failed to warm most recently used pointer", "error", err)
				}
			}
		}

		select {
		case out <- first:
		case <-ctx.Done():
			return
		}

		for id := range stream {
			select {
			case out <- id:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// OpenSession verifies the identity exists and returns a handle bound to it.
func (r *Registry) OpenSession(ctx context.Context, id uuid.UUID) (domain.SessionHandle, error) {
	if _, err := r.fetch(ctx, id); err != nil {
		return nil, err
	}
	return &sessionHandle{registry: r, id: id}, nil
}

// DeleteIdentity removes the identity and repoints the shared
// most-recently-used pointer if it referenced the deleted one.
func (r *Registry) DeleteIdentity(ctx context.Context, id uuid.UUID) error {
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	r.cacheDrop(id)

	// Wake up any open session streams so they observe the deletion.
	if err := r.signals.PublishIdentityUpdated(ctx, id); err != nil {
		slog.Debug("Failed to broadcast identity deletion", "identity_id", id, "error", err)
	}

	current, err := r.signals.MostRecentlyUsed(ctx)
	if err != nil {
		return fmt.Errorf("failed to check most recently used after delete: %w", err)
	}
	if current != id {
		return nil
	}

	next, err := r.store.MostRecentlyUsed(ctx)
	if err != nil {
		return fmt.Errorf("failed to recompute most recently used after delete: %w", err)
	}
	if next == uuid.Nil {
		return r.signals.ClearMostRecentlyUsed(ctx)
	}
	return r.signals.SetMostRecentlyUsed(ctx, next)
}

func (r *Registry) UpdateAllSubscriptions(ctx context.Context, token []byte) error {
	if err := r.store.UpdateAllSubscriptions(ctx, token); err != nil {
		return err
	}
	// Cached snapshots now carry stale tokens.
	return r.ClearCache(ctx)
}

// ClearCache drops all cached identity snapshots. Debug surface; the next
// snapshot for each session is fetched fresh.
func (r *Registry) ClearCache(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[uuid.UUID]domain.Identity)
	return nil
}

// fetch reads an identity from the store and refreshes the cache.
func (r *Registry) fetch(ctx context.Context, id uuid.UUID) (domain.Identity, error) {
	identity, err := r.store.Get(ctx, id)
	if err != nil {
		return domain.Identity{}, err
	}
	r.cachePut(identity)
	return identity, nil
}

func (r *Registry) cached(id uuid.UUID) (domain.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	identity, ok := r.cache[id]
	return identity, ok
}

func (r *Registry) cachePut(identity domain.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[identity.ID] = identity
}

func (r *Registry) cacheDrop(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, id)
}
