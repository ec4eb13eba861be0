package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xabirequejo/feditext/internal/crypto"
	"github.com/xabirequejo/feditext/internal/domain"
)

const identityColumns = `id, handle, authenticated, pending, last_registered_device_token,
	push_alert_follow, push_alert_favourite, push_alert_reblog, push_alert_mention, push_alert_poll,
	push_policy, tint_color`

// IdentityStore persists identities. Device tokens pass through the
// crypto service on their way in and out of the database.
type IdentityStore struct {
	pool   *pgxpool.Pool
	crypto crypto.Service
}

func NewIdentityStore(pool *pgxpool.Pool, cryptoSvc crypto.Service) *IdentityStore {
	return &IdentityStore{pool: pool, crypto: cryptoSvc}
}

func (s *IdentityStore) scanIdentity(row pgx.Row) (domain.Identity, error) {
	var identity domain.Identity
	err := row.Scan(
		&identity.ID, &identity.Handle, &identity.Authenticated, &identity.Pending,
		&identity.LastRegisteredDeviceToken,
		&identity.PushSubscriptionAlerts.Follow, &identity.PushSubscriptionAlerts.Favourite,
		&identity.PushSubscriptionAlerts.Reblog, &identity.PushSubscriptionAlerts.Mention,
		&identity.PushSubscriptionAlerts.Poll,
		&identity.PushSubscriptionPolicy, &identity.Preferences.TintColor,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Identity{}, domain.ErrIdentityNotFound
	}
	if err != nil {
		return domain.Identity{}, fmt.Errorf("failed to scan identity: %w", err)
	}

	if len(identity.LastRegisteredDeviceToken) > 0 {
		token, err := s.crypto.Open(identity.LastRegisteredDeviceToken)
		if err != nil {
			return domain.Identity{}, fmt.Errorf("failed to unseal device token: %w", err)
		}
		identity.LastRegisteredDeviceToken = token
	}
	return identity, nil
}

func (s *IdentityStore) Insert(ctx context.Context, identity domain.Identity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO identities (id, handle, authenticated, pending,
			push_alert_follow, push_alert_favourite, push_alert_reblog, push_alert_mention, push_alert_poll,
			push_policy, tint_color, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
	`, identity.ID, identity.Handle, identity.Authenticated, identity.Pending,
		identity.PushSubscriptionAlerts.Follow, identity.PushSubscriptionAlerts.Favourite,
		identity.PushSubscriptionAlerts.Reblog, identity.PushSubscriptionAlerts.Mention,
		identity.PushSubscriptionAlerts.Poll,
		identity.PushSubscriptionPolicy, identity.Preferences.TintColor)
	if err != nil {
		return fmt.Errorf("failed to insert identity: %w", err)
	}
	return nil
}

func (s *IdentityStore) Get(ctx context.Context, id uuid.UUID) (domain.Identity, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = $1`, id)
	return s.scanIdentity(row)
}

func (s *IdentityStore) List(ctx context.Context) ([]domain.Identity, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+identityColumns+` FROM identities ORDER BY last_used_at DESC NULLS LAST`)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	defer rows.Close()

	var identities []domain.Identity
	for rows.Next() {
		identity, err := s.scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		identities = append(identities, identity)
	}
	return identities, rows.Err()
}

func (s *IdentityStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM identities WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrIdentityNotFound
	}
	return nil
}

// MarkLastUsed bumps the identity's last_used_at to now.
func (s *IdentityStore) MarkLastUsed(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE identities SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark identity as last used: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrIdentityNotFound
	}
	return nil
}

// MostRecentlyUsed returns the id of the identity last marked as used, or
// uuid.Nil when none has been used yet.
func (s *IdentityStore) MostRecentlyUsed(ctx context.Context) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM identities
		WHERE last_used_at IS NOT NULL
		ORDER BY last_used_at DESC
		LIMIT 1
	`).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to query most recently used identity: %w", err)
	}
	return id, nil
}

// UpdateAuthState moves an identity through its authentication lifecycle.
func (s *IdentityStore) UpdateAuthState(ctx context.Context, id uuid.UUID, authenticated, pending bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE identities SET authenticated = $1, pending = $2, updated_at = NOW() WHERE id = $3
	`, authenticated, pending, id)
	if err != nil {
		return fmt.Errorf("failed to update auth state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrIdentityNotFound
	}
	return nil
}

// UpdatePreferences replaces the identity's presentation preferences.
func (s *IdentityStore) UpdatePreferences(ctx context.Context, id uuid.UUID, prefs domain.Preferences) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE identities SET tint_color = $1, updated_at = NOW() WHERE id = $2
	`, prefs.TintColor, id)
	if err != nil {
		return fmt.Errorf("failed to update preferences: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrIdentityNotFound
	}
	return nil
}

// UpdatePushSubscription records a freshly registered subscription.
func (s *IdentityStore) UpdatePushSubscription(ctx context.Context, id uuid.UUID, token []byte, alerts domain.PushAlerts, policy domain.PushPolicy) error {
	sealed, err := s.crypto.Seal(token)
	if err != nil {
		return fmt.Errorf("failed to seal device token: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE identities SET
			last_registered_device_token = $1,
			push_alert_follow = $2, push_alert_favourite = $3, push_alert_reblog = $4,
			push_alert_mention = $5, push_alert_poll = $6,
			push_policy = $7,
			updated_at = NOW()
		WHERE id = $8
	`, sealed, alerts.Follow, alerts.Favourite, alerts.Reblog, alerts.Mention, alerts.Poll, policy, id)
	if err != nil {
		return fmt.Errorf("failed to update push subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrIdentityNotFound
	}
	return nil
}

// UpdateAllSubscriptions writes the current device token to every identity
// that already carries a subscription. Pending and unauthenticated
// identities are never touched.
func (s *IdentityStore) UpdateAllSubscriptions(ctx context.Context, token []byte) error {
	sealed, err := s.crypto.Seal(token)
	if err != nil {
		return fmt.Errorf("failed to seal device token: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE identities SET last_registered_device_token = $1, updated_at = NOW()
		WHERE authenticated AND NOT pending AND last_registered_device_token IS NOT NULL
	`, sealed)
	if err != nil {
		return fmt.Errorf("failed to update subscriptions: %w", err)
	}
	return nil
}
