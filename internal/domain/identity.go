package domain

import "github.com/google/uuid"

// PushPolicy controls which senders may trigger push notifications for an
// identity.
type PushPolicy string

const (
	PushPolicyAll       PushPolicy = "all"
	PushPolicyFollowed  PushPolicy = "followed"
	PushPolicyFollowers PushPolicy = "follower"
	PushPolicyNone      PushPolicy = "none"
)

// PushAlerts selects which notification types an identity's push
// subscription delivers.
type PushAlerts struct {
	Follow    bool `json:"follow"`
	Favourite bool `json:"favourite"`
	Reblog    bool `json:"reblog"`
	Mention   bool `json:"mention"`
	Poll      bool `json:"poll"`
}

// DefaultPushAlerts is used when an identity has never customised its
// subscription.
func DefaultPushAlerts() PushAlerts {
	return PushAlerts{Follow: true, Favourite: true, Reblog: true, Mention: true, Poll: true}
}

// Preferences holds per-identity presentation preferences. Only the tint
// color matters to this core; everything else lives with the UI layer.
type Preferences struct {
	TintColor string `json:"tint_color"`
}

// Identity is a snapshot of one account the application can be signed in
// as. The ID is immutable; everything else is the registry's current view
// and may change between snapshots. Pending identities are
// mid-authentication (awaiting approval or a second factor) and must not
// receive push subscriptions.
type Identity struct {
	ID                        uuid.UUID   `json:"id"`
	Handle                    string      `json:"handle"`
	Authenticated             bool        `json:"authenticated"`
	Pending                   bool        `json:"pending"`
	LastRegisteredDeviceToken []byte      `json:"last_registered_device_token,omitempty"`
	PushSubscriptionAlerts    PushAlerts  `json:"push_subscription_alerts"`
	PushSubscriptionPolicy    PushPolicy  `json:"push_subscription_policy"`
	Preferences               Preferences `json:"preferences"`
}

// UsableForPush reports whether a push subscription may be registered for
// this identity at all.
func (i Identity) UsableForPush() bool {
	return i.Authenticated && !i.Pending
}
