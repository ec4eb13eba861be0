package domain

import "errors"

var (
	ErrIdentityNotFound = errors.New("identity not found")
	ErrNoActiveSession  = errors.New("no active session")
	ErrRouteTimeout     = errors.New("timed out waiting for session to become current")
	ErrGatewayClosed    = errors.New("notification gateway closed")
)
