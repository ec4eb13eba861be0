// Package crypto seals device tokens before they reach the database.
// Tokens are opaque push-registration handles; leaking one lets an
// attacker redirect notifications, so they are encrypted at rest when a
// key is configured.
package crypto
