// Package redis carries the cross-process coordination signals: identity
// creation and update broadcasts, and the shared most-recently-used
// pointer. Durable state lives in PostgreSQL.
package redis
