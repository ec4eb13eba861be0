// Package database is the PostgreSQL persistence layer for identities.
// It is the source of truth; Redis carries the cross-process signals on
// top of it.
package database
