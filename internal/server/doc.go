// Package server exposes the local control API: inspecting and driving the
// active session, managing identities, health and metrics.
package server
