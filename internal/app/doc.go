// Package app owns the long-lived components and their lifecycles: the
// session coordinator, the notification router, and the push
// synchronizer. Ownership is explicit; nothing here is discovered or
// observed into existence.
package app
