// Package store declares the external persistence contracts the relay
// server consumes: API-token validation and client-presence mirroring.
package store

import "context"

// TokenValidator checks long-lived API tokens against an external store.
//
// The boolean reports whether the token exists, is active, and is not
// expired. A non-nil error means the store itself failed, which callers must
// surface distinctly from an invalid token.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (bool, error)
}

// PresenceStore mirrors client presence into external persistence. Both
// operations are best-effort from the control plane's point of view:
// failures are logged and never tear down a session.
type PresenceStore interface {
	// UpsertOnline records the client as online. Idempotent, keyed by
	// clientID.
	UpsertOnline(ctx context.Context, userID string, clientID string, computerName string) error
	// MarkOffline flips the client's status on disconnect.
	MarkOffline(ctx context.Context, clientID string) error
}

// Noop rejects every token as invalid and drops presence updates. Used when
// the server runs without a database.
var Noop interface {
	TokenValidator
	PresenceStore
} = noopStore{}

type noopStore struct{}

func (noopStore) Validate(context.Context, string) (bool, error) { return false, nil }
func (noopStore) UpsertOnline(context.Context, string, string, string) error {
	return nil
}
func (noopStore) MarkOffline(context.Context, string) error { return nil }
