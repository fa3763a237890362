// Package identity persists the anonymous visitor's contact identifier and
// realtime subscription token across restarts.
//
// A Store sits on top of a Backend, a small key-value interface mirroring
// browser local storage. Backends are interchangeable: an in-memory map for
// tests, a protobuf-encoded file, or a SQLite table.
package identity

import (
	"context"

	"github.com/rs/zerolog"
)

// Well-known storage keys.
const (
	KeyContactID         = "chatwidget.contact_id"
	KeySubscriptionToken = "chatwidget.subscription_token"
	KeyBootstrapped      = "chatwidget.bootstrapped"
)

// Identity is the visitor's backend contact and its subscription credential.
type Identity struct {
	ContactID         string
	SubscriptionToken string
}

// Valid reports whether both parts of the identity are present.
func (i Identity) Valid() bool {
	return i.ContactID != "" && i.SubscriptionToken != ""
}

// Backend is durable key-value storage.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
}

// Store reads and writes the visitor identity through a Backend. Storage
// failures on read degrade to "absent" so the caller re-provisions.
type Store struct {
	backend Backend
	logger  zerolog.Logger
}

// NewStore creates a Store over backend.
func NewStore(backend Backend, logger zerolog.Logger) *Store {
	return &Store{
		backend: backend,
		logger:  logger.With().Str("component", "identity").Logger(),
	}
}

// Load returns the persisted identity, or false if none is usable.
func (s *Store) Load(ctx context.Context) (Identity, bool) {
	contactID, ok, err := s.backend.Get(ctx, KeyContactID)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read contact id, treating identity as absent")
		return Identity{}, false
	}
	if !ok {
		return Identity{}, false
	}
	token, ok, err := s.backend.Get(ctx, KeySubscriptionToken)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read subscription token, treating identity as absent")
		return Identity{}, false
	}
	if !ok {
		return Identity{}, false
	}

	id := Identity{ContactID: contactID, SubscriptionToken: token}
	if !id.Valid() {
		return Identity{}, false
	}
	return id, true
}

// Save persists id.
func (s *Store) Save(ctx context.Context, id Identity) error {
	if err := s.backend.Set(ctx, KeyContactID, id.ContactID); err != nil {
		return err
	}
	return s.backend.Set(ctx, KeySubscriptionToken, id.SubscriptionToken)
}

// Clear removes the identity and the bootstrap marker.
func (s *Store) Clear(ctx context.Context) error {
	return s.backend.Delete(ctx, KeyContactID, KeySubscriptionToken, KeyBootstrapped)
}

// MarkBootstrapped records that a bootstrap has completed with the current identity.
func (s *Store) MarkBootstrapped(ctx context.Context) error {
	return s.backend.Set(ctx, KeyBootstrapped, "1")
}

// Bootstrapped reports whether the marker is set. Errors read as false.
func (s *Store) Bootstrapped(ctx context.Context) bool {
	v, ok, err := s.backend.Get(ctx, KeyBootstrapped)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to read bootstrap marker")
		return false
	}
	return ok && v == "1"
}
