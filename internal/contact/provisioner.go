// Package contact obtains the visitor's backend contact, reusing the
// persisted identity when one exists.
package contact

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/omochice/chatwidget/internal/backend"
	"github.com/omochice/chatwidget/internal/identity"
)

// ErrProvisioningFailed means no contact could be created. Sends must not be
// attempted until a later bootstrap succeeds.
var ErrProvisioningFailed = errors.New("contact provisioning failed")

// Creator creates a contact on the backend.
type Creator interface {
	CreateContact(ctx context.Context) (backend.Contact, error)
}

// Provisioner returns the cached identity or provisions a new one.
type Provisioner struct {
	store   *identity.Store
	creator Creator
	logger  zerolog.Logger
}

// NewProvisioner creates a Provisioner.
func NewProvisioner(store *identity.Store, creator Creator, logger zerolog.Logger) *Provisioner {
	return &Provisioner{
		store:   store,
		creator: creator,
		logger:  logger.With().Str("component", "contact").Logger(),
	}
}

// EnsureContact returns the visitor identity, creating and persisting a new
// contact when none is cached. A cached identity never touches the network.
func (p *Provisioner) EnsureContact(ctx context.Context) (identity.Identity, error) {
	if id, ok := p.store.Load(ctx); ok {
		p.logger.Debug().Str("contact_id", id.ContactID).Msg("reusing persisted contact")
		return id, nil
	}

	contact, err := p.creator.CreateContact(ctx)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("%w: %w", ErrProvisioningFailed, err)
	}

	id := identity.Identity{ContactID: contact.ID, SubscriptionToken: contact.SubscriptionToken}
	if err := p.store.Save(ctx, id); err != nil {
		// The identity is still usable for this session; it just won't survive a restart.
		p.logger.Error().Err(err).Msg("failed to persist contact")
	}

	p.logger.Info().Str("contact_id", id.ContactID).Msg("provisioned contact")
	return id, nil
}
