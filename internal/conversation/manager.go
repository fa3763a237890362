// Package conversation lazily creates the single live conversation for a
// visitor session.
package conversation

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrCreationFailed wraps failures to create a conversation.
var ErrCreationFailed = errors.New("conversation creation failed")

// Creator creates a conversation on the backend.
type Creator interface {
	CreateConversation(ctx context.Context, contactID string) (string, error)
}

// Manager holds the in-memory conversation id. Concurrent callers share one
// creation request.
type Manager struct {
	creator Creator
	logger  zerolog.Logger
	group   singleflight.Group

	mu      sync.Mutex
	id      string
	contact string
	epoch   uint64
}

// NewManager creates a Manager.
func NewManager(creator Creator, logger zerolog.Logger) *Manager {
	return &Manager{
		creator: creator,
		logger:  logger.With().Str("component", "conversation").Logger(),
	}
}

// EnsureConversation returns the current conversation id, creating one for
// contactID on first use. A cached id is only reused for the contact it was
// created for.
func (m *Manager) EnsureConversation(ctx context.Context, contactID string) (string, error) {
	m.mu.Lock()
	if m.id != "" && m.contact == contactID {
		id := m.id
		m.mu.Unlock()
		return id, nil
	}
	epoch := m.epoch
	m.mu.Unlock()

	// Keyed by epoch so a flight started before Reset is never joined after it.
	key := contactID + "/" + strconv.FormatUint(epoch, 10)
	// The shared request outlives any one caller; the client's request
	// timeout bounds it.
	shared := context.WithoutCancel(ctx)
	ch := m.group.DoChan(key, func() (any, error) {
		id, err := m.creator.CreateConversation(shared, contactID)
		if err != nil {
			return "", err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.epoch == epoch {
			m.id = id
			m.contact = contactID
		}
		m.logger.Info().Str("conversation_id", id).Msg("created conversation")
		return id, nil
	})

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrCreationFailed, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", fmt.Errorf("%w: %w", ErrCreationFailed, res.Err)
		}
		if res.Shared {
			m.logger.Debug().Msg("joined in-flight conversation creation")
		}
		return res.Val.(string), nil
	}
}

// ID returns the current conversation id, or "" when none exists.
func (m *Manager) ID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

// Reset forgets the conversation so the next send creates a new one.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id = ""
	m.contact = ""
	m.epoch++
}
