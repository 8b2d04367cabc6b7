package telegram

import (
	"context"
	"fmt"
	"sync"

	"github.com/celestix/gotgproto"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/marchenkov/audience-os/internal/config"
	"github.com/marchenkov/audience-os/internal/logger"
)

// Status represents a credential's client status.
type Status string

// Status constants define the possible states of a credential's client.
const (
	StatusInitializing Status = "INITIALIZING"
	StatusReady        Status = "READY"
	StatusUnauthorized Status = "UNAUTHORIZED"
)

// ClientFactory is a function that creates a telegram client.
type ClientFactory func(ctx context.Context, cred config.Credential, db *gorm.DB) (*gotgproto.Client, error)

// Manager handles the client lifecycle for one credential. Each credential
// has its own session database and its own Manager.
type Manager struct {
	cred config.Credential
	log  *logger.Logger

	client *gotgproto.Client
	status Status
	mu     sync.RWMutex

	clientFactory ClientFactory
}

// NewManager creates a Manager for one credential.
func NewManager(cred config.Credential) *Manager {
	return &Manager{
		cred:          cred,
		log:           logger.Get(),
		status:        StatusInitializing,
		clientFactory: NewPersistentClient,
	}
}

// SetClientFactory allows overriding the client creation logic (e.g. for testing).
func (m *Manager) SetClientFactory(f ClientFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clientFactory = f
}

// CredentialID returns the id of the credential this manager serves.
func (m *Manager) CredentialID() string {
	return m.cred.ID
}

// GetStatus returns the current client status.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// GetClient returns the underlying client, or nil while unauthorized.
func (m *Manager) GetClient() *gotgproto.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// Init restores the credential's session from its session database. A
// credential without a stored session stays UNAUTHORIZED until tg-auth is
// run for it; that is not an error for the process as a whole.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	m.status = StatusInitializing
	factory := m.clientFactory
	m.mu.Unlock()

	db, err := gorm.Open(sqlite.Open(m.cred.SessionDB), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("open session db %s: %w", m.cred.SessionDB, err)
	}

	var count int64
	if err := db.Table("sessions").Count(&count).Error; err != nil {
		m.log.Warn().Err(err).Str("credential", m.cred.ID).
			Msg("telegram: failed to check sessions table")
	}

	if count == 0 {
		m.log.Info().Str("credential", m.cred.ID).
			Msg("telegram: no stored session, credential needs authorization")
		m.mu.Lock()
		m.status = StatusUnauthorized
		m.mu.Unlock()
		return nil
	}

	client, err := factory(ctx, m.cred, db)
	if err != nil {
		m.log.Warn().Err(err).Str("credential", m.cred.ID).
			Msg("telegram: failed to restore session, credential needs authorization")
		m.mu.Lock()
		m.status = StatusUnauthorized
		m.mu.Unlock()
		return nil
	}

	m.mu.Lock()
	m.client = client
	m.status = StatusReady
	m.mu.Unlock()

	m.log.Info().Str("credential", m.cred.ID).Msg("telegram: client is ready")
	return nil
}

// Stop stops the client.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		m.client.Stop()
	}
}
