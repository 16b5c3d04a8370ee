package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const credentialsFile = "credentials.json"

// Credentials is what the CLI remembers after login.
type Credentials struct {
	API       string `json:"api"`
	Token     string `json:"token"`
	CreatedAt int64  `json:"created_at"`
}

// Manager loads and saves CLI credentials under a config directory.
type Manager struct {
	configDir   string
	credentials *Credentials
	mu          sync.RWMutex
}

// NewManager creates a manager rooted at configDir, loading any saved
// credentials.
func NewManager(configDir string) (*Manager, error) {
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	m := &Manager{configDir: configDir}
	if err := m.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return m, nil
}

// Credentials returns the saved credentials, or nil.
func (m *Manager) Credentials() *Credentials {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.credentials == nil {
		return nil
	}
	c := *m.credentials
	return &c
}

// TokenFor returns the saved token when it was issued for api, or when no
// api was recorded.
func (m *Manager) TokenFor(api string) string {
	c := m.Credentials()
	if c == nil {
		return ""
	}
	if c.API != "" && api != "" && c.API != api {
		return ""
	}
	return c.Token
}

// Login saves token for api.
func (m *Manager) Login(api, token string) error {
	if token == "" {
		return fmt.Errorf("token is required")
	}
	m.mu.Lock()
	m.credentials = &Credentials{API: api, Token: token, CreatedAt: time.Now().Unix()}
	m.mu.Unlock()
	return m.save()
}

// Logout removes saved credentials.
func (m *Manager) Logout() error {
	m.mu.Lock()
	m.credentials = nil
	m.mu.Unlock()

	if err := os.Remove(m.path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove credentials: %w", err)
	}
	return nil
}

func (m *Manager) path() string {
	return filepath.Join(m.configDir, credentialsFile)
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path())
	if err != nil {
		return err
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return fmt.Errorf("failed to parse credentials: %w", err)
	}
	m.mu.Lock()
	m.credentials = &creds
	m.mu.Unlock()
	return nil
}

func (m *Manager) save() error {
	m.mu.RLock()
	creds := m.credentials
	m.mu.RUnlock()
	if creds == nil {
		return nil
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path(), data, 0o600)
}
