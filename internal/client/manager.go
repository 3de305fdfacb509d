// Package client implements the consumer side of the chat service: a
// credential manager that keeps a token pair fresh, and a socket client
// that stays connected through expiry and network drops.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const defaultRefreshBuffer = 2 * time.Minute

// ErrNoCredentials indicates the manager holds no pair to work with.
var ErrNoCredentials = errors.New("client: no credentials")

// ErrSessionExpired indicates the refresh token was rejected and the user
// must authenticate again.
var ErrSessionExpired = errors.New("client: session expired")

// UserInfo mirrors the identity block returned by the auth endpoints.
type UserInfo struct {
	ID       int64  `json:"id"`
	AnonName string `json:"anonName"`
	Status   string `json:"status"`
}

// Credentials is a persisted token pair.
type Credentials struct {
	Token           string    `json:"token"`
	RefreshToken    string    `json:"refreshToken"`
	AccessExpiresAt time.Time `json:"accessExpiresAt"`
	User            UserInfo  `json:"user"`
}

type refreshCall struct {
	done chan struct{}
	err  error
}

// Manager keeps a credential pair valid: it persists the pair, refreshes it
// ahead of expiry, and collapses concurrent refresh attempts into one
// request.
type Manager struct {
	baseURL string
	httpc   *http.Client
	buffer  time.Duration
	path    string

	onExpired   func()
	onRefreshed func(Credentials)

	mu       sync.Mutex
	creds    *Credentials
	timer    *time.Timer
	inflight *refreshCall
	now      func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithCredentialsFile persists the pair to the given path across restarts.
func WithCredentialsFile(path string) ManagerOption {
	return func(m *Manager) { m.path = path }
}

// WithHTTPClient overrides the HTTP client used for refresh calls.
func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) {
		if c != nil {
			m.httpc = c
		}
	}
}

// WithRefreshBuffer sets how long before expiry a proactive refresh fires.
func WithRefreshBuffer(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.buffer = d
		}
	}
}

// OnExpired registers a callback fired when the session cannot be renewed.
func OnExpired(fn func()) ManagerOption {
	return func(m *Manager) { m.onExpired = fn }
}

// OnRefreshed registers a callback fired after every successful refresh.
func OnRefreshed(fn func(Credentials)) ManagerOption {
	return func(m *Manager) { m.onRefreshed = fn }
}

func withClock(fn func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = fn }
}

// NewManager creates a Manager talking to the service at baseURL.
func NewManager(baseURL string, opts ...ManagerOption) *Manager {
	m := &Manager{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		buffer:  defaultRefreshBuffer,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load restores persisted credentials and arms the refresh timer. A missing
// file is not an error; the manager just starts empty.
func (m *Manager) Load() error {
	if m.path == "" {
		return nil
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("client: read credentials: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return fmt.Errorf("client: decode credentials: %w", err)
	}
	m.Set(creds)
	return nil
}

// Set installs a pair, persists it, and schedules the proactive refresh.
func (m *Manager) Set(creds Credentials) {
	m.mu.Lock()
	m.creds = &creds
	m.scheduleLocked()
	m.mu.Unlock()
	m.persist(&creds)
	if m.onRefreshed != nil {
		m.onRefreshed(creds)
	}
}

// Credentials returns a copy of the current pair.
func (m *Manager) Credentials() (Credentials, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		return Credentials{}, false
	}
	return *m.creds, true
}

// Token returns an access token valid for at least the refresh buffer,
// refreshing first when the stored one is too close to expiry.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.creds == nil {
		m.mu.Unlock()
		return "", ErrNoCredentials
	}
	if m.now().Before(m.creds.AccessExpiresAt.Add(-m.buffer)) {
		tok := m.creds.Token
		m.mu.Unlock()
		return tok, nil
	}
	m.mu.Unlock()

	if err := m.Refresh(ctx); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		return "", ErrNoCredentials
	}
	return m.creds.Token, nil
}

// Refresh exchanges the refresh token for a new pair. Concurrent callers
// share a single in-flight request.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	if call := m.inflight; call != nil {
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.creds == nil {
		m.mu.Unlock()
		return ErrNoCredentials
	}
	refreshToken := m.creds.RefreshToken
	call := &refreshCall{done: make(chan struct{})}
	m.inflight = call
	m.mu.Unlock()

	creds, err := m.doRefresh(ctx, refreshToken)

	m.mu.Lock()
	m.inflight = nil
	if err == nil {
		m.creds = &creds
		m.scheduleLocked()
	} else if errors.Is(err, ErrSessionExpired) {
		m.creds = nil
		m.stopTimerLocked()
	}
	m.mu.Unlock()

	if err == nil {
		m.persist(&creds)
		if m.onRefreshed != nil {
			m.onRefreshed(creds)
		}
	} else if errors.Is(err, ErrSessionExpired) {
		m.removePersisted()
		if m.onExpired != nil {
			m.onExpired()
		}
	}

	call.err = err
	close(call.done)
	return err
}

// Clear drops the pair and its persisted copy.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.creds = nil
	m.stopTimerLocked()
	m.mu.Unlock()
	m.removePersisted()
}

// Close releases the refresh timer.
func (m *Manager) Close() {
	m.mu.Lock()
	m.stopTimerLocked()
	m.mu.Unlock()
}

func (m *Manager) doRefresh(ctx context.Context, refreshToken string) (Credentials, error) {
	body, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return Credentials{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v1/auth/refresh", bytes.NewReader(body))
	if err != nil {
		return Credentials{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpc.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("client: refresh request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized:
		return Credentials{}, ErrSessionExpired
	default:
		io.Copy(io.Discard, resp.Body)
		return Credentials{}, fmt.Errorf("client: refresh failed with status %d", resp.StatusCode)
	}

	var creds Credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return Credentials{}, fmt.Errorf("client: decode refresh response: %w", err)
	}
	if creds.Token == "" || creds.RefreshToken == "" {
		return Credentials{}, errors.New("client: refresh response missing tokens")
	}
	return creds, nil
}

// scheduleLocked arms the proactive refresh timer. Caller holds mu.
func (m *Manager) scheduleLocked() {
	m.stopTimerLocked()
	if m.creds == nil {
		return
	}
	delay := m.creds.AccessExpiresAt.Add(-m.buffer).Sub(m.now())
	if delay < 0 {
		delay = 0
	}
	m.timer = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = m.Refresh(ctx)
	})
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) persist(creds *Credentials) {
	if m.path == "" {
		return
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return
	}
	_ = os.MkdirAll(filepath.Dir(m.path), 0o700)
	_ = os.WriteFile(m.path, data, 0o600)
}

func (m *Manager) removePersisted() {
	if m.path == "" {
		return
	}
	_ = os.Remove(m.path)
}
