package refresher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/credkeeper/credkeeper/internal/authclient"
	"github.com/credkeeper/credkeeper/internal/logging"
	"github.com/credkeeper/credkeeper/internal/models"
)

// mockStore is an in-memory Store for pipeline and coordinator tests.
type mockStore struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
	events   []*logging.AuditEvent

	listErr   error
	commitErr error
	// vanished accounts appear in listings but fail the per-unit lookup,
	// simulating a concurrent delete between load and dispatch.
	vanished map[string]bool
}

func newMockStore(accounts ...*models.Account) *mockStore {
	s := &mockStore{accounts: make(map[string]*models.Account)}
	for _, acc := range accounts {
		copied := *acc
		s.accounts[acc.ID] = &copied
	}
	return s
}

func (s *mockStore) get(id string) *models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[id]
}

func (s *mockStore) GetAccount(id string) (*models.Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok || acc.IsDeleted() || s.vanished[id] {
		return nil, false
	}
	copied := *acc
	return &copied, true
}

func (s *mockStore) ListLiveAccounts() ([]*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*models.Account
	for _, acc := range s.accounts {
		if acc.IsDeleted() {
			continue
		}
		copied := *acc
		out = append(out, &copied)
	}
	return out, nil
}

func (s *mockStore) ListExpiringAccounts(horizon time.Duration) ([]*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	now := time.Now().UTC()
	var out []*models.Account
	for _, acc := range s.accounts {
		if acc.IsDeleted() || !acc.Enable {
			continue
		}
		if acc.CredentialExpiresAt.After(now) && !acc.CredentialExpiresAt.After(now.Add(horizon)) {
			copied := *acc
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *mockStore) CommitRefresh(id, credentialBlob, accessToken string, credentialExpiresAt, sessionExpiresAt, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return s.commitErr
	}
	acc, ok := s.accounts[id]
	if !ok || acc.IsDeleted() {
		return fmt.Errorf("account %s not found", id)
	}
	acc.SilentCredential = credentialBlob
	acc.AccessToken = accessToken
	acc.CredentialExpiresAt = credentialExpiresAt
	sess := sessionExpiresAt
	acc.SessionExpiresAt = &sess
	acc.UpdatedAt = now
	acc.Enable = true
	return nil
}

func (s *mockStore) SetSessionToken(id, sessionToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc, ok := s.accounts[id]; ok {
		acc.SessionToken = sessionToken
		return nil
	}
	return fmt.Errorf("account %s not found", id)
}

func (s *mockStore) SetAuthInfo(id, authInfo, accountType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc, ok := s.accounts[id]; ok {
		acc.AuthInfo = authInfo
		acc.AccountType = accountType
		return nil
	}
	return fmt.Errorf("account %s not found", id)
}

func (s *mockStore) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc, ok := s.accounts[id]; ok {
		acc.Enable = enabled
		return nil
	}
	return fmt.Errorf("account %s not found", id)
}

func (s *mockStore) ResetUsageCounts() ([]*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var affected []*models.Account
	for _, acc := range s.accounts {
		if acc.IsDeleted() || !acc.Enable || acc.UsageCount == 0 {
			continue
		}
		acc.UsageCount = 0
		copied := *acc
		affected = append(affected, &copied)
	}
	return affected, nil
}

func (s *mockStore) SaveAuditEvent(event *logging.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *mockStore) eventsOfType(eventType logging.AuditEventType) []*logging.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*logging.AuditEvent
	for _, e := range s.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// mockClient scripts the authentication service per account credential.
type mockClient struct {
	mu sync.Mutex

	refreshFn  func(cred models.Credential) (*authclient.RefreshResult, error)
	signInErr  error
	authInfo   string
	authType   string
	authErr    error
	signIns    int
	refreshes  int
	authCalls  int
}

func (c *mockClient) Refresh(ctx context.Context, cred models.Credential) (*authclient.RefreshResult, error) {
	c.mu.Lock()
	c.refreshes++
	fn := c.refreshFn
	c.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("no refresh scripted")
	}
	return fn(cred)
}

func (c *mockClient) SignInWithAccessToken(ctx context.Context, accessToken string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signIns++
	if c.signInErr != nil {
		return "", c.signInErr
	}
	return "session-" + accessToken, nil
}

func (c *mockClient) FetchAuthInfo(ctx context.Context, sessionToken, accessToken string) (string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authCalls++
	if c.authErr != nil {
		return "", "", c.authErr
	}
	authType := c.authType
	if authType == "" {
		authType = "free"
	}
	return c.authInfo, authType, nil
}

func (c *mockClient) signInCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signIns
}

// mockMirror records cache operations and can simulate outages.
type mockMirror struct {
	mu      sync.Mutex
	alive   bool
	putErr  error
	puts    []string
	removes []string
}

func newMockMirror() *mockMirror {
	return &mockMirror{alive: true}
}

func (m *mockMirror) Alive(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive
}

func (m *mockMirror) Put(ctx context.Context, acc *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.puts = append(m.puts, acc.ID)
	return nil
}

func (m *mockMirror) Remove(ctx context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removes = append(m.removes, accountID)
	return nil
}

func (m *mockMirror) putIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.puts...)
}

func (m *mockMirror) removeIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.removes...)
}
