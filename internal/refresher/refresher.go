// Package refresher implements the account refresh pipeline, the
// enable/disable state machine, and the batch coordinator that fans the
// pipeline out over a bounded worker pool.
package refresher

import (
	"context"
	"time"

	"github.com/credkeeper/credkeeper/internal/authclient"
	"github.com/credkeeper/credkeeper/internal/logging"
	"github.com/credkeeper/credkeeper/internal/models"
)

// Store is the slice of the credential store this package depends on.
type Store interface {
	GetAccount(id string) (*models.Account, bool)
	ListLiveAccounts() ([]*models.Account, error)
	ListExpiringAccounts(horizon time.Duration) ([]*models.Account, error)
	CommitRefresh(id, credentialBlob, accessToken string, credentialExpiresAt, sessionExpiresAt, now time.Time) error
	SetSessionToken(id, sessionToken string) error
	SetAuthInfo(id, authInfo, accountType string) error
	SetEnabled(id string, enabled bool) error
	ResetUsageCounts() ([]*models.Account, error)
	SaveAuditEvent(event *logging.AuditEvent) error
}

// AuthClient performs the three external authentication operations.
type AuthClient interface {
	Refresh(ctx context.Context, cred models.Credential) (*authclient.RefreshResult, error)
	SignInWithAccessToken(ctx context.Context, accessToken string) (string, error)
	FetchAuthInfo(ctx context.Context, sessionToken, accessToken string) (string, string, error)
}

// Mirror is the advisory cache the state machine writes through to.
type Mirror interface {
	Alive(ctx context.Context) bool
	Put(ctx context.Context, acc *models.Account) error
	Remove(ctx context.Context, accountID string) error
}
