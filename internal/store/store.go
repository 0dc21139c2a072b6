package store

import (
	"time"

	"github.com/credkeeper/credkeeper/internal/logging"
	"github.com/credkeeper/credkeeper/internal/models"
)

// Store is the gateway to the durable account records. Every mutation is
// applied inside a single committed transaction scoped to one account, and
// every query excludes soft-deleted records.
type Store interface {
	// GetAccount retrieves a live account by ID.
	GetAccount(id string) (*models.Account, bool)
	// ListLiveAccounts returns every account that is not soft-deleted.
	ListLiveAccounts() ([]*models.Account, error)
	// ListExpiringAccounts returns enabled live accounts whose credential
	// expires within the given horizon (but has not expired yet).
	ListExpiringAccounts(horizon time.Duration) ([]*models.Account, error)

	// CreateAccount inserts a new account record. Used by operator
	// tooling only; the daemon never creates accounts.
	CreateAccount(acc *models.Account) error
	// SoftDeleteAccount marks an account deleted. Operator tooling only.
	SoftDeleteAccount(id string) error

	// CommitRefresh applies the outcome of a successful credential
	// refresh in one transaction: new blob, new access token, both
	// validity horizons, updated_at, and enable=true.
	CommitRefresh(id, credentialBlob, accessToken string, credentialExpiresAt, sessionExpiresAt, now time.Time) error
	// SetSessionToken stores the lazily derived session token.
	SetSessionToken(id, sessionToken string) error
	// SetAuthInfo stores the fetched identity blob and account type.
	SetAuthInfo(id, authInfo, accountType string) error
	// SetEnabled flips the availability flag.
	SetEnabled(id string, enabled bool) error
	// ResetUsageCounts zeroes usage_count for every enabled live account
	// with a nonzero count, in a single transaction, and returns the
	// affected accounts in their post-reset state.
	ResetUsageCounts() ([]*models.Account, error)

	// SaveAuditEvent appends a transition to the audit trail.
	SaveAuditEvent(event *logging.AuditEvent) error
	// ListAuditEvents returns the most recent audit events.
	ListAuditEvents(limit int) ([]*logging.AuditEvent, error)

	Close() error
}
