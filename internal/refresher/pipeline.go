package refresher

import (
	"context"
	"time"

	"github.com/credkeeper/credkeeper/internal/errors"
	"github.com/credkeeper/credkeeper/internal/logging"
	"github.com/credkeeper/credkeeper/internal/metrics"
	"github.com/credkeeper/credkeeper/internal/models"
)

// Pipeline runs the credential refresh sequence for a single account.
// Refresh never lets an error escape its boundary: every failure is logged
// and converted into a false result.
type Pipeline struct {
	store         Store
	client        AuthClient
	metrics       *metrics.Metrics
	logger        *logging.Logger
	credentialTTL time.Duration
	sessionTTL    time.Duration
}

// NewPipeline creates a refresh pipeline. credentialTTL and sessionTTL are
// the validity horizons written on a successful commit.
func NewPipeline(store Store, client AuthClient, m *metrics.Metrics, credentialTTL, sessionTTL time.Duration) *Pipeline {
	if credentialTTL <= 0 {
		credentialTTL = 30 * 24 * time.Hour
	}
	if sessionTTL <= 0 {
		sessionTTL = 15 * time.Minute
	}
	return &Pipeline{
		store:         store,
		client:        client,
		metrics:       m,
		logger:        logging.NewLogger(),
		credentialTTL: credentialTTL,
		sessionTTL:    sessionTTL,
	}
}

// Refresh runs the pipeline for one account and reports success. Once the
// refresh outcome is committed, later enrichment failures (session sign-in,
// identity fetch) no longer flip the result back to false.
func (p *Pipeline) Refresh(ctx context.Context, acc *models.Account) (ok bool) {
	committed := false
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("refresh pipeline panicked", "account_id", acc.ID, "panic", r)
			p.metrics.RecordRefreshOutcome(metrics.OutcomePanicked)
			ok = committed
		}
	}()

	// Step 1: the stored blob must parse as a credential mapping.
	cred, err := models.ParseCredential(acc.SilentCredential)
	if err != nil {
		perr := &errors.ErrCredentialParse{AccountID: acc.ID, Err: err}
		p.logger.Warn("stored credential is unusable", "account_id", acc.ID, "error", perr.Error())
		return false
	}

	// Step 2: exchange it with the authentication service.
	result, err := p.client.Refresh(ctx, cred)
	if err != nil {
		rerr := &errors.ErrRefreshRejected{AccountID: acc.ID, Reason: err.Error()}
		p.logger.Warn("credential refresh rejected", "account_id", acc.ID, "error", rerr.Error())
		p.metrics.RecordAuthRequest("refresh", "failure")
		return false
	}
	p.metrics.RecordAuthRequest("refresh", "success")

	// Step 3: commit atomically. From here on the refresh has succeeded.
	blob, err := result.Credential.Serialize()
	if err != nil {
		p.logger.Error("refreshed credential does not serialize", "account_id", acc.ID, "error", err.Error())
		return false
	}
	now := time.Now().UTC()
	if err := p.store.CommitRefresh(acc.ID, blob, result.AccessToken,
		now.Add(p.credentialTTL), now.Add(p.sessionTTL), now); err != nil {
		p.logger.Error("failed to commit refresh", "account_id", acc.ID, "error", err.Error())
		return false
	}
	committed = true
	acc.AccessToken = result.AccessToken

	// Step 4: one-time session token derivation, only while the account
	// has no session token yet.
	if acc.NeedsSessionToken() {
		token, err := p.client.SignInWithAccessToken(ctx, acc.AccessToken)
		if err != nil {
			p.logger.Warn("session sign-in failed", "account_id", acc.ID, "error", err.Error())
			p.metrics.RecordAuthRequest("session", "failure")
		} else {
			p.metrics.RecordAuthRequest("session", "success")
			acc.SessionToken = token
			if err := p.store.SetSessionToken(acc.ID, token); err != nil {
				p.logger.Error("failed to store session token", "account_id", acc.ID, "error", err.Error())
			}
		}
	}

	// Step 5: identity enrichment, advisory only.
	info, accountType, err := p.client.FetchAuthInfo(ctx, acc.SessionToken, acc.AccessToken)
	if err != nil {
		p.logger.Warn("auth info fetch failed", "account_id", acc.ID, "error", err.Error())
		p.metrics.RecordAuthRequest("auth_info", "failure")
	} else if info == "" {
		p.logger.Debug("auth info came back empty", "account_id", acc.ID)
	} else {
		p.metrics.RecordAuthRequest("auth_info", "success")
		acc.AccountType = accountType
		if err := p.store.SetAuthInfo(acc.ID, info, accountType); err != nil {
			p.logger.Error("failed to store auth info", "account_id", acc.ID, "error", err.Error())
		}
	}

	return true
}
