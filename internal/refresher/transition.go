package refresher

import (
	"context"

	"github.com/credkeeper/credkeeper/internal/logging"
	"github.com/credkeeper/credkeeper/internal/metrics"
)

// Transitioner applies the two account state transitions and the daily
// usage reset. Every transition persists to the store first, then mirrors
// the result into the cache; mirror failures are logged and swallowed.
type Transitioner struct {
	store   Store
	mirror  Mirror
	metrics *metrics.Metrics
	logger  *logging.Logger
}

// NewTransitioner creates a transitioner over the given store and mirror.
func NewTransitioner(store Store, mirror Mirror, m *metrics.Metrics) *Transitioner {
	return &Transitioner{
		store:   store,
		mirror:  mirror,
		metrics: m,
		logger:  logging.NewLogger(),
	}
}

// RefreshSucceeded moves the account to Active: persist enable=true, then
// mirror the current snapshot into the cache.
func (t *Transitioner) RefreshSucceeded(ctx context.Context, accountID string) {
	if err := t.store.SetEnabled(accountID, true); err != nil {
		t.logger.Error("failed to persist enabled flag", "account_id", accountID, "error", err.Error())
		return
	}
	t.audit(logging.AccountEnabled, accountID, "")
	t.mirrorPut(ctx, accountID)
}

// RefreshFailed moves the account to Disabled: persist enable=false, then
// remove it from the cache.
func (t *Transitioner) RefreshFailed(ctx context.Context, accountID string) {
	if err := t.store.SetEnabled(accountID, false); err != nil {
		t.logger.Error("failed to persist disabled flag", "account_id", accountID, "error", err.Error())
		return
	}
	t.audit(logging.AccountDisabled, accountID, "credential refresh failed")
	t.mirrorRemove(ctx, accountID)
}

// DailyReset zeroes usage counters for enabled accounts in one bulk
// transaction and re-mirrors each affected account so cached snapshots
// never show a stale count. Returns the number of accounts touched.
func (t *Transitioner) DailyReset(ctx context.Context) (int, error) {
	affected, err := t.store.ResetUsageCounts()
	if err != nil {
		t.logger.Error("daily usage reset failed", "error", err.Error())
		event := logging.NewAuditEvent(logging.UsageReset, logging.StatusFailure).WithError(err.Error())
		if auditErr := t.store.SaveAuditEvent(event); auditErr != nil {
			t.logger.Error("failed to save audit event", "error", auditErr.Error())
		}
		return 0, err
	}

	alive := t.mirror.Alive(ctx)
	if !alive && len(affected) > 0 {
		t.logger.Warn("cache mirror unavailable, skipping re-mirror after usage reset")
	}
	for _, acc := range affected {
		if !alive {
			continue
		}
		if err := t.mirror.Put(ctx, acc); err != nil {
			t.logger.Warn("failed to re-mirror account after usage reset", "account_id", acc.ID, "error", err.Error())
			t.metrics.RecordCacheOperation("put", "failure")
		} else {
			t.metrics.RecordCacheOperation("put", "success")
		}
	}

	t.metrics.RecordUsageReset(len(affected))
	event := logging.NewAuditEvent(logging.UsageReset, logging.StatusSuccess).
		WithDetails(map[string]interface{}{"accounts": len(affected)})
	if err := t.store.SaveAuditEvent(event); err != nil {
		t.logger.Error("failed to save audit event", "error", err.Error())
	}

	t.logger.Info("daily usage reset completed", "accounts", len(affected))
	return len(affected), nil
}

func (t *Transitioner) mirrorPut(ctx context.Context, accountID string) {
	if !t.mirror.Alive(ctx) {
		t.logger.Warn("cache mirror unavailable, skipping put", "account_id", accountID)
		return
	}

	// Re-fetch so the snapshot reflects everything the pipeline committed.
	acc, ok := t.store.GetAccount(accountID)
	if !ok {
		t.logger.Warn("account disappeared before mirroring", "account_id", accountID)
		return
	}

	if err := t.mirror.Put(ctx, acc); err != nil {
		t.logger.Warn("cache put failed", "account_id", accountID, "error", err.Error())
		t.metrics.RecordCacheOperation("put", "failure")
		return
	}
	t.metrics.RecordCacheOperation("put", "success")
}

func (t *Transitioner) mirrorRemove(ctx context.Context, accountID string) {
	if !t.mirror.Alive(ctx) {
		t.logger.Warn("cache mirror unavailable, skipping remove", "account_id", accountID)
		return
	}

	if err := t.mirror.Remove(ctx, accountID); err != nil {
		t.logger.Warn("cache remove failed", "account_id", accountID, "error", err.Error())
		t.metrics.RecordCacheOperation("remove", "failure")
		return
	}
	t.metrics.RecordCacheOperation("remove", "success")
}

func (t *Transitioner) audit(eventType logging.AuditEventType, accountID, reason string) {
	event := logging.NewAuditEvent(eventType, logging.StatusSuccess).WithAccountID(accountID)
	if reason != "" {
		event = event.WithDetails(map[string]interface{}{"reason": reason})
	}
	if err := t.store.SaveAuditEvent(event); err != nil {
		t.logger.Error("failed to save audit event", "account_id", accountID, "error", err.Error())
	}
}
