package refresher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/credkeeper/credkeeper/internal/logging"
	"github.com/credkeeper/credkeeper/internal/metrics"
	"github.com/credkeeper/credkeeper/internal/models"
)

// CoordinatorConfig controls batch selection and fan-out.
type CoordinatorConfig struct {
	// Workers is the fixed size of the refresh worker pool.
	Workers int
	// QueueSize bounds the dispatch queue; submission blocks once full.
	QueueSize int
	// ExpiringOnly restricts each batch to accounts whose credential
	// expires within ExpiryHorizon instead of every live account.
	ExpiringOnly  bool
	ExpiryHorizon time.Duration
}

// Coordinator runs one full refresh pass over the account set, dispatching
// one unit of work per account onto a bounded worker pool. A failure in one
// unit never affects another.
type Coordinator struct {
	store        Store
	pipeline     *Pipeline
	transitioner *Transitioner
	metrics      *metrics.Metrics
	logger       *logging.Logger
	config       CoordinatorConfig
}

// NewCoordinator creates a batch coordinator.
func NewCoordinator(store Store, pipeline *Pipeline, transitioner *Transitioner, m *metrics.Metrics, config CoordinatorConfig) *Coordinator {
	if config.Workers <= 0 {
		config.Workers = 20
	}
	if config.QueueSize <= 0 {
		config.QueueSize = config.Workers
	}
	if config.ExpiryHorizon <= 0 {
		config.ExpiryHorizon = 7 * 24 * time.Hour
	}
	return &Coordinator{
		store:        store,
		pipeline:     pipeline,
		transitioner: transitioner,
		metrics:      m,
		logger:       logging.NewLogger(),
		config:       config,
	}
}

// RunBatch loads the batch target set and refreshes each account on the
// worker pool. It returns only when every dispatched unit has finished.
// The only error it returns is a failure of the batch-fetch step itself;
// per-account failures are absorbed by their units.
func (c *Coordinator) RunBatch(ctx context.Context) error {
	var accounts []*models.Account
	var err error
	if c.config.ExpiringOnly {
		accounts, err = c.store.ListExpiringAccounts(c.config.ExpiryHorizon)
	} else {
		accounts, err = c.store.ListLiveAccounts()
	}
	if err != nil {
		c.logger.Error("batch abandoned: failed to load accounts", "error", err.Error())
		return err
	}

	c.logger.Info("batch started", "accounts", len(accounts), "workers", c.config.Workers)
	c.saveAudit(logging.NewAuditEvent(logging.BatchStarted, logging.StatusSuccess).
		WithDetails(map[string]interface{}{"accounts": len(accounts)}))

	start := time.Now()
	var succeeded, failed, skipped int64

	queue := make(chan string, c.config.QueueSize)
	var wg sync.WaitGroup
	for i := 0; i < c.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range queue {
				switch c.processAccount(ctx, id) {
				case metrics.OutcomeRefreshed:
					atomic.AddInt64(&succeeded, 1)
				case metrics.OutcomeDisabled:
					atomic.AddInt64(&failed, 1)
				default:
					atomic.AddInt64(&skipped, 1)
				}
			}
		}()
	}

	for _, acc := range accounts {
		queue <- acc.ID
	}
	close(queue)
	wg.Wait()

	duration := time.Since(start)
	enabled := c.countEnabled()
	c.metrics.RecordBatch(duration.Seconds(), len(accounts), enabled)
	c.saveAudit(logging.NewAuditEvent(logging.BatchFinished, logging.StatusSuccess).
		WithDetails(map[string]interface{}{
			"accounts":    len(accounts),
			"succeeded":   atomic.LoadInt64(&succeeded),
			"failed":      atomic.LoadInt64(&failed),
			"skipped":     atomic.LoadInt64(&skipped),
			"duration_ms": duration.Milliseconds(),
		}))
	c.logger.Info("batch finished",
		"accounts", len(accounts),
		"succeeded", atomic.LoadInt64(&succeeded),
		"failed", atomic.LoadInt64(&failed),
		"skipped", atomic.LoadInt64(&skipped),
		"duration_ms", duration.Milliseconds())
	return nil
}

// processAccount is one unit of work. Nothing raised inside it reaches the
// coordinator: a panic is caught here, logged with the account id, and the
// account is treated as refresh-failed only if no success was committed.
func (c *Coordinator) processAccount(ctx context.Context, id string) (outcome string) {
	outcome = metrics.OutcomeSkipped
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("account unit of work panicked", "account_id", id, "panic", r)
			c.metrics.RecordRefreshOutcome(metrics.OutcomePanicked)
			outcome = metrics.OutcomePanicked
		}
	}()

	// Look the account up fresh; the loaded slice may be stale by now.
	acc, ok := c.store.GetAccount(id)
	if !ok {
		c.logger.Warn("account disappeared before refresh, skipping", "account_id", id)
		c.metrics.RecordRefreshOutcome(metrics.OutcomeSkipped)
		return metrics.OutcomeSkipped
	}

	if c.pipeline.Refresh(ctx, acc) {
		c.transitioner.RefreshSucceeded(ctx, id)
		c.metrics.RecordRefreshOutcome(metrics.OutcomeRefreshed)
		return metrics.OutcomeRefreshed
	}

	c.transitioner.RefreshFailed(ctx, id)
	c.metrics.RecordRefreshOutcome(metrics.OutcomeDisabled)
	return metrics.OutcomeDisabled
}

func (c *Coordinator) countEnabled() int {
	accounts, err := c.store.ListLiveAccounts()
	if err != nil {
		return 0
	}
	return len(models.AccountSlice(accounts).FilterEnabled())
}

func (c *Coordinator) saveAudit(event *logging.AuditEvent) {
	if err := c.store.SaveAuditEvent(event); err != nil {
		c.logger.Error("failed to save audit event", "error", err.Error())
	}
}
