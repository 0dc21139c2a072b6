package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/credkeeper/credkeeper/internal/logging"
)

// MaintenanceConfig contains the database maintenance configuration.
type MaintenanceConfig struct {
	VacuumEnabled   bool
	VacuumInterval  time.Duration
	AnalyzeEnabled  bool
	AnalyzeInterval time.Duration
	// AuditRetention bounds the age of audit events; zero disables pruning.
	AuditRetention time.Duration
}

// Maintainer runs periodic VACUUM and ANALYZE against the account database
// and prunes old audit events.
type Maintainer struct {
	store  *SQLiteStore
	config MaintenanceConfig
	logger *logging.Logger

	vacuumTicker  *time.Ticker
	analyzeTicker *time.Ticker
	done          chan struct{}
	running       bool
	mu            sync.Mutex
}

// NewMaintainer creates a maintainer for the given store.
func NewMaintainer(store *SQLiteStore, config MaintenanceConfig) *Maintainer {
	return &Maintainer{
		store:  store,
		config: config,
		logger: logging.NewLogger(),
		done:   make(chan struct{}),
	}
}

// Start starts the maintenance loops.
func (m *Maintainer) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("maintainer is already running")
	}
	m.running = true

	if m.config.VacuumEnabled && m.config.VacuumInterval > 0 {
		m.vacuumTicker = time.NewTicker(m.config.VacuumInterval)
		go m.runVacuumLoop(ctx)
	}
	if m.config.AnalyzeEnabled && m.config.AnalyzeInterval > 0 {
		m.analyzeTicker = time.NewTicker(m.config.AnalyzeInterval)
		go m.runAnalyzeLoop(ctx)
	}

	return nil
}

// Stop stops the maintenance loops gracefully.
func (m *Maintainer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false

	if m.vacuumTicker != nil {
		m.vacuumTicker.Stop()
	}
	if m.analyzeTicker != nil {
		m.analyzeTicker.Stop()
	}
	close(m.done)

	return nil
}

func (m *Maintainer) runVacuumLoop(ctx context.Context) {
	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case <-m.vacuumTicker.C:
			m.RunVacuum()
		}
	}
}

func (m *Maintainer) runAnalyzeLoop(ctx context.Context) {
	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case <-m.analyzeTicker.C:
			m.RunAnalyze()
		}
	}
}

// RunVacuum prunes old audit events and vacuums the database immediately.
func (m *Maintainer) RunVacuum() {
	if m.config.AuditRetention > 0 {
		cutoff := time.Now().UTC().Add(-m.config.AuditRetention)
		result, err := m.store.db.Exec("DELETE FROM audit_events WHERE timestamp < ?", cutoff)
		if err != nil {
			m.logger.Error("audit retention cleanup failed", "error", err.Error())
		} else if deleted, _ := result.RowsAffected(); deleted > 0 {
			m.logger.Info("pruned old audit events", "deleted", deleted)
		}
	}

	start := time.Now()
	if _, err := m.store.db.Exec("VACUUM"); err != nil {
		m.logger.Error("vacuum failed", "error", err.Error())
		return
	}
	m.logger.Debug("vacuum completed", "duration_ms", time.Since(start).Milliseconds())
}

// RunAnalyze refreshes the query planner statistics immediately.
func (m *Maintainer) RunAnalyze() {
	start := time.Now()
	if _, err := m.store.db.Exec("ANALYZE"); err != nil {
		m.logger.Error("analyze failed", "error", err.Error())
		return
	}
	m.logger.Debug("analyze completed", "duration_ms", time.Since(start).Milliseconds())
}
