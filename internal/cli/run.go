package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/credkeeper/credkeeper/internal/api"
	"github.com/credkeeper/credkeeper/internal/authclient"
	"github.com/credkeeper/credkeeper/internal/cache"
	"github.com/credkeeper/credkeeper/internal/config"
	"github.com/credkeeper/credkeeper/internal/importer"
	"github.com/credkeeper/credkeeper/internal/metrics"
	"github.com/credkeeper/credkeeper/internal/refresher"
	"github.com/credkeeper/credkeeper/internal/scheduler"
	"github.com/credkeeper/credkeeper/internal/store"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:     "run",
	Aliases: []string{"serve", "daemon"},
	Short:   "Start the refresh daemon",
	Long: `Start the credential refresh daemon.

The daemon runs the periodic refresh scheduler, the daily usage reset,
the credential file importer, and (when enabled) the operational HTTP
server with health, metrics, and account endpoints.

Example:
  credkeeper run --config config.yaml --db ./data/credkeeper.db`,
	RunE: runDaemon,
}

var runFlags struct {
	Timeout time.Duration
}

func init() {
	runCmd.Flags().DurationVar(&runFlags.Timeout, "timeout", 30*time.Second, "Shutdown timeout")

	RootCmd.AddCommand(runCmd)
}

// appRuntime bundles the wired components a command needs. Close releases the
// store and the cache connection.
type appRuntime struct {
	cfg          *config.Config
	store        *store.SQLiteStore
	mirror       *cache.Mirror
	metrics      *metrics.Metrics
	pipeline     *refresher.Pipeline
	transitioner *refresher.Transitioner
	coordinator  *refresher.Coordinator
}

func (rt *appRuntime) Close() {
	if rt.mirror != nil {
		if err := rt.mirror.Close(); err != nil {
			log.Printf("Error closing cache mirror: %v", err)
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			log.Printf("Error closing store: %v", err)
		}
	}
}

// buildRuntime loads configuration and wires the refresh components.
func buildRuntime() (*appRuntime, error) {
	loader := config.NewLoader(globalFlags.Config)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if globalFlags.DBPath != "" {
		cfg.Store.Path = globalFlags.DBPath
	}

	sqliteStore, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	mirror := cache.NewDisabledMirror()
	if cfg.Cache.Enabled {
		mirror = cache.NewMirror(cfg.Cache.Addr, cfg.Cache.Password, cfg.Cache.DB)
	}

	client := authclient.New(cfg.Auth.BaseURL, cfg.Auth.Timeout, cfg.Auth.UseUTLS)
	m := metrics.NewMetrics("credkeeper")

	pipeline := refresher.NewPipeline(sqliteStore, client, m, cfg.Refresher.CredentialTTL, cfg.Refresher.SessionTTL)
	transitioner := refresher.NewTransitioner(sqliteStore, mirror, m)
	coordinator := refresher.NewCoordinator(sqliteStore, pipeline, transitioner, m, refresher.CoordinatorConfig{
		Workers:       cfg.Refresher.Workers,
		QueueSize:     cfg.Refresher.QueueSize,
		ExpiringOnly:  cfg.Refresher.ExpiringOnly,
		ExpiryHorizon: time.Duration(cfg.Refresher.ExpiryWarningDays) * 24 * time.Hour,
	})

	return &appRuntime{
		cfg:          cfg,
		store:        sqliteStore,
		mirror:       mirror,
		metrics:      m,
		pipeline:     pipeline,
		transitioner: transitioner,
		coordinator:  coordinator,
	}, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if globalFlags.Verbose {
		log.Println("Starting CredKeeper daemon...")
		log.Printf("Config path: %s", globalFlags.Config)
	}

	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg := rt.cfg

	if globalFlags.Verbose {
		log.Printf("Database: %s (WAL mode enabled)", cfg.Store.Path)
		log.Printf("Cache mirror enabled: %v", rt.mirror.Enabled())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if rt.mirror.Enabled() {
		if !rt.mirror.WaitAlive(ctx, 10*time.Second) {
			log.Printf("Cache mirror warning: %s not answering, continuing without it", cfg.Cache.Addr)
		}
	}

	maintainer := store.NewMaintainer(rt.store, store.MaintenanceConfig{
		VacuumEnabled:   cfg.Store.VacuumEnabled,
		VacuumInterval:  cfg.Store.VacuumInterval,
		AnalyzeEnabled:  cfg.Store.AnalyzeEnabled,
		AnalyzeInterval: cfg.Store.AnalyzeInterval,
		AuditRetention:  cfg.Store.AuditRetention,
	})
	if err := maintainer.Start(ctx); err != nil {
		log.Printf("Maintenance warning: %v", err)
	}

	if cfg.Importer.Enabled {
		im := importer.New(rt.store, cfg.Importer.Path, cfg.Importer.ScanInterval)
		if err := im.StartAutoSync(ctx); err != nil {
			log.Printf("Importer warning: %v", err)
		} else if globalFlags.Verbose {
			log.Printf("Importer watching: %s", cfg.Importer.Path)
		}
	}

	sched := scheduler.New(rt.coordinator, rt.transitioner, scheduler.Config{
		Interval:       cfg.Refresher.Interval,
		PollInterval:   cfg.Scheduler.PollInterval,
		DailyResetTime: cfg.Scheduler.DailyResetTime,
		Timezone:       cfg.Scheduler.Timezone,
	})
	sched.Start()

	var server *api.Server
	if cfg.Server.Enabled {
		server = api.NewServer(cfg.Server, rt.store, rt.coordinator, rt.transitioner, rt.mirror, rt.metrics)
		go func() {
			log.Printf("Starting ops server on %s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
			if err := server.Run(); err != nil && err != http.ErrServerClosed {
				log.Printf("Ops server error: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received signal: %v", sig)

	timeout := runFlags.Timeout
	if cfg.Server.ShutdownTimeout > 0 {
		timeout = cfg.Server.ShutdownTimeout
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error during server shutdown: %v", err)
		}
	}
	sched.Stop()
	if err := maintainer.Stop(); err != nil {
		log.Printf("Error stopping maintenance: %v", err)
	}
	cancel()

	log.Println("Graceful shutdown completed")
	return nil
}
