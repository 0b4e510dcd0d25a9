package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/marmos91/gssauth/internal/adminapi"
	"github.com/marmos91/gssauth/internal/config"
	"github.com/marmos91/gssauth/internal/logger"
	"github.com/marmos91/gssauth/internal/pipefs"
	"github.com/marmos91/gssauth/internal/rpcgss"
)

var adminSocket string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gssauth daemon",
	Long: `Start gssauthd, which owns one Authenticator's pipe nodes and
credential cache and exposes them to gssauthctl over an admin Unix socket.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/gssauth/config.yaml.

Examples:
  # Start with defaults
  gssauthd start

  # Start with a custom config file
  gssauthd start --config /etc/gssauth/config.yaml

  # Override a setting via environment variable
  GSSAUTH_LOGGING_LEVEL=DEBUG gssauthd start`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&adminSocket, "admin-socket", "", "Path to the admin Unix socket (default: config admin_socket)")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	socketPath := adminSocket
	if socketPath == "" {
		socketPath = cfg.AdminSocket
	}

	service, err := rpcgss.ParseService(cfg.Service)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger.Info("starting gssauthd",
		"mechanism", cfg.Mechanism,
		"service", service.String(),
		"pipe_dir", cfg.Pipe.Dir,
		"admin_socket", socketPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	latch := pipefs.NewLatch()

	// The Manager's detach callback needs the Coordinator it feeds, but
	// the Coordinator's constructor needs the Manager as its listener.
	// coordinator is filled in right after NewCoordinator returns; the
	// closure only runs later, on an actual daemon detach.
	var coordinator *rpcgss.Coordinator
	manager, err := pipefs.NewManager(cfg.Pipe.Dir, cfg.Mechanism, latch, func() {
		if coordinator != nil {
			coordinator.FailAllPending(rpcgss.ErrPipeClosed)
		}
	})
	if err != nil {
		return fmt.Errorf("start pipe manager: %w", err)
	}
	defer manager.Close()

	mech := rpcgss.NewKrb5Mechanism()
	coordinator = rpcgss.NewCoordinator(manager, manager, mech)
	coordinator.SetAbsentTimeouts(cfg.Pipe.DaemonAbsentTimeout, cfg.Pipe.DaemonDownRetryTimeout)

	var registerer prometheus.Registerer = prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		registerer = prometheus.DefaultRegisterer
	}
	metrics := rpcgss.NewClientMetrics(registerer)

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
		logger.Info("metrics endpoint enabled", "port", cfg.Metrics.Port)
	}

	store := rpcgss.NewStore()
	// The Authenticator is what an embedding RPC client's flavor registry
	// calls marshal/validate/wrap_req/unwrap_resp/refresh on; gssauthd
	// itself only needs it constructed so SetNegativeCooldown and the
	// store/coordinator/metrics wiring are exercised end to end, and so
	// an embedding process can be handed this Authenticator directly
	// instead of repeating this wiring.
	authenticator := rpcgss.NewAuthenticator(store, coordinator, metrics, cfg.Mechanism)
	authenticator.SetNegativeCooldown(cfg.ExpiredCredRetryDelay)
	logger.Info("authenticator ready", "mechanism", cfg.Mechanism, "negative_cooldown", cfg.ExpiredCredRetryDelay)

	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return fmt.Errorf("create admin socket directory: %w", err)
	}

	admin := adminapi.NewServer(store, manager)

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- admin.Serve(ctx, socketPath)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("gssauthd is running, press Ctrl+C to stop")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, stopping")
		cancel()
		if err := <-serverDone; err != nil {
			logger.Error("admin server shutdown error", "error", err)
			return err
		}
		logger.Info("gssauthd stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("admin server error", "error", err)
			return err
		}
		logger.Info("gssauthd stopped")
	}

	return nil
}
