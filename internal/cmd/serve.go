package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/agentqueue/internal/observability"
	"github.com/3leaps/agentqueue/internal/scheduler"
	"github.com/3leaps/agentqueue/internal/server"
	"github.com/3leaps/agentqueue/internal/server/handlers"
	"github.com/3leaps/agentqueue/pkg/agentproc"
	"github.com/3leaps/agentqueue/pkg/jobstore"
)

var (
	serveHost         string
	servePort         int
	serveDrainTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and HTTP API",
	Long: `Run the job scheduler and the HTTP API until interrupted.

On SIGINT or SIGTERM the server stops accepting work and waits for running
agent processes to finish. A second signal, or --drain-timeout expiring,
kills them.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides server.port)")
	serveCmd.Flags().DurationVar(&serveDrainTimeout, "drain-timeout", 0, "Kill running agents if they have not finished this long after shutdown starts (0 = wait)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	id := GetAppIdentity()

	host := cfg.Server.Host
	if serveHost != "" {
		host = serveHost
	}
	port := cfg.Server.Port
	if servePort != 0 {
		port = servePort
	}

	logger, err := observability.NewServiceLogger(id.BinaryName, cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	runner := agentproc.NewRunner(cfg.AgentOptions(), logger.Named("agent"))
	sched := scheduler.New(cfg.SchedulerOptions(), store, runner, scheduler.WithLogger(logger.Named("scheduler")))

	health := handlers.InitHealthManager(versionInfo.Version)
	if cfg.Health.Enabled {
		health.RegisterChecker("store", storeHealthChecker{store: store})
		health.RegisterChecker("scheduler", schedulerHealthChecker{sched: sched})
		health.RegisterChecker("signals", signalHealthChecker{})
		health.RegisterChecker("identity", identityHealthChecker{
			binaryName: id.BinaryName,
			envPrefix:  id.EnvPrefix,
			configName: id.ConfigName,
		})
	}

	srv := server.New(host, port,
		server.WithLogger(logger.Named("http")),
		server.WithQueue(sched, store),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		server.WithCORS(cfg.Server.CORSOrigins),
		server.WithSubmitLimit(cfg.Server.SubmitRate, cfg.Server.SubmitBurst),
		server.WithHealth(health),
	)

	if err := sched.Start(ctx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start scheduler", err)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	logger.Info("agentqueue serving",
		zap.String("addr", srv.Addr()),
		zap.String("version", versionInfo.Version))

	var runErr error
	interrupted := false
	select {
	case sig := <-sigCh:
		interrupted = true
		logger.Info("shutdown requested", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			runErr = exitError(foundry.ExitExternalServiceUnavailable, "HTTP server failed", err)
		}
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	httpCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(httpCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	cancel()

	if err := drainScheduler(sched, sigCh, serveDrainTimeout, logger); err != nil {
		logger.Warn("scheduler shutdown incomplete", zap.Error(err))
	}

	if runErr != nil {
		return runErr
	}
	if interrupted {
		logger.Info("shutdown complete")
	}
	return nil
}

// drainScheduler waits for running jobs. A second signal or the drain
// timeout kills the remaining agent processes; their workers then record
// the jobs as failed and the wait finishes.
func drainScheduler(sched *scheduler.Scheduler, sigCh <-chan os.Signal, drain time.Duration, logger *zap.Logger) error {
	done := make(chan error, 1)
	go func() { done <- sched.Shutdown(context.Background()) }()

	var timeout <-chan time.Time
	if drain > 0 {
		t := time.NewTimer(drain)
		defer t.Stop()
		timeout = t.C
	}

	for {
		select {
		case err := <-done:
			return err
		case sig := <-sigCh:
			logger.Warn("second signal, killing running agents", zap.String("signal", sig.String()))
			sched.KillAll()
		case <-timeout:
			logger.Warn("drain timeout reached, killing running agents", zap.Duration("drain_timeout", drain))
			sched.KillAll()
			timeout = nil
		}
	}
}

// signalHealthChecker reports the signal handler as installed.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error {
	return nil
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("app identity missing binary name")
	case c.envPrefix == "":
		return errors.New("app identity missing env prefix")
	case c.configName == "":
		return errors.New("app identity missing config name")
	}
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

type storeHealthChecker struct {
	store pinger
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	if c.store == nil {
		return errors.New("job store not initialized")
	}
	if err := c.store.Ping(ctx); err != nil {
		return fmt.Errorf("job store unreachable: %w", err)
	}
	return nil
}

type statusReporter interface {
	Status(ctx context.Context) (*scheduler.Status, error)
}

type schedulerHealthChecker struct {
	sched statusReporter
}

func (c schedulerHealthChecker) CheckHealth(ctx context.Context) error {
	if c.sched == nil {
		return errors.New("scheduler not initialized")
	}
	st, err := c.sched.Status(ctx)
	if err != nil {
		return fmt.Errorf("scheduler status: %w", err)
	}
	if st.Draining {
		return fmt.Errorf("%w: scheduler draining, %d workers left", handlers.ErrDegraded, st.Workers)
	}
	if st.MaxWorkers > 0 && st.Workers > st.MaxWorkers {
		return fmt.Errorf("worker count %d exceeds cap %d", st.Workers, st.MaxWorkers)
	}
	return nil
}

var _ pinger = (*jobstore.Store)(nil)
