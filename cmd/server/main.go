package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/graph8/agent-gateway/internal/config"
	"github.com/graph8/agent-gateway/internal/core/ports"
	"github.com/graph8/agent-gateway/internal/core/services"
	"github.com/graph8/agent-gateway/internal/infrastructure/db"
	"github.com/graph8/agent-gateway/internal/infrastructure/logger"
	"github.com/graph8/agent-gateway/internal/infrastructure/metrics"
	transporthttp "github.com/graph8/agent-gateway/internal/transport/http"
	"github.com/graph8/agent-gateway/internal/transport/http/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "agent-gateway",
		Short:         "WebSocket control plane for browser automation agents.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config/config.yaml)")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(Version)
		},
	})
	return root
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()
	log.Infow("agent_gateway_starting", "version", Version, "addr", cfg.Server.Address())

	timelineRepo, database, err := openTimeline(cfg, log)
	if err != nil {
		return err
	}
	if database != nil {
		defer func() {
			if err := db.Close(database); err != nil {
				log.Errorw("database_close_failed", "error", err)
			}
		}()
	}

	var (
		m        *metrics.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.MustNewMetrics(reg, cfg.Metrics.Namespace)
		gatherer = reg
	}

	recorder := services.NewTimelineRecorder(timelineRepo, 1024, log.Named("timeline"))
	observers := []ports.TaskObserver{recorder}
	if m != nil {
		observers = append(observers, m)
	}

	registry := services.NewConnectionRegistry(log.Named("registry"))
	tasks := services.NewTaskCoordinator(registry, services.TaskCoordinatorConfig{
		DefaultTimeout:   cfg.Tasks.DefaultTimeout,
		OutcomeRetention: cfg.Tasks.OutcomeRetention,
		OutcomeCacheSize: cfg.Tasks.OutcomeCacheSize,
	}, log.Named("tasks"), observers...)

	socket := handlers.NewAgentSocketHandler(handlers.AgentSocketHandlerConfig{
		Agent:     cfg.Agent,
		Welcome:   cfg.Tasks.Welcome,
		Registry:  registry,
		Heartbeat: services.NewHeartbeatResponder(),
		Tasks:     tasks,
		Timeline:  recorder,
		Metrics:   m,
		Logger:    log.Named("agent"),
	})

	srv := transporthttp.NewServer(transporthttp.RouterConfig{
		Config:   cfg,
		Logger:   log,
		Registry: registry,
		Tasks:    tasks,
		Timeline: timelineRepo,
		Socket:   socket,
		Gatherer: gatherer,
	})

	// The recorder outlives the listener so disconnect events written during
	// shutdown still reach the repository.
	recorderCtx, stopRecorder := context.WithCancel(context.Background())
	defer stopRecorder()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Listen()
	})
	g.Go(func() error {
		return services.RunTimeoutSweeper(gctx, tasks, cfg.Tasks.SweepInterval)
	})
	g.Go(func() error {
		return recorder.Run(recorderCtx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("server_forced_shutdown", "error", err)
		}
		stopRecorder()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("server exited gracefully")
	return nil
}

func openTimeline(cfg *config.Config, log *logger.Logger) (ports.TimelineRepository, *gorm.DB, error) {
	if !cfg.Database.Enabled {
		log.Info("database disabled, timeline events go to the log only")
		return db.NewTimelineRepoStub(log.Named("timeline")), nil, nil
	}

	database, err := db.NewPostgresConnection(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info("database connection established")

	if err := db.RunMigrations(database); err != nil {
		_ = db.Close(database)
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("database migrations completed")

	return db.NewTimelineRepository(database, log.Named("timeline_repo")), database, nil
}
