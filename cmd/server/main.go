package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iRazvan2745/glare/internal/anomaly"
	"github.com/iRazvan2745/glare/internal/api"
	"github.com/iRazvan2745/glare/internal/attribution"
	"github.com/iRazvan2745/glare/internal/db"
	"github.com/iRazvan2745/glare/internal/engine"
	"github.com/iRazvan2745/glare/internal/lease"
	"github.com/iRazvan2745/glare/internal/metrics"
	"github.com/iRazvan2745/glare/internal/notification"
	"github.com/iRazvan2745/glare/internal/scheduler"
	"github.com/iRazvan2745/glare/internal/store"
	"github.com/iRazvan2745/glare/internal/sweeper"
	"github.com/iRazvan2745/glare/internal/websocket"
	"github.com/iRazvan2745/glare/internal/workerapi"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr  string
	dbDriver  string
	dbDSN     string
	secretKey string
	logLevel  string
	pushMode  bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "glare-server",
		Short: "Glare server, the backup orchestration control plane",
		Long: `Glare server orchestrates scheduled backups across remote workers.
It fires backup policies on their cron schedules, dispatches runs to
workers (push) or queues them for polling workers (pull), reconciles
outcomes, applies retention, and detects backup size anomalies.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd(cfg))

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("GLARE_HTTP_ADDR", ":8080"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("GLARE_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("GLARE_DB_DSN", "./glare.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("GLARE_SECRET_KEY", ""), "Master secret for encrypting credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("GLARE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	// The scheduler flag keeps its historical env name: true selects push
	// mode (the server calls worker endpoints), false selects pull mode
	// (workers poll and claim queued runs).
	root.PersistentFlags().BoolVar(&cfg.pushMode, "push-mode", envOrDefault("SERVER_PLAN_SCHEDULER_ENABLED", "false") == "true", "Dispatch runs directly to worker endpoints")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("glare-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newMigrateCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(cfg.logLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			if err := initEncryption(cfg.secretKey); err != nil {
				return err
			}

			// db.New applies pending migrations as part of opening.
			_, err = db.New(db.Config{
				Driver: cfg.dbDriver,
				DSN:    cfg.dbDSN,
				Logger: logger,
			})
			return err
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := initEncryption(cfg.secretKey); err != nil {
		return err
	}

	logger.Info("starting glare server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.Bool("push_mode", cfg.pushMode),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	database, err := db.New(db.Config{
		Driver: cfg.dbDriver,
		DSN:    cfg.dbDSN,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	workers := store.NewWorkerStore(database)
	repos := store.NewRepositoryStore(database)
	policies := store.NewPolicyStore(database)
	runs := store.NewRunStore(database)
	events := store.NewEventStore(database)
	metricStore := store.NewMetricStore(database)
	anomalies := store.NewAnomalyStore(database)
	settings := store.NewSettingStore(database)

	stats := metrics.New()

	hub := websocket.NewHub()
	go hub.Run(ctx)

	notifier := notification.NewService(hub, settings, logger)
	detector := anomaly.NewDetector(metricStore, anomalies, events, notifier, logger)
	client := workerapi.NewClient(logger)

	eng := engine.New(engine.Config{
		DB:       database,
		Workers:  workers,
		Repos:    repos,
		Policies: policies,
		Runs:     runs,
		Events:   events,
		Metrics:  metricStore,
		Client:   client,
		Detector: detector,
		Notifier: notifier,
		Stats:    stats,
		Logger:   logger,
		PushMode: cfg.pushMode,
	})

	swp := sweeper.New(repos, workers, policies, runs, eng, client, stats, logger)

	sched, err := scheduler.New(policies, eng, lease.NewManager(database), swp, stats, logger)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Error("scheduler stop failed", zap.Error(err))
		}
	}()

	handler := api.NewRouter(api.RouterConfig{
		DB:         database,
		Workers:    workers,
		Policies:   policies,
		Settings:   settings,
		Users:      store.NewUserStore(database),
		Anomalies:  anomalies,
		Executions: attribution.NewService(runs, events),
		Engine:     eng,
		Scheduler:  sched,
		Sweeper:    swp,
		Hub:        hub,
		Notifier:   notifier,
		Stats:      stats,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down glare server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}
	return nil
}

// initEncryption derives the 32-byte at-rest key from the operator-supplied
// secret. The secret itself never reaches the logs.
func initEncryption(secretKey string) error {
	if secretKey == "" {
		return fmt.Errorf("secret key is required: set --secret-key or GLARE_SECRET_KEY")
	}
	key := sha256.Sum256([]byte(secretKey))
	return db.InitEncryption(key[:])
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
