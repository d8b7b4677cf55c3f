// Package main runs the WeGent sandbox manager: the control plane that
// provisions executor containers, dispatches tasks into them, absorbs their
// callbacks, and forwards results to the main back-end.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wegent/wegent/internal/common/config"
	"github.com/wegent/wegent/internal/common/httpmw"
	"github.com/wegent/wegent/internal/common/logger"
	"github.com/wegent/wegent/internal/common/redisclient"
	"github.com/wegent/wegent/internal/events/bus"
	"github.com/wegent/wegent/internal/manager/api"
	"github.com/wegent/wegent/internal/manager/backend"
	"github.com/wegent/wegent/internal/manager/coordination"
	"github.com/wegent/wegent/internal/manager/dispatcher"
	"github.com/wegent/wegent/internal/manager/docker"
	"github.com/wegent/wegent/internal/manager/heartbeat"
	"github.com/wegent/wegent/internal/manager/runner"
	"github.com/wegent/wegent/internal/manager/sandbox"
	"github.com/wegent/wegent/internal/manager/scheduler"
	"github.com/wegent/wegent/internal/manager/tasks"
	"github.com/wegent/wegent/internal/manager/tracker"
	"github.com/wegent/wegent/internal/tracing"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting WeGent manager...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory unless NATS is configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// 5. Connect to Redis (all cross-replica state lives there)
	redisClient, err := redisclient.New(cfg.Redis)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err), zap.String("url", cfg.Redis.URL))
	}
	defer redisClient.Close()
	log.Info("Connected to Redis", zap.String("url", cfg.Redis.URL))

	// 6. Initialize Docker client and the executor dispatcher
	dockerClient, err := docker.NewClient(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to initialize Docker client", zap.Error(err))
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Fatal("Docker daemon not available", zap.Error(err))
	}
	log.Info("Connected to Docker daemon")

	dispatch := dispatcher.NewDockerDispatcher(dockerClient, cfg, log)

	// 7. Derive the callback URL executors report to when not configured
	if cfg.Callback.URL == "" {
		cfg.Callback.URL = fmt.Sprintf("http://%s:%d%s/callback",
			cfg.Docker.HostAddr, cfg.Server.Port, cfg.Server.APIPrefix)
		log.Info("Derived executor callback URL", zap.String("url", cfg.Callback.URL))
	}

	// ============================================
	// SANDBOX CONTROL PLANE
	// ============================================
	repo := sandbox.NewRepository(redisClient, cfg.Redis.SessionTTLDuration(), log)
	hearts := heartbeat.NewStore(redisClient, cfg.Heartbeat.KeyTTLDuration())
	locks := coordination.NewLockManager(redisClient, log)

	mgr := sandbox.NewManager(repo, dispatch, hearts, locks, eventBus, cfg, log)
	defer mgr.Close()
	log.Info("Sandbox manager initialized",
		zap.Int("max_concurrent", cfg.Sandbox.MaxConcurrent),
		zap.String("executor_image", cfg.Docker.ExecutorImage))

	backendClient := backend.NewClient(cfg.Backend, log)
	tracked := tracker.NewRunningTaskTracker(redisClient, hearts, dispatch, backendClient, locks, cfg, log)
	taskService := tasks.NewService(dispatch, tracked, hearts, mgr,
		runner.NewExecutionRunner(30*time.Second, log), cfg, log)

	// 8. Start the maintenance scheduler (heartbeat sweeps + sandbox GC)
	sched := scheduler.NewScheduler(mgr, tracked, mgr, log, scheduler.SchedulerConfig{
		HeartbeatInterval: cfg.Heartbeat.CheckIntervalDuration(),
		GCInterval:        cfg.Sandbox.GCIntervalDuration(),
	})
	if err := sched.Start(ctx); err != nil {
		log.Fatal("Failed to start scheduler", zap.Error(err))
	}
	log.Info("Scheduler started",
		zap.Duration("heartbeat_interval", cfg.Heartbeat.CheckIntervalDuration()),
		zap.Duration("gc_interval", cfg.Sandbox.GCIntervalDuration()))

	// ============================================
	// HTTP SERVER
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.RequestLogger(log, "manager"))
	router.Use(httpmw.Recovery(log))
	router.Use(httpmw.CORS())
	if tracing.Enabled() {
		router.Use(httpmw.OtelTracing("wegent-manager"))
	}

	api.RegisterRoutes(router, mgr, taskService, tracked, backendClient, hearts, cfg, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Manager API listening",
			zap.String("addr", server.Addr),
			zap.String("prefix", cfg.Server.APIPrefix))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down manager...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := sched.Stop(); err != nil {
		log.Error("Scheduler stop error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Manager stopped")
}
