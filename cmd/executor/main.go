// Package main runs the in-container WeGent executor: the agent runtime the
// manager dispatches tasks into. It hosts the task API, the embedded MCP
// server the claude CLI connects back to, and the heartbeat reporter.
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
	"github.com/wegent/wegent/internal/executor/callback"
	"github.com/wegent/wegent/internal/executor/engine"
	"github.com/wegent/wegent/internal/executor/heartbeat"
	"github.com/wegent/wegent/internal/executor/mcpserver"
	"github.com/wegent/wegent/internal/executor/processor"
	"github.com/wegent/wegent/internal/executor/server"
	"github.com/wegent/wegent/internal/executor/sessions"
	"github.com/wegent/wegent/internal/executor/taskstate"
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

	log.Info("Starting WeGent executor...",
		zap.String("task_id", cfg.Executor.TaskID),
		zap.String("shell_type", cfg.Executor.ShellType))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Core state: execution registry and engine sessions
	states := taskstate.NewManager()
	store := sessions.NewStore()

	// 5. Callback client, stamped with this container's identity
	identity := callback.Identity{Name: executorName(cfg)}
	callbacks := callback.NewClient(cfg.Callback, identity, log)

	// 6. Execution pipeline and the task server
	proc := processor.New(callbacks, states, log)
	engines := engine.NewRegistry()
	srv := server.New(engines, states, store, proc, callbacks, cfg.Executor, log)

	// 7. Embedded MCP server (started first so engines know its endpoint)
	mcp := mcpserver.New(mcpserver.Config{Port: cfg.Executor.MCPPort}, callbacks, srv.ResolveActiveTask, log)
	if err := mcp.Start(ctx); err != nil {
		log.Fatal("Failed to start MCP server", zap.Error(err))
	}
	log.Info("MCP server listening", zap.Int("port", mcp.Port()))

	// 8. Register engines
	engines.Register(engine.NewClaudeCode(cfg.Engines, mcp.StreamableHTTPEndpoint(), store, log))
	engines.Register(engine.NewAgno(cfg.Engines, log))
	engines.Register(engine.NewDify(cfg.Engines, log))
	engines.Register(engine.NewImageValidator(log))
	log.Info("Engines registered", zap.Strings("engines", engines.Names()))

	// 9. Heartbeat reporter (only when the dispatcher injected a task id)
	if cfg.Executor.TaskID != "" && cfg.Callback.URL != "" {
		beatURL := heartbeat.URL(cfg.Callback.URL, cfg.Executor.TaskID)
		reporter := heartbeat.NewReporter(5*time.Second, log)
		go reporter.Run(ctx, beatURL)
		log.Info("Heartbeat reporter started", zap.String("url", beatURL))
	} else {
		log.Info("Heartbeat reporter disabled (no task id or callback URL)")
	}

	// ============================================
	// HTTP SERVER
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.RequestLogger(log, "executor"))
	router.Use(httpmw.Recovery(log))
	if tracing.Enabled() {
		router.Use(httpmw.OtelTracing("wegent-executor"))
	}

	srv.RegisterRoutes(router)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Executor.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Executor API listening", zap.Int("port", cfg.Executor.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down executor...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	srv.Shutdown(shutdownCtx)
	if err := mcp.Stop(shutdownCtx); err != nil {
		log.Error("MCP server stop error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Executor stopped")
}

// executorName matches the container name the dispatcher assigns, so
// callbacks carry an identity the manager can map back to a task.
func executorName(cfg *config.Config) string {
	if cfg.Executor.TaskID != "" {
		return "wegent-executor-" + cfg.Executor.TaskID
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "wegent-executor"
}
