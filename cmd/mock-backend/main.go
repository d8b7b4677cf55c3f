// Package main implements a mock of the main back-end task API for local
// development and e2e tests. It records the status and validation updates
// the manager forwards and serves them back for inspection.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wegent/wegent/internal/common/logger"
	v1 "github.com/wegent/wegent/pkg/api/v1"
)

type store struct {
	mu          sync.Mutex
	statuses    map[int64]v1.TaskStatusUpdate
	history     []v1.TaskStatusUpdate
	validations []v1.ValidationUpdate
}

func newStore() *store {
	return &store{statuses: make(map[int64]v1.TaskStatusUpdate)}
}

func (s *store) recordStatus(upd v1.TaskStatusUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[upd.TaskID] = upd
	s.history = append(s.history, upd)
}

func (s *store) status(taskID int64) (v1.TaskStatusUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	upd, ok := s.statuses[taskID]
	return upd, ok
}

func (s *store) recordValidation(upd v1.ValidationUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validations = append(s.validations, upd)
}

func (s *store) snapshot() ([]v1.TaskStatusUpdate, []v1.ValidationUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	statuses := make([]v1.TaskStatusUpdate, len(s.history))
	copy(statuses, s.history)
	validations := make([]v1.ValidationUpdate, len(s.validations))
	copy(validations, s.validations)
	return statuses, validations
}

func main() {
	port := flag.Int("port", 9000, "port to listen on")
	flag.Parse()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "info", Format: "console", OutputPath: "stdout"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	db := newStore()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "mock-backend"})
	})

	api := router.Group("/api/v1")
	{
		api.POST("/tasks/:task_id/status", func(c *gin.Context) {
			taskID, err := strconv.ParseInt(c.Param("task_id"), 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
				return
			}
			var upd v1.TaskStatusUpdate
			if err := c.ShouldBindJSON(&upd); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			upd.TaskID = taskID
			db.recordStatus(upd)
			log.Info("Task status update received",
				zap.Int64("task_id", taskID),
				zap.String("status", string(upd.Status)),
				zap.String("error_message", upd.ErrorMessage))
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		api.GET("/tasks/:task_id/status", func(c *gin.Context) {
			taskID, err := strconv.ParseInt(c.Param("task_id"), 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
				return
			}
			upd, ok := db.status(taskID)
			if !ok {
				c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": string(upd.Status)})
		})

		api.POST("/validation/update", func(c *gin.Context) {
			var upd v1.ValidationUpdate
			if err := c.ShouldBindJSON(&upd); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			db.recordValidation(upd)
			log.Info("Validation update received",
				zap.Int64("task_id", upd.TaskID),
				zap.String("phase", upd.Phase),
				zap.Bool("valid", upd.Valid),
				zap.String("detail", upd.Detail))
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		// Inspection endpoint for tests and manual poking.
		api.GET("/updates", func(c *gin.Context) {
			statuses, validations := db.snapshot()
			c.JSON(http.StatusOK, gin.H{
				"task_statuses": statuses,
				"validations":   validations,
			})
		})
	}

	addr := fmt.Sprintf(":%d", *port)
	log.Info("Mock back-end listening", zap.String("addr", addr))
	if err := router.Run(addr); err != nil {
		log.Fatal("Server stopped", zap.Error(err))
	}
}
