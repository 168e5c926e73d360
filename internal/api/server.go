// Package api exposes the engine over HTTP for the dashboard and remote workers.
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aristath/taskengine/internal/engine"
	"github.com/aristath/taskengine/internal/scheduler"
)

// Engine is the part of the execution engine the API serves.
type Engine interface {
	Submit(ctx context.Context, sub engine.Submission) (scheduler.Task, error)
	Get(id int64) (scheduler.Task, error)
	List() []scheduler.Task
	History(id int64) ([]scheduler.HistoryEntry, error)
	Workers() []scheduler.Worker
	HeartbeatVia(ctx context.Context, workerID, transport string) (scheduler.Worker, error)
	Claim(ctx context.Context, workerID string) (engine.Assignment, error)
	Report(ctx context.Context, r engine.Report) (scheduler.Task, error)
}

// TaskCache caches single-task reads.
type TaskCache interface {
	Get(ctx context.Context, id int64) (scheduler.Task, bool, error)
	Put(ctx context.Context, task scheduler.Task) error
}

// Config configures the HTTP server.
type Config struct {
	Addr      string
	ClaimWait time.Duration // Longest a worker's assignment poll is held open (default 25s)
	Cache     TaskCache     // Optional
}

// Server serves the REST API.
type Server struct {
	cfg    Config
	engine Engine
	router *gin.Engine
}

// NewServer builds the router.
func NewServer(cfg Config, e Engine) *Server {
	if cfg.ClaimWait <= 0 {
		cfg.ClaimWait = 25 * time.Second
	}
	if cfg.Addr == "" {
		cfg.Addr = ":5000"
	}

	router := gin.New()
	router.Use(gin.Recovery(), logErrors(), cors())

	s := &Server{cfg: cfg, engine: e, router: router}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/healthz", s.health)

	tasks := s.router.Group("/tasks")
	{
		tasks.GET("", s.listTasks)
		tasks.POST("", s.createTask)
		tasks.GET("/:id", s.getTask)
		tasks.PATCH("/:id", s.reportTask)
		tasks.GET("/:id/history", s.taskHistory)
	}

	workers := s.router.Group("/workers")
	{
		workers.GET("", s.listWorkers)
		workers.POST("/:id/heartbeat", s.heartbeat)
		workers.GET("/:id/assignment", s.claim)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("API listening on %s", s.cfg.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("serving API: %w", err)
	case <-ctx.Done():
	}

	// Outlive the longest claim poll
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ClaimWait+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down API: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Printf("API stopped")
	return nil
}

// cors allows the dashboard to be served from another origin.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// logErrors logs server-side failures. Successful polls are not logged.
func logErrors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if status := c.Writer.Status(); status >= http.StatusInternalServerError {
			log.Printf("ERROR: %s %s -> %d: %v", c.Request.Method, c.Request.URL.Path, status, c.Errors.Last())
		}
	}
}
