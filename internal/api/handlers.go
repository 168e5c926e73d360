package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/aristath/taskengine/internal/engine"
	"github.com/aristath/taskengine/internal/scheduler"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// listTasks returns every task, newest first.
func (s *Server) listTasks(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.List())
}

// createTask admits a task. priority defaults to medium, dependencies to
// none and max_retries to the configured default.
func (s *Server) createTask(c *gin.Context) {
	var sub engine.Submission
	if err := c.ShouldBindJSON(&sub); err != nil {
		abort(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	task, err := s.engine.Submit(c.Request.Context(), sub)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

// getTask reads through the cache when one is configured.
func (s *Server) getTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if s.cfg.Cache != nil {
		task, hit, err := s.cfg.Cache.Get(ctx, id)
		if err != nil {
			log.Printf("WARNING: %v", err)
		}
		if hit {
			c.JSON(http.StatusOK, task)
			return
		}
	}

	task, err := s.engine.Get(id)
	if err != nil {
		abort(c, err)
		return
	}
	if s.cfg.Cache != nil {
		if err := s.cfg.Cache.Put(ctx, task); err != nil {
			log.Printf("WARNING: %v", err)
		}
	}
	c.JSON(http.StatusOK, task)
}

// reportTask applies a worker's outcome for one attempt.
func (s *Server) reportTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}

	var r engine.Report
	if err := c.ShouldBindJSON(&r); err != nil {
		abort(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	r.TaskID = id

	task, err := s.engine.Report(c.Request.Context(), r)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) taskHistory(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	history, err := s.engine.History(id)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

func (s *Server) listWorkers(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Workers())
}

// heartbeat refreshes a worker. An optional {"transport": name} body moves
// its assignments off the claim endpoint.
func (s *Server) heartbeat(c *gin.Context) {
	var req struct {
		Transport string `json:"transport"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		abort(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	w, err := s.engine.HeartbeatVia(c.Request.Context(), c.Param("id"), req.Transport)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// claim long-polls for the worker's next assignment, answering 204 when
// none arrives within the claim wait.
func (s *Server) claim(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.ClaimWait)
	defer cancel()

	a, err := s.engine.Claim(ctx, c.Param("id"))
	if errors.Is(err, scheduler.ErrNoAssignment) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func taskID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		abort(c, fmt.Errorf("%w: invalid task id %q", errBadRequest, c.Param("id")))
		return 0, false
	}
	return id, true
}
