// Package api is the HTTP surface of the job system.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/UniQw/coinqw"
	"github.com/UniQw/coinqw/internal/monitor"
	"github.com/UniQw/coinqw/internal/scheduler"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Failure listing limits.
const (
	DefaultFailureLimit = 50
	MaxFailureLimit     = 200
)

// Queues is the part of the queue manager exposed over HTTP.
type Queues interface {
	Enqueue(ctx context.Context, queue, jobName string, payload coinqw.Payload, opts ...coinqw.Option) (string, error)
	Pause(ctx context.Context, queue string) error
	Resume(ctx context.Context, queue string) error
	Clear(ctx context.Context, queue string) (int64, error)
}

// Scheduler schedules ad-hoc jobs and aggregates queue stats.
type Scheduler interface {
	AggregateQueueStats(ctx context.Context) map[string]scheduler.QueueStats
	ScheduleOneOff(ctx context.Context, task, coinID string, delay time.Duration) (string, error)
}

// Monitor reports health and failures.
type Monitor interface {
	Health(ctx context.Context) monitor.Health
	RecentFailures(queue string, limit int) []coinqw.FailureRecord
}

// Deps are the collaborators of the HTTP surface.
type Deps struct {
	Queues    Queues
	Scheduler Scheduler
	Monitor   Monitor
	// WS serves the push subscription endpoint; nil disables /ws.
	WS             http.HandlerFunc
	Logger         *zap.Logger
	PostRatePerMin int
}

type handlers struct {
	Deps
}

// NewRouter builds the gin engine with every route.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	h := &handlers{d}

	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(d.Logger))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if d.WS != nil {
		r.GET("/ws", gin.WrapF(d.WS))
	}

	jobs := r.Group("/api/jobs")
	{
		jobs.GET("/stats", h.stats)
		jobs.GET("/health", h.health)
		jobs.GET("/failures", h.failures)

		limited := jobs.Group("", RateLimit(d.PostRatePerMin))
		limited.POST("/trigger", h.trigger)
		limited.POST("/queue-action", h.queueAction)
		limited.POST("/:task/:coinId", h.scheduleOneOff)
	}
	return r
}

// statusFor maps domain errors to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, coinqw.ErrEntityNotFound),
		errors.Is(err, coinqw.ErrUnknownQueue):
		return http.StatusNotFound
	case errors.Is(err, coinqw.ErrInvalidPayload),
		errors.Is(err, coinqw.ErrInvalidAttempts),
		errors.Is(err, coinqw.ErrInvalidSchedule),
		errors.Is(err, coinqw.ErrConflictingOptions),
		errors.Is(err, scheduler.ErrUnknownTask):
		return http.StatusBadRequest
	case errors.Is(err, coinqw.ErrDuplicateJob):
		return http.StatusConflict
	case errors.Is(err, coinqw.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func (h *handlers) stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.Scheduler.AggregateQueueStats(c.Request.Context()))
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, h.Monitor.Health(c.Request.Context()))
}

func (h *handlers) failures(c *gin.Context) {
	limit := DefaultFailureLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, MaxFailureLimit)
	}
	out := h.Monitor.RecentFailures(c.Query("queue"), limit)
	if out == nil {
		out = []coinqw.FailureRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"failures": out, "count": len(out)})
}

type triggerRequest struct {
	Queue   string          `json:"queue" binding:"required"`
	JobName string          `json:"jobName" binding:"required"`
	Data    json.RawMessage `json:"data"`
	// Delay is in milliseconds.
	Delay int64 `json:"delay"`
}

func (h *handlers) trigger(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Delay < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "delay must not be negative"})
		return
	}
	payload, err := coinqw.DecodePayload(req.JobName, req.Data)
	if err != nil {
		fail(c, err)
		return
	}
	var opts []coinqw.Option
	if req.Delay > 0 {
		opts = append(opts, coinqw.Delay(time.Duration(req.Delay)*time.Millisecond))
	}
	id, err := h.Queues.Enqueue(c.Request.Context(), req.Queue, req.JobName, payload, opts...)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": id, "queue": req.Queue, "jobName": req.JobName})
}

type queueActionRequest struct {
	Queue  string `json:"queue" binding:"required"`
	Action string `json:"action" binding:"required,oneof=pause resume clear"`
}

func (h *handlers) queueAction(c *gin.Context) {
	var req queueActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	resp := gin.H{"queue": req.Queue, "action": req.Action}
	var err error
	switch req.Action {
	case "pause":
		err = h.Queues.Pause(ctx, req.Queue)
	case "resume":
		err = h.Queues.Resume(ctx, req.Queue)
	case "clear":
		var n int64
		n, err = h.Queues.Clear(ctx, req.Queue)
		resp["removed"] = n
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) scheduleOneOff(c *gin.Context) {
	var delay time.Duration
	if s := c.Query("delay"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "delay must be a non-negative duration"})
			return
		}
		delay = d
	}
	id, err := h.Scheduler.ScheduleOneOff(c.Request.Context(), c.Param("task"), c.Param("coinId"), delay)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": id, "task": c.Param("task"), "coinId": c.Param("coinId")})
}
