// Package server exposes the supervisor over a small HTTP control surface.
package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/sidekick/internal/journal"
	"github.com/loykin/sidekick/internal/metrics"
	"github.com/loykin/sidekick/internal/supervisor"
)

// Router provides embeddable HTTP handlers for inspecting and driving the
// supervisor.
// Endpoints:
//   GET  {basePath}/status      supervisor state and process snapshots
//   GET  {basePath}/processes   process snapshots only
//   GET  {basePath}/events      recent lifecycle events (query: limit)
//   GET  {basePath}/metrics     prometheus exposition
//   POST {basePath}/restart     restart the managed processes
//   POST {basePath}/terminate   stop the managed processes
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sup      *supervisor.Supervisor
	jrnl     *journal.Journal
	basePath string

	// Restart and Terminate are wired by the caller so the router never
	// owns launch options. Nil hooks disable the endpoint with 404.
	Restart   func(ctx context.Context) error
	Terminate func(ctx context.Context) error
}

// NewRouter constructs a Router. jrnl may be nil; the events endpoint then
// reports 404.
func NewRouter(sup *supervisor.Supervisor, jrnl *journal.Journal, basePath string) *Router {
	return &Router{sup: sup, jrnl: jrnl, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/processes", r.handleProcesses)
	group.GET("/events", r.handleEvents)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	group.POST("/restart", r.handleRestart)
	group.POST("/terminate", r.handleTerminate)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type statusResp struct {
	State     string                     `json:"state"`
	Restarts  int                        `json:"restarts"`
	Processes []supervisor.ProcessStatus `json:"processes"`
}

func (r *Router) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, statusResp{
		State:     r.sup.State().String(),
		Restarts:  r.sup.Restarts(),
		Processes: r.sup.Statuses(),
	})
}

func (r *Router) handleProcesses(c *gin.Context) {
	c.JSON(http.StatusOK, r.sup.Statuses())
}

func (r *Router) handleEvents(c *gin.Context) {
	if r.jrnl == nil {
		c.JSON(http.StatusNotFound, errorResp{Error: "journal disabled"})
		return
	}
	limit := 0
	if q := c.Query("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, errorResp{Error: "invalid limit"})
			return
		}
		limit = n
	}
	events, err := r.jrnl.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, events)
}

func (r *Router) handleRestart(c *gin.Context) {
	if r.Restart == nil {
		c.JSON(http.StatusNotFound, errorResp{Error: "restart not wired"})
		return
	}
	if err := r.Restart(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleTerminate(c *gin.Context) {
	if r.Terminate == nil {
		c.JSON(http.StatusNotFound, errorResp{Error: "terminate not wired"})
		return
	}
	if err := r.Terminate(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func sanitizeBase(bp string) string {
	if bp == "" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}
