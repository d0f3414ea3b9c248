// Package server exposes the admin HTTP API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hackmanhattan/hmbot/internal/command"
	"github.com/hackmanhattan/hmbot/internal/history"
	"github.com/hackmanhattan/hmbot/internal/metrics"
	"github.com/hackmanhattan/hmbot/internal/process"
)

// Lister reports the live persistent processes.
type Lister interface {
	Infos() []process.Info
}

// Enqueuer accepts commands for the event loop.
type Enqueuer interface {
	Push(ctx context.Context, c command.Command) error
}

// Samples returns the latest resource sample for a thread.
type Samples interface {
	Latest(thread string) (metrics.Sample, bool)
}

// Options wire the router to the proxy. Only Processes and Queue are required.
type Options struct {
	BasePath  string
	Token     string // bearer token; empty disables auth
	Processes Lister
	Queue     Enqueuer
	Resources Samples
	History   history.Querier
	Metrics   bool
	Health    func() error
	Logger    *slog.Logger
}

// Router provides embeddable HTTP handlers.
// Endpoints:
//
//	GET  {basePath}/processes          live persistent processes
//	POST {basePath}/commands           body: command envelope JSON
//	GET  {basePath}/history?limit=50   lifecycle events, newest first
//	GET  {basePath}/healthz
//	GET  /metrics                      when Metrics is set
type Router struct {
	opts     Options
	basePath string
}

func NewRouter(opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{opts: opts, basePath: sanitizeBase(opts.BasePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery())
	if r.opts.Metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth)
	api := group.Group("", tokenAuth(r.opts.Token))
	api.GET("/processes", r.handleProcesses)
	api.POST("/commands", r.handleCommand)
	api.GET("/history", r.handleHistory)
	return g
}

// NewServer builds an http.Server for addr using this router. It is not started.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type errorResp struct {
	Error string `json:"error"`
}

type acceptedResp struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

// processView is process.Info plus its most recent resource sample.
type processView struct {
	process.Info
	Resources *metrics.Sample `json:"resources,omitempty"`
}

func (r *Router) handleHealth(c *gin.Context) {
	if r.opts.Health != nil {
		if err := r.opts.Health(); err != nil {
			writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
			return
		}
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

func (r *Router) handleProcesses(c *gin.Context) {
	infos := r.opts.Processes.Infos()
	out := make([]processView, 0, len(infos))
	for _, in := range infos {
		v := processView{Info: in}
		if r.opts.Resources != nil {
			if s, ok := r.opts.Resources.Latest(in.ThreadID); ok {
				v.Resources = &s
			}
		}
		out = append(out, v)
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleCommand(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	cmd, err := command.Decode(body)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	if err := r.opts.Queue.Push(c.Request.Context(), cmd); err != nil {
		code := http.StatusServiceUnavailable
		if !errors.Is(err, command.ErrQueueClosed) {
			code = http.StatusGatewayTimeout
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	r.opts.Logger.Debug("command accepted over http", "id", cmd.ID, "kind", cmd.Kind().String())
	writeJSON(c, http.StatusAccepted, acceptedResp{ID: cmd.ID, Kind: cmd.Kind().String()})
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.opts.History == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no queryable history sink configured"})
		return
	}
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}
	events, err := r.opts.History.Recent(c.Request.Context(), limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}
