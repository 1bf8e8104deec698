package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/loykin/notebookd/internal/control"
	"github.com/loykin/notebookd/internal/metrics"
	"github.com/loykin/notebookd/internal/resolver"
	"github.com/loykin/notebookd/internal/settings"
	"github.com/loykin/notebookd/internal/status"
)

// Router exposes the control surface over HTTP.
// Endpoints, relative to basePath:
//
//	GET  /health   GET  /status   GET /events (server-sent events)
//	POST /start    POST /stop     POST /restart
//	GET  /config   POST /config   GET /detect?python=...
//
// /metrics is served at the root when enabled.
type Router struct {
	svc      *control.Service
	opts     Options
	basePath string
}

// Subscriber streams status snapshots.
type Subscriber interface {
	Subscribe(buf int) (<-chan status.Snapshot, func())
}

// DetectFunc inspects a Python interpreter.
type DetectFunc func(ctx context.Context, exe string) (resolver.PythonInfo, error)

type Options struct {
	BasePath string
	Settings settings.Store // nil disables /config
	Events   Subscriber     // nil disables /events
	Detect   DetectFunc     // defaults to resolver.DetectPython
	Metrics  bool
	Logger   *slog.Logger
	// Heartbeat is the idle interval between SSE keep-alive comments.
	Heartbeat time.Duration
}

// NewRouter constructs a Router. basePath may be empty or start with '/'.
func NewRouter(svc *control.Service, opts Options) *Router {
	if opts.Detect == nil {
		opts.Detect = resolver.DetectPython
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	opts.Logger = opts.Logger.With("component", "http")
	return &Router{svc: svc, opts: opts, basePath: sanitizeBase(opts.BasePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.opts.Metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.basePath)
	group.GET("/health", r.handleHealth)
	group.GET("/status", r.handleStatus)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.GET("/detect", r.handleDetect)
	group.GET("/detect_python", r.handleDetect)
	if r.opts.Events != nil {
		group.GET("/events", r.handleEvents)
	}
	if r.opts.Settings != nil {
		group.GET("/config", r.handleLoadConfig)
		group.POST("/config", r.handleSaveConfig)
		group.GET("/load_config", r.handleLoadConfig)
		group.POST("/save_config", r.handleSaveConfig)
	}
	return g
}

// NewEcho mounts h on an Echo instance under basePath.
func NewEcho(h http.Handler, basePath string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	bp := sanitizeBase(basePath)
	wrapped := echo.WrapHandler(h)
	e.Any("/metrics", wrapped)
	if bp == "" {
		e.Any("/*", wrapped)
		return e
	}
	e.Any(bp, wrapped)
	e.Any(bp+"/*", wrapped)
	return e
}

// NewServer builds an http.Server around h.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.svc.Health())
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.svc.Status())
}

func (r *Router) handleStart(c *gin.Context) {
	var req resolver.Request
	if err := bindOptionalJSON(c, &req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	res := r.svc.Start(c.Request.Context(), req)
	r.writeResult(c, "start", res)
}

func (r *Router) handleStop(c *gin.Context) {
	res := r.svc.Stop(c.Request.Context())
	r.writeResult(c, "stop", res)
}

func (r *Router) handleRestart(c *gin.Context) {
	var req resolver.Request
	var empty bool
	body, err := io.ReadAll(c.Request.Body)
	if err == nil {
		empty, err = decodeOptional(body, &req)
	}
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	var reqp *resolver.Request
	if !empty && !req.IsZero() {
		reqp = &req
	}
	res := r.svc.Restart(c.Request.Context(), reqp)
	r.writeResult(c, "restart", res)
}

func (r *Router) writeResult(c *gin.Context, op string, res control.Result) {
	code := http.StatusOK
	if res.ErrorKind == "configuration" {
		code = http.StatusBadRequest
	}
	if !res.Success {
		r.opts.Logger.Warn(op+" failed", "kind", res.ErrorKind, "error", res.Message)
	}
	writeJSON(c, code, res)
}

type detectResp struct {
	Success bool                 `json:"success"`
	Message string               `json:"message,omitempty"`
	Info    *resolver.PythonInfo `json:"info,omitempty"`
}

func (r *Router) handleDetect(c *gin.Context) {
	exe := c.Query("python")
	if exe == "" {
		exe = r.svc.Defaults(c.Request.Context()).PythonExecutable
	}
	path, err := resolver.LookupExecutable(exe)
	if err != nil {
		writeJSON(c, http.StatusOK, detectResp{Message: err.Error()})
		return
	}
	info, err := r.opts.Detect(c.Request.Context(), path)
	if err != nil {
		writeJSON(c, http.StatusOK, detectResp{Message: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, detectResp{Success: true, Info: &info})
}

func (r *Router) handleEvents(c *gin.Context) {
	ch, cancel := r.opts.Events.Subscribe(16)
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("status", r.svc.Status())
	c.Writer.Flush()

	heartbeat := time.NewTicker(r.opts.Heartbeat)
	defer heartbeat.Stop()
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case snap, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("status", snap)
			return true
		case <-heartbeat.C:
			_, err := io.WriteString(w, ": keep-alive\n\n")
			return err == nil
		}
	})
}

type configResp struct {
	Success bool              `json:"success"`
	Message string            `json:"message,omitempty"`
	Config  map[string]string `json:"config,omitempty"`
	Saved   []string          `json:"saved,omitempty"`
}

func (r *Router) handleLoadConfig(c *gin.Context) {
	kv, err := r.opts.Settings.All(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, configResp{Message: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, configResp{Success: true, Config: kv})
}

func (r *Router) handleSaveConfig(c *gin.Context) {
	var raw map[string]any
	if err := c.ShouldBindJSON(&raw); err != nil {
		writeJSON(c, http.StatusBadRequest, configResp{Message: "invalid JSON: " + err.Error()})
		return
	}
	kv, err := flattenSettings(raw)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, configResp{Message: err.Error()})
		return
	}
	if err := r.opts.Settings.Save(c.Request.Context(), kv); err != nil {
		writeJSON(c, http.StatusInternalServerError, configResp{Message: err.Error()})
		return
	}
	r.opts.Logger.Info("settings saved", "keys", settings.Keys(kv))
	writeJSON(c, http.StatusOK, configResp{Success: true, Message: "settings saved", Saved: settings.Keys(kv)})
}
