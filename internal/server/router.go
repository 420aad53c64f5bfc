package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"github.com/loykin/logkeeper/internal/auth"
	"github.com/loykin/logkeeper/internal/metrics"
	"github.com/loykin/logkeeper/internal/rotation"
	"github.com/loykin/logkeeper/internal/status"
)

// Controller is the part of the monitor exposed over HTTP.
type Controller interface {
	Snapshot() status.Record
	RequestStop()
}

// Router provides embeddable HTTP handlers for a running monitor.
// Endpoints:
//
//	GET  {basePath}/status    live status record
//	GET  {basePath}/files     retained rotation files, newest first; query: limit=N
//	POST {basePath}/stop      request a graceful stop (guarded when auth is enabled)
//	GET  {basePath}/metrics   prometheus metrics
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl      Controller
	dir      string
	target   string
	basePath string
	auth     *auth.Middleware
}

// NewRouter constructs a Router serving the files of target under dir.
func NewRouter(ctl Controller, dir, target, basePath string) *Router {
	return &Router{ctl: ctl, dir: dir, target: target, basePath: sanitizeBase(basePath), auth: auth.NewMiddleware(auth.Config{})}
}

// WithAuth guards the mutating endpoints with cfg.
func (r *Router) WithAuth(cfg auth.Config) *Router {
	r.auth = auth.NewMiddleware(cfg)
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/files", r.handleFiles)
	group.POST("/stop", r.auth.GinAuth(), r.handleStop)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// Options configures NewServer.
type Options struct {
	Addr     string
	BasePath string
	Dir      string
	Target   string
	// TLS serves HTTPS when non-nil.
	TLS  *tls.Config
	Auth auth.Config
}

// NewServer binds opts.Addr and serves the router in the background. Bind
// errors are returned synchronously.
func NewServer(opts Options, ctl Controller) (*http.Server, error) {
	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", opts.Addr, err)
	}
	if opts.TLS != nil {
		ln = tls.NewListener(ln, opts.TLS)
	}
	r := NewRouter(ctl, opts.Dir, opts.Target, opts.BasePath).WithAuth(opts.Auth)
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         opts.TLS,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = ln.Close()
		}
	}()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type statusResp struct {
	status.Record
	Uptime string `json:"uptime"`
}

type fileResp struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	SizeH   string    `json:"size_human"`
	ModTime time.Time `json:"mod_time"`
}

type filesResp struct {
	Files      []fileResp `json:"files"`
	Count      int        `json:"count"`
	TotalBytes int64      `json:"total_bytes"`
	TotalSize  string     `json:"total_size"`
}

func (r *Router) handleStatus(c *gin.Context) {
	rec := r.ctl.Snapshot()
	writeJSON(c, http.StatusOK, statusResp{Record: rec, Uptime: rec.Uptime().Round(time.Second).String()})
}

func (r *Router) handleFiles(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	files, err := rotation.List(r.dir, r.target)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	resp := filesResp{Files: []fileResp{}, Count: len(files)}
	for i, f := range files {
		resp.TotalBytes += f.Size
		if limit > 0 && i >= limit {
			continue
		}
		resp.Files = append(resp.Files, fileResp{
			Name:    f.Name,
			Size:    f.Size,
			SizeH:   humanize.IBytes(uint64(f.Size)),
			ModTime: f.ModTime,
		})
	}
	resp.TotalSize = humanize.IBytes(uint64(resp.TotalBytes))
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleStop(c *gin.Context) {
	r.ctl.RequestStop()
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}
