package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/connection"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/engine"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/metrics"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/recovery"
	"github.com/shirou/gopsutil/process"
	"go.uber.org/zap"
)

// Config bounds the admin HTTP surface.
type Config struct {
	Addr     string
	Accounts gin.Accounts
}

// Server is the operator-facing REST API. It is read-mostly; the mutating
// endpoints (drop connection, trigger recovery, shutdown) sit behind
// basic auth together with everything else.
type Server struct {
	cfg  Config
	mgr  *connection.Manager
	eng  *engine.Engine
	sup  *recovery.Supervisor
	reg  *metrics.Registry
	gath prometheus.Gatherer

	// OnShutdown is invoked when an operator requests a shutdown.
	OnShutdown func()

	srv   *http.Server
	addr  net.Addr
	start time.Time
}

// New builds the admin server. Start binds the socket.
func New(cfg Config, mgr *connection.Manager, eng *engine.Engine, sup *recovery.Supervisor, reg *metrics.Registry, gath prometheus.Gatherer) *Server {
	return &Server{
		cfg:   cfg,
		mgr:   mgr,
		eng:   eng,
		sup:   sup,
		reg:   reg,
		gath:  gath,
		start: time.Now(),
	}
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// Add a ginzap middleware, which:
	//   - Logs all requests, like a combined access and error log.
	//   - Logs to stdout.
	//   - RFC3339 with UTC time format.
	router.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	router.Use(ginzap.RecoveryWithZap(zap.L(), true))

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "online")
	})

	v1 := router.Group("/api/v1", gin.BasicAuth(s.cfg.Accounts))
	{
		v1.GET("/health", s.getHealthHandler)
		v1.GET("/stats", s.getStatsHandler)
		v1.GET("/connections", s.getConnectionsHandler)
		v1.GET("/failures", s.getFailuresHandler)
		v1.DELETE("/connections/:id", s.dropConnectionHandler)
		v1.POST("/recoveries", s.triggerRecoveryHandler)
		v1.POST("/shutdown", s.shutdownHandler)
	}
	return router
}

// Start binds the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{Handler: s.router()}
	s.addr = ln.Addr()
	zap.S().Infof("Admin API listening on %s", ln.Addr())
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.S().Errorf("Admin API failed: %s", err)
		}
	}()
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.addr == nil {
		return s.cfg.Addr
	}
	return s.addr.String()
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) getHealthHandler(c *gin.Context) {
	healthy := s.sup.Healthy()
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"healthy":       healthy,
		"uptimeSeconds": int64(time.Since(s.start).Seconds()),
	})
}

func (s *Server) getStatsHandler(c *gin.Context) {
	snap, err := s.reg.TakeSnapshot(s.gath)
	if err != nil {
		s.handleInternalServerError(c, err)
		return
	}

	proc := gin.H{"goroutines": runtime.NumGoroutine()}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if cpu, err := p.CPUPercent(); err == nil {
			proc["cpuPercent"] = cpu
		}
		if mem, err := p.MemoryInfo(); err == nil {
			proc["rssBytes"] = mem.RSS
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"metrics":          snap,
		"process":          proc,
		"engineQueueDepth": s.eng.QueueLength(),
	})
}

func (s *Server) getConnectionsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.mgr.Snapshot())
}

func (s *Server) getFailuresHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.sup.Failures())
}

type dropConnectionRequest struct {
	ID string `uri:"id" binding:"required"`
}

func (s *Server) dropConnectionHandler(c *gin.Context) {
	var req dropConnectionRequest
	if err := c.BindUri(&req); err != nil {
		s.handleInvalidInputError(c, err)
		return
	}
	id, err := strconv.ParseUint(req.ID, 10, 64)
	if err != nil {
		s.handleInvalidInputError(c, err)
		return
	}
	if _, ok := s.mgr.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown connection"})
		return
	}
	s.mgr.Remove(id, connection.ReasonAdminDrop)
	zap.S().Infow("Connection dropped by operator", "id", id, "user", c.MustGet(gin.AuthUserKey))
	c.JSON(http.StatusOK, gin.H{"dropped": id})
}

type triggerRecoveryRequest struct {
	Component string `json:"component" binding:"required"`
	Kind      string `json:"kind" binding:"required"`
	Detail    string `json:"detail"`
}

func (s *Server) triggerRecoveryHandler(c *gin.Context) {
	var req triggerRecoveryRequest
	if err := c.BindJSON(&req); err != nil {
		s.handleInvalidInputError(c, err)
		return
	}
	detail := req.Detail
	if detail == "" {
		detail = "triggered by operator"
	}
	s.sup.Report(req.Component, req.Kind, detail)
	c.JSON(http.StatusAccepted, gin.H{"component": req.Component, "kind": req.Kind})
}

func (s *Server) shutdownHandler(c *gin.Context) {
	zap.S().Warnw("Shutdown requested by operator", "user", c.MustGet(gin.AuthUserKey))
	c.JSON(http.StatusAccepted, gin.H{"shutdown": "initiated"})
	if s.OnShutdown != nil {
		go s.OnShutdown()
	}
}

func (s *Server) handleInternalServerError(c *gin.Context, err error) {
	zap.S().Errorw("Internal server error", "error", err)
	c.String(http.StatusInternalServerError, "The server had an internal error.")
}

func (s *Server) handleInvalidInputError(c *gin.Context, err error) {
	zap.S().Errorw("Invalid input error", "error", err)
	c.String(http.StatusBadRequest, "You have provided a wrong input. Please check your parameters.")
}
