package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/techops-services/keeperhub-sub010/pkg/config"
	"github.com/techops-services/keeperhub-sub010/pkg/logger"
)

// HealthCheck probes one dependency for the readiness endpoint.
type HealthCheck func(ctx context.Context) error

// healthServer serves the orchestrator probes: /healthz says the process is
// alive, /readyz says it is accepting triggers and its dependencies answer.
type healthServer struct {
	cfg    *config.MonitoringConfig
	worker *Worker
	checks map[string]HealthCheck
	srv    *http.Server
}

func newHealthServer(cfg *config.MonitoringConfig, w *Worker, checks map[string]HealthCheck) *healthServer {
	return &healthServer{cfg: cfg, worker: w, checks: checks}
}

func (h *healthServer) Start(ctx context.Context) error {
	if !h.cfg.Enabled {
		return nil
	}
	log := logger.FromContext(ctx)
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", h.handleLiveness)
	router.GET("/readyz", h.handleReadiness)

	h.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", h.cfg.Host, h.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := h.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Health server failed", "error", err)
		}
	}()
	log.Info("Health server listening", "addr", h.srv.Addr)
	return nil
}

func (h *healthServer) Stop(ctx context.Context) {
	if h.srv == nil {
		return
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := h.srv.Shutdown(stopCtx); err != nil {
		logger.FromContext(ctx).Warn("Health server shutdown failed", "error", err)
	}
}

func (h *healthServer) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *healthServer) handleReadiness(c *gin.Context) {
	if !h.worker.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
		return
	}
	for name, check := range h.checks {
		if err := check(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unavailable",
				"check":  name,
				"error":  err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
