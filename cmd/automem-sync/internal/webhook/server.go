// Package webhook exposes the sync pipeline over HTTP for push-style
// triggers (CI, repository webhooks, cron with curl).
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/controller"
	"github.com/meanin2/automem-sync/pkg/logging"
)

// serviceName is reported by /health and used as the metrics namespace.
const serviceName = "automem-sync-webhook"

// maxBodySize bounds request bodies. Trigger payloads are tiny.
const maxBodySize = 64 * 1024

// Runner is the slice of the pipeline the webhook drives.
type Runner interface {
	// Sync runs the full unattended pipeline.
	Sync(ctx context.Context) (*controller.DeploymentAttempt, error)

	// Check runs the read-only inspection.
	Check(ctx context.Context) (*controller.CheckResult, error)
}

// Config configures the webhook server.
type Config struct {
	// Port to listen on. Default: 9000.
	Port int

	// Secret authenticates POST /deploy, via X-Webhook-Secret equality
	// or an X-Hub-Signature-256 HMAC over the body. Empty disables the
	// deploy endpoint entirely.
	Secret string

	// SyncTimeout bounds a triggered deploy. Default: 300s.
	SyncTimeout time.Duration

	// CheckTimeout bounds a triggered check. Default: 60s.
	CheckTimeout time.Duration

	// ShutdownGrace bounds the drain on shutdown. Default: 10s.
	ShutdownGrace time.Duration
}

// applyDefaults fills zero fields.
func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 9000
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 300 * time.Second
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 60 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
}

// metrics holds the Prometheus instruments. A per-server registry
// keeps tests independent of the global default registry.
type metrics struct {
	registry     *prometheus.Registry
	received     prometheus.Counter
	unauthorized prometheus.Counter
	failed       prometheus.Counter
	inFlight     prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "automem_sync_webhook_requests_total",
			Help: "Deploy requests received.",
		}),
		unauthorized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "automem_sync_webhook_unauthorized_total",
			Help: "Deploy requests rejected for bad credentials.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "automem_sync_webhook_failed_total",
			Help: "Triggered runs that ended in a non-success outcome.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "automem_sync_webhook_in_flight",
			Help: "Whether a triggered run is currently active (0 or 1).",
		}),
	}
	m.registry.MustRegister(m.received, m.unauthorized, m.failed, m.inFlight)
	return m
}

// Server is the webhook HTTP server.
//
// # Thread Safety
//
// Handlers run concurrently under gin; the busy flag serializes
// triggered runs (the run lock already guarantees host-level
// exclusion, the flag surfaces it as a 409 instead of a failed run).
type Server struct {
	cfg     Config
	runner  Runner
	logger  *logging.Logger
	engine  *gin.Engine
	metrics *metrics
	busy    atomic.Bool
}

// deployRequest is the POST /deploy body.
type deployRequest struct {
	Action string `json:"action"`
}

// NewServer creates a webhook server.
func NewServer(cfg Config, runner Runner, logger *logging.Logger) *Server {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		cfg:     cfg,
		runner:  runner,
		logger:  logger,
		engine:  engine,
		metrics: newMetrics(),
	}
	s.registerRoutes()
	return s
}

// registerRoutes wires the endpoint handlers.
func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})))
	s.engine.POST("/deploy", s.handleDeploy)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then drains.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook listening", "port", s.cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("webhook shutting down")
	drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	return srv.Shutdown(drainCtx)
}

// handleHealth reports webhook liveness.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": serviceName,
	})
}

// handleDeploy authenticates and triggers a run.
func (s *Server) handleDeploy(c *gin.Context) {
	s.metrics.received.Inc()

	if s.cfg.Secret == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "webhook secret not configured"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reading body"})
		return
	}

	if !s.authorized(c.Request, body) {
		s.metrics.unauthorized.Inc()
		s.logger.Warn("unauthorized deploy request", "remote", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req deployRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
			return
		}
	}
	if req.Action == "" {
		req.Action = "deploy"
	}

	if !s.busy.CompareAndSwap(false, true) {
		c.JSON(http.StatusConflict, gin.H{"error": "a run is already in progress"})
		return
	}
	s.metrics.inFlight.Set(1)
	defer func() {
		s.busy.Store(false)
		s.metrics.inFlight.Set(0)
	}()

	switch req.Action {
	case "deploy":
		s.runDeploy(c)
	case "check":
		s.runCheck(c)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown action %q", req.Action)})
	}
}

// runDeploy executes the unattended pipeline and maps the outcome.
func (s *Server) runDeploy(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.SyncTimeout)
	defer cancel()

	attempt, err := s.runner.Sync(ctx)
	if attempt == nil {
		s.metrics.failed.Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{
		"run_id":  attempt.RunID,
		"outcome": string(attempt.Outcome),
		"reason":  attempt.Reason,
	}
	switch attempt.Outcome {
	case controller.OutcomeSuccess, controller.OutcomeUpToDate:
		c.JSON(http.StatusOK, resp)
	default:
		s.metrics.failed.Inc()
		c.JSON(http.StatusConflict, resp)
	}
}

// runCheck executes the read-only inspection.
func (s *Server) runCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.CheckTimeout)
	defer cancel()

	res, err := s.runner.Check(ctx)
	if err != nil {
		s.metrics.failed.Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"commits_behind":   res.ChangeSet.CommitCount,
		"target_revision":  res.ChangeSet.TargetRevision.String(),
		"risk_sensitive":   res.ChangeSet.RiskSensitive,
		"integrity_passed": res.Integrity.Passed,
	})
}

// authorized checks X-Webhook-Secret equality or a GitHub-style
// X-Hub-Signature-256 HMAC over the raw body. Both use constant-time
// comparison.
func (s *Server) authorized(r *http.Request, body []byte) bool {
	if header := r.Header.Get("X-Webhook-Secret"); header != "" {
		return subtle.ConstantTimeCompare([]byte(header), []byte(s.cfg.Secret)) == 1
	}
	if sig := r.Header.Get("X-Hub-Signature-256"); sig != "" {
		mac := hmac.New(sha256.New, []byte(s.cfg.Secret))
		mac.Write(body)
		expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
		return hmac.Equal([]byte(sig), []byte(expected))
	}
	return false
}
