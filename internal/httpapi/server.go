// Package httpapi serves the read-only inspection API: runs, policies,
// phases, health, and Prometheus metrics.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashep-ai/ashep/internal/config"
	"github.com/ashep-ai/ashep/internal/logging"
	"github.com/ashep-ai/ashep/internal/policy"
	"github.com/ashep-ai/ashep/internal/retention"
	"github.com/ashep-ai/ashep/internal/runlog"
)

// Query limits for run listings.
const (
	defaultRunLimit = 50
	maxRunLimit     = 500
)

// shutdownTimeout bounds graceful server shutdown.
const shutdownTimeout = 5 * time.Second

// Deps carries the collaborators the server reads from.
type Deps struct {
	Config    *config.Config
	Policies  *policy.Engine
	Store     *runlog.Store
	Retention *retention.Engine
	Doctor    *retention.Doctor
	Sizes     *retention.SizeMonitor
	Gatherer  prometheus.Gatherer
	Logger    logging.Logger
}

// Server is the inspection HTTP server.
type Server struct {
	cfg       *config.Config
	policies  *policy.Engine
	store     *runlog.Store
	retention *retention.Engine
	doctor    *retention.Doctor
	sizes     *retention.SizeMonitor
	logger    logging.Logger
	router    *gin.Engine
}

// New builds the server and its routes.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:       d.Config,
		policies:  d.Policies,
		store:     d.Store,
		retention: d.Retention,
		doctor:    d.Doctor,
		sizes:     d.Sizes,
		logger:    logger,
		router:    router,
	}

	api := router.Group("/api")
	api.GET("/runs", s.listRuns)
	api.GET("/runs/:id", s.getRun)
	api.GET("/policies", s.listPolicies)
	api.GET("/phases", s.listPhases)
	api.GET("/issues/:id/decisions", s.listDecisions)
	api.GET("/health", s.health)

	if d.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until the context ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.UI.Host, s.cfg.UI.Port)
	srv := &http.Server{Addr: addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Inspection API listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return <-errCh
}

// listRuns merges active and archived runs through the retention engine.
func (s *Server) listRuns(c *gin.Context) {
	limit := defaultRunLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	if limit > maxRunLimit {
		limit = maxRunLimit
	}

	filter := runlog.RunFilter{
		IssueID: c.Query("issue_id"),
		Phase:   c.Query("phase"),
		Status:  c.Query("status"),
		Limit:   limit,
	}
	runs, err := s.retention.QueryAllRuns(c.Request.Context(), filter)
	if err != nil {
		s.logger.Error("Run query failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "run query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

func (s *Server) getRun(c *gin.Context) {
	run, err := s.store.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, runlog.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "run lookup failed"})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) listPolicies(c *gin.Context) {
	names := s.policies.PolicyNames()
	policies := make([]gin.H, 0, len(names))
	for _, name := range names {
		pol, ok := s.policies.GetPolicy(name)
		if !ok {
			continue
		}
		policies = append(policies, gin.H{
			"name":        name,
			"description": pol.Description,
			"phases":      len(pol.Phases),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"default_policy": s.policies.DefaultPolicyName(),
		"policies":       policies,
	})
}

func (s *Server) listPhases(c *gin.Context) {
	name := c.Query("policy")
	if name == "" {
		name = s.policies.DefaultPolicyName()
	}
	pol, ok := s.policies.GetPolicy(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown policy: %s", name)})
		return
	}
	phases := make([]gin.H, 0, len(pol.Phases))
	for _, ph := range pol.Phases {
		entry := gin.H{
			"name":         ph.Name,
			"description":  ph.Description,
			"capabilities": ph.Capabilities,
		}
		if ph.DynamicDecision != nil && ph.DynamicDecision.Enabled {
			entry["dynamic_destinations"] = ph.DynamicDecision.AllowedDestinations
		}
		phases = append(phases, entry)
	}
	c.JSON(http.StatusOK, gin.H{"policy": name, "phases": phases})
}

func (s *Server) listDecisions(c *gin.Context) {
	decisions, err := s.store.GetDecisionsForIssue(c.Request.Context(), c.Param("id"), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "decision query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": decisions, "count": len(decisions)})
}

// health reports the store doctor's probes plus the size monitor snapshot.
// A critical report answers 503 so load balancers notice.
func (s *Server) health(c *gin.Context) {
	report := s.doctor.Check(c.Request.Context())
	body := gin.H{
		"status":     report.Status,
		"checks":     report.Checks,
		"checked_at": report.CheckedAt,
	}
	if s.sizes != nil {
		body["storage"] = gin.H{
			"usage_percent": s.sizes.UsagePercent(),
			"trend":         s.sizes.Trend(),
		}
	}
	code := http.StatusOK
	if report.Status == retention.HealthCritical {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, body)
}
