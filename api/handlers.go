// Package api implements the HTTP API handlers for the Medic Workspace
// Recovery Engine.
//
// All endpoints are versioned under /api/v1 and follow RESTful conventions.
// Handlers delegate to the state registry, analyzer, dispatcher, and
// scheduler, and translate typed engine errors into a uniform
// {code, message, details} envelope. Module reads carry ETag and
// Cache-Control headers so dashboards can poll cheaply.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/bigdegenenergy/open-cloud-ops/medic/internal/analyzer"
	"github.com/bigdegenenergy/open-cloud-ops/medic/internal/cache"
	"github.com/bigdegenenergy/open-cloud-ops/medic/internal/middleware"
	"github.com/bigdegenenergy/open-cloud-ops/medic/internal/scheduler"
	"github.com/bigdegenenergy/open-cloud-ops/medic/internal/state"
	"github.com/bigdegenenergy/open-cloud-ops/medic/internal/strategy"
	"github.com/bigdegenenergy/open-cloud-ops/medic/pkg/models"
)

// healthReportTTL bounds how stale a cached health report may be.
const healthReportTTL = 15 * time.Second

// Handler holds references to the engine components and provides HTTP
// handler methods.
type Handler struct {
	states    *state.Registry
	an        *analyzer.Analyzer
	disp      *strategy.Dispatcher
	sched     *scheduler.Scheduler
	cache     *cache.Cache
	startTime time.Time
}

// NewHandler creates a new Handler. The cache may be nil; caching and
// rate limiting then degrade to no-ops.
func NewHandler(states *state.Registry, an *analyzer.Analyzer, disp *strategy.Dispatcher, sched *scheduler.Scheduler, reportCache *cache.Cache) *Handler {
	return &Handler{
		states:    states,
		an:        an,
		disp:      disp,
		sched:     sched,
		cache:     reportCache,
		startTime: time.Now().UTC(),
	}
}

// RouteOptions configures authentication and rate limiting for the router.
type RouteOptions struct {
	APIKey         string
	ReadRateLimit  int64
	WriteRateLimit int64
}

// RegisterRoutes sets up all API routes on the given Gin engine. Reads
// share one per-minute budget, mutations a stricter one, and every
// mutating route requires the API key. An empty key disables mutations
// entirely (fail-secure).
func (h *Handler) RegisterRoutes(r *gin.Engine, opts RouteOptions) {
	r.GET("/health", h.ServiceHealth)

	readLimit := middleware.RateLimitMiddleware(h.cache, "read", opts.ReadRateLimit, time.Minute)
	writeLimit := middleware.RateLimitMiddleware(h.cache, "write", opts.WriteRateLimit, time.Minute)

	var auth gin.HandlerFunc
	if opts.APIKey != "" {
		auth = middleware.APIKeyAuth(opts.APIKey)
	} else {
		auth = func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "validation",
				"message": "mutations disabled: MEDIC_API_KEY not configured",
			})
		}
	}

	v1 := r.Group("/api/v1")
	{
		modules := v1.Group("/modules")
		{
			modules.GET("", readLimit, h.ListModules)
			modules.GET("/:id", readLimit, h.GetModule)
			modules.PATCH("/:id", auth, writeLimit, h.UpdateModule)
			modules.POST("/:id/recover", auth, writeLimit, h.RecoverModule)
		}

		workspaceGroup := v1.Group("/workspace")
		{
			workspaceGroup.GET("/health", readLimit, h.WorkspaceHealth)
		}

		phases := v1.Group("/phases")
		{
			phases.GET("", readLimit, h.ListPhases)
			phases.POST("/:id/execute", auth, writeLimit, h.ExecutePhase)
		}

		executions := v1.Group("/executions")
		{
			executions.GET("/:id", readLimit, h.GetExecution)
			executions.POST("/:id/cancel", auth, writeLimit, h.CancelExecution)
		}
	}
}

// ServiceHealth returns the overall health of the Medic service.
func (h *Handler) ServiceHealth(c *gin.Context) {
	uptime := time.Since(h.startTime)
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "medic",
		"version": "1.0.0",
		"uptime":  uptime.String(),
	})
}

// --- Module Handlers ---

// ListModules returns the state of every registered module, ordered by
// layer then id.
func (h *Handler) ListModules(c *gin.Context) {
	snapshot := h.states.Snapshot()
	modules := make([]models.ModuleState, 0, len(snapshot))
	for _, st := range snapshot {
		modules = append(modules, st)
	}
	sort.Slice(modules, func(i, j int) bool {
		if modules[i].Layer != modules[j].Layer {
			return modules[i].Layer < modules[j].Layer
		}
		return modules[i].ModuleID < modules[j].ModuleID
	})

	c.Header("Cache-Control", fmt.Sprintf("max-age=%d", int(healthReportTTL/time.Second)))
	c.JSON(http.StatusOK, gin.H{"modules": modules, "count": len(modules)})
}

// moduleETag builds the entity tag for a module state.
func moduleETag(st models.ModuleState) string {
	return fmt.Sprintf("%q", fmt.Sprintf("%s-%d-%d", st.ModuleID, st.HealthScore, st.LastModified.Unix()))
}

// GetModule returns one module's state with ETag support: a matching
// If-None-Match header short-circuits to 304.
func (h *Handler) GetModule(c *gin.Context) {
	st, err := h.states.Get(models.ModuleID(c.Param("id")))
	if err != nil {
		respondError(c, err)
		return
	}

	etag := moduleETag(st)
	c.Header("ETag", etag)
	c.Header("Cache-Control", fmt.Sprintf("max-age=%d", int(healthReportTTL/time.Second)))
	if match := c.GetHeader("If-None-Match"); match != "" && match == etag {
		c.Status(http.StatusNotModified)
		return
	}
	c.JSON(http.StatusOK, st)
}

// modulePatch is the strict PATCH body: only status and notes may change
// through the API; everything else belongs to the engine.
type modulePatch struct {
	Status *string `json:"status"`
	Notes  *string `json:"notes"`
}

// UpdateModule applies a partial update to a module's operator-editable
// fields. Unknown fields are rejected before the engine is touched.
func (h *Handler) UpdateModule(c *gin.Context) {
	decoder := json.NewDecoder(c.Request.Body)
	decoder.DisallowUnknownFields()

	var patch modulePatch
	if err := decoder.Decode(&patch); err != nil {
		respondError(c, models.ErrValidation(
			"invalid request body: only status and notes may be updated",
			map[string]any{"cause": err.Error()}))
		return
	}
	if patch.Status == nil && patch.Notes == nil {
		respondError(c, models.ErrValidation(
			"request body must set status and/or notes", nil))
		return
	}

	var status *models.ModuleStatus
	if patch.Status != nil {
		s := models.ModuleStatus(*patch.Status)
		status = &s
	}

	actor := c.ClientIP()
	if key := c.GetHeader("X-API-Key"); key != "" && len(key) >= 8 {
		actor = "key:" + key[:8]
	}

	st, err := h.states.Update(models.ModuleID(c.Param("id")), status, patch.Notes, actor)
	if err != nil {
		respondError(c, err)
		return
	}

	h.invalidateReports(c)
	c.JSON(http.StatusOK, st)
}

// recoverRequest is the body for POST /modules/:id/recover.
type recoverRequest struct {
	Strategy models.RecoveryStrategy `json:"strategy" binding:"required"`
	DryRun   bool                    `json:"dry_run"`
}

// RecoverModule applies a recovery strategy to a single module and
// returns the ticket plus the per-step results.
func (h *Handler) RecoverModule(c *gin.Context) {
	id := models.ModuleID(c.Param("id"))

	var req recoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, models.ErrValidation(
			"invalid request body: strategy is required",
			map[string]any{"cause": err.Error()}))
		return
	}

	labels, estimate, err := strategy.Plan(id, req.Strategy)
	if err != nil {
		respondError(c, err)
		return
	}
	ticket := models.RecoveryTicket{
		RecoveryID:        uuid.NewString(),
		ModuleID:          id,
		Strategy:          req.Strategy,
		PhaseLabels:       labels,
		EstimatedDuration: estimate,
	}

	results, err := h.disp.RecoverModule(c.Request.Context(), id, req.Strategy, ticket.RecoveryID, req.DryRun)
	if err != nil {
		respondError(c, err)
		return
	}

	h.invalidateReports(c)
	c.JSON(http.StatusOK, gin.H{"ticket": ticket, "results": results})
}

// --- Workspace Handlers ---

// WorkspaceHealth runs (or serves a cached) workspace analysis. Options
// come from query parameters; the serialized report is cached briefly.
func (h *Handler) WorkspaceHealth(c *gin.Context) {
	opts := models.AnalyzeOptions{
		IncludeHealthMetrics:   boolQuery(c, "include_health_metrics", true),
		IncludeDependencyGraph: boolQuery(c, "include_dependency_graph", false),
		IncludeErrorDetails:    boolQuery(c, "include_error_details", false),
		AnalysisDepth:          models.AnalysisDepth(c.DefaultQuery("analysis_depth", string(models.DepthBasic))),
	}
	switch opts.AnalysisDepth {
	case models.DepthBasic, models.DepthDetailed, models.DepthComprehensive:
	default:
		respondError(c, models.ErrValidation(
			"invalid analysis_depth",
			map[string]any{"analysis_depth": string(opts.AnalysisDepth), "supported": []string{"basic", "detailed", "comprehensive"}}))
		return
	}

	scope := reportScope(opts)
	if body, err := h.cache.GetHealthReport(c.Request.Context(), scope); err == nil && body != "" {
		c.Header("Cache-Control", fmt.Sprintf("max-age=%d", int(healthReportTTL/time.Second)))
		c.Data(http.StatusOK, "application/json; charset=utf-8", []byte(body))
		return
	}

	health, err := h.an.AnalyzeWorkspace(c.Request.Context(), opts)
	if err != nil {
		respondError(c, err)
		return
	}

	if body, err := json.Marshal(health); err == nil {
		_ = h.cache.SetHealthReport(c.Request.Context(), scope, string(body), healthReportTTL)
	}
	c.Header("Cache-Control", fmt.Sprintf("max-age=%d", int(healthReportTTL/time.Second)))
	c.JSON(http.StatusOK, health)
}

// --- Phase and Execution Handlers ---

// ListPhases returns the pipeline phases and the active session, if any.
func (h *Handler) ListPhases(c *gin.Context) {
	resp := gin.H{"phases": h.sched.GetPhases()}
	if session := h.sched.Session(); session != nil {
		resp["session"] = session
	}
	c.JSON(http.StatusOK, resp)
}

// executeRequest is the body for POST /phases/:id/execute.
type executeRequest struct {
	ForceExecution    bool `json:"force_execution"`
	SkipValidation    bool `json:"skip_validation"`
	ParallelExecution bool `json:"parallel_execution"`
	MaxConcurrency    int  `json:"max_concurrency"`
	TimeoutSeconds    int  `json:"timeout_seconds"`
	DryRun            bool `json:"dry_run"`
}

// ExecutePhase starts a pipeline phase. A phase that finishes within the
// sync window returns 200 with the terminal record; otherwise 202 with
// the in-flight record for polling.
func (h *Handler) ExecutePhase(c *gin.Context) {
	phaseID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		respondError(c, models.ErrInvalidPhaseID(-1))
		return
	}

	var req executeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, models.ErrValidation(
				"invalid request body",
				map[string]any{"cause": err.Error()}))
			return
		}
	}

	exec, err := h.sched.ExecutePhase(c.Request.Context(), phaseID, models.ExecuteOptions{
		ForceExecution:    req.ForceExecution,
		SkipValidation:    req.SkipValidation,
		ParallelExecution: req.ParallelExecution,
		MaxConcurrency:    req.MaxConcurrency,
		Timeout:           time.Duration(req.TimeoutSeconds) * time.Second,
		DryRun:            req.DryRun,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	h.invalidateReports(c)
	if exec.Async {
		c.JSON(http.StatusAccepted, exec)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// GetExecution returns one execution record. An optional phase_id query
// parameter additionally verifies the execution belongs to that phase.
func (h *Handler) GetExecution(c *gin.Context) {
	executionID := c.Param("id")

	if phaseParam := c.Query("phase_id"); phaseParam != "" {
		phaseID, err := strconv.Atoi(phaseParam)
		if err != nil {
			respondError(c, models.ErrInvalidPhaseID(-1))
			return
		}
		exec, err := h.sched.ExecutionForPhase(phaseID, executionID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, exec)
		return
	}

	exec, err := h.sched.ExecutionStatus(executionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// cancelRequest is the optional body for POST /executions/:id/cancel.
type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelExecution requests cooperative cancellation of an execution.
func (h *Handler) CancelExecution(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, models.ErrValidation(
				"invalid request body",
				map[string]any{"cause": err.Error()}))
			return
		}
	}

	result, err := h.sched.CancelExecution(c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// --- Helpers ---

// reportScope keys a cached workspace report by its analysis options.
func reportScope(opts models.AnalyzeOptions) string {
	return fmt.Sprintf("workspace:%s:%t:%t:%t",
		opts.AnalysisDepth, opts.IncludeHealthMetrics, opts.IncludeDependencyGraph, opts.IncludeErrorDetails)
}

// invalidateReports drops every cached workspace report after a mutation.
func (h *Handler) invalidateReports(c *gin.Context) {
	scopes := make([]string, 0, 24)
	for _, depth := range []models.AnalysisDepth{models.DepthBasic, models.DepthDetailed, models.DepthComprehensive} {
		for _, metrics := range []bool{true, false} {
			for _, graph := range []bool{true, false} {
				for _, details := range []bool{true, false} {
					scopes = append(scopes, reportScope(models.AnalyzeOptions{
						AnalysisDepth:          depth,
						IncludeHealthMetrics:   metrics,
						IncludeDependencyGraph: graph,
						IncludeErrorDetails:    details,
					}))
				}
			}
		}
	}
	_ = h.cache.InvalidateHealthReports(c.Request.Context(), scopes...)
}

// boolQuery parses a boolean query parameter with a default.
func boolQuery(c *gin.Context, name string, def bool) bool {
	val := c.Query(name)
	if val == "" {
		return def
	}
	parsed, err := strconv.ParseBool(strings.ToLower(val))
	if err != nil {
		return def
	}
	return parsed
}

// statusForCode maps engine error codes to HTTP statuses.
func statusForCode(code models.ErrorCode) int {
	switch code {
	case models.CodeModuleNotFound, models.CodeExecutionNotFound:
		return http.StatusNotFound
	case models.CodeUnsupportedStrategy:
		return http.StatusUnprocessableEntity
	case models.CodeInvalidPhaseID, models.CodeValidation, models.CodePhaseMismatch:
		return http.StatusBadRequest
	case models.CodeConflict:
		return http.StatusConflict
	case models.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// respondError writes the uniform error envelope for a typed engine
// error, wrapping untyped errors as service errors.
func respondError(c *gin.Context, err error) {
	var engineErr *models.Error
	if !errors.As(err, &engineErr) {
		engineErr = models.ErrService("request", err)
	}
	c.JSON(statusForCode(engineErr.Code), gin.H{
		"code":    engineErr.Code,
		"message": engineErr.Message,
		"details": engineErr.Details,
	})
}
