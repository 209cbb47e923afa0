// Package models defines the core data structures used across Medic.
//
// Medic is the Workspace Recovery Engine for Open Cloud Ops: it scores the
// health of the independently versioned modules that make up a workspace
// and drives unhealthy modules back to a working state through staged
// recovery strategies. These models represent module state, validation
// results, recovery sessions, and the phase/task records that flow through
// the scheduler.
package models

import "time"

// ModuleID identifies a module in the workspace. The set of valid ids is
// fixed by the descriptor registry.
type ModuleID string

// ModuleStatus represents the overall health state of a module.
type ModuleStatus string

const (
	ModuleStatusHealthy    ModuleStatus = "healthy"
	ModuleStatusWarning    ModuleStatus = "warning"
	ModuleStatusCritical   ModuleStatus = "critical"
	ModuleStatusFailed     ModuleStatus = "failed"
	ModuleStatusRecovering ModuleStatus = "recovering"
	ModuleStatusUnknown    ModuleStatus = "unknown"
)

// ValidModuleStatus reports whether s is one of the known module statuses.
func ValidModuleStatus(s ModuleStatus) bool {
	switch s {
	case ModuleStatusHealthy, ModuleStatusWarning, ModuleStatusCritical,
		ModuleStatusFailed, ModuleStatusRecovering, ModuleStatusUnknown:
		return true
	}
	return false
}

// BuildStatus represents the state of a module's most recent build.
type BuildStatus string

const (
	BuildStatusSuccess    BuildStatus = "success"
	BuildStatusFailed     BuildStatus = "failed"
	BuildStatusBuilding   BuildStatus = "building"
	BuildStatusNotStarted BuildStatus = "not_started"
	BuildStatusCancelled  BuildStatus = "cancelled"
)

// TestStatus represents the state of a module's most recent test run.
type TestStatus string

const (
	TestStatusPassing       TestStatus = "passing"
	TestStatusFailing       TestStatus = "failing"
	TestStatusRunning       TestStatus = "running"
	TestStatusNotConfigured TestStatus = "not_configured"
	TestStatusNotStarted    TestStatus = "not_started"
	TestStatusCancelled     TestStatus = "cancelled"
)

// DependencyHealth represents the resolution state of a module's declared
// dependencies.
type DependencyHealth string

const (
	DependencyHealthResolved   DependencyHealth = "resolved"
	DependencyHealthMissing    DependencyHealth = "missing"
	DependencyHealthConflicted DependencyHealth = "conflicted"
	DependencyHealthCircular   DependencyHealth = "circular"
	DependencyHealthOutdated   DependencyHealth = "outdated"
)

// RecoveryStrategy is the level of intervention applied to a module.
type RecoveryStrategy string

const (
	StrategyRepair  RecoveryStrategy = "repair"
	StrategyRebuild RecoveryStrategy = "rebuild"
	StrategyReset   RecoveryStrategy = "reset"
)

// ValidStrategy reports whether s is a supported recovery strategy.
func ValidStrategy(s RecoveryStrategy) bool {
	switch s {
	case StrategyRepair, StrategyRebuild, StrategyReset:
		return true
	}
	return false
}

// PhaseStatus represents the lifecycle state of a pipeline phase.
type PhaseStatus string

const (
	PhaseStatusPending    PhaseStatus = "pending"
	PhaseStatusReady      PhaseStatus = "ready"
	PhaseStatusExecuting  PhaseStatus = "executing"
	PhaseStatusCompleted  PhaseStatus = "completed"
	PhaseStatusFailed     PhaseStatus = "failed"
	PhaseStatusSkipped    PhaseStatus = "skipped"
	PhaseStatusRolledBack PhaseStatus = "rolled_back"
)

// Terminal reports whether the phase has reached a final state.
func (s PhaseStatus) Terminal() bool {
	switch s {
	case PhaseStatusCompleted, PhaseStatusFailed, PhaseStatusSkipped, PhaseStatusRolledBack:
		return true
	}
	return false
}

// TaskStatus represents the lifecycle state of a single phase task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusReady     TaskStatus = "ready"
	TaskStatusExecuting TaskStatus = "executing"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusSkipped   TaskStatus = "skipped"
	TaskStatusRetrying  TaskStatus = "retrying"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// SessionStatus represents the lifecycle state of a recovery session.
type SessionStatus string

const (
	SessionStatusInitializing SessionStatus = "initializing"
	SessionStatusAnalyzing    SessionStatus = "analyzing"
	SessionStatusPlanning     SessionStatus = "planning"
	SessionStatusExecuting    SessionStatus = "executing"
	SessionStatusPaused       SessionStatus = "paused"
	SessionStatusInterrupted  SessionStatus = "interrupted"
	SessionStatusCompleted    SessionStatus = "completed"
	SessionStatusFailed       SessionStatus = "failed"
	SessionStatusCancelled    SessionStatus = "cancelled"
)

// StepResultStatus is the outcome of a single strategy step.
type StepResultStatus string

const (
	StepCompleted StepResultStatus = "completed"
	StepFailed    StepResultStatus = "failed"
	StepSkipped   StepResultStatus = "skipped"
)

// ModuleState is the current assessed state of a single module. It is the
// only cross-component shared mutable entity: the analyzer reads it, and
// the dispatcher and scheduler mutate it, each mutation attributed to
// exactly one execution id.
type ModuleState struct {
	ModuleID         ModuleID         `json:"module_id"`
	Layer            int              `json:"layer"`
	Status           ModuleStatus     `json:"status"`
	BuildStatus      BuildStatus      `json:"build_status"`
	TestStatus       TestStatus       `json:"test_status"`
	DependencyHealth DependencyHealth `json:"dependency_health"`
	HealthScore      int              `json:"health_score"` // 0-100
	ErrorCount       int              `json:"error_count"`
	WarningCount     int              `json:"warning_count"`
	LastBuildTime    *time.Time       `json:"last_build_time,omitempty"`
	LastTestRun      *time.Time       `json:"last_test_run,omitempty"`
	Notes            string           `json:"notes,omitempty"`
	LastModified     time.Time        `json:"last_modified"`
	ModifiedBy       string           `json:"modified_by"` // execution or actor id
}

// ValidationResult is the outcome of validating a single module.
// IsValid is true iff Issues is empty. Recommendations are derived
// deterministically from issue categories.
type ValidationResult struct {
	ModuleID        ModuleID `json:"module_id"`
	IsValid         bool     `json:"is_valid"`
	HealthScore     int      `json:"health_score"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

// RecoveryPhaseResult is the record of one executed strategy step or
// pipeline phase. TasksExecuted equals successful + failed + skipped.
type RecoveryPhaseResult struct {
	PhaseID           int              `json:"phase_id"` // 1-5
	PhaseName         string           `json:"phase_name"`
	Status            StepResultStatus `json:"status"`
	StartTime         time.Time        `json:"start_time"`
	EndTime           time.Time        `json:"end_time"`
	TasksExecuted     int              `json:"tasks_executed"`
	TasksSuccessful   int              `json:"tasks_successful"`
	TasksFailed       int              `json:"tasks_failed"`
	TasksSkipped      int              `json:"tasks_skipped"`
	HealthImprovement int              `json:"health_improvement"` // 0-100 delta
	ErrorsResolved    int              `json:"errors_resolved"`
	Artifacts         []string         `json:"artifacts,omitempty"`
	Logs              []string         `json:"logs,omitempty"`
}

// RecoveryAttempt records one attempt at executing a task, kept for retries.
type RecoveryAttempt struct {
	Attempt     int        `json:"attempt"`
	Status      TaskStatus `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// RecoveryTask is the atomic unit of work scheduled within a phase,
// scoped to one module.
type RecoveryTask struct {
	ID          string            `json:"id"`
	PhaseID     int               `json:"phase_id"`
	ModuleID    ModuleID          `json:"module_id"`
	Strategy    RecoveryStrategy  `json:"strategy,omitempty"`
	Status      TaskStatus        `json:"status"`
	Mandatory   bool              `json:"mandatory"`
	Attempts    []RecoveryAttempt `json:"attempts,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// RecoveryPhase is one stage of the fixed five-stage workspace pipeline.
type RecoveryPhase struct {
	PhaseID        int         `json:"phase_id"` // 1-5
	Name           string      `json:"name"`
	Description    string      `json:"description"`
	Status         PhaseStatus `json:"status"`
	TasksTotal     int         `json:"tasks_total"`
	TasksCompleted int         `json:"tasks_completed"`
	TasksFailed    int         `json:"tasks_failed"`
	TasksSkipped   int         `json:"tasks_skipped"`
	Errors         []string    `json:"errors,omitempty"`
}

// RecoverySession is the top-level record of one end-to-end recovery run.
// A session exclusively owns its phases and tasks for its lifetime and is
// discarded at process end (session durability is out of scope).
type RecoverySession struct {
	ID                 string          `json:"id"`
	WorkspacePath      string          `json:"workspace_path"`
	Status             SessionStatus   `json:"status"`
	OverallProgress    int             `json:"overall_progress"` // 0-100
	CurrentHealthScore int             `json:"current_health_score"`
	HealthImprovement  int             `json:"health_improvement"`
	StartedAt          time.Time       `json:"started_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	Phases             []RecoveryPhase `json:"phases"`
}

// PhaseExecution is a single run of a pipeline phase, addressed by an
// execution id, independently cancellable and pollable.
type PhaseExecution struct {
	ID                string                `json:"id"`
	SessionID         string                `json:"session_id"`
	PhaseID           int                   `json:"phase_id"`
	PhaseName         string                `json:"phase_name"`
	Status            PhaseStatus           `json:"status"`
	DryRun            bool                  `json:"dry_run"`
	Async             bool                  `json:"async"`
	Tasks             []RecoveryTask        `json:"tasks"`
	Results           []RecoveryPhaseResult `json:"results,omitempty"`
	HealthImprovement int                   `json:"health_improvement"`
	StartedAt         time.Time             `json:"started_at"`
	CompletedAt       *time.Time            `json:"completed_at,omitempty"`
	CancelReason      string                `json:"cancel_reason,omitempty"`
}

// CancelResult is the outcome of a cancellation request.
type CancelResult struct {
	Cancelled        bool   `json:"cancelled"`
	Reason           string `json:"reason"`
	CleanupPerformed bool   `json:"cleanup_performed"`
}

// DependencyEdge is one declared dependency between two modules.
type DependencyEdge struct {
	From ModuleID `json:"from"`
	To   ModuleID `json:"to"`
}

// DependencyGraph describes the cross-module dependency structure.
type DependencyGraph struct {
	Nodes    []ModuleID       `json:"nodes"`
	Edges    []DependencyEdge `json:"edges"`
	Circular bool             `json:"circular"`
	Cycles   [][]ModuleID     `json:"cycles,omitempty"`
}

// ModuleSummary aggregates per-status module counts.
type ModuleSummary struct {
	Total      int `json:"total"`
	Healthy    int `json:"healthy"`
	Warning    int `json:"warning"`
	Critical   int `json:"critical"`
	Failed     int `json:"failed"`
	Recovering int `json:"recovering"`
	Unknown    int `json:"unknown"`
}

// LayerHealth summarizes health for one dependency layer.
type LayerHealth struct {
	Layer       int `json:"layer"`
	Modules     int `json:"modules"`
	HealthScore int `json:"health_score"`
}

// WorkspaceHealth is the aggregate assessment of the whole workspace.
type WorkspaceHealth struct {
	GeneratedAt        time.Time                `json:"generated_at"`
	Modules            map[ModuleID]ModuleState `json:"modules"`
	Summary            ModuleSummary            `json:"summary"`
	OverallHealthScore int                      `json:"overall_health_score"`
	Layers             []LayerHealth            `json:"layers"`
	DependencyGraph    *DependencyGraph         `json:"dependency_graph,omitempty"`
	RecoveryReadiness  bool                     `json:"recovery_readiness"`
	Blockers           []string                 `json:"blockers,omitempty"`
}

// AnalysisDepth controls how deeply a module is inspected.
type AnalysisDepth string

const (
	DepthBasic         AnalysisDepth = "basic"
	DepthDetailed      AnalysisDepth = "detailed"
	DepthComprehensive AnalysisDepth = "comprehensive"
)

// AnalyzeOptions tunes a workspace analysis run.
type AnalyzeOptions struct {
	IncludeHealthMetrics   bool          `json:"include_health_metrics"`
	IncludeDependencyGraph bool          `json:"include_dependency_graph"`
	IncludeErrorDetails    bool          `json:"include_error_details"`
	AnalysisDepth          AnalysisDepth `json:"analysis_depth"`
}

// ExecuteOptions tunes a phase execution.
type ExecuteOptions struct {
	ForceExecution    bool          `json:"force_execution"`
	SkipValidation    bool          `json:"skip_validation"`
	ParallelExecution bool          `json:"parallel_execution"`
	MaxConcurrency    int           `json:"max_concurrency"`
	Timeout           time.Duration `json:"timeout"`
	DryRun            bool          `json:"dry_run"`
}

// RecoveryTicket is the asynchronous handle returned when a module
// recovery is triggered through the API.
type RecoveryTicket struct {
	RecoveryID        string           `json:"recovery_id"`
	ModuleID          ModuleID         `json:"module_id"`
	Strategy          RecoveryStrategy `json:"strategy"`
	PhaseLabels       []string         `json:"phase_labels"`
	EstimatedDuration time.Duration    `json:"estimated_duration"`
}

// ClampScore limits a health score to the [0,100] range.
func ClampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// StatusForScore maps a health score to a module status. Recovering and
// unknown are assigned by the engine, never derived from the score.
func StatusForScore(score int) ModuleStatus {
	switch {
	case score >= 80:
		return ModuleStatusHealthy
	case score >= 50:
		return ModuleStatusWarning
	case score >= 25:
		return ModuleStatusCritical
	default:
		return ModuleStatusFailed
	}
}
