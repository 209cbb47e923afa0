// Package scheduler drives the fixed five-phase workspace recovery
// pipeline and tracks the recovery session that owns it.
//
// Phases run one at a time and in order: assessment, then one recovery
// phase per dependency layer, then verification. A phase execution is
// addressed by an execution id, is independently cancellable, and may
// outlive the request that started it: callers wait a short sync window
// and fall back to polling when the phase is still running.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigdegenenergy/open-cloud-ops/medic/internal/analyzer"
	"github.com/bigdegenenergy/open-cloud-ops/medic/internal/registry"
	"github.com/bigdegenenergy/open-cloud-ops/medic/internal/state"
	"github.com/bigdegenenergy/open-cloud-ops/medic/internal/strategy"
	"github.com/bigdegenenergy/open-cloud-ops/medic/pkg/models"
)

// PhaseCount is the number of pipeline phases.
const PhaseCount = 5

// phaseDef is the static definition of one pipeline phase. Layer is the
// dependency layer the phase recovers, or -1 for the assessment and
// verification phases, which touch every module.
type phaseDef struct {
	id          int
	name        string
	description string
	layer       int
}

var phaseDefs = [PhaseCount]phaseDef{
	{1, "Workspace Assessment", "Assess every module and establish the recovery baseline", -1},
	{2, "Core Recovery", "Recover layer 0 foundation modules", 0},
	{3, "Service Recovery", "Recover layer 1 service modules", 1},
	{4, "Integration Recovery", "Recover layer 2 integration modules", 2},
	{5, "Verification", "Re-verify every module and close out the session", -1},
}

// StrategyForScore selects the recovery strategy for a health score.
// Healthy modules (>= 80) need no intervention.
func StrategyForScore(score int) (models.RecoveryStrategy, bool) {
	switch {
	case score >= 80:
		return "", false
	case score >= 50:
		return models.StrategyRepair, true
	case score >= 25:
		return models.StrategyRebuild, true
	default:
		return models.StrategyReset, true
	}
}

// Options tunes the scheduler's time and concurrency budgets.
type Options struct {
	WorkspacePath  string
	PhaseTimeout   time.Duration
	SessionTimeout time.Duration
	SyncWait       time.Duration // how long ExecutePhase waits before going async
	MaxConcurrency int
}

// Scheduler owns the pipeline state, the active session, and every phase
// execution started since process start.
type Scheduler struct {
	an   *analyzer.Analyzer
	disp *strategy.Dispatcher
	sts  *state.Registry
	opts Options

	mu            sync.RWMutex
	session       *models.RecoverySession
	sessionCtx    context.Context
	sessionEnd    context.CancelFunc
	baselineScore int
	phases        [PhaseCount]models.RecoveryPhase
	executions    map[string]*execution
}

// execution pairs the exported record with its run-control handles.
type execution struct {
	rec    models.PhaseExecution
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Scheduler with pending phases and no session.
func New(an *analyzer.Analyzer, disp *strategy.Dispatcher, sts *state.Registry, opts Options) *Scheduler {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 3
	}
	if opts.SyncWait <= 0 {
		opts.SyncWait = 2 * time.Second
	}
	s := &Scheduler{
		an:         an,
		disp:       disp,
		sts:        sts,
		opts:       opts,
		executions: make(map[string]*execution),
	}
	for i, def := range phaseDefs {
		s.phases[i] = models.RecoveryPhase{
			PhaseID:     def.id,
			Name:        def.name,
			Description: def.description,
			Status:      models.PhaseStatusPending,
		}
	}
	s.phases[0].Status = models.PhaseStatusReady
	return s
}

// GetPhases returns the current pipeline phase list.
func (s *Scheduler) GetPhases() []models.RecoveryPhase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.RecoveryPhase, PhaseCount)
	copy(out, s.phases[:])
	return out
}

// Session returns a copy of the active session, or nil when no phase has
// ever been executed.
func (s *Scheduler) Session() *models.RecoverySession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return nil
	}
	cp := *s.session
	cp.Phases = make([]models.RecoveryPhase, PhaseCount)
	copy(cp.Phases, s.phases[:])
	return &cp
}

// ExecutionStatus returns a copy of the execution record. The copy is
// deep on the task and result slices: the worker goroutines keep
// mutating the live record while callers poll and serialize it.
func (s *Scheduler) ExecutionStatus(executionID string) (*models.PhaseExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[executionID]
	if !ok {
		return nil, models.ErrExecutionNotFound(executionID)
	}
	cp := copyExecution(e.rec)
	return &cp, nil
}

// copyExecution detaches an execution record from the live backing
// arrays. Caller holds mu.
func copyExecution(rec models.PhaseExecution) models.PhaseExecution {
	cp := rec
	if rec.Tasks != nil {
		cp.Tasks = make([]models.RecoveryTask, len(rec.Tasks))
		copy(cp.Tasks, rec.Tasks)
		for i := range cp.Tasks {
			if attempts := cp.Tasks[i].Attempts; attempts != nil {
				cp.Tasks[i].Attempts = append([]models.RecoveryAttempt(nil), attempts...)
			}
		}
	}
	if rec.Results != nil {
		cp.Results = append([]models.RecoveryPhaseResult(nil), rec.Results...)
	}
	return cp
}

// ExecutionForPhase returns the execution record after verifying it
// belongs to the given phase.
func (s *Scheduler) ExecutionForPhase(phaseID int, executionID string) (*models.PhaseExecution, error) {
	if phaseID < 1 || phaseID > PhaseCount {
		return nil, models.ErrInvalidPhaseID(phaseID)
	}
	rec, err := s.ExecutionStatus(executionID)
	if err != nil {
		return nil, err
	}
	if rec.PhaseID != phaseID {
		return nil, models.ErrPhaseMismatch(executionID, rec.PhaseID, phaseID)
	}
	return rec, nil
}

// ExecutePhase starts one pipeline phase. It waits up to the configured
// sync window for the phase to finish; the returned record's Async flag
// tells the caller whether the phase completed within the window or is
// still running and must be polled.
func (s *Scheduler) ExecutePhase(ctx context.Context, phaseID int, opts models.ExecuteOptions) (*models.PhaseExecution, error) {
	if phaseID < 1 || phaseID > PhaseCount {
		return nil, models.ErrInvalidPhaseID(phaseID)
	}

	s.mu.Lock()
	if s.phases[phaseID-1].Status == models.PhaseStatusExecuting {
		s.mu.Unlock()
		return nil, models.ErrValidation(
			fmt.Sprintf("phase %d is already executing", phaseID),
			map[string]any{"phase_id": phaseID, "hint": "wait for the running execution or cancel it first"})
	}
	if !opts.ForceExecution {
		for i := 0; i < phaseID-1; i++ {
			if s.phases[i].Status != models.PhaseStatusCompleted {
				s.mu.Unlock()
				return nil, models.ErrValidation(
					fmt.Sprintf("phase %d is not ready", phaseID),
					map[string]any{
						"blocking_phase": s.phases[i].PhaseID,
						"status":         string(s.phases[i].Status),
						"hint":           "complete earlier phases first or set force_execution",
					})
			}
		}
	}

	s.ensureSessionLocked()

	runCtx := s.sessionCtx
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.opts.PhaseTimeout
	}
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}

	e := &execution{
		rec: models.PhaseExecution{
			ID:        uuid.NewString(),
			SessionID: s.session.ID,
			PhaseID:   phaseID,
			PhaseName: phaseDefs[phaseID-1].name,
			Status:    models.PhaseStatusExecuting,
			DryRun:    opts.DryRun,
			StartedAt: time.Now().UTC(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.rec.Tasks = s.planTasksLocked(phaseID, e.rec.ID, opts)
	s.executions[e.rec.ID] = e

	s.phases[phaseID-1].Status = models.PhaseStatusExecuting
	s.phases[phaseID-1].TasksTotal = len(e.rec.Tasks)
	s.session.Status = models.SessionStatusExecuting
	if phaseID == 1 {
		s.session.Status = models.SessionStatusAnalyzing
	}
	s.mu.Unlock()

	log.Printf("scheduler: phase %d (%s) started, execution %s, %d tasks",
		phaseID, e.rec.PhaseName, e.rec.ID, len(e.rec.Tasks))
	go s.run(runCtx, e, opts)

	select {
	case <-e.done:
	case <-time.After(s.opts.SyncWait):
		s.mu.Lock()
		e.rec.Async = true
		s.mu.Unlock()
	}
	return s.ExecutionStatus(e.rec.ID)
}

// CancelExecution requests cooperative cancellation of a running
// execution. Terminal executions are reported as not cancelled; the
// request is not an error.
func (s *Scheduler) CancelExecution(executionID, reason string) (*models.CancelResult, error) {
	s.mu.Lock()
	e, ok := s.executions[executionID]
	if !ok {
		s.mu.Unlock()
		return nil, models.ErrExecutionNotFound(executionID)
	}
	if e.rec.Status.Terminal() {
		s.mu.Unlock()
		return &models.CancelResult{
			Cancelled: false,
			Reason:    fmt.Sprintf("execution is already %s", e.rec.Status),
		}, nil
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	e.rec.CancelReason = reason
	s.mu.Unlock()

	e.cancel()
	<-e.done

	// The run may have reached a natural terminal state before the
	// cancellation signal was observed; report what actually happened.
	s.mu.RLock()
	status := e.rec.Status
	s.mu.RUnlock()
	if status != models.PhaseStatusRolledBack {
		return &models.CancelResult{
			Cancelled: false,
			Reason:    fmt.Sprintf("execution finished as %s before cancellation took effect", status),
		}, nil
	}

	log.Printf("scheduler: execution %s cancelled: %s", executionID, reason)
	return &models.CancelResult{
		Cancelled:        true,
		Reason:           reason,
		CleanupPerformed: true,
	}, nil
}

// ensureSessionLocked lazily creates the recovery session. Caller holds mu.
func (s *Scheduler) ensureSessionLocked() {
	if s.session != nil {
		return
	}
	ctx := context.Background()
	var end context.CancelFunc
	if s.opts.SessionTimeout > 0 {
		ctx, end = context.WithTimeout(ctx, s.opts.SessionTimeout)
	} else {
		ctx, end = context.WithCancel(ctx)
	}
	s.session = &models.RecoverySession{
		ID:            uuid.NewString(),
		WorkspacePath: s.opts.WorkspacePath,
		Status:        models.SessionStatusInitializing,
		StartedAt:     time.Now().UTC(),
	}
	s.sessionCtx = ctx
	s.sessionEnd = end
	log.Printf("scheduler: recovery session %s started for %s", s.session.ID, s.opts.WorkspacePath)
}

// planTasksLocked builds the task list for a phase. Assessment and
// verification schedule one task per module; recovery phases schedule a
// task only for modules whose current score calls for intervention.
// Caller holds mu.
func (s *Scheduler) planTasksLocked(phaseID int, executionID string, opts models.ExecuteOptions) []models.RecoveryTask {
	var tasks []models.RecoveryTask

	layer := phaseDefs[phaseID-1].layer
	if layer == -1 {
		for _, desc := range registry.All() {
			tasks = append(tasks, models.RecoveryTask{
				ID:        uuid.NewString(),
				PhaseID:   phaseID,
				ModuleID:  desc.ID,
				Status:    models.TaskStatusPending,
				Mandatory: desc.Layer == 0,
			})
		}
		return tasks
	}

	for _, desc := range registry.ByLayer(layer) {
		st, err := s.sts.Get(desc.ID)
		if err != nil {
			continue
		}
		strat, needed := StrategyForScore(st.HealthScore)
		if !needed && !opts.ForceExecution {
			continue
		}
		tasks = append(tasks, models.RecoveryTask{
			ID:        uuid.NewString(),
			PhaseID:   phaseID,
			ModuleID:  desc.ID,
			Strategy:  strat,
			Status:    models.TaskStatusPending,
			Mandatory: layer == 0,
		})
	}
	return tasks
}

// run executes a phase to completion and finalizes the records.
func (s *Scheduler) run(ctx context.Context, e *execution, opts models.ExecuteOptions) {
	defer close(e.done)
	defer e.cancel()

	var err error
	switch phaseDefs[e.rec.PhaseID-1].layer {
	case -1:
		if e.rec.PhaseID == 1 {
			err = s.runAssessment(ctx, e, opts)
		} else {
			err = s.runVerification(ctx, e, opts)
		}
	default:
		err = s.runLayerRecovery(ctx, e, opts)
	}

	s.finalize(e, err)
}
