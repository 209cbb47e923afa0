package scheduler

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/medic/pkg/models"
)

// runAssessment executes phase 1: a full workspace analysis whose
// per-module states become the shared baseline for the recovery phases.
func (s *Scheduler) runAssessment(ctx context.Context, e *execution, opts models.ExecuteOptions) error {
	start := time.Now().UTC()
	s.setTasksStatus(e, models.TaskStatusExecuting)

	depth := models.DepthDetailed
	if opts.SkipValidation {
		depth = models.DepthBasic
	}
	health, err := s.an.AnalyzeWorkspace(ctx, models.AnalyzeOptions{
		IncludeHealthMetrics:   true,
		IncludeDependencyGraph: true,
		IncludeErrorDetails:    true,
		AnalysisDepth:          depth,
	})
	if err != nil {
		s.setTasksStatus(e, models.TaskStatusFailed)
		return fmt.Errorf("scheduler: workspace assessment: %w", err)
	}

	if !opts.DryRun {
		for _, st := range health.Modules {
			if err := s.sts.Put(st, e.rec.ID); err != nil {
				log.Printf("scheduler: warning: could not record state for %s: %v", st.ModuleID, err)
			}
		}
	}

	s.mu.Lock()
	s.baselineScore = health.OverallHealthScore
	s.session.CurrentHealthScore = health.OverallHealthScore
	for i := range e.rec.Tasks {
		e.rec.Tasks[i].Status = models.TaskStatusCompleted
	}
	e.rec.Results = append(e.rec.Results, models.RecoveryPhaseResult{
		PhaseID:         e.rec.PhaseID,
		PhaseName:       e.rec.PhaseName,
		Status:          models.StepCompleted,
		StartTime:       start,
		EndTime:         time.Now().UTC(),
		TasksExecuted:   health.Summary.Total,
		TasksSuccessful: health.Summary.Total,
		Logs: []string{
			fmt.Sprintf("workspace health %d/100, %d of %d modules healthy", health.OverallHealthScore, health.Summary.Healthy, health.Summary.Total),
		},
	})
	s.mu.Unlock()

	if !health.RecoveryReadiness {
		log.Printf("scheduler: assessment found %d blockers: %s", len(health.Blockers), strings.Join(health.Blockers, "; "))
	}
	return nil
}

// runLayerRecovery executes phases 2-4: it applies the selected strategy
// to every scheduled module of the phase's layer, optionally in parallel
// under the concurrency budget.
func (s *Scheduler) runLayerRecovery(ctx context.Context, e *execution, opts models.ExecuteOptions) error {
	maxConc := 1
	if opts.ParallelExecution {
		maxConc = opts.MaxConcurrency
		if maxConc <= 0 {
			maxConc = s.opts.MaxConcurrency
		}
	}
	sem := make(chan struct{}, maxConc)

	var wg sync.WaitGroup
	var errMu sync.Mutex
	var failed []string

	for i := range e.rec.Tasks {
		if ctx.Err() != nil {
			s.markTask(e, i, models.TaskStatusCancelled, ctx.Err().Error())
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := s.recoverTask(ctx, e, idx, opts); err != nil {
				errMu.Lock()
				failed = append(failed, fmt.Sprintf("%s: %v", e.rec.Tasks[idx].ModuleID, err))
				errMu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if len(failed) > 0 {
		return fmt.Errorf("scheduler: %d module recoveries failed: %s", len(failed), strings.Join(failed, "; "))
	}
	return nil
}

// recoverTask runs one module recovery task to completion.
func (s *Scheduler) recoverTask(ctx context.Context, e *execution, idx int, opts models.ExecuteOptions) error {
	s.mu.Lock()
	task := e.rec.Tasks[idx]
	now := time.Now().UTC()
	e.rec.Tasks[idx].Status = models.TaskStatusExecuting
	e.rec.Tasks[idx].StartedAt = &now
	s.mu.Unlock()

	// Re-validate before acting unless the caller explicitly trusts the
	// assessment-phase scores. A module repaired out of band should not
	// be recovered again.
	score := -1
	if !opts.SkipValidation {
		if result, err := s.an.ValidateModule(ctx, task.ModuleID, models.DepthDetailed); err == nil {
			score = result.HealthScore
		}
	}
	if score < 0 {
		st, err := s.sts.Get(task.ModuleID)
		if err != nil {
			s.markTask(e, idx, models.TaskStatusFailed, err.Error())
			return err
		}
		score = st.HealthScore
	}

	strat, needed := StrategyForScore(score)
	if !needed {
		if !opts.ForceExecution {
			s.markTask(e, idx, models.TaskStatusSkipped, "")
			return nil
		}
		strat = models.StrategyRepair
	}

	results, err := s.disp.RecoverModule(ctx, task.ModuleID, strat, e.rec.ID, opts.DryRun)

	s.mu.Lock()
	e.rec.Tasks[idx].Strategy = strat
	e.rec.Results = append(e.rec.Results, results...)
	for _, r := range results {
		e.rec.HealthImprovement += r.HealthImprovement
	}
	s.mu.Unlock()

	if err != nil {
		s.markTask(e, idx, models.TaskStatusFailed, err.Error())
		return err
	}
	for _, r := range results {
		if r.Status == models.StepFailed {
			failure := fmt.Errorf("step %s failed", r.PhaseName)
			s.markTask(e, idx, models.TaskStatusFailed, failure.Error())
			return failure
		}
	}
	s.markTask(e, idx, models.TaskStatusCompleted, "")
	return nil
}

// runVerification executes phase 5: a comprehensive re-analysis of every
// module that closes out the session.
func (s *Scheduler) runVerification(ctx context.Context, e *execution, opts models.ExecuteOptions) error {
	start := time.Now().UTC()
	s.setTasksStatus(e, models.TaskStatusExecuting)

	var unhealthy []string
	verified := 0
	total := 0
	for i := range e.rec.Tasks {
		if ctx.Err() != nil {
			s.markTask(e, i, models.TaskStatusCancelled, ctx.Err().Error())
			continue
		}
		id := e.rec.Tasks[i].ModuleID
		st, _, err := s.an.AnalyzeModule(ctx, id, models.DepthComprehensive)
		if err != nil {
			s.markTask(e, i, models.TaskStatusFailed, err.Error())
			unhealthy = append(unhealthy, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		if !opts.DryRun {
			if err := s.sts.Put(st, e.rec.ID); err != nil {
				log.Printf("scheduler: warning: could not record state for %s: %v", id, err)
			}
		}
		total += st.HealthScore
		verified++
		if st.Status == models.ModuleStatusCritical || st.Status == models.ModuleStatusFailed {
			s.markTask(e, i, models.TaskStatusFailed, fmt.Sprintf("module is %s after recovery", st.Status))
			unhealthy = append(unhealthy, fmt.Sprintf("%s is %s", id, st.Status))
			continue
		}
		s.markTask(e, i, models.TaskStatusCompleted, "")
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.mu.Lock()
	if verified > 0 {
		current := models.ClampScore(total / verified)
		s.session.CurrentHealthScore = current
		s.session.HealthImprovement = current - s.baselineScore
	}
	e.rec.Results = append(e.rec.Results, models.RecoveryPhaseResult{
		PhaseID:         e.rec.PhaseID,
		PhaseName:       e.rec.PhaseName,
		Status:          models.StepCompleted,
		StartTime:       start,
		EndTime:         time.Now().UTC(),
		TasksExecuted:   len(e.rec.Tasks),
		TasksSuccessful: len(e.rec.Tasks) - len(unhealthy),
		TasksFailed:     len(unhealthy),
		Logs:            []string{fmt.Sprintf("verified %d modules, %d still unhealthy", verified, len(unhealthy))},
	})
	s.mu.Unlock()

	if len(unhealthy) > 0 {
		return fmt.Errorf("scheduler: verification found unhealthy modules: %s", strings.Join(unhealthy, "; "))
	}
	return nil
}

// finalize records the terminal status of an execution and rolls it up
// into the phase table and the session.
func (s *Scheduler) finalize(e *execution, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	e.rec.CompletedAt = &now

	switch {
	case e.rec.CancelReason != "" && runErr != nil:
		// Cancellation releases module claims and restores their prior
		// states, so the phase is rolled back rather than failed. A run
		// that finished cleanly before observing the cancel signal keeps
		// its natural outcome.
		e.rec.Status = models.PhaseStatusRolledBack
	case runErr != nil:
		e.rec.Status = models.PhaseStatusFailed
	default:
		e.rec.Status = models.PhaseStatusCompleted
	}

	phase := &s.phases[e.rec.PhaseID-1]
	phase.Status = e.rec.Status
	phase.TasksTotal = len(e.rec.Tasks)
	phase.TasksCompleted = 0
	phase.TasksFailed = 0
	phase.TasksSkipped = 0
	for _, t := range e.rec.Tasks {
		switch t.Status {
		case models.TaskStatusCompleted:
			phase.TasksCompleted++
		case models.TaskStatusFailed, models.TaskStatusCancelled:
			phase.TasksFailed++
		case models.TaskStatusSkipped:
			phase.TasksSkipped++
		}
	}
	if runErr != nil {
		phase.Errors = append(phase.Errors, runErr.Error())
	}

	completed := 0
	for _, p := range s.phases {
		if p.Status == models.PhaseStatusCompleted {
			completed++
		}
	}
	s.session.OverallProgress = completed * 100 / PhaseCount

	switch e.rec.Status {
	case models.PhaseStatusCompleted:
		if e.rec.PhaseID < PhaseCount {
			s.phases[e.rec.PhaseID].Status = models.PhaseStatusReady
			s.session.Status = models.SessionStatusPlanning
		} else {
			s.session.Status = models.SessionStatusCompleted
			s.session.CompletedAt = &now
			s.sessionEnd()
		}
	case models.PhaseStatusFailed:
		s.session.Status = models.SessionStatusFailed
	case models.PhaseStatusRolledBack:
		s.session.Status = models.SessionStatusInterrupted
	}

	if runErr != nil {
		log.Printf("scheduler: phase %d (%s) execution %s finished %s: %v",
			e.rec.PhaseID, e.rec.PhaseName, e.rec.ID, e.rec.Status, runErr)
	} else {
		log.Printf("scheduler: phase %d (%s) execution %s finished %s",
			e.rec.PhaseID, e.rec.PhaseName, e.rec.ID, e.rec.Status)
	}
}

// setTasksStatus sets every task of an execution to one status.
func (s *Scheduler) setTasksStatus(e *execution, status models.TaskStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range e.rec.Tasks {
		e.rec.Tasks[i].Status = status
	}
}

// markTask finalizes one task of an execution.
func (s *Scheduler) markTask(e *execution, idx int, status models.TaskStatus, errText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	t := &e.rec.Tasks[idx]
	t.Status = status
	t.CompletedAt = &now
	t.Error = errText
	started := t.StartedAt
	if started == nil {
		started = &now
	}
	t.Attempts = append(t.Attempts, models.RecoveryAttempt{
		Attempt:     len(t.Attempts) + 1,
		Status:      status,
		StartedAt:   *started,
		CompletedAt: &now,
		Error:       errText,
	})
}
