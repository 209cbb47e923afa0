// Package strategy implements the recovery strategy dispatcher: the
// single entry point that applies a named strategy (repair, rebuild,
// reset) to one module and returns the ordered step results.
//
// A strategy is a fixed pipeline of steps. Steps run sequentially; a
// failed mandatory step fails the run and every later mandatory step is
// reported failed with zero tasks rather than silently skipped. While a
// run is in flight the module is claimed in the state registry, so two
// executions can never recover the same module concurrently.
package strategy

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/medic/internal/analyzer"
	"github.com/bigdegenenergy/open-cloud-ops/medic/internal/registry"
	"github.com/bigdegenenergy/open-cloud-ops/medic/internal/state"
	"github.com/bigdegenenergy/open-cloud-ops/medic/internal/workspace"
	"github.com/bigdegenenergy/open-cloud-ops/medic/pkg/models"
)

// Dispatcher applies recovery strategies to modules.
type Dispatcher struct {
	ws          *workspace.Workspace
	runner      workspace.CommandRunner
	states      *state.Registry
	an          *analyzer.Analyzer
	taskTimeout time.Duration
}

// NewDispatcher creates a Dispatcher. taskTimeout bounds each individual
// step; zero disables the per-step bound.
func NewDispatcher(ws *workspace.Workspace, runner workspace.CommandRunner, states *state.Registry, an *analyzer.Analyzer, taskTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		ws:          ws,
		runner:      runner,
		states:      states,
		an:          an,
		taskTimeout: taskTimeout,
	}
}

// step is one unit of a strategy pipeline.
type step struct {
	name        string
	improvement int // approximate score gain on success, capped at run time
	mandatory   bool
	run         stepFunc
}

type stepFunc func(ctx context.Context, sc *stepContext, res *models.RecoveryPhaseResult) error

// stepContext carries state between steps of a single run.
type stepContext struct {
	desc     *registry.Descriptor
	dryRun   bool
	snapshot *workspace.Snapshot // set by backup-and-reset, read by restore-configuration
}

// RecoverModule applies the given strategy to one module on behalf of an
// execution and returns one result per pipeline step, in order. The
// module is claimed for the duration of the run. Dry runs report the
// planned work without touching the workspace and restore the module's
// previous state afterwards.
func (d *Dispatcher) RecoverModule(ctx context.Context, id models.ModuleID, strategy models.RecoveryStrategy, executionID string, dryRun bool) ([]models.RecoveryPhaseResult, error) {
	desc, err := registry.Get(id)
	if err != nil {
		return nil, err
	}
	if !models.ValidStrategy(strategy) {
		return nil, models.ErrUnsupportedStrategy(id, strategy)
	}

	prev, err := d.states.BeginRecovery(id, executionID)
	if err != nil {
		return nil, err
	}
	log.Printf("strategy: %s recovery of module %s started (execution %s, dry_run=%t)", strategy, id, executionID, dryRun)

	sc := &stepContext{desc: desc, dryRun: dryRun}
	steps := d.pipeline(desc, strategy)

	// Reset backups live in a transient location; remove them no matter
	// how the pipeline ends, including timeouts and step failures.
	if strategy == models.StrategyReset && !dryRun {
		defer func() {
			if err := d.ws.DeleteBackup(id); err != nil {
				log.Printf("strategy: warning: backup cleanup for %s failed: %v", id, err)
			}
		}()
	}

	results := make([]models.RecoveryPhaseResult, 0, len(steps))
	remaining := 100 - prev.HealthScore
	if remaining < 0 {
		remaining = 0
	}
	prerequisiteFailed := false

	for i, s := range steps {
		res := models.RecoveryPhaseResult{
			PhaseID:   i + 1,
			PhaseName: s.name,
			StartTime: time.Now().UTC(),
		}

		switch {
		case prerequisiteFailed && s.mandatory:
			res.Status = models.StepFailed
			res.Logs = append(res.Logs, "not attempted: a prerequisite step failed")
		case prerequisiteFailed:
			res.Status = models.StepSkipped
			res.Logs = append(res.Logs, "skipped: a prerequisite step failed")
		default:
			stepCtx := ctx
			cancel := context.CancelFunc(func() {})
			if d.taskTimeout > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, d.taskTimeout)
			}
			err := s.run(stepCtx, sc, &res)
			cancel()

			switch {
			case err != nil:
				res.Status = models.StepFailed
				res.Logs = append(res.Logs, fmt.Sprintf("step failed: %v", err))
				if s.mandatory {
					prerequisiteFailed = true
				}
				log.Printf("strategy: step %s failed for module %s: %v", s.name, id, err)
			default:
				res.Status = models.StepCompleted
				gain := s.improvement
				if gain > remaining {
					gain = remaining
				}
				res.HealthImprovement = gain
				remaining -= gain
			}
		}

		res.EndTime = time.Now().UTC()
		results = append(results, res)
		d.states.RecordRecovery(id, executionID, res)

		if ctx.Err() != nil {
			d.states.EndRecovery(id, executionID, prev)
			return results, models.ErrTimeout(
				fmt.Sprintf("strategy %s on module %s", strategy, id),
				d.taskTimeout,
				map[string]any{"cause": ctx.Err().Error()})
		}
	}

	if dryRun {
		d.states.EndRecovery(id, executionID, prev)
		log.Printf("strategy: %s dry run of module %s finished, %d steps planned", strategy, id, len(results))
		return results, nil
	}

	final, _, err := d.an.AnalyzeModule(ctx, id, models.DepthDetailed)
	if err != nil {
		d.states.EndRecovery(id, executionID, prev)
		return results, fmt.Errorf("strategy: post-recovery assessment of %q: %w", id, err)
	}
	if resolved := prev.ErrorCount - final.ErrorCount; resolved > 0 && len(results) > 0 {
		results[len(results)-1].ErrorsResolved = resolved
	}
	d.states.EndRecovery(id, executionID, final)

	log.Printf("strategy: %s recovery of module %s finished: score %d -> %d", strategy, id, prev.HealthScore, final.HealthScore)
	return results, nil
}

// Plan returns the ordered step names and a rough wall-clock estimate for
// applying a strategy to a module, without executing anything.
func Plan(id models.ModuleID, strat models.RecoveryStrategy) ([]string, time.Duration, error) {
	desc, err := registry.Get(id)
	if err != nil {
		return nil, 0, err
	}
	if !models.ValidStrategy(strat) {
		return nil, 0, models.ErrUnsupportedStrategy(id, strat)
	}

	var d Dispatcher
	steps := d.pipeline(desc, strat)
	names := make([]string, len(steps))
	var estimate time.Duration
	for i, s := range steps {
		names[i] = s.name
		// Heavier steps move more of the score and take longer.
		estimate += 5*time.Second + time.Duration(s.improvement)*time.Second
	}
	return names, estimate, nil
}

// pipeline returns the ordered step list for a strategy. Steps whose
// precondition a module does not meet (no service configs, no test
// command) are omitted entirely rather than reported skipped.
func (d *Dispatcher) pipeline(desc *registry.Descriptor, strategy models.RecoveryStrategy) []step {
	switch strategy {
	case models.StrategyRepair:
		return []step{
			{name: "repair-configuration", improvement: 25, mandatory: true, run: d.repairConfiguration},
		}
	case models.StrategyRebuild:
		steps := []step{
			{name: "clean", improvement: 10, mandatory: true, run: d.clean},
			{name: "restore-structure", improvement: 30, mandatory: true, run: d.restoreStructure},
		}
		if len(desc.ServiceConfigs) > 0 {
			steps = append(steps, step{name: "restore-services", improvement: 20, mandatory: true, run: d.restoreServices})
		}
		steps = append(steps, step{name: "rebuild-dependencies", improvement: 40, mandatory: true, run: d.rebuildDependencies})
		if len(desc.TestCommand) > 0 {
			steps = append(steps, step{name: "run-tests", improvement: 0, mandatory: false, run: d.runTests})
		}
		return steps
	case models.StrategyReset:
		return []step{
			{name: "backup-and-reset", improvement: 50, mandatory: true, run: d.backupAndReset},
			{name: "restore-configuration", improvement: 20, mandatory: true, run: d.restoreConfiguration},
		}
	default:
		return nil
	}
}
