package strategy

import (
	"context"
	"strings"
	"testing"

	"github.com/bigdegenenergy/open-cloud-ops/medic/internal/analyzer"
	"github.com/bigdegenenergy/open-cloud-ops/medic/internal/registry"
	"github.com/bigdegenenergy/open-cloud-ops/medic/internal/state"
	"github.com/bigdegenenergy/open-cloud-ops/medic/internal/workspace"
	"github.com/bigdegenenergy/open-cloud-ops/medic/pkg/models"
)

// fakeRunner is a test CommandRunner that fails the commands listed in
// fail, keyed by the full argv string.
type fakeRunner struct {
	fail map[string]bool
	ran  []string
}

func (f *fakeRunner) Run(ctx context.Context, dir string, name string, args ...string) (workspace.RunResult, error) {
	key := strings.Join(append([]string{name}, args...), " ")
	f.ran = append(f.ran, key)
	if f.fail[key] {
		return workspace.RunResult{ExitCode: 1, Output: "simulated failure"}, nil
	}
	return workspace.RunResult{ExitCode: 0}, nil
}

func setupDispatcher(t *testing.T) (*Dispatcher, *workspace.Workspace, *state.Registry, *fakeRunner) {
	t.Helper()

	ws, err := workspace.New(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create workspace: %v", err)
	}
	runner := &fakeRunner{fail: make(map[string]bool)}
	states := state.NewRegistry()
	an := analyzer.New(ws, runner)
	return NewDispatcher(ws, runner, states, an, 0), ws, states, runner
}

// seedModule writes a complete, healthy module into the workspace.
func seedModule(t *testing.T, ws *workspace.Workspace, id models.ModuleID) {
	t.Helper()

	desc, err := registry.Get(id)
	if err != nil {
		t.Fatalf("Unknown module %s: %v", id, err)
	}

	manifest := &workspace.Manifest{
		Name:         string(id),
		Version:      "1.0.0",
		Dependencies: append([]string(nil), desc.RequiredDeps...),
	}
	if err := ws.WriteManifest(id, manifest); err != nil {
		t.Fatalf("WriteManifest failed: %v", err)
	}
	for _, rf := range desc.RequiredFiles {
		if rf.Path == registry.ManifestPath {
			continue
		}
		if err := ws.WriteFile(id, rf.Path, []byte(desc.DefaultContent(rf.Path))); err != nil {
			t.Fatalf("WriteFile %s failed: %v", rf.Path, err)
		}
	}
	for _, cfg := range desc.ServiceConfigs {
		if err := ws.WriteFile(id, cfg, []byte(desc.DefaultServiceConfig(cfg))); err != nil {
			t.Fatalf("WriteFile %s failed: %v", cfg, err)
		}
	}
}

func TestRebuildStepShape(t *testing.T) {
	t.Run("auth runs exactly three steps", func(t *testing.T) {
		d, ws, states, _ := setupDispatcher(t)
		seedModule(t, ws, "auth")

		results, err := d.RecoverModule(context.Background(), "auth", models.StrategyRebuild, "exec-1", false)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		want := []string{"clean", "restore-structure", "rebuild-dependencies"}
		if len(results) != len(want) {
			t.Fatalf("Expected %d steps, got %d: %+v", len(want), len(results), results)
		}
		for i, name := range want {
			if results[i].PhaseName != name {
				t.Errorf("Step %d: expected %s, got %s", i, name, results[i].PhaseName)
			}
			if results[i].Status != models.StepCompleted {
				t.Errorf("Step %s: expected completed, got %s", name, results[i].Status)
			}
		}

		final, _ := states.Get("auth")
		if final.Status != models.ModuleStatusHealthy {
			t.Errorf("Expected healthy after rebuild, got %s (score %d)", final.Status, final.HealthScore)
		}
	})

	t.Run("api includes service and test steps", func(t *testing.T) {
		d, ws, _, _ := setupDispatcher(t)
		seedModule(t, ws, "api")

		results, err := d.RecoverModule(context.Background(), "api", models.StrategyRebuild, "exec-2", false)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		want := []string{"clean", "restore-structure", "restore-services", "rebuild-dependencies", "run-tests"}
		if len(results) != len(want) {
			t.Fatalf("Expected %d steps, got %d", len(want), len(results))
		}
		for i, name := range want {
			if results[i].PhaseName != name {
				t.Errorf("Step %d: expected %s, got %s", i, name, results[i].PhaseName)
			}
		}
	})
}

func TestRebuildVerifiesCompilation(t *testing.T) {
	d, ws, _, runner := setupDispatcher(t)
	seedModule(t, ws, "core")
	runner.fail["npx tsc --noEmit"] = true

	results, err := d.RecoverModule(context.Background(), "core", models.StrategyRebuild, "exec-10", false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("Expected 4 steps for core, got %d", len(results))
	}
	if results[2].PhaseName != "rebuild-dependencies" || results[2].Status != models.StepFailed {
		t.Errorf("Expected rebuild-dependencies to fail on a broken compile, got %s=%s", results[2].PhaseName, results[2].Status)
	}
	if results[3].PhaseName != "run-tests" || results[3].Status != models.StepSkipped {
		t.Errorf("Expected run-tests skipped after the failed compile, got %s=%s", results[3].PhaseName, results[3].Status)
	}

	ran := strings.Join(runner.ran, "\n")
	if !strings.Contains(ran, "npm install") {
		t.Error("Expected the install command to run")
	}
	if !strings.Contains(ran, "npx tsc --noEmit") {
		t.Error("Expected the compile command to run after install")
	}
}

func TestRepairRestoresConfiguration(t *testing.T) {
	d, ws, states, _ := setupDispatcher(t)
	seedModule(t, ws, "database")

	// Break the module: drop a required file, a service config, and the
	// manifest's dependency declarations.
	if err := ws.RemovePath("database", "src/schema.ts"); err != nil {
		t.Fatalf("RemovePath failed: %v", err)
	}
	if err := ws.RemovePath("database", "config/database.json"); err != nil {
		t.Fatalf("RemovePath failed: %v", err)
	}
	if err := ws.WriteManifest("database", &workspace.Manifest{Name: "database"}); err != nil {
		t.Fatalf("WriteManifest failed: %v", err)
	}

	results, err := d.RecoverModule(context.Background(), "database", models.StrategyRepair, "exec-3", false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(results) != 1 || results[0].PhaseName != "repair-configuration" {
		t.Fatalf("Expected the single repair-configuration step, got %+v", results)
	}
	if results[0].Status != models.StepCompleted {
		t.Errorf("Expected completed, got %s (logs %v)", results[0].Status, results[0].Logs)
	}

	if !ws.FileExists("database", "src/schema.ts") {
		t.Error("Expected required file to be restored")
	}
	if !ws.FileExists("database", "config/database.json") {
		t.Error("Expected service config to be restored")
	}
	manifest, err := ws.ReadManifest("database")
	if err != nil {
		t.Fatalf("ReadManifest failed: %v", err)
	}
	declared := strings.Join(manifest.Dependencies, ",")
	if !strings.Contains(declared, "pg") || !strings.Contains(declared, "zod") {
		t.Errorf("Expected required deps restored, got %v", manifest.Dependencies)
	}

	final, _ := states.Get("database")
	if final.HealthScore != 100 {
		t.Errorf("Expected score 100 after repair, got %d", final.HealthScore)
	}
}

func TestResetPreservesExtraDependencies(t *testing.T) {
	d, ws, _, runner := setupDispatcher(t)
	seedModule(t, ws, "core")

	// An operator-added dependency beyond the canonical defaults.
	manifest, _ := ws.ReadManifest("core")
	manifest.MergeDependencies([]string{"left-pad"})
	if err := ws.WriteManifest("core", manifest); err != nil {
		t.Fatalf("WriteManifest failed: %v", err)
	}

	runReset := func(execID string) []models.RecoveryPhaseResult {
		results, err := d.RecoverModule(context.Background(), "core", models.StrategyReset, execID, false)
		if err != nil {
			t.Fatalf("Reset failed: %v", err)
		}
		return results
	}

	for _, execID := range []string{"exec-4", "exec-5"} {
		results := runReset(execID)
		if len(results) != 2 {
			t.Fatalf("Expected 2 reset steps, got %d", len(results))
		}
		if results[0].PhaseName != "backup-and-reset" || results[1].PhaseName != "restore-configuration" {
			t.Fatalf("Unexpected step names: %s, %s", results[0].PhaseName, results[1].PhaseName)
		}
		for _, r := range results {
			if r.Status != models.StepCompleted {
				t.Errorf("Step %s: expected completed, got %s (logs %v)", r.PhaseName, r.Status, r.Logs)
			}
		}

		manifest, err := ws.ReadManifest("core")
		if err != nil {
			t.Fatalf("ReadManifest failed: %v", err)
		}
		declared := strings.Join(manifest.Dependencies, ",")
		for _, dep := range []string{"zod", "date-fns", "left-pad"} {
			if !strings.Contains(declared, dep) {
				t.Errorf("Run %s: expected %s to survive reset, got %v", execID, dep, manifest.Dependencies)
			}
		}

		snap, err := ws.LoadBackup(context.Background(), "core")
		if err != nil {
			t.Fatalf("LoadBackup failed: %v", err)
		}
		if snap != nil {
			t.Error("Expected backup to be cleaned up after reset")
		}
	}

	installs := 0
	for _, cmd := range runner.ran {
		if cmd == "npm install" {
			installs++
		}
	}
	if installs != 2 {
		t.Errorf("Expected one dependency reinstall per reset, got %d", installs)
	}
}

func TestResetRestoresBackedUpServiceConfig(t *testing.T) {
	d, ws, _, _ := setupDispatcher(t)
	seedModule(t, ws, "database")

	// An operator-tuned service config that differs from the defaults.
	custom := []byte(`{"host": "db.prod.internal", "pool_size": 40}`)
	if err := ws.WriteFile("database", "config/database.json", custom); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	results, err := d.RecoverModule(context.Background(), "database", models.StrategyReset, "exec-11", false)
	if err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	for _, r := range results {
		if r.Status != models.StepCompleted {
			t.Errorf("Step %s: expected completed, got %s (logs %v)", r.PhaseName, r.Status, r.Logs)
		}
	}

	got, err := ws.ReadFile("database", "config/database.json")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(got) != string(custom) {
		t.Errorf("Expected backed-up service config to win over defaults, got %s", got)
	}
}

func TestResetCleansBackupAfterFailedMerge(t *testing.T) {
	d, ws, _, _ := setupDispatcher(t)
	seedModule(t, ws, "core")

	// A corrupt manifest is archived as-is, so the merge-back step fails.
	if err := ws.WriteFile("core", "module.json", []byte("{not json")); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	results, err := d.RecoverModule(context.Background(), "core", models.StrategyReset, "exec-12", false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 steps, got %d", len(results))
	}
	if results[1].PhaseName != "restore-configuration" || results[1].Status != models.StepFailed {
		t.Errorf("Expected restore-configuration to fail, got %s=%s", results[1].PhaseName, results[1].Status)
	}

	snap, err := ws.LoadBackup(context.Background(), "core")
	if err != nil {
		t.Fatalf("LoadBackup failed: %v", err)
	}
	if snap != nil {
		t.Error("Expected backup cleanup even when the merge fails")
	}
}

func TestHardPrerequisitePropagation(t *testing.T) {
	d, ws, _, runner := setupDispatcher(t)
	seedModule(t, ws, "api")
	runner.fail["npm install"] = true

	results, err := d.RecoverModule(context.Background(), "api", models.StrategyRebuild, "exec-6", false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("Expected 5 steps, got %d", len(results))
	}

	if results[3].PhaseName != "rebuild-dependencies" || results[3].Status != models.StepFailed {
		t.Errorf("Expected rebuild-dependencies to fail, got %s=%s", results[3].PhaseName, results[3].Status)
	}
	if results[4].PhaseName != "run-tests" || results[4].Status != models.StepSkipped {
		t.Errorf("Expected run-tests skipped after prerequisite failure, got %s=%s", results[4].PhaseName, results[4].Status)
	}
	if results[4].TasksExecuted != 0 {
		t.Errorf("Expected zero tasks after prerequisite failure, got %d", results[4].TasksExecuted)
	}
}

func TestDryRunTouchesNothing(t *testing.T) {
	d, ws, states, _ := setupDispatcher(t)
	seedModule(t, ws, "storage")
	if err := ws.RemovePath("storage", "src/buckets.ts"); err != nil {
		t.Fatalf("RemovePath failed: %v", err)
	}
	before, _ := states.Get("storage")

	results, err := d.RecoverModule(context.Background(), "storage", models.StrategyRepair, "exec-7", true)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(results) != 1 || results[0].Status != models.StepCompleted {
		t.Fatalf("Expected one completed planning step, got %+v", results)
	}
	if results[0].TasksSkipped == 0 {
		t.Error("Expected planned tasks to be reported as skipped")
	}

	if ws.FileExists("storage", "src/buckets.ts") {
		t.Error("Dry run must not restore files")
	}
	after, _ := states.Get("storage")
	if after.Status != before.Status {
		t.Errorf("Dry run must restore the previous state, got %s", after.Status)
	}
}

func TestStrategyErrors(t *testing.T) {
	d, ws, states, _ := setupDispatcher(t)
	seedModule(t, ws, "core")
	ctx := context.Background()

	t.Run("unknown module", func(t *testing.T) {
		_, err := d.RecoverModule(ctx, "billing", models.StrategyRepair, "exec-8", false)
		if models.CodeOf(err) != models.CodeModuleNotFound {
			t.Errorf("Expected module_not_found, got %v", err)
		}
	})

	t.Run("unsupported strategy", func(t *testing.T) {
		_, err := d.RecoverModule(ctx, "core", models.RecoveryStrategy("reinstall-os"), "exec-8", false)
		if models.CodeOf(err) != models.CodeUnsupportedStrategy {
			t.Errorf("Expected unsupported_strategy, got %v", err)
		}
	})

	t.Run("concurrent recovery rejected", func(t *testing.T) {
		if _, err := states.BeginRecovery("core", "other-exec"); err != nil {
			t.Fatalf("BeginRecovery failed: %v", err)
		}
		_, err := d.RecoverModule(ctx, "core", models.StrategyRepair, "exec-8", false)
		if models.CodeOf(err) != models.CodeConflict {
			t.Errorf("Expected conflict, got %v", err)
		}
	})
}

func TestImprovementCapping(t *testing.T) {
	d, ws, states, _ := setupDispatcher(t)
	seedModule(t, ws, "core")

	s, _ := states.Get("core")
	s.HealthScore = 90
	s.Status = models.ModuleStatusHealthy
	if err := states.Put(s, "seed"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	results, err := d.RecoverModule(context.Background(), "core", models.StrategyRepair, "exec-9", false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if results[0].HealthImprovement > 10 {
		t.Errorf("Expected improvement capped at 10, got %d", results[0].HealthImprovement)
	}
}

func TestPlan(t *testing.T) {
	names, estimate, err := Plan("auth", models.StrategyRebuild)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	want := []string{"clean", "restore-structure", "rebuild-dependencies"}
	if len(names) != len(want) {
		t.Fatalf("Expected %d steps, got %v", len(want), names)
	}
	for i, n := range want {
		if names[i] != n {
			t.Errorf("Step %d: expected %s, got %s", i, n, names[i])
		}
	}
	if estimate <= 0 {
		t.Errorf("Expected a positive estimate, got %v", estimate)
	}

	t.Run("unsupported strategy", func(t *testing.T) {
		if _, _, err := Plan("auth", "defrag"); models.CodeOf(err) != models.CodeUnsupportedStrategy {
			t.Errorf("Expected unsupported_strategy, got %v", err)
		}
	})
}
