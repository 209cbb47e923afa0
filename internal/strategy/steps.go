package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/medic/internal/registry"
	"github.com/bigdegenenergy/open-cloud-ops/medic/internal/workspace"
	"github.com/bigdegenenergy/open-cloud-ops/medic/pkg/models"
)

// artifactPaths are the build outputs removed by the rebuild clean step.
var artifactPaths = []string{"node_modules", "dist", ".cache", "coverage"}

// repairConfiguration restores missing required files, reconciles the
// module manifest against its required dependency list, rewrites broken
// service configs, and reinstalls dependencies. It is the whole of the
// repair strategy: the least invasive intervention.
func (d *Dispatcher) repairConfiguration(ctx context.Context, sc *stepContext, res *models.RecoveryPhaseResult) error {
	desc := sc.desc

	if sc.dryRun {
		planned := 1 + len(desc.RequiredFiles) + len(desc.ServiceConfigs)
		if len(desc.InstallCommand) > 0 {
			planned++
		}
		res.TasksExecuted = planned
		res.TasksSkipped = planned
		res.Logs = append(res.Logs, fmt.Sprintf("dry-run: would reconcile manifest, %d required files, %d service configs", len(desc.RequiredFiles), len(desc.ServiceConfigs)))
		return nil
	}

	if err := d.reconcileManifest(sc, res); err != nil {
		return err
	}

	for _, rf := range desc.RequiredFiles {
		if rf.Path == registry.ManifestPath || d.ws.FileExists(desc.ID, rf.Path) {
			continue
		}
		if err := d.ws.WriteFile(desc.ID, rf.Path, []byte(desc.DefaultContent(rf.Path))); err != nil {
			res.TasksExecuted++
			res.TasksFailed++
			return err
		}
		res.TasksExecuted++
		res.TasksSuccessful++
		res.Artifacts = append(res.Artifacts, rf.Path)
		res.Logs = append(res.Logs, fmt.Sprintf("restored required file %s", rf.Path))
	}

	for _, cfg := range desc.ServiceConfigs {
		if d.ws.FileExists(desc.ID, cfg) {
			continue
		}
		if err := d.ws.WriteFile(desc.ID, cfg, []byte(desc.DefaultServiceConfig(cfg))); err != nil {
			res.TasksExecuted++
			res.TasksFailed++
			return err
		}
		res.TasksExecuted++
		res.TasksSuccessful++
		res.Artifacts = append(res.Artifacts, cfg)
		res.Logs = append(res.Logs, fmt.Sprintf("restored service configuration %s", cfg))
	}

	return d.runCommand(ctx, sc, res, desc.InstallCommand, "dependency install")
}

// reconcileManifest ensures the manifest exists, parses, and declares
// every required dependency. Broken manifests are rewritten from the
// descriptor defaults.
func (d *Dispatcher) reconcileManifest(sc *stepContext, res *models.RecoveryPhaseResult) error {
	desc := sc.desc
	res.TasksExecuted++

	manifest, err := d.ws.ReadManifest(desc.ID)
	if err != nil {
		manifest = freshManifest(desc)
		res.Logs = append(res.Logs, "manifest missing or unparseable, rewrote from defaults")
	} else {
		manifest.MergeDependencies(desc.RequiredDeps)
		res.Logs = append(res.Logs, "merged required dependencies into manifest")
	}

	if err := d.ws.WriteManifest(desc.ID, manifest); err != nil {
		res.TasksFailed++
		return err
	}
	res.TasksSuccessful++
	res.Artifacts = append(res.Artifacts, registry.ManifestPath)
	return nil
}

// clean removes build artifacts so the later rebuild steps start from a
// known-empty state.
func (d *Dispatcher) clean(ctx context.Context, sc *stepContext, res *models.RecoveryPhaseResult) error {
	if sc.dryRun {
		res.TasksExecuted = len(artifactPaths)
		res.TasksSkipped = len(artifactPaths)
		res.Logs = append(res.Logs, fmt.Sprintf("dry-run: would remove %s", strings.Join(artifactPaths, ", ")))
		return nil
	}

	for _, p := range artifactPaths {
		res.TasksExecuted++
		if err := d.ws.RemovePath(sc.desc.ID, p); err != nil {
			res.TasksFailed++
			return err
		}
		res.TasksSuccessful++
	}
	res.Logs = append(res.Logs, fmt.Sprintf("removed %d artifact paths", len(artifactPaths)))
	return nil
}

// restoreStructure recreates the manifest and every missing required file
// from the descriptor defaults. Existing files are left untouched.
func (d *Dispatcher) restoreStructure(ctx context.Context, sc *stepContext, res *models.RecoveryPhaseResult) error {
	desc := sc.desc

	if sc.dryRun {
		planned := 1 + len(desc.RequiredFiles)
		res.TasksExecuted = planned
		res.TasksSkipped = planned
		res.Logs = append(res.Logs, fmt.Sprintf("dry-run: would restore manifest and up to %d required files", len(desc.RequiredFiles)))
		return nil
	}

	if err := d.reconcileManifest(sc, res); err != nil {
		return err
	}

	for _, rf := range desc.RequiredFiles {
		if rf.Path == registry.ManifestPath {
			continue
		}
		res.TasksExecuted++
		if d.ws.FileExists(desc.ID, rf.Path) {
			res.TasksSkipped++
			continue
		}
		if err := d.ws.WriteFile(desc.ID, rf.Path, []byte(desc.DefaultContent(rf.Path))); err != nil {
			res.TasksFailed++
			return err
		}
		res.TasksSuccessful++
		res.Artifacts = append(res.Artifacts, rf.Path)
	}
	res.Logs = append(res.Logs, fmt.Sprintf("module structure restored, %d files created", len(res.Artifacts)))
	return nil
}

// restoreServices rewrites every service configuration from defaults.
// Only scheduled for modules that declare service configs.
func (d *Dispatcher) restoreServices(ctx context.Context, sc *stepContext, res *models.RecoveryPhaseResult) error {
	desc := sc.desc

	if sc.dryRun {
		res.TasksExecuted = len(desc.ServiceConfigs)
		res.TasksSkipped = len(desc.ServiceConfigs)
		res.Logs = append(res.Logs, fmt.Sprintf("dry-run: would rewrite %d service configs", len(desc.ServiceConfigs)))
		return nil
	}

	for _, cfg := range desc.ServiceConfigs {
		res.TasksExecuted++
		if err := d.ws.WriteFile(desc.ID, cfg, []byte(desc.DefaultServiceConfig(cfg))); err != nil {
			res.TasksFailed++
			return err
		}
		res.TasksSuccessful++
		res.Artifacts = append(res.Artifacts, cfg)
	}
	res.Logs = append(res.Logs, fmt.Sprintf("rewrote %d service configurations", len(desc.ServiceConfigs)))
	return nil
}

// rebuildDependencies reinstalls the module's dependency tree from
// scratch and verifies the module compiles against it. Later pipeline
// steps depend on this one succeeding.
func (d *Dispatcher) rebuildDependencies(ctx context.Context, sc *stepContext, res *models.RecoveryPhaseResult) error {
	if err := d.runCommand(ctx, sc, res, sc.desc.InstallCommand, "dependency rebuild"); err != nil {
		return err
	}
	return d.runCommand(ctx, sc, res, sc.desc.CompileCommand, "compile check")
}

// runTests runs the module's configured test suite.
func (d *Dispatcher) runTests(ctx context.Context, sc *stepContext, res *models.RecoveryPhaseResult) error {
	return d.runCommand(ctx, sc, res, sc.desc.TestCommand, "test run")
}

// backupAndReset archives the module's recoverable files, wipes the
// module directory, and recreates the full canonical structure.
func (d *Dispatcher) backupAndReset(ctx context.Context, sc *stepContext, res *models.RecoveryPhaseResult) error {
	desc := sc.desc

	if sc.dryRun {
		planned := 3 + len(desc.RequiredFiles) + len(desc.ServiceConfigs)
		res.TasksExecuted = planned
		res.TasksSkipped = planned
		res.Logs = append(res.Logs, "dry-run: would back up, wipe, and recreate the module from defaults")
		return nil
	}

	rels := []string{registry.ManifestPath}
	for _, rf := range desc.RequiredFiles {
		if rf.Path != registry.ManifestPath {
			rels = append(rels, rf.Path)
		}
	}
	rels = append(rels, desc.ServiceConfigs...)

	res.TasksExecuted++
	snap, err := d.ws.BackupModule(ctx, desc.ID, rels)
	if err != nil {
		res.TasksFailed++
		return fmt.Errorf("backup before reset: %w", err)
	}
	res.TasksSuccessful++
	sc.snapshot = snap
	res.Artifacts = append(res.Artifacts, string(desc.ID)+".tar.gz")
	res.Logs = append(res.Logs, fmt.Sprintf("backed up %d files (checksum %s)", len(snap.Files), snap.Checksum))

	res.TasksExecuted++
	if err := d.ws.RemoveModule(desc.ID); err != nil {
		res.TasksFailed++
		return fmt.Errorf("wipe module: %w", err)
	}
	res.TasksSuccessful++

	res.TasksExecuted++
	if err := d.ws.WriteManifest(desc.ID, freshManifest(desc)); err != nil {
		res.TasksFailed++
		return err
	}
	res.TasksSuccessful++

	for _, rf := range desc.RequiredFiles {
		if rf.Path == registry.ManifestPath {
			continue
		}
		res.TasksExecuted++
		if err := d.ws.WriteFile(desc.ID, rf.Path, []byte(desc.DefaultContent(rf.Path))); err != nil {
			res.TasksFailed++
			return err
		}
		res.TasksSuccessful++
	}
	for _, cfg := range desc.ServiceConfigs {
		res.TasksExecuted++
		if err := d.ws.WriteFile(desc.ID, cfg, []byte(desc.DefaultServiceConfig(cfg))); err != nil {
			res.TasksFailed++
			return err
		}
		res.TasksSuccessful++
	}
	res.Logs = append(res.Logs, "module recreated from canonical defaults")
	return nil
}

// restoreConfiguration merges the reset backup back on top of the
// recreated defaults: backed-up service configuration files are written
// back verbatim, and the dependency list is unioned into the fresh
// manifest so dependencies added after the canonical defaults survive a
// reset. Dependencies are reinstalled at the end.
func (d *Dispatcher) restoreConfiguration(ctx context.Context, sc *stepContext, res *models.RecoveryPhaseResult) error {
	desc := sc.desc

	if sc.dryRun {
		res.TasksExecuted = 1
		res.TasksSkipped = 1
		res.Logs = append(res.Logs, "dry-run: would merge backed-up configuration into the new module and reinstall")
		return nil
	}

	snap := sc.snapshot
	if snap == nil {
		loaded, err := d.ws.LoadBackup(ctx, desc.ID)
		if err != nil {
			res.TasksExecuted++
			res.TasksFailed++
			res.Logs = append(res.Logs, fmt.Sprintf("backup merge failed: %v", err))
			return err
		}
		snap = loaded
	}
	if snap == nil || len(snap.Files[registry.ManifestPath]) == 0 {
		res.TasksExecuted++
		res.TasksSkipped++
		res.Logs = append(res.Logs, "no backed-up manifest, nothing to merge")
		return d.runCommand(ctx, sc, res, desc.InstallCommand, "dependency install")
	}

	res.TasksExecuted++
	old, err := workspace.ParseManifest(snap.Files[registry.ManifestPath])
	if err != nil {
		res.TasksFailed++
		res.Logs = append(res.Logs, fmt.Sprintf("backup merge failed: %v", err))
		return fmt.Errorf("parse backed-up manifest: %w", err)
	}

	manifest, err := d.ws.ReadManifest(desc.ID)
	if err != nil {
		res.TasksFailed++
		res.Logs = append(res.Logs, fmt.Sprintf("backup merge failed: %v", err))
		return err
	}
	manifest.MergeDependencies(old.Dependencies)
	if err := d.ws.WriteManifest(desc.ID, manifest); err != nil {
		res.TasksFailed++
		return err
	}
	res.TasksSuccessful++
	res.Artifacts = append(res.Artifacts, registry.ManifestPath)
	res.Logs = append(res.Logs, fmt.Sprintf("merged %d backed-up dependencies", len(old.Dependencies)))

	for _, cfg := range desc.ServiceConfigs {
		data, ok := snap.Files[cfg]
		if !ok || len(data) == 0 {
			continue
		}
		res.TasksExecuted++
		if err := d.ws.WriteFile(desc.ID, cfg, data); err != nil {
			res.TasksFailed++
			return err
		}
		res.TasksSuccessful++
		res.Artifacts = append(res.Artifacts, cfg)
		res.Logs = append(res.Logs, fmt.Sprintf("restored backed-up service configuration %s", cfg))
	}

	return d.runCommand(ctx, sc, res, desc.InstallCommand, "dependency install")
}

// runCommand executes an optional toolchain command inside the module
// directory and folds the outcome into the step result.
func (d *Dispatcher) runCommand(ctx context.Context, sc *stepContext, res *models.RecoveryPhaseResult, command []string, label string) error {
	if len(command) == 0 {
		return nil
	}

	if sc.dryRun {
		res.TasksExecuted++
		res.TasksSkipped++
		res.Logs = append(res.Logs, fmt.Sprintf("dry-run: would run %s: %s", label, strings.Join(command, " ")))
		return nil
	}

	res.TasksExecuted++
	out, err := d.runner.Run(ctx, d.ws.ModuleDir(sc.desc.ID), command[0], command[1:]...)
	if err != nil {
		res.TasksFailed++
		return fmt.Errorf("%s: %w", label, err)
	}
	if out.ExitCode != 0 {
		res.TasksFailed++
		res.Logs = append(res.Logs, outputTail(out.Output))
		return fmt.Errorf("%s: exit %d", label, out.ExitCode)
	}
	res.TasksSuccessful++
	res.Logs = append(res.Logs, fmt.Sprintf("%s succeeded in %s", label, out.Duration.Round(10*time.Millisecond)))
	return nil
}

func freshManifest(desc *registry.Descriptor) *workspace.Manifest {
	return &workspace.Manifest{
		Name:         string(desc.ID),
		Version:      "1.0.0",
		Dependencies: append([]string(nil), desc.RequiredDeps...),
	}
}

// outputTail keeps only the end of a command's combined output for logs.
func outputTail(out string) string {
	const max = 400
	out = strings.TrimSpace(out)
	if len(out) > max {
		out = "..." + out[len(out)-max:]
	}
	return out
}
