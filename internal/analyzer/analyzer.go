// Package analyzer implements health assessment for workspace modules.
//
// The analyzer inspects one module (or the whole workspace) and produces a
// 0-100 health score plus the issues behind it and deterministic
// remediation recommendations. It is strictly read-only: module state is
// mutated only by the recovery dispatcher and the phase scheduler. At
// comprehensive depth the analyzer shells the module's compile, build, and
// test commands through the injected runner; at basic depth only
// structural presence is checked.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/medic/internal/registry"
	"github.com/bigdegenenergy/open-cloud-ops/medic/internal/workspace"
	"github.com/bigdegenenergy/open-cloud-ops/medic/pkg/models"
)

// Score penalties. The relative weighting matters more than the constants:
// a missing module directory is catastrophic, structural gaps are small,
// toolchain failures sit in between.
const (
	penaltyMissingDirectory  = 50
	penaltyMissingDependency = 3
	penaltyMissingConfig     = 3
	penaltyInvalidConfig     = 12
	penaltyCompileFailure    = 20
	penaltyBuildFailure      = 15
	penaltyTestFailure       = 10
)

// Recommendation text, derived deterministically from issue categories.
const (
	recommendReset        = "run a full reset to restore the module from canonical defaults"
	recommendRepairDeps   = "repair dependencies and configuration, then rebuild"
	recommendRebuild      = "rebuild the module structure from templates"
	recommendRepairConfig = "repair service configuration files"
)

// Analyzer assesses module and workspace health.
type Analyzer struct {
	ws     *workspace.Workspace
	runner workspace.CommandRunner
}

// New creates an Analyzer over the given workspace and command runner.
func New(ws *workspace.Workspace, runner workspace.CommandRunner) *Analyzer {
	return &Analyzer{ws: ws, runner: runner}
}

// ValidateModule validates a single module at the given depth and returns
// the scored result. Fails only for unknown module ids; all assessment
// findings are encoded in the result.
func (a *Analyzer) ValidateModule(ctx context.Context, id models.ModuleID, depth models.AnalysisDepth) (*models.ValidationResult, error) {
	desc, err := registry.Get(id)
	if err != nil {
		return nil, err
	}
	if depth == "" {
		depth = models.DepthBasic
	}

	result := &models.ValidationResult{
		ModuleID:    id,
		HealthScore: 100,
	}

	// A missing module directory is catastrophic and short-circuits the
	// remaining checks: nothing below it is meaningful.
	if !a.ws.ModuleExists(id) {
		result.HealthScore -= penaltyMissingDirectory
		result.Issues = append(result.Issues, fmt.Sprintf("module directory does not exist: %s", a.ws.ModuleDir(id)))
		a.finish(result)
		return result, nil
	}

	for _, rf := range desc.RequiredFiles {
		if !a.ws.FileExists(id, rf.Path) {
			result.HealthScore -= rf.Weight
			result.Issues = append(result.Issues, fmt.Sprintf("required file missing: %s", rf.Path))
		}
	}

	if depth == models.DepthDetailed || depth == models.DepthComprehensive {
		a.checkManifest(desc, result)
		a.checkServiceConfigs(desc, result)
	}

	if depth == models.DepthComprehensive {
		a.checkToolchain(ctx, desc, result)
	}

	a.finish(result)
	return result, nil
}

// AnalyzeModule validates a module and derives its ModuleState. The
// returned state is a fresh assessment; writing it into the shared
// registry is the scheduler's responsibility.
func (a *Analyzer) AnalyzeModule(ctx context.Context, id models.ModuleID, depth models.AnalysisDepth) (models.ModuleState, *models.ValidationResult, error) {
	desc, err := registry.Get(id)
	if err != nil {
		return models.ModuleState{}, nil, err
	}

	result, err := a.ValidateModule(ctx, id, depth)
	if err != nil {
		return models.ModuleState{}, nil, err
	}

	now := time.Now().UTC()
	state := models.ModuleState{
		ModuleID:         id,
		Layer:            desc.Layer,
		Status:           models.StatusForScore(result.HealthScore),
		BuildStatus:      models.BuildStatusNotStarted,
		TestStatus:       models.TestStatusNotStarted,
		DependencyHealth: models.DependencyHealthResolved,
		HealthScore:      result.HealthScore,
		LastModified:     now,
	}
	if len(desc.TestCommand) == 0 {
		state.TestStatus = models.TestStatusNotConfigured
	}

	for _, issue := range result.Issues {
		switch {
		case strings.Contains(issue, "directory does not exist"),
			strings.Contains(issue, "compilation failed"),
			strings.Contains(issue, "build failed"),
			strings.Contains(issue, "unparseable"):
			state.ErrorCount++
		default:
			state.WarningCount++
		}
		if strings.Contains(issue, "dependency") && strings.Contains(issue, "not declared") {
			state.DependencyHealth = models.DependencyHealthMissing
		}
	}

	if depth == models.DepthComprehensive && a.ws.ModuleExists(id) {
		state.BuildStatus = models.BuildStatusSuccess
		state.LastBuildTime = &now
		for _, issue := range result.Issues {
			if strings.Contains(issue, "compilation failed") || strings.Contains(issue, "build failed") {
				state.BuildStatus = models.BuildStatusFailed
			}
		}
		if len(desc.TestCommand) > 0 {
			state.TestStatus = models.TestStatusPassing
			state.LastTestRun = &now
			for _, issue := range result.Issues {
				if strings.Contains(issue, "tests failed") {
					state.TestStatus = models.TestStatusFailing
				}
			}
		}
	}

	return state, result, nil
}

// AnalyzeWorkspace assesses every module and aggregates the results.
func (a *Analyzer) AnalyzeWorkspace(ctx context.Context, opts models.AnalyzeOptions) (*models.WorkspaceHealth, error) {
	if opts.AnalysisDepth == "" {
		opts.AnalysisDepth = models.DepthBasic
	}

	health := &models.WorkspaceHealth{
		GeneratedAt:       time.Now().UTC(),
		Modules:           make(map[models.ModuleID]models.ModuleState),
		RecoveryReadiness: true,
	}

	type layerAgg struct {
		modules int
		total   int
	}
	layerTotals := make(map[int]*layerAgg)
	weightedSum := 0
	weightTotal := 0

	for _, desc := range registry.All() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		st, result, err := a.AnalyzeModule(ctx, desc.ID, opts.AnalysisDepth)
		if err != nil {
			return nil, err
		}
		health.Modules[desc.ID] = st

		health.Summary.Total++
		switch st.Status {
		case models.ModuleStatusHealthy:
			health.Summary.Healthy++
		case models.ModuleStatusWarning:
			health.Summary.Warning++
		case models.ModuleStatusCritical:
			health.Summary.Critical++
		case models.ModuleStatusFailed:
			health.Summary.Failed++
		case models.ModuleStatusRecovering:
			health.Summary.Recovering++
		default:
			health.Summary.Unknown++
		}

		// Core layers weigh more in the overall score: everything above
		// them inherits their breakage.
		weight := 3 - desc.Layer
		weightedSum += st.HealthScore * weight
		weightTotal += weight

		agg, ok := layerTotals[desc.Layer]
		if !ok {
			agg = &layerAgg{}
			layerTotals[desc.Layer] = agg
		}
		agg.modules++
		agg.total += st.HealthScore

		missingDir := false
		for _, issue := range result.Issues {
			if strings.Contains(issue, "directory does not exist") {
				missingDir = true
			}
		}
		if desc.Layer == 0 && (missingDir || st.Status == models.ModuleStatusCritical || st.Status == models.ModuleStatusFailed) {
			health.RecoveryReadiness = false
			blocker := fmt.Sprintf("core module %s is %s", desc.ID, st.Status)
			if opts.IncludeErrorDetails && len(result.Issues) > 0 {
				blocker = fmt.Sprintf("%s: %s", blocker, strings.Join(result.Issues, "; "))
			}
			health.Blockers = append(health.Blockers, blocker)
		}
	}

	if opts.IncludeHealthMetrics && weightTotal > 0 {
		health.OverallHealthScore = models.ClampScore(weightedSum / weightTotal)
		layers := make([]int, 0, len(layerTotals))
		for l := range layerTotals {
			layers = append(layers, l)
		}
		sort.Ints(layers)
		for _, l := range layers {
			agg := layerTotals[l]
			health.Layers = append(health.Layers, models.LayerHealth{
				Layer:       l,
				Modules:     agg.modules,
				HealthScore: models.ClampScore(agg.total / agg.modules),
			})
		}
	}

	if opts.IncludeDependencyGraph {
		health.DependencyGraph = BuildDependencyGraph()
		if health.DependencyGraph.Circular {
			health.RecoveryReadiness = false
			health.Blockers = append(health.Blockers, "dependency graph contains a cycle")
			for id, st := range health.Modules {
				if inAnyCycle(id, health.DependencyGraph.Cycles) {
					st.DependencyHealth = models.DependencyHealthCircular
					health.Modules[id] = st
				}
			}
		}
	}

	log.Printf("analyzer: workspace assessment complete: %d modules, %d healthy, %d blockers",
		health.Summary.Total, health.Summary.Healthy, len(health.Blockers))
	return health, nil
}

// checkManifest parses the module manifest and verifies required
// dependency declarations.
func (a *Analyzer) checkManifest(desc *registry.Descriptor, result *models.ValidationResult) {
	if !a.ws.FileExists(desc.ID, registry.ManifestPath) {
		return // already penalized as a missing required file
	}
	manifest, err := a.ws.ReadManifest(desc.ID)
	if err != nil {
		result.HealthScore -= penaltyInvalidConfig
		result.Issues = append(result.Issues, fmt.Sprintf("manifest is unparseable: %v", err))
		return
	}

	declared := make(map[string]bool, len(manifest.Dependencies))
	for _, d := range manifest.Dependencies {
		declared[d] = true
	}
	for _, dep := range desc.RequiredDeps {
		if !declared[dep] {
			result.HealthScore -= penaltyMissingDependency
			result.Issues = append(result.Issues, fmt.Sprintf("required dependency %q is not declared", dep))
		}
	}
}

// checkServiceConfigs verifies presence and parseability of auxiliary
// service configuration files.
func (a *Analyzer) checkServiceConfigs(desc *registry.Descriptor, result *models.ValidationResult) {
	for _, cfg := range desc.ServiceConfigs {
		if !a.ws.FileExists(desc.ID, cfg) {
			result.HealthScore -= penaltyMissingConfig
			result.Issues = append(result.Issues, fmt.Sprintf("service configuration missing: %s", cfg))
			continue
		}
		data, err := a.ws.ReadFile(desc.ID, cfg)
		if err != nil {
			result.HealthScore -= penaltyInvalidConfig
			result.Issues = append(result.Issues, fmt.Sprintf("service configuration unreadable: %s", cfg))
			continue
		}
		if !isValidJSON(data) {
			result.HealthScore -= penaltyInvalidConfig
			result.Issues = append(result.Issues, fmt.Sprintf("service configuration unparseable: %s", cfg))
		}
	}
}

// checkToolchain re-runs compile, build, and (if configured) tests.
func (a *Analyzer) checkToolchain(ctx context.Context, desc *registry.Descriptor, result *models.ValidationResult) {
	dir := a.ws.ModuleDir(desc.ID)

	if res, err := a.run(ctx, dir, desc.CompileCommand); err != nil {
		result.HealthScore -= penaltyCompileFailure
		result.Issues = append(result.Issues, fmt.Sprintf("compilation failed: %v", err))
	} else if res.ExitCode != 0 {
		result.HealthScore -= penaltyCompileFailure
		result.Issues = append(result.Issues, fmt.Sprintf("compilation failed: exit %d", res.ExitCode))
	}

	if res, err := a.run(ctx, dir, desc.BuildCommand); err != nil {
		result.HealthScore -= penaltyBuildFailure
		result.Issues = append(result.Issues, fmt.Sprintf("build failed: %v", err))
	} else if res.ExitCode != 0 {
		result.HealthScore -= penaltyBuildFailure
		result.Issues = append(result.Issues, fmt.Sprintf("build failed: exit %d", res.ExitCode))
	}

	if len(desc.TestCommand) > 0 {
		if res, err := a.run(ctx, dir, desc.TestCommand); err != nil {
			result.HealthScore -= penaltyTestFailure
			result.Issues = append(result.Issues, fmt.Sprintf("tests failed: %v", err))
		} else if res.ExitCode != 0 {
			result.HealthScore -= penaltyTestFailure
			result.Issues = append(result.Issues, fmt.Sprintf("tests failed: exit %d", res.ExitCode))
		}
	}
}

func (a *Analyzer) run(ctx context.Context, dir string, command []string) (workspace.RunResult, error) {
	if len(command) == 0 {
		return workspace.RunResult{}, nil
	}
	return a.runner.Run(ctx, dir, command[0], command[1:]...)
}

// finish clamps the score, sets validity, and derives recommendations.
func (a *Analyzer) finish(result *models.ValidationResult) {
	result.HealthScore = models.ClampScore(result.HealthScore)
	result.IsValid = len(result.Issues) == 0
	result.Recommendations = Recommendations(result.Issues)
}

// Recommendations maps issue categories to remediation advice. The mapping
// is deterministic: the same issues always yield the same advice.
func Recommendations(issues []string) []string {
	var recs []string
	seen := make(map[string]bool)
	add := func(r string) {
		if !seen[r] {
			recs = append(recs, r)
			seen[r] = true
		}
	}

	for _, issue := range issues {
		switch {
		case strings.Contains(issue, "directory does not exist"):
			add(recommendReset)
		case strings.Contains(issue, "compilation failed"), strings.Contains(issue, "build failed"):
			add(recommendRepairDeps)
		case strings.Contains(issue, "required file missing"):
			add(recommendRebuild)
		case strings.Contains(issue, "not declared"), strings.Contains(issue, "unparseable"),
			strings.Contains(issue, "configuration missing"), strings.Contains(issue, "unreadable"):
			add(recommendRepairConfig)
		}
	}
	return recs
}

// BuildDependencyGraph constructs the cross-module dependency graph from
// the descriptor catalogue and flags circularity.
func BuildDependencyGraph() *models.DependencyGraph {
	graph := &models.DependencyGraph{}

	edges := make(map[models.ModuleID][]models.ModuleID)
	for _, d := range registry.All() {
		graph.Nodes = append(graph.Nodes, d.ID)
		for _, dep := range d.DependsOn {
			graph.Edges = append(graph.Edges, models.DependencyEdge{From: d.ID, To: dep})
			edges[d.ID] = append(edges[d.ID], dep)
		}
	}

	// Depth-first cycle detection with a three-color marking.
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[models.ModuleID]int)
	var stack []models.ModuleID

	var visit func(id models.ModuleID)
	visit = func(id models.ModuleID) {
		color[id] = grey
		stack = append(stack, id)
		for _, next := range edges[id] {
			switch color[next] {
			case white:
				visit(next)
			case grey:
				// Found a back edge; extract the cycle from the stack.
				var cycle []models.ModuleID
				for i := len(stack) - 1; i >= 0; i-- {
					cycle = append([]models.ModuleID{stack[i]}, cycle...)
					if stack[i] == next {
						break
					}
				}
				graph.Circular = true
				graph.Cycles = append(graph.Cycles, cycle)
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, id := range graph.Nodes {
		if color[id] == white {
			visit(id)
		}
	}
	return graph
}

func inAnyCycle(id models.ModuleID, cycles [][]models.ModuleID) bool {
	for _, cycle := range cycles {
		for _, member := range cycle {
			if member == id {
				return true
			}
		}
	}
	return false
}

func isValidJSON(data []byte) bool {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return false
	}
	var js any
	return json.Unmarshal([]byte(trimmed), &js) == nil
}
