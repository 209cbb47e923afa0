package workspace

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// RunResult is the outcome of one toolchain invocation.
type RunResult struct {
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`
}

// CommandRunner is the injected capability for shelling out to a module's
// build/test/install tooling. The engine never invokes a toolchain inline
// with scoring or recovery logic; commands come from module descriptors and
// run through this interface. In tests a fake runner is substituted.
type CommandRunner interface {
	Run(ctx context.Context, dir string, name string, args ...string) (RunResult, error)
}

// ExecRunner runs commands through os/exec, honoring context cancellation
// and deadlines.
type ExecRunner struct{}

// Run executes name with args in dir and captures combined output.
// A non-zero exit status is reported in the result, not as an error;
// errors are reserved for failures to run the command at all.
func (ExecRunner) Run(ctx context.Context, dir string, name string, args ...string) (RunResult, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()

	result := RunResult{
		Output:   string(output),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			result.ExitCode = -1
			return result, ctxErr
		}
		result.ExitCode = -1
		return result, fmt.Errorf("runner: run %s: %w", name, err)
	}

	return result, nil
}
