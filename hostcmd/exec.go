// Package hostcmd implements interfaces.CommandRunner on top of os/exec for
// running external tools on the host, plus a scriptable mock for tests.
package hostcmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// ExecRunner runs commands on the local host.
type ExecRunner struct {
	log *slog.Logger
}

// NewExecRunner creates a runner that logs each invocation at debug level.
func NewExecRunner(log *slog.Logger) *ExecRunner {
	return &ExecRunner{log: log}
}

// Run executes name with args and returns combined stdout/stderr.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return r.RunWithInput(ctx, "", name, args...)
}

// RunWithInput executes name with args, feeding input to stdin when non-empty.
func (r *ExecRunner) RunWithInput(ctx context.Context, input string, name string, args ...string) ([]byte, error) {
	r.log.Debug("Running command", "cmd", name, "args", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, name, args...)
	if input != "" {
		cmd.Stdin = strings.NewReader(input)
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

// LookPath reports whether the named tool is present on PATH.
func LookPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
