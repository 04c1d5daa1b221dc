package refd

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
)

// Runner executes external conversion commands. The builder and locator
// depend on this narrow surface so tests can stand in for pandoc.
type Runner interface {
	// Run executes path with args and returns captured stdout and stderr.
	// extraPath, when non-empty, is prepended to the subprocess PATH.
	Run(ctx context.Context, path string, args []string, extraPath string) (stdout, stderr string, err error)
}

// ExecRunner runs commands through os/exec, honouring context cancellation.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, path string, args []string, extraPath string) (string, string, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	if extraPath != "" {
		cmd.Env = prependPath(os.Environ(), extraPath)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// prependPath puts dir in front of the PATH entry of env, adding one when the
// environment has none.
func prependPath(env []string, dir string) []string {
	const key = "PATH="
	for i, kv := range env {
		if strings.HasPrefix(kv, key) {
			env[i] = key + dir + string(os.PathListSeparator) + kv[len(key):]
			return env
		}
	}
	return append(env, key+dir)
}
