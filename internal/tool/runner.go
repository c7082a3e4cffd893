package tool

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/sourcecheck-ai/sourcecheck/internal/logging"
)

// RunnerConfig holds the shared configuration for the exec-based runners.
type RunnerConfig struct {
	// TempDir is where per-invocation scratch files are created.
	// Defaults to the system temp directory.
	TempDir string
	// Flake8Config is an optional flake8 config file path.
	Flake8Config string
	// Flake8MaxLineLength is used when no config file is set.
	Flake8MaxLineLength int
	// BlackLineLength is the default line length for black.
	BlackLineLength int
	// BlackSkipStringNormalization passes --skip-string-normalization.
	BlackSkipStringNormalization bool
	// BlackTargetVersion is black's --target-version.
	BlackTargetVersion string
	// BanditConfig is an optional bandit config file path.
	BanditConfig string
}

// DefaultRunnerConfig returns the defaults the original deployment used.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Flake8MaxLineLength: 100,
		BlackLineLength:     88,
		BlackTargetVersion:  "py39",
	}
}

// withTempFile writes source text to a freshly created scratch file, runs fn
// against it, and removes the file and its directory before returning. The
// directory is private to the invocation so analysis output never references
// another request's code.
func withTempFile(cfg RunnerConfig, code, filename string, fn func(path string) error) error {
	base := cfg.TempDir
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0o700); err != nil {
		return err
	}

	dir, err := os.MkdirTemp(base, "sourcecheck-")
	if err != nil {
		return err
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			logging.Warn().Err(rmErr).Str("dir", dir).Msg("failed to clean up scratch dir")
		}
	}()

	if filename == "" {
		filename = "snippet.py"
	}
	path := filepath.Join(dir, filepath.Base(filename))
	if err := os.WriteFile(path, []byte(code), 0o600); err != nil {
		return err
	}

	return fn(path)
}

// commandResult captures the output of one tool process.
type commandResult struct {
	stdout   string
	stderr   string
	exitCode int
}

// runCommand executes a tool process under the caller's context. A deadline
// hit is reported as ErrToolTimeout; a non-zero exit is not an error here
// because linters exit non-zero when they find issues.
func runCommand(ctx context.Context, name string, args ...string) (*commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, ErrToolTimeout
	}

	res := &commandResult{
		stdout:   stdout.String(),
		stderr:   stderr.String(),
		exitCode: 0,
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.exitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, err
	}
	return res, nil
}

// fileExists reports whether a config path is usable.
func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
