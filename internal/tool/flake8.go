package tool

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sourcecheck-ai/sourcecheck/internal/logging"
)

// Flake8 lints Python source with the flake8 CLI and normalizes its plain
// "file:line:col: CODE message" output into findings.
type Flake8 struct {
	cfg RunnerConfig
	log zerolog.Logger
}

// NewFlake8 creates the flake8 capability.
func NewFlake8(cfg RunnerConfig) *Flake8 {
	return &Flake8{cfg: cfg, log: logging.Component("flake8")}
}

// Descriptor implements Capability.
func (f *Flake8) Descriptor() Descriptor {
	return Descriptor{
		Name:         "flake8",
		Description:  "Python code linter that checks for style and syntax errors",
		Version:      "6.0.0",
		Capabilities: []string{"linting", "style-checking"},
	}
}

// Validate implements Capability.
func (f *Flake8) Validate(args Args) error {
	if _, ok := args.Code(); !ok {
		return &ValidationError{Tool: "flake8", Reason: "code argument is required"}
	}
	return nil
}

// Execute implements Capability.
func (f *Flake8) Execute(ctx context.Context, args Args) (any, error) {
	code, _ := args.Code()
	filename, _ := args.String("filename")

	var result *AnalysisResult
	err := withTempFile(f.cfg, code, filename, func(path string) error {
		cmd := []string{path}
		if fileExists(f.cfg.Flake8Config) {
			cmd = append(cmd, "--config", f.cfg.Flake8Config)
		} else if f.cfg.Flake8MaxLineLength > 0 {
			cmd = append(cmd, "--max-line-length", strconv.Itoa(f.cfg.Flake8MaxLineLength))
		}

		res, err := runCommand(ctx, "flake8", cmd...)
		if err != nil {
			return err
		}
		// flake8 exits 1 when it reports issues; anything above that is a
		// genuine failure.
		if res.exitCode > 1 {
			return &ExecutionError{Tool: "flake8", Reason: "nonzero-exit", Detail: strings.TrimSpace(res.stderr)}
		}

		issues := parseFlake8Output(res.stdout)
		f.log.Debug().Int("issues", len(issues)).Msg("flake8 analysis complete")
		result = &AnalysisResult{
			Issues: issues,
			Summary: map[string]any{
				"totalIssues":   len(issues),
				"filesAnalyzed": 1,
			},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// parseFlake8Output parses flake8's default line-oriented output. Lines that
// do not match the expected shape are skipped.
func parseFlake8Output(output string) []Finding {
	findings := []Finding{}
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line == "" {
			continue
		}
		// file:line:column: CODE message
		parts := strings.SplitN(line, ":", 4)
		if len(parts) < 4 {
			continue
		}
		lineNum, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		colNum, err := strconv.Atoi(parts[2])
		if err != nil {
			continue
		}
		codeMsg := strings.SplitN(strings.TrimSpace(parts[3]), " ", 2)
		if len(codeMsg) < 2 {
			continue
		}
		findings = append(findings, Finding{
			File:    filepath.Base(parts[0]),
			Line:    lineNum,
			Column:  colNum,
			Code:    codeMsg[0],
			Message: codeMsg[1],
		})
	}
	return findings
}
