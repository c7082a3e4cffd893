package tool

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sourcecheck-ai/sourcecheck/internal/logging"
)

// Black formats Python source with the black CLI. It supports two
// operations: "format" rewrites the code, "check" reports whether the code
// already conforms and includes black's diff when it does not.
type Black struct {
	cfg RunnerConfig
	log zerolog.Logger
}

// NewBlack creates the black capability.
func NewBlack(cfg RunnerConfig) *Black {
	return &Black{cfg: cfg, log: logging.Component("black")}
}

// Descriptor implements Capability.
func (b *Black) Descriptor() Descriptor {
	return Descriptor{
		Name:         "black",
		Description:  "Python code formatter that enforces a consistent style",
		Version:      "23.0.0",
		Capabilities: []string{"formatting", "style-enforcement"},
	}
}

// Validate implements Capability.
func (b *Black) Validate(args Args) error {
	if _, ok := args.Code(); !ok {
		return &ValidationError{Tool: "black", Reason: "code argument is required"}
	}
	if op, ok := args.String("operation"); ok && op != "format" && op != "check" {
		return &ValidationError{Tool: "black", Reason: "operation must be \"format\" or \"check\""}
	}
	return nil
}

// FormatResult is the payload for the format operation.
type FormatResult struct {
	FormattedCode    string         `json:"formatted_code"`
	Success          bool           `json:"success"`
	AlreadyFormatted bool           `json:"already_formatted"`
	Filename         string         `json:"filename"`
	Summary          map[string]any `json:"summary"`
}

// CheckResult is the payload for the check operation.
type CheckResult struct {
	IsFormatted bool           `json:"is_formatted"`
	Diff        string         `json:"diff,omitempty"`
	Filename    string         `json:"filename"`
	Summary     map[string]any `json:"summary"`
}

// Execute implements Capability.
func (b *Black) Execute(ctx context.Context, args Args) (any, error) {
	code, _ := args.Code()
	filename, _ := args.String("filename")
	if filename == "" {
		filename = "snippet.py"
	}

	operation, ok := args.String("operation")
	if !ok {
		operation = "format"
	}

	lineLength := b.cfg.BlackLineLength
	if n, ok := args.Int("line_length"); ok && n > 0 {
		lineLength = n
	}
	skipStringNorm := b.cfg.BlackSkipStringNormalization
	if v, ok := args.Bool("skip_string_normalization"); ok {
		skipStringNorm = v
	}

	summary := map[string]any{
		"line_length":               lineLength,
		"skip_string_normalization": skipStringNorm,
	}

	var result any
	err := withTempFile(b.cfg, code, filename, func(path string) error {
		switch operation {
		case "check":
			res, err := b.run(ctx, path, lineLength, skipStringNorm, true)
			if err != nil {
				return err
			}
			diff := strings.TrimSpace(res.stdout)
			result = &CheckResult{
				IsFormatted: res.exitCode == 0,
				Diff:        diff,
				Filename:    filename,
				Summary:     summary,
			}
			return nil
		default:
			res, err := b.run(ctx, path, lineLength, skipStringNorm, false)
			if err != nil {
				return err
			}
			if res.exitCode != 0 {
				detail := strings.TrimSpace(res.stderr)
				if detail == "" {
					detail = strings.TrimSpace(res.stdout)
				}
				return &ExecutionError{Tool: "black", Reason: "format-failed", Detail: detail}
			}
			formatted, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			result = &FormatResult{
				FormattedCode:    string(formatted),
				Success:          true,
				AlreadyFormatted: string(formatted) == code,
				Filename:         filename,
				Summary:          summary,
			}
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	b.log.Debug().Str("operation", operation).Msg("black run complete")
	return result, nil
}

// run invokes black against a scratch file. In check mode the file is left
// untouched and the diff is captured from stdout.
func (b *Black) run(ctx context.Context, path string, lineLength int, skipStringNorm, checkOnly bool) (*commandResult, error) {
	cmd := []string{"--line-length", strconv.Itoa(lineLength)}
	if skipStringNorm {
		cmd = append(cmd, "--skip-string-normalization")
	}
	if b.cfg.BlackTargetVersion != "" {
		cmd = append(cmd, "--target-version", b.cfg.BlackTargetVersion)
	}
	if checkOnly {
		cmd = append(cmd, "--check", "--diff")
	}
	cmd = append(cmd, path)

	res, err := runCommand(ctx, "black", cmd...)
	if err != nil {
		return nil, err
	}
	// black exits 1 in check mode when the file would be reformatted and
	// 123 on an internal error.
	if res.exitCode > 1 {
		return nil, &ExecutionError{Tool: "black", Reason: "nonzero-exit", Detail: strings.TrimSpace(res.stderr)}
	}
	return res, nil
}
