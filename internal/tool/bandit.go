package tool

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sourcecheck-ai/sourcecheck/internal/logging"
)

// Bandit scans Python source for security issues using the bandit CLI with
// JSON output.
type Bandit struct {
	cfg RunnerConfig
	log zerolog.Logger
}

// NewBandit creates the bandit capability.
func NewBandit(cfg RunnerConfig) *Bandit {
	return &Bandit{cfg: cfg, log: logging.Component("bandit")}
}

// Descriptor implements Capability.
func (b *Bandit) Descriptor() Descriptor {
	return Descriptor{
		Name:         "bandit",
		Description:  "Python security analysis that finds common security issues",
		Version:      "1.7.0",
		Capabilities: []string{"security", "vulnerability-detection"},
	}
}

var banditLevels = map[string]bool{"low": true, "medium": true, "high": true, "all": true}

// Validate implements Capability.
func (b *Bandit) Validate(args Args) error {
	if _, ok := args.Code(); !ok {
		return &ValidationError{Tool: "bandit", Reason: "code argument is required"}
	}
	for _, key := range []string{"severity", "confidence"} {
		if v, ok := args.String(key); ok && v != "" && !banditLevels[normalizeLevel(v)] {
			return &ValidationError{Tool: "bandit", Reason: key + " must be one of low, medium, high, all"}
		}
	}
	return nil
}

// normalizeLevel collapses comma-separated multi-level filters to "all", the
// closest thing bandit's single-level flags support.
func normalizeLevel(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if strings.Contains(v, ",") {
		return "all"
	}
	return v
}

// banditReport is the subset of bandit's JSON output we consume.
type banditReport struct {
	Results []struct {
		Filename        string `json:"filename"`
		LineNumber      int    `json:"line_number"`
		TestID          string `json:"test_id"`
		IssueSeverity   string `json:"issue_severity"`
		IssueConfidence string `json:"issue_confidence"`
		IssueText       string `json:"issue_text"`
	} `json:"results"`
}

// Execute implements Capability.
func (b *Bandit) Execute(ctx context.Context, args Args) (any, error) {
	code, _ := args.Code()
	filename, _ := args.String("filename")

	severity := "all"
	if v, ok := args.String("severity"); ok && v != "" {
		severity = normalizeLevel(v)
	}
	confidence := "all"
	if v, ok := args.String("confidence"); ok && v != "" {
		confidence = normalizeLevel(v)
	}

	var result *AnalysisResult
	err := withTempFile(b.cfg, code, filename, func(path string) error {
		cmd := []string{"-f", "json"}
		if fileExists(b.cfg.BanditConfig) {
			cmd = append(cmd, "-c", b.cfg.BanditConfig)
		}
		cmd = append(cmd, "--severity-level="+severity, "--confidence-level="+confidence, path)

		res, err := runCommand(ctx, "bandit", cmd...)
		if err != nil {
			return err
		}
		// bandit exits 1 when issues are found; 2 means it could not run.
		if res.exitCode > 1 {
			return &ExecutionError{Tool: "bandit", Reason: "nonzero-exit", Detail: strings.TrimSpace(res.stderr)}
		}

		issues, err := parseBanditOutput(res.stdout)
		if err != nil {
			return &ExecutionError{Tool: "bandit", Reason: "unparseable-output", Detail: err.Error()}
		}

		counts := map[string]int{"HIGH": 0, "MEDIUM": 0, "LOW": 0}
		for _, issue := range issues {
			counts[issue.Severity]++
		}
		b.log.Debug().Int("issues", len(issues)).Msg("bandit analysis complete")
		result = &AnalysisResult{
			Issues: issues,
			Summary: map[string]any{
				"totalIssues":    len(issues),
				"severityCounts": counts,
			},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// parseBanditOutput decodes bandit's JSON report into findings.
func parseBanditOutput(output string) ([]Finding, error) {
	output = strings.TrimSpace(output)
	if output == "" {
		return []Finding{}, nil
	}

	var report banditReport
	if err := json.Unmarshal([]byte(output), &report); err != nil {
		return nil, err
	}

	findings := make([]Finding, 0, len(report.Results))
	for _, r := range report.Results {
		findings = append(findings, Finding{
			File:       filepath.Base(r.Filename),
			Line:       r.LineNumber,
			Code:       r.TestID,
			Message:    r.IssueText,
			Severity:   strings.ToUpper(r.IssueSeverity),
			Confidence: strings.ToUpper(r.IssueConfidence),
		})
	}
	return findings, nil
}
