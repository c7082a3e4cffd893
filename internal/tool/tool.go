// Package tool provides the pluggable analysis-tool capability layer:
// exec-based runners for flake8, black, and bandit, plus the registry the
// request handler dispatches tools/call against.
package tool

import (
	"context"
	"errors"
	"fmt"
)

// Capability is a single analysis or formatting tool. Given source text and
// options it synchronously returns a structured result. Implementations must
// respect the caller's context deadline and leave no residual temporary
// state after returning.
type Capability interface {
	// Descriptor describes the tool for tools/list.
	Descriptor() Descriptor
	// Validate checks the argument shape before execution.
	Validate(args Args) error
	// Execute runs the tool against args and returns its normalized result.
	Execute(ctx context.Context, args Args) (any, error)
}

// Descriptor describes a registered tool.
type Descriptor struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
}

// Args is the argument mapping of a tools/call request.
type Args map[string]any

// Code returns the source text argument, if present.
func (a Args) Code() (string, bool) {
	code, ok := a["code"].(string)
	return code, ok && code != ""
}

// String returns a string argument by name.
func (a Args) String(key string) (string, bool) {
	s, ok := a[key].(string)
	return s, ok
}

// Int returns an integer argument by name, tolerating JSON numbers and
// numeric strings the way the editor sends them.
func (a Args) Int(key string) (int, bool) {
	switch v := a[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n, true
		}
	}
	return 0, false
}

// Bool returns a boolean argument by name.
func (a Args) Bool(key string) (bool, bool) {
	b, ok := a[key].(bool)
	return b, ok
}

// Tool errors.
var (
	// ErrToolNotFound is returned when tools/call names an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")
	// ErrToolTimeout is returned when a tool exceeds its execution deadline.
	ErrToolTimeout = errors.New("tool execution timed out")
)

// ValidationError reports an argument shape mismatch. The request handler
// maps it to a JSON-RPC invalid-params error.
type ValidationError struct {
	Tool   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid params for %s: %s", e.Tool, e.Reason)
}

// ExecutionError reports a tool run that failed. The request handler maps it
// to a JSON-RPC application error carrying the machine-readable reason.
type ExecutionError struct {
	Tool   string
	Reason string
	Detail string
}

func (e *ExecutionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("tool %s failed: %s: %s", e.Tool, e.Reason, e.Detail)
}

// Finding is one normalized diagnostic produced by an analysis tool.
type Finding struct {
	File       string `json:"file"`
	Line       int    `json:"line"`
	Column     int    `json:"column,omitempty"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Severity   string `json:"severity,omitempty"`
	Confidence string `json:"confidence,omitempty"`
}

// AnalysisResult is the normalized payload for linters and scanners.
type AnalysisResult struct {
	Issues  []Finding      `json:"issues"`
	Summary map[string]any `json:"summary"`
}
