// Package rpc implements the protocol-level method dispatch shared by the
// synchronous gateway and the SSE transport.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/sourcecheck-ai/sourcecheck/internal/event"
	"github.com/sourcecheck-ai/sourcecheck/internal/jsonrpc"
	"github.com/sourcecheck-ai/sourcecheck/internal/logging"
	"github.com/sourcecheck-ai/sourcecheck/internal/tool"
)

// ServerInfo is the static capability descriptor returned by initialize.
type ServerInfo struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// Handler dispatches JSON-RPC methods. It holds no per-request state and is
// safe for concurrent use from many transport goroutines.
type Handler struct {
	info        ServerInfo
	tools       *tool.Registry
	bus         *event.Bus
	toolTimeout time.Duration
	log         zerolog.Logger
}

// NewHandler creates a request handler. The bus may be nil.
func NewHandler(info ServerInfo, tools *tool.Registry, bus *event.Bus, toolTimeout time.Duration) *Handler {
	if toolTimeout <= 0 {
		toolTimeout = 30 * time.Second
	}
	return &Handler{
		info:        info,
		tools:       tools,
		bus:         bus,
		toolTimeout: toolTimeout,
		log:         logging.Component("rpc"),
	}
}

// Handle executes a validated request and returns its response. The response
// id always equals the request id. Notifications (requests without an id)
// are executed for their side effects and yield a nil response.
func (h *Handler) Handle(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	h.log.Debug().Str("method", req.Method).Msg("dispatching method")

	var (
		result any
		rpcErr *jsonrpc.Error
	)
	switch req.Method {
	case "initialize":
		result = h.info
	case "tools/list":
		result = map[string]any{"tools": h.tools.Descriptors()}
	case "tools/call":
		result, rpcErr = h.callTool(ctx, req.Params)
	default:
		rpcErr = jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "Method not found: "+req.Method)
	}

	if req.IsNotification() {
		return nil
	}
	if rpcErr != nil {
		return jsonrpc.NewErrorResponse(req.ID, rpcErr)
	}
	return jsonrpc.NewResultResponse(req.ID, result)
}

// callParams is the tools/call parameter shape. The editor historically sent
// the tool name under either "name" or "tool", and bare source under "code"
// instead of an args object; both are tolerated.
type callParams struct {
	Name string    `json:"name"`
	Tool string    `json:"tool"`
	Args tool.Args `json:"args"`
	Code string    `json:"code"`
}

func (h *Handler) callTool(ctx context.Context, rawParams json.RawMessage) (any, *jsonrpc.Error) {
	var params callParams
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &params); err != nil {
			return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "Invalid params: "+err.Error())
		}
	}

	name := params.Name
	if name == "" {
		name = params.Tool
	}
	if name == "" {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "Invalid params: tool name is required")
	}

	args := params.Args
	if args == nil {
		args = tool.Args{}
	}
	if _, ok := args["code"]; !ok && params.Code != "" {
		args["code"] = params.Code
	}

	capability, ok := h.tools.Get(name)
	if !ok {
		return nil, jsonrpc.NewErrorWithData(jsonrpc.CodeApplicationError,
			"Unknown tool: "+name,
			map[string]any{"reason": "tool-not-found", "tool": name})
	}
	if err := capability.Validate(args); err != nil {
		return nil, toRPCError(name, err)
	}

	execCtx, cancel := context.WithTimeout(ctx, h.toolTimeout)
	defer cancel()

	start := time.Now()
	result, err := capability.Execute(execCtx, args)
	duration := time.Since(start)

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	h.publishExecuted(name, outcome, duration)

	if err != nil {
		h.log.Warn().Err(err).Str("tool", name).Msg("tool execution failed")
		return nil, toRPCError(name, err)
	}

	h.log.Info().Str("tool", name).Dur("duration", duration).Msg("tool execution complete")
	return map[string]any{"status": "success", "result": result}, nil
}

// toRPCError converts tool-layer failures into JSON-RPC error objects. No
// raw error ever crosses a transport boundary unconverted.
func toRPCError(toolName string, err error) *jsonrpc.Error {
	var validationErr *tool.ValidationError
	if errors.As(err, &validationErr) {
		return jsonrpc.NewError(jsonrpc.CodeInvalidParams, "Invalid params: "+validationErr.Reason)
	}

	if errors.Is(err, tool.ErrToolTimeout) {
		return jsonrpc.NewErrorWithData(jsonrpc.CodeApplicationError,
			"Tool execution timed out",
			map[string]any{"reason": "timeout", "tool": toolName})
	}

	var execErr *tool.ExecutionError
	if errors.As(err, &execErr) {
		return jsonrpc.NewErrorWithData(jsonrpc.CodeApplicationError,
			execErr.Error(),
			map[string]any{"reason": execErr.Reason, "tool": execErr.Tool})
	}

	return jsonrpc.NewErrorWithData(jsonrpc.CodeApplicationError,
		"Tool execution failed: "+err.Error(),
		map[string]any{"reason": "execution-failed", "tool": toolName})
}

func (h *Handler) publishExecuted(name, outcome string, duration time.Duration) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(event.Event{Type: event.ToolExecuted, Data: event.ToolExecutedData{
		Tool:       name,
		Outcome:    outcome,
		DurationMS: float64(duration.Milliseconds()),
	}})
}
