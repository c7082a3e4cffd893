package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sourcecheck-ai/sourcecheck/internal/history"
	"github.com/sourcecheck-ai/sourcecheck/internal/jsonrpc"
	"github.com/sourcecheck-ai/sourcecheck/internal/registry"
)

// maxBodySize bounds inbound request bodies.
const maxBodySize = 4 << 20

// handleGateway serves POST /mcp: the synchronous request/response path.
// It shares the codec and request handler with the SSE path, has no
// connection lifecycle, and touches no registry state. Any well-formed
// JSON-RPC outcome is HTTP 200; transport-level failures are 4xx.
func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		writeRPCError(w, http.StatusUnsupportedMediaType, nil,
			jsonrpc.NewError(jsonrpc.CodeParseError, "Expected application/json content type"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, nil,
			jsonrpc.NewError(jsonrpc.CodeParseError, "Parse error: failed to read body"))
		return
	}

	req, rpcErr := jsonrpc.ParseRequest(body)
	if rpcErr != nil {
		// Unparseable payloads are transport failures; envelope-level
		// problems are valid JSON-RPC outcomes.
		status := http.StatusOK
		if rpcErr.Code == jsonrpc.CodeParseError {
			status = http.StatusBadRequest
		}
		writeRPCError(w, status, nil, rpcErr)
		s.observe("gateway", "invalid", status, start)
		return
	}

	resp := s.handler.Handle(r.Context(), req)
	if resp == nil {
		// Notification: nothing to return.
		w.WriteHeader(http.StatusNoContent)
		s.observe("gateway", req.Method, http.StatusNoContent, start)
		return
	}

	writeRPCResponse(w, resp)
	s.observe("gateway", req.Method, http.StatusOK, start)
}

// dispatchAck is the transport acknowledgment returned by POST /sse/{clientID}.
// It is not the JSON-RPC result; that is delivered on the stream.
type dispatchAck struct {
	Status    string `json:"status"`
	Delivered bool   `json:"delivered"`
}

// handleDispatch serves POST /sse/{clientID}: validates the envelope, runs
// the request handler, and enqueues the response onto the named client's
// stream. Validation failures are answered synchronously with HTTP 400 and
// are never also pushed onto the stream. A client that vanished between
// request and response still gets a 2xx ack; the response is dropped
// (documented best-effort delivery for the SSE leg).
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	clientID := chi.URLParam(r, "clientID")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, nil,
			jsonrpc.NewError(jsonrpc.CodeParseError, "Parse error: failed to read body"))
		return
	}

	req, rpcErr := jsonrpc.ParseRequest(body)
	if rpcErr != nil {
		writeRPCError(w, http.StatusBadRequest, nil, rpcErr)
		s.observe("sse", "invalid", http.StatusBadRequest, start)
		return
	}

	s.registry.Touch(clientID)

	resp := s.handler.Handle(r.Context(), req)

	delivered := false
	if resp != nil {
		payload, encErr := jsonrpc.EncodeResponse(resp)
		if encErr != nil {
			writeRPCError(w, http.StatusInternalServerError, req.ID,
				jsonrpc.NewError(jsonrpc.CodeInternalError, "Internal error: failed to encode response"))
			return
		}
		switch enqErr := s.registry.Enqueue(clientID, jsonrpcMessage(payload)); {
		case enqErr == nil:
			delivered = true
		case errors.Is(enqErr, registry.ErrClientNotFound):
			s.log.Warn().Str("clientID", clientID).Msg("response dropped: client gone")
		case errors.Is(enqErr, registry.ErrQueueFull):
			s.log.Warn().Str("clientID", clientID).Msg("response dropped: queue full")
		}
	}

	writeJSON(w, http.StatusAccepted, dispatchAck{Status: "accepted", Delivered: delivered})
	s.observe("sse", req.Method, http.StatusAccepted, start)
}

// handleHistory serves GET /history: the most recent tool executions,
// newest first. The limit query parameter caps the result, default 50.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	records, err := s.history.Recent(limit)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to read execution history")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to read history"})
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": records})
}

// handleHealth serves GET /health, independent of registry state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":  "healthy",
		"version": Version,
	}
	if s.collector != nil {
		payload["uptime_seconds"] = s.collector.Uptime().Seconds()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) observe(transport, method string, status int, start time.Time) {
	if s.collector != nil {
		s.collector.ObserveRequest(transport, method, status, time.Since(start))
	}
}
