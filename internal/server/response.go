package server

import (
	"encoding/json"
	"net/http"

	"github.com/sourcecheck-ai/sourcecheck/internal/jsonrpc"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeRPCError writes a JSON-RPC error envelope with the given HTTP status.
// Used when a transport-level or validation failure must be answered on the
// HTTP call itself rather than a stream.
func writeRPCError(w http.ResponseWriter, status int, id json.RawMessage, rpcErr *jsonrpc.Error) {
	resp := jsonrpc.NewErrorResponse(id, rpcErr)
	body, err := jsonrpc.EncodeResponse(resp)
	if err != nil {
		http.Error(w, rpcErr.Message, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// writeRPCResponse writes an encoded JSON-RPC response with HTTP 200.
func writeRPCResponse(w http.ResponseWriter, resp *jsonrpc.Response) {
	body, err := jsonrpc.EncodeResponse(resp)
	if err != nil {
		writeRPCError(w, http.StatusInternalServerError, resp.ID,
			jsonrpc.NewError(jsonrpc.CodeInternalError, "Internal error: failed to encode response"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
