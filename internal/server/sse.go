package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/sourcecheck-ai/sourcecheck/internal/registry"
)

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

// newSSEWriter creates a new SSE writer.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	// ResponseController gives more reliable flushing through middleware
	// wrappers (Go 1.20+).
	rc := http.NewResponseController(w)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	return &sseWriter{w: w, flusher: flusher, rc: rc}, nil
}

// writeEvent writes one named SSE event and flushes it.
func (s *sseWriter) writeEvent(eventType string, data []byte) error {
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
		return err
	}

	if flushErr := s.rc.Flush(); flushErr != nil {
		// Fall back to the plain flusher.
		s.flusher.Flush()
	}
	return nil
}

// handleStream serves GET /sse: registers a client, seeds the stream with a
// connection event carrying the client id, and then drains the client's
// outbound queue onto the stream until the client disconnects or is closed.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	sse, err := newSSEWriter(w)
	if err != nil {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	client := s.registry.Open()
	defer s.registry.Close(client.ID())

	w.WriteHeader(http.StatusOK)

	// The client must observe the connection event before issuing requests,
	// so it is written and flushed before entering the drain loop.
	if err := sse.writeEvent("connection", []byte(fmt.Sprintf(`{"clientId":%q}`, client.ID()))); err != nil {
		return
	}
	s.registry.MarkOpen(client.ID())

	s.log.Info().Str("clientID", client.ID()).Msg("stream opened")

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	// Drain loop: blocks until a message is queued, the heartbeat interval
	// elapses, or the connection goes away. Messages leave in enqueue order.
	for {
		select {
		case <-r.Context().Done():
			s.log.Info().Str("clientID", client.ID()).Msg("stream disconnected")
			return
		case <-client.Done():
			return
		case msg := <-client.Messages():
			if err := sse.writeEvent(msg.Event, msg.Payload); err != nil {
				s.log.Warn().Err(err).Str("clientID", client.ID()).Msg("stream write failed")
				return
			}
		case <-ticker.C:
			if err := sse.writeEvent("heartbeat", []byte("{}")); err != nil {
				return
			}
		}
	}
}

// jsonrpcMessage wraps an encoded JSON-RPC response as a jsonrpc stream
// message for a client's queue.
func jsonrpcMessage(payload []byte) registry.Message {
	return registry.Message{Event: "jsonrpc", Payload: payload}
}
