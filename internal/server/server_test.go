package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourcecheck-ai/sourcecheck/internal/config"
	"github.com/sourcecheck-ai/sourcecheck/internal/event"
	"github.com/sourcecheck-ai/sourcecheck/internal/history"
	"github.com/sourcecheck-ai/sourcecheck/internal/metrics"
	"github.com/sourcecheck-ai/sourcecheck/internal/registry"
	"github.com/sourcecheck-ai/sourcecheck/internal/rpc"
	"github.com/sourcecheck-ai/sourcecheck/internal/tool"
)

// echoTool answers every call with a fixed result.
type echoTool struct {
	name string
}

func (e *echoTool) Descriptor() tool.Descriptor {
	return tool.Descriptor{Name: e.name, Version: "1.0.0", Description: "echo", Capabilities: []string{"testing"}}
}

func (e *echoTool) Validate(args tool.Args) error {
	if _, ok := args.Code(); !ok {
		return &tool.ValidationError{Tool: e.name, Reason: "code argument is required"}
	}
	return nil
}

func (e *echoTool) Execute(_ context.Context, args tool.Args) (any, error) {
	code, _ := args.Code()
	return map[string]any{"echo": code}, nil
}

type testServer struct {
	srv   *Server
	reg   *registry.Registry
	tools *tool.Registry
	bus   *event.Bus
	hist  *history.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })

	collector := metrics.NewCollector("sourcecheck")
	unbind := collector.Bind(bus)
	t.Cleanup(unbind)

	reg := registry.New(registry.Config{QueueCapacity: 8}, bus)
	tools := tool.NewRegistry(bus)
	tools.Register(&echoTool{name: "flake8"})

	handler := rpc.NewHandler(rpc.ServerInfo{
		Name:         "SourceCheck",
		Version:      Version,
		Capabilities: []string{"tools/list", "tools/call"},
	}, tools, bus, time.Second)

	cfg := config.Default()
	cfg.Server.HeartbeatInterval = config.Duration(40 * time.Millisecond)

	hist := history.NewStore(t.TempDir(), 50)
	t.Cleanup(hist.Bind(bus))

	srv := New(cfg, reg, handler, bus, collector, hist)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	return &testServer{srv: srv, reg: reg, tools: tools, bus: bus, hist: hist}
}

func (ts *testServer) do(t *testing.T, method, path, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	return decoded
}

func errorCode(t *testing.T, body map[string]any) float64 {
	t.Helper()
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error object, got %v", body)
	code, ok := errObj["code"].(float64)
	require.True(t, ok)
	return code
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", "", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, Version, body["version"])
	assert.Contains(t, body, "uptime_seconds")
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/metrics", "", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sourcecheck_")
}

func TestGateway_WrongContentType(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/mcp", "text/plain",
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}`)

	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Equal(t, float64(-32700), errorCode(t, decodeBody(t, rec)))
}

func TestGateway_ParseError(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/mcp", "application/json", `{not json`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(-32700), errorCode(t, body))
	assert.Nil(t, body["id"])
}

func TestGateway_InvalidEnvelopeIsHTTP200(t *testing.T) {
	// A well-formed JSON payload with a bad envelope is a valid JSON-RPC
	// outcome, not a transport failure.
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/mcp", "application/json",
		`{"id":1,"method":"initialize"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(-32600), errorCode(t, decodeBody(t, rec)))
}

func TestGateway_ToolsList(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/mcp", "application/json",
		`{"jsonrpc":"2.0","id":"list-1","method":"tools/list"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "2.0", body["jsonrpc"])
	assert.Equal(t, "list-1", body["id"])

	result, ok := body["result"].(map[string]any)
	require.True(t, ok)
	tools, ok := result["tools"].([]any)
	require.True(t, ok)
	require.Len(t, tools, 1)
}

func TestGateway_ToolsCall(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/mcp", "application/json",
		`{"jsonrpc":"2.0","id":42,"method":"tools/call","params":{"name":"flake8","args":{"code":"x=1\n"}}}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(42), body["id"])

	result, ok := body["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "success", result["status"])
}

func TestGateway_Notification(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/mcp", "application/json",
		`{"jsonrpc":"2.0","method":"initialize"}`)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestDispatch_InvalidEnvelope(t *testing.T) {
	ts := newTestServer(t)
	client := ts.reg.Open()
	ts.reg.MarkOpen(client.ID())

	rec := ts.do(t, http.MethodPost, "/sse/"+client.ID(), "application/json",
		`{"jsonrpc":"1.0","id":1,"method":"initialize"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, float64(-32600), errorCode(t, decodeBody(t, rec)))

	// Validation failures are never also pushed onto the stream.
	select {
	case msg := <-client.Messages():
		t.Fatalf("unexpected stream message: %s", msg.Payload)
	default:
	}
}

func TestDispatch_UnknownClientStillAcked(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/sse/01HXNOSUCHCLIENT0000000000", "application/json",
		`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "accepted", body["status"])
	assert.Equal(t, false, body["delivered"])
}

func TestDispatch_DeliversInOrder(t *testing.T) {
	ts := newTestServer(t)
	client := ts.reg.Open()
	ts.reg.MarkOpen(client.ID())

	for _, id := range []string{`"first"`, `"second"`} {
		rec := ts.do(t, http.MethodPost, "/sse/"+client.ID(), "application/json",
			`{"jsonrpc":"2.0","id":`+id+`,"method":"tools/list"}`)
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, true, decodeBody(t, rec)["delivered"])
	}

	// Responses leave the queue in request order; correlation is by id.
	for _, want := range []string{"first", "second"} {
		select {
		case msg := <-client.Messages():
			assert.Equal(t, "jsonrpc", msg.Event)
			var resp map[string]any
			require.NoError(t, json.Unmarshal(msg.Payload, &resp))
			assert.Equal(t, want, resp["id"])
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for response %q", want)
		}
	}
}

func TestDispatch_NotificationNotQueued(t *testing.T) {
	ts := newTestServer(t)
	client := ts.reg.Open()
	ts.reg.MarkOpen(client.ID())

	rec := ts.do(t, http.MethodPost, "/sse/"+client.ID(), "application/json",
		`{"jsonrpc":"2.0","method":"tools/list"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["delivered"])

	select {
	case msg := <-client.Messages():
		t.Fatalf("unexpected stream message: %s", msg.Payload)
	default:
	}
}

// sseEvent is one parsed stream event.
type sseEvent struct {
	name string
	data string
}

// readEvent reads the next event from an SSE stream.
func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if ev.name != "" || ev.data != "" {
				return ev
			}
		}
	}
}

func TestStream_ConnectionEventThenDelivery(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.srv.Router())
	defer httpSrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpSrv.URL+"/sse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	reader := bufio.NewReader(resp.Body)

	// The connection event arrives first and carries the client id.
	connEv := readEvent(t, reader)
	require.Equal(t, "connection", connEv.name)
	var conn struct {
		ClientID string `json:"clientId"`
	}
	require.NoError(t, json.Unmarshal([]byte(connEv.data), &conn))
	require.NotEmpty(t, conn.ClientID)

	// A request dispatched against that id comes back on the stream.
	post, err := http.Post(httpSrv.URL+"/sse/"+conn.ClientID, "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":"s-1","method":"tools/list"}`))
	require.NoError(t, err)
	post.Body.Close()
	require.Equal(t, http.StatusAccepted, post.StatusCode)

	for {
		ev := readEvent(t, reader)
		if ev.name == "heartbeat" {
			assert.Equal(t, "{}", ev.data)
			continue
		}
		require.Equal(t, "jsonrpc", ev.name)
		var rpcResp map[string]any
		require.NoError(t, json.Unmarshal([]byte(ev.data), &rpcResp))
		assert.Equal(t, "s-1", rpcResp["id"])
		assert.Equal(t, "2.0", rpcResp["jsonrpc"])
		break
	}
}

func TestStream_Heartbeat(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.srv.Router())
	defer httpSrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpSrv.URL+"/sse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	require.Equal(t, "connection", readEvent(t, reader).name)

	// The test heartbeat interval is 40ms, so an idle stream sees one quickly.
	ev := readEvent(t, reader)
	assert.Equal(t, "heartbeat", ev.name)
	assert.Equal(t, "{}", ev.data)
}

func TestStream_ClientClosedOnDisconnect(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.srv.Router())
	defer httpSrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpSrv.URL+"/sse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	require.Equal(t, "connection", readEvent(t, reader).name)
	require.Equal(t, 1, ts.reg.Len())

	cancel()

	assert.Eventually(t, func() bool {
		return ts.reg.Len() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestHistoryEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/history", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Empty(t, body["executions"])

	rec = ts.do(t, http.MethodPost, "/mcp", "application/json",
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"flake8","args":{"code":"x=1\n"}}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	// The execution record arrives through the bus asynchronously.
	assert.Eventually(t, func() bool {
		return ts.hist.Len() == 1
	}, time.Second, 10*time.Millisecond)

	rec = ts.do(t, http.MethodGet, "/history?limit=10", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	executions, ok := decodeBody(t, rec)["executions"].([]any)
	require.True(t, ok)
	require.Len(t, executions, 1)
	first, ok := executions[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "flake8", first["tool"])
	assert.Equal(t, "success", first["outcome"])
}

func TestHistoryEndpoint_BadLimit(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/history?limit=zero", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestToolsChangedBroadcast(t *testing.T) {
	ts := newTestServer(t)
	client := ts.reg.Open()
	ts.reg.MarkOpen(client.ID())

	ts.tools.Register(&echoTool{name: "black"})

	select {
	case msg := <-client.Messages():
		assert.Equal(t, "jsonrpc", msg.Event)
		var notif map[string]any
		require.NoError(t, json.Unmarshal(msg.Payload, &notif))
		assert.Equal(t, "notifications/tools/list_changed", notif["method"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for list_changed notification")
	}
}
