package client

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type seen struct {
	method string
	path   string
	header http.Header
	body   string
}

// apiStub records requests and answers from a fixed route table.
type apiStub struct {
	mu     sync.Mutex
	reqs   []seen
	routes map[string]func(w http.ResponseWriter)
}

func (s *apiStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.reqs = append(s.reqs, seen{method: r.Method, path: r.URL.RequestURI(), header: r.Header.Clone(), body: string(b)})
	s.mu.Unlock()
	if h, ok := s.routes[r.Method+" "+r.URL.Path]; ok {
		h(w)
		return
	}
	w.WriteHeader(http.StatusNotFound)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
}

func (s *apiStub) last() seen {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[len(s.reqs)-1]
}

func jsonReply(status int, v any) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
}

func startStub(t *testing.T, routes map[string]func(http.ResponseWriter)) (*apiStub, BaseURLFunc) {
	t.Helper()
	stub := &apiStub{routes: routes}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	return stub, func() string { return srv.URL }
}

func run(t *testing.T, base BaseURLFunc, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRoot(base)
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestSubmitSendsAttributesAsHeaders(t *testing.T) {
	stub, base := startStub(t, map[string]func(http.ResponseWriter){
		"POST /v1/submit": jsonReply(http.StatusAccepted, map[string]string{"correlation_id": "c-1"}),
	})
	out, err := run(t, base, "", "submit", "--attr", "priority=high", "--attr", "trace_id=t-9", "--delay", "1500ms", "hello")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, "c-1") {
		t.Fatalf("expected correlation id in output, got: %s", out)
	}
	req := stub.last()
	if req.body != "hello" {
		t.Fatalf("body: %q", req.body)
	}
	if got := req.header.Get("X-Fanq-Attr-Priority"); got != "high" {
		t.Fatalf("priority header: %q", got)
	}
	if got := req.header.Get("X-Fanq-Attr-Trace-Id"); got != "t-9" {
		t.Fatalf("trace header: %q", got)
	}
	if got := req.header.Get("X-Fanq-Attr-Delay-Ms"); got != "1500" {
		t.Fatalf("delay header: %q", got)
	}
}

func TestSubmitReadsStdin(t *testing.T) {
	stub, base := startStub(t, map[string]func(http.ResponseWriter){
		"POST /v1/submit": jsonReply(http.StatusAccepted, map[string]string{"correlation_id": "c-2"}),
	})
	if _, err := run(t, base, `{"order":1}`, "submit", "-"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := stub.last().body; got != `{"order":1}` {
		t.Fatalf("body: %q", got)
	}
}

func TestSubmitMessageMode(t *testing.T) {
	stub, base := startStub(t, map[string]func(http.ResponseWriter){
		"POST /v1/messages": jsonReply(http.StatusOK, map[string]string{"message": "Message sent successfully", "message_id": "m-1"}),
	})
	out, err := run(t, base, "", "submit", "--message", "--priority", "high", "plain text")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, "m-1") {
		t.Fatalf("output: %s", out)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(stub.last().body), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["message"] != "plain text" || body["priority"] != "high" {
		t.Fatalf("unexpected body: %v", body)
	}
	if _, ok := body["category"]; ok {
		t.Fatalf("unset category was sent: %v", body)
	}
}

func TestSubmitSurfacesAPIError(t *testing.T) {
	_, base := startStub(t, map[string]func(http.ResponseWriter){
		"POST /v1/submit": jsonReply(http.StatusBadRequest, map[string]string{"error": "invalid request: payload: must not be empty"}),
	})
	_, err := run(t, base, "", "submit", "")
	if err == nil || !strings.Contains(err.Error(), "must not be empty") {
		t.Fatalf("expected api error, got %v", err)
	}
}

func TestSubmitRejectsBadAttr(t *testing.T) {
	_, base := startStub(t, nil)
	if _, err := run(t, base, "", "submit", "--attr", "novalue", "x"); err == nil {
		t.Fatal("expected error for attr without '='")
	}
}

func TestDLQCommands(t *testing.T) {
	stub, base := startStub(t, map[string]func(http.ResponseWriter){
		"GET /v1/dlq": jsonReply(http.StatusOK, map[string]any{"dead_letters": []map[string]any{
			{"id": "e-1", "payload": []byte(`{"a":1}`), "attempt_count": 6, "reason": "boom"},
		}}),
		"POST /v1/dlq/replay": jsonReply(http.StatusOK, map[string]string{"id": "e-1", "status": "replayed"}),
		"DELETE /v1/dlq/e-1":  func(w http.ResponseWriter) { w.WriteHeader(http.StatusNoContent) },
	})

	out, err := run(t, base, "", "dlq", "list", "--limit", "5")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if stub.last().path != "/v1/dlq?limit=5" {
		t.Fatalf("path: %s", stub.last().path)
	}
	if !strings.Contains(out, `"payload_json":{"a":1}`) || !strings.Contains(out, `"reason":"boom"`) {
		t.Fatalf("list output: %s", out)
	}

	out, err = run(t, base, "", "dlq", "replay", "e-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !strings.Contains(out, "replayed e-1") || stub.last().body != `{"id":"e-1"}` {
		t.Fatalf("replay output %q body %q", out, stub.last().body)
	}

	if _, err := run(t, base, "", "dlq", "purge", "e-1"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := run(t, base, "", "dlq", "get", "missing"); err == nil {
		t.Fatal("expected not found")
	}
}

func TestStatsCommand(t *testing.T) {
	_, base := startStub(t, map[string]func(http.ResponseWriter){
		"GET /v1/stats": jsonReply(http.StatusOK, map[string]int{"pending": 3, "leased": 1, "dead": 2}),
	})
	out, err := run(t, base, "", "stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	for _, want := range []string{"pending: 3", "leased:  1", "dead:    2"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %s", want, out)
		}
	}
}

func TestDeliveriesFailedCommand(t *testing.T) {
	stub, base := startStub(t, map[string]func(http.ResponseWriter){
		"GET /v1/deliveries/failed": jsonReply(http.StatusOK, map[string]any{"failures": []any{}, "total": 0}),
	})
	if _, err := run(t, base, "", "deliveries", "failed"); err != nil {
		t.Fatalf("failed: %v", err)
	}
	if stub.last().path != "/v1/deliveries/failed?limit=20" {
		t.Fatalf("path: %s", stub.last().path)
	}
}

func TestHealthCommand(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	t.Setenv("FANQ_GRPC", lis.Addr().String())

	out, err := run(t, nil, "", "health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !strings.Contains(out, "SERVING") {
		t.Fatalf("output: %s", out)
	}

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	if _, err := run(t, nil, "", "health"); err == nil {
		t.Fatal("expected error when not serving")
	}
}

func TestDecodedPayload(t *testing.T) {
	if _, ok := decodedPayload([]byte(`{"a":1}`))["payload_json"]; !ok {
		t.Fatal("expected json")
	}
	if v := decodedPayload([]byte("hi"))["payload_text"]; v != "hi" {
		t.Fatalf("text: %v", v)
	}
	if _, ok := decodedPayload([]byte{0xff, 0xfe})["payload_b64"]; !ok {
		t.Fatal("expected base64 fallback")
	}
}
