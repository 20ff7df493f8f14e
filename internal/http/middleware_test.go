package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/example/rider-assignment/internal/logging"
)

func TestRequestLogCarriesRequestAndRouteIDs(t *testing.T) {
	srv, _ := newTestServer(t)
	var buf bytes.Buffer
	srv.logger = logging.New(&buf, "info")

	req := httptest.NewRequest("GET", "/api/v1/jobs/nope", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-Request-ID"); got != "req-1" {
		t.Fatalf("request id not echoed, got %q", got)
	}
	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["msg"] != "http_request" || line["request_id"] != "req-1" || line["job_id"] != "nope" || line["route"] != "/api/v1/jobs/{job_id}" {
		t.Fatalf("unexpected log line %v", line)
	}
}

func TestRequestIDGeneratedWhenMissing(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := do(t, srv, "GET", "/healthz", nil)
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a generated request id")
	}
}

func TestRecoverReturnsJSONError(t *testing.T) {
	srv, _ := newTestServer(t)
	var buf bytes.Buffer
	srv.logger = logging.New(&buf, "info")
	h := srv.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("nil job")
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("POST", "/api/v1/offers/o1/accept", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil || body["error"] != "internal error" {
		t.Fatalf("expected JSON error body, got %v err=%v", body, err)
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Fatalf("panic not logged: %s", buf.String())
	}
}
