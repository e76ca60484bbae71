package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"aim-chat/go-jsonrpc/pkg/dispatch"
	"aim-chat/go-jsonrpc/pkg/jsonrpc"
)

var (
	_ jsonrpc.Observer  = (*Metrics)(nil)
	_ dispatch.Observer = (*Metrics)(nil)
)

func TestHandlerEventsAreCounted(t *testing.T) {
	m := New()
	m.HandlerStarted("login")
	if got := testutil.ToFloat64(m.handlersRunning); got != 1 {
		t.Fatalf("expected 1 running handler, got %v", got)
	}
	m.HandlerFinished("login", 0, 5*time.Millisecond)
	m.HandlerStarted("login")
	m.HandlerFinished("login", 1000, time.Millisecond)

	if got := testutil.ToFloat64(m.handlersRunning); got != 0 {
		t.Fatalf("expected 0 running handlers, got %v", got)
	}
	if got := testutil.ToFloat64(m.handlerCalls.WithLabelValues("login", "0")); got != 1 {
		t.Fatalf("expected 1 successful call, got %v", got)
	}
	if got := testutil.ToFloat64(m.handlerCalls.WithLabelValues("login", "1000")); got != 1 {
		t.Fatalf("expected 1 failed call, got %v", got)
	}
}

func TestEngineEventsAreCounted(t *testing.T) {
	m := New()
	m.MessageReceived("request")
	m.MessageReceived("request")
	m.UnmatchedResponse()
	m.ProtocolError(-32700)
	m.PendingRequests(3)
	m.PendingRequests(-1)

	if got := testutil.ToFloat64(m.messages.WithLabelValues("request")); got != 2 {
		t.Fatalf("expected 2 requests, got %v", got)
	}
	if got := testutil.ToFloat64(m.unmatched); got != 1 {
		t.Fatalf("expected 1 unmatched response, got %v", got)
	}
	if got := testutil.ToFloat64(m.protocolErrors.WithLabelValues("-32700")); got != 1 {
		t.Fatalf("expected 1 parse error, got %v", got)
	}
	if got := testutil.ToFloat64(m.pending); got != 2 {
		t.Fatalf("expected 2 pending requests, got %v", got)
	}
}

func TestHandlerServesTextFormat(t *testing.T) {
	m := New()
	m.ConnectionOpened()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "jsonrpc_connections_open 1") {
		t.Fatalf("expected connections gauge in output, got:\n%s", rec.Body.String())
	}
}
