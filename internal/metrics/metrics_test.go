package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordDispatchOutcome(t *testing.T) {
	before := testutil.ToFloat64(dispatchOutcomes.WithLabelValues("sent"))
	RecordDispatchOutcome("sent")
	RecordDispatchOutcome("sent")
	RecordDispatchOutcome("retry")

	if got := testutil.ToFloat64(dispatchOutcomes.WithLabelValues("sent")) - before; got != 2 {
		t.Fatalf("sent delta = %v", got)
	}
}

func TestRecordWebhookEvent(t *testing.T) {
	before := testutil.ToFloat64(webhookEvents.WithLabelValues("receipt", "duplicate"))
	RecordWebhookEvent("receipt", "duplicate")
	if got := testutil.ToFloat64(webhookEvents.WithLabelValues("receipt", "duplicate")) - before; got != 1 {
		t.Fatalf("delta = %v", got)
	}
}

func TestRecordersDoNotPanic(t *testing.T) {
	RecordEnqueued()
	RecordTick(150 * time.Millisecond)
	RecordTickSkipped("busy")
	RecordNumberConsumption("ok")
	RecordTransportSend("twilio", 300*time.Millisecond)
	RecordRateLimitRejection("api")
	SetQueueDepth("READY", 12)
}

func TestHandler(t *testing.T) {
	RecordEnqueued()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "dripline_items_enqueued_total") {
		t.Fatal("expected dripline metrics in output")
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/drip/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/drip/{id}", "404"))

	req := httptest.NewRequest("GET", "/v1/drip/abc-123", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/drip/{id}", "404")) - before; got != 1 {
		t.Fatalf("expected one request under the route pattern, got %v", got)
	}
}
