package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/dripline/internal/circuitbreaker"
	"github.com/lalithlochan/dripline/internal/dispatch"
	"github.com/lalithlochan/dripline/internal/drip"
	"github.com/lalithlochan/dripline/internal/numbers"
	"github.com/lalithlochan/dripline/internal/redis"
	"github.com/lalithlochan/dripline/internal/webhook"
)

const (
	sender    = "+15125550001"
	recipient = "+15125550100"
	token     = "s3cret"
)

type fakeTicker struct {
	res   dispatch.TickResult
	err   error
	calls int
}

func (f *fakeTicker) Tick(ctx context.Context) (dispatch.TickResult, error) {
	f.calls++
	return f.res, f.err
}

type apiFixture struct {
	router   http.Handler
	queue    *drip.Queue
	pool     *numbers.Pool
	contacts *webhook.MemoryContacts
	ticker   *fakeTicker
}

func newAPIFixture(t *testing.T, cfg RouterConfig, checks map[string]HealthCheck) *apiFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := zap.NewNop()
	idem := redis.NewIdempotencyStore(redis.NewFromClient(rdb, logger), time.Hour, logger)
	queue := drip.NewQueue(drip.NewMemoryStore(), drip.Config{MaxRetries: 3}, logger)
	pool, err := numbers.NewPool(numbers.NewMemoryStore(), nil, numbers.Config{}, logger)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	if err := pool.Provision(context.Background(), &numbers.Number{Number: sender, Active: true, DailyLimit: 10}); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	contacts := webhook.NewMemoryContacts()
	ticker := &fakeTicker{}

	h := NewHandler(Deps{
		Queue:             queue,
		Numbers:           pool,
		Dispatcher:        ticker,
		Ingestor:          webhook.NewIngestor(idem, queue, pool, contacts, nil, logger),
		Idempotency:       idem,
		OptOuts:           contacts,
		DefaultDailyLimit: 250,
		Breakers:          []*circuitbreaker.CircuitBreaker{circuitbreaker.New(circuitbreaker.DefaultConfig("log"), logger)},
		Checks:            checks,
	}, logger)

	return &apiFixture{
		router:   NewRouter(h, cfg, logger),
		queue:    queue,
		pool:     pool,
		contacts: contacts,
		ticker:   ticker,
	}
}

func (f *apiFixture) do(t *testing.T, method, target, contentType, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) enqueue(t *testing.T, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(t, http.MethodPost, "/v1/drip", "application/json", body, header)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestEnqueue(t *testing.T) {
	f := newAPIFixture(t, RouterConfig{}, nil)

	rec := f.enqueue(t, `{"phone":"(512) 555-0100","message_body":"Hi, still own the lot on Main?","market":"austin"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[EnqueueResponse](t, rec)
	if resp.ID == "" {
		t.Fatal("expected an item id")
	}

	rec = f.do(t, http.MethodGet, "/v1/drip/"+resp.ID, "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	item := decode[drip.Item](t, rec)
	if item.Phone != recipient {
		t.Errorf("phone = %q, want %q", item.Phone, recipient)
	}
	if item.Status != drip.StatusQueued {
		t.Errorf("status = %s, want QUEUED", item.Status)
	}
	if item.Market != "austin" {
		t.Errorf("market = %q", item.Market)
	}
}

func TestEnqueue_Rejects(t *testing.T) {
	f := newAPIFixture(t, RouterConfig{}, nil)

	tests := []struct {
		name     string
		body     string
		wantType string
	}{
		{"malformed json", `{"phone":`, "invalid_request"},
		{"bad phone", `{"phone":"12345","message_body":"hi"}`, "validation_error"},
		{"empty body", `{"phone":"5125550100","message_body":"   "}`, "validation_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.enqueue(t, tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
				t.Errorf("content type = %q", ct)
			}
			if got := decode[ErrorResponse](t, rec); got.Type != tt.wantType {
				t.Errorf("type = %q, want %q", got.Type, tt.wantType)
			}
		})
	}
}

func TestEnqueue_IdempotencyKeyReplays(t *testing.T) {
	f := newAPIFixture(t, RouterConfig{}, nil)
	body := `{"phone":"5125550100","message_body":"Hi there"}`
	header := http.Header{"Idempotency-Key": []string{"req-1"}}

	first := f.enqueue(t, body, header)
	if first.Code != http.StatusCreated {
		t.Fatalf("first: expected 201, got %d", first.Code)
	}
	second := f.enqueue(t, body, header)
	if second.Code != http.StatusCreated {
		t.Fatalf("second: expected 201, got %d", second.Code)
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("expected replayed header on second response")
	}
	if a, b := decode[EnqueueResponse](t, first).ID, decode[EnqueueResponse](t, second).ID; a != b {
		t.Errorf("replayed id %q, want %q", b, a)
	}

	items, err := f.queue.ListByPhone(context.Background(), recipient)
	if err != nil {
		t.Fatalf("ListByPhone() error = %v", err)
	}
	if len(items) != 1 {
		t.Errorf("expected 1 item, got %d", len(items))
	}
}

func TestEnqueue_FailedRequestReleasesKey(t *testing.T) {
	f := newAPIFixture(t, RouterConfig{}, nil)
	header := http.Header{"Idempotency-Key": []string{"req-2"}}

	if rec := f.enqueue(t, `{"phone":"bad","message_body":"hi"}`, header); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := f.enqueue(t, `{"phone":"5125550100","message_body":"hi"}`, header); rec.Code != http.StatusCreated {
		t.Fatalf("expected the corrected request to be accepted, got %d", rec.Code)
	}
}

func TestEnqueue_OptedOutPhone(t *testing.T) {
	f := newAPIFixture(t, RouterConfig{}, nil)
	if err := f.contacts.RecordOptOut(context.Background(), webhook.OptOut{Phone: recipient, Reason: "optout"}); err != nil {
		t.Fatalf("RecordOptOut() error = %v", err)
	}

	rec := f.enqueue(t, `{"phone":"5125550100","message_body":"hi"}`, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if got := decode[ErrorResponse](t, rec); got.Type != "opted_out" {
		t.Errorf("type = %q", got.Type)
	}
}

func TestGetItem_NotFound(t *testing.T) {
	f := newAPIFixture(t, RouterConfig{}, nil)

	rec := f.do(t, http.MethodGet, "/v1/drip/does-not-exist", "", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestListItems(t *testing.T) {
	f := newAPIFixture(t, RouterConfig{}, nil)
	for i := 0; i < 2; i++ {
		if rec := f.enqueue(t, `{"phone":"5125550100","message_body":"hi"}`, nil); rec.Code != http.StatusCreated {
			t.Fatalf("enqueue: %d", rec.Code)
		}
	}

	rec := f.do(t, http.MethodGet, "/v1/drip?phone="+url.QueryEscape("(512) 555-0100"), "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	got := decode[struct {
		Count int `json:"count"`
	}](t, rec)
	if got.Count != 2 {
		t.Errorf("count = %d, want 2", got.Count)
	}

	if rec := f.do(t, http.MethodGet, "/v1/drip?phone=nope", "", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad phone: expected 400, got %d", rec.Code)
	}
}

func TestNumbers_ProvisionAndList(t *testing.T) {
	f := newAPIFixture(t, RouterConfig{}, nil)

	rec := f.do(t, http.MethodPut, "/v1/numbers/5125550002", "application/json", `{"market":"austin"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	n := decode[numbers.Number](t, rec)
	if n.Number != "+15125550002" || n.DailyLimit != 250 || !n.Active {
		t.Errorf("provisioned %+v", n)
	}

	rec = f.do(t, http.MethodGet, "/v1/numbers?market=austin", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	list := decode[struct {
		Data  []numbers.Number `json:"data"`
		Count int              `json:"count"`
	}](t, rec)
	if list.Count != 1 || list.Data[0].RemainingToday != 250 {
		t.Errorf("listed %+v", list)
	}

	tests := []struct {
		name, path, body string
	}{
		{"bad number", "/v1/numbers/123", `{}`},
		{"negative limit", "/v1/numbers/5125550003", `{"daily_limit":-1}`},
		{"bad timezone", "/v1/numbers/5125550003", `{"timezone":"Mars/Olympus"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := f.do(t, http.MethodPut, tt.path, "application/json", tt.body, nil); rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestTick(t *testing.T) {
	f := newAPIFixture(t, RouterConfig{}, nil)
	f.ticker.res = dispatch.TickResult{Claimed: 3, Sent: 2, Deferred: 1}

	rec := f.do(t, http.MethodPost, "/v1/dispatch/tick", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	got := decode[dispatch.TickResult](t, rec)
	if got.Sent != 2 || got.Claimed != 3 || got.Deferred != 1 {
		t.Errorf("result = %+v", got)
	}

	f.ticker.err = errors.New("claim failed")
	if rec := f.do(t, http.MethodPost, "/v1/dispatch/tick", "", "", nil); rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestTokenAuth(t *testing.T) {
	tests := []struct {
		name   string
		cfg    RouterConfig
		target string
		header http.Header
		want   int
		ticked bool
	}{
		{"missing token", RouterConfig{AdminToken: token}, "/v1/dispatch/tick", nil, http.StatusUnauthorized, false},
		{"wrong token", RouterConfig{AdminToken: token}, "/v1/dispatch/tick?token=nope", nil, http.StatusUnauthorized, false},
		{"query token", RouterConfig{AdminToken: token}, "/v1/dispatch/tick?token=" + token, nil, http.StatusOK, true},
		{"header token", RouterConfig{AdminToken: token}, "/v1/dispatch/tick", http.Header{"X-Webhook-Token": []string{token}}, http.StatusOK, true},
		{"bearer token", RouterConfig{AdminToken: token}, "/v1/dispatch/tick", http.Header{"Authorization": []string{"Bearer " + token}}, http.StatusOK, true},
		{"no token configured", RouterConfig{}, "/v1/dispatch/tick", nil, http.StatusOK, true},
		{"no token configured but required", RouterConfig{RequireTokens: true}, "/v1/dispatch/tick", nil, http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t, tt.cfg, nil)
			rec := f.do(t, http.MethodPost, tt.target, "", "", tt.header)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
			if (f.ticker.calls > 0) != tt.ticked {
				t.Errorf("ticked = %v, want %v", f.ticker.calls > 0, tt.ticked)
			}
		})
	}
}

func TestInboundWebhook_RejectedBeforeDedupe(t *testing.T) {
	f := newAPIFixture(t, RouterConfig{WebhookToken: token}, nil)
	form := url.Values{"MessageSid": {"SM1"}, "From": {recipient}, "To": {sender}, "Body": {"STOP"}}.Encode()

	rec := f.do(t, http.MethodPost, "/webhooks/inbound", "application/x-www-form-urlencoded", form, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	// The unauthorized attempt must not have consumed the event key.
	rec = f.do(t, http.MethodPost, "/webhooks/inbound?token="+token, "application/x-www-form-urlencoded", form, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := decode[webhookResponse](t, rec); got.Result != webhook.ResultProcessed {
		t.Errorf("result = %q, want processed", got.Result)
	}
}

func TestInboundWebhook_OptOut(t *testing.T) {
	f := newAPIFixture(t, RouterConfig{}, nil)
	rec := f.enqueue(t, `{"phone":"5125550100","message_body":"hi"}`, nil)
	id := decode[EnqueueResponse](t, rec).ID

	form := url.Values{"MessageSid": {"SM42"}, "From": {recipient}, "To": {sender}, "Body": {"STOP"}}.Encode()
	rec = f.do(t, http.MethodPost, "/webhooks/inbound", "application/x-www-form-urlencoded", form, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[webhookResponse](t, rec)
	if got.Result != webhook.ResultProcessed || !got.OptedOut || got.ItemsCancelled != 1 {
		t.Errorf("response = %+v", got)
	}

	item, err := f.queue.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if item.Status != drip.StatusDNC {
		t.Errorf("status = %s, want DNC", item.Status)
	}

	rec = f.do(t, http.MethodPost, "/webhooks/inbound", "application/x-www-form-urlencoded", form, nil)
	if got := decode[webhookResponse](t, rec); got.Result != webhook.ResultDuplicate {
		t.Errorf("redelivery result = %q, want duplicate", got.Result)
	}

	// Opted-out phones cannot be enqueued again.
	if rec := f.enqueue(t, `{"phone":"5125550100","message_body":"hi"}`, nil); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 after opt-out, got %d", rec.Code)
	}
}

func TestStatusWebhook(t *testing.T) {
	f := newAPIFixture(t, RouterConfig{}, nil)
	ctx := context.Background()

	id, err := f.queue.Enqueue(ctx, drip.EnqueueRequest{Phone: recipient, Body: "hi"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := f.queue.Promote(ctx, 10); err != nil {
		t.Fatalf("Promote() error = %v", err)
	}
	if _, err := f.queue.ClaimReady(ctx, 10); err != nil {
		t.Fatalf("ClaimReady() error = %v", err)
	}
	if err := f.queue.AssignNumber(ctx, id, sender); err != nil {
		t.Fatalf("AssignNumber() error = %v", err)
	}
	if err := f.queue.MarkSent(ctx, id, "SM7"); err != nil {
		t.Fatalf("MarkSent() error = %v", err)
	}

	body := `{"MessageSid":"SM7","MessageStatus":"delivered"}`
	rec := f.do(t, http.MethodPost, "/webhooks/status", "application/json", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[webhookResponse](t, rec); got.Result != webhook.ResultProcessed {
		t.Errorf("result = %q", got.Result)
	}

	item, err := f.queue.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if item.Status != drip.StatusDelivered {
		t.Errorf("status = %s, want DELIVERED", item.Status)
	}

	rec = f.do(t, http.MethodPost, "/webhooks/status", "application/json", body, nil)
	if got := decode[webhookResponse](t, rec); got.Result != webhook.ResultDuplicate {
		t.Errorf("redelivery result = %q, want duplicate", got.Result)
	}
}

func TestStatusWebhook_InvalidPayload(t *testing.T) {
	f := newAPIFixture(t, RouterConfig{}, nil)

	tests := []struct {
		name, contentType, body string
	}{
		{"missing message id", "application/json", `{"MessageStatus":"delivered"}`},
		{"missing status", "application/x-www-form-urlencoded", "MessageSid=SM1"},
		{"broken json", "application/json", `{"MessageSid":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/webhooks/status", tt.contentType, tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	healthy := newAPIFixture(t, RouterConfig{}, map[string]HealthCheck{
		"redis": func(ctx context.Context) error { return nil },
	})
	rec := healthy.do(t, http.MethodGet, "/health", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	got := decode[healthResponse](t, rec)
	if got.Status != "ok" || got.Checks["redis"] != "ok" {
		t.Errorf("health = %+v", got)
	}
	if len(got.Breakers) != 1 || got.Breakers[0].State != "sending" {
		t.Errorf("breakers = %+v", got.Breakers)
	}

	sick := newAPIFixture(t, RouterConfig{}, map[string]HealthCheck{
		"postgres": func(ctx context.Context) error { return errors.New("connection refused") },
	})
	rec = sick.do(t, http.MethodGet, "/health", "", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}
