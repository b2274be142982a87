package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/dripline/internal/circuitbreaker"
	"github.com/lalithlochan/dripline/internal/dispatch"
	"github.com/lalithlochan/dripline/internal/drip"
	"github.com/lalithlochan/dripline/internal/metrics"
	"github.com/lalithlochan/dripline/internal/numbers"
	"github.com/lalithlochan/dripline/internal/phone"
	"github.com/lalithlochan/dripline/internal/redis"
	"github.com/lalithlochan/dripline/internal/webhook"
)

// enqueueScope namespaces Idempotency-Key values for POST /v1/drip.
const enqueueScope = "enqueue"

// Queue is the part of the drip queue exposed over HTTP.
type Queue interface {
	Enqueue(ctx context.Context, req drip.EnqueueRequest) (string, error)
	Get(ctx context.Context, id string) (*drip.Item, error)
	ListByPhone(ctx context.Context, phone string) ([]*drip.Item, error)
}

// NumberPool lists and provisions sending numbers.
type NumberPool interface {
	List(ctx context.Context, market string) ([]*numbers.Number, error)
	Provision(ctx context.Context, n *numbers.Number) error
}

// Ticker runs one dispatch tick on demand.
type Ticker interface {
	Tick(ctx context.Context) (dispatch.TickResult, error)
}

// Ingestor consumes parsed provider webhooks.
type Ingestor interface {
	HandleInbound(ctx context.Context, msg webhook.Inbound) (webhook.InboundOutcome, error)
	HandleReceipt(ctx context.Context, r webhook.Receipt) (webhook.Result, error)
}

// RequestIdempotency caches enqueue responses by Idempotency-Key.
type RequestIdempotency interface {
	CheckOrReserveRequest(ctx context.Context, scope, key string) (*redis.RequestResult, error)
	StoreRequest(ctx context.Context, scope, key string, result *redis.RequestResult) error
	ReleaseRequest(ctx context.Context, scope, key string) error
}

// OptOutChecker reports phones that asked not to be contacted.
type OptOutChecker interface {
	IsOptedOut(ctx context.Context, phone string) (bool, error)
}

// HealthCheck checks one dependency.
type HealthCheck func(ctx context.Context) error

// Deps wires a Handler. Idempotency and OptOuts are optional.
type Deps struct {
	Queue       Queue
	Numbers     NumberPool
	Dispatcher  Ticker
	Ingestor    Ingestor
	Idempotency RequestIdempotency
	OptOuts     OptOutChecker

	// DefaultDailyLimit applies to numbers provisioned without a limit.
	DefaultDailyLimit int

	Breakers []*circuitbreaker.CircuitBreaker
	Checks   map[string]HealthCheck
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// EnqueueResponse is returned after accepting a drip item.
type EnqueueResponse struct {
	ID string `json:"id"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	deps   Deps
	logger *zap.Logger
}

func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	return &Handler{deps: deps, logger: logger}
}

// Enqueue handles POST /v1/drip.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req drip.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	reserved := false
	if key != "" && h.deps.Idempotency != nil {
		cached, err := h.deps.Idempotency.CheckOrReserveRequest(ctx, enqueueScope, key)
		switch {
		case errors.Is(err, redis.ErrDuplicateEvent):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", key),
			)
		case cached != nil:
			w.Header().Set("X-Idempotency-Replayed", "true")
			h.writeJSON(w, cached.StatusCode, EnqueueResponse{ID: cached.ItemID})
			return
		default:
			reserved = true
		}
	}

	release := func() {
		if !reserved {
			return
		}
		if err := h.deps.Idempotency.ReleaseRequest(context.WithoutCancel(ctx), enqueueScope, key); err != nil {
			h.logger.Warn("failed to release idempotency key", zap.Error(err), zap.String("idempotency_key", key))
		}
	}

	if h.deps.OptOuts != nil {
		if to, err := phone.Normalize(req.Phone); err == nil {
			opted, err := h.deps.OptOuts.IsOptedOut(ctx, to)
			if err != nil {
				release()
				h.logger.Error("opt-out lookup failed", zap.Error(err), zap.String("phone", phone.Last4(to)))
				h.writeError(w, http.StatusServiceUnavailable, "opt_out_lookup_failed", "Could not verify opt-out status", "")
				return
			}
			if opted {
				release()
				h.writeError(w, http.StatusUnprocessableEntity, "opted_out", "Recipient opted out",
					"phone has opted out of messages")
				return
			}
		}
	}

	id, err := h.deps.Queue.Enqueue(ctx, req)
	if err != nil {
		release()
		var verr *drip.ValidationError
		if errors.As(err, &verr) {
			h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid drip item", verr.Error())
			return
		}
		h.logger.Error("failed to enqueue drip item", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to enqueue drip item", "")
		return
	}
	metrics.RecordEnqueued()

	if reserved {
		result := &redis.RequestResult{ItemID: id, StatusCode: http.StatusCreated}
		if err := h.deps.Idempotency.StoreRequest(ctx, enqueueScope, key, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", key),
			)
		}
	}

	h.writeJSON(w, http.StatusCreated, EnqueueResponse{ID: id})
}

// GetItem handles GET /v1/drip/{id}
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	item, err := h.deps.Queue.Get(r.Context(), id)
	if errors.Is(err, drip.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Drip item not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get drip item", zap.Error(err), zap.String("item_id", id))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get drip item", "")
		return
	}

	h.writeJSON(w, http.StatusOK, item)
}

// ListItems handles GET /v1/drip?phone=...
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	to, err := phone.Normalize(r.URL.Query().Get("phone"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid phone", err.Error())
		return
	}

	items, err := h.deps.Queue.ListByPhone(r.Context(), to)
	if err != nil {
		h.logger.Error("failed to list drip items", zap.Error(err), zap.String("phone", phone.Last4(to)))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list drip items", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  items,
		"count": len(items),
	})
}

// ListNumbers handles GET /v1/numbers?market=...
func (h *Handler) ListNumbers(w http.ResponseWriter, r *http.Request) {
	market := r.URL.Query().Get("market")

	list, err := h.deps.Numbers.List(r.Context(), market)
	if err != nil {
		h.logger.Error("failed to list numbers", zap.Error(err), zap.String("market", market))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list numbers", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  list,
		"count": len(list),
	})
}

// ProvisionRequest configures a sending number.
type ProvisionRequest struct {
	Market     string `json:"market"`
	Active     *bool  `json:"active,omitempty"`
	DailyLimit *int   `json:"daily_limit,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
}

// ProvisionNumber handles PUT /v1/numbers/{number}
func (h *Handler) ProvisionNumber(w http.ResponseWriter, r *http.Request) {
	number, err := phone.Normalize(chi.URLParam(r, "number"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid number", err.Error())
		return
	}

	var req ProvisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid timezone", err.Error())
			return
		}
	}

	n := &numbers.Number{
		Number:     number,
		Market:     strings.TrimSpace(req.Market),
		Active:     true,
		DailyLimit: h.deps.DefaultDailyLimit,
		Timezone:   req.Timezone,
	}
	if req.Active != nil {
		n.Active = *req.Active
	}
	if req.DailyLimit != nil {
		if *req.DailyLimit < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid daily_limit", "daily_limit must be >= 0")
			return
		}
		n.DailyLimit = *req.DailyLimit
	}

	if err := h.deps.Numbers.Provision(r.Context(), n); err != nil {
		h.logger.Error("failed to provision number", zap.Error(err), zap.String("number", number))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to provision number", "")
		return
	}

	h.logger.Info("number provisioned",
		zap.String("number", number),
		zap.String("market", n.Market),
		zap.Bool("active", n.Active),
		zap.Int("daily_limit", n.DailyLimit),
	)
	h.writeJSON(w, http.StatusOK, n)
}

// Tick handles POST /v1/dispatch/tick. A tick skipped because another one
// is running still answers 200 with skipped set.
func (h *Handler) Tick(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Dispatcher.Tick(r.Context())
	if err != nil {
		h.logger.Error("manual tick failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "tick_failed", "Dispatch tick failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

type healthResponse struct {
	Status   string                 `json:"status"`
	Checks   map[string]string      `json:"checks,omitempty"`
	Breakers []circuitbreaker.Stats `json:"breakers,omitempty"`
}

// Health handles GET /health. Any failing check answers 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok"}
	code := http.StatusOK

	if len(h.deps.Checks) > 0 {
		resp.Checks = make(map[string]string, len(h.deps.Checks))
		for name, check := range h.deps.Checks {
			if err := check(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
	}
	for _, b := range h.deps.Breakers {
		resp.Breakers = append(resp.Breakers, b.Stats())
	}

	h.writeJSON(w, code, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
