package api

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/dripline/internal/metrics"
	"github.com/lalithlochan/dripline/internal/webhook"
)

// maxWebhookBody caps provider payloads.
const maxWebhookBody = 64 << 10

type webhookResponse struct {
	Result         webhook.Result `json:"result"`
	Intent         string         `json:"intent,omitempty"`
	OptedOut       bool           `json:"opted_out,omitempty"`
	ItemsCancelled int            `json:"items_cancelled,omitempty"`
}

// Inbound handles POST /webhooks/inbound.
func (h *Handler) Inbound(w http.ResponseWriter, r *http.Request) {
	fields, ok := h.readFields(w, r, "inbound")
	if !ok {
		return
	}

	msg, err := webhook.InboundFromFields(fields)
	if err != nil {
		h.rejectPayload(w, "inbound", err)
		return
	}

	out, err := h.deps.Ingestor.HandleInbound(r.Context(), msg)
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidPayload) {
			h.rejectPayload(w, "inbound", err)
			return
		}
		metrics.RecordWebhookEvent("inbound", "error")
		h.logger.Error("inbound webhook failed", zap.Error(err), zap.String("message_id", msg.MessageID))
		h.writeError(w, http.StatusInternalServerError, "processing_error", "Failed to process inbound message", "")
		return
	}

	metrics.RecordWebhookEvent("inbound", string(out.Result))
	h.writeJSON(w, http.StatusOK, webhookResponse{
		Result:         out.Result,
		Intent:         out.Intent,
		OptedOut:       out.OptedOut,
		ItemsCancelled: out.ItemsCancelled,
	})
}

// Status handles POST /webhooks/status, the provider's delivery receipt
// callback.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	fields, ok := h.readFields(w, r, "receipt")
	if !ok {
		return
	}

	receipt, err := webhook.ReceiptFromFields(fields)
	if err != nil {
		h.rejectPayload(w, "receipt", err)
		return
	}

	res, err := h.deps.Ingestor.HandleReceipt(r.Context(), receipt)
	if err != nil {
		metrics.RecordWebhookEvent("receipt", "error")
		h.logger.Error("status webhook failed",
			zap.Error(err),
			zap.String("message_id", receipt.MessageID),
			zap.String("status", receipt.Status),
		)
		h.writeError(w, http.StatusInternalServerError, "processing_error", "Failed to process delivery receipt", "")
		return
	}

	metrics.RecordWebhookEvent("receipt", string(res))
	h.writeJSON(w, http.StatusOK, webhookResponse{Result: res})
}

func (h *Handler) readFields(w http.ResponseWriter, r *http.Request, kind string) (webhook.Fields, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable body", err.Error())
		return nil, false
	}

	fields, err := webhook.ParseFields(r.Header.Get("Content-Type"), body)
	if err != nil {
		h.rejectPayload(w, kind, err)
		return nil, false
	}
	return fields, true
}

func (h *Handler) rejectPayload(w http.ResponseWriter, kind string, err error) {
	metrics.RecordWebhookEvent(kind, "invalid")
	h.logger.Warn("rejected webhook payload", zap.String("kind", kind), zap.Error(err))
	h.writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid webhook payload", err.Error())
}
