package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/lalithlochan/dripline/internal/webhook"
)

type fakeCompleter struct {
	reply string
	err   error
	calls int
}

func (f *fakeCompleter) CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.calls++
	return f.reply, f.err
}

func TestClassifier(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		reply     string
		err       error
		intent    string
		optOut    bool
		modelUsed bool
	}{
		{"model label", "call me friday", `{"intent":"appointment"}`, nil, webhook.IntentAppointment, false, true},
		{"wrong number opts out", "not my house", `{"intent":"wrong_number"}`, nil, webhook.IntentWrongNumber, true, true},
		{"label is normalized", "sure", `{"intent":" Interested "}`, nil, webhook.IntentInterested, false, true},
		{"stop never reaches the model", "STOP", `{"intent":"interested"}`, nil, webhook.IntentOptOut, true, false},
		{"blank never reaches the model", "  ", `{"intent":"interested"}`, nil, webhook.IntentBlank, false, false},
		{"model error falls back", "Who is this?", "", errors.New("timeout"), webhook.IntentInquiry, false, true},
		{"unknown label falls back", "Who is this?", `{"intent":"optout"}`, nil, webhook.IntentInquiry, false, true},
		{"bad json falls back", "Not interested", `intent: yes`, nil, webhook.IntentNotInterested, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &fakeCompleter{reply: tt.reply, err: tt.err}
			c := NewClassifier(model, zap.NewNop())

			got := c.Classify(context.Background(), tt.body)
			if got.Intent != tt.intent {
				t.Errorf("intent = %q, want %q", got.Intent, tt.intent)
			}
			if got.ShouldOptOut != tt.optOut {
				t.Errorf("ShouldOptOut = %v, want %v", got.ShouldOptOut, tt.optOut)
			}
			if (model.calls > 0) != tt.modelUsed {
				t.Errorf("model called = %v, want %v", model.calls > 0, tt.modelUsed)
			}
		})
	}
}

func TestClient_CompleteJSON(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" {
			t.Errorf("response_format = %+v", req.ResponseFormat)
		}
		if len(req.Messages) != 2 || req.Messages[1].Content != "call me friday" {
			t.Errorf("messages = %+v", req.Messages)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"intent\":\"appointment\"}"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "sk-test", BaseURL: srv.URL}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	got := NewClassifier(client, zap.NewNop()).Classify(context.Background(), "call me friday")
	if got.Intent != webhook.IntentAppointment {
		t.Errorf("intent = %q", got.Intent)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d", hits.Load())
	}
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "sk-test", BaseURL: srv.URL}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	if _, err := client.CompleteJSON(context.Background(), "s", "u"); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewClient_RequiresKey(t *testing.T) {
	if _, err := NewClient(Config{}, zap.NewNop()); err == nil {
		t.Fatal("expected error without API key")
	}
}
