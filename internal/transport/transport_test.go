package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	twclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

func testMessage() Message {
	return Message{
		From:           "+15125550100",
		To:             "+15125550199",
		Body:           "Hi Dana, still interested in selling?",
		IdempotencyKey: "item-1",
	}
}

func TestValidate_MissingFields(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"no from", Message{To: "+15125550199", Body: "x"}},
		{"no to", Message{From: "+15125550100", Body: "x"}},
		{"no body", Message{From: "+15125550100", To: "+15125550199"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLogTransport(zap.NewNop()).Send(context.Background(), tt.msg)
			if !errors.Is(err, errMissingField) {
				t.Fatalf("expected errMissingField, got %v", err)
			}
		})
	}
}

func TestTransportError_StatusCode(t *testing.T) {
	err := &TransportError{StatusCode: 429, Body: "slow down"}
	if StatusCode(err) != 429 {
		t.Fatalf("status = %d", StatusCode(err))
	}
	wrapped := errors.Join(errors.New("send"), err)
	if StatusCode(wrapped) != 429 {
		t.Fatal("status should be found through wrapping")
	}
	if StatusCode(errors.New("plain")) != 0 {
		t.Fatal("plain error should have no status")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Fatalf("error text = %q", err.Error())
	}
}

func TestLogTransport_ReturnsID(t *testing.T) {
	id, err := NewLogTransport(zap.NewNop()).Send(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if !strings.HasPrefix(id, "LOG") {
		t.Fatalf("id = %q", id)
	}
}

func newTestTextGrid(t *testing.T, handler http.HandlerFunc) *TextGridTransport {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tg, err := NewTextGridTransport(TextGridConfig{
		AccountSID:        "AC123",
		AuthToken:         "secret",
		BaseURL:           srv.URL,
		StatusCallbackURL: "https://hooks.example.com/webhooks/textgrid/status",
		Timeout:           2 * time.Second,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("new textgrid: %v", err)
	}
	return tg
}

func TestTextGridTransport_Success(t *testing.T) {
	tg := newTestTextGrid(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2010-04-01/Accounts/AC123/Messages.json" {
			t.Errorf("path = %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "secret" {
			t.Errorf("bad basic auth: %s %s", user, pass)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "item-1" {
			t.Errorf("idempotency key = %q", got)
		}

		var req textGridRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.To != "+15125550199" || req.From != "+15125550100" || req.StatusCallback == "" {
			t.Errorf("unexpected request: %+v", req)
		}

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(textGridResponse{SID: "TG-abc", Status: "queued"})
	})

	id, err := tg.Send(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if id != "TG-abc" {
		t.Fatalf("id = %q", id)
	}
}

func TestTextGridTransport_ProviderRejection(t *testing.T) {
	tg := newTestTextGrid(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":21211,"message":"Invalid 'To' Phone Number"}`))
	})

	_, err := tg.Send(context.Background(), testMessage())
	if StatusCode(err) != http.StatusBadRequest {
		t.Fatalf("expected 400 transport error, got %v", err)
	}
	if !strings.Contains(err.Error(), "Invalid 'To' Phone Number") {
		t.Fatalf("error should carry provider body: %v", err)
	}
}

func TestTextGridTransport_MissingSID(t *testing.T) {
	tg := newTestTextGrid(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"queued"}`))
	})

	if _, err := tg.Send(context.Background(), testMessage()); err == nil {
		t.Fatal("expected error for missing sid")
	}
}

func TestTextGridTransport_ContextTimeout(t *testing.T) {
	tg := newTestTextGrid(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tg.Send(ctx, testMessage())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestNewTextGridTransport_RequiresCredentials(t *testing.T) {
	if _, err := NewTextGridTransport(TextGridConfig{}, zap.NewNop()); err == nil {
		t.Fatal("expected error without credentials")
	}
}

type fakeTwilio struct {
	params *twilioApi.CreateMessageParams
	sid    string
	err    error
}

func (f *fakeTwilio) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	return &twilioApi.ApiV2010Message{Sid: &f.sid}, nil
}

func TestTwilioTransport_Success(t *testing.T) {
	fake := &fakeTwilio{sid: "SM123"}
	tw := &TwilioTransport{api: fake, callback: "https://hooks.example.com/status", logger: zap.NewNop()}

	id, err := tw.Send(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if id != "SM123" {
		t.Fatalf("id = %q", id)
	}
	if *fake.params.To != "+15125550199" || *fake.params.From != "+15125550100" {
		t.Fatalf("unexpected params to=%s from=%s", *fake.params.To, *fake.params.From)
	}
	if fake.params.StatusCallback == nil {
		t.Fatal("status callback should be set")
	}
}

func TestTwilioTransport_RestError(t *testing.T) {
	fake := &fakeTwilio{err: &twclient.TwilioRestError{Status: 400, Code: 21610, Message: "Attempt to send to unsubscribed recipient"}}
	tw := &TwilioTransport{api: fake, logger: zap.NewNop()}

	_, err := tw.Send(context.Background(), testMessage())
	if StatusCode(err) != 400 {
		t.Fatalf("expected status 400, got %v", err)
	}
	if !strings.Contains(err.Error(), "unsubscribed") {
		t.Fatalf("error should carry provider message: %v", err)
	}
}

func TestTwilioTransport_NetworkError(t *testing.T) {
	fake := &fakeTwilio{err: errors.New("dial tcp: i/o timeout")}
	tw := &TwilioTransport{api: fake, logger: zap.NewNop()}

	_, err := tw.Send(context.Background(), testMessage())
	var te *TransportError
	if !errors.As(err, &te) || te.StatusCode != 0 {
		t.Fatalf("expected status-less transport error, got %v", err)
	}
}

type fakeSNS struct {
	input *sns.PublishInput
	err   error
}

func (f *fakeSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("sns-msg-1")}, nil
}

func TestSNSTransport_PublishesWithOriginationNumber(t *testing.T) {
	fake := &fakeSNS{}
	s := &SNSTransport{client: fake, logger: zap.NewNop()}

	id, err := s.Send(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if id != "sns-msg-1" {
		t.Fatalf("id = %q", id)
	}
	if aws.ToString(fake.input.PhoneNumber) != "+15125550199" {
		t.Fatalf("phone = %s", aws.ToString(fake.input.PhoneNumber))
	}
	attr, ok := fake.input.MessageAttributes["AWS.MM.SMS.OriginationNumber"]
	if !ok || aws.ToString(attr.StringValue) != "+15125550100" {
		t.Fatalf("origination number attribute missing: %+v", fake.input.MessageAttributes)
	}
}

func TestSNSTransport_Error(t *testing.T) {
	s := &SNSTransport{client: &fakeSNS{err: errors.New("throttled")}, logger: zap.NewNop()}
	if _, err := s.Send(context.Background(), testMessage()); err == nil {
		t.Fatal("expected error")
	}
}
