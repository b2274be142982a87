package webhook

import (
	"errors"
	"testing"
)

func TestParseFields_Form(t *testing.T) {
	body := []byte("MessageSid=SM123&From=%2B15125550100&To=%2B15125550001&Body=Stop+please")
	f, err := ParseFields("application/x-www-form-urlencoded", body)
	if err != nil {
		t.Fatalf("ParseFields() error = %v", err)
	}

	in, err := InboundFromFields(f)
	if err != nil {
		t.Fatalf("InboundFromFields() error = %v", err)
	}
	if in.MessageID != "SM123" || in.From != "+15125550100" || in.To != "+15125550001" || in.Body != "Stop please" {
		t.Errorf("unexpected inbound: %+v", in)
	}
}

func TestParseFields_JSON(t *testing.T) {
	body := []byte(`{"sid":"TG9","status":"undelivered","error":30003,"extra":null}`)
	f, err := ParseFields("application/json; charset=utf-8", body)
	if err != nil {
		t.Fatalf("ParseFields() error = %v", err)
	}

	r, err := ReceiptFromFields(f)
	if err != nil {
		t.Fatalf("ReceiptFromFields() error = %v", err)
	}
	if r.MessageID != "TG9" || r.Status != "undelivered" || r.Error != "30003" {
		t.Errorf("unexpected receipt: %+v", r)
	}
	if _, ok := f["extra"]; ok {
		t.Error("null values should be dropped")
	}
}

func TestParseFields_SniffsJSONWithoutContentType(t *testing.T) {
	f, err := ParseFields("", []byte(` {"MessageId":"m1","DeliveryStatus":"delivered"}`))
	if err != nil {
		t.Fatalf("ParseFields() error = %v", err)
	}
	if f.First("MessageId") != "m1" {
		t.Errorf("MessageId = %q", f.First("MessageId"))
	}
}

func TestParseFields_BadJSON(t *testing.T) {
	_, err := ParseFields("application/json", []byte(`{"sid":`))
	if !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("error = %v, want ErrInvalidPayload", err)
	}
}

func TestReceiptFromFields_Missing(t *testing.T) {
	tests := []struct {
		name   string
		fields Fields
	}{
		{"no id", Fields{"MessageStatus": "delivered"}},
		{"no status", Fields{"MessageSid": "SM1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReceiptFromFields(tt.fields); !errors.Is(err, ErrInvalidPayload) {
				t.Errorf("error = %v, want ErrInvalidPayload", err)
			}
		})
	}
}

func TestInboundFromFields_MissingFrom(t *testing.T) {
	if _, err := InboundFromFields(Fields{"Body": "hi"}); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("error = %v, want ErrInvalidPayload", err)
	}
}

func TestNormalizeStatus(t *testing.T) {
	tests := map[string]DeliveryState{
		"queued":      DeliveryPending,
		"accepted":    DeliveryPending,
		"sent":        DeliverySent,
		"Delivered":   DeliveryDelivered,
		" read ":      DeliveryDelivered,
		"failed":      DeliveryFailed,
		"undelivered": DeliveryFailed,
		"canceled":    DeliveryFailed,
		"bogus":       DeliveryUnknown,
		"":            DeliveryUnknown,
	}
	for raw, want := range tests {
		if got := NormalizeStatus(raw); got != want {
			t.Errorf("NormalizeStatus(%q) = %q, want %q", raw, got, want)
		}
	}
}
