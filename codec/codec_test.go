package codec

import (
	"testing"
	"time"

	"go.catga.dev/result"
)

type sample struct {
	Name  string
	Count int
}

func TestJSONRoundTrip(t *testing.T) {
	c := NewJSON()
	data, err := c.Marshal(sample{Name: "ping", Count: 3})
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	var out sample
	if err := c.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if out.Name != "ping" || out.Count != 3 {
		t.Errorf("round trip = %+v", out)
	}
}

func TestJSONDeterministic(t *testing.T) {
	c := NewJSON()
	a, _ := c.Marshal(sample{Name: "x", Count: 1})
	b, _ := c.Marshal(sample{Name: "x", Count: 1})
	if string(a) != string(b) {
		t.Errorf("Marshal not deterministic: %s vs %s", a, b)
	}
}

func TestUnmarshalEmpty(t *testing.T) {
	codecs := []Codec{NewJSON(), NewBinary()}
	for _, c := range codecs {
		var out sample
		err := c.Unmarshal(nil, &out)
		if err == nil {
			t.Errorf("%s: Unmarshal(nil) should fail", c.Name())
			continue
		}
		if result.Classify(err) != result.KindValidation {
			t.Errorf("%s: Unmarshal(nil) kind = %v, want Validation", c.Name(), result.Classify(err))
		}
	}
}

func TestUnmarshalGarbage(t *testing.T) {
	c := NewJSON()
	var out sample
	err := c.Unmarshal([]byte("{not json"), &out)
	if result.Classify(err) != result.KindValidation {
		t.Errorf("garbage kind = %v, want Validation", result.Classify(err))
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	c := NewBinary()
	data, err := c.Marshal(sample{Name: "pong", Count: 9})
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	var out sample
	if err := c.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if out.Name != "pong" || out.Count != 9 {
		t.Errorf("round trip = %+v", out)
	}
}

func TestEnvelopeJSON(t *testing.T) {
	env := Envelope{
		MsgID:   1001,
		CorrID:  77,
		Type:    "OrderCreated",
		SentAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Payload: []byte(`{"id":42}`),
	}
	data, err := EncodeEnvelopeJSON(env)
	if err != nil {
		t.Fatalf("EncodeEnvelopeJSON() error: %v", err)
	}
	out, err := DecodeEnvelopeJSON(data)
	if err != nil {
		t.Fatalf("DecodeEnvelopeJSON() error: %v", err)
	}
	if out.MsgID != env.MsgID || out.CorrID != env.CorrID || out.Type != env.Type {
		t.Errorf("round trip = %+v", out)
	}
	if string(out.Payload) != string(env.Payload) {
		t.Errorf("payload = %s, want %s", out.Payload, env.Payload)
	}
}

func TestEnvelopeBinary(t *testing.T) {
	env := Envelope{
		MsgID:   4242,
		Type:    "Shipped",
		SentAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Payload: []byte{0x01, 0x02, 0x03},
	}
	data, err := EncodeEnvelopeBinary(env)
	if err != nil {
		t.Fatalf("EncodeEnvelopeBinary() error: %v", err)
	}
	out, err := DecodeEnvelopeBinary(data)
	if err != nil {
		t.Fatalf("DecodeEnvelopeBinary() error: %v", err)
	}
	if out.MsgID != 4242 || out.Type != "Shipped" {
		t.Errorf("round trip = %+v", out)
	}
	if !out.SentAt.Equal(env.SentAt) {
		t.Errorf("SentAt = %v, want %v", out.SentAt, env.SentAt)
	}
	if len(out.Payload) != 3 || out.Payload[2] != 0x03 {
		t.Errorf("payload = %v", out.Payload)
	}
}

func TestEnvelopeBinaryRejectsGarbage(t *testing.T) {
	cases := [][]byte{
		nil,
		{0x00},
		{0xCA},
		{0xCA, 0x99},
		{0xCA, 0x01, 0x80}, // truncated varint
	}
	for _, data := range cases {
		if _, err := DecodeEnvelopeBinary(data); err == nil {
			t.Errorf("DecodeEnvelopeBinary(%v) should fail", data)
		}
	}
}
