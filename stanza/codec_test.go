package stanza

import (
	"reflect"
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	events := []Event{
		&Presence{From: "sample@localhost/agent", Status: "ready"},
		&Presence{From: "sample@localhost", Type: PresenceUnavailable},
		&Presence{To: "sender@localhost", Type: PresenceSubscribe},
		&Message{ID: "m1", From: "a@localhost", To: "bus@localhost", Topic: "workflow.started", Body: `{"id":42}`},
		&Message{Topic: "alerts"},
		&IQ{ID: "c-1", From: "a@localhost", To: "b@localhost", Type: IQSet, Capability: "echo", Payload: `{"message":"hi"}`},
		&IQ{ID: "c-1", From: "b@localhost", To: "a@localhost", Type: IQResult, Payload: `{"message":"hi"}`},
		&IQ{ID: "c-2", Type: IQError, Err: &Condition{Kind: "not-found", Text: "no such capability"}},
		&Ack{ID: "m1"},
		&Auth{Mechanism: "PLAIN", JID: "sample@localhost", Secret: "hunter2"},
		&AuthSuccess{},
		&AuthFailure{Text: "credentials rejected"},
		&Bind{Resource: "agent"},
		&Bound{JID: "sample@localhost/agent"},
	}

	for _, ev := range events {
		frame, err := Encode(ev)
		if err != nil {
			t.Fatalf("Encode(%#v) failed: %v", ev, err)
		}
		got, err := Decode(frame)
		if err != nil {
			t.Fatalf("Decode(%s) failed: %v", frame, err)
		}
		if !reflect.DeepEqual(got, ev) {
			t.Fatalf("round trip mismatch:\n sent %#v\n got  %#v\n wire %s", ev, got, frame)
		}
	}
}

func TestRoundTripPayloadEscaping(t *testing.T) {
	in := &IQ{ID: "c-3", Type: IQSet, Capability: "echo", Payload: `{"html":"<b>&amp;</b>"}`}
	frame, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !reflect.DeepEqual(got, in) {
		t.Fatalf("payload escaping broke round trip: got %#v", got)
	}
}

func TestDecodeUnknownElement(t *testing.T) {
	frame := []byte(`<mystery id="1"/>`)
	_, err := Decode(frame)
	de, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("expected *DecodeError, got %v", err)
	}
	if string(de.Raw) != string(frame) {
		t.Fatalf("DecodeError did not preserve raw fragment: %q", de.Raw)
	}
	if !strings.Contains(de.Reason, "mystery") {
		t.Fatalf("reason should name the unknown element, got %q", de.Reason)
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, frame := range []string{
		"",
		"not xml at all",
		"<iq id='x' type='set'>",
		`<iq type="set"><query><name>echo</name></query></iq>`, // missing id
		`<iq id="x" type="bogus"/>`,
	} {
		_, err := Decode([]byte(frame))
		if err == nil {
			t.Fatalf("Decode(%q) should have failed", frame)
		}
		if _, ok := err.(*DecodeError); !ok {
			t.Fatalf("Decode(%q) returned %T, want *DecodeError", frame, err)
		}
	}
}

func TestDecodeIgnoresLeadingWhitespace(t *testing.T) {
	got, err := Decode([]byte("\n  <ack id=\"42\"/>"))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	ack, ok := got.(*Ack)
	if !ok || ack.ID != "42" {
		t.Fatalf("unexpected event: %#v", got)
	}
}
