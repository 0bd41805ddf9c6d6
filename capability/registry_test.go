package capability

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type echoIn struct {
	Message string `json:"message"`
}

type echoOut struct {
	Message string `json:"message"`
}

func echoCap() Capability {
	return New("echo", func(ctx context.Context, in echoIn) (echoOut, error) {
		return echoOut(in), nil
	}, WithDescription("returns its input"))
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoCap()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	c, err := r.Lookup("echo")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	out, err := c.Handler(context.Background(), json.RawMessage(`{"message":"hi"}`))
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	var res echoOut
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("bad handler output %s: %v", out, err)
	}
	if res.Message != "hi" {
		t.Fatalf("expected echo of %q, got %q", "hi", res.Message)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoCap()); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	err := r.Register(echoCap())
	if !errors.Is(err, ErrDuplicateCapability) {
		t.Fatalf("expected ErrDuplicateCapability, got %v", err)
	}
}

func TestRegisterAfterFreeze(t *testing.T) {
	r := NewRegistry()
	r.Freeze()
	err := r.Register(echoCap())
	if !errors.Is(err, ErrRegistryFrozen) {
		t.Fatalf("expected ErrRegistryFrozen, got %v", err)
	}
}

func TestLookupNotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListPreservesRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	names := []string{"zeta", "alpha", "mid"}
	for _, name := range names {
		cap := echoCap()
		cap.Name = name
		if err := r.Register(cap); err != nil {
			t.Fatalf("Register(%s) failed: %v", name, err)
		}
	}
	descs := r.List()
	if len(descs) != len(names) {
		t.Fatalf("expected %d descriptors, got %d", len(names), len(descs))
	}
	for i, d := range descs {
		if d.Name != names[i] {
			t.Fatalf("descriptor %d: expected %q, got %q", i, names[i], d.Name)
		}
	}
}

func TestTypedHandlerRejectsUnknownFields(t *testing.T) {
	c := echoCap()
	_, err := c.Handler(context.Background(), json.RawMessage(`{"message":"hi","extra":1}`))
	var inputErr *InputError
	if !errors.As(err, &inputErr) {
		t.Fatalf("expected *InputError for unknown field, got %v", err)
	}
}

func TestReflectedSchema(t *testing.T) {
	c := echoCap()
	if c.InputSchema.Type != "object" {
		t.Fatalf("expected object input schema, got %q", c.InputSchema.Type)
	}
	prop, ok := c.InputSchema.Properties["message"]
	if !ok {
		t.Fatalf("input schema missing %q property: %+v", "message", c.InputSchema)
	}
	if prop.Type != "string" {
		t.Fatalf("expected string property, got %q", prop.Type)
	}
}

func TestSchemaValidate(t *testing.T) {
	s := Schema{
		Type: "object",
		Properties: map[string]Property{
			"count": {Type: "integer"},
			"name":  {Type: "string"},
		},
		Required: []string{"name"},
	}

	if err := s.Validate([]byte(`{"name":"x","count":3}`)); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	if err := s.Validate([]byte(`{"count":3}`)); err == nil {
		t.Fatal("missing required property accepted")
	}
	if err := s.Validate([]byte(`{"name":"x","count":"three"}`)); err == nil {
		t.Fatal("wrong property type accepted")
	}
	if err := s.Validate([]byte(`{"name":"x","bogus":true}`)); err == nil {
		t.Fatal("unknown property accepted on strict schema")
	}
	if err := s.Validate([]byte(`[1,2]`)); err == nil {
		t.Fatal("non-object payload accepted")
	}
}
