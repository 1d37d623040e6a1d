package ipc

import (
	"encoding/json"
	"testing"
)

func TestFrameRoundTripsThroughJSON(t *testing.T) {
	original := NewRequest("corr-1", "divide", json.RawMessage(`{"a":1,"b":0}`), 5000)

	b, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded Frame
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if decoded.Kind != KindRequest || decoded.ID != "corr-1" || decoded.Action != "divide" || decoded.DeadlineMS != 5000 {
		t.Fatalf("round-tripped frame mismatch: %+v", decoded)
	}
}

func TestNewOKResponseSetsOKTrue(t *testing.T) {
	f := NewOKResponse("id-1", json.RawMessage(`{"result":4}`))
	if f.OK == nil || !*f.OK {
		t.Fatal("NewOKResponse should set OK to true")
	}
	if f.Error != nil {
		t.Fatal("NewOKResponse should not set Error")
	}
}

func TestNewErrResponseSetsOKFalseAndError(t *testing.T) {
	f := NewErrResponse("id-2", "divide_by_zero", "cannot divide by zero")
	if f.OK == nil || *f.OK {
		t.Fatal("NewErrResponse should set OK to false")
	}
	if f.Error == nil || f.Error.Code != "divide_by_zero" {
		t.Fatalf("NewErrResponse error mismatch: %+v", f.Error)
	}
}

func TestEventFrameOmitsRequestResponseFields(t *testing.T) {
	f := NewEvent(EventReady, nil)
	b, err := json.Marshal(f)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{"id", "action", "ok", "error", "control_op"} {
		if _, present := raw[field]; present {
			t.Errorf("event frame JSON unexpectedly contains %q", field)
		}
	}
	if raw["event"] != string(EventReady) {
		t.Fatalf("event field = %v, want %q", raw["event"], EventReady)
	}
}
