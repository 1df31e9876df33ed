package message

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/academy-dev/academy/identifier"
)

func TestNewRequest(t *testing.T) {
	src := identifier.NewUserID()
	dest := identifier.NewAgentID()
	payload := json.RawMessage(`{"x":21}`)

	m := NewRequest(src, dest, "double", payload)

	if m.Kind != KindRequest {
		t.Errorf("Kind = %q, want %q", m.Kind, KindRequest)
	}
	if m.Source != src || m.Dest != dest {
		t.Error("source/dest not preserved")
	}
	if m.Action != "double" {
		t.Errorf("Action = %q, want %q", m.Action, "double")
	}
	if m.RequestID == uuid.Nil {
		t.Error("request id not generated")
	}
	if !m.IsRequest() || m.IsResponse() {
		t.Error("request should be request-shaped")
	}
}

func TestRequestIDsAreFresh(t *testing.T) {
	src, dest := identifier.NewUserID(), identifier.NewAgentID()
	a := NewRequest(src, dest, "noop", nil)
	b := NewRequest(src, dest, "noop", nil)
	if a.RequestID == b.RequestID {
		t.Error("two requests share a request id")
	}
}

func TestSuccessResponse(t *testing.T) {
	req := NewRequest(identifier.NewUserID(), identifier.NewAgentID(), "double", json.RawMessage(`21`))
	resp := req.Success(json.RawMessage(`42`))

	if resp.Kind != KindSuccess {
		t.Errorf("Kind = %q, want %q", resp.Kind, KindSuccess)
	}
	if resp.RequestID != req.RequestID {
		t.Error("success response must preserve the request id")
	}
	if resp.Source != req.Dest || resp.Dest != req.Source {
		t.Error("success response must swap source and dest")
	}
	if string(resp.Payload) != `42` {
		t.Errorf("Payload = %s, want 42", resp.Payload)
	}
	if !resp.IsResponse() || resp.IsRequest() {
		t.Error("success should be response-shaped")
	}
}

func TestFailureResponse(t *testing.T) {
	req := NewRequest(identifier.NewUserID(), identifier.NewAgentID(), "missing", nil)
	resp := req.Failure(ErrKindUnknownAction, "no such action")

	if resp.Kind != KindError {
		t.Errorf("Kind = %q, want %q", resp.Kind, KindError)
	}
	if resp.RequestID != req.RequestID {
		t.Error("error response must preserve the request id")
	}
	if resp.Err == nil || resp.Err.Kind != ErrKindUnknownAction {
		t.Errorf("Err = %+v, want kind %q", resp.Err, ErrKindUnknownAction)
	}
	if resp.Err.Message != "no such action" {
		t.Errorf("Err.Message = %q", resp.Err.Message)
	}
}

func TestPingAndShutdownShapes(t *testing.T) {
	src, dest := identifier.NewUserID(), identifier.NewAgentID()

	ping := NewPing(src, dest)
	if ping.Kind != KindPing || !ping.IsRequest() {
		t.Error("ping should be a request-shaped message")
	}

	sd := NewShutdown(src, dest)
	if sd.Kind != KindShutdown || !sd.IsRequest() {
		t.Error("shutdown should be a request-shaped message")
	}
}

func TestEncodeDecode(t *testing.T) {
	req := NewRequest(identifier.NewUserID(), identifier.NewAgentID(), "sum", json.RawMessage(`[1,2,3]`))

	data, err := req.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decoded.Kind != req.Kind ||
		decoded.Source != req.Source ||
		decoded.Dest != req.Dest ||
		decoded.RequestID != req.RequestID ||
		decoded.Action != req.Action {
		t.Errorf("decoded envelope differs: got %+v, want %+v", decoded, req)
	}
	if string(decoded.Payload) != `[1,2,3]` {
		t.Errorf("Payload = %s, want [1,2,3]", decoded.Payload)
	}
}

func TestEncodeDecodeErrorEnvelope(t *testing.T) {
	req := NewRequest(identifier.NewUserID(), identifier.NewAgentID(), "boom", nil)
	resp := req.Failure(ErrKindActionFailed, "it broke")

	data, err := resp.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Err == nil || decoded.Err.Kind != ErrKindActionFailed || decoded.Err.Message != "it broke" {
		t.Errorf("error info lost in transit: %+v", decoded.Err)
	}
}

func TestDecodeInvalid(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Error("Decode should fail on malformed input")
	}
}
