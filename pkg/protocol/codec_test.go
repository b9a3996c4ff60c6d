package protocol

import (
	"encoding/json"
	"testing"

	"github.com/morezero/agent-comms/pkg/protoerr"
)

func TestEncodeRequest_RoundTrip(t *testing.T) {
	params := map[string]interface{}{"initialMessage": map[string]interface{}{"text": "hello"}}

	req, err := EncodeRequest("task.create", "agent-0", "agent-1", params, "", "trace-7")
	if err != nil {
		t.Fatalf("protocol:codec_test - EncodeRequest failed: %v", err)
	}
	if req.ID == "" {
		t.Fatal("protocol:codec_test - expected generated request id")
	}
	if req.Version != Version {
		t.Errorf("protocol:codec_test - Version = %q, want %q", req.Version, Version)
	}

	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("protocol:codec_test - marshal failed: %v", err)
	}
	got, perr := ValidateRequest(raw)
	if perr != nil {
		t.Fatalf("protocol:codec_test - ValidateRequest failed: %v", perr)
	}

	if got.Method != "task.create" || got.Sender != "agent-0" || got.Target != "agent-1" {
		t.Errorf("protocol:codec_test - envelope fields changed in round trip: %+v", got)
	}
	if got.TraceID != "trace-7" {
		t.Errorf("protocol:codec_test - TraceID = %q, want %q", got.TraceID, "trace-7")
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(got.Params, &decoded); err != nil {
		t.Fatalf("protocol:codec_test - params unmarshal failed: %v", err)
	}
	msg := decoded["initialMessage"].(map[string]interface{})
	if msg["text"] != "hello" {
		t.Errorf("protocol:codec_test - params changed in round trip: %v", decoded)
	}
}

func TestEncodeRequest_CallerChosenID(t *testing.T) {
	req, err := EncodeRequest("task.info", "a", "b", map[string]string{"taskId": "t1"}, "req-42", "")
	if err != nil {
		t.Fatalf("protocol:codec_test - EncodeRequest failed: %v", err)
	}
	if req.ID != "req-42" {
		t.Errorf("protocol:codec_test - ID = %q, want %q", req.ID, "req-42")
	}
	if req.TraceID != "" {
		t.Errorf("protocol:codec_test - TraceID = %q, want empty", req.TraceID)
	}
}

func TestValidateRequest_MissingFields(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing version", `{"id":"1","method":"a.b","sender":"s","target":"t","params":{}}`},
		{"missing id", `{"version":"1.0","method":"a.b","sender":"s","target":"t","params":{}}`},
		{"missing method", `{"version":"1.0","id":"1","sender":"s","target":"t","params":{}}`},
		{"missing sender", `{"version":"1.0","id":"1","method":"a.b","target":"t","params":{}}`},
		{"missing target", `{"version":"1.0","id":"1","method":"a.b","sender":"s","params":{}}`},
		{"missing params", `{"version":"1.0","id":"1","method":"a.b","sender":"s","target":"t"}`},
		{"null params", `{"version":"1.0","id":"1","method":"a.b","sender":"s","target":"t","params":null}`},
		{"bad method format", `{"version":"1.0","id":"1","method":"create","sender":"s","target":"t","params":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, perr := ValidateRequest(json.RawMessage(tt.raw))
			if perr == nil {
				t.Fatal("protocol:codec_test - expected validation error")
			}
			if protoerr.NamespaceOf(perr.Code) != protoerr.NamespaceProtocol {
				t.Errorf("protocol:codec_test - Code = %d, want protocol namespace", perr.Code)
			}
		})
	}
}

func TestValidateRequest_WrongVersion(t *testing.T) {
	raw := `{"version":"2.0","id":"1","method":"a.b","sender":"s","target":"t","params":{}}`
	_, perr := ValidateRequest(json.RawMessage(raw))
	if perr == nil {
		t.Fatal("protocol:codec_test - expected version error")
	}
	if perr.Code != protoerr.CodeUnsupportedVersion {
		t.Errorf("protocol:codec_test - Code = %d, want CodeUnsupportedVersion", perr.Code)
	}
}

func TestValidateRequest_Malformed(t *testing.T) {
	_, perr := ValidateRequest(json.RawMessage(`{"version": `))
	if perr == nil {
		t.Fatal("protocol:codec_test - expected parse error")
	}
	if perr.Code != protoerr.CodeParse {
		t.Errorf("protocol:codec_test - Code = %d, want CodeParse", perr.Code)
	}
}

func TestValidateResponse_CorrelationAndExactlyOneOf(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expectID string
		wantErr  bool
	}{
		{
			"result only",
			`{"version":"1.0","id":"r1","responder":"b","target":"a","result":{"ok":true}}`,
			"r1", false,
		},
		{
			"error only",
			`{"version":"1.0","id":"r1","responder":"b","target":"a","error":{"code":3002,"message":"done"}}`,
			"r1", false,
		},
		{
			"result with null error is valid",
			`{"version":"1.0","id":"r1","responder":"b","target":"a","result":{"ok":true},"error":null}`,
			"r1", false,
		},
		{
			"null result with error is valid",
			`{"version":"1.0","id":"r1","responder":"b","target":"a","result":null,"error":{"code":3001,"message":"x"}}`,
			"r1", false,
		},
		{
			"both present",
			`{"version":"1.0","id":"r1","responder":"b","target":"a","result":{},"error":{"code":1,"message":"x"}}`,
			"r1", true,
		},
		{
			"neither present",
			`{"version":"1.0","id":"r1","responder":"b","target":"a"}`,
			"r1", true,
		},
		{
			"both null",
			`{"version":"1.0","id":"r1","responder":"b","target":"a","result":null,"error":null}`,
			"r1", true,
		},
		{
			"id mismatch",
			`{"version":"1.0","id":"r2","responder":"b","target":"a","result":{}}`,
			"r1", true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, perr := ValidateResponse(json.RawMessage(tt.raw), tt.expectID)
			if tt.wantErr && perr == nil {
				t.Fatal("protocol:codec_test - expected validation error")
			}
			if !tt.wantErr && perr != nil {
				t.Fatalf("protocol:codec_test - unexpected error: %v", perr)
			}
		})
	}
}

func TestNewResult_EchoesIDAndTrace(t *testing.T) {
	req := &Request{Version: Version, ID: "r9", Method: "task.info", Sender: "caller", Target: "agent-1", TraceID: "trace-1"}

	resp, err := NewResult(req, "agent-1", map[string]string{"status": "SUBMITTED"})
	if err != nil {
		t.Fatalf("protocol:codec_test - NewResult failed: %v", err)
	}
	if resp.ID != "r9" {
		t.Errorf("protocol:codec_test - ID = %q, want %q", resp.ID, "r9")
	}
	if resp.TraceID != "trace-1" {
		t.Errorf("protocol:codec_test - TraceID = %q, want %q", resp.TraceID, "trace-1")
	}
	if resp.Target != "caller" {
		t.Errorf("protocol:codec_test - Target = %q, want original sender", resp.Target)
	}
	if resp.Error != nil {
		t.Error("protocol:codec_test - expected nil Error on success response")
	}
}

func TestNewError_EchoesIDAndTrace(t *testing.T) {
	req := &Request{Version: Version, ID: "r9", Method: "task.info", Sender: "caller", Target: "agent-1", TraceID: "trace-1"}

	resp := NewError(req, "agent-1", protoerr.AgentNotFound("agent-2", "agent-1"))
	if resp.ID != "r9" || resp.TraceID != "trace-1" || resp.Target != "caller" {
		t.Errorf("protocol:codec_test - envelope fields not echoed: %+v", resp)
	}
	if resp.Result != nil {
		t.Error("protocol:codec_test - expected nil Result on error response")
	}
	if resp.Error.Code != protoerr.CodeAgentNotFound {
		t.Errorf("protocol:codec_test - Code = %d, want CodeAgentNotFound", resp.Error.Code)
	}
}

func TestValidMethodName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"task.create", true},
		{"chat.start", true},
		{"event.notify", true},
		{"a.b.c", true},
		{"task_v2.sub-op", true},
		{"create", false},
		{"task.", false},
		{".create", false},
		{"task..create", false},
		{"Task.Create", false},
		{"task.cre ate", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidMethodName(tt.name); got != tt.valid {
			t.Errorf("protocol:codec_test - ValidMethodName(%q) = %v, want %v", tt.name, got, tt.valid)
		}
	}
}

func TestCompatible(t *testing.T) {
	tests := []struct {
		version string
		want    bool
	}{
		{"1.0", true},
		{"1.1", true},
		{"1.9.3", true},
		{"2.0", false},
		{"0.9", false},
		{"bogus", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := Compatible(tt.version); got != tt.want {
			t.Errorf("protocol:version - Compatible(%q) = %v, want %v", tt.version, got, tt.want)
		}
	}
}
