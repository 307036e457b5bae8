package mcp

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func mustRequest(t *testing.T, id ID, method string, params any) *Request {
	t.Helper()
	req, err := NewRequest(id, method, params)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}

func TestNewRequest(t *testing.T) {
	req := mustRequest(t, Int64ID(42), "tools/list", map[string]any{"cursor": "abc"})

	if req.ID != Int64ID(42) {
		t.Errorf("ID = %s, want 42", req.ID)
	}
	if req.Method != "tools/list" {
		t.Errorf("Method = %q, want %q", req.Method, "tools/list")
	}
	if string(req.Params) != `{"cursor":"abc"}` {
		t.Errorf("Params = %s, want %s", req.Params, `{"cursor":"abc"}`)
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"jsonrpc":"2.0","id":42,"method":"tools/list","params":{"cursor":"abc"}}`
	if string(data) != want {
		t.Errorf("marshal = %s, want %s", data, want)
	}
}

func TestSerializeOmitsAbsentParams(t *testing.T) {
	req := mustRequest(t, StringID("a"), "ping", nil)
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if want := `{"jsonrpc":"2.0","id":"a","method":"ping"}`; string(data) != want {
		t.Errorf("marshal = %s, want %s", data, want)
	}

	n, err := NewNotification(MethodInitialized, nil)
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	data, err = json.Marshal(n)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if want := `{"jsonrpc":"2.0","method":"notifications/initialized"}`; string(data) != want {
		t.Errorf("marshal = %s, want %s", data, want)
	}
}

func TestParseRoundTrip(t *testing.T) {
	resultResp, err := NewResultResponse(Int64ID(7), map[string]any{"tools": []any{}})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		msg  Message
	}{
		{"request int id", Message{Kind: KindRequest, Request: mustRequest(t, Int64ID(1), "tools/list", nil)}},
		{"request string id", Message{Kind: KindRequest, Request: mustRequest(t, StringID("req-1"), "tools/call", map[string]any{"name": "echo", "arguments": map[string]any{"x": 1}})}},
		{"request negative id", Message{Kind: KindRequest, Request: mustRequest(t, Int64ID(-9), "ping", nil)}},
		{"result response", Message{Kind: KindResponse, Response: resultResp}},
		{"null result response", Message{Kind: KindResponse, Response: &Response{ID: StringID("x"), Result: json.RawMessage("null")}}},
		{"error response", Message{Kind: KindResponse, Response: NewErrorResponse(Int64ID(3), CodeToolNotFound, "no such tool")}},
		{"error with data", Message{Kind: KindResponse, Response: &Response{ID: Int64ID(4), Error: &RPCError{Code: CodeInvalidParams, Message: "bad", Data: json.RawMessage(`{"field":"uri"}`)}}}},
		{"notification", Message{Kind: KindNotification, Notification: &Notification{Method: MethodToolsListChanged}}},
		{"notification with params", Message{Kind: KindNotification, Notification: &Notification{Method: MethodProgress, Params: json.RawMessage(`{"progress":1,"progressToken":"t"}`)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.msg.Marshal()
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if !strings.Contains(string(data), `"jsonrpc":"2.0"`) {
				t.Errorf("serialized frame %s lacks version tag", data)
			}
			got, err := ParseMessage(data)
			if err != nil {
				t.Fatalf("ParseMessage(%s): %v", data, err)
			}
			if !reflect.DeepEqual(got, tt.msg) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, tt.msg)
			}
		})
	}
}

func TestParseDispatchesOnShape(t *testing.T) {
	tests := []struct {
		frame string
		want  Kind
	}{
		{`{"jsonrpc":"2.0","id":1,"method":"ping"}`, KindRequest},
		{`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info"}}`, KindNotification},
		{`{"jsonrpc":"2.0","id":"abc","result":{}}`, KindResponse},
		{`{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"Method not found"}}`, KindResponse},
	}
	for _, tt := range tests {
		msg, err := ParseMessage([]byte(tt.frame))
		if err != nil {
			t.Errorf("ParseMessage(%s): %v", tt.frame, err)
			continue
		}
		if msg.Kind != tt.want {
			t.Errorf("ParseMessage(%s).Kind = %s, want %s", tt.frame, msg.Kind, tt.want)
		}
	}
}

func TestParseNormalizesWhitespace(t *testing.T) {
	frame := `{ "jsonrpc" : "2.0", "id" : 5, "method" : "tools/call", "params" : { "name" : "x" } }`
	msg, err := ParseMessage([]byte(frame))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if string(msg.Request.Params) != `{"name":"x"}` {
		t.Errorf("Params = %s, want compacted", msg.Request.Params)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := []struct {
		name   string
		frame  string
		reason string
	}{
		{"not json", `not json`, "not a JSON object"},
		{"array batch", `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, "not a JSON object"},
		{"missing version", `{"id":1,"method":"ping"}`, "missing jsonrpc"},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, "unsupported jsonrpc"},
		{"both result and error", `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`, "both result and error"},
		{"neither result nor error", `{"jsonrpc":"2.0","id":1}`, "neither result nor error"},
		{"no method no id", `{"jsonrpc":"2.0","result":{}}`, "neither method nor id"},
		{"request with result", `{"jsonrpc":"2.0","id":1,"method":"ping","result":{}}`, "carries result or error"},
		{"float id", `{"jsonrpc":"2.0","id":1.5,"method":"ping"}`, "invalid id"},
		{"null id", `{"jsonrpc":"2.0","id":null,"result":{}}`, "invalid id"},
		{"bool id", `{"jsonrpc":"2.0","id":true,"method":"ping"}`, "invalid id"},
		{"empty method", `{"jsonrpc":"2.0","id":1,"method":""}`, "non-empty string"},
		{"error without code", `{"jsonrpc":"2.0","id":1,"error":{"message":"x"}}`, "code and message"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMessage([]byte(tt.frame))
			if err == nil {
				t.Fatalf("ParseMessage(%s) = nil error, want failure", tt.frame)
			}
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("error %v is not a *ParseError", err)
			}
			if !strings.Contains(err.Error(), tt.reason) {
				t.Errorf("error %q does not mention %q", err, tt.reason)
			}
		})
	}
}

func TestNullParamsAreAbsent(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"jsonrpc":"2.0","method":"x","params":null}`))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.Notification.Params != nil {
		t.Errorf("Params = %s, want nil", msg.Notification.Params)
	}
}

func TestSerializeDropsNullMembers(t *testing.T) {
	null := json.RawMessage("null")
	msgs := []Message{
		{Kind: KindRequest, Request: &Request{ID: Int64ID(4), Method: "tools/list", Params: null}},
		{Kind: KindNotification, Notification: &Notification{Method: "notifications/initialized", Params: null}},
		{Kind: KindResponse, Response: &Response{ID: Int64ID(4), Error: &RPCError{Code: CodeInternalError, Message: "boom", Data: null}}},
	}
	for _, m := range msgs {
		t.Run(m.Kind.String(), func(t *testing.T) {
			data, err := m.Marshal()
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if strings.Contains(string(data), "null") {
				t.Errorf("serialized %s carries null: %s", m.Kind, data)
			}
			got, err := ParseMessage(data)
			if err != nil {
				t.Fatalf("ParseMessage(%s): %v", data, err)
			}
			switch m.Kind {
			case KindRequest:
				if got.Request.Params != nil {
					t.Errorf("Params = %s, want nil", got.Request.Params)
				}
			case KindNotification:
				if got.Notification.Params != nil {
					t.Errorf("Params = %s, want nil", got.Notification.Params)
				}
			case KindResponse:
				if got.Response.Error == nil || got.Response.Error.Data != nil {
					t.Errorf("Error = %+v, want data absent", got.Response.Error)
				}
			}
		})
	}
}

func TestIDMapKey(t *testing.T) {
	m := map[ID]string{
		Int64ID(1):    "int",
		StringID("1"): "string",
	}
	if len(m) != 2 {
		t.Fatalf("integer and string ids collided")
	}

	var id ID
	if err := json.Unmarshal([]byte(`"1"`), &id); err != nil {
		t.Fatal(err)
	}
	if m[id] != "string" {
		t.Errorf("lookup of decoded string id = %q, want %q", m[id], "string")
	}
	if err := json.Unmarshal([]byte(`1`), &id); err != nil {
		t.Fatal(err)
	}
	if m[id] != "int" {
		t.Errorf("lookup of decoded int id = %q, want %q", m[id], "int")
	}
}

func TestRPCErrorImplementsError(t *testing.T) {
	var err error = &RPCError{Code: CodeMethodNotFound, Message: "Method not found"}
	if err.Error() != "jsonrpc error -32601: Method not found" {
		t.Errorf("Error() = %q", err.Error())
	}
	if CodeToolNotFound.String() != "tool not found" {
		t.Errorf("CodeToolNotFound.String() = %q", CodeToolNotFound.String())
	}
}
