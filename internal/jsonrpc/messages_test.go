package jsonrpc

import (
	"encoding/json"
	"testing"
)

func TestAnyMessageKinds(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    MessageKind
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, KindRequest},
		{"string id request", `{"jsonrpc":"2.0","id":"abc","method":"ping"}`, KindRequest},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, KindNotification},
		{"result response", `{"jsonrpc":"2.0","id":1,"result":{}}`, KindResponse},
		{"error response", `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"nope"}}`, KindResponse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var msg AnyMessage
			if err := json.Unmarshal([]byte(tc.payload), &msg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := msg.Kind(); got != tc.want {
				t.Fatalf("kind = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAnyMessageRejectsMalformed(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`},
		{"missing version", `{"id":1,"method":"ping"}`},
		{"method with result", `{"jsonrpc":"2.0","id":1,"method":"ping","result":{}}`},
		{"result and error", `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`},
		{"empty response", `{"jsonrpc":"2.0","id":1}`},
		{"not json", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var msg AnyMessage
			if err := json.Unmarshal([]byte(tc.payload), &msg); err == nil {
				t.Fatalf("expected error for %s", tc.payload)
			}
		})
	}
}

func TestRequestIDForms(t *testing.T) {
	var numID RequestID
	if err := json.Unmarshal([]byte(`42`), &numID); err != nil {
		t.Fatalf("unmarshal numeric: %v", err)
	}
	if numID.String() != "42" {
		t.Fatalf("numeric id renders %q", numID.String())
	}
	b, err := json.Marshal(&numID)
	if err != nil || string(b) != "42" {
		t.Fatalf("numeric id marshals %q (err %v): numbers must stay numbers", b, err)
	}

	var strID RequestID
	if err := json.Unmarshal([]byte(`"req-7"`), &strID); err != nil {
		t.Fatalf("unmarshal string: %v", err)
	}
	b, err = json.Marshal(&strID)
	if err != nil || string(b) != `"req-7"` {
		t.Fatalf("string id marshals %q (err %v)", b, err)
	}

	var bad RequestID
	if err := json.Unmarshal([]byte(`{"x":1}`), &bad); err == nil {
		t.Fatal("object id should be rejected")
	}

	var nilID *RequestID
	if !nilID.IsNil() {
		t.Fatal("nil pointer should read as no ID")
	}
	if NewRequestID("x").IsNil() {
		t.Fatal("string id should not be nil")
	}
}

func TestResponseExclusivity(t *testing.T) {
	resp, err := NewResultResponse(NewRequestID(1), map[string]string{"ok": "yes"})
	if err != nil {
		t.Fatalf("build result: %v", err)
	}
	if resp.Error != nil {
		t.Fatal("result response must not carry error")
	}

	errResp := NewErrorResponse(NewRequestID(1), ErrorCodeInternalError, "boom", nil)
	if len(errResp.Result) != 0 {
		t.Fatal("error response must not carry result")
	}
}
