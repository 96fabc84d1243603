package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		err     *Error
		code    int
		message string
	}{
		{ParseError("unexpected end"), -32700, "Error while parsing request: unexpected end"},
		{InvalidRequest(), -32600, "Request is invalid because it is missing an id or method"},
		{MethodNotFound("foo"), -32601, "Method 'foo' not found"},
		{RequiredParam("content"), -32602, "Parameter 'content' is required."},
		{InvalidParam("lang", "must be a string"), -32602, "Parameter 'lang' is invalid: must be a string."},
		{ServerError("boom", ""), -32000, "boom"},
		{CapabilityError("downcast"), -32001, "Incapable of downcast"},
	}
	for _, tt := range tests {
		if tt.err.Code != tt.code {
			t.Errorf("%q: expected code %d, got %d", tt.message, tt.code, tt.err.Code)
		}
		if tt.err.Error() != tt.message {
			t.Errorf("expected message %q, got %q", tt.message, tt.err.Error())
		}
	}
}

func TestServerErrorStack(t *testing.T) {
	e := ServerError("boom", "at line 1")
	if e.Data["stack"] != "at line 1" {
		t.Errorf("expected stack in data, got %v", e.Data)
	}
}

func TestAsError(t *testing.T) {
	if AsError(nil) != nil {
		t.Error("nil must stay nil")
	}

	wrapped := fmt.Errorf("dispatching: %w", RequiredParam("node"))
	if got := AsError(wrapped); got.Code != CodeInvalidParam {
		t.Errorf("wrapped protocol error lost, got %+v", got)
	}

	plain := AsError(errors.New("disk full"))
	if plain.Code != CodeServerError || plain.Message != "disk full" {
		t.Errorf("unexpected server error %+v", plain)
	}
}

func TestResponseEncoding(t *testing.T) {
	id := int64(1)

	data, _ := json.Marshal(ErrorResponse(&id, RequiredParam("content")))
	want := `{"id":1,"error":{"code":-32602,"message":"Parameter 'content' is required."}}`
	if string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}

	data, _ = json.Marshal(Response{ID: &id})
	if string(data) != `{"id":1,"result":null}` {
		t.Errorf("unexpected null result encoding %s", data)
	}

	data, _ = json.Marshal(Response{Error: ParseError("x")})
	if string(data) != `{"error":{"code":-32700,"message":"Error while parsing request: x"}}` {
		t.Errorf("parse error must have no id, got %s", data)
	}
}

func TestWarnEncoding(t *testing.T) {
	id := int64(7)
	data, _ := json.Marshal(Warn("Request is uninterruptible", &RequestRef{ID: &id, Method: "decode"}))
	want := `{"method":"warn","params":{"message":"Request is uninterruptible","request":{"id":7,"method":"decode"}}}`
	if string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}
}
