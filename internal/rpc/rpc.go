// Package rpc defines the JSON-RPC messages and errors of the plugin protocol.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error codes.
const (
	CodeParseError      = -32700
	CodeInvalidRequest  = -32600
	CodeMethodNotFound  = -32601
	CodeInvalidParam    = -32602
	CodeServerError     = -32000
	CodeCapabilityError = -32001
)

// Request is a call from the client. A nil ID or empty Method makes the
// request invalid.
type Request struct {
	ID     *int64         `json:"id,omitempty"`
	Method string         `json:"method,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// Response answers a request. Exactly one of Result and Error is set, except
// that a nil result is encoded as null.
type Response struct {
	ID     *int64 `json:"id,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// MarshalJSON writes "result": null for successful responses with no result.
func (r Response) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(struct {
			ID    *int64 `json:"id,omitempty"`
			Error *Error `json:"error"`
		}{r.ID, r.Error})
	}
	return json.Marshal(struct {
		ID     *int64 `json:"id,omitempty"`
		Result any    `json:"result"`
	}{r.ID, r.Result})
}

// Notification is an unsolicited message from the server.
type Notification struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

// RequestRef identifies the request a notification is about.
type RequestRef struct {
	ID     *int64 `json:"id,omitempty"`
	Method string `json:"method"`
}

// WarnParams are the params of a "warn" notification.
type WarnParams struct {
	Message string      `json:"message"`
	Request *RequestRef `json:"request,omitempty"`
}

// Warn builds a "warn" notification.
func Warn(message string, req *RequestRef) Notification {
	return Notification{Method: "warn", Params: WarnParams{Message: message, Request: req}}
}

// Error is a protocol error.
type Error struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// ParseError is returned for a request line that is not valid JSON.
func ParseError(detail string) *Error {
	return &Error{Code: CodeParseError, Message: "Error while parsing request: " + detail}
}

// InvalidRequest is returned for a request without an id or method.
func InvalidRequest() *Error {
	return &Error{Code: CodeInvalidRequest, Message: "Request is invalid because it is missing an id or method"}
}

// MethodNotFound is returned for a method outside the known set.
func MethodNotFound(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("Method '%s' not found", method)}
}

// RequiredParam is returned when a required parameter is absent.
func RequiredParam(param string) *Error {
	return &Error{Code: CodeInvalidParam, Message: fmt.Sprintf("Parameter '%s' is required.", param)}
}

// InvalidParam is returned when a parameter fails its schema.
func InvalidParam(param, message string) *Error {
	return &Error{Code: CodeInvalidParam, Message: fmt.Sprintf("Parameter '%s' is invalid: %s.", param, message)}
}

// ServerError wraps an internal failure. A non-empty stack goes in data.
func ServerError(message, stack string) *Error {
	e := &Error{Code: CodeServerError, Message: message}
	if stack != "" {
		e.Data = map[string]any{"stack": stack}
	}
	return e
}

// CapabilityError is returned for a known method that this plugin does not
// implement, or for an unsupported variant of one it does.
func CapabilityError(capability string) *Error {
	return &Error{Code: CodeCapabilityError, Message: "Incapable of " + capability}
}

// AsError converts err to a protocol error. An *Error anywhere in the chain
// is returned as is; anything else becomes a ServerError.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return ServerError(err.Error(), "")
}

// ErrorResponse builds a response for err.
func ErrorResponse(id *int64, err error) Response {
	return Response{ID: id, Error: AsError(err)}
}
