package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"aim-chat/go-jsonrpc/internal/wire"
)

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeRateLimited    = -32029
)

var (
	// ErrTransportClosed is reported by transports when a direction can no
	// longer carry data.
	ErrTransportClosed = errors.New("jsonrpc: transport closed")
	// ErrConnectionClosed fails requests that were pending when the receive
	// loop stopped, and requests issued afterwards.
	ErrConnectionClosed     = fmt.Errorf("jsonrpc: connection closed: %w", ErrTransportClosed)
	ErrAlreadyRunning       = errors.New("jsonrpc: connection is already running")
	ErrNotificationResponse = errors.New("jsonrpc: notifications cannot be answered")
)

// ErrorKind partitions Error values into the closed set the engine handles.
type ErrorKind int

const (
	KindProtocol ErrorKind = iota
	KindApplication
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindApplication:
		return "application"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a JSON-RPC error object. Handlers return it to choose the code,
// message and data the peer sees; Request returns it when the peer answers
// with an error.
type Error struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("jsonrpc error %d: %s (data: %s)", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Is matches errors with the same code, so sentinel application errors work
// with errors.Is after a round trip.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

func (e *Error) Kind() ErrorKind {
	switch {
	case e.Code == CodeInternalError:
		return KindInternal
	case e.Code >= -32768 && e.Code <= -32000:
		return KindProtocol
	default:
		return KindApplication
	}
}

// WithData returns a copy of e carrying data encoded as JSON.
func (e *Error) WithData(data any) *Error {
	out := *e
	raw, err := json.Marshal(data)
	if err != nil {
		out.Data = nil
		return &out
	}
	out.Data = raw
	return &out
}

func (e *Error) object() wire.ErrorObject {
	return wire.ErrorObject{Code: e.Code, Message: e.Message, Data: e.Data}
}

func errorFromObject(obj *wire.ErrorObject) *Error {
	return &Error{Code: obj.Code, Message: obj.Message, Data: obj.Data}
}

func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewApplicationError builds an error with a caller-defined code.
func NewApplicationError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

func NewParseError(message string) *Error {
	return &Error{Code: CodeParseError, Message: message}
}

func NewInvalidRequest(message string) *Error {
	return &Error{Code: CodeInvalidRequest, Message: message}
}

func NewMethodNotFound(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("Method %q not found.", method)}
}

func NewInvalidParams(message string) *Error {
	if message == "" {
		message = "invalid params"
	}
	return &Error{Code: CodeInvalidParams, Message: message}
}

func NewInternalError(message string) *Error {
	if message == "" {
		message = "internal error"
	}
	return &Error{Code: CodeInternalError, Message: message}
}

func NewRateLimited() *Error {
	return &Error{Code: CodeRateLimited, Message: "rate limit exceeded"}
}
