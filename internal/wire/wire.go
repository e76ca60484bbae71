// Package wire is a sans-io JSON-RPC 2.0 codec: it turns byte buffers into
// messages and messages into byte buffers without touching any transport.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const Version = "2.0"

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
)

type Kind int

const (
	KindRequest Kind = iota
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// ErrorObject is the "error" member of a response.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Message is one decoded envelope. ID is nil for notifications and holds the
// raw JSON id otherwise (which may be the literal null on responses).
type Message struct {
	Kind   Kind
	ID     json.RawMessage
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *ErrorObject
}

// ParseError reports a frame that could not be turned into messages. ID is
// set when the offending request id could still be recovered.
type ParseError struct {
	Code    int
	Message string
	ID      json.RawMessage
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("wire: %s (code %d)", e.Message, e.Code)
}

type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  *string         `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// Parse decodes one frame. A JSON array is treated as a batch and yields one
// message per element.
func Parse(data []byte) ([]Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &ParseError{Code: CodeParseError, Message: "parse error: empty frame"}
	}
	if !json.Valid(trimmed) {
		return nil, &ParseError{Code: CodeParseError, Message: "parse error"}
	}
	if trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, &ParseError{Code: CodeParseError, Message: "parse error"}
		}
		if len(batch) == 0 {
			return nil, &ParseError{Code: CodeInvalidRequest, Message: "invalid request: empty batch"}
		}
		out := make([]Message, 0, len(batch))
		for _, raw := range batch {
			msg, err := parseOne(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, msg)
		}
		return out, nil
	}
	msg, err := parseOne(trimmed)
	if err != nil {
		return nil, err
	}
	return []Message{msg}, nil
}

func parseOne(raw json.RawMessage) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, &ParseError{Code: CodeInvalidRequest, Message: "invalid request: not an object"}
	}
	id := normalizeID(env.ID)
	if env.JSONRPC != Version {
		return Message{}, &ParseError{Code: CodeInvalidRequest, Message: "invalid request: jsonrpc must be \"2.0\"", ID: id}
	}
	if id != nil && !validID(id) {
		return Message{}, &ParseError{Code: CodeInvalidRequest, Message: "invalid request: id must be a string, number or null"}
	}

	if env.Method != nil {
		if *env.Method == "" {
			return Message{}, &ParseError{Code: CodeInvalidRequest, Message: "invalid request: empty method", ID: id}
		}
		if !validParams(env.Params) {
			return Message{}, &ParseError{Code: CodeInvalidRequest, Message: "invalid request: params must be an array or object", ID: id}
		}
		msg := Message{Kind: KindRequest, ID: id, Method: *env.Method, Params: normalizeParams(env.Params)}
		if id == nil {
			msg.Kind = KindNotification
		}
		return msg, nil
	}

	hasResult := env.Result != nil
	hasError := env.Error != nil
	if hasResult == hasError {
		return Message{}, &ParseError{Code: CodeInvalidRequest, Message: "invalid response: exactly one of result or error is required", ID: id}
	}
	if id == nil {
		id = json.RawMessage("null")
	}
	return Message{Kind: KindResponse, ID: id, Result: env.Result, Error: env.Error}, nil
}

// normalizeID keeps an explicit null id for responses but drops absent ids.
func normalizeID(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	return trimmed
}

func validID(raw json.RawMessage) bool {
	switch raw[0] {
	case '"', 'n':
		return true
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return true
	default:
		return false
	}
}

func validParams(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return true
	}
	return trimmed[0] == '[' || trimmed[0] == '{'
}

func normalizeParams(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return trimmed
}

var errNilID = errors.New("wire: response id is required")

// EncodeRequest serializes a request carrying a numeric correlation id.
func EncodeRequest(id uint64, method string, params any) ([]byte, error) {
	rawID, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	return encodeCall(rawID, method, params)
}

// EncodeNotification serializes a message with no id.
func EncodeNotification(method string, params any) ([]byte, error) {
	return encodeCall(nil, method, params)
}

func encodeCall(id json.RawMessage, method string, params any) ([]byte, error) {
	if method == "" {
		return nil, errors.New("wire: method is required")
	}
	rawParams, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{JSONRPC: Version, ID: id, Method: &method, Params: rawParams})
}

func encodeParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		if !validParams(raw) {
			return nil, errors.New("wire: params must be an array or object")
		}
		return normalizeParams(raw), nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("wire: encode params: %w", err)
	}
	if !validParams(raw) {
		return nil, errors.New("wire: params must be an array or object")
	}
	return normalizeParams(raw), nil
}

type resultEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
}

type errorEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   ErrorObject     `json:"error"`
}

// EncodeResult serializes a success response. A nil result is sent as null.
func EncodeResult(id json.RawMessage, result any) ([]byte, error) {
	if len(id) == 0 {
		return nil, errNilID
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("wire: encode result: %w", err)
	}
	return json.Marshal(resultEnvelope{JSONRPC: Version, ID: id, Result: raw})
}

// EncodeError serializes an error response. A nil id is sent as null, which
// is how errors that cannot be tied to a request are reported.
func EncodeError(id json.RawMessage, obj ErrorObject) ([]byte, error) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return json.Marshal(errorEnvelope{JSONRPC: Version, ID: id, Error: obj})
}
