package jsonrpc

import (
	"bytes"
	"encoding/json"
)

// Request is an inbound request or notification produced by the receive
// loop. ID is nil for notifications.
type Request struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage
}

func (r *Request) IsNotification() bool {
	return r == nil || len(r.ID) == 0
}

// ParamsShape reports "positional", "named" or "none".
func (r *Request) ParamsShape() string {
	trimmed := bytes.TrimSpace(r.Params)
	switch {
	case len(trimmed) == 0:
		return "none"
	case trimmed[0] == '[':
		return "positional"
	case trimmed[0] == '{':
		return "named"
	default:
		return "none"
	}
}
