package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"

	"aim-chat/go-jsonrpc/pkg/jsonrpc"
)

// ParamStyle is the parameter convention a handler declares when it is
// registered.
type ParamStyle int

const (
	ParamsNone ParamStyle = iota
	ParamsPositional
	ParamsNamed
)

func (s ParamStyle) String() string {
	switch s {
	case ParamsNone:
		return "none"
	case ParamsPositional:
		return "positional"
	case ParamsNamed:
		return "named"
	default:
		return fmt.Sprintf("ParamStyle(%d)", int(s))
	}
}

func (s ParamStyle) valid() bool {
	return s >= ParamsNone && s <= ParamsNamed
}

// Args is the decoded view of a request's params, shaped by the handler's
// ParamStyle. Decoding failures come back as InvalidParams errors so
// handlers can return them as is.
type Args struct {
	positional []json.RawMessage
	named      map[string]json.RawMessage
}

func buildArgs(style ParamStyle, raw json.RawMessage) (Args, *jsonrpc.Error) {
	trimmed := bytes.TrimSpace(raw)
	empty := len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
	switch style {
	case ParamsNone:
		if empty || isEmptyContainer(trimmed) {
			return Args{}, nil
		}
		return Args{}, jsonrpc.NewInvalidParams("method takes no params")
	case ParamsPositional:
		if empty {
			return Args{}, nil
		}
		if trimmed[0] != '[' {
			return Args{}, jsonrpc.NewInvalidParams("method takes positional params")
		}
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return Args{}, jsonrpc.NewInvalidParams("")
		}
		return Args{positional: list}, nil
	case ParamsNamed:
		if empty {
			return Args{named: map[string]json.RawMessage{}}, nil
		}
		if trimmed[0] != '{' {
			return Args{}, jsonrpc.NewInvalidParams("method takes named params")
		}
		var named map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &named); err != nil {
			return Args{}, jsonrpc.NewInvalidParams("")
		}
		return Args{named: named}, nil
	default:
		return Args{}, jsonrpc.NewInternalError("")
	}
}

// Len is the number of positional or named arguments.
func (a Args) Len() int {
	if a.named != nil {
		return len(a.named)
	}
	return len(a.positional)
}

// Decode unmarshals positional argument i into v.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a.positional) {
		return jsonrpc.NewInvalidParams(fmt.Sprintf("missing param %d", i))
	}
	if err := json.Unmarshal(a.positional[i], v); err != nil {
		return jsonrpc.NewInvalidParams(fmt.Sprintf("param %d: %v", i, err))
	}
	return nil
}

// Scan decodes all positional arguments, which must match len(dst) exactly.
func (a Args) Scan(dst ...any) error {
	if len(a.positional) != len(dst) {
		return jsonrpc.NewInvalidParams(fmt.Sprintf("expected %d params, got %d", len(dst), len(a.positional)))
	}
	for i, v := range dst {
		if err := a.Decode(i, v); err != nil {
			return err
		}
	}
	return nil
}

// Lookup decodes the named argument key into v and reports whether it was
// present.
func (a Args) Lookup(key string, v any) (bool, error) {
	raw, ok := a.named[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, jsonrpc.NewInvalidParams(fmt.Sprintf("param %q: %v", key, err))
	}
	return true, nil
}

// Bind decodes all named arguments into the struct or map v.
func (a Args) Bind(v any) error {
	raw, err := json.Marshal(a.named)
	if err != nil {
		return jsonrpc.NewInvalidParams("")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return jsonrpc.NewInvalidParams(err.Error())
	}
	return nil
}

func isEmptyContainer(raw json.RawMessage) bool {
	switch raw[0] {
	case '[':
		var list []json.RawMessage
		return json.Unmarshal(raw, &list) == nil && len(list) == 0
	case '{':
		var named map[string]json.RawMessage
		return json.Unmarshal(raw, &named) == nil && len(named) == 0
	default:
		return false
	}
}
