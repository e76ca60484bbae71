package dispatch

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrScopeActive = errors.New("dispatch: connection context already active")
	ErrNoScope     = errors.New("dispatch: not in a connection context")
)

type scopeKey struct{}

type scope struct {
	value any
}

// WithScope binds value as the connection context of ctx. Everything derived
// from the returned context sees it, including handler goroutines. The value
// is shared by reference and is not synchronized.
func WithScope(ctx context.Context, value any) (context.Context, error) {
	if _, ok := ctx.Value(scopeKey{}).(*scope); ok {
		return ctx, ErrScopeActive
	}
	return context.WithValue(ctx, scopeKey{}, &scope{value: value}), nil
}

// RunScoped runs body with value bound as the connection context.
func RunScoped(ctx context.Context, value any, body func(ctx context.Context) error) error {
	scoped, err := WithScope(ctx, value)
	if err != nil {
		return err
	}
	return body(scoped)
}

// Scope returns the connection context bound to ctx.
func Scope(ctx context.Context) (any, error) {
	s, ok := ctx.Value(scopeKey{}).(*scope)
	if !ok {
		return nil, ErrNoScope
	}
	return s.value, nil
}

// ScopeValue returns the connection context as a T.
func ScopeValue[T any](ctx context.Context) (T, error) {
	var zero T
	v, err := Scope(ctx)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("dispatch: connection context is %T, not %T", v, zero)
	}
	return typed, nil
}
