package bank

import (
	"context"

	"aim-chat/go-jsonrpc/pkg/jsonrpc"
)

// Client wraps a client-role connection with typed bank calls.
type Client struct {
	conn *jsonrpc.Connection
}

func NewClient(conn *jsonrpc.Connection) *Client {
	return &Client{conn: conn}
}

func (c *Client) Login(ctx context.Context, user string, pin int) (bool, error) {
	var ok bool
	err := c.conn.Call(ctx, MethodLogin, []any{user, pin}, &ok)
	return ok, err
}

func (c *Client) Balance(ctx context.Context) (int64, error) {
	var balance int64
	err := c.conn.Call(ctx, MethodGetBalance, []any{}, &balance)
	return balance, err
}

func (c *Client) Transfer(ctx context.Context, to string, amount int64) error {
	return c.conn.Call(ctx, MethodTransfer, map[string]any{"to": to, "amount": amount}, nil)
}
