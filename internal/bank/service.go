package bank

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"aim-chat/go-jsonrpc/pkg/dispatch"
	"aim-chat/go-jsonrpc/pkg/jsonrpc"
)

const (
	MethodLogin      = "login"
	MethodGetBalance = "get_balance"
	MethodTransfer   = "transfer"
)

type Service struct {
	ledger *Ledger
	log    *slog.Logger
}

func NewService(ledger *Ledger, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{ledger: ledger, log: log}
}

// Register installs the bank methods on d:
//
//	login(user, pin) -> bool           positional
//	get_balance() -> int               no params
//	transfer(to=..., amount=...)       named
func (s *Service) Register(d *dispatch.Dispatcher) error {
	for _, h := range []struct {
		name  string
		style dispatch.ParamStyle
		fn    dispatch.HandlerFunc
	}{
		{MethodLogin, dispatch.ParamsPositional, s.login},
		{MethodGetBalance, dispatch.ParamsNone, s.getBalance},
		{MethodTransfer, dispatch.ParamsNamed, s.transfer},
	} {
		if err := d.Register(h.name, h.style, h.fn); err != nil {
			return err
		}
	}
	return nil
}

// NewConnValue gives every connection a fresh Session. It fits
// rpc.WithConnValue.
func (s *Service) NewConnValue(string, string) any {
	return NewSession()
}

func (s *Service) login(ctx context.Context, args dispatch.Args) (any, error) {
	var (
		user string
		pin  int
	)
	if err := args.Scan(&user, &pin); err != nil {
		return nil, err
	}
	session, err := sessionFrom(ctx)
	if err != nil {
		return nil, err
	}
	user = strings.TrimSpace(user)
	if !s.ledger.Verify(user, pin) {
		s.log.Info("login rejected", "user", user)
		return false, nil
	}
	session.setUser(user)
	s.log.Info("login accepted", "user", user)
	return true, nil
}

func (s *Service) getBalance(ctx context.Context, _ dispatch.Args) (any, error) {
	user, err := s.authorized(ctx)
	if err != nil {
		return nil, err
	}
	return s.ledger.Balance(user)
}

type transferParams struct {
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

func (s *Service) transfer(ctx context.Context, args dispatch.Args) (any, error) {
	var p transferParams
	if err := args.Bind(&p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.To) == "" {
		return nil, jsonrpc.NewInvalidParams(`missing param "to"`)
	}
	from, err := s.authorized(ctx)
	if err != nil {
		return nil, err
	}
	switch err := s.ledger.Transfer(from, p.To, p.Amount); {
	case err == nil:
	case errors.Is(err, ErrUnknownAccount):
		return nil, jsonrpc.NewInvalidParams("unknown account")
	case errors.Is(err, ErrInvalidAmount):
		return nil, jsonrpc.NewInvalidParams(err.Error())
	default:
		return nil, err
	}
	s.log.Info("transfer completed", "user", from, "account", p.To, "amount", p.Amount)
	return nil, nil
}

func (s *Service) authorized(ctx context.Context) (string, error) {
	session, err := sessionFrom(ctx)
	if err != nil {
		return "", err
	}
	user, ok := session.User()
	if !ok {
		return "", ErrNotAuthorized
	}
	return user, nil
}
