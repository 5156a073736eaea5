package bridgeapi

import (
	"context"

	"github.com/aegis-sign/extbridge/internal/app/extbridge"
	"github.com/aegis-sign/extbridge/pkg/apierrors"
	"github.com/aegis-sign/extbridge/pkg/dapp"
	"github.com/aegis-sign/extbridge/pkg/validator"
)

// HTTP 与 gRPC 共用的请求/响应形状。

type addressBody struct {
	Address string `json:"address"`
}

type disconnectBody struct {
	OK bool `json:"ok"`
}

type transactionsBody struct {
	Transactions []dapp.Transaction `json:"transactions"`
}

type transactionBody struct {
	Transaction *dapp.Transaction `json:"transaction"`
}

type signMessageBody struct {
	Message  string `json:"message"`
	Encoding string `json:"encoding,omitempty"`
}

// StatusView 是 /status 的响应。
type StatusView struct {
	Initialized bool                        `json:"initialized"`
	Connected   bool                        `json:"connected"`
	Session     *dapp.Account               `json:"session,omitempty"`
	Exchange    *extbridge.ExchangeSnapshot `json:"exchange,omitempty"`
}

// ExchangeView 是 /debug/exchange 的响应。
type ExchangeView struct {
	Active   bool                        `json:"active"`
	Exchange *extbridge.ExchangeSnapshot `json:"exchange,omitempty"`
}

func buildStatus(ctx context.Context, backend Backend) (StatusView, error) {
	connected, err := backend.IsConnected(ctx)
	if err != nil {
		return StatusView{}, err
	}
	view := StatusView{Initialized: backend.IsInitialized(), Connected: connected}
	if account, ok := backend.Session(); ok {
		view.Session = &account
	}
	if snap, ok := backend.Snapshot(); ok {
		view.Exchange = &snap
	}
	return view, nil
}

func buildExchangeView(backend Backend) ExchangeView {
	snap, ok := backend.Snapshot()
	if !ok {
		return ExchangeView{}
	}
	return ExchangeView{Active: true, Exchange: &snap}
}

// decodeSignableMessage 校验并解码待签名消息。
func decodeSignableMessage(body signMessageBody) (dapp.SignableMessage, error) {
	if body.Message == "" {
		return dapp.SignableMessage{}, apierrors.New(apierrors.CodeInvalidArgument, "message is required")
	}
	encoding, err := validator.NormalizeEncoding(body.Encoding)
	if err != nil {
		return dapp.SignableMessage{}, apierrors.New(apierrors.CodeInvalidArgument, err.Error())
	}
	decoded, err := validator.DecodeMessage(body.Message, encoding)
	if err != nil {
		return dapp.SignableMessage{}, apierrors.New(apierrors.CodeInvalidArgument, err.Error())
	}
	return dapp.SignableMessage{Message: decoded}, nil
}

func requireTransactions(body transactionsBody) error {
	if len(body.Transactions) == 0 {
		return apierrors.New(apierrors.CodeInvalidArgument, "transactions are required")
	}
	return nil
}

func requireTransaction(body transactionBody) error {
	if body.Transaction == nil {
		return apierrors.New(apierrors.CodeInvalidArgument, "transaction is required")
	}
	return nil
}
