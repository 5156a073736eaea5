package extbridge

import (
	"encoding/json"
	"fmt"

	"github.com/aegis-sign/extbridge/pkg/apierrors"
	"github.com/aegis-sign/extbridge/pkg/dapp"
)

// Operation 是发给扩展的请求类型。
type Operation string

const (
	OperationConnect     Operation = "connect"
	OperationTransaction Operation = "transaction"
	OperationSignMessage Operation = "signMessage"
)

const (
	// PeerTarget 标记来自扩展弹窗的消息。
	PeerTarget = "erdw-extension"
	// InpageTarget 标记页面发往扩展的消息。
	InpageTarget = "erdw-inpage"

	MessagePopupReady    = "popupReady"
	MessageConnectResult = "connectResult"
)

// envelope 是扩展发来的 message.data。
type envelope struct {
	Type   string          `json:"type"`
	Target string          `json:"target"`
	Data   json.RawMessage `json:"data"`
}

// decodeEnvelope 解析并过滤事件；不可识别的消息返回 ok=false。
func decodeEnvelope(evt Event, peer string) (envelope, bool) {
	if !evt.Trusted || len(evt.Data) == 0 {
		return envelope{}, false
	}
	var env envelope
	if err := json.Unmarshal(evt.Data, &env); err != nil {
		return envelope{}, false
	}
	if env.Type == "" || env.Target != peer {
		return envelope{}, false
	}
	return env, true
}

type transactionRequest struct {
	From         int                `json:"from"`
	Transactions []dapp.Transaction `json:"transactions"`
	SignOnly     bool               `json:"signOnly"`
}

// signMessageRequest 的 message 以 base64 形式发给扩展。
type signMessageRequest struct {
	Account int    `json:"account"`
	Message []byte `json:"message"`
}

// signMessageResult 只取签名与地址，消息本身以请求为准。
type signMessageResult struct {
	Signature string `json:"signature"`
	Address   string `json:"address"`
}

func invalidResponse(op Operation, cause error) error {
	return apierrors.Wrap(apierrors.CodeInvalidResponse, fmt.Sprintf("decode %s result", op), cause)
}

func decodeAccount(raw json.RawMessage) (dapp.Account, error) {
	var account dapp.Account
	if err := json.Unmarshal(raw, &account); err != nil {
		return dapp.Account{}, invalidResponse(OperationConnect, err)
	}
	if account.Address == "" {
		return dapp.Account{}, invalidResponse(OperationConnect, fmt.Errorf("missing address"))
	}
	return account, nil
}

func decodeTransactions(raw json.RawMessage, want int) ([]dapp.Transaction, error) {
	var txs []dapp.Transaction
	if err := json.Unmarshal(raw, &txs); err != nil {
		return nil, invalidResponse(OperationTransaction, err)
	}
	if len(txs) != want {
		return nil, invalidResponse(OperationTransaction, fmt.Errorf("expected %d transactions, got %d", want, len(txs)))
	}
	return txs, nil
}

func decodeSignedMessage(raw json.RawMessage, message []byte) (dapp.SignableMessage, error) {
	var res signMessageResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return dapp.SignableMessage{}, invalidResponse(OperationSignMessage, err)
	}
	return dapp.SignableMessage{Message: message, Signature: res.Signature, Address: res.Address}, nil
}
