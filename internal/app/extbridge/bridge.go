// Package extbridge 通过扩展弹窗与 window message 通道，把 dApp 的 connect/签名/交易请求转交给钱包扩展。
//
// 每个操作都会打开一个弹窗并执行一次 exchange：等待弹窗发出 popupReady，经随事件传递的端口
// 发送请求，然后等待结果消息；用户关闭弹窗则以 ErrPopupClosed 结束。同一时刻只允许一个 exchange。
package extbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/aegis-sign/extbridge/pkg/apierrors"
	"github.com/aegis-sign/extbridge/pkg/dapp"
)

// Bridge 是钱包扩展的 dApp provider 实现。
type Bridge struct {
	host    Host
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics

	session Session
	busy    atomic.Bool
	current atomic.Pointer[exchange]
}

// ExchangeSnapshot 是当前 exchange 的调试视图。
type ExchangeSnapshot struct {
	Operation Operation `json:"operation"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"startedAt"`
}

// New 构造 Bridge。
func New(host Host, cfg Config) (*Bridge, error) {
	if host == nil {
		return nil, errors.New("extension host is required")
	}
	if cfg.ExtensionID == "" {
		return nil, errors.New("extension id is required")
	}
	normalized := cfg.normalize()
	return &Bridge{
		host:    host,
		cfg:     normalized,
		logger:  normalized.Logger,
		metrics: normalized.Metrics,
	}, nil
}

// Config 返回生效的配置副本。
func (b *Bridge) Config() Config {
	return b.cfg
}

// Init 预留握手逻辑，目前总是成功。
func (b *Bridge) Init(context.Context) (bool, error) {
	return true, nil
}

// Login 打开弹窗执行 connect，保存并返回扩展给出的账户。
func (b *Bridge) Login(ctx context.Context, opts dapp.LoginOptions) (dapp.Account, error) {
	var account dapp.Account
	result, err := b.run(ctx, OperationConnect, opts.Token, func(s settlement) (err error) {
		account, err = decodeAccount(s.Data)
		return err
	})
	if err != nil {
		return dapp.Account{}, err
	}
	// 只有 connectResult 才会替换会话，其它终止消息原样返回。
	if result.Type == MessageConnectResult {
		b.session.set(account)
		b.logger.Info("extension account connected", "address", account.Address, "index", account.Index)
	}
	return account, nil
}

// Logout 仅清理本地会话，不与扩展交互。
func (b *Bridge) Logout(context.Context) (bool, error) {
	b.session.clear()
	return true, nil
}

// GetAddress 返回当前会话地址。
func (b *Bridge) GetAddress(context.Context) (string, error) {
	account, ok := b.session.Account()
	if !ok {
		return "", ErrNotConnected
	}
	return account.Address, nil
}

// Session 返回当前会话账户。
func (b *Bridge) Session() (dapp.Account, bool) {
	return b.session.Account()
}

// IsInitialized 构造完成即为 true。
func (b *Bridge) IsInitialized() bool {
	return true
}

// IsConnected 总是返回 true，不反映会话是否有效。
func (b *Bridge) IsConnected(context.Context) (bool, error) {
	return true, nil
}

// SendTransaction 签名并广播单笔交易。
func (b *Bridge) SendTransaction(ctx context.Context, tx dapp.Transaction) (dapp.Transaction, error) {
	txs, err := b.processTransactions(ctx, []dapp.Transaction{tx}, false)
	if err != nil {
		return dapp.Transaction{}, err
	}
	return txs[0], nil
}

// SignTransaction 仅签名单笔交易。
func (b *Bridge) SignTransaction(ctx context.Context, tx dapp.Transaction) (dapp.Transaction, error) {
	txs, err := b.processTransactions(ctx, []dapp.Transaction{tx}, true)
	if err != nil {
		return dapp.Transaction{}, err
	}
	return txs[0], nil
}

// SendTransactions 签名并广播一批交易。
func (b *Bridge) SendTransactions(ctx context.Context, txs []dapp.Transaction) ([]dapp.Transaction, error) {
	return b.processTransactions(ctx, txs, false)
}

// SignTransactions 仅签名一批交易，结果保持原顺序。
func (b *Bridge) SignTransactions(ctx context.Context, txs []dapp.Transaction) ([]dapp.Transaction, error) {
	return b.processTransactions(ctx, txs, true)
}

func (b *Bridge) processTransactions(ctx context.Context, txs []dapp.Transaction, signOnly bool) ([]dapp.Transaction, error) {
	if len(txs) == 0 {
		return nil, apierrors.New(apierrors.CodeInvalidArgument, "at least one transaction is required")
	}
	account, ok := b.session.Account()
	if !ok {
		b.metrics.incRejected(OperationTransaction, "not_connected")
		return nil, ErrNotConnected
	}
	payload := transactionRequest{From: account.Index, Transactions: txs, SignOnly: signOnly}
	var signed []dapp.Transaction
	_, err := b.run(ctx, OperationTransaction, payload, func(s settlement) (err error) {
		signed, err = decodeTransactions(s.Data, len(txs))
		return err
	})
	if err != nil {
		return nil, err
	}
	return signed, nil
}

// SignMessage 请求扩展对消息签名。
func (b *Bridge) SignMessage(ctx context.Context, msg dapp.SignableMessage) (dapp.SignableMessage, error) {
	account, ok := b.session.Account()
	if !ok {
		b.metrics.incRejected(OperationSignMessage, "not_connected")
		return dapp.SignableMessage{}, ErrNotConnected
	}
	payload := signMessageRequest{Account: account.Index, Message: msg.Message}
	var signed dapp.SignableMessage
	_, err := b.run(ctx, OperationSignMessage, payload, func(s settlement) (err error) {
		signed, err = decodeSignedMessage(s.Data, msg.Message)
		return err
	})
	if err != nil {
		return dapp.SignableMessage{}, err
	}
	return signed, nil
}

// Snapshot 返回进行中的 exchange，没有时 ok=false。
func (b *Bridge) Snapshot() (ExchangeSnapshot, bool) {
	ex := b.current.Load()
	if ex == nil {
		return ExchangeSnapshot{}, false
	}
	return ex.snapshot(), true
}

// run 执行一次完整的 exchange。消息订阅与 watchdog 共用 exCtx，任何终止路径都会一起拆除。
// decode 在结算后、记录结果指标前解析扩展返回的数据。
func (b *Bridge) run(ctx context.Context, op Operation, payload any, decode func(settlement) error) (settlement, error) {
	if !b.busy.CompareAndSwap(false, true) {
		b.metrics.incRejected(op, "pending")
		return settlement{}, ErrExchangePending
	}
	defer b.busy.Store(false)

	exCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ex := newExchange(op, payload, b.cfg)
	b.current.Store(ex)
	defer b.current.Store(nil)

	events, err := b.host.Subscribe(exCtx)
	if err != nil {
		return settlement{}, fmt.Errorf("subscribe window messages: %w", err)
	}
	popup, err := b.host.OpenPopup(exCtx, b.cfg.popupSpec())
	if err != nil {
		return settlement{}, fmt.Errorf("open extension popup: %w", err)
	}
	ex.opened(popup)

	ticker := time.NewTicker(b.cfg.WatchdogInterval)
	context.AfterFunc(exCtx, ticker.Stop)
	ex.listening()

	b.metrics.incInFlight()
	defer b.metrics.decInFlight()
	b.logger.Info("extension exchange started", "operation", op)

	for !ex.State().Terminal() {
		select {
		case <-exCtx.Done():
			ex.abort(ctx, exCtx.Err())
		case evt, ok := <-events:
			if !ok {
				if cerr := exCtx.Err(); cerr != nil {
					ex.abort(ctx, cerr)
				} else {
					ex.abort(ctx, errSubscriptionClosed)
				}
				continue
			}
			ex.handle(exCtx, evt)
		case <-ticker.C:
			ex.tick(exCtx)
		}
	}

	result, err := ex.outcome()
	if err == nil {
		err = decode(result)
	}
	b.observe(ex, err)
	return result, err
}

func (b *Bridge) observe(ex *exchange, err error) {
	outcome := outcomeSuccess
	switch {
	case err == nil:
	case errors.Is(err, ErrPopupClosed):
		outcome = outcomeAborted
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = outcomeCanceled
	case apierrors.HasCode(err, apierrors.CodeInvalidResponse):
		outcome = outcomeInvalidResponse
	default:
		outcome = outcomeError
	}
	elapsed := time.Since(ex.startedAt)
	b.metrics.observeSettled(ex.op, outcome, float64(elapsed.Milliseconds()))
	if err != nil {
		b.logger.Warn("extension exchange failed", "operation", ex.op, "outcome", outcome, "err", err)
		return
	}
	b.logger.Info("extension exchange settled", "operation", ex.op, "latency_ms", elapsed.Milliseconds())
}
