package extbridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// errSubscriptionClosed 表示 Host 在 exchange 结束前关闭了消息订阅。
var errSubscriptionClosed = errors.New("window message subscription closed")

const popupCloseTimeout = 2 * time.Second

// settlement 是 exchange 的最终结果。
type settlement struct {
	Type string
	Data json.RawMessage
}

// exchange 是单次请求/响应的状态机。
// 事件与 watchdog 都由 Bridge.run 所在的 goroutine 驱动，mu 只保护跨 goroutine 的快照读取。
type exchange struct {
	op      Operation
	payload any
	peer    string
	inpage  string
	logger  *slog.Logger

	mu        sync.Mutex
	state     State
	popup     Popup
	startedAt time.Time
	result    settlement
	err       error
}

func newExchange(op Operation, payload any, cfg Config) *exchange {
	return &exchange{
		op:        op,
		payload:   payload,
		peer:      cfg.PeerTarget,
		inpage:    cfg.InpageTarget,
		logger:    cfg.Logger,
		state:     StateIdle,
		startedAt: time.Now(),
	}
}

// State 返回当前状态。
func (e *exchange) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *exchange) opened(popup Popup) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateIdle {
		return
	}
	e.popup = popup
	e.state = StatePopupOpened
}

func (e *exchange) listening() {
	e.transition(StatePopupOpened, StateAwaitingReady)
}

func (e *exchange) transition(from, to State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != from {
		return false
	}
	e.state = to
	return true
}

// handle 处理一条 window message。已结束的 exchange 不再响应任何消息。
func (e *exchange) handle(ctx context.Context, evt Event) {
	state := e.State()
	if state.Terminal() {
		return
	}
	env, ok := decodeEnvelope(evt, e.peer)
	if !ok {
		return
	}
	switch env.Type {
	case MessagePopupReady:
		if len(evt.Ports) == 0 {
			e.logger.Warn("popup ready without message port", "operation", e.op)
			return
		}
		msg := OutboundMessage{Target: e.inpage, Type: e.op, Data: e.payload}
		if err := evt.Ports[0].PostMessage(ctx, msg); err != nil {
			e.logger.Warn("forward request to extension failed", "operation", e.op, "err", err)
			return
		}
		e.logger.Debug("popup ready, request forwarded", "operation", e.op)
		e.mu.Lock()
		if !e.state.Terminal() {
			e.state = StateAwaitingResult
		}
		e.mu.Unlock()
	default:
		// connectResult 以及其它任何可识别的类型都视为终止信号。
		e.closePopup(ctx)
		e.settle(settlement{Type: env.Type, Data: env.Data}, nil)
	}
}

// tick 是 watchdog 的一次检查：弹窗已关闭且未结束时以 ErrPopupClosed 结束。
func (e *exchange) tick(ctx context.Context) {
	e.mu.Lock()
	popup := e.popup
	terminal := e.state.Terminal()
	e.mu.Unlock()
	if terminal || popup == nil {
		return
	}
	closed, err := popup.Closed(ctx)
	if err != nil {
		e.logger.Debug("popup closed check failed", "operation", e.op, "err", err)
		return
	}
	if closed {
		e.settle(settlement{}, ErrPopupClosed)
	}
}

// abort 以 err 结束 exchange 并尽力关闭弹窗。
func (e *exchange) abort(ctx context.Context, err error) {
	if e.State().Terminal() {
		return
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), popupCloseTimeout)
	defer cancel()
	e.closePopup(closeCtx)
	e.settle(settlement{}, err)
}

func (e *exchange) closePopup(ctx context.Context) {
	e.mu.Lock()
	popup := e.popup
	e.mu.Unlock()
	if popup == nil {
		return
	}
	if err := popup.Close(ctx); err != nil {
		e.logger.Debug("close extension popup failed", "operation", e.op, "err", err)
	}
}

// settle 只生效一次，返回本次调用是否完成了结算。
func (e *exchange) settle(result settlement, err error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() {
		return false
	}
	e.state = StateSettled
	e.result = result
	e.err = err
	return true
}

func (e *exchange) outcome() (settlement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result, e.err
}

func (e *exchange) snapshot() ExchangeSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ExchangeSnapshot{
		Operation: e.op,
		State:     e.state,
		StartedAt: e.startedAt,
	}
}
