// Package memhost 提供内存版 Host，用于单测与演练脚本。
package memhost

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/aegis-sign/extbridge/internal/app/extbridge"
)

const subscriptionBuffer = 64

// Host 记录打开的弹窗与订阅，并允许测试主动投递 window message。
type Host struct {
	mu     sync.Mutex
	subs   map[uint64]chan extbridge.Event
	nextID uint64
	popups []*Popup

	openErr error
	onOpen  func(*Popup)

	subscribed   atomic.Int64
	unsubscribed atomic.Int64
}

// New 构造空的内存 Host。
func New() *Host {
	return &Host{subs: make(map[uint64]chan extbridge.Event)}
}

// FailOpen 让后续 OpenPopup 返回 err，模拟弹窗被拦截。
func (h *Host) FailOpen(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.openErr = err
}

// OnOpen 注册弹窗打开后的回调，通常用于模拟扩展行为。
func (h *Host) OnOpen(fn func(*Popup)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onOpen = fn
}

// OpenPopup 实现 extbridge.Host。
func (h *Host) OpenPopup(_ context.Context, spec extbridge.PopupSpec) (extbridge.Popup, error) {
	h.mu.Lock()
	if h.openErr != nil {
		err := h.openErr
		h.mu.Unlock()
		return nil, err
	}
	popup := &Popup{Spec: spec}
	h.popups = append(h.popups, popup)
	hook := h.onOpen
	h.mu.Unlock()
	if hook != nil {
		hook(popup)
	}
	return popup, nil
}

// Subscribe 实现 extbridge.Host，ctx 取消时解除订阅。
func (h *Host) Subscribe(ctx context.Context) (<-chan extbridge.Event, error) {
	ch := make(chan extbridge.Event, subscriptionBuffer)
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = ch
	h.mu.Unlock()
	h.subscribed.Add(1)
	context.AfterFunc(ctx, func() {
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
		h.unsubscribed.Add(1)
	})
	return ch, nil
}

// Emit 向所有订阅者投递事件，返回投递成功的订阅者数量。
func (h *Host) Emit(evt extbridge.Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for _, ch := range h.subs {
		select {
		case ch <- evt:
			delivered++
		default:
		}
	}
	return delivered
}

// Popups 返回已打开的弹窗。
func (h *Host) Popups() []*Popup {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Popup(nil), h.popups...)
}

// LastPopup 返回最近一次打开的弹窗。
func (h *Host) LastPopup() *Popup {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.popups) == 0 {
		return nil
	}
	return h.popups[len(h.popups)-1]
}

// Subscriptions 返回当前活跃订阅数。
func (h *Host) Subscriptions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// SubscribeCount 返回累计订阅次数。
func (h *Host) SubscribeCount() int64 { return h.subscribed.Load() }

// UnsubscribeCount 返回累计解除订阅次数。
func (h *Host) UnsubscribeCount() int64 { return h.unsubscribed.Load() }

// Popup 是内存弹窗。
type Popup struct {
	Spec extbridge.PopupSpec

	closed     atomic.Bool
	closeCalls atomic.Int64
}

// Closed 实现 extbridge.Popup。
func (p *Popup) Closed(context.Context) (bool, error) {
	return p.closed.Load(), nil
}

// Close 实现 extbridge.Popup。
func (p *Popup) Close(context.Context) error {
	p.closeCalls.Add(1)
	p.closed.Store(true)
	return nil
}

// UserClose 模拟用户手动关闭弹窗。
func (p *Popup) UserClose() {
	p.closed.Store(true)
}

// CloseCalls 返回 bridge 调用 Close 的次数。
func (p *Popup) CloseCalls() int64 { return p.closeCalls.Load() }

// Port 记录 bridge 发出的请求。
type Port struct {
	mu        sync.Mutex
	messages  []extbridge.OutboundMessage
	onMessage func(extbridge.OutboundMessage)
	err       error
}

// NewPort 构造端口，onMessage 可为空。
func NewPort(onMessage func(extbridge.OutboundMessage)) *Port {
	return &Port{onMessage: onMessage}
}

// FailWith 让后续 PostMessage 返回 err。
func (p *Port) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// PostMessage 实现 extbridge.Port。
func (p *Port) PostMessage(_ context.Context, msg extbridge.OutboundMessage) error {
	p.mu.Lock()
	if p.err != nil {
		err := p.err
		p.mu.Unlock()
		return err
	}
	p.messages = append(p.messages, msg)
	hook := p.onMessage
	p.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
	return nil
}

// Messages 返回已收到的请求。
func (p *Port) Messages() []extbridge.OutboundMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]extbridge.OutboundMessage(nil), p.messages...)
}

// MessageEvent 构造来自扩展的可信消息。
func MessageEvent(msgType string, data any, ports ...extbridge.Port) extbridge.Event {
	return extbridge.Event{
		Trusted: true,
		Data:    mustEnvelope(extbridge.PeerTarget, msgType, data),
		Ports:   ports,
	}
}

// ReadyEvent 构造携带端口的 popupReady 消息。
func ReadyEvent(port extbridge.Port) extbridge.Event {
	return MessageEvent(extbridge.MessagePopupReady, nil, port)
}

// RawEvent 构造任意 target/trusted 的消息，用于过滤逻辑测试。
func RawEvent(trusted bool, target, msgType string, data any) extbridge.Event {
	return extbridge.Event{Trusted: trusted, Data: mustEnvelope(target, msgType, data)}
}

func mustEnvelope(target, msgType string, data any) json.RawMessage {
	body := map[string]any{"type": msgType, "target": target}
	if data != nil {
		body["data"] = data
	}
	raw, err := json.Marshal(body)
	if err != nil {
		panic(err)
	}
	return raw
}
