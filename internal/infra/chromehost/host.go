// Package chromehost 通过 Chrome DevTools Protocol 驱动一个真实的 dApp 页面，实现 extbridge.Host。
//
// 页面加载前注入一段 relay 脚本：它监听 window message，把 isTrusted、data 以及随事件转移的
// MessagePort（以数字 id 登记在页面内）通过 runtime binding 回传给 Go 侧。弹窗与端口操作都通过
// Runtime.evaluate 在页面里执行。
package chromehost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aegis-sign/extbridge/internal/app/extbridge"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

const (
	bindingName        = "__extbridgeEmit"
	subscriptionBuffer = 64
)

var (
	// ErrPopupBlocked 表示 window.open 返回 null。
	ErrPopupBlocked = errors.New("extension popup blocked by browser")
	// ErrPortGone 表示页面内已找不到对应的 MessagePort。
	ErrPortGone = errors.New("message port no longer available")
)

// Host 持有浏览器与 dApp 页面的 chromedp context。
type Host struct {
	cfg    Config
	logger *slog.Logger

	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
	pageCtx       context.Context

	mu      sync.Mutex
	subs    map[uint64]chan extbridge.Event
	nextSub uint64

	popupSeq atomic.Uint64
}

// Option 允许自定义 Host 行为。
type Option func(*Host)

// WithLogger 注入 slog Logger。
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.logger = l }
}

// New 启动（或连接）浏览器，打开 dApp 页面并安装 relay 脚本。
func New(ctx context.Context, cfg Config, opts ...Option) (*Host, error) {
	normalized := cfg.normalize()
	h := &Host{
		cfg:    normalized,
		logger: slog.Default(),
		subs:   make(map[uint64]chan extbridge.Event),
	}
	for _, opt := range opts {
		opt(h)
	}

	var allocCtx context.Context
	if normalized.RemoteURL != "" {
		allocCtx, h.allocCancel = chromedp.NewRemoteAllocator(ctx, normalized.RemoteURL)
	} else {
		allocCtx, h.allocCancel = chromedp.NewExecAllocator(ctx, normalized.allocatorOptions()...)
	}
	pageCtx, browserCancel := chromedp.NewContext(allocCtx)
	h.pageCtx = pageCtx
	h.browserCancel = browserCancel

	chromedp.ListenTarget(pageCtx, h.onTargetEvent)

	startCtx, cancel := context.WithTimeout(pageCtx, normalized.StartTimeout)
	defer cancel()
	err := chromedp.Run(startCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			return runtime.AddBinding(bindingName).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(relayScript()).Do(ctx)
			return err
		}),
		chromedp.Navigate(normalized.PageURL),
	)
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("start dapp page: %w", err)
	}
	h.logger.Info("dapp page ready", "url", normalized.PageURL, "remote", normalized.RemoteURL != "")
	return h, nil
}

// Close 关闭页面与浏览器。
func (h *Host) Close() error {
	if h.browserCancel != nil {
		h.browserCancel()
	}
	if h.allocCancel != nil {
		h.allocCancel()
	}
	return nil
}

// OpenPopup 实现 extbridge.Host。
func (h *Host) OpenPopup(ctx context.Context, spec extbridge.PopupSpec) (extbridge.Popup, error) {
	id := h.popupSeq.Add(1)
	var opened bool
	if err := h.eval(ctx, openPopupExpr(id, spec), &opened); err != nil {
		return nil, fmt.Errorf("window.open: %w", err)
	}
	if !opened {
		return nil, ErrPopupBlocked
	}
	return &popup{host: h, id: id}, nil
}

// Subscribe 实现 extbridge.Host。
func (h *Host) Subscribe(ctx context.Context) (<-chan extbridge.Event, error) {
	ch := make(chan extbridge.Event, subscriptionBuffer)
	h.mu.Lock()
	h.nextSub++
	id := h.nextSub
	h.subs[id] = ch
	h.mu.Unlock()
	context.AfterFunc(ctx, func() {
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	})
	return ch, nil
}

// onTargetEvent 运行在 chromedp 的事件循环里，不能阻塞。
func (h *Host) onTargetEvent(ev any) {
	called, ok := ev.(*runtime.EventBindingCalled)
	if !ok || called.Name != bindingName {
		return
	}
	evt, err := h.parseEvent(called.Payload)
	if err != nil {
		h.logger.Debug("drop window message", "err", err)
		return
	}
	h.dispatch(evt)
}

func (h *Host) dispatch(evt extbridge.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.logger.Warn("window message subscriber is full, dropping event")
		}
	}
}

type bindingPayload struct {
	Trusted bool            `json:"trusted"`
	Data    json.RawMessage `json:"data"`
	Ports   []uint64        `json:"ports"`
}

func (h *Host) parseEvent(payload string) (extbridge.Event, error) {
	var body bindingPayload
	if err := json.Unmarshal([]byte(payload), &body); err != nil {
		return extbridge.Event{}, fmt.Errorf("decode binding payload: %w", err)
	}
	evt := extbridge.Event{Trusted: body.Trusted, Data: body.Data}
	for _, id := range body.Ports {
		evt.Ports = append(evt.Ports, &port{host: h, id: id})
	}
	return evt, nil
}

func (h *Host) eval(ctx context.Context, expr string, res any) error {
	evalCtx, cancel := context.WithTimeout(h.pageCtx, h.cfg.EvalTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(evalCtx, chromedp.Evaluate(expr, res, withUserGesture))
}

// window.open 需要 user gesture，否则会被弹窗拦截器拒绝。
func withUserGesture(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithUserGesture(true)
}

type popup struct {
	host *Host
	id   uint64
}

func (p *popup) Closed(ctx context.Context) (bool, error) {
	var closed bool
	if err := p.host.eval(ctx, popupClosedExpr(p.id), &closed); err != nil {
		return false, err
	}
	return closed, nil
}

func (p *popup) Close(ctx context.Context) error {
	var ok bool
	return p.host.eval(ctx, closePopupExpr(p.id), &ok)
}

type port struct {
	host *Host
	id   uint64
}

func (p *port) PostMessage(ctx context.Context, msg extbridge.OutboundMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode outbound message: %w", err)
	}
	var posted bool
	if err := p.host.eval(ctx, postMessageExpr(p.id, raw), &posted); err != nil {
		return err
	}
	if !posted {
		return ErrPortGone
	}
	return nil
}

// Config 控制浏览器启动方式与页面。
type Config struct {
	RemoteURL    string
	ExecPath     string
	Headless     bool
	UserDataDir  string
	ExtensionDir string
	PageURL      string
	StartTimeout time.Duration
	EvalTimeout  time.Duration
}

func (c Config) normalize() Config {
	cfg := c
	if cfg.PageURL == "" {
		cfg.PageURL = "about:blank"
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	if cfg.EvalTimeout <= 0 {
		cfg.EvalTimeout = 2 * time.Second
	}
	return cfg
}

func (c Config) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", c.Headless),
		chromedp.Flag("disable-popup-blocking", false),
	)
	if c.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(c.ExecPath))
	}
	if c.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(c.UserDataDir))
	}
	if c.ExtensionDir != "" {
		opts = append(opts,
			chromedp.Flag("load-extension", c.ExtensionDir),
			chromedp.Flag("disable-extensions-except", c.ExtensionDir),
			chromedp.Flag("disable-extensions", false),
		)
	}
	return opts
}
