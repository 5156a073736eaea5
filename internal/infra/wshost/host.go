// Package wshost 实现基于 websocket 的 extbridge.Host：浏览器里的伴生扩展页面连接 /ws，
// 代为执行 window.open、转发 window message 并回报弹窗关闭。
package wshost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aegis-sign/extbridge/internal/app/extbridge"
	"github.com/gorilla/websocket"
)

const (
	subscriptionBuffer  = 64
	defaultWriteTimeout = 2 * time.Second
	defaultPingInterval = 15 * time.Second
)

// ErrNoPeer 表示当前没有伴生页面连接。
var ErrNoPeer = errors.New("no extension peer connected")

const (
	kindOpen    = "open"
	kindClose   = "close"
	kindPost    = "post"
	kindMessage = "message"
	kindClosed  = "closed"
)

// frame 是 websocket 上双向传输的 JSON 帧。
type frame struct {
	Kind     string          `json:"kind"`
	Popup    uint64          `json:"popup,omitempty"`
	URL      string          `json:"url,omitempty"`
	Name     string          `json:"name,omitempty"`
	Features string          `json:"features,omitempty"`
	Port     uint64          `json:"port,omitempty"`
	Trusted  bool            `json:"trusted,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Ports    []uint64        `json:"ports,omitempty"`
}

// Host 同一时刻只服务一个 peer，新连接会替换旧连接。
// 只有 Origin 恰好为 chrome-extension://<extensionID> 的连接才会被接受。
type Host struct {
	logger       *slog.Logger
	origin       string
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	pingInterval time.Duration

	mu      sync.Mutex
	peer    *peer
	subs    map[uint64]chan extbridge.Event
	nextSub uint64
	popups  map[uint64]*popup

	popupSeq atomic.Uint64
}

// Option 允许自定义 Host 行为。
type Option func(*Host)

// WithLogger 注入 slog Logger。
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.logger = l }
}

// WithWriteTimeout 设置单帧写超时。
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithPingInterval 设置 ping 间隔。
func WithPingInterval(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// New 构造 Host；调用方负责把它挂到 HTTP 路由上。extensionID 为空时拒绝所有连接。
func New(extensionID string, opts ...Option) *Host {
	h := &Host{
		logger:       slog.Default(),
		writeTimeout: defaultWriteTimeout,
		pingInterval: defaultPingInterval,
		subs:         make(map[uint64]chan extbridge.Event),
		popups:       make(map[uint64]*popup),
	}
	if extensionID != "" {
		h.origin = "chrome-extension://" + extensionID
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Host) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if h.origin == "" || origin != h.origin {
		h.logger.Warn("extension peer origin rejected", "origin", origin, "remote", r.RemoteAddr)
		return false
	}
	return true
}

// readTimeout 是两次 pong 之间允许的最长间隔。
func (h *Host) readTimeout() time.Duration {
	return 2 * h.pingInterval
}

// Connected 报告当前是否有 peer。
func (h *Host) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peer != nil
}

// ServeHTTP 升级连接并阻塞读取，直到 peer 断开。
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("extension peer upgrade failed", "err", err)
		return
	}
	p := &peer{conn: conn, writeTimeout: h.writeTimeout, done: make(chan struct{})}

	h.mu.Lock()
	prev := h.peer
	h.peer = p
	h.mu.Unlock()
	if prev != nil {
		h.logger.Info("extension peer replaced", "remote", r.RemoteAddr)
		prev.close()
	} else {
		h.logger.Info("extension peer connected", "remote", r.RemoteAddr)
	}

	readTimeout := h.readTimeout()
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go p.keepalive(h.pingInterval)
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("extension peer read failed", "err", err)
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		h.handleFrame(p, f)
	}
	h.detach(p)
}

func (h *Host) handleFrame(p *peer, f frame) {
	switch f.Kind {
	case kindMessage:
		evt := extbridge.Event{Trusted: f.Trusted, Data: f.Data}
		for _, id := range f.Ports {
			evt.Ports = append(evt.Ports, &port{host: h, peer: p, id: id})
		}
		h.dispatch(evt)
	case kindClosed:
		h.mu.Lock()
		pp := h.popups[f.Popup]
		delete(h.popups, f.Popup)
		h.mu.Unlock()
		if pp != nil {
			pp.closed.Store(true)
		}
	default:
		h.logger.Debug("ignore extension peer frame", "kind", f.Kind)
	}
}

// detach 在 peer 断开后把它名下的弹窗全部标记为关闭。
func (h *Host) detach(p *peer) {
	p.close()
	h.mu.Lock()
	if h.peer == p {
		h.peer = nil
	}
	var orphaned []*popup
	for id, pp := range h.popups {
		if pp.peer == p {
			orphaned = append(orphaned, pp)
			delete(h.popups, id)
		}
	}
	h.mu.Unlock()
	for _, pp := range orphaned {
		pp.closed.Store(true)
	}
	h.logger.Info("extension peer disconnected", "orphaned_popups", len(orphaned))
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

func (h *Host) currentPeer() *peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peer
}

// OpenPopup 实现 extbridge.Host。
func (h *Host) OpenPopup(ctx context.Context, spec extbridge.PopupSpec) (extbridge.Popup, error) {
	p := h.currentPeer()
	if p == nil {
		return nil, ErrNoPeer
	}
	pp := &popup{host: h, peer: p, id: h.popupSeq.Add(1)}
	h.mu.Lock()
	h.popups[pp.id] = pp
	h.mu.Unlock()
	err := p.send(ctx, frame{Kind: kindOpen, Popup: pp.id, URL: spec.URL, Name: spec.Name, Features: spec.Features})
	if err != nil {
		h.mu.Lock()
		delete(h.popups, pp.id)
		h.mu.Unlock()
		return nil, fmt.Errorf("send open frame: %w", err)
	}
	return pp, nil
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

type peer struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	done         chan struct{}
	closeOnce    sync.Once
}

func (p *peer) send(ctx context.Context, f frame) error {
	select {
	case <-p.done:
		return ErrNoPeer
	default:
	}
	deadline := time.Now().Add(p.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return p.conn.WriteJSON(f)
}

func (p *peer) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.writeMu.Lock()
			err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.writeTimeout))
			p.writeMu.Unlock()
			if err != nil {
				p.close()
				return
			}
		}
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

type popup struct {
	host   *Host
	peer   *peer
	id     uint64
	closed atomic.Bool
}

func (p *popup) Closed(context.Context) (bool, error) {
	return p.closed.Load(), nil
}

func (p *popup) Close(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}
	p.host.mu.Lock()
	delete(p.host.popups, p.id)
	p.host.mu.Unlock()
	if err := p.peer.send(ctx, frame{Kind: kindClose, Popup: p.id}); err != nil && !errors.Is(err, ErrNoPeer) {
		return fmt.Errorf("send close frame: %w", err)
	}
	return nil
}

type port struct {
	host *Host
	peer *peer
	id   uint64
}

func (p *port) PostMessage(ctx context.Context, msg extbridge.OutboundMessage) error {
	if p.host.currentPeer() != p.peer {
		return ErrNoPeer
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode outbound message: %w", err)
	}
	return p.peer.send(ctx, frame{Kind: kindPost, Port: p.id, Data: raw})
}
