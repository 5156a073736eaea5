package wshost

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aegis-sign/extbridge/internal/app/extbridge"
	"github.com/aegis-sign/extbridge/pkg/dapp"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const testOrigin = "chrome-extension://ext"

func newTestHost(t *testing.T, opts ...Option) (*Host, *httptest.Server) {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), WithPingInterval(time.Hour)}, opts...)
	host := New("ext", opts...)
	srv := httptest.NewServer(host)
	t.Cleanup(srv.Close)
	return host, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialPeer(t *testing.T, host *Host, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), http.Header{"Origin": {testOrigin}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, host.Connected, time.Second, 5*time.Millisecond)
	return conn
}

func envelopeJSON(t *testing.T, msgType string, data any) json.RawMessage {
	t.Helper()
	body := map[string]any{"type": msgType, "target": extbridge.PeerTarget}
	if data != nil {
		body["data"] = data
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return raw
}

// fakeExtension 扮演伴生页面：打开弹窗后发 popupReady，收到请求后回 connectResult。
func fakeExtension(t *testing.T, conn *websocket.Conn, requests chan<- frame) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Kind {
		case kindOpen:
			_ = conn.WriteJSON(frame{Kind: kindMessage, Trusted: true, Data: envelopeJSON(t, extbridge.MessagePopupReady, nil), Ports: []uint64{9}})
		case kindPost:
			requests <- f
			_ = conn.WriteJSON(frame{Kind: kindMessage, Trusted: true, Data: envelopeJSON(t, extbridge.MessageConnectResult, map[string]any{"address": "erd1peer", "index": 2})})
		case kindClose:
			_ = conn.WriteJSON(frame{Kind: kindClosed, Popup: f.Popup})
		}
	}
}

func TestLoginThroughWebsocketPeer(t *testing.T) {
	host, srv := newTestHost(t)
	conn := dialPeer(t, host, srv)
	requests := make(chan frame, 1)
	go fakeExtension(t, conn, requests)

	bridge, err := extbridge.New(host, extbridge.Config{ExtensionID: "ext", WatchdogInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	account, err := bridge.Login(ctx, dapp.LoginOptions{Token: "tok"})
	require.NoError(t, err)
	require.Equal(t, dapp.Account{Address: "erd1peer", Index: 2}, account)

	req := <-requests
	require.Equal(t, uint64(9), req.Port)
	require.JSONEq(t, `{"target":"erdw-inpage","type":"connect","data":"tok"}`, string(req.Data))
}

func TestOpenPopupWithoutPeer(t *testing.T) {
	host, _ := newTestHost(t)
	_, err := host.OpenPopup(context.Background(), extbridge.PopupSpec{URL: "chrome-extension://ext/index.html"})
	require.ErrorIs(t, err, ErrNoPeer)
}

func TestClosedFrameMarksPopupClosed(t *testing.T) {
	host, srv := newTestHost(t)
	conn := dialPeer(t, host, srv)
	ctx := context.Background()

	pp, err := host.OpenPopup(ctx, extbridge.PopupSpec{URL: "chrome-extension://ext/index.html", Name: "connectPopup"})
	require.NoError(t, err)

	var open frame
	require.NoError(t, conn.ReadJSON(&open))
	require.Equal(t, kindOpen, open.Kind)
	require.Equal(t, "connectPopup", open.Name)

	closed, err := pp.Closed(ctx)
	require.NoError(t, err)
	require.False(t, closed)

	require.NoError(t, conn.WriteJSON(frame{Kind: kindClosed, Popup: open.Popup}))
	require.Eventually(t, func() bool {
		closed, _ := pp.Closed(ctx)
		return closed
	}, time.Second, 5*time.Millisecond)
}

func TestPeerDisconnectAbortsExchange(t *testing.T) {
	host, srv := newTestHost(t)
	conn := dialPeer(t, host, srv)
	go func() {
		var f frame
		if err := conn.ReadJSON(&f); err == nil {
			_ = conn.Close()
		}
	}()

	bridge, err := extbridge.New(host, extbridge.Config{ExtensionID: "ext", WatchdogInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = bridge.Login(ctx, dapp.LoginOptions{})
	require.ErrorIs(t, err, extbridge.ErrPopupClosed)
	require.Eventually(t, func() bool { return !host.Connected() }, time.Second, 5*time.Millisecond)
}

func TestNewerPeerReplacesOlder(t *testing.T) {
	host, srv := newTestHost(t)
	first := dialPeer(t, host, srv)
	old := host.currentPeer()
	dialPeer(t, host, srv)
	require.Eventually(t, func() bool { return host.currentPeer() != old && host.currentPeer() != nil }, time.Second, 5*time.Millisecond)

	_ = first.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := first.ReadMessage()
	require.Error(t, err)

	stale := &port{host: host, peer: old, id: 1}
	require.ErrorIs(t, stale.PostMessage(context.Background(), extbridge.OutboundMessage{}), ErrNoPeer)
}

func TestRejectsForeignOrigins(t *testing.T) {
	host, srv := newTestHost(t)
	for _, origin := range []string{"", "chrome-extension://other", "http://evil.example", "chrome-extension://ext.evil"} {
		header := http.Header{}
		if origin != "" {
			header.Set("Origin", origin)
		}
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
		if conn != nil {
			_ = conn.Close()
		}
		require.ErrorIs(t, err, websocket.ErrBadHandshake, "origin %q", origin)
		require.Equal(t, http.StatusForbidden, resp.StatusCode, "origin %q", origin)
	}
	require.False(t, host.Connected())
}

func TestEmptyExtensionIDRejectsEverything(t *testing.T) {
	host := New("", WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	srv := httptest.NewServer(host)
	defer srv.Close()
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), http.Header{"Origin": {"chrome-extension://"}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSilentPeerIsDroppedAfterMissedPongs(t *testing.T) {
	host, srv := newTestHost(t, WithPingInterval(20*time.Millisecond))
	// 不读取连接，客户端就不会回 pong。
	dialPeer(t, host, srv)
	require.Eventually(t, func() bool { return !host.Connected() }, 2*time.Second, 10*time.Millisecond)
}

func TestPongKeepsPeerAlive(t *testing.T) {
	host, srv := newTestHost(t, WithPingInterval(20*time.Millisecond))
	conn := dialPeer(t, host, srv)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	time.Sleep(200 * time.Millisecond)
	require.True(t, host.Connected())
}
