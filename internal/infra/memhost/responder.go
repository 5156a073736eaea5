package memhost

import (
	"sync"

	"github.com/aegis-sign/extbridge/internal/app/extbridge"
)

// Responder 模拟扩展：弹窗打开后发出 popupReady，收到请求后回复 Reply 的结果。
type Responder struct {
	host *Host
	// ResultType 为空时 connect 使用 connectResult，其它操作使用 <operation>Result。
	ResultType string
	Reply      func(extbridge.OutboundMessage) any

	mu    sync.Mutex
	ports []*Port
}

// NewResponder 在 host 上安装脚本化扩展。
func NewResponder(host *Host, reply func(extbridge.OutboundMessage) any) *Responder {
	r := &Responder{host: host, Reply: reply}
	host.OnOpen(r.onOpen)
	return r
}

func (r *Responder) onOpen(*Popup) {
	port := NewPort(r.respond)
	r.mu.Lock()
	r.ports = append(r.ports, port)
	r.mu.Unlock()
	r.host.Emit(ReadyEvent(port))
}

func (r *Responder) respond(msg extbridge.OutboundMessage) {
	msgType := r.ResultType
	if msgType == "" {
		msgType = string(msg.Type) + "Result"
	}
	var data any
	if r.Reply != nil {
		data = r.Reply(msg)
	}
	r.host.Emit(MessageEvent(msgType, data))
}

// Requests 返回所有端口收到的请求，按弹窗顺序排列。
func (r *Responder) Requests() []extbridge.OutboundMessage {
	r.mu.Lock()
	ports := append([]*Port(nil), r.ports...)
	r.mu.Unlock()
	var out []extbridge.OutboundMessage
	for _, p := range ports {
		out = append(out, p.Messages()...)
	}
	return out
}
