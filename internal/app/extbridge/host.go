package extbridge

import (
	"context"
	"encoding/json"
)

// Host 抽象 dApp 页面所在的窗口环境：弹出扩展窗口、订阅 window message。
type Host interface {
	// OpenPopup 打开扩展弹窗；浏览器拦截弹窗时返回错误。
	OpenPopup(ctx context.Context, spec PopupSpec) (Popup, error)
	// Subscribe 订阅页面收到的 window message，ctx 取消时订阅解除并关闭通道。
	Subscribe(ctx context.Context) (<-chan Event, error)
}

// Popup 是单个扩展弹窗句柄。
type Popup interface {
	Closed(ctx context.Context) (bool, error)
	Close(ctx context.Context) error
}

// Port 对应随 message 事件一起传递的 MessagePort。
type Port interface {
	PostMessage(ctx context.Context, msg OutboundMessage) error
}

// PopupSpec 描述 window.open 的参数。
type PopupSpec struct {
	URL      string
	Name     string
	Features string
}

// Event 是页面收到的一条 window message。
type Event struct {
	Trusted bool
	Data    json.RawMessage
	Ports   []Port
}

// OutboundMessage 是通过 popupReady 携带的端口回发给扩展的请求。
type OutboundMessage struct {
	Target string    `json:"target"`
	Type   Operation `json:"type"`
	Data   any       `json:"data"`
}
