package chromehost

import (
	"encoding/json"
	"fmt"

	"github.com/aegis-sign/extbridge/internal/app/extbridge"
)

// relayScript 在每个新文档里安装 window.__extbridge，并把 message 事件经 binding 转给 Go。
// 只有 popupReady 携带的端口会被登记，新的 popupReady 会清掉之前未用的端口。
func relayScript() string {
	return fmt.Sprintf(`(() => {
  if (window.__extbridge) { return; }
  const state = { ports: new Map(), popups: new Map(), seq: 0 };
  Object.defineProperty(window, "__extbridge", { value: state });
  window.addEventListener("message", (event) => {
    const ids = [];
    const data = event.data;
    if (data && data.type === %s) {
      state.ports.clear();
      for (const port of event.ports || []) {
        state.seq += 1;
        state.ports.set(state.seq, port);
        ids.push(state.seq);
      }
    }
    let payload;
    try {
      payload = JSON.stringify({ trusted: event.isTrusted, data: event.data, ports: ids });
    } catch (err) {
      ids.forEach((id) => state.ports.delete(id));
      return;
    }
    window[%s](payload);
  }, false);
})();`, jsString(extbridge.MessagePopupReady), jsString(bindingName))
}

func openPopupExpr(id uint64, spec extbridge.PopupSpec) string {
	return fmt.Sprintf(`(() => {
  const s = window.__extbridge;
  if (!s) { return false; }
  const w = window.open(%s, %s, %s);
  if (!w) { return false; }
  s.popups.set(%d, w);
  return true;
})()`, jsString(spec.URL), jsString(spec.Name), jsString(spec.Features), id)
}

func popupClosedExpr(id uint64) string {
	return fmt.Sprintf(`(() => {
  const s = window.__extbridge;
  const w = s && s.popups.get(%d);
  return !w || w.closed;
})()`, id)
}

func closePopupExpr(id uint64) string {
	return fmt.Sprintf(`(() => {
  const s = window.__extbridge;
  const w = s && s.popups.get(%d);
  if (w) {
    w.close();
    s.popups.delete(%d);
  }
  return true;
})()`, id, id)
}

// postMessageExpr 把 msg 发到登记的端口，发送后释放该端口。
func postMessageExpr(id uint64, msg json.RawMessage) string {
	return fmt.Sprintf(`(() => {
  const s = window.__extbridge;
  const p = s && s.ports.get(%d);
  if (!p) { return false; }
  s.ports.delete(%d);
  p.postMessage(%s);
  return true;
})()`, id, id, msg)
}

// jsString 产出合法的 JS 字符串字面量。
func jsString(s string) string {
	raw, _ := json.Marshal(s)
	return string(raw)
}
