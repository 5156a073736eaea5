package extbridge

import "github.com/aegis-sign/extbridge/pkg/apierrors"

var (
	// ErrPopupClosed 表示用户在扩展响应前关闭了弹窗。
	ErrPopupClosed = apierrors.New(apierrors.CodeExchangeAborted, "Extension window was closed without response.")
	// ErrExchangePending 表示已有一个 exchange 在进行中。
	ErrExchangePending = apierrors.New(apierrors.CodeExchangePending, "another extension request is in progress")
	// ErrNotConnected 表示尚未 connect 或已 logout。
	ErrNotConnected = apierrors.New(apierrors.CodeNotConnected, "no connected account")
)
