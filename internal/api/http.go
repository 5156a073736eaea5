// Package bridgeapi 把 extbridge.Bridge 暴露为 HTTP/JSON 与 gRPC 接口。
package bridgeapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/aegis-sign/extbridge/pkg/apierrors"
	"github.com/aegis-sign/extbridge/pkg/dapp"
)

const maxBodyBytes = 1 << 20

// HTTPHandler 实现 HTTP/JSON 接口。
type HTTPHandler struct {
	backend Backend
	hinter  *RetryHinter
	logger  *slog.Logger
}

// HTTPOption 允许自定义 handler。
type HTTPOption func(*HTTPHandler)

// WithHTTPLogger 注入 slog Logger。
func WithHTTPLogger(l *slog.Logger) HTTPOption {
	return func(h *HTTPHandler) { h.logger = l }
}

// WithRetryHinter 替换默认的 Retry-After 生成器。
func WithRetryHinter(r *RetryHinter) HTTPOption {
	return func(h *HTTPHandler) { h.hinter = r }
}

// NewHTTPHandler 构造 HTTP handler。
func NewHTTPHandler(backend Backend, opts ...HTTPOption) *HTTPHandler {
	if backend == nil {
		panic("bridge backend is required")
	}
	h := &HTTPHandler{backend: backend, hinter: NewRetryHinter(RetryHintConfig{}), logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register 将 handler 注册到 mux。
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/connect", h.post(h.handleConnect))
	mux.HandleFunc("/disconnect", h.post(h.handleDisconnect))
	mux.HandleFunc("/address", h.get(h.handleAddress))
	mux.HandleFunc("/status", h.get(h.handleStatus))
	mux.HandleFunc("/transactions/sign", h.post(h.handleTransactions(true)))
	mux.HandleFunc("/transactions/send", h.post(h.handleTransactions(false)))
	mux.HandleFunc("/transaction/sign", h.post(h.handleTransaction(true)))
	mux.HandleFunc("/transaction/send", h.post(h.handleTransaction(false)))
	mux.HandleFunc("/message/sign", h.post(h.handleSignMessage))
	mux.HandleFunc("/debug/exchange", h.get(h.handleDebugExchange))
}

type errorResponse struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	RetryAfterHint string `json:"retryAfterHint,omitempty"`
}

func (h *HTTPHandler) post(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			h.writeAPIError(w, apierrors.New(apierrors.CodeInvalidArgument, "POST required"))
			return
		}
		fn(w, r)
	}
}

func (h *HTTPHandler) get(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			h.writeAPIError(w, apierrors.New(apierrors.CodeInvalidArgument, "GET required"))
			return
		}
		fn(w, r)
	}
}

// decodeBody 解析 JSON body；allowEmpty 时空 body 视为零值。
func (h *HTTPHandler) decodeBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	if r.Body == nil || r.Body == http.NoBody {
		if allowEmpty {
			return true
		}
		h.writeAPIError(w, apierrors.New(apierrors.CodeInvalidArgument, "request body is required"))
		return false
	}
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return true
		}
		h.writeAPIError(w, apierrors.New(apierrors.CodeInvalidArgument, "invalid JSON body"))
		return false
	}
	return true
}

func (h *HTTPHandler) handleConnect(w http.ResponseWriter, r *http.Request) {
	var body dapp.LoginOptions
	if !h.decodeBody(w, r, &body, true) {
		return
	}
	account, err := h.backend.Login(r.Context(), body)
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

func (h *HTTPHandler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	ok, err := h.backend.Logout(r.Context())
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, disconnectBody{OK: ok})
}

func (h *HTTPHandler) handleAddress(w http.ResponseWriter, r *http.Request) {
	address, err := h.backend.GetAddress(r.Context())
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, addressBody{Address: address})
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := buildStatus(r.Context(), h.backend)
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *HTTPHandler) handleDebugExchange(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, buildExchangeView(h.backend))
}

func (h *HTTPHandler) handleTransactions(signOnly bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body transactionsBody
		if !h.decodeBody(w, r, &body, false) {
			return
		}
		if err := requireTransactions(body); err != nil {
			h.writeUnknownError(w, err)
			return
		}
		var (
			txs []dapp.Transaction
			err error
		)
		if signOnly {
			txs, err = h.backend.SignTransactions(r.Context(), body.Transactions)
		} else {
			txs, err = h.backend.SendTransactions(r.Context(), body.Transactions)
		}
		if err != nil {
			h.writeUnknownError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, transactionsBody{Transactions: txs})
	}
}

func (h *HTTPHandler) handleTransaction(signOnly bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body transactionBody
		if !h.decodeBody(w, r, &body, false) {
			return
		}
		if err := requireTransaction(body); err != nil {
			h.writeUnknownError(w, err)
			return
		}
		var (
			tx  dapp.Transaction
			err error
		)
		if signOnly {
			tx, err = h.backend.SignTransaction(r.Context(), *body.Transaction)
		} else {
			tx, err = h.backend.SendTransaction(r.Context(), *body.Transaction)
		}
		if err != nil {
			h.writeUnknownError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, transactionBody{Transaction: &tx})
	}
}

func (h *HTTPHandler) handleSignMessage(w http.ResponseWriter, r *http.Request) {
	var body signMessageBody
	if !h.decodeBody(w, r, &body, false) {
		return
	}
	msg, err := decodeSignableMessage(body)
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	signed, err := h.backend.SignMessage(r.Context(), msg)
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, signed)
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *HTTPHandler) writeUnknownError(w http.ResponseWriter, err error) {
	if apiErr, ok := h.hinter.Annotate(err); ok {
		h.writeAPIError(w, apiErr)
		return
	}
	h.logger.Error("unhandled bridge error", "err", err)
	h.writeAPIError(w, apierrors.New(apierrors.CodeInternal, "internal error"))
}

func (h *HTTPHandler) writeAPIError(w http.ResponseWriter, apiErr *apierrors.Error) {
	if apiErr == nil {
		apiErr = apierrors.New(apierrors.CodeInternal, "internal error")
	}
	status := apierrors.HTTPStatus(apiErr.Code)
	hint := apiErr.RetryAfterHint()
	if apierrors.RequiresRetryAfter(apiErr.Code) && hint != "" {
		w.Header().Set("Retry-After", hint)
	}
	h.writeJSON(w, status, errorResponse{
		Code:           string(apiErr.Code),
		Message:        apiErr.Error(),
		RetryAfterHint: hint,
	})
}
