package apierrors

import (
	"errors"
	"strconv"
	"time"

	"google.golang.org/grpc/codes"
)

// Code 表示统一业务错误码。
type Code string

const (
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeRetryLater      Code = "RETRY_LATER"
	CodeExchangePending Code = "EXCHANGE_PENDING"
	CodeExchangeAborted Code = "EXCHANGE_ABORTED"
	CodeNotConnected    Code = "NOT_CONNECTED"
	CodeInvalidResponse Code = "INVALID_RESPONSE"
	CodeInternal        Code = "INTERNAL_ERROR"
)

var httpStatusMap = map[Code]int{
	CodeInvalidArgument: 400,
	CodeRetryLater:      429,
	CodeExchangePending: 503,
	CodeExchangeAborted: 409,
	CodeNotConnected:    412,
	CodeInvalidResponse: 502,
}

var grpcStatusMap = map[Code]codes.Code{
	CodeInvalidArgument: codes.InvalidArgument,
	CodeRetryLater:      codes.ResourceExhausted,
	CodeExchangePending: codes.Unavailable,
	CodeExchangeAborted: codes.Aborted,
	CodeNotConnected:    codes.FailedPrecondition,
	CodeInvalidResponse: codes.Internal,
}

// grpcCodeMap 是 grpcStatusMap 的反向映射，供客户端还原业务错误码。
var grpcCodeMap = map[codes.Code]Code{
	codes.InvalidArgument:    CodeInvalidArgument,
	codes.ResourceExhausted:  CodeRetryLater,
	codes.Unavailable:        CodeExchangePending,
	codes.Aborted:            CodeExchangeAborted,
	codes.FailedPrecondition: CodeNotConnected,
}

// Error 表示带统一错误码的业务错误。
type Error struct {
	Code       Code
	Message    string
	retryAfter time.Duration
	cause      error
}

// New 创建一个新的业务错误。
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap 创建携带底层原因的业务错误，errors.Is/As 可穿透到 cause。
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithRetryAfter 设置 Retry-After 提示，返回自身方便链式调用。
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.retryAfter = d
	return e
}

// RetryAfter 返回原始的重试等待时长，未设置时为 0。
func (e *Error) RetryAfter() time.Duration {
	if e == nil {
		return 0
	}
	return e.retryAfter
}

// RetryAfterHint 以秒为单位返回 Retry-After 提示文本。
func (e *Error) RetryAfterHint() string {
	if e == nil || e.retryAfter <= 0 {
		return ""
	}
	seconds := int((e.retryAfter + time.Second - 1) / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.cause != nil {
		return msg + ": " + e.cause.Error()
	}
	return msg
}

// Unwrap 暴露底层原因。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码匹配，便于 errors.Is(err, apierrors.New(code, "")) 风格判断。
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil || e == nil {
		return false
	}
	return e.Code == other.Code
}

// FromError 尝试从通用 error 中解析业务错误。
func FromError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// HasCode 判断 err 链上是否存在指定错误码。
func HasCode(err error, code Code) bool {
	apiErr, ok := FromError(err)
	return ok && apiErr.Code == code
}

// HTTPStatus 返回对应的 HTTP 状态码，未知错误默认 500。
func HTTPStatus(code Code) int {
	if status, ok := httpStatusMap[code]; ok {
		return status
	}
	return 500
}

// GRPCStatus 返回对应的 gRPC code，未知错误默认 Internal。
func GRPCStatus(code Code) codes.Code {
	if status, ok := grpcStatusMap[code]; ok {
		return status
	}
	return codes.Internal
}

// FromGRPCCode 将 gRPC code 还原为业务错误码，未知 code 返回 CodeInternal。
func FromGRPCCode(c codes.Code) Code {
	if code, ok := grpcCodeMap[c]; ok {
		return code
	}
	return CodeInternal
}

// RequiresRetryAfter 标记是否必须携带 Retry-After 头。
func RequiresRetryAfter(code Code) bool {
	return code == CodeRetryLater || code == CodeExchangePending
}
