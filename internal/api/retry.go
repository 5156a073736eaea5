package bridgeapi

import (
	"math/rand"
	"sync"
	"time"

	"github.com/aegis-sign/extbridge/pkg/apierrors"
)

// RetryHintConfig 配置 EXCHANGE_PENDING 的 Retry-After 区间。
type RetryHintConfig struct {
	MinRetry time.Duration
	MaxRetry time.Duration
}

// RetryHinter 给缺少 Retry-After 的可重试错误补上随机提示，避免客户端同时重试。
type RetryHinter struct {
	minRetry time.Duration
	maxRetry time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRetryHinter 构造 RetryHinter，默认区间 1s~3s。
func NewRetryHinter(cfg RetryHintConfig) *RetryHinter {
	min := cfg.MinRetry
	max := cfg.MaxRetry
	if min <= 0 {
		min = time.Second
	}
	if max <= 0 {
		max = 3 * time.Second
	}
	if max < min {
		max = min
	}
	return &RetryHinter{
		minRetry: min,
		maxRetry: max,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Annotate 返回带 Retry-After 的业务错误；非业务错误原样返回 ok=false。
func (r *RetryHinter) Annotate(err error) (*apierrors.Error, bool) {
	apiErr, ok := apierrors.FromError(err)
	if !ok {
		return nil, false
	}
	if !apierrors.RequiresRetryAfter(apiErr.Code) || apiErr.RetryAfterHint() != "" {
		return apiErr, true
	}
	// 共享的哨兵错误不能被原地修改。
	annotated := *apiErr
	return annotated.WithRetryAfter(r.randomRetry()), true
}

func (r *RetryHinter) randomRetry() time.Duration {
	if r == nil {
		return time.Second
	}
	span := r.maxRetry - r.minRetry
	if span <= 0 {
		return r.minRetry
	}
	r.mu.Lock()
	offset := time.Duration(r.rng.Int63n(int64(span)))
	r.mu.Unlock()
	return r.minRetry + offset
}
