package main

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/aegis-sign/extbridge/pkg/apierrors"
)

// backoffConfig 决定 EXCHANGE_PENDING / RETRY_LATER 时的指数退避参数。
type backoffConfig struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64
}

func defaultBackoff() backoffConfig {
	return backoffConfig{Initial: 500 * time.Millisecond, Max: 10 * time.Second, Jitter: 0.2}
}

// backoff 计算带抖动的指数退避等待时间。
type backoff struct {
	cfg      backoffConfig
	mu       sync.Mutex
	attempts int
	rand     *rand.Rand
}

func newBackoff(cfg backoffConfig) *backoff {
	return &backoff{cfg: cfg, rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (b *backoff) next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	base := b.cfg.Initial << b.attempts
	if base <= 0 || base > b.cfg.Max {
		base = b.cfg.Max
	}
	if b.cfg.Jitter > 0 {
		factor := 1 - b.cfg.Jitter + b.rand.Float64()*2*b.cfg.Jitter
		base = time.Duration(float64(base) * factor)
	}
	if b.attempts < 16 {
		b.attempts++
	}
	return min(max(base, b.cfg.Initial), b.cfg.Max)
}

// retryable 在服务端给出的 Retry-After 与本地退避之间取较大者重试 fn。
// retries 为 0 时只执行一次。
func retryable[T any](ctx context.Context, retries int, b *backoff, fn func() (T, error)) (T, error) {
	for attempt := 0; ; attempt++ {
		out, err := fn()
		if err == nil || attempt >= retries {
			return out, err
		}
		apiErr, ok := apierrors.FromError(err)
		if !ok || !apierrors.RequiresRetryAfter(apiErr.Code) {
			return out, err
		}
		wait := max(apiErr.RetryAfter(), b.next())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return out, err
		case <-timer.C:
		}
	}
}
