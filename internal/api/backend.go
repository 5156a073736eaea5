package bridgeapi

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/aegis-sign/extbridge/internal/app/extbridge"
	"github.com/aegis-sign/extbridge/pkg/apierrors"
	"github.com/aegis-sign/extbridge/pkg/dapp"
	"golang.org/x/time/rate"
)

// Backend 定义业务层接口，HTTP/gRPC handler 通过它与钱包扩展交互。*extbridge.Bridge 实现了它。
type Backend interface {
	Login(ctx context.Context, opts dapp.LoginOptions) (dapp.Account, error)
	Logout(ctx context.Context) (bool, error)
	GetAddress(ctx context.Context) (string, error)
	IsInitialized() bool
	IsConnected(ctx context.Context) (bool, error)
	Session() (dapp.Account, bool)
	Snapshot() (extbridge.ExchangeSnapshot, bool)

	SignTransaction(ctx context.Context, tx dapp.Transaction) (dapp.Transaction, error)
	SignTransactions(ctx context.Context, txs []dapp.Transaction) ([]dapp.Transaction, error)
	SendTransaction(ctx context.Context, tx dapp.Transaction) (dapp.Transaction, error)
	SendTransactions(ctx context.Context, txs []dapp.Transaction) ([]dapp.Transaction, error)
	SignMessage(ctx context.Context, msg dapp.SignableMessage) (dapp.SignableMessage, error)
}

var _ Backend = (*extbridge.Bridge)(nil)

// RateLimitConfig 控制打开弹窗类操作的速率。
type RateLimitConfig struct {
	Rate    float64
	Burst   int
	Metrics *Metrics
}

// RateLimitedBackend 在打开弹窗的操作前做令牌桶限流，其余操作直接透传。
type RateLimitedBackend struct {
	Backend

	burst   int
	metrics *Metrics
	limiter atomic.Pointer[rate.Limiter]
	mu      sync.Mutex
}

// NewRateLimitedBackend 包装 backend；Rate<=0 表示不限流。
func NewRateLimitedBackend(backend Backend, cfg RateLimitConfig) *RateLimitedBackend {
	if backend == nil {
		panic("bridge backend is required")
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	b := &RateLimitedBackend{Backend: backend, burst: burst, metrics: cfg.Metrics}
	b.UpdateRateLimit(cfg.Rate)
	return b
}

// UpdateRateLimit 热更新速率限制。
func (b *RateLimitedBackend) UpdateRateLimit(rateValue float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rateValue <= 0 {
		b.limiter.Store(nil)
		return
	}
	b.limiter.Store(rate.NewLimiter(rate.Limit(rateValue), b.burst))
}

// allow 超限时返回带 Retry-After 的 RETRY_LATER。
func (b *RateLimitedBackend) allow(op extbridge.Operation) error {
	limiter := b.limiter.Load()
	if limiter == nil {
		return nil
	}
	reservation := limiter.Reserve()
	if !reservation.OK() {
		b.metrics.incRateLimited(op)
		return apierrors.New(apierrors.CodeRetryLater, "too many extension requests")
	}
	delay := reservation.Delay()
	if delay <= 0 {
		return nil
	}
	reservation.Cancel()
	b.metrics.incRateLimited(op)
	return apierrors.New(apierrors.CodeRetryLater, "too many extension requests").WithRetryAfter(delay)
}

func (b *RateLimitedBackend) Login(ctx context.Context, opts dapp.LoginOptions) (dapp.Account, error) {
	if err := b.allow(extbridge.OperationConnect); err != nil {
		return dapp.Account{}, err
	}
	return b.Backend.Login(ctx, opts)
}

func (b *RateLimitedBackend) SignTransaction(ctx context.Context, tx dapp.Transaction) (dapp.Transaction, error) {
	if err := b.allow(extbridge.OperationTransaction); err != nil {
		return dapp.Transaction{}, err
	}
	return b.Backend.SignTransaction(ctx, tx)
}

func (b *RateLimitedBackend) SignTransactions(ctx context.Context, txs []dapp.Transaction) ([]dapp.Transaction, error) {
	if err := b.allow(extbridge.OperationTransaction); err != nil {
		return nil, err
	}
	return b.Backend.SignTransactions(ctx, txs)
}

func (b *RateLimitedBackend) SendTransaction(ctx context.Context, tx dapp.Transaction) (dapp.Transaction, error) {
	if err := b.allow(extbridge.OperationTransaction); err != nil {
		return dapp.Transaction{}, err
	}
	return b.Backend.SendTransaction(ctx, tx)
}

func (b *RateLimitedBackend) SendTransactions(ctx context.Context, txs []dapp.Transaction) ([]dapp.Transaction, error) {
	if err := b.allow(extbridge.OperationTransaction); err != nil {
		return nil, err
	}
	return b.Backend.SendTransactions(ctx, txs)
}

func (b *RateLimitedBackend) SignMessage(ctx context.Context, msg dapp.SignableMessage) (dapp.SignableMessage, error) {
	if err := b.allow(extbridge.OperationSignMessage); err != nil {
		return dapp.SignableMessage{}, err
	}
	return b.Backend.SignMessage(ctx, msg)
}
