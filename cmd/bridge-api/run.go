package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	bridgeapi "github.com/aegis-sign/extbridge/internal/api"
	"github.com/aegis-sign/extbridge/internal/app/extbridge"
	"github.com/aegis-sign/extbridge/internal/config"
	"github.com/aegis-sign/extbridge/internal/infra/chromehost"
	"github.com/aegis-sign/extbridge/internal/infra/listener"
	"github.com/aegis-sign/extbridge/internal/infra/wshost"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// configLoader 产出叠加了命令行参数的完整配置。
type configLoader func() (config.Config, error)

func run(ctx context.Context, cfg config.Config, reload configLoader) error {
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mux := http.NewServeMux()
	host, closeHost, err := buildHost(ctx, cfg, logger, mux)
	if err != nil {
		return err
	}
	defer closeHost()

	bridge, err := extbridge.New(host, cfg.BridgeOptions(logger, extbridge.NewMetrics(reg)))
	if err != nil {
		return fmt.Errorf("build bridge: %w", err)
	}
	backend := bridgeapi.NewRateLimitedBackend(bridge, bridgeapi.RateLimitConfig{
		Rate:    cfg.RateLimit.Rate,
		Burst:   cfg.RateLimit.Burst,
		Metrics: bridgeapi.NewMetrics(reg),
	})
	hinter := bridgeapi.NewRetryHinter(bridgeapi.RetryHintConfig{MinRetry: cfg.Retry.Min, MaxRetry: cfg.Retry.Max})

	bridgeapi.NewHTTPHandler(backend, bridgeapi.WithHTTPLogger(logger), bridgeapi.WithRetryHinter(hinter)).Register(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	grpcSrv := grpc.NewServer()
	bridgeapi.RegisterServer(grpcSrv, bridgeapi.NewGRPCServer(backend, bridgeapi.WithGRPCRetryHinter(hinter)))
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)

	var httpLis, grpcLis net.Listener
	if cfg.HTTPAddr != "" {
		if httpLis, err = listener.Listen(cfg.HTTPAddr); err != nil {
			return fmt.Errorf("listen http: %w", err)
		}
	}
	if cfg.GRPCAddr != "" {
		if grpcLis, err = listener.Listen(cfg.GRPCAddr); err != nil {
			if httpLis != nil {
				_ = httpLis.Close()
			}
			return fmt.Errorf("listen grpc: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	var httpSrv *http.Server
	if httpLis != nil {
		httpSrv = &http.Server{Handler: mux, BaseContext: func(net.Listener) context.Context { return gctx }}
		g.Go(func() error {
			logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
			if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}
	if grpcLis != nil {
		g.Go(func() error {
			logger.Info("gRPC server listening", "addr", cfg.GRPCAddr)
			if err := grpcSrv.Serve(grpcLis); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}
	healthSrv.SetServingStatus(bridgeapi.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	g.Go(func() error {
		reloadOnHangup(gctx, logger, reload, backend)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down servers")
		healthSrv.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownTimeout)
		defer cancel()
		if httpSrv != nil {
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				logger.Error("http shutdown error", "err", err)
			}
		}
		grpcSrv.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("bridge-api stopped", "err", err)
		return err
	}
	return nil
}

// buildHost 构造 extension host；ws host 会挂到 mux 上。
func buildHost(ctx context.Context, cfg config.Config, logger *slog.Logger, mux *http.ServeMux) (extbridge.Host, func(), error) {
	switch cfg.Host {
	case config.HostChrome:
		host, err := chromehost.New(ctx, cfg.ChromeOptions(), chromehost.WithLogger(logger))
		if err != nil {
			return nil, func() {}, fmt.Errorf("start chrome host: %w", err)
		}
		return host, func() { _ = host.Close() }, nil
	default:
		host := wshost.New(
			cfg.Bridge.ExtensionID,
			wshost.WithLogger(logger),
			wshost.WithWriteTimeout(cfg.WS.WriteTimeout),
			wshost.WithPingInterval(cfg.WS.PingInterval),
		)
		mux.Handle(cfg.WS.Path, host)
		return host, func() {}, nil
	}
}

// reloadOnHangup 在 SIGHUP 时重新加载配置并热更新限流。
func reloadOnHangup(ctx context.Context, logger *slog.Logger, reload configLoader, backend *bridgeapi.RateLimitedBackend) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			reloadRateLimit(logger, reload, backend.UpdateRateLimit)
		}
	}
}

// reloadRateLimit 加载失败时保留当前限流。
func reloadRateLimit(logger *slog.Logger, reload configLoader, apply func(float64)) {
	cfg, err := reload()
	if err != nil {
		logger.Warn("config reload failed", "err", err)
		return
	}
	apply(cfg.RateLimit.Rate)
	logger.Info("rate limit reloaded", "rate", cfg.RateLimit.Rate)
}
