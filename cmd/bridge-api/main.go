package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/aegis-sign/extbridge/internal/config"
	"github.com/spf13/cobra"
)

type flags struct {
	configPath  string
	httpAddr    string
	grpcAddr    string
	host        string
	extensionID string
	logLevel    string
	rateLimit   float64
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:           "bridge-api",
		Short:         "Serve the wallet extension bridge over HTTP and gRPC",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, func() (config.Config, error) {
				return loadConfig(cmd, f)
			})
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&f.configPath, "config", os.Getenv("EXTBRIDGE_CONFIG"), "path to a YAML config file")
	fs.StringVar(&f.httpAddr, "http-addr", "", "HTTP listen endpoint (host:port or unix://path)")
	fs.StringVar(&f.grpcAddr, "grpc-addr", "", "gRPC listen endpoint (host:port, unix://path or vsock://port)")
	fs.StringVar(&f.host, "host", "", "extension host: chrome or ws")
	fs.StringVar(&f.extensionID, "extension-id", "", "wallet extension id")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.Float64Var(&f.rateLimit, "rate-limit", 0, "popup operations per second, 0 disables limiting")
	return cmd
}

// loadConfig 在文件与环境变量之上叠加显式设置的命令行参数。
func loadConfig(cmd *cobra.Command, f flags) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	fs := cmd.Flags()
	if fs.Changed("http-addr") {
		cfg.HTTPAddr = f.httpAddr
	}
	if fs.Changed("grpc-addr") {
		cfg.GRPCAddr = f.grpcAddr
	}
	if fs.Changed("host") {
		cfg.Host = f.host
	}
	if fs.Changed("extension-id") {
		cfg.Bridge.ExtensionID = f.extensionID
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if fs.Changed("rate-limit") {
		cfg.RateLimit.Rate = f.rateLimit
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
