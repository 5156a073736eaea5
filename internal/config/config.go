// Package config 读取 bridge-api 守护进程配置：默认值 → YAML 文件 → EXTBRIDGE_* 环境变量，命令行参数由调用方最后覆盖。
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aegis-sign/extbridge/internal/app/extbridge"
	"github.com/aegis-sign/extbridge/internal/infra/chromehost"
	"gopkg.in/yaml.v3"
)

// Host 取值。
const (
	HostChrome = "chrome"
	HostWS     = "ws"
)

// Config 是守护进程的全部配置。
type Config struct {
	HTTPAddr        string          `yaml:"httpAddr"`
	GRPCAddr        string          `yaml:"grpcAddr"`
	Host            string          `yaml:"host"`
	LogLevel        string          `yaml:"logLevel"`
	ShutdownTimeout time.Duration   `yaml:"shutdownTimeout"`
	Bridge          BridgeConfig    `yaml:"bridge"`
	Chrome          ChromeConfig    `yaml:"chrome"`
	WS              WSConfig        `yaml:"ws"`
	RateLimit       RateLimitConfig `yaml:"rateLimit"`
	Retry           RetryConfig     `yaml:"retry"`
}

// BridgeConfig 对应 extbridge.Config 中可配置的部分。
type BridgeConfig struct {
	ExtensionID      string        `yaml:"extensionId"`
	PopupName        string        `yaml:"popupName"`
	PopupFeatures    string        `yaml:"popupFeatures"`
	WatchdogInterval time.Duration `yaml:"watchdogInterval"`
}

// ChromeConfig 对应 chromehost.Config。
type ChromeConfig struct {
	RemoteURL    string        `yaml:"remoteUrl"`
	ExecPath     string        `yaml:"execPath"`
	Headless     bool          `yaml:"headless"`
	UserDataDir  string        `yaml:"userDataDir"`
	ExtensionDir string        `yaml:"extensionDir"`
	PageURL      string        `yaml:"pageUrl"`
	StartTimeout time.Duration `yaml:"startTimeout"`
	EvalTimeout  time.Duration `yaml:"evalTimeout"`
}

// WSConfig 控制 websocket host。
type WSConfig struct {
	Path         string        `yaml:"path"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	PingInterval time.Duration `yaml:"pingInterval"`
}

// RateLimitConfig 控制打开弹窗的速率，Rate<=0 表示不限流。
type RateLimitConfig struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// RetryConfig 是 EXCHANGE_PENDING 的 Retry-After 区间。
type RetryConfig struct {
	Min time.Duration `yaml:"min"`
	Max time.Duration `yaml:"max"`
}

// DefaultConfig 返回本地开发可用的默认值。
func DefaultConfig() Config {
	return Config{
		HTTPAddr:        "127.0.0.1:8080",
		GRPCAddr:        "127.0.0.1:9090",
		Host:            HostWS,
		LogLevel:        "info",
		ShutdownTimeout: 5 * time.Second,
		Bridge: BridgeConfig{
			WatchdogInterval: 500 * time.Millisecond,
		},
		Chrome: ChromeConfig{
			StartTimeout: 30 * time.Second,
			EvalTimeout:  2 * time.Second,
		},
		WS: WSConfig{
			Path:         "/ws",
			WriteTimeout: 2 * time.Second,
			PingInterval: 15 * time.Second,
		},
		RateLimit: RateLimitConfig{Rate: 1, Burst: 2},
		Retry:     RetryConfig{Min: time.Second, Max: 3 * time.Second},
	}
}

// Load 依次应用默认值、path 指向的 YAML 文件（可为空）与环境变量。
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	ApplyEnv(&cfg)
	return cfg, nil
}

// ApplyEnv 用 EXTBRIDGE_* 环境变量覆盖 cfg。
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("EXTBRIDGE_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("EXTBRIDGE_GRPC_ADDR"); v != "" {
		cfg.GRPCAddr = v
	}
	if v := os.Getenv("EXTBRIDGE_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("EXTBRIDGE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if d := readDuration("EXTBRIDGE_SHUTDOWN_TIMEOUT"); d > 0 {
		cfg.ShutdownTimeout = d
	}
	if v := os.Getenv("EXTBRIDGE_EXTENSION_ID"); v != "" {
		cfg.Bridge.ExtensionID = v
	}
	if v := os.Getenv("EXTBRIDGE_POPUP_NAME"); v != "" {
		cfg.Bridge.PopupName = v
	}
	if v := os.Getenv("EXTBRIDGE_POPUP_FEATURES"); v != "" {
		cfg.Bridge.PopupFeatures = v
	}
	if d := readDuration("EXTBRIDGE_WATCHDOG_INTERVAL"); d > 0 {
		cfg.Bridge.WatchdogInterval = d
	}
	if v := os.Getenv("EXTBRIDGE_CHROME_REMOTE_URL"); v != "" {
		cfg.Chrome.RemoteURL = v
	}
	if v := os.Getenv("EXTBRIDGE_CHROME_EXEC_PATH"); v != "" {
		cfg.Chrome.ExecPath = v
	}
	if v := os.Getenv("EXTBRIDGE_CHROME_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Chrome.Headless = b
		}
	}
	if v := os.Getenv("EXTBRIDGE_CHROME_USER_DATA_DIR"); v != "" {
		cfg.Chrome.UserDataDir = v
	}
	if v := os.Getenv("EXTBRIDGE_CHROME_EXTENSION_DIR"); v != "" {
		cfg.Chrome.ExtensionDir = v
	}
	if v := os.Getenv("EXTBRIDGE_CHROME_PAGE_URL"); v != "" {
		cfg.Chrome.PageURL = v
	}
	if v := os.Getenv("EXTBRIDGE_WS_PATH"); v != "" {
		cfg.WS.Path = v
	}
	if d := readDuration("EXTBRIDGE_WS_WRITE_TIMEOUT"); d > 0 {
		cfg.WS.WriteTimeout = d
	}
	if d := readDuration("EXTBRIDGE_WS_PING_INTERVAL"); d > 0 {
		cfg.WS.PingInterval = d
	}
	if r := readFloat("EXTBRIDGE_RATE_LIMIT"); r >= 0 {
		cfg.RateLimit.Rate = r
	}
	if v := readInt("EXTBRIDGE_RATE_BURST"); v > 0 {
		cfg.RateLimit.Burst = v
	}
	if d := readDuration("EXTBRIDGE_RETRY_MIN"); d > 0 {
		cfg.Retry.Min = d
	}
	if d := readDuration("EXTBRIDGE_RETRY_MAX"); d > 0 {
		cfg.Retry.Max = d
	}
}

// Validate 检查必填项与取值范围。
func (c Config) Validate() error {
	var errs []error
	if c.Bridge.ExtensionID == "" {
		errs = append(errs, errors.New("bridge.extensionId is required"))
	}
	switch c.Host {
	case HostChrome, HostWS:
	default:
		errs = append(errs, fmt.Errorf("unknown host %q (want %s or %s)", c.Host, HostChrome, HostWS))
	}
	if c.HTTPAddr == "" && c.GRPCAddr == "" {
		errs = append(errs, errors.New("at least one of httpAddr or grpcAddr is required"))
	}
	if c.Host == HostWS && !strings.HasPrefix(c.WS.Path, "/") {
		errs = append(errs, fmt.Errorf("ws.path must start with /: %q", c.WS.Path))
	}
	if c.Host == HostWS && c.HTTPAddr == "" {
		errs = append(errs, errors.New("ws host requires httpAddr"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel 解析 LogLevel。
func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return level, nil
}

// BridgeOptions 转换为 extbridge.Config。
func (c Config) BridgeOptions(logger *slog.Logger, metrics *extbridge.Metrics) extbridge.Config {
	return extbridge.Config{
		ExtensionID:      c.Bridge.ExtensionID,
		PopupName:        c.Bridge.PopupName,
		PopupFeatures:    c.Bridge.PopupFeatures,
		WatchdogInterval: c.Bridge.WatchdogInterval,
		Logger:           logger,
		Metrics:          metrics,
	}
}

// ChromeOptions 转换为 chromehost.Config。
func (c Config) ChromeOptions() chromehost.Config {
	return chromehost.Config{
		RemoteURL:    c.Chrome.RemoteURL,
		ExecPath:     c.Chrome.ExecPath,
		Headless:     c.Chrome.Headless,
		UserDataDir:  c.Chrome.UserDataDir,
		ExtensionDir: c.Chrome.ExtensionDir,
		PageURL:      c.Chrome.PageURL,
		StartTimeout: c.Chrome.StartTimeout,
		EvalTimeout:  c.Chrome.EvalTimeout,
	}
}

func readInt(key string) int {
	value := os.Getenv(key)
	if value == "" {
		return 0
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return v
}

func readDuration(key string) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return 0
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func readFloat(key string) float64 {
	value := os.Getenv(key)
	if value == "" {
		return -1
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return -1
	}
	return v
}
