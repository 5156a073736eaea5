package extbridge

import (
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultPopupName        = "connectPopup"
	defaultPopupFeatures    = "directories=no,titlebar=no,toolbar=no,location=no,status=no,menubar=no,scrollbars=no,resizable=no,width=375,height=569"
	defaultWatchdogInterval = 500 * time.Millisecond
)

// Config 控制 Bridge 行为。
type Config struct {
	ExtensionID      string
	PopupName        string
	PopupFeatures    string
	WatchdogInterval time.Duration
	PeerTarget       string
	InpageTarget     string
	Logger           *slog.Logger
	Metrics          *Metrics
}

func (c *Config) normalize() Config {
	cfg := *c
	if cfg.PopupName == "" {
		cfg.PopupName = defaultPopupName
	}
	if cfg.PopupFeatures == "" {
		cfg.PopupFeatures = defaultPopupFeatures
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = defaultWatchdogInterval
	}
	if cfg.PeerTarget == "" {
		cfg.PeerTarget = PeerTarget
	}
	if cfg.InpageTarget == "" {
		cfg.InpageTarget = InpageTarget
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// ExtensionURL 返回扩展弹窗页面地址。
func (c Config) ExtensionURL() string {
	return fmt.Sprintf("chrome-extension://%s/index.html", c.ExtensionID)
}

func (c Config) popupSpec() PopupSpec {
	return PopupSpec{URL: c.ExtensionURL(), Name: c.PopupName, Features: c.PopupFeatures}
}
