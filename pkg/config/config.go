package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts a single JSON string,
// so cors_origins can be written as "*" or ["https://a", "https://b"].
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*f = nil
		return nil
	}
	*f = []string{s}
	return nil
}

type Config struct {
	Gateway  GatewayConfig  `json:"gateway"`
	Sessions SessionsConfig `json:"sessions"`
	Dispatch DispatchConfig `json:"dispatch"`
	Store    StoreConfig    `json:"store"`
	Bridge   BridgeConfig   `json:"bridge"`
	Log      LogConfig      `json:"log"`
}

type GatewayConfig struct {
	Host                   string              `env:"LINKGATE_GATEWAY_HOST"                     json:"host"`
	Port                   int                 `env:"LINKGATE_GATEWAY_PORT"                     json:"port"`
	APIToken               string              `env:"LINKGATE_GATEWAY_API_TOKEN"                json:"api_token,omitempty"`
	CORSOrigins            FlexibleStringSlice `env:"LINKGATE_GATEWAY_CORS_ORIGINS"             json:"cors_origins"`
	ShutdownTimeoutSeconds int                 `env:"LINKGATE_GATEWAY_SHUTDOWN_TIMEOUT_SECONDS" json:"shutdown_timeout_seconds"`
}

type SessionsConfig struct {
	DefaultID           string  `env:"LINKGATE_SESSIONS_DEFAULT_ID"            json:"default_id"`
	ReconnectDelayMS    int     `env:"LINKGATE_SESSIONS_RECONNECT_DELAY_MS"    json:"reconnect_delay_ms"`
	ReconnectMultiplier float64 `env:"LINKGATE_SESSIONS_RECONNECT_MULTIPLIER"  json:"reconnect_multiplier"`
	ReconnectMaxDelayMS int     `env:"LINKGATE_SESSIONS_RECONNECT_MAX_DELAY_MS" json:"reconnect_max_delay_ms"`
	ReconnectJitter     bool    `env:"LINKGATE_SESSIONS_RECONNECT_JITTER"      json:"reconnect_jitter"`
	RestoreOnStart      bool    `env:"LINKGATE_SESSIONS_RESTORE_ON_START"      json:"restore_on_start"`
}

type DispatchConfig struct {
	MaxRecipients      int    `env:"LINKGATE_DISPATCH_MAX_RECIPIENTS"       json:"max_recipients"`
	Concurrency        int    `env:"LINKGATE_DISPATCH_CONCURRENCY"          json:"concurrency"`
	DefaultDomain      string `env:"LINKGATE_DISPATCH_DEFAULT_DOMAIN"       json:"default_domain"`
	SendTimeoutSeconds int    `env:"LINKGATE_DISPATCH_SEND_TIMEOUT_SECONDS" json:"send_timeout_seconds"`
}

type StoreConfig struct {
	Backend    string `env:"LINKGATE_STORE_BACKEND"     json:"backend"` // file | sqlite | memory
	Dir        string `env:"LINKGATE_STORE_DIR"         json:"dir"`
	SQLitePath string `env:"LINKGATE_STORE_SQLITE_PATH" json:"sqlite_path"`
	Passphrase string `env:"LINKGATE_STORE_PASSPHRASE"  json:"passphrase,omitempty"`
}

type BridgeConfig struct {
	URL                     string `env:"LINKGATE_BRIDGE_URL"                       json:"url"`
	HandshakeTimeoutSeconds int    `env:"LINKGATE_BRIDGE_HANDSHAKE_TIMEOUT_SECONDS" json:"handshake_timeout_seconds"`
	LoggedOutCode           int    `env:"LINKGATE_BRIDGE_LOGGED_OUT_CODE"           json:"logged_out_code"`
	ConcurrentSends         bool   `env:"LINKGATE_BRIDGE_CONCURRENT_SENDS"          json:"concurrent_sends"`
}

type LogConfig struct {
	Level  string `env:"LINKGATE_LOG_LEVEL"  json:"level"`
	Format string `env:"LINKGATE_LOG_FORMAT" json:"format"` // console | json
}

func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:                   "0.0.0.0",
			Port:                   3000,
			CORSOrigins:            FlexibleStringSlice{"*"},
			ShutdownTimeoutSeconds: 10,
		},
		Sessions: SessionsConfig{
			DefaultID:           "default",
			ReconnectDelayMS:    5000,
			ReconnectMultiplier: 1.0,
			RestoreOnStart:      true,
		},
		Dispatch: DispatchConfig{
			MaxRecipients:      50,
			Concurrency:        4,
			DefaultDomain:      "s.whatsapp.net",
			SendTimeoutSeconds: 30,
		},
		Store: StoreConfig{
			Backend:    "file",
			Dir:        "~/.linkgate/sessions",
			SQLitePath: "~/.linkgate/credentials.db",
		},
		Bridge: BridgeConfig{
			URL:                     "ws://localhost:3001/ws",
			HandshakeTimeoutSeconds: 10,
			LoggedOutCode:           401,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d out of range", c.Gateway.Port))
	}
	if c.Sessions.DefaultID == "" {
		errs = append(errs, errors.New("sessions.default_id is required"))
	}
	if c.Sessions.ReconnectDelayMS <= 0 {
		errs = append(errs, errors.New("sessions.reconnect_delay_ms must be positive"))
	}
	if c.Dispatch.MaxRecipients <= 0 {
		errs = append(errs, errors.New("dispatch.max_recipients must be positive"))
	}
	if c.Dispatch.Concurrency <= 0 {
		errs = append(errs, errors.New("dispatch.concurrency must be positive"))
	}
	if c.Dispatch.DefaultDomain == "" {
		errs = append(errs, errors.New("dispatch.default_domain is required"))
	}
	if c.Bridge.URL == "" {
		errs = append(errs, errors.New("bridge.url is required"))
	}
	switch c.Store.Backend {
	case "file", "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.backend %q: want file, sqlite or memory", c.Store.Backend))
	}
	return errors.Join(errs...)
}

func (c *Config) StoreDir() string {
	return expandHome(c.Store.Dir)
}

func (c *Config) SQLitePath() string {
	return expandHome(c.Store.SQLitePath)
}

func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Sessions.ReconnectDelayMS) * time.Millisecond
}

func (c *Config) ReconnectMaxDelay() time.Duration {
	return time.Duration(c.Sessions.ReconnectMaxDelayMS) * time.Millisecond
}

func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.Dispatch.SendTimeoutSeconds) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Gateway.ShutdownTimeoutSeconds) * time.Second
}

func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Bridge.HandshakeTimeoutSeconds) * time.Second
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
