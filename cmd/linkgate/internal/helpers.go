package internal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/tinyland-inc/linkgate/pkg/auth"
	"github.com/tinyland-inc/linkgate/pkg/config"
	"github.com/tinyland-inc/linkgate/pkg/logger"
	"github.com/tinyland-inc/linkgate/pkg/store"
)

const Logo = "🔗"

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

var configPath string

// SetConfigPath overrides the config file location for this process.
func SetConfigPath(path string) { configPath = path }

func GetConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if p := os.Getenv("LINKGATE_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".linkgate", "config.json")
}

func LoadConfig() (*config.Config, error) {
	return config.LoadConfig(GetConfigPath())
}

// SetupLogger applies the log section of cfg; debug forces DEBUG level.
func SetupLogger(cfg *config.Config, debug bool) {
	logger.Configure(os.Stderr, cfg.Log.Format == "json")
	level := logger.ParseLevel(cfg.Log.Level)
	if debug {
		level = logger.DEBUG
	}
	logger.SetLevel(level)
}

// OpenStore opens the configured credential store. With passphraseFrom set
// and no passphrase configured, the passphrase is read from it.
func OpenStore(cfg *config.Config, passphraseFrom io.Reader) (store.CredentialStore, error) {
	passphrase := cfg.Store.Passphrase
	if passphrase == "" && passphraseFrom != nil {
		p, err := auth.ReadSecret("Paste the credential store passphrase:", os.Stderr, passphraseFrom)
		if err != nil {
			return nil, err
		}
		passphrase = p
	}
	s, err := store.Open(store.Options{
		Backend:    cfg.Store.Backend,
		Dir:        cfg.StoreDir(),
		SQLitePath: cfg.SQLitePath(),
		Passphrase: passphrase,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s credential store: %w", cfg.Store.Backend, err)
	}
	return s, nil
}

// CloseStore releases store resources, if it holds any.
func CloseStore(s store.CredentialStore) {
	if c, ok := s.(store.Closer); ok {
		if err := c.Close(); err != nil {
			logger.WarnCF("store", "Closing credential store failed", map[string]any{"error": err.Error()})
		}
	}
}

// FormatVersion returns the version string with optional git commit
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildInfo returns build time and go version info
func FormatBuildInfo() (string, string) {
	build := buildTime
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return build, goVer
}

func GetVersion() string {
	return version
}
