// Package config owns the on-disk configuration under ~/.relayplane:
// config.json with an atomic-rename write path and a single .bak fallback,
// plus a sibling credentials.json that is never mixed into the main config
// and survives config resets.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/relayplane/relayplane/internal/alerts"
	"github.com/relayplane/relayplane/internal/anomaly"
	"github.com/relayplane/relayplane/internal/budget"
	"github.com/relayplane/relayplane/internal/cache"
	"github.com/relayplane/relayplane/internal/cooldown"
	"github.com/relayplane/relayplane/internal/downgrade"
	"github.com/relayplane/relayplane/internal/router"
)

type (
	// ProxyConfig is the listener address and the provider-call timeout.
	ProxyConfig struct {
		Host           string `json:"host"`
		Port           int    `json:"port"`
		TimeoutSeconds int    `json:"timeoutSeconds"`
	}

	// Config aggregates every subsystem policy. Credentials live elsewhere.
	Config struct {
		Enabled   bool             `json:"enabled"`
		Proxy     ProxyConfig      `json:"proxy"`
		Cache     cache.Config     `json:"cache"`
		Budget    budget.Config    `json:"budget"`
		Downgrade downgrade.Config `json:"downgrade"`
		Router    router.Config    `json:"router"`
		Cooldown  cooldown.Config  `json:"cooldown"`
		Anomaly   anomaly.Config   `json:"anomaly"`
		Alerts    alerts.Config    `json:"alerts"`
	}

	// Credentials holds the RelayPlane API key, stored separately from the
	// config so a config reset never loses it.
	Credentials struct {
		APIKey string `json:"apiKey,omitempty"`
	}
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 4100
	// AlternatePort is the fallback listener port, tried when the default
	// port is taken and no port was chosen explicitly.
	AlternatePort = 4801
	// DefaultTimeoutSeconds bounds a single provider call.
	DefaultTimeoutSeconds = 60

	EnvConfigPath = "RELAYPLANE_CONFIG_PATH"
	EnvProxyHost  = "RELAYPLANE_PROXY_HOST"
	EnvProxyPort  = "RELAYPLANE_PROXY_PORT"
)

// Default returns the configuration written on first run.
func Default() Config {
	return Config{
		Enabled:   true,
		Proxy:     ProxyConfig{Host: DefaultHost, Port: DefaultPort, TimeoutSeconds: DefaultTimeoutSeconds},
		Cache:     cache.DefaultConfig(),
		Budget:    budget.Config{OnBreach: budget.ActionBlock, Thresholds: budget.DefaultThresholds},
		Downgrade: downgrade.DefaultConfig(),
		Router:    router.DefaultConfig(),
		Cooldown:  cooldown.DefaultConfig(),
		Anomaly:   anomaly.DefaultConfig(),
		Alerts:    alerts.DefaultConfig(),
	}
}

// BaseDir is the state directory, ~/.relayplane unless RELAYPLANE_CONFIG_PATH
// points elsewhere (in which case its parent directory is used).
func BaseDir() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return filepath.Dir(p)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relayplane"
	}
	return filepath.Join(home, ".relayplane")
}

// Path is the main config file location.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return filepath.Join(BaseDir(), "config.json")
}

// CredentialsPath is the sibling credentials file.
func CredentialsPath() string {
	return filepath.Join(filepath.Dir(Path()), "credentials.json")
}

// Load reads the config at path. On a missing or unparseable primary it
// falls back to the .bak file; if both fail, it writes and returns the
// default config (credentials, living in their own file, are untouched).
func Load(path string) (Config, error) {
	cfg, err := readConfig(path)
	if err == nil {
		return cfg, nil
	}
	primaryErr := err

	cfg, bakErr := readConfig(path + ".bak")
	if bakErr == nil {
		return cfg, nil
	}

	cfg = Default()
	if saveErr := Save(path, cfg); saveErr != nil {
		return cfg, fmt.Errorf("config: load failed (%w) and default write failed: %w", primaryErr, saveErr)
	}
	if errors.Is(primaryErr, os.ErrNotExist) {
		return cfg, nil
	}
	return cfg, nil
}

func readConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save persists the config atomically: the previous file becomes .bak, the
// new content lands via tmp + rename.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}

	if prev, err := os.ReadFile(path); err == nil {
		if err := renameio.WriteFile(path+".bak", prev, 0o600); err != nil {
			return fmt.Errorf("config: write backup: %w", err)
		}
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := renameio.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}
	return nil
}

// LoadCredentials reads credentials.json; a missing file is empty
// credentials, not an error.
func LoadCredentials(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Credentials{}, nil
	}
	if err != nil {
		return Credentials{}, err
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("config: parse credentials: %w", err)
	}
	return creds, nil
}

// SaveCredentials persists credentials atomically.
func SaveCredentials(path string, creds Credentials) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, append(data, '\n'), 0o600)
}

// Redacted returns a copy safe to expose over the control surface. The
// config never holds provider keys, but the webhook URL may embed a token.
func (c Config) Redacted() Config {
	out := c
	if out.Alerts.WebhookURL != "" {
		out.Alerts.WebhookURL = "(redacted)"
	}
	return out
}
