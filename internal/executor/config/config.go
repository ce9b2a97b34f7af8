// Package config loads the executor daemon's environment settings.
package config

import (
	"fmt"
	"strings"

	"github.com/devpm/relay/common/environment"
)

// Config holds the executor's runtime settings.
type Config struct {
	// RelayerWSURL is the relayer's WebSocket endpoint.
	RelayerWSURL string
	// RelayerHTTPURL is the relayer's HTTP base URL. When unset it is
	// derived from the WebSocket URL.
	RelayerHTTPURL string
	ExecutorAPIKey string
	// DefaultRepo is used for commands that carry no repo path.
	DefaultRepo     string
	TranslatorModel string
	WorkloadModel   string
	// ClientSalt feeds the password prehash during register-device.
	ClientSalt string
}

// Load reads the executor configuration from the environment.
func Load() (*Config, error) {
	apiKey, err := environment.RequiredString("EXECUTOR_API_KEY")
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		RelayerWSURL:    environment.StringOr("RELAYER_WS_URL", "ws://localhost:8080/ws"),
		RelayerHTTPURL:  environment.StringOr("RELAYER_URL", ""),
		ExecutorAPIKey:  apiKey,
		DefaultRepo:     environment.StringOr("DEFAULT_REPO", "~/repos/default"),
		TranslatorModel: environment.StringOr("TRANSLATOR_MODEL", "auto"),
		WorkloadModel:   environment.StringOr("WORKLOAD_MODEL", "auto"),
		ClientSalt:      environment.StringOr("CLIENT_SALT", ""),
	}
	if cfg.RelayerHTTPURL == "" {
		cfg.RelayerHTTPURL = httpFromWS(cfg.RelayerWSURL)
	}
	if cfg.RelayerHTTPURL == "" {
		return nil, fmt.Errorf("config: cannot derive HTTP URL from %q", cfg.RelayerWSURL)
	}
	return cfg, nil
}

// httpFromWS converts a WebSocket URL to the relayer's HTTP base URL.
func httpFromWS(wsURL string) string {
	url := wsURL
	switch {
	case strings.HasPrefix(url, "wss://"):
		url = "https://" + strings.TrimPrefix(url, "wss://")
	case strings.HasPrefix(url, "ws://"):
		url = "http://" + strings.TrimPrefix(url, "ws://")
	default:
		return ""
	}
	return strings.TrimSuffix(url, "/ws")
}
