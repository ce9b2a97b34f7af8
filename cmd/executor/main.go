package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/devpm/relay/common/environment"
	"github.com/devpm/relay/common/version"
	"github.com/devpm/relay/internal/executor/agent"
	"github.com/devpm/relay/internal/executor/config"
	"github.com/devpm/relay/internal/executor/relay"
	"github.com/devpm/relay/internal/relayer/auth"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel()}))
	slog.SetDefault(log)

	root := &cobra.Command{
		Use:     "executor",
		Short:   "Relay executor daemon",
		Version: version.Info(),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), log)
		},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Connect to the relayer and process commands",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runDaemon(cmd.Context(), log)
			},
		},
		&cobra.Command{
			Use:   "bootstrap-device",
			Short: "Mint a one-time device key for initial setup",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return bootstrapDevice(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "register-device <code> <password>",
			Short: "Register a new controller device with a reservation code",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return registerDevice(cmd.Context(), args[0], args[1])
			},
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func logLevel() slog.Level {
	switch strings.ToLower(environment.StringOr("LOG_LEVEL", "info")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runDaemon(ctx context.Context, log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log.Info("executor starting",
		"relayer", cfg.RelayerWSURL, "default_repo", cfg.DefaultRepo)
	daemon := relay.NewDaemon(cfg, agent.NewCLI(log), log)
	err = daemon.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

// bootstrapDevice asks the relayer for a pre-setup one-time device key and
// prints it for the setup UI.
func bootstrapDevice(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	body, err := postJSON(ctx, cfg, "/api/auth/bootstrap-device", nil)
	if err != nil {
		return err
	}
	fmt.Printf("Device API key: %s\n", body["device_api_key"])
	fmt.Println("Use this key in the setup screen, then keep it somewhere safe.")
	return nil
}

// registerDevice redeems a reservation code for a fresh controller device
// key. The password is prehashed locally so the plaintext never leaves the
// machine.
func registerDevice(ctx context.Context, code, password string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.ClientSalt == "" {
		return fmt.Errorf("CLIENT_SALT is required for register-device")
	}
	hostname, _ := os.Hostname()
	body, err := postJSON(ctx, cfg, "/api/auth/register-device", map[string]string{
		"code":        code,
		"password":    auth.PrehashPassword(cfg.ClientSalt, password),
		"device_name": hostname,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Device API key: %s\n", body["device_api_key"])
	fmt.Printf("TOTP secret:    %s\n", body["totp_secret"])
	fmt.Println("Add the TOTP secret to your authenticator app before logging in.")
	return nil
}

func postJSON(ctx context.Context, cfg *config.Config, path string, payload any) (map[string]any, error) {
	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.RelayerHTTPURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.ExecutorAPIKey)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		var fail struct {
			Reason string `json:"reason"`
		}
		json.Unmarshal(data, &fail)
		if fail.Reason != "" {
			return nil, fmt.Errorf("relayer refused: %s", fail.Reason)
		}
		return nil, fmt.Errorf("relayer returned status %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return body, nil
}
