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
	"strings"
	"syscall"
	"time"

	"github.com/devpm/relay/common/environment"
	"github.com/devpm/relay/common/version"
	"github.com/devpm/relay/internal/relayer/api"
	"github.com/devpm/relay/internal/relayer/hub"
	"github.com/devpm/relay/internal/relayer/store"
)

const codePruneInterval = 10 * time.Minute

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel()}))
	slog.SetDefault(log)
	log.Info("relayer starting", "version", version.Info())

	if err := run(log); err != nil {
		log.Error("relayer exited", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	jwtSecret, err := environment.RequiredString("JWT_SECRET")
	if err != nil {
		return err
	}
	executorKey, err := environment.RequiredString("EXECUTOR_API_KEY")
	if err != nil {
		return err
	}
	passwordSalt, err := environment.RequiredString("PASSWORD_SALT")
	if err != nil {
		return err
	}

	host := environment.StringOr("HOST", "0.0.0.0")
	port := environment.IntOr("PORT", 8080)
	dbPath := strings.TrimPrefix(
		environment.FirstOr("./data/relayer.db", "DATABASE_PATH", "DATABASE_URL"),
		"sqlite:")

	var st *store.Store
	if dir := os.Getenv("MIGRATIONS_DIR"); dir != "" {
		st, err = store.OpenWithMigrationsDir(dbPath, dir)
	} else {
		st, err = store.Open(dbPath)
	}
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	cfg := api.Config{
		JWTSecret:      []byte(jwtSecret),
		ExecutorAPIKey: executorKey,
		PasswordSalt:   passwordSalt,
		JWTTTL:         time.Duration(environment.IntOr("JWT_TTL_SECS", 3600)) * time.Second,
		RefreshGrace:   time.Duration(environment.IntOr("JWT_REFRESH_GRACE_SECS", 86400)) * time.Second,
		CodeTTL:        time.Duration(environment.IntOr("DEVICE_REGISTRATION_CODE_TTL_SECS", 600)) * time.Second,
		CORSOrigins:    environment.StringSliceOr("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go pruneCodes(ctx, st, log)

	server := &http.Server{
		Addr:    net.JoinHostPort(host, fmt.Sprint(port)),
		Handler: api.New(cfg, st, hub.New(), log),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
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

// pruneCodes periodically clears expired and consumed registration codes.
func pruneCodes(ctx context.Context, st *store.Store, log *slog.Logger) {
	ticker := time.NewTicker(codePruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := st.PruneExpiredCodes(ctx); err != nil {
				log.Warn("prune registration codes", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
