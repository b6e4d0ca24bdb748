package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/immsbatch/api/controllers"
	"github.com/angelmondragon/immsbatch/api/routes"
	"github.com/angelmondragon/immsbatch/internal/ledger"
	"github.com/angelmondragon/immsbatch/internal/ops"
	"github.com/angelmondragon/immsbatch/pkg/auth"
	"github.com/angelmondragon/immsbatch/pkg/config"
	"github.com/angelmondragon/immsbatch/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "ops-api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "ops-api"

	logg = logger.New(logger.Options{
		ServiceName: "ops-api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Version:     cfg.App.Version,
		Console:     cfg.App.ConsoleLogs(),
	})

	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := mintToken(cfg, os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "token: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if cfg.JWT.Secret == "" {
		logg.Error(context.Background(), "ops api requires a jwt secret", errors.New(config.EnvJWTSecret+" is empty"))
		os.Exit(1)
	}

	ledgerBackend, err := ledger.NewBackend(context.Background(), cfg, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap ledger", err)
		os.Exit(1)
	}
	defer func() {
		if err := ledgerBackend.Close(); err != nil {
			logg.Error(context.Background(), "error closing ledger", err)
		}
	}()

	opsService, err := ops.NewService(ledgerBackend.Store, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create ops service", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"addr":        addr,
		"serviceKind": cfg.Service.Kind,
	})

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.Params{
			Config:       cfg,
			Logger:       logg,
			Dependencies: map[string]controllers.Pinger{"ledger": ledgerBackend},
			Ops:          opsService,
			Metrics:      promhttp.Handler(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logg.Info(ctx, "starting ops api server")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "ops api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "ops api shutdown failed", err)
		}
		logg.Info(ctx, "ops api shutting down gracefully")
	}
}

// mintToken prints a signed access token, e.g. `ops-api token -subject alice -role operator`.
func mintToken(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "", "operator identity recorded on releases")
	role := fs.String("role", string(auth.RoleViewer), "viewer|operator")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return errors.New("missing -subject")
	}
	token, err := auth.MintAccessToken(cfg.JWT, time.Now(), auth.AccessTokenPayload{
		Subject: *subject,
		Role:    auth.Role(*role),
		JTI:     uuid.NewString(),
	})
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
