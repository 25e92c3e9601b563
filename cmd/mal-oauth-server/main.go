package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/gorilla/sessions"
	oauth "github.com/haileyok/mal-oauth-golang"
	"github.com/haileyok/mal-oauth-golang/internal/auth"
	"github.com/haileyok/mal-oauth-golang/internal/config"
	"github.com/haileyok/mal-oauth-golang/internal/server"
	"github.com/haileyok/mal-oauth-golang/internal/session"
	"github.com/haileyok/mal-oauth-golang/internal/storage"
	"github.com/haileyok/mal-oauth-golang/internal/telemetry"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := config.LoadDotenv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	app := &cli.App{
		Name:    "mal-oauth-server",
		Usage:   "myanimelist oauth login and session server",
		Version: versioninfo.Short(),
		Flags:   config.Flags(),
		Action:  run,
	}

	app.RunAndExitOnError()
}

func run(cmd *cli.Context) error {
	cfg, err := config.FromCLI(cmd)
	if err != nil {
		return err
	}

	logger, err := config.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.TelemetryEndpoint(),
		ServiceName: server.DefaultServiceName,
		Version:     versioninfo.Short(),
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Error("failed to flush telemetry", "error", err)
		}
	}()

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		return err
	}

	oauthClient, err := oauth.NewClient(oauth.ClientArgs{
		H: &http.Client{
			Timeout: cfg.ProviderTimeout,
		},
		ClientId:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectUri:  cfg.RedirectURI(),
	})
	if err != nil {
		return err
	}

	manager, err := auth.NewManager(auth.ManagerArgs{
		Client:  oauthClient,
		Pending: storage.NewPendingStore(db),
		Tokens:  storage.NewTokenStore(db),
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	store := session.NewStore(db, logger, sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.CookieMaxAge / time.Second),
		HttpOnly: true,
		Secure:   cfg.SecureCookies(),
		SameSite: http.SameSiteLaxMode,
	}, session.KeyPairs(cfg.EncryptionKey)...)

	app, err := server.New(server.Deps{
		Options: server.Options{
			WebURL:            cfg.WebURL,
			TrustProxy:        cfg.TrustProxy,
			EnableCors:        cfg.EnableCors,
			EnableStaticFiles: cfg.EnableStaticFiles,
			EnableTelemetry:   cfg.EnableTelemetry,
			StaticDir:         cfg.StaticDir,
			StaticPath:        cfg.StaticPath,
		},
		Logger:   logger,
		Auth:     manager,
		Sessions: session.NewCarrier(session.DefaultName, store),
	})
	if err != nil {
		return err
	}

	cleaner := storage.NewCleaner(db, cfg.CleanupInterval, logger)
	cleaner.Start(ctx)
	defer cleaner.Stop()

	httpd := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           app,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", "addr", cfg.ListenAddr, "web_url", cfg.WebURL, "stages", app.Stages())
		if err := httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down http server")

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpd.Shutdown(sctx); err != nil {
		return fmt.Errorf("could not shut down http server: %w", err)
	}

	return nil
}
