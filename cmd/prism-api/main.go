// prism-api serves the conversation orchestrator behind REST, WebSocket, and
// Prometheus endpoints.
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

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/prismdev/prism/internal/config"
	"github.com/prismdev/prism/internal/conversation"
	"github.com/prismdev/prism/internal/gateway"
	"github.com/prismdev/prism/internal/github"
	"github.com/prismdev/prism/internal/httpapi"
	"github.com/prismdev/prism/internal/observability"
	"github.com/prismdev/prism/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "prism-api:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	gw, err := gateway.NewClient(gateway.ProviderConfig{
		Provider: cfg.LLMProvider,
		APIKey:   cfg.ProviderAPIKey(),
		Model:    cfg.ProviderModel(),
		BaseURL:  cfg.OpenAIBaseURL,
	})
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	svc := conversation.NewService(db, gw, log, cfg.StreamIdleTimeout)
	gh := github.NewClient(github.Config{
		ClientID:     cfg.GitHubClientID,
		ClientSecret: cfg.GitHubClientSecret,
		RedirectURI:  cfg.GitHubRedirectURI,
	}, db, log)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpapi.NewServer(svc, gh, log, cfg.AllowedOrigins, cfg.DripInterval),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening",
			zap.String("addr", srv.Addr),
			zap.String("provider", cfg.LLMProvider))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
