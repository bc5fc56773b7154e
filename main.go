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

	"github.com/rs/zerolog"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := newLogger(cfg.LogLevel, cfg.LogPretty, os.Stdout)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg *Config, log zerolog.Logger) error {
	repos, err := openRepositories(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := repos.Close(); err != nil {
			log.Error().Err(err).Msg("close store")
		}
	}()

	quotes, err := newQuoteSource(cfg, log)
	if err != nil {
		return err
	}

	svc := NewLedgerService(repos, quotes, ServiceOptions{
		QuoteTimeout:        cfg.QuoteTimeout,
		CompensationTimeout: cfg.CompensationTimeout,
		MaxQuoteParallel:    cfg.MaxQuoteParallel,
		Currency:            cfg.Currency,
	}, log)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewServer(svc, ServerOptions{CORSOrigins: cfg.CORSOrigins}, log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Str("repo", cfg.RepoKind).Str("prices", cfg.PriceProvider).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	// In-flight trades finish, compensation included, before the store closes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.CompensationTimeout+5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openRepositories(cfg *Config) (Repositories, error) {
	switch cfg.RepoKind {
	case "memory":
		return newMemoryRepositories(), nil
	case "sqlite":
		repos, err := newSQLiteRepositories(cfg.SQLitePath)
		if err != nil {
			return Repositories{}, fmt.Errorf("init sqlite store: %w", err)
		}
		return repos, nil
	default:
		repos, err := newCSVRepositories(cfg.DataDir)
		if err != nil {
			return Repositories{}, fmt.Errorf("init csv store: %w", err)
		}
		return repos, nil
	}
}

func newQuoteSource(cfg *Config, log zerolog.Logger) (QuoteSource, error) {
	switch cfg.PriceProvider {
	case "static":
		return ParseStaticQuotes(cfg.StaticQuotes)
	case "alphavantage":
		ap, err := NewAlphaVantageProvider(cfg.AlphaVantageAPIKey, cfg.QuoteTimeout)
		if err != nil {
			log.Warn().Err(err).Msg("Alpha Vantage not configured; falling back to Yahoo")
			return NewYahooProvider(cfg.QuoteTimeout), nil
		}
		return ap, nil
	default:
		return NewYahooProvider(cfg.QuoteTimeout), nil
	}
}
