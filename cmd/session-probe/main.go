package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"authpipe/auth"
	"authpipe/client"
	"authpipe/config"
	"authpipe/storage"
	"authpipe/token"
)

const keepAliveInterval = time.Minute

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	config.LoadEnvFile()
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	store, err := storage.NewSQLiteStore(cfg.DBPath, storage.DeriveKey(cfg.TokenKey))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open credential store")
	}
	defer store.Close()
	log.Info().Str("dbPath", cfg.DBPath).Msg("credential store opened")

	manager := auth.NewManager(store, auth.Options{
		BaseURL:     cfg.APIBaseURL,
		RefreshPath: cfg.RefreshPath,
		Timeout:     cfg.RefreshTimeout,
	})

	if !manager.IsAuthenticated() {
		// No stored session: issue a local dev token pair so the refresh
		// protocol can be exercised against a compatible backend. These
		// tokens carry no real credentials.
		subjectID := uuid.NewString()
		access, err := token.Generate(subjectID, "dev", "user", 15*time.Minute)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to generate access token")
		}
		refresh, err := token.Generate(subjectID, "dev", "user", 24*time.Hour)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to generate refresh token")
		}
		if err := manager.Establish(access, refresh); err != nil {
			log.Fatal().Err(err).Msg("failed to establish session")
		}
		log.Info().Str("subjectId", subjectID).Msg("established local dev session")
	}

	if user, err := manager.CurrentUser(); err == nil && user != nil {
		log.Info().Str("subjectId", user.ID).Str("role", user.Role).Msg("current session")
	}

	probePath := os.Getenv("AUTHPIPE_PROBE_PATH")
	if probePath == "" {
		probePath = "/me"
	}

	// Create context that cancels on SIGINT or SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	api := client.New(client.Opts{BaseURL: cfg.APIBaseURL, Session: manager})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return auth.KeepSessionAlive(ctx, manager, keepAliveInterval, 2*token.DefaultExpiryBuffer)
	})

	g.Go(func() error {
		res, err := api.Do(ctx, client.Request{Method: http.MethodGet, URL: probePath})
		if err != nil {
			return err
		}
		log.Info().Int("status", res.StatusCode()).Str("path", probePath).
			Msg("probe request completed")
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("shutdown with error")
		os.Exit(1)
	}
	log.Info().Msg("shutdown complete")
}
