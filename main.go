package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/amatiasdev/whatsapp-backend/api"
	"github.com/amatiasdev/whatsapp-backend/bridge"
	"github.com/amatiasdev/whatsapp-backend/config"
	"github.com/amatiasdev/whatsapp-backend/notifier"
	"github.com/amatiasdev/whatsapp-backend/reaper"
	"github.com/amatiasdev/whatsapp-backend/remote"
	"github.com/amatiasdev/whatsapp-backend/resolver"
	"github.com/amatiasdev/whatsapp-backend/store"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("configuration invalid")
	}

	log := newLogger(cfg)
	log.Info().Msg("starting session bridge")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.OpenSQLite(ctx, cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("session store unavailable")
	}
	defer db.Close()

	rmt := remote.NewService(cfg.RemoteBaseURL, cfg.RemoteWSURL, log)
	hub := notifier.NewHub(log)
	br := bridge.New(rmt, db, hub, cfg, log)
	res := resolver.New(db, rmt, br, cfg, log)
	rp := reaper.New(db, rmt, br, cfg, log)

	br.Start(ctx)
	if err := br.Resume(ctx); err != nil {
		// Subscriptions are rebuilt lazily as owners come back; not fatal.
		log.Error().Err(err).Msg("subscription resume failed")
	}
	rp.Start(ctx)

	srv := api.NewServer(res, hub, cfg, log)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("api server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("api shutdown incomplete")
	}
	hub.Close()
	cancel()
	log.Info().Msg("stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if cfg.PrettyLog {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
