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
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/voicemesh/internal/adapters/http"
	sig "github.com/dkeye/voicemesh/internal/adapters/signal"
	"github.com/dkeye/voicemesh/internal/adapters/store"
	"github.com/dkeye/voicemesh/internal/adapters/store/sqlite"
	"github.com/dkeye/voicemesh/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	var opts []store.Option
	if cfg.Store.Path != "" {
		journal, err := sqlite.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer journal.Close()
		opts = append(opts, store.WithJournal(journal))
	}
	st, err := store.New(opts...)
	if err != nil {
		return err
	}

	hub := sig.NewHub(st,
		sig.WithRateLimiter(sig.NewRateLimiter(cfg.RateLimit.PublishPerInterval, cfg.RateLimit.Interval)),
		sig.WithPolicy(sig.PolicyByName(cfg.Signal.Backpressure, cfg.Signal.DropBudget)),
		sig.WithSendBuffer(cfg.Signal.SendBuffer),
		sig.WithReadLimit(cfg.ReadLimit),
		sig.WithPingPeriod(cfg.PingPeriod),
		sig.WithLeaveGrace(cfg.Signal.LeaveGrace),
	)
	if err := hub.Adopt(ctx); err != nil {
		return fmt.Errorf("adopt sessions: %w", err)
	}

	r := router.SetupRouter(ctx, cfg, hub, st)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Voice signaling hub started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		hub.Shutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}
