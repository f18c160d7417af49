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
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"parking-tracker/internal/archive"
	"parking-tracker/internal/camera"
	"parking-tracker/internal/config"
	httpapi "parking-tracker/internal/http"
	"parking-tracker/internal/logger"
	"parking-tracker/internal/repository"
	"parking-tracker/internal/service"
	"parking-tracker/internal/utils"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("PARKING_CONFIG"), "path to a YAML config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log, cfg.Environment)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("parking-tracker stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := repository.Open(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	images, err := archive.New(cfg.Archive.Dir, cfg.Archive.MatchTolerance, log.With().Str("component", "archive").Logger())
	if err != nil {
		return err
	}

	loc, err := cfg.Analytics.Location()
	if err != nil {
		return err
	}

	ledger := service.NewLedgerService(store, service.LedgerConfig{
		RatePerHour:  cfg.Billing.RatePerHour,
		CameraPolicy: utils.PlatePolicy(cfg.Plates.Camera),
		ManualPolicy: utils.PlatePolicy(cfg.Plates.Manual),
	}, log.With().Str("component", "ledger").Logger())
	analytics := service.NewAnalyticsService(store, images, loc, log.With().Str("component", "analytics").Logger())

	var watcher *camera.Watcher
	var snapshotter httpapi.Snapshotter
	if cfg.Camera.Enabled {
		watcher = camera.NewWatcher(
			camera.NewSnapshotSource(cfg.Camera.SnapshotURL, cfg.Camera.Timeout),
			camera.NewHTTPDetector(cfg.Camera.DetectorURL, cfg.Camera.Timeout),
			ledger,
			images,
			camera.Options{
				CameraID:            cfg.Camera.ID,
				CameraModel:         cfg.Camera.Model,
				Interval:            cfg.Camera.Interval,
				Cooldown:            cfg.Camera.Cooldown,
				ConfidenceThreshold: cfg.Camera.ConfidenceThreshold,
				Policy:              utils.PlatePolicy(cfg.Plates.Camera),
				RetryAttempts:       cfg.Camera.RetryAttempts,
			},
			log,
		)
		snapshotter = watcher
	}

	handler := httpapi.NewHandler(ledger, analytics, images, snapshotter, log.With().Str("component", "http").Logger())
	server := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           httpapi.NewRouter(handler, cfg, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Str("driver", cfg.Database.Driver).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info().Msg("shutting down http server")
		return server.Shutdown(shutdownCtx)
	})
	if watcher != nil {
		g.Go(func() error {
			return watcher.Run(ctx)
		})
	}

	return g.Wait()
}
