// Command server runs the live playback service.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stwalsh4118/vivo/internal/config"
	"github.com/stwalsh4118/vivo/internal/db"
	"github.com/stwalsh4118/vivo/internal/logger"
	"github.com/stwalsh4118/vivo/internal/server"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		logger.Log.Fatal().Err(err).Msg("Server failed")
	}
}

func run() error {
	cfg, err := config.LoadAndWatch(func(next *config.Config) {
		logger.SetLevel(next.Logging.Level)
		logger.Log.Info().Str("level", next.Logging.Level).Msg("Log level updated")
	})
	if err != nil {
		return err
	}
	logger.Init(cfg.Logging.Level, cfg.Logging.Pretty)

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(); err != nil {
			logger.Log.Error().Err(err).Msg("Failed to close database")
		}
	}()

	sqlDB, err := database.GetSQLDB()
	if err != nil {
		return err
	}
	if err := db.RunMigrations(sqlDB, cfg.Database.MigrationsPath); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, database)
	if err != nil {
		return err
	}

	channel, err := srv.Catalog().EnsureChannel(ctx, cfg.Channel.Name, cfg.Channel.BaseURL)
	if err != nil {
		return err
	}
	logger.Log.Info().
		Str("content_id", channel.ID.String()).
		Str("name", channel.Name).
		Msg("Live channel ready")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
