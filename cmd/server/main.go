// Command server boots the store, engine manager and HTTP API, mirroring
// the teacher's cmd/server/main.go wiring order with config/zerolog swapped
// in for the hand-rolled env loader and log.Printf.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"centrex/internal/api"
	"centrex/internal/config"
	"centrex/internal/db"
	"centrex/internal/engine"
)

func main() {
	cfg := config.Load()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.LogPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("db open")
	}
	logger.Info().Msg("connected to database")

	if err := store.Migrate("migrations"); err != nil {
		logger.Fatal().Err(err).Msg("migrate")
	}
	logger.Info().Msg("migrations applied")

	mgr := engine.NewManager(store, logger)
	if err := mgr.Boot(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("engine boot")
	}

	srv := api.NewServer(store, mgr, cfg, logger)

	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: srv.Router()}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("shutting down")
	mgr.Stop()
	_ = httpSrv.Shutdown(context.Background())
}
