// Command optimizectl runs the optimization job control plane's HTTP
// server: submit long-running optimization jobs, stream their progress
// over SSE, and administer them — the same cmd/alert-framework
// composition-root shape, pointed at app.New instead of the ingest app.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"optimizectl/internal/app"
	"optimizectl/internal/config"
)

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg := config.Load()
	application, err := app.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("optimizectl: init failed")
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := application.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("optimizectl: run failed")
	}
}
