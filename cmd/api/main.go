package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"crash/internal/config"
	"crash/internal/logger"
	"crash/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Pretty)

	srv := server.New(cfg, log)
	srv.RegisterFiberRoutes()

	go func() {
		if err := srv.Listen(":" + cfg.Server.Port); err != nil {
			log.Fatal().Err(err).Msg("server stopped")
		}
	}()

	log.Info().Str("port", cfg.Server.Port).Msg("server listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("signal received, shutting down")

	// Drain HTTP first, then stop the round loop and close connections.
	if err := srv.App.ShutdownWithTimeout(cfg.Server.ShutdownTimeout); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	if err := srv.Shutdown(); err != nil {
		log.Error().Err(err).Msg("shutdown failed")
	}

	log.Info().Msg("shutdown complete")
}
