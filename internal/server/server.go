package server

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crash/internal/cache"
	"crash/internal/config"
	"crash/internal/database"
	"crash/internal/game"
	"crash/internal/ledger"
)

type FiberServer struct {
	*fiber.App

	cfg    *config.Config
	logger zerolog.Logger
	db     database.Service
	cache  cache.Service
	wallet *ledger.Service
	engine *game.Manager
	hub    *game.Hub
}

func New(cfg *config.Config, logger zerolog.Logger) *FiberServer {
	db := database.New()

	// The cache is a display layer only; the engine runs without it.
	cacheSvc := cache.New()
	if cacheSvc == nil {
		logger.Warn().Msg("running without redis, round snapshots will not be cached")
	}

	wallet := ledger.NewService(ledger.NewPostgresStore(db.Pool()), logger)
	hub := game.NewHub(logger)
	engine := game.NewManager(
		game.NewStaticConfig(buildGameConfig(cfg.Game)),
		wallet, hub, cacheSvc, logger, game.Options{},
	)

	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "crash",
			AppName:       "crash",
			ReadTimeout:   cfg.Server.ReadTimeout,
			WriteTimeout:  cfg.Server.WriteTimeout,
			IdleTimeout:   cfg.Server.IdleTimeout,
			StrictRouting: false,
		}),

		cfg:    cfg,
		logger: logger,
		db:     db,
		cache:  cacheSvc,
		wallet: wallet,
		engine: engine,
		hub:    hub,
	}

	server.App.Use(recover.New())
	server.App.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
	}))

	go hub.Run()
	engine.Start()

	logger.Info().Int("tracks", buildGameConfig(cfg.Game).Tracks).Msg("round engine started")

	return server
}

// buildGameConfig converts the env-sourced config into the engine's
// per-round snapshot shape. Malformed amounts fall through to Normalize.
func buildGameConfig(gc config.GameConfig) game.Config {
	minBet, _ := decimal.NewFromString(gc.MinBet)
	maxBet, _ := decimal.NewFromString(gc.MaxBet)

	return game.Config{
		HouseEdge:   gc.HouseEdge,
		InstantBust: gc.InstantBust,
		MaxWinCap:   gc.MaxWinCap,
		MinBet:      minBet,
		MaxBet:      maxBet,
		Currency:    gc.Currency,
		Tracks:      gc.Tracks,
	}.Normalize()
}

// Shutdown stops the round loop before closing connections so no
// settlement is cut off mid-write.
func (s *FiberServer) Shutdown() error {
	s.logger.Info().Msg("shutting down")

	if s.engine != nil {
		s.engine.Stop()
	}
	if s.cache != nil {
		s.cache.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	return nil
}
