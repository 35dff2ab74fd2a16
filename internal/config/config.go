package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	_ "github.com/joho/godotenv/autoload"
)

type Config struct {
	Server ServerConfig
	Game   GameConfig
	Pretty bool `env:"PRETTY_LOGS" envDefault:"true"`
}

type ServerConfig struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"10s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// GameConfig carries the house parameters the round engine snapshots once
// per round. Amounts are strings here; they are parsed into decimals when
// the snapshot is built.
type GameConfig struct {
	HouseEdge   float64 `env:"GAME_HOUSE_EDGE" envDefault:"0.04"`
	InstantBust float64 `env:"GAME_INSTANT_BUST" envDefault:"0.01"`
	MaxWinCap   float64 `env:"GAME_MAX_WIN_CAP" envDefault:"5000"`
	MinBet      string  `env:"GAME_MIN_BET" envDefault:"1"`
	MaxBet      string  `env:"GAME_MAX_BET" envDefault:"10000"`
	Currency    string  `env:"GAME_CURRENCY" envDefault:"USDT"`
	Tracks      int     `env:"GAME_TRACKS" envDefault:"1"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}
