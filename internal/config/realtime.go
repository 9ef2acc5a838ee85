package config

import "github.com/caarlos0/env/v11"

type RealtimeConfig struct {
	CountdownSecs    int     `env:"COUNTDOWN_SECONDS" envDefault:"3"`
	SnapshotInterval int     `env:"SNAPSHOT_INTERVAL" envDefault:"3"`
	DefaultTickRate  int     `env:"DEFAULT_TICK_RATE" envDefault:"60"`
	MaxSpeed         float64 `env:"MAX_SPEED" envDefault:"500"`
	MatchDurationSec int     `env:"MATCH_DURATION_SECONDS" envDefault:"180"`
	RespawnDelaySecs int     `env:"RESPAWN_DELAY_SECONDS" envDefault:"3"`
	LeaseTTLSecs     int     `env:"SESSION_LEASE_TTL_SECONDS" envDefault:"15"`
}

func LoadRealtime() (RealtimeConfig, error) {
	var cfg RealtimeConfig
	err := env.Parse(&cfg)
	return cfg, err
}
