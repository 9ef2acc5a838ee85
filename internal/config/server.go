package config

import "github.com/caarlos0/env/v11"

type ServerConfig struct {
	RedisAddr     string `env:"REDIS_ADDR,required,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	PostgresDSN   string `env:"POSTGRES_DSN"`
	HTTPAddr      string `env:"HTTP_ADDR" envDefault:":8080"`

	MaxHistory int `env:"MAX_ACTION_HISTORY" envDefault:"50"`
	MaxEvents  int `env:"MAX_EVENT_LOG" envDefault:"100"`

	ReadyQuorumSecs   int `env:"READY_QUORUM_SECONDS" envDefault:"10"`
	ReconnectGraceSec int `env:"RECONNECT_GRACE_SECONDS" envDefault:"30"`
	AbandonSweepSecs  int `env:"ABANDON_SWEEP_SECONDS" envDefault:"5"`
}

func LoadServer() (ServerConfig, error) {
	var cfg ServerConfig
	err := env.Parse(&cfg)
	return cfg, err
}
