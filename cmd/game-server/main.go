package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"moltblox/internal/config"
	"moltblox/internal/game"
	"moltblox/internal/logging"
	"moltblox/internal/persist"
	"moltblox/internal/realtime"
	"moltblox/internal/session"
	"moltblox/internal/store"
	"moltblox/internal/ws"
)

func main() {
	cfg, err := config.LoadApp()
	if err != nil {
		panic(err)
	}
	logging.Init(cfg.Log)

	ctx := context.Background()
	st := store.NewRedis(cfg.Server.RedisAddr, cfg.Server.RedisPassword, cfg.Server.RedisDB)
	if err := st.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("redis ping failed")
	}

	// The durable ledger is optional; without a DSN matches simply leave
	// no row behind.
	var matches *persist.Store
	var recorder session.Recorder
	if cfg.Server.PostgresDSN != "" {
		matches, err = persist.New(ctx, cfg.Server.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres init failed")
		}
		if err := matches.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("postgres ping failed")
		}
		if err := matches.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("schema bootstrap failed")
		}
		recorder = matches
	} else {
		log.Warn().Msg("POSTGRES_DSN not set, match history disabled")
	}

	registry := game.NewRegistry()
	registry.Register(game.NimTitle())
	registry.Register(realtime.ArenaTitle(realtime.ArenaOptions{
		MaxSpeed:     cfg.Realtime.MaxSpeed,
		TickRate:     cfg.Realtime.DefaultTickRate,
		RespawnTicks: cfg.Realtime.RespawnDelaySecs * cfg.Realtime.DefaultTickRate,
	}))

	router := ws.NewRouter()
	mgr := session.NewManager(st, registry, recorder, router, session.Config{
		MaxHistory:     cfg.Server.MaxHistory,
		MaxEvents:      cfg.Server.MaxEvents,
		ReconnectGrace: time.Duration(cfg.Server.ReconnectGraceSec) * time.Second,
	})
	wsServer := ws.NewServer(st, mgr, router, realtime.Config{
		CountdownSecs:    cfg.Realtime.CountdownSecs,
		SnapshotInterval: cfg.Realtime.SnapshotInterval,
		ReadyQuorum:      time.Duration(cfg.Server.ReadyQuorumSecs) * time.Second,
		MatchDuration:    time.Duration(cfg.Realtime.MatchDurationSec) * time.Second,
		LeaseTTL:         time.Duration(cfg.Realtime.LeaseTTLSecs) * time.Second,
	})

	go mgr.RunSweeper(ctx, time.Duration(cfg.Server.AbandonSweepSecs)*time.Second)

	r := newRouter(st, matches, registry, wsServer)
	server := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	log.Info().Str("addr", cfg.Server.HTTPAddr).Msg("http listening")
	log.Fatal().Err(server.ListenAndServe()).Msg("server stopped")
}
