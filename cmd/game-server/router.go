package main

import (
	"encoding/json"
	"errors"
	"expvar"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog/v3"

	"moltblox/internal/game"
	"moltblox/internal/persist"
	"moltblox/internal/store"
	"moltblox/internal/ws"
)

var (
	matchQueryTotal       = expvar.NewInt("match_query_total")
	matchQueryErrorsTotal = expvar.NewInt("match_query_errors_total")
)

func newRouter(st *store.RedisStore, matches *persist.Store, registry *game.Registry, wsServer *ws.Server) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.With(apiLogMiddleware()).Get("/healthz", healthHandler(st, matches))
	r.Get("/ws", wsServer.HandleWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(apiLogMiddleware())
		r.Get("/games", gamesHandler(registry))
		r.Get("/stats", statsHandler(st, registry))
		r.Get("/matches", matchesHandler(matches))
		r.Get("/matches/{match_id}", matchHandler(matches))
		r.Get("/debug/vars", expvar.Handler().ServeHTTP)
	})
	return r
}

func apiLogMiddleware() func(http.Handler) http.Handler {
	return httplog.RequestLogger(
		slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{})),
		&httplog.Options{
			Level:  slog.LevelInfo,
			Schema: httplog.Schema{ResponseStatus: "status", ResponseDuration: "duration_ms"},
			LogExtraAttrs: func(req *http.Request, _ string, _ int) []slog.Attr {
				return []slog.Attr{
					slog.String("request_id", chimw.GetReqID(req.Context())),
					slog.String("method", req.Method),
					slog.String("path", req.URL.Path),
				}
			},
		},
	)
}

func writeHTTPError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": code})
}

func healthHandler(st *store.RedisStore, matches *persist.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{"ok": true, "redis": "up"}
		if err := st.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			out["ok"] = false
			out["redis"] = "down"
		}
		if matches != nil {
			out["postgres"] = "up"
			if err := matches.Ping(r.Context()); err != nil {
				out["postgres"] = "down"
			}
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}

func gamesHandler(registry *game.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items := make([]map[string]any, 0)
		for _, t := range registry.List() {
			items = append(items, map[string]any{
				"id":          t.ID,
				"name":        t.Name,
				"max_players": t.MaxPlayers,
				"realtime":    t.Realtime,
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"items": items})
	}
}

// statsHandler reports queue depth per title plus the process counters.
// Queue depths come from the shared store and so reflect the whole
// cluster; the counters are per-process.
func statsHandler(st *store.RedisStore, registry *game.Registry) http.HandlerFunc {
	counterNames := []string{
		"sessions_created_total", "sessions_completed_total",
		"sessions_abandoned_total", "realtime_ticks_total",
		"ws_connections_total", "ws_frames_in_total",
	}
	return func(w http.ResponseWriter, r *http.Request) {
		queues := map[string]int64{}
		for _, t := range registry.List() {
			n, err := st.QueueLen(r.Context(), t.ID)
			if err != nil {
				writeHTTPError(w, http.StatusInternalServerError, "internal_error")
				return
			}
			queues[t.ID] = n
		}
		counters := map[string]int64{}
		for _, name := range counterNames {
			if v, ok := expvar.Get(name).(*expvar.Int); ok {
				counters[name] = v.Value()
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"queues": queues, "counters": counters})
	}
}

func matchesHandler(matches *persist.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		matchQueryTotal.Add(1)
		if matches == nil {
			writeHTTPError(w, http.StatusNotImplemented, "match_history_disabled")
			return
		}
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		if limit > 100 {
			limit = 100
		}
		items, err := matches.RecentMatches(r.Context(), limit)
		if err != nil {
			matchQueryErrorsTotal.Add(1)
			writeHTTPError(w, http.StatusInternalServerError, "internal_error")
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"items": items, "limit": limit})
	}
}

func matchHandler(matches *persist.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		matchQueryTotal.Add(1)
		if matches == nil {
			writeHTTPError(w, http.StatusNotImplemented, "match_history_disabled")
			return
		}
		id := chi.URLParam(r, "match_id")
		if id == "" {
			writeHTTPError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		m, err := matches.GetMatch(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writeHTTPError(w, http.StatusNotFound, "match_not_found")
			return
		}
		if err != nil {
			matchQueryErrorsTotal.Add(1)
			writeHTTPError(w, http.StatusInternalServerError, "internal_error")
			return
		}
		_ = json.NewEncoder(w).Encode(m)
	}
}
