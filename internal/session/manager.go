// Package session owns the session lifecycle state machine
// (waiting -> active -> completed | abandoned), the matchmaking entry
// points and the structural action validator. The distributed store is the
// single writer of record; this package only ever holds a working copy
// while processing one message.
package session

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"moltblox/internal/game"
	"moltblox/internal/store"
)

var (
	ErrUnknownTitle   = errors.New("unknown or unpublished game")
	ErrAlreadyQueued  = errors.New("already waiting in a queue")
	ErrAlreadyPlaying = errors.New("already in an active session")
)

// Rejection is a structurally or semantically invalid action. It is
// reported only to the acting client; session state is unchanged.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return r.Reason }

// ErrNotParticipant rejects any operation a non-member attempts against a
// session. It is a *Rejection so transports route it like any other one.
var ErrNotParticipant = &Rejection{Reason: "not a participant of this session"}

var (
	sessionsCreatedTotal   = expvar.NewInt("sessions_created_total")
	sessionsCompletedTotal = expvar.NewInt("sessions_completed_total")
	sessionsAbandonedTotal = expvar.NewInt("sessions_abandoned_total")
)

// Broadcaster fans messages out to locally connected sockets. Delivery is
// best-effort; remote processes are reached through store pub/sub instead.
type Broadcaster interface {
	ToSession(sessionID, msgType string, payload any, excludePlayer string)
	ToPlayer(playerID, msgType string, payload any)
	ToQueueWaiters(gameID, msgType string, payload any)
	ToChannel(channelID, msgType string, payload any)
}

// Recorder writes the durable match summary: one row at creation, one
// update at the terminal transition. Never called per action or tick.
type Recorder interface {
	CreateMatch(ctx context.Context, rec *store.SessionRecord) error
	FinishMatch(ctx context.Context, sessionID, status, winner string, scores map[string]int) error
}

type Config struct {
	MaxHistory     int
	MaxEvents      int
	ReconnectGrace time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxHistory <= 0 {
		c.MaxHistory = 50
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = 100
	}
	if c.ReconnectGrace <= 0 {
		c.ReconnectGrace = 30 * time.Second
	}
}

type cachedEngine struct {
	engine  game.Engine
	version int64
}

type Manager struct {
	store    store.SessionStore
	registry *game.Registry
	recorder Recorder
	bc       Broadcaster
	cfg      Config
	origin   string

	mu        sync.Mutex
	engines   map[string]cachedEngine
	zeroSince map[string]time.Time

	// OnSessionCreated runs on the process that won the queue pop, after
	// the record is in the store. The transport layer binds local sockets
	// and, for realtime titles, starts the tick runner here.
	OnSessionCreated func(rec *store.SessionRecord, title game.Title, engine game.Engine, entries []store.QueueEntry)
}

func NewManager(st store.SessionStore, registry *game.Registry, recorder Recorder, bc Broadcaster, cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{
		store:     st,
		registry:  registry,
		recorder:  recorder,
		bc:        bc,
		cfg:       cfg,
		origin:    store.NewID(),
		engines:   map[string]cachedEngine{},
		zeroSince: map[string]time.Time{},
	}
}

// Origin identifies this process on the pub/sub channel so it can skip
// updates it published itself.
func (m *Manager) Origin() string { return m.origin }

func (m *Manager) Title(gameID string) (game.Title, bool) {
	return m.registry.Get(gameID)
}

// JoinQueue enforces the one-queue-or-one-session invariant, enqueues the
// player and, when the queue reaches the title's player count, atomically
// pops the group and creates the session. Store errors on the
// authorization reads fail closed.
func (m *Manager) JoinQueue(ctx context.Context, clientID, playerID, gameID string) (int64, game.Title, error) {
	title, ok := m.registry.Get(gameID)
	if !ok || !title.Published {
		return 0, game.Title{}, ErrUnknownTitle
	}

	if _, err := m.store.SessionForPlayer(ctx, playerID); err == nil {
		return 0, title, ErrAlreadyPlaying
	} else if !errors.Is(err, store.ErrNotFound) {
		return 0, title, fmt.Errorf("check player session: %w", err)
	}
	if _, err := m.store.QueuedGame(ctx, playerID); err == nil {
		return 0, title, ErrAlreadyQueued
	} else if !errors.Is(err, store.ErrNotFound) {
		return 0, title, fmt.Errorf("check player queue: %w", err)
	}

	entry := store.QueueEntry{ClientID: clientID, PlayerID: playerID, JoinedAt: time.Now().UnixMilli()}
	pos, err := m.store.JoinQueue(ctx, gameID, entry)
	if err != nil {
		return 0, title, fmt.Errorf("join queue: %w", err)
	}

	if n, err := m.store.QueueLen(ctx, gameID); err == nil && n >= int64(title.MaxPlayers) {
		m.tryMatch(ctx, title)
	}
	return pos, title, nil
}

func (m *Manager) LeaveQueue(ctx context.Context, playerID string) (bool, error) {
	gameID, err := m.store.QueuedGame(ctx, playerID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.store.LeaveQueue(ctx, gameID, playerID)
}

// tryMatch pops exactly one full group; under concurrent joins the store's
// atomic pop guarantees a single winner.
func (m *Manager) tryMatch(ctx context.Context, title game.Title) {
	entries, err := m.store.PopQueue(ctx, title.ID, title.MaxPlayers)
	if err != nil {
		log.Error().Err(err).Str("game_id", title.ID).Msg("queue pop failed")
		return
	}
	if entries == nil {
		return
	}
	if _, err := m.CreateSession(ctx, title, entries); err != nil {
		log.Error().Err(err).Str("game_id", title.ID).Msg("session creation failed")
	}
}

// CreateSession resolves the title's engine once, produces the initial
// state (template data when the title exposes it) and writes the record.
func (m *Manager) CreateSession(ctx context.Context, title game.Title, entries []store.QueueEntry) (*store.SessionRecord, error) {
	playerIDs := make([]string, len(entries))
	for i, e := range entries {
		playerIDs[i] = e.PlayerID
	}

	engine := title.New()
	if err := engine.Initialize(playerIDs); err != nil {
		return nil, fmt.Errorf("initialize %s engine: %w", title.ID, err)
	}

	state := engine.State()
	if state.Data == nil {
		state.Data = map[string]any{}
	}
	if title.TemplateData != nil {
		for k, v := range title.TemplateData(playerIDs) {
			if _, ok := state.Data[k]; !ok {
				state.Data[k] = v
			}
		}
	} else if _, ok := state.Data["players"]; !ok {
		state.Data["players"] = playerIDs
	}
	if state.Phase == "" {
		state.Phase = store.PhasePlaying
	}

	status := store.StatusActive
	if title.Realtime {
		status = store.StatusWaiting
	}
	rec := &store.SessionRecord{
		ID:        store.NewID(),
		GameID:    title.ID,
		Players:   playerIDs,
		State:     state,
		Status:    status,
		Version:   1,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := m.store.PutSession(ctx, rec); err != nil {
		return nil, fmt.Errorf("put session: %w", err)
	}
	for _, p := range playerIDs {
		if err := m.store.BindPlayer(ctx, p, rec.ID); err != nil {
			log.Error().Err(err).Str("player_id", p).Msg("bind player failed")
		}
	}

	m.mu.Lock()
	m.engines[rec.ID] = cachedEngine{engine: engine, version: rec.Version}
	m.mu.Unlock()

	if m.recorder != nil {
		if err := m.recorder.CreateMatch(ctx, rec); err != nil {
			log.Warn().Err(err).Str("session_id", rec.ID).Msg("durable match row not written")
		}
	}

	sessionsCreatedTotal.Add(1)
	log.Info().
		Str("session_id", rec.ID).
		Str("game_id", title.ID).
		Strs("players", playerIDs).
		Msg("session created")

	if m.OnSessionCreated != nil {
		m.OnSessionCreated(rec, title, engine, entries)
	}
	return rec, nil
}

// engineFor returns the session's engine, hydrating a fresh one whenever
// the cached copy is stale relative to the store record. Titles are
// resolved once; the registry lookup never changes mid-session.
func (m *Manager) engineFor(rec *store.SessionRecord) (game.Engine, error) {
	m.mu.Lock()
	cached, ok := m.engines[rec.ID]
	m.mu.Unlock()
	if ok && cached.version == rec.Version {
		return cached.engine, nil
	}

	title, found := m.registry.Get(rec.GameID)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTitle, rec.GameID)
	}
	engine := title.New()
	if err := engine.Initialize(rec.Players); err != nil {
		return nil, err
	}
	if h, ok := engine.(game.Hydrator); ok {
		if err := h.Hydrate(rec.State); err != nil {
			return nil, fmt.Errorf("hydrate %s engine: %w", rec.GameID, err)
		}
	}
	m.mu.Lock()
	m.engines[rec.ID] = cachedEngine{engine: engine, version: rec.Version}
	m.mu.Unlock()
	return engine, nil
}

func (m *Manager) cacheEngine(sessionID string, engine game.Engine, version int64) {
	m.mu.Lock()
	m.engines[sessionID] = cachedEngine{engine: engine, version: version}
	m.mu.Unlock()
}

func (m *Manager) dropEngine(sessionID string) {
	m.mu.Lock()
	delete(m.engines, sessionID)
	delete(m.zeroSince, sessionID)
	m.mu.Unlock()
}

// ActivateRealtime flips a realtime session from waiting to active on the
// canonical record, so every process sees the match as live once its
// countdown begins.
func (m *Manager) ActivateRealtime(ctx context.Context, sessionID string) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		rec, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if rec.Ended || rec.Status != store.StatusWaiting {
			return nil
		}
		rec.Status = store.StatusActive
		rec.Version++
		if err := m.store.SetSessionCAS(ctx, rec); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return err
		}
		return nil
	}
	return store.ErrConflict
}

// Ready marks a participant ready. Returns the updated record and whether
// every participant has now signaled readiness.
func (m *Manager) Ready(ctx context.Context, sessionID, playerID string) (*store.SessionRecord, bool, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		rec, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, false, err
		}
		if !rec.HasPlayer(playerID) {
			return nil, false, ErrNotParticipant
		}
		if rec.IsReady(playerID) {
			return rec, len(rec.Ready) == len(rec.Players), nil
		}
		rec.Ready = append(rec.Ready, playerID)
		rec.Version++
		if err := m.store.SetSessionCAS(ctx, rec); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return nil, false, err
		}
		return rec, len(rec.Ready) == len(rec.Players), nil
	}
	return nil, false, store.ErrConflict
}
