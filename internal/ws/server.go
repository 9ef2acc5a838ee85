// Package ws is the websocket transport: connection registry, envelope
// dispatch, broadcast fan-out and the reconnect path. It holds no game
// state; every mutation goes through the session manager and the shared
// store.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"moltblox/internal/game"
	"moltblox/internal/realtime"
	"moltblox/internal/session"
	"moltblox/internal/store"
)

var (
	wsConnectionsTotal = expvar.NewInt("ws_connections_total")
	wsFramesInTotal    = expvar.NewInt("ws_frames_in_total")
)

type Server struct {
	store    store.SessionStore
	mgr      *session.Manager
	router   *Router
	rtCfg    realtime.Config
	upgrader websocket.Upgrader

	mu         sync.Mutex
	runners    map[string]*realtime.Runner
	forwarders map[string]*forwarder
}

// NewServer wires the transport onto the manager. Sessions created on
// this process get their local sockets bound (and, for realtime titles,
// a tick runner started) through the manager's creation hook.
func NewServer(st store.SessionStore, mgr *session.Manager, router *Router, rtCfg realtime.Config) *Server {
	s := &Server{
		store:      st,
		mgr:        mgr,
		router:     router,
		rtCfg:      rtCfg,
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		runners:    map[string]*realtime.Runner{},
		forwarders: map[string]*forwarder{},
	}
	mgr.OnSessionCreated = s.onSessionCreated
	return s
}

func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := s.router.register(conn, uuid.NewString())
	wsConnectionsTotal.Add(1)

	go s.writeLoop(client)
	s.readLoop(r.Context(), client)
}

func (s *Server) writeLoop(c *Client) {
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, c *Client) {
	defer func() {
		s.disconnect(c)
		_ = c.conn.Close()
	}()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		s.dispatch(ctx, c, msg)
	}
}

// dispatch handles one inbound frame behind a recover boundary: a
// panicking handler drops the connection's message, not the process.
func (s *Server) dispatch(ctx context.Context, c *Client, raw []byte) {
	wsFramesInTotal.Add(1)
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Any("panic", rec).Str("conn_id", c.ID).Msg("message handler panicked")
			s.sendError(c, "internal error")
		}
	}()

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.sendError(c, "malformed envelope")
		return
	}

	switch env.Type {
	case "join_queue":
		s.handleJoinQueue(ctx, c, env.Payload)
	case "leave_queue":
		s.handleLeaveQueue(ctx, c)
	case "game_action":
		s.handleGameAction(ctx, c, env.Payload)
	case "ready":
		s.handleReady(ctx, c, env.Payload)
	case "respawn", "shoot", "hit":
		s.handleRealtimeInput(c, env.Type, env.Payload)
	case "spectate":
		s.handleSpectate(ctx, c, env.Payload)
	case "rejoin":
		s.handleRejoin(ctx, c, env.Payload)
	default:
		s.sendError(c, "unknown message type: "+env.Type)
	}
}

func (s *Server) handleJoinQueue(ctx context.Context, c *Client, raw json.RawMessage) {
	var p JoinQueuePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.GameID == "" || p.PlayerID == "" {
		s.sendError(c, "join_queue requires gameId and playerId")
		return
	}
	s.router.identify(c, p.PlayerID)

	pos, title, err := s.mgr.JoinQueue(ctx, c.ID, p.PlayerID, p.GameID)
	if err != nil {
		s.sendError(c, queueErrMessage(err))
		return
	}
	if c.SessionID() != "" {
		// The join completed a group and the session already started;
		// session_start supersedes the queue confirmation.
		s.notifyQueue(ctx, p.GameID)
		return
	}
	s.router.addQueueWaiter(c, p.GameID)
	s.sendTo(c, "queue_joined", QueueJoinedPayload{GameID: p.GameID, Position: pos, MaxPlayers: title.MaxPlayers})
	s.notifyQueue(ctx, p.GameID)
}

// notifyQueue tells everyone still waiting on a title how deep the queue
// is now.
func (s *Server) notifyQueue(ctx context.Context, gameID string) {
	n, err := s.store.QueueLen(ctx, gameID)
	if err != nil {
		log.Warn().Err(err).Str("game_id", gameID).Msg("queue length check failed")
		return
	}
	s.router.ToQueueWaiters(gameID, "queue_update", QueueUpdatePayload{GameID: gameID, Waiting: n})
}

func queueErrMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrUnknownTitle):
		return "unknown or unpublished game"
	case errors.Is(err, session.ErrAlreadyQueued):
		return "already waiting in a queue"
	case errors.Is(err, session.ErrAlreadyPlaying):
		return "already in an active session"
	default:
		return "queue join failed"
	}
}

func (s *Server) handleLeaveQueue(ctx context.Context, c *Client) {
	playerID := c.PlayerID()
	if playerID == "" {
		return
	}
	gameID := c.QueuedGame()
	if _, err := s.mgr.LeaveQueue(ctx, playerID); err != nil {
		log.Warn().Err(err).Str("player_id", playerID).Msg("leave queue failed")
	}
	s.router.removeQueueWaiter(c)
	if gameID != "" {
		s.notifyQueue(ctx, gameID)
	}
}

func (s *Server) handleGameAction(ctx context.Context, c *Client, raw json.RawMessage) {
	var p GameActionPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Type == "" {
		s.sendError(c, "game_action requires type")
		return
	}
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = c.SessionID()
	}
	playerID := c.PlayerID()
	if sessionID == "" || playerID == "" {
		s.sendError(c, "no active session on this connection")
		return
	}

	// Realtime titles hosted here go through the input buffer, not the
	// per-action validator.
	if runner := s.runnerFor(sessionID); runner != nil {
		runner.BufferInput(playerID, map[string]any{"type": p.Type, "payload": p.Data})
		return
	}

	_, err := s.mgr.Apply(ctx, sessionID, playerID, game.Action{Type: p.Type, Payload: p.Data, Timestamp: p.Timestamp})
	var rej *session.Rejection
	switch {
	case errors.As(err, &rej):
		s.sendTo(c, "action_rejected", RejectedPayload{SessionID: sessionID, Reason: rej.Reason})
	case errors.Is(err, store.ErrNotFound):
		s.sendTo(c, "action_rejected", RejectedPayload{SessionID: sessionID, Reason: "session no longer exists"})
	case err != nil:
		log.Error().Err(err).Str("session_id", sessionID).Msg("apply action failed")
		s.sendError(c, "action could not be processed")
	}
}

func (s *Server) handleReady(ctx context.Context, c *Client, raw json.RawMessage) {
	var p ReadyPayload
	_ = json.Unmarshal(raw, &p)
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = c.SessionID()
	}
	playerID := c.PlayerID()
	if sessionID == "" || playerID == "" {
		s.sendError(c, "no active session on this connection")
		return
	}

	_, _, err := s.mgr.Ready(ctx, sessionID, playerID)
	var rej *session.Rejection
	if errors.As(err, &rej) {
		s.sendTo(c, "action_rejected", RejectedPayload{SessionID: sessionID, Reason: rej.Reason})
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("ready not recorded")
	}
	if runner := s.runnerFor(sessionID); runner != nil {
		runner.Ready(ctx, playerID)
	}
}

func (s *Server) handleRealtimeInput(c *Client, inputType string, raw json.RawMessage) {
	sessionID, input, err := parseRealtimeInput(inputType, raw)
	if err != nil {
		s.sendError(c, "malformed "+inputType+" payload")
		return
	}
	if sessionID == "" {
		sessionID = c.SessionID()
	}
	playerID := c.PlayerID()
	if sessionID == "" || playerID == "" {
		s.sendError(c, "no active session on this connection")
		return
	}
	runner := s.runnerFor(sessionID)
	if runner == nil {
		s.sendError(c, "no live match for this session here")
		return
	}
	runner.BufferInput(playerID, input)
}

// parseRealtimeInput lifts the frame's fields (targetId, weapon, x, y, ...)
// straight off the envelope payload into the engine input, tagged with the
// message type. sessionId addresses the frame and is not an input field.
func parseRealtimeInput(inputType string, raw json.RawMessage) (string, map[string]any, error) {
	fields := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return "", nil, err
		}
	}
	sessionID, _ := fields["sessionId"].(string)
	input := map[string]any{"type": inputType}
	for k, v := range fields {
		if k == "sessionId" || k == "type" {
			continue
		}
		input[k] = v
	}
	return sessionID, input, nil
}

func (s *Server) handleSpectate(ctx context.Context, c *Client, raw json.RawMessage) {
	var p SpectatePayload
	if err := json.Unmarshal(raw, &p); err != nil || (p.SessionID == "" && p.ChannelID == "") {
		s.sendError(c, "spectate requires sessionId or channelId")
		return
	}
	if p.ChannelID != "" {
		s.router.joinChannel(c, p.ChannelID)
		return
	}
	rec, err := s.store.GetSession(ctx, p.SessionID)
	if err != nil {
		s.sendError(c, "session not found")
		return
	}
	s.router.watchSession(c, rec.ID)
	s.ensureForwarder(rec.ID)
	s.sendSnapshot(c, rec)
}

// handleRejoin validates membership against the store, binds the new
// socket and replays a full snapshot. Deltas never bootstrap a socket.
func (s *Server) handleRejoin(ctx context.Context, c *Client, raw json.RawMessage) {
	var p RejoinPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionID == "" || p.PlayerID == "" {
		s.sendError(c, "rejoin requires sessionId and playerId")
		return
	}
	rec, ok := s.mgr.Rejoin(ctx, p.SessionID, p.PlayerID)
	if !ok {
		s.sendError(c, "cannot rejoin: session gone or not a participant")
		return
	}

	s.router.identify(c, p.PlayerID)
	s.router.bindSession(c, rec.ID)
	if err := s.store.BindPlayer(ctx, p.PlayerID, rec.ID); err != nil {
		log.Warn().Err(err).Str("player_id", p.PlayerID).Msg("rebind player failed")
	}
	if _, err := s.store.IncrConns(ctx, rec.ID); err != nil {
		log.Warn().Err(err).Str("session_id", rec.ID).Msg("conn count increment failed")
	}
	s.mgr.NoteReconnect(rec.ID)
	s.ensureForwarder(rec.ID)

	s.router.ToSession(rec.ID, "player_reconnected", PlayerPresencePayload{
		SessionID: rec.ID,
		PlayerID:  p.PlayerID,
	}, p.PlayerID)
	s.sendSnapshot(c, rec)

	log.Info().Str("session_id", rec.ID).Str("player_id", p.PlayerID).Msg("player rejoined")
}

// sendSnapshot replays the current full state to one socket.
func (s *Server) sendSnapshot(c *Client, rec *store.SessionRecord) {
	s.sendTo(c, "state_update", session.StateUpdatePayload{
		SessionID:   rec.ID,
		State:       rec.State,
		CurrentTurn: rec.State.Turn,
		Events:      rec.Events,
	})
}

// onSessionCreated runs on the process that matched the queue group. It
// binds the winning sockets, counts their connections and, for realtime
// titles, starts the tick runner.
func (s *Server) onSessionCreated(rec *store.SessionRecord, title game.Title, engine game.Engine, entries []store.QueueEntry) {
	ctx := context.Background()
	start := SessionStartPayload{
		SessionID:   rec.ID,
		GameID:      rec.GameID,
		Players:     rec.Players,
		State:       rec.State.Data,
		CurrentTurn: rec.State.Turn,
		Realtime:    title.Realtime,
	}
	for _, entry := range entries {
		c := s.router.client(entry.ClientID)
		if c == nil {
			// Queued from another process; it reconciles against the
			// store when the client next speaks.
			continue
		}
		s.router.bindSession(c, rec.ID)
		if _, err := s.store.IncrConns(ctx, rec.ID); err != nil {
			log.Warn().Err(err).Str("session_id", rec.ID).Msg("conn count increment failed")
		}
		s.sendTo(c, "session_start", start)
	}
	s.ensureForwarder(rec.ID)

	if title.Realtime {
		rt, ok := engine.(game.RealtimeEngine)
		if !ok {
			log.Error().Str("game_id", title.ID).Msg("realtime title without a tick engine")
			return
		}
		runner := realtime.NewRunner(rec.ID, rec.Players, rt, s.router, s.mgr, s.store, s.mgr.Origin(), s.rtCfg)
		s.mu.Lock()
		s.runners[rec.ID] = runner
		s.mu.Unlock()
	}
}

func (s *Server) runnerFor(sessionID string) *realtime.Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runners[sessionID]
}

// disconnect tears the socket down: the roster is untouched, only the
// binding and the shared connection count change. The abandonment sweep
// decides later whether anyone came back.
func (s *Server) disconnect(c *Client) {
	ctx := context.Background()
	playerID := c.PlayerID()
	sessionID := c.SessionID()
	s.router.remove(c)

	if playerID == "" {
		return
	}
	if _, err := s.mgr.LeaveQueue(ctx, playerID); err != nil {
		log.Warn().Err(err).Str("player_id", playerID).Msg("queue cleanup on disconnect failed")
	}
	if sessionID == "" {
		return
	}
	if err := s.store.UnbindPlayer(ctx, playerID); err != nil {
		log.Warn().Err(err).Str("player_id", playerID).Msg("unbind on disconnect failed")
	}
	remaining, err := s.store.DecrConns(ctx, sessionID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("conn count decrement failed")
		return
	}
	s.mgr.NoteDisconnect(ctx, sessionID, remaining)
	s.router.ToSession(sessionID, "player_disconnected", PlayerPresencePayload{
		SessionID: sessionID,
		PlayerID:  playerID,
	}, playerID)

	log.Info().
		Str("session_id", sessionID).
		Str("player_id", playerID).
		Int64("remaining_conns", remaining).
		Msg("player disconnected")
}

func (s *Server) sendTo(c *Client, msgType string, payload any) {
	msg, err := encode(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("encode message failed")
		return
	}
	c.deliver(msg)
}

func (s *Server) sendError(c *Client, message string) {
	s.sendTo(c, "error", ErrorPayload{Message: message})
}
