package ws

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"moltblox/internal/game"
	"moltblox/internal/realtime"
	"moltblox/internal/session"
	"moltblox/internal/store"
)

func newTestServer(t *testing.T, cfg session.Config) (*Server, *session.Manager, store.SessionStore) {
	t.Helper()
	st := store.NewMemory()
	registry := game.NewRegistry()
	registry.Register(game.NimTitle())
	router := NewRouter()
	mgr := session.NewManager(st, registry, nil, router, cfg)
	srv := NewServer(st, mgr, router, realtime.Config{})
	return srv, mgr, st
}

func connectAs(t *testing.T, s *Server, connID string) *Client {
	t.Helper()
	return s.router.register(nil, connID)
}

func recvEnvelope(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case msg := <-c.send:
		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			t.Fatalf("bad frame %s: %v", msg, err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatalf("no frame delivered")
		return Envelope{}
	}
}

func recvType(t *testing.T, c *Client, want string) Envelope {
	t.Helper()
	env := recvEnvelope(t, c)
	if env.Type != want {
		t.Fatalf("frame type = %q, want %q (payload %s)", env.Type, want, env.Payload)
	}
	return env
}

func noFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("unexpected frame: %s", msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func sendFrame(s *Server, c *Client, msgType string, payload any) {
	raw, _ := json.Marshal(payload)
	frame, _ := json.Marshal(Envelope{Type: msgType, Payload: raw})
	s.dispatch(context.Background(), c, frame)
}

func startNimMatch(t *testing.T, s *Server) (*Client, *Client, string) {
	t.Helper()
	c1 := connectAs(t, s, "conn-1")
	c2 := connectAs(t, s, "conn-2")

	sendFrame(s, c1, "join_queue", JoinQueuePayload{GameID: "nim", PlayerID: "alice"})
	joined := recvType(t, c1, "queue_joined")
	var q QueueJoinedPayload
	if err := json.Unmarshal(joined.Payload, &q); err != nil {
		t.Fatalf("decode queue_joined: %v", err)
	}
	if q.Position != 1 || q.MaxPlayers != 2 {
		t.Fatalf("queue_joined = %+v, want position 1 and maxPlayers 2", q)
	}
	upd := recvType(t, c1, "queue_update")
	var qu QueueUpdatePayload
	if err := json.Unmarshal(upd.Payload, &qu); err != nil {
		t.Fatalf("decode queue_update: %v", err)
	}
	if qu.Waiting != 1 {
		t.Fatalf("queue_update waiting = %d, want 1", qu.Waiting)
	}
	// bob's join completes the pair; he gets session_start directly.
	sendFrame(s, c2, "join_queue", JoinQueuePayload{GameID: "nim", PlayerID: "bob"})

	env1 := recvType(t, c1, "session_start")
	env2 := recvType(t, c2, "session_start")
	if string(env1.Payload) != string(env2.Payload) {
		t.Fatalf("session_start payloads differ:\n%s\n%s", env1.Payload, env2.Payload)
	}
	var start SessionStartPayload
	if err := json.Unmarshal(env1.Payload, &start); err != nil {
		t.Fatalf("decode session_start: %v", err)
	}
	if start.CurrentTurn != 0 {
		t.Fatalf("currentTurn = %d, want 0", start.CurrentTurn)
	}
	return c1, c2, start.SessionID
}

func TestQueuePairGetsIdenticalSessionStart(t *testing.T) {
	srv, _, _ := newTestServer(t, session.Config{})
	startNimMatch(t, srv)
}

func TestJoinQueueUnknownGame(t *testing.T) {
	srv, _, _ := newTestServer(t, session.Config{})
	c := connectAs(t, srv, "conn-1")

	sendFrame(srv, c, "join_queue", JoinQueuePayload{GameID: "chess9000", PlayerID: "alice"})

	env := recvType(t, c, "error")
	var p ErrorPayload
	_ = json.Unmarshal(env.Payload, &p)
	if p.Message != "unknown or unpublished game" {
		t.Fatalf("error message = %q", p.Message)
	}
}

func TestGameActionBroadcastsStateUpdate(t *testing.T) {
	srv, _, _ := newTestServer(t, session.Config{})
	c1, c2, _ := startNimMatch(t, srv)

	// Raw frame in the documented shape: type, payload, timestamp.
	sendFrame(srv, c1, "game_action", map[string]any{
		"type":      "take",
		"payload":   map[string]any{"count": 2},
		"timestamp": 1700000000000,
	})

	for _, c := range []*Client{c1, c2} {
		env := recvType(t, c, "state_update")
		var upd session.StateUpdatePayload
		if err := json.Unmarshal(env.Payload, &upd); err != nil {
			t.Fatalf("decode state_update: %v", err)
		}
		if upd.CurrentTurn != 1 {
			t.Fatalf("currentTurn = %d, want 1", upd.CurrentTurn)
		}
	}
}

func TestRejectionGoesOnlyToActor(t *testing.T) {
	srv, _, _ := newTestServer(t, session.Config{})
	c1, c2, _ := startNimMatch(t, srv)

	// bob acts out of turn
	sendFrame(srv, c2, "game_action", GameActionPayload{Type: "take", Data: map[string]any{"count": 1}})

	env := recvType(t, c2, "action_rejected")
	var rej RejectedPayload
	_ = json.Unmarshal(env.Payload, &rej)
	if rej.Reason == "" {
		t.Fatalf("rejection carries no reason")
	}
	noFrame(t, c1)
}

func TestMalformedEnvelope(t *testing.T) {
	srv, _, _ := newTestServer(t, session.Config{})
	c := connectAs(t, srv, "conn-1")

	srv.dispatch(context.Background(), c, []byte("{nope"))
	recvType(t, c, "error")
}

func TestRejoinUnknownSession(t *testing.T) {
	srv, _, _ := newTestServer(t, session.Config{})
	c := connectAs(t, srv, "conn-1")

	sendFrame(srv, c, "rejoin", RejoinPayload{SessionID: "ghost", PlayerID: "alice"})
	recvType(t, c, "error")
}

func TestRejoinNonParticipant(t *testing.T) {
	srv, _, _ := newTestServer(t, session.Config{})
	_, _, sessionID := startNimMatch(t, srv)

	c := connectAs(t, srv, "conn-3")
	sendFrame(srv, c, "rejoin", RejoinPayload{SessionID: sessionID, PlayerID: "mallory"})
	recvType(t, c, "error")
}

func TestRejoinReplaysFullSnapshot(t *testing.T) {
	srv, _, st := newTestServer(t, session.Config{})
	c1, c2, sessionID := startNimMatch(t, srv)

	sendFrame(srv, c1, "game_action", GameActionPayload{Type: "take", Data: map[string]any{"count": 3}})
	recvType(t, c1, "state_update")
	recvType(t, c2, "state_update")

	// bob drops and comes back on a fresh socket.
	srv.disconnect(c2)
	c3 := connectAs(t, srv, "conn-3")
	sendFrame(srv, c3, "rejoin", RejoinPayload{SessionID: sessionID, PlayerID: "bob"})

	env := recvType(t, c3, "state_update")
	var upd session.StateUpdatePayload
	if err := json.Unmarshal(env.Payload, &upd); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if upd.CurrentTurn != 1 {
		t.Fatalf("snapshot currentTurn = %d, want 1", upd.CurrentTurn)
	}

	// alice hears about the reconnect; she also heard the disconnect.
	recvType(t, c1, "player_disconnected")
	recvType(t, c1, "player_reconnected")

	if bound, err := st.SessionForPlayer(context.Background(), "bob"); err != nil || bound != sessionID {
		t.Fatalf("bob binding = (%q, %v), want %q", bound, err, sessionID)
	}
}

func TestDoubleDisconnectAbandonsAfterGrace(t *testing.T) {
	srv, mgr, st := newTestServer(t, session.Config{ReconnectGrace: 30 * time.Millisecond})
	c1, c2, sessionID := startNimMatch(t, srv)

	srv.disconnect(c1)
	srv.disconnect(c2)

	ctx := context.Background()
	if n, err := st.Conns(ctx, sessionID); err != nil || n != 0 {
		t.Fatalf("conns = (%d, %v), want 0", n, err)
	}

	time.Sleep(50 * time.Millisecond)
	mgr.SweepAbandoned(ctx)

	if _, err := st.GetSession(ctx, sessionID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("abandoned session still in store, err = %v", err)
	}
}

func TestDisconnectBeforeGraceKeepsSession(t *testing.T) {
	srv, mgr, st := newTestServer(t, session.Config{ReconnectGrace: time.Hour})
	c1, c2, sessionID := startNimMatch(t, srv)

	srv.disconnect(c1)
	srv.disconnect(c2)
	mgr.SweepAbandoned(context.Background())

	if _, err := st.GetSession(context.Background(), sessionID); err != nil {
		t.Fatalf("session swept inside the grace period: %v", err)
	}
}

func TestRealtimeTitleStartsRunner(t *testing.T) {
	st := store.NewMemory()
	registry := game.NewRegistry()
	registry.Register(realtime.ArenaTitle(realtime.ArenaOptions{}))
	router := NewRouter()
	mgr := session.NewManager(st, registry, nil, router, session.Config{})
	srv := NewServer(st, mgr, router, realtime.Config{})

	c1 := connectAs(t, srv, "conn-1")
	c2 := connectAs(t, srv, "conn-2")
	sendFrame(srv, c1, "join_queue", JoinQueuePayload{GameID: "arena", PlayerID: "alice"})
	recvType(t, c1, "queue_joined")
	recvType(t, c1, "queue_update")
	sendFrame(srv, c2, "join_queue", JoinQueuePayload{GameID: "arena", PlayerID: "bob"})

	env := recvType(t, c1, "session_start")
	var start SessionStartPayload
	if err := json.Unmarshal(env.Payload, &start); err != nil {
		t.Fatalf("decode session_start: %v", err)
	}
	if !start.Realtime {
		t.Fatalf("arena session_start not flagged realtime")
	}
	runner := srv.runnerFor(start.SessionID)
	if runner == nil {
		t.Fatalf("no tick runner for the new realtime session")
	}
	runner.Stop(context.Background())
}

func TestParseRealtimeInputLiftsWireFields(t *testing.T) {
	raw := []byte(`{"sessionId":"s1","targetId":"bob","weapon":"scattergun"}`)

	sessionID, input, err := parseRealtimeInput("hit", raw)
	if err != nil {
		t.Fatalf("parseRealtimeInput: %v", err)
	}
	if sessionID != "s1" {
		t.Fatalf("sessionID = %q, want s1", sessionID)
	}
	if input["type"] != "hit" || input["targetId"] != "bob" || input["weapon"] != "scattergun" {
		t.Fatalf("input = %v", input)
	}
	if _, ok := input["sessionId"]; ok {
		t.Fatalf("sessionId leaked into the engine input: %v", input)
	}
}

func TestParseRealtimeInputEmptyPayload(t *testing.T) {
	sessionID, input, err := parseRealtimeInput("respawn", nil)
	if err != nil || sessionID != "" {
		t.Fatalf("parseRealtimeInput = (%q, %v)", sessionID, err)
	}
	if input["type"] != "respawn" || len(input) != 1 {
		t.Fatalf("input = %v", input)
	}
}

func TestRealtimeActionWithoutLocalRunnerRejected(t *testing.T) {
	st := store.NewMemory()
	registry := game.NewRegistry()
	registry.Register(realtime.ArenaTitle(realtime.ArenaOptions{}))
	router := NewRouter()
	mgr := session.NewManager(st, registry, nil, router, session.Config{})
	srv := NewServer(st, mgr, router, realtime.Config{})

	c1 := connectAs(t, srv, "conn-1")
	c2 := connectAs(t, srv, "conn-2")
	sendFrame(srv, c1, "join_queue", JoinQueuePayload{GameID: "arena", PlayerID: "alice"})
	recvType(t, c1, "queue_joined")
	recvType(t, c1, "queue_update")
	sendFrame(srv, c2, "join_queue", JoinQueuePayload{GameID: "arena", PlayerID: "bob"})
	env := recvType(t, c1, "session_start")
	var start SessionStartPayload
	if err := json.Unmarshal(env.Payload, &start); err != nil {
		t.Fatalf("decode session_start: %v", err)
	}

	// Simulate the session's runner living on another process.
	srv.runnerFor(start.SessionID).Stop(context.Background())
	srv.mu.Lock()
	delete(srv.runners, start.SessionID)
	srv.mu.Unlock()

	ctx := context.Background()
	before, err := st.GetSession(ctx, start.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}

	sendFrame(srv, c1, "game_action", map[string]any{
		"type":    "hit",
		"payload": map[string]any{"targetId": "bob", "weapon": "blaster"},
	})
	recvType(t, c1, "action_rejected")

	after, err := st.GetSession(ctx, start.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if after.Version != before.Version {
		t.Fatalf("canonical record rewritten: version %d -> %d", before.Version, after.Version)
	}
}

func TestRouterToSessionExcludesPlayer(t *testing.T) {
	r := NewRouter()
	c1 := r.register(nil, "conn-1")
	c2 := r.register(nil, "conn-2")
	c1.setPlayerID("alice")
	c2.setPlayerID("bob")
	r.bindSession(c1, "s1")
	r.bindSession(c2, "s1")

	r.ToSession("s1", "ping", map[string]any{"n": 1}, "alice")

	select {
	case <-c2.send:
	default:
		t.Fatalf("included player got nothing")
	}
	select {
	case msg := <-c1.send:
		t.Fatalf("excluded player got %s", msg)
	default:
	}
}

func TestDeliverDropsWhenBufferFull(t *testing.T) {
	r := NewRouter()
	c := r.register(nil, "conn-1")
	for i := 0; i < sendBuffer; i++ {
		c.deliver([]byte("x"))
	}

	done := make(chan struct{})
	go func() {
		c.deliver([]byte("overflow"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("deliver blocked on a full buffer")
	}
}

func TestDeliverAfterCloseIsSafe(t *testing.T) {
	r := NewRouter()
	c := r.register(nil, "conn-1")
	r.remove(c)
	c.deliver([]byte("late"))
}
