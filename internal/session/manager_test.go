package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"moltblox/internal/game"
	"moltblox/internal/store"
)

type sentMsg struct {
	Scope   string
	Target  string
	Type    string
	Payload any
	Exclude string
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []sentMsg
}

func (b *fakeBroadcaster) ToSession(sessionID, msgType string, payload any, exclude string) {
	b.record(sentMsg{Scope: "session", Target: sessionID, Type: msgType, Payload: payload, Exclude: exclude})
}

func (b *fakeBroadcaster) ToPlayer(playerID, msgType string, payload any) {
	b.record(sentMsg{Scope: "player", Target: playerID, Type: msgType, Payload: payload})
}

func (b *fakeBroadcaster) ToQueueWaiters(gameID, msgType string, payload any) {
	b.record(sentMsg{Scope: "queue", Target: gameID, Type: msgType, Payload: payload})
}

func (b *fakeBroadcaster) ToChannel(channelID, msgType string, payload any) {
	b.record(sentMsg{Scope: "channel", Target: channelID, Type: msgType, Payload: payload})
}

func (b *fakeBroadcaster) record(m sentMsg) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, m)
}

func (b *fakeBroadcaster) ofType(msgType string) []sentMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []sentMsg
	for _, m := range b.sent {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

type fakeRecorder struct {
	mu       sync.Mutex
	created  []string
	finished map[string]string // session id -> status
	winners  map[string]string
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{finished: map[string]string{}, winners: map[string]string{}}
}

func (r *fakeRecorder) CreateMatch(_ context.Context, rec *store.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, rec.ID)
	return nil
}

func (r *fakeRecorder) FinishMatch(_ context.Context, sessionID, status, winner string, _ map[string]int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[sessionID] = status
	r.winners[sessionID] = winner
	return nil
}

func testRegistry() *game.Registry {
	reg := game.NewRegistry()
	reg.Register(game.NimTitle())
	reg.Register(game.Title{ID: "secret", Name: "Unreleased", MaxPlayers: 2, New: game.NewNim})
	reg.Register(game.Title{ID: "rt", Name: "Realtime", MaxPlayers: 2, Realtime: true, Published: true, New: game.NewNim})
	return reg
}

func startRealtimeSession(t *testing.T, m *Manager) *store.SessionRecord {
	t.Helper()
	ctx := context.Background()
	var created *store.SessionRecord
	m.OnSessionCreated = func(rec *store.SessionRecord, _ game.Title, _ game.Engine, _ []store.QueueEntry) {
		created = rec
	}
	if _, _, err := m.JoinQueue(ctx, "c1", "p1", "rt"); err != nil {
		t.Fatalf("JoinQueue(p1): %v", err)
	}
	if _, _, err := m.JoinQueue(ctx, "c2", "p2", "rt"); err != nil {
		t.Fatalf("JoinQueue(p2): %v", err)
	}
	if created == nil {
		t.Fatal("queue fill did not create a session")
	}
	return created
}

func newTestManager(t *testing.T) (*Manager, *store.MemoryStore, *fakeBroadcaster, *fakeRecorder) {
	t.Helper()
	st := store.NewMemory()
	bc := &fakeBroadcaster{}
	rec := newFakeRecorder()
	m := NewManager(st, testRegistry(), rec, bc, Config{MaxHistory: 5, MaxEvents: 8, ReconnectGrace: 50 * time.Millisecond})
	return m, st, bc, rec
}

func startNimSession(t *testing.T, m *Manager) *store.SessionRecord {
	t.Helper()
	ctx := context.Background()
	var created *store.SessionRecord
	m.OnSessionCreated = func(rec *store.SessionRecord, _ game.Title, _ game.Engine, _ []store.QueueEntry) {
		created = rec
	}
	if _, _, err := m.JoinQueue(ctx, "c1", "p1", "nim"); err != nil {
		t.Fatalf("JoinQueue(p1): %v", err)
	}
	if _, _, err := m.JoinQueue(ctx, "c2", "p2", "nim"); err != nil {
		t.Fatalf("JoinQueue(p2): %v", err)
	}
	if created == nil {
		t.Fatal("queue fill did not create a session")
	}
	return created
}

func TestJoinQueueRejectsUnknownAndUnpublished(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, _, err := m.JoinQueue(ctx, "c1", "p1", "nope"); !errors.Is(err, ErrUnknownTitle) {
		t.Fatalf("unknown title error = %v, want ErrUnknownTitle", err)
	}
	if _, _, err := m.JoinQueue(ctx, "c1", "p1", "secret"); !errors.Is(err, ErrUnknownTitle) {
		t.Fatalf("unpublished title error = %v, want ErrUnknownTitle", err)
	}
}

func TestJoinQueueSingleMembershipInvariant(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, _, err := m.JoinQueue(ctx, "c1", "p1", "nim"); err != nil {
		t.Fatalf("JoinQueue: %v", err)
	}
	if _, _, err := m.JoinQueue(ctx, "c1", "p1", "nim"); !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("double join error = %v, want ErrAlreadyQueued", err)
	}

	// Fill the queue; p1 is now in a session, not a queue.
	if _, _, err := m.JoinQueue(ctx, "c2", "p2", "nim"); err != nil {
		t.Fatalf("JoinQueue(p2): %v", err)
	}
	if _, _, err := m.JoinQueue(ctx, "c1", "p1", "nim"); !errors.Is(err, ErrAlreadyPlaying) {
		t.Fatalf("in-session join error = %v, want ErrAlreadyPlaying", err)
	}
}

func TestQueueFillCreatesSession(t *testing.T) {
	m, st, _, recd := newTestManager(t)
	ctx := context.Background()

	created := startNimSession(t, m)
	if created.Status != store.StatusActive {
		t.Fatalf("status = %q, want active", created.Status)
	}
	if created.State.Turn != 0 {
		t.Fatalf("initial turn = %d, want 0", created.State.Turn)
	}
	if len(created.Players) != 2 {
		t.Fatalf("players = %v", created.Players)
	}
	for _, p := range []string{"p1", "p2"} {
		id, err := st.SessionForPlayer(ctx, p)
		if err != nil || id != created.ID {
			t.Fatalf("SessionForPlayer(%s) = %q, %v", p, id, err)
		}
	}
	if len(recd.created) != 1 || recd.created[0] != created.ID {
		t.Fatalf("durable creation rows = %v", recd.created)
	}
}

func TestApplyIncrementsTurnAndEmitsEvents(t *testing.T) {
	m, _, bc, _ := newTestManager(t)
	ctx := context.Background()
	created := startNimSession(t, m)

	rec, err := m.Apply(ctx, created.ID, "p1", game.Action{Type: "take", Payload: map[string]any{"count": 2}})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if rec.State.Turn != 1 {
		t.Fatalf("turn = %d, want 1", rec.State.Turn)
	}
	if len(rec.History) != 1 || rec.History[0].PlayerID != "p1" {
		t.Fatalf("history = %+v", rec.History)
	}
	var types []string
	for _, ev := range rec.Events {
		types = append(types, ev.Type)
	}
	if types[0] != "action_applied" {
		t.Fatalf("event types = %v, want action_applied first", types)
	}
	if got := bc.ofType("state_update"); len(got) != 1 {
		t.Fatalf("state_update broadcasts = %d, want 1", len(got))
	}
}

func TestApplyRejectionsDoNotMutate(t *testing.T) {
	m, st, _, _ := newTestManager(t)
	ctx := context.Background()
	created := startNimSession(t, m)

	cases := []struct {
		name     string
		playerID string
		action   game.Action
	}{
		{"non-participant", "intruder", game.Action{Type: "take", Payload: map[string]any{"count": 1}}},
		{"out of turn", "p2", game.Action{Type: "take", Payload: map[string]any{"count": 1}}},
		{"bad count", "p1", game.Action{Type: "take", Payload: map[string]any{"count": 9}}},
	}
	for _, tc := range cases {
		_, err := m.Apply(ctx, created.ID, tc.playerID, tc.action)
		var rej *Rejection
		if !errors.As(err, &rej) {
			t.Fatalf("%s: error = %v, want Rejection", tc.name, err)
		}
		rec, _ := st.GetSession(ctx, created.ID)
		if rec.State.Turn != 0 || len(rec.History) != 0 {
			t.Fatalf("%s: rejection mutated session: %+v", tc.name, rec.State)
		}
	}
}

func TestApplyStripsProtectedFields(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()
	created := startNimSession(t, m)

	rec, err := m.Apply(ctx, created.ID, "p1", game.Action{
		Type: "take",
		Payload: map[string]any{
			"count": 1,
			"stateUpdate": map[string]any{
				"winner":    "p1",
				"scores":    map[string]any{"p1": 999},
				"status":    "completed",
				"tableSkin": "wood",
			},
		},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if rec.Winner != "" {
		t.Fatalf("winner = %q, want empty", rec.Winner)
	}
	if w, ok := rec.State.Data["winner"]; ok && w == "p1" {
		t.Fatal("client patch set winner")
	}
	if _, ok := rec.State.Data["scores"]; ok {
		t.Fatal("client patch set scores")
	}
	if rec.State.Data["tableSkin"] != "wood" {
		t.Fatal("unprotected patch key dropped")
	}
	if rec.Status != store.StatusActive {
		t.Fatalf("status = %q, want active", rec.Status)
	}
}

func TestApplyTerminalIsIdempotent(t *testing.T) {
	m, st, _, recd := newTestManager(t)
	ctx := context.Background()
	created := startNimSession(t, m)

	// Drive nim to completion: 21 sticks, alternating max takes.
	turnPlayers := []string{"p1", "p2"}
	i := 0
	for {
		rec, err := st.GetSession(ctx, created.ID)
		if errors.Is(err, store.ErrNotFound) {
			break // released on completion
		}
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if rec.Ended {
			break
		}
		take := 3
		if left := game.Num(rec.State.Data["sticks"]); left < take {
			take = left
		}
		if _, err := m.Apply(ctx, created.ID, turnPlayers[i%2], game.Action{Type: "take", Payload: map[string]any{"count": take}}); err != nil {
			t.Fatalf("Apply: %v", err)
		}
		i++
	}

	if recd.finished[created.ID] != store.StatusCompleted {
		t.Fatalf("durable status = %q, want completed", recd.finished[created.ID])
	}
	if recd.winners[created.ID] == "" {
		t.Fatal("no winner persisted")
	}

	// Terminal sessions are released from the store; a late action is a
	// clean not-found, never a mutation.
	if _, err := m.Apply(ctx, created.ID, "p1", game.Action{Type: "take", Payload: map[string]any{"count": 1}}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("post-terminal Apply error = %v, want ErrNotFound", err)
	}
}

func TestApplyEndedPhaseRejectsBeforeEngine(t *testing.T) {
	m, st, _, _ := newTestManager(t)
	ctx := context.Background()
	created := startNimSession(t, m)

	rec, _ := st.GetSession(ctx, created.ID)
	rec.State.Phase = store.PhaseEnded
	rec.Version++
	if err := st.SetSessionCAS(ctx, rec); err != nil {
		t.Fatalf("CAS: %v", err)
	}

	_, err := m.Apply(ctx, created.ID, "p1", game.Action{Type: "take", Payload: map[string]any{"count": 1}})
	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("error = %v, want Rejection", err)
	}
	after, _ := st.GetSession(ctx, created.ID)
	if after.State.Turn != rec.State.Turn || after.Version != rec.Version {
		t.Fatal("apply on ended session mutated the record")
	}
}

func TestHistoryAndEventsAreBounded(t *testing.T) {
	m, st, _, _ := newTestManager(t)
	ctx := context.Background()
	created := startNimSession(t, m)

	players := []string{"p1", "p2"}
	for i := 0; i < 12; i++ {
		if _, err := m.Apply(ctx, created.ID, players[i%2], game.Action{Type: "take", Payload: map[string]any{"count": 1}}); err != nil {
			t.Fatalf("Apply %d: %v", i, err)
		}
	}
	rec, err := st.GetSession(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(rec.History) != 5 {
		t.Fatalf("history length = %d, want cap 5", len(rec.History))
	}
	if len(rec.Events) != 8 {
		t.Fatalf("events length = %d, want cap 8", len(rec.Events))
	}
	// Oldest dropped: the surviving first history entry is from turn 8.
	if rec.History[0].TS > rec.History[len(rec.History)-1].TS {
		t.Fatal("history out of order")
	}
}

func TestLeaveKeepsSessionWhileOthersRemain(t *testing.T) {
	m, st, _, recd := newTestManager(t)
	ctx := context.Background()
	created := startNimSession(t, m)

	if err := m.Leave(ctx, created.ID, "p1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	rec, err := st.GetSession(ctx, created.ID)
	if err != nil {
		t.Fatalf("session gone after first leave: %v", err)
	}
	if rec.HasPlayer("p1") || !rec.HasPlayer("p2") {
		t.Fatalf("roster = %v", rec.Players)
	}

	if err := m.Leave(ctx, created.ID, "p2"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if _, err := st.GetSession(ctx, created.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("session after last leave: err = %v, want ErrNotFound", err)
	}
	if recd.finished[created.ID] != store.StatusAbandoned {
		t.Fatalf("durable status = %q, want abandoned", recd.finished[created.ID])
	}
	if recd.winners[created.ID] != "" {
		t.Fatal("abandoned session persisted a winner")
	}
}

func TestRejoinMatrix(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	created := startNimSession(t, m)
	ctx := context.Background()

	if _, ok := m.Rejoin(ctx, created.ID, "p1"); !ok {
		t.Fatal("rejoin for listed participant failed")
	}
	if _, ok := m.Rejoin(ctx, created.ID, "ghost"); ok {
		t.Fatal("rejoin for non-participant succeeded")
	}
	if _, ok := m.Rejoin(ctx, "missing", "p1"); ok {
		t.Fatal("rejoin for missing session succeeded")
	}
}

func TestSweepAbandonsAfterGrace(t *testing.T) {
	m, st, _, recd := newTestManager(t)
	ctx := context.Background()
	created := startNimSession(t, m)

	// Both players connected, then both gone.
	_, _ = st.IncrConns(ctx, created.ID)
	_, _ = st.IncrConns(ctx, created.ID)
	n, _ := st.DecrConns(ctx, created.ID)
	m.NoteDisconnect(ctx, created.ID, n)
	n, _ = st.DecrConns(ctx, created.ID)
	m.NoteDisconnect(ctx, created.ID, n)

	m.SweepAbandoned(ctx)
	if _, err := st.GetSession(ctx, created.ID); err != nil {
		t.Fatalf("sweep fired before grace elapsed: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	m.SweepAbandoned(ctx)
	if _, err := st.GetSession(ctx, created.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("session not abandoned after grace: err = %v", err)
	}
	if recd.finished[created.ID] != store.StatusAbandoned {
		t.Fatalf("durable status = %q, want abandoned", recd.finished[created.ID])
	}
}

func TestReconnectCancelsAbandonment(t *testing.T) {
	m, st, _, _ := newTestManager(t)
	ctx := context.Background()
	created := startNimSession(t, m)

	_, _ = st.IncrConns(ctx, created.ID)
	n, _ := st.DecrConns(ctx, created.ID)
	m.NoteDisconnect(ctx, created.ID, n)

	_, _ = st.IncrConns(ctx, created.ID)
	m.NoteReconnect(created.ID)

	time.Sleep(60 * time.Millisecond)
	m.SweepAbandoned(ctx)
	if _, err := st.GetSession(ctx, created.ID); err != nil {
		t.Fatalf("reconnected session was abandoned: %v", err)
	}
}

func TestReadyQuorum(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()
	created := startNimSession(t, m)

	rec, all, err := m.Ready(ctx, created.ID, "p1")
	if err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if all {
		t.Fatal("quorum complete with one of two ready")
	}
	if len(rec.Ready) != 1 {
		t.Fatalf("ready = %v", rec.Ready)
	}

	// Marking ready twice is idempotent.
	rec, _, err = m.Ready(ctx, created.ID, "p1")
	if err != nil || len(rec.Ready) != 1 {
		t.Fatalf("double ready: rec=%v err=%v", rec.Ready, err)
	}

	_, all, err = m.Ready(ctx, created.ID, "p2")
	if err != nil || !all {
		t.Fatalf("full quorum: all=%v err=%v", all, err)
	}

	if _, _, err := m.Ready(ctx, created.ID, "ghost"); err == nil {
		t.Fatal("non-participant ready accepted")
	}
}

func TestActivateRealtimeFlipsCanonicalStatus(t *testing.T) {
	m, st, _, _ := newTestManager(t)
	ctx := context.Background()
	created := startRealtimeSession(t, m)

	if created.Status != store.StatusWaiting {
		t.Fatalf("status at creation = %q, want waiting", created.Status)
	}

	if err := m.ActivateRealtime(ctx, created.ID); err != nil {
		t.Fatalf("ActivateRealtime: %v", err)
	}
	rec, err := st.GetSession(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rec.Status != store.StatusActive {
		t.Fatalf("status after activation = %q, want active", rec.Status)
	}
	if rec.Version != created.Version+1 {
		t.Fatalf("version = %d, want %d", rec.Version, created.Version+1)
	}

	// Activating an already-active session is a no-op.
	if err := m.ActivateRealtime(ctx, created.ID); err != nil {
		t.Fatalf("second ActivateRealtime: %v", err)
	}
	again, _ := st.GetSession(ctx, created.ID)
	if again.Version != rec.Version {
		t.Fatalf("repeat activation rewrote the record: version %d -> %d", rec.Version, again.Version)
	}
}

func TestApplyRejectsRealtimeSessions(t *testing.T) {
	m, st, _, _ := newTestManager(t)
	ctx := context.Background()
	created := startRealtimeSession(t, m)

	_, err := m.Apply(ctx, created.ID, "p1", game.Action{Type: "hit", Payload: map[string]any{"targetId": "p2"}})
	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("Apply on realtime session = %v, want rejection", err)
	}

	rec, getErr := st.GetSession(ctx, created.ID)
	if getErr != nil {
		t.Fatalf("GetSession: %v", getErr)
	}
	if rec.Version != created.Version {
		t.Fatalf("rejected action mutated the record: version %d -> %d", created.Version, rec.Version)
	}
}
