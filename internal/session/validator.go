package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"moltblox/internal/game"
	"moltblox/internal/store"
)

const casRetries = 3

// protectedFields are state keys writable only by engine-internal logic.
// Any client-supplied stateUpdate carrying one of these is ignored for
// that key; match outcome can never arrive over the wire.
var protectedFields = map[string]struct{}{
	"winner":           {},
	"scores":           {},
	"players":          {},
	"currentTurnIndex": {},
	"status":           {},
	"createdAt":        {},
	"gameId":           {},
}

// StateUpdatePayload is the broadcast body of a state_update message.
type StateUpdatePayload struct {
	SessionID   string              `json:"sessionId"`
	State       store.GameState     `json:"state"`
	CurrentTurn int                 `json:"currentTurn"`
	Action      store.ActionRecord  `json:"action"`
	Events      []store.EventRecord `json:"events"`
}

// Apply runs the structural validation pipeline for one action, writes the
// mutated session back under compare-and-set and fans the update out. A
// *Rejection error means the session is unchanged and only the acting
// client should hear about it.
func (m *Manager) Apply(ctx context.Context, sessionID, playerID string, action game.Action) (*store.SessionRecord, error) {
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		rec, err := m.store.GetSession(ctx, sessionID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if err != nil {
			return nil, err
		}

		if rec.Ended || rec.State.Phase == store.PhaseEnded {
			return nil, &Rejection{Reason: "game is over"}
		}
		if !rec.HasPlayer(playerID) {
			return nil, ErrNotParticipant
		}
		// Realtime sessions only take inputs through their live tick loop;
		// the per-action path would hydrate a fresh engine and clobber the
		// canonical state with its spawn snapshot.
		if title, ok := m.registry.Get(rec.GameID); ok && title.Realtime {
			return nil, &Rejection{Reason: "realtime session: inputs go through the live match"}
		}

		engine, err := m.engineFor(rec)
		if err != nil {
			return nil, err
		}

		res := engine.HandleAction(playerID, action)
		if !res.Success {
			reason := res.Error
			if reason == "" {
				reason = "invalid action"
			}
			return nil, &Rejection{Reason: reason}
		}

		newState := res.State
		if newState.Data == nil {
			newState.Data = map[string]any{}
		}
		mergeClientPatch(newState.Data, action.Payload)
		newState.Turn = rec.State.Turn + 1

		now := time.Now().UnixMilli()
		actionRec := store.ActionRecord{
			PlayerID: playerID,
			Type:     action.Type,
			Payload:  action.Payload,
			TS:       now,
		}
		rec.State = newState
		rec.History = appendBounded(rec.History, actionRec, m.cfg.MaxHistory)

		events := []store.EventRecord{{
			Type: "action_applied",
			Data: map[string]any{"playerId": playerID, "actionType": action.Type},
			TS:   now,
		}}
		for _, ev := range res.Events {
			events = append(events, store.EventRecord{Type: ev.Type, Data: ev.Data, TS: now})
		}

		gameOver := engine.IsGameOver() || newState.Phase == store.PhaseEnded
		if gameOver {
			rec.Ended = true
			rec.Status = store.StatusCompleted
			rec.Winner = engine.Winner()
			rec.Scores = engine.Scores()
			rec.State.Phase = store.PhaseEnded
			events = append(events, store.EventRecord{
				Type: "game_ended",
				Data: map[string]any{"winner": rec.Winner, "scores": rec.Scores},
				TS:   now,
			})
		}
		for _, ev := range events {
			rec.Events = appendBounded(rec.Events, ev, m.cfg.MaxEvents)
		}

		rec.Version++
		if err := m.store.SetSessionCAS(ctx, rec); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// A concurrent writer won; reload and re-run the pipeline
				// against the fresh record.
				m.dropEngine(sessionID)
				lastErr = err
				continue
			}
			return nil, err
		}
		m.cacheEngine(sessionID, engine, rec.Version)

		update := StateUpdatePayload{
			SessionID:   rec.ID,
			State:       rec.State,
			CurrentTurn: rec.State.Turn,
			Action:      actionRec,
			Events:      events,
		}
		m.publish(ctx, rec.ID, "state_update", update)
		m.bc.ToSession(rec.ID, "state_update", update, "")

		if gameOver {
			m.finishCompleted(ctx, rec)
		}
		return rec, nil
	}
	return nil, lastErr
}

// mergeClientPatch merges a client-supplied stateUpdate sub-map into the
// new state, dropping protected keys.
func mergeClientPatch(data map[string]any, payload map[string]any) {
	patch, ok := payload["stateUpdate"].(map[string]any)
	if !ok {
		return
	}
	for k, v := range patch {
		if _, protected := protectedFields[k]; protected {
			continue
		}
		data[k] = v
	}
}

func (m *Manager) publish(ctx context.Context, sessionID, msgType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("marshal update failed")
		return
	}
	upd := store.Update{
		SessionID: sessionID,
		Type:      msgType,
		Payload:   raw,
		Origin:    m.origin,
	}
	if err := m.store.Publish(ctx, sessionID, upd); err != nil {
		// Best-effort fan-out; local delivery already happened.
		log.Warn().Err(err).Str("session_id", sessionID).Msg("publish update failed")
	}
}
