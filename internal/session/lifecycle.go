package session

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"moltblox/internal/store"
)

// SessionEndPayload is the broadcast body of a session_end message.
type SessionEndPayload struct {
	SessionID string         `json:"sessionId"`
	Status    string         `json:"status"`
	WinnerID  string         `json:"winnerId,omitempty"`
	Scores    map[string]int `json:"scores,omitempty"`
}

// finishCompleted persists the final outcome, notifies participants and
// releases the store entries. Called with the record already written as
// completed.
func (m *Manager) finishCompleted(ctx context.Context, rec *store.SessionRecord) {
	if m.recorder != nil {
		if err := m.recorder.FinishMatch(ctx, rec.ID, store.StatusCompleted, rec.Winner, rec.Scores); err != nil {
			log.Warn().Err(err).Str("session_id", rec.ID).Msg("durable match update not written")
		}
	}
	end := SessionEndPayload{SessionID: rec.ID, Status: store.StatusCompleted, WinnerID: rec.Winner, Scores: rec.Scores}
	m.publish(ctx, rec.ID, "session_end", end)
	m.bc.ToSession(rec.ID, "session_end", end, "")
	m.release(ctx, rec)

	sessionsCompletedTotal.Add(1)
	log.Info().
		Str("session_id", rec.ID).
		Str("winner", rec.Winner).
		Msg("session completed")
}

// CompleteRealtime records a terminal outcome computed by a tick runner.
func (m *Manager) CompleteRealtime(ctx context.Context, sessionID, winner string, scores map[string]int) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		rec, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if rec.Ended {
			return nil
		}
		rec.Ended = true
		rec.Status = store.StatusCompleted
		rec.Winner = winner
		rec.Scores = scores
		rec.State.Phase = store.PhaseEnded
		rec.Events = appendBounded(rec.Events, store.EventRecord{
			Type: "game_ended",
			Data: map[string]any{"winner": winner, "scores": scores},
			TS:   time.Now().UnixMilli(),
		}, m.cfg.MaxEvents)
		rec.Version++
		if err := m.store.SetSessionCAS(ctx, rec); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return err
		}
		m.finishCompleted(ctx, rec)
		return nil
	}
	return store.ErrConflict
}

// Abandon voids a session: no winner, no scores, the match outcome is
// never computed. Distinct from completion by contract.
func (m *Manager) Abandon(ctx context.Context, sessionID string) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		rec, err := m.store.GetSession(ctx, sessionID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Ended {
			return nil
		}
		rec.Ended = true
		rec.Status = store.StatusAbandoned
		rec.State.Phase = store.PhaseEnded
		rec.Version++
		if err := m.store.SetSessionCAS(ctx, rec); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return err
		}

		if m.recorder != nil {
			if err := m.recorder.FinishMatch(ctx, rec.ID, store.StatusAbandoned, "", nil); err != nil {
				log.Warn().Err(err).Str("session_id", rec.ID).Msg("durable match update not written")
			}
		}
		end := SessionEndPayload{SessionID: rec.ID, Status: store.StatusAbandoned}
		m.publish(ctx, rec.ID, "session_end", end)
		m.bc.ToSession(rec.ID, "session_end", end, "")
		m.release(ctx, rec)

		sessionsAbandonedTotal.Add(1)
		log.Info().Str("session_id", rec.ID).Msg("session abandoned")
		return nil
	}
	return store.ErrConflict
}

// Leave removes the player from the roster (voluntary exit). The session
// continues while participants remain; the last one out abandons it.
func (m *Manager) Leave(ctx context.Context, sessionID, playerID string) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		rec, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if !rec.HasPlayer(playerID) {
			return ErrNotParticipant
		}
		if rec.Ended {
			return nil
		}

		remaining := make([]string, 0, len(rec.Players)-1)
		for _, p := range rec.Players {
			if p != playerID {
				remaining = append(remaining, p)
			}
		}
		rec.Players = remaining
		rec.Events = appendBounded(rec.Events, store.EventRecord{
			Type: "player_left",
			Data: map[string]any{"playerId": playerID},
			TS:   time.Now().UnixMilli(),
		}, m.cfg.MaxEvents)
		rec.Version++
		if err := m.store.SetSessionCAS(ctx, rec); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return err
		}
		if err := m.store.UnbindPlayer(ctx, playerID); err != nil {
			log.Warn().Err(err).Str("player_id", playerID).Msg("unbind player failed")
		}

		if len(remaining) == 0 {
			return m.Abandon(ctx, sessionID)
		}
		payload := map[string]any{"sessionId": sessionID, "playerId": playerID}
		m.publish(ctx, sessionID, "player_left", payload)
		m.bc.ToSession(sessionID, "player_left", payload, playerID)
		return nil
	}
	return store.ErrConflict
}

// Rejoin validates that the session still exists and lists the player.
// It mutates nothing; binding the new connection is the caller's job.
func (m *Manager) Rejoin(ctx context.Context, sessionID, playerID string) (*store.SessionRecord, bool) {
	rec, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, false
	}
	if !rec.HasPlayer(playerID) {
		return nil, false
	}
	return rec, true
}

// release removes the session from the store once it reached a terminal
// outcome. The durable summary is already written by then.
func (m *Manager) release(ctx context.Context, rec *store.SessionRecord) {
	if err := m.store.DeleteSession(ctx, rec.ID); err != nil {
		log.Warn().Err(err).Str("session_id", rec.ID).Msg("delete session failed")
	}
	m.dropEngine(rec.ID)
}

// NoteDisconnect is called by the transport after decrementing the shared
// connection count. A session with zero connections process-wide starts
// the abandonment clock; any reconnect resets it.
func (m *Manager) NoteDisconnect(ctx context.Context, sessionID string, remaining int64) {
	m.mu.Lock()
	if remaining <= 0 {
		if _, ok := m.zeroSince[sessionID]; !ok {
			m.zeroSince[sessionID] = time.Now()
		}
	} else {
		delete(m.zeroSince, sessionID)
	}
	m.mu.Unlock()
}

// NoteReconnect clears a pending abandonment for the session.
func (m *Manager) NoteReconnect(sessionID string) {
	m.mu.Lock()
	delete(m.zeroSince, sessionID)
	m.mu.Unlock()
}

// SweepAbandoned promotes sessions whose connection count has stayed at
// zero past the reconnect grace period. Runs from a background ticker.
func (m *Manager) SweepAbandoned(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.ReconnectGrace)

	m.mu.Lock()
	var due []string
	for id, since := range m.zeroSince {
		if since.Before(cutoff) {
			due = append(due, id)
		}
	}
	m.mu.Unlock()

	for _, id := range due {
		n, err := m.store.Conns(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("conn count check failed")
			continue
		}
		if n > 0 {
			m.NoteReconnect(id)
			continue
		}
		if err := m.Abandon(ctx, id); err != nil {
			log.Error().Err(err).Str("session_id", id).Msg("abandon failed")
			continue
		}
		m.mu.Lock()
		delete(m.zeroSince, id)
		m.mu.Unlock()
	}
}

// RunSweeper blocks, sweeping on the given interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepAbandoned(ctx)
		}
	}
}
