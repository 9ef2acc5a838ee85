package ws

import (
	"context"

	"github.com/rs/zerolog/log"

	"moltblox/internal/store"
)

// forwarder relays store pub/sub updates for one session to the local
// sockets bound to it. Updates published by this process are skipped;
// local delivery already happened synchronously.
type forwarder struct {
	sessionID string
	sub       store.Subscription
	cancel    context.CancelFunc
}

func (s *Server) ensureForwarder(sessionID string) {
	s.mu.Lock()
	if _, ok := s.forwarders[sessionID]; ok {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := s.store.Subscribe(ctx, sessionID)
	if err != nil {
		cancel()
		s.mu.Unlock()
		log.Error().Err(err).Str("session_id", sessionID).Msg("subscribe failed")
		return
	}
	f := &forwarder{sessionID: sessionID, sub: sub, cancel: cancel}
	s.forwarders[sessionID] = f
	s.mu.Unlock()

	go s.runForwarder(f)
}

func (s *Server) runForwarder(f *forwarder) {
	origin := s.mgr.Origin()
	for upd := range f.sub.Updates() {
		if upd.Origin != origin {
			msg, err := encode(upd.Type, upd.Payload)
			if err != nil {
				log.Error().Err(err).Str("session_id", f.sessionID).Msg("encode relayed update failed")
				continue
			}
			s.router.toSessionRaw(f.sessionID, msg, "")
		}
		// Terminal updates clean the session up on every process,
		// including the one that published them.
		if upd.Type == "session_end" {
			s.cleanupSession(f.sessionID)
			return
		}
	}
}

// cleanupSession runs once the session reached a terminal state: stop the
// local runner if any, drop the forwarder and detach local sockets.
func (s *Server) cleanupSession(sessionID string) {
	s.mu.Lock()
	runner := s.runners[sessionID]
	delete(s.runners, sessionID)
	f := s.forwarders[sessionID]
	delete(s.forwarders, sessionID)
	s.mu.Unlock()

	if runner != nil {
		runner.Stop(context.Background())
	}
	if f != nil {
		f.cancel()
		if err := f.sub.Close(); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("subscription close failed")
		}
	}
	for _, c := range s.router.sessionClients(sessionID) {
		s.router.unbindSession(c, sessionID)
	}
}
