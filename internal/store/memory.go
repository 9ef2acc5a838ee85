package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is a single-process SessionStore used by tests and local
// development. It honors the same atomicity contract as the redis
// implementation: queue pops are all-or-nothing and session writes are
// compare-and-set.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string][]byte
	byPlayer map[string]string
	queues   map[string][]QueueEntry
	queued   map[string]string
	conns    map[string]int64
	leases   map[string]memoryLease
	subs     map[string]map[*memorySubscription]struct{}
}

type memoryLease struct {
	owner   string
	expires time.Time
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		sessions: map[string][]byte{},
		byPlayer: map[string]string{},
		queues:   map[string][]QueueEntry{},
		queued:   map[string]string{},
		conns:    map[string]int64{},
		leases:   map[string]memoryLease{},
		subs:     map[string]map[*memorySubscription]struct{}{},
	}
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	var rec SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *MemoryStore) PutSession(_ context.Context, rec *SessionRecord) error {
	return s.writeCAS(rec)
}

func (s *MemoryStore) SetSessionCAS(_ context.Context, rec *SessionRecord) error {
	return s.writeCAS(rec)
}

func (s *MemoryStore) writeCAS(rec *SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[rec.ID]
	if !ok {
		if rec.Version != 1 {
			return ErrConflict
		}
		s.sessions[rec.ID] = data
		return nil
	}
	var stored SessionRecord
	if err := json.Unmarshal(cur, &stored); err != nil {
		return err
	}
	if stored.Version != rec.Version-1 {
		return ErrConflict
	}
	s.sessions[rec.ID] = data
	return nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	rec, err := s.GetSession(ctx, id)
	if err != nil && err != ErrNotFound {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	delete(s.conns, id)
	delete(s.leases, id)
	if rec != nil {
		for _, p := range rec.Players {
			if s.byPlayer[p] == id {
				delete(s.byPlayer, p)
			}
		}
	}
	return nil
}

func (s *MemoryStore) SessionForPlayer(_ context.Context, playerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byPlayer[playerID]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

func (s *MemoryStore) BindPlayer(_ context.Context, playerID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byPlayer[playerID] = sessionID
	return nil
}

func (s *MemoryStore) UnbindPlayer(_ context.Context, playerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byPlayer, playerID)
	return nil
}

func (s *MemoryStore) JoinQueue(_ context.Context, gameID string, entry QueueEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[gameID] = append(s.queues[gameID], entry)
	s.queued[entry.PlayerID] = gameID
	return int64(len(s.queues[gameID])), nil
}

func (s *MemoryStore) LeaveQueue(_ context.Context, gameID, playerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.queues[gameID]
	for i, entry := range queue {
		if entry.PlayerID == playerID {
			s.queues[gameID] = append(queue[:i:i], queue[i+1:]...)
			delete(s.queued, playerID)
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) PopQueue(_ context.Context, gameID string, n int) ([]QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.queues[gameID]
	if len(queue) < n {
		return nil, nil
	}
	popped := make([]QueueEntry, n)
	copy(popped, queue[:n])
	s.queues[gameID] = append([]QueueEntry{}, queue[n:]...)
	for _, entry := range popped {
		delete(s.queued, entry.PlayerID)
	}
	return popped, nil
}

func (s *MemoryStore) QueueLen(_ context.Context, gameID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.queues[gameID])), nil
}

func (s *MemoryStore) QueuedGame(_ context.Context, playerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gameID, ok := s.queued[playerID]
	if !ok {
		return "", ErrNotFound
	}
	return gameID, nil
}

type memorySubscription struct {
	store     *MemoryStore
	sessionID string
	ch        chan Update
	once      sync.Once
}

func (s *MemoryStore) Publish(_ context.Context, sessionID string, upd Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs[sessionID] {
		select {
		case sub.ch <- upd:
		default:
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(_ context.Context, sessionID string) (Subscription, error) {
	sub := &memorySubscription{store: s, sessionID: sessionID, ch: make(chan Update, 32)}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[sessionID] == nil {
		s.subs[sessionID] = map[*memorySubscription]struct{}{}
	}
	s.subs[sessionID][sub] = struct{}{}
	return sub, nil
}

func (sub *memorySubscription) Updates() <-chan Update { return sub.ch }

func (sub *memorySubscription) Close() error {
	sub.once.Do(func() {
		sub.store.mu.Lock()
		delete(sub.store.subs[sub.sessionID], sub)
		sub.store.mu.Unlock()
		close(sub.ch)
	})
	return nil
}

func (s *MemoryStore) IncrConns(_ context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[sessionID]++
	return s.conns[sessionID], nil
}

func (s *MemoryStore) DecrConns(_ context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[sessionID] > 0 {
		s.conns[sessionID]--
	}
	return s.conns[sessionID], nil
}

func (s *MemoryStore) Conns(_ context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[sessionID], nil
}

func (s *MemoryStore) AcquireLease(_ context.Context, sessionID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[sessionID]
	if ok && lease.expires.After(time.Now()) && lease.owner != owner {
		return false, nil
	}
	s.leases[sessionID] = memoryLease{owner: owner, expires: time.Now().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) RefreshLease(_ context.Context, sessionID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[sessionID]
	if !ok || lease.owner != owner {
		return false, nil
	}
	s.leases[sessionID] = memoryLease{owner: owner, expires: time.Now().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) ReleaseLease(_ context.Context, sessionID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lease, ok := s.leases[sessionID]; ok && lease.owner == owner {
		delete(s.leases, sessionID)
	}
	return nil
}
