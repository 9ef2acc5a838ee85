// Package store defines the distributed session store contract: canonical
// session records, player indices, matchmaking queues and cross-process
// update fan-out. Any server process can serve any client because all
// shared mutable state lives behind this interface.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a compare-and-set write that lost to a
	// concurrent writer. Callers reload and retry.
	ErrConflict = errors.New("version conflict")
)

const (
	StatusWaiting   = "waiting"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusAbandoned = "abandoned"

	PhasePlaying = "playing"
	PhaseEnded   = "ended"
)

type GameState struct {
	Turn  int            `json:"turn"`
	Phase string         `json:"phase"`
	Data  map[string]any `json:"data"`
}

type ActionRecord struct {
	PlayerID string         `json:"player_id"`
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload,omitempty"`
	TS       int64          `json:"ts"`
}

type EventRecord struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
	TS   int64          `json:"ts"`
}

// SessionRecord is the canonical session state. Server processes hold
// transient working copies only while handling one message; Version gates
// every write back (see SetSessionCAS).
type SessionRecord struct {
	ID        string         `json:"id"`
	GameID    string         `json:"game_id"`
	Players   []string       `json:"players"`
	Ready     []string       `json:"ready,omitempty"`
	State     GameState      `json:"state"`
	History   []ActionRecord `json:"history,omitempty"`
	Events    []EventRecord  `json:"events,omitempty"`
	Status    string         `json:"status"`
	Ended     bool           `json:"ended"`
	Winner    string         `json:"winner,omitempty"`
	Scores    map[string]int `json:"scores,omitempty"`
	Version   int64          `json:"version"`
	CreatedAt int64          `json:"created_at"`
}

func (r *SessionRecord) HasPlayer(playerID string) bool {
	for _, p := range r.Players {
		if p == playerID {
			return true
		}
	}
	return false
}

func (r *SessionRecord) IsReady(playerID string) bool {
	for _, p := range r.Ready {
		if p == playerID {
			return true
		}
	}
	return false
}

type QueueEntry struct {
	ClientID string `json:"client_id"`
	PlayerID string `json:"player_id"`
	JoinedAt int64  `json:"joined_at"`
}

// Update is the payload published on a session's channel so that other
// processes holding a client of the session can forward it.
type Update struct {
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Origin    string          `json:"origin"`
}

type Subscription interface {
	Updates() <-chan Update
	Close() error
}

// SessionStore is the contract both the redis and the in-memory
// implementations satisfy.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	// PutSession creates the record; rec.Version must be 1.
	PutSession(ctx context.Context, rec *SessionRecord) error
	// SetSessionCAS writes rec only if the stored version equals
	// rec.Version-1, returning ErrConflict otherwise.
	SetSessionCAS(ctx context.Context, rec *SessionRecord) error
	DeleteSession(ctx context.Context, id string) error

	SessionForPlayer(ctx context.Context, playerID string) (string, error)
	BindPlayer(ctx context.Context, playerID, sessionID string) error
	UnbindPlayer(ctx context.Context, playerID string) error

	JoinQueue(ctx context.Context, gameID string, entry QueueEntry) (int64, error)
	LeaveQueue(ctx context.Context, gameID, playerID string) (bool, error)
	// PopQueue atomically removes and returns exactly n entries, or nil
	// when fewer than n are waiting. Exactly one caller wins under
	// concurrent pops.
	PopQueue(ctx context.Context, gameID string, n int) ([]QueueEntry, error)
	QueueLen(ctx context.Context, gameID string) (int64, error)
	QueuedGame(ctx context.Context, playerID string) (string, error)

	Publish(ctx context.Context, sessionID string, upd Update) error
	Subscribe(ctx context.Context, sessionID string) (Subscription, error)

	IncrConns(ctx context.Context, sessionID string) (int64, error)
	DecrConns(ctx context.Context, sessionID string) (int64, error)
	Conns(ctx context.Context, sessionID string) (int64, error)

	AcquireLease(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error)
	RefreshLease(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, sessionID, owner string) error
}

var (
	ulidEntropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	ulidEntropyMu sync.Mutex
)

// NewID returns a lexicographically sortable unique id.
func NewID() string {
	ulidEntropyMu.Lock()
	defer ulidEntropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
}
