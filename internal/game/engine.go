// Package game defines the capability interface every title's rule engine
// implements, and the registry that resolves a title id to its engine
// constructor. Engines are plain state machines; all orchestration
// (validation order, persistence, broadcast) lives outside them.
package game

import (
	"reflect"
	"sort"
	"sync"

	"moltblox/internal/store"
)

type Action struct {
	Type      string
	Payload   map[string]any
	Timestamp int64
}

type Event struct {
	Type string
	Data map[string]any
}

type Result struct {
	Success bool
	Error   string
	State   store.GameState
	Events  []Event
}

func Reject(reason string) Result {
	return Result{Success: false, Error: reason}
}

// Engine is the per-title rule capability. A Result with Success=false
// must leave the engine's state untouched.
type Engine interface {
	Initialize(playerIDs []string) error
	HandleAction(playerID string, action Action) Result
	State() store.GameState
	// StateForPlayer allows per-player masking (hidden hands, roles).
	StateForPlayer(playerID string) store.GameState
	IsGameOver() bool
	Winner() string
	Scores() map[string]int
}

// RealtimeEngine extends Engine for fixed-rate titles. Inputs are buffered
// between ticks, never applied on receipt.
type RealtimeEngine interface {
	Engine
	BufferInput(playerID string, input map[string]any)
	Tick()
	ComputeDelta(prev, cur map[string]any) map[string]any
	TickRate() int
}

// Hydrator lets an engine rebuild itself from a store-resident state so
// that any process can resume a session it did not create.
type Hydrator interface {
	Hydrate(state store.GameState) error
}

// Title describes a registered game. TemplateData, when set, produces
// title-specific initial session data; otherwise the orchestrator defaults
// to {"players": [...]}.
type Title struct {
	ID           string
	Name         string
	MaxPlayers   int
	Realtime     bool
	Published    bool
	New          func() Engine
	TemplateData func(playerIDs []string) map[string]any
}

type Registry struct {
	mu     sync.RWMutex
	titles map[string]Title
}

func NewRegistry() *Registry {
	return &Registry{titles: map[string]Title{}}
}

func (r *Registry) Register(t Title) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles[t.ID] = t
}

func (r *Registry) Get(id string) (Title, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.titles[id]
	return t, ok
}

// List returns the published titles sorted by id.
func (r *Registry) List() []Title {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Title, 0, len(r.titles))
	for _, t := range r.titles {
		if t.Published {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Diff returns the keys of cur whose values differ from prev, plus keys
// missing from cur mapped to nil. Engines may use it as their ComputeDelta.
func Diff(prev, cur map[string]any) map[string]any {
	changes := map[string]any{}
	for k, v := range cur {
		if old, ok := prev[k]; !ok || !reflect.DeepEqual(old, v) {
			changes[k] = v
		}
	}
	for k := range prev {
		if _, ok := cur[k]; !ok {
			changes[k] = nil
		}
	}
	return changes
}

// Num coerces a JSON-decoded numeric value to int.
func Num(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
