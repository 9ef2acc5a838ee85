// Package realtime runs the fixed-rate tick loop for continuous-time
// titles. A session's runner lives on the process that created the
// session; ownership is advertised through a store lease so a dead owner
// is at least detectable.
package realtime

import (
	"context"
	"expvar"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"moltblox/internal/game"
)

var ticksTotal = expvar.NewInt("realtime_ticks_total")

const (
	phaseWaiting   = "waiting"
	phaseCountdown = "countdown"
	phaseTicking   = "ticking"
	phaseEnded     = "ended"
)

type Broadcaster interface {
	ToSession(sessionID, msgType string, payload any, excludePlayer string)
}

// Lifecycle is the slice of the session manager the runner drives: the
// canonical waiting→active flip when the countdown begins, and the
// terminal outcome once the loop observes game over.
type Lifecycle interface {
	ActivateRealtime(ctx context.Context, sessionID string) error
	CompleteRealtime(ctx context.Context, sessionID, winner string, scores map[string]int) error
}

// LeaseKeeper is the slice of the session store the runner heartbeats
// through.
type LeaseKeeper interface {
	AcquireLease(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error)
	RefreshLease(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, sessionID, owner string) error
}

type Config struct {
	CountdownSecs    int
	SnapshotInterval int
	ReadyQuorum      time.Duration
	MatchDuration    time.Duration
	LeaseTTL         time.Duration

	// countdownTick is a second in production; tests shrink it.
	countdownTick time.Duration
}

func (c *Config) setDefaults() {
	if c.CountdownSecs <= 0 {
		c.CountdownSecs = 3
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 3
	}
	if c.ReadyQuorum <= 0 {
		c.ReadyQuorum = 10 * time.Second
	}
	if c.MatchDuration <= 0 {
		c.MatchDuration = 3 * time.Minute
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 15 * time.Second
	}
	if c.countdownTick <= 0 {
		c.countdownTick = time.Second
	}
}

type StatePayload struct {
	SessionID string         `json:"sessionId"`
	Frame     int            `json:"frame"`
	State     map[string]any `json:"state"`
}

type DeltaPayload struct {
	SessionID string         `json:"sessionId"`
	Frame     int            `json:"frame"`
	Changes   map[string]any `json:"changes"`
}

type MatchEndPayload struct {
	SessionID string         `json:"sessionId"`
	Winner    string         `json:"winner"`
	Scores    map[string]int `json:"scores"`
	Reason    string         `json:"reason"`
}

// Runner drives one realtime session: waiting -> countdown -> ticking ->
// ended. All timers are cleared on every terminal transition.
type Runner struct {
	sessionID string
	players   []string
	engine    game.RealtimeEngine
	bc        Broadcaster
	fin       Lifecycle
	leases    LeaseKeeper
	owner     string
	cfg       Config

	mu       sync.Mutex
	phase    string
	ready    map[string]bool
	frame    int
	prevData map[string]any

	quorumTimer *time.Timer
	matchTimer  *time.Timer
	stopCh      chan struct{}
	stopped     bool
}

func NewRunner(sessionID string, players []string, engine game.RealtimeEngine, bc Broadcaster, fin Lifecycle, leases LeaseKeeper, owner string, cfg Config) *Runner {
	cfg.setDefaults()
	return &Runner{
		sessionID: sessionID,
		players:   append([]string{}, players...),
		engine:    engine,
		bc:        bc,
		fin:       fin,
		leases:    leases,
		owner:     owner,
		cfg:       cfg,
		phase:     phaseWaiting,
		ready:     map[string]bool{},
		stopCh:    make(chan struct{}),
	}
}

func (r *Runner) Phase() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Ready marks a participant ready. The countdown starts when everyone is
// ready, or once at least two are and the quorum timeout elapses.
func (r *Runner) Ready(ctx context.Context, playerID string) {
	r.mu.Lock()
	if r.phase != phaseWaiting {
		r.mu.Unlock()
		return
	}
	known := false
	for _, p := range r.players {
		if p == playerID {
			known = true
		}
	}
	if !known {
		r.mu.Unlock()
		return
	}
	r.ready[playerID] = true
	count := len(r.ready)
	all := count == len(r.players)
	if !all && count >= 2 && r.quorumTimer == nil {
		r.quorumTimer = time.AfterFunc(r.cfg.ReadyQuorum, func() {
			r.beginCountdown(context.Background())
		})
	}
	r.mu.Unlock()

	if all {
		r.beginCountdown(ctx)
	}
}

// BufferInput stages a player input for the next tick. Inputs are never
// applied on receipt; the tick drains them at the fixed rate.
func (r *Runner) BufferInput(playerID string, input map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase != phaseTicking {
		return
	}
	r.engine.BufferInput(playerID, input)
}

func (r *Runner) beginCountdown(ctx context.Context) {
	r.mu.Lock()
	if r.phase != phaseWaiting {
		r.mu.Unlock()
		return
	}
	r.phase = phaseCountdown
	if r.quorumTimer != nil {
		r.quorumTimer.Stop()
		r.quorumTimer = nil
	}
	r.mu.Unlock()

	if err := r.fin.ActivateRealtime(ctx, r.sessionID); err != nil {
		log.Warn().Err(err).Str("session_id", r.sessionID).Msg("session not marked active")
	}

	go func() {
		for i := r.cfg.CountdownSecs; i > 0; i-- {
			r.bc.ToSession(r.sessionID, "realtime_countdown", map[string]any{
				"sessionId": r.sessionID,
				"seconds":   i,
			}, "")
			select {
			case <-r.stopCh:
				return
			case <-time.After(r.cfg.countdownTick):
			}
		}
		r.startTicking(ctx)
	}()
}

func (r *Runner) startTicking(ctx context.Context) {
	r.mu.Lock()
	if r.phase != phaseCountdown {
		r.mu.Unlock()
		return
	}
	r.phase = phaseTicking
	r.matchTimer = time.AfterFunc(r.cfg.MatchDuration, func() {
		r.endByTimeout(context.Background())
	})
	r.mu.Unlock()

	if ok, err := r.leases.AcquireLease(ctx, r.sessionID, r.owner, r.cfg.LeaseTTL); err != nil || !ok {
		log.Warn().Err(err).Bool("acquired", ok).Str("session_id", r.sessionID).Msg("tick lease not acquired")
	}

	go r.loop(ctx)
}

func (r *Runner) loop(ctx context.Context) {
	rate := r.engine.TickRate()
	if rate <= 0 {
		rate = 60
	}
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()
	leaseTicker := time.NewTicker(r.cfg.LeaseTTL / 3)
	defer leaseTicker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-leaseTicker.C:
			if _, err := r.leases.RefreshLease(ctx, r.sessionID, r.owner, r.cfg.LeaseTTL); err != nil {
				log.Warn().Err(err).Str("session_id", r.sessionID).Msg("lease refresh failed")
			}
		case <-ticker.C:
			r.step(ctx)
		}
	}
}

// step advances the simulation one frame and applies the broadcast
// policy: frame 0 and every SnapshotInterval-th frame send a full
// snapshot, other frames send a delta of changed fields, and an empty
// delta is suppressed entirely.
func (r *Runner) step(ctx context.Context) {
	msgType, payload, over, winner, scores, halted := r.advance()
	if halted {
		r.Stop(ctx)
		return
	}
	if msgType != "" {
		r.bc.ToSession(r.sessionID, msgType, payload, "")
	}
	if over {
		r.finish(ctx, winner, scores, "game_over")
	}
}

// advance holds the lock across one engine frame. A panicking engine
// (malformed state mid-tick) halts this session's loop only; the process
// and every other session keep running.
func (r *Runner) advance() (msgType string, payload any, over bool, winner string, scores map[string]int, halted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Any("panic", rec).Str("session_id", r.sessionID).Msg("tick panicked, halting session loop")
			halted = true
		}
	}()

	if r.phase != phaseTicking {
		return "", nil, false, "", nil, false
	}
	r.engine.Tick()
	ticksTotal.Add(1)
	frame := r.frame
	r.frame++
	curData := r.engine.State().Data

	if frame%r.cfg.SnapshotInterval == 0 {
		msgType = "realtime_state"
		payload = StatePayload{SessionID: r.sessionID, Frame: frame, State: curData}
	} else if r.prevData != nil {
		changes := r.engine.ComputeDelta(r.prevData, curData)
		if len(changes) > 0 {
			msgType = "realtime_delta"
			payload = DeltaPayload{SessionID: r.sessionID, Frame: frame, Changes: changes}
		}
	}
	r.prevData = curData
	if r.engine.IsGameOver() {
		over = true
		winner = r.engine.Winner()
		scores = r.engine.Scores()
	}
	return msgType, payload, over, winner, scores, false
}

func (r *Runner) endByTimeout(ctx context.Context) {
	r.mu.Lock()
	if r.phase != phaseTicking {
		r.mu.Unlock()
		return
	}
	scores := r.engine.Scores()
	r.mu.Unlock()

	winner := ""
	best := -1
	tied := false
	for id, s := range scores {
		switch {
		case s > best:
			best, winner, tied = s, id, false
		case s == best:
			tied = true
		}
	}
	if tied {
		winner = ""
	}
	r.finish(ctx, winner, scores, "time_limit")
}

func (r *Runner) finish(ctx context.Context, winner string, scores map[string]int, reason string) {
	r.mu.Lock()
	if r.phase == phaseEnded {
		r.mu.Unlock()
		return
	}
	r.phase = phaseEnded
	r.mu.Unlock()

	r.bc.ToSession(r.sessionID, "realtime_match_end", MatchEndPayload{
		SessionID: r.sessionID,
		Winner:    winner,
		Scores:    scores,
		Reason:    reason,
	}, "")
	if err := r.fin.CompleteRealtime(ctx, r.sessionID, winner, scores); err != nil {
		log.Error().Err(err).Str("session_id", r.sessionID).Msg("realtime completion failed")
	}
	r.Stop(ctx)

	log.Info().
		Str("session_id", r.sessionID).
		Str("winner", winner).
		Str("reason", reason).
		Msg("realtime match ended")
}

// Stop tears down every timer exactly once and releases the tick lease.
func (r *Runner) Stop(ctx context.Context) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.phase = phaseEnded
	if r.quorumTimer != nil {
		r.quorumTimer.Stop()
		r.quorumTimer = nil
	}
	if r.matchTimer != nil {
		r.matchTimer.Stop()
		r.matchTimer = nil
	}
	close(r.stopCh)
	r.mu.Unlock()

	if err := r.leases.ReleaseLease(ctx, r.sessionID, r.owner); err != nil {
		log.Warn().Err(err).Str("session_id", r.sessionID).Msg("lease release failed")
	}
}
