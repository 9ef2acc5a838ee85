package realtime

import (
	"time"

	"moltblox/internal/game"
	"moltblox/internal/store"
)

const (
	arenaMaxHP      = 100
	arenaKillTarget = 10
)

type fighter struct {
	id           string
	x, y         float64
	hp           float64
	kills        int
	deaths       int
	alive        bool
	respawnTicks int
	lastMoveAt   time.Time
	spawnX       float64
	spawnY       float64
}

type bufferedInput struct {
	playerID string
	data     map[string]any
	at       time.Time
}

// ArenaEngine is the realtime fighter title. All combat is resolved
// server-side from positions and the weapon table; inputs are buffered
// between ticks and drained by Tick.
type ArenaEngine struct {
	players  []string
	fighters map[string]*fighter
	inputs   []bufferedInput
	bounds   Bounds
	weapons  map[string]Weapon
	maxSpeed float64
	tickRate int
	respawn  int // ticks a fighter stays down
	over     bool
	winner   string
}

type ArenaOptions struct {
	Bounds       Bounds
	MaxSpeed     float64
	TickRate     int
	RespawnTicks int
}

func NewArena(opts ArenaOptions) *ArenaEngine {
	if opts.TickRate <= 0 {
		opts.TickRate = 60
	}
	if opts.MaxSpeed <= 0 {
		opts.MaxSpeed = 500
	}
	if opts.Bounds == (Bounds{}) {
		opts.Bounds = Bounds{MaxX: 1600, MaxY: 900}
	}
	if opts.RespawnTicks <= 0 {
		opts.RespawnTicks = 3 * opts.TickRate
	}
	return &ArenaEngine{
		fighters: map[string]*fighter{},
		bounds:   opts.Bounds,
		weapons:  DefaultWeapons,
		maxSpeed: opts.MaxSpeed,
		tickRate: opts.TickRate,
		respawn:  opts.RespawnTicks,
	}
}

// ArenaTitle registers the arena under the standard realtime options.
func ArenaTitle(opts ArenaOptions) game.Title {
	return game.Title{
		ID:         "arena",
		Name:       "Arena",
		MaxPlayers: 2,
		Realtime:   true,
		Published:  true,
		New:        func() game.Engine { return NewArena(opts) },
	}
}

func (a *ArenaEngine) Initialize(playerIDs []string) error {
	a.players = append([]string{}, playerIDs...)
	spacing := (a.bounds.MaxX - a.bounds.MinX) / float64(len(playerIDs)+1)
	for i, id := range playerIDs {
		x := a.bounds.MinX + spacing*float64(i+1)
		y := (a.bounds.MinY + a.bounds.MaxY) / 2
		a.fighters[id] = &fighter{id: id, x: x, y: y, hp: arenaMaxHP, alive: true, spawnX: x, spawnY: y}
	}
	return nil
}

// HandleAction is unused for realtime play; inputs arrive via BufferInput.
// It exists so the arena satisfies the base capability.
func (a *ArenaEngine) HandleAction(playerID string, action game.Action) game.Result {
	a.BufferInput(playerID, map[string]any{"type": action.Type, "payload": action.Payload})
	return game.Result{Success: true, State: a.State()}
}

func (a *ArenaEngine) BufferInput(playerID string, input map[string]any) {
	a.inputs = append(a.inputs, bufferedInput{playerID: playerID, data: input, at: time.Now()})
}

// Tick drains the input buffer in arrival order, then advances respawn
// clocks.
func (a *ArenaEngine) Tick() {
	inputs := a.inputs
	a.inputs = nil
	for _, in := range inputs {
		a.applyInput(in)
	}
	for _, f := range a.fighters {
		if !f.alive && f.respawnTicks > 0 {
			f.respawnTicks--
		}
	}
}

func (a *ArenaEngine) applyInput(in bufferedInput) {
	f, ok := a.fighters[in.playerID]
	if !ok || a.over {
		return
	}
	t, _ := in.data["type"].(string)
	payload, _ := in.data["payload"].(map[string]any)
	if payload == nil {
		payload = in.data
	}
	switch t {
	case "move":
		a.applyMove(f, payload, in.at)
	case "shoot":
		// Shots are cosmetic server-side; damage only happens on hit
		// resolution against real positions.
	case "hit":
		a.applyHit(f, payload)
	case "respawn":
		if !f.alive && f.respawnTicks <= 0 {
			f.alive = true
			f.hp = arenaMaxHP
			f.x, f.y = f.spawnX, f.spawnY
		}
	}
}

func (a *ArenaEngine) applyMove(f *fighter, payload map[string]any, at time.Time) {
	if !f.alive {
		return
	}
	x := numF(payload["x"])
	y := numF(payload["y"])
	x, y = a.bounds.Clamp(x, y)

	dt := 0.0
	if !f.lastMoveAt.IsZero() {
		dt = at.Sub(f.lastMoveAt).Seconds()
	}
	if speedExceeded(f.x, f.y, x, y, dt, a.maxSpeed) {
		// Teleport attempt; position stands, clock advances.
		f.lastMoveAt = at
		return
	}
	f.x, f.y = x, y
	f.lastMoveAt = at
}

func (a *ArenaEngine) applyHit(attacker *fighter, payload map[string]any) {
	if !attacker.alive {
		return
	}
	targetID, _ := payload["targetId"].(string)
	target, ok := a.fighters[targetID]
	if !ok || !target.alive || target == attacker {
		return
	}
	weaponName, _ := payload["weapon"].(string)
	weapon, ok := a.weapons[weaponName]
	if !ok {
		weapon = a.weapons["blaster"]
	}

	dmg, connects := weapon.DamageAt(distance(attacker.x, attacker.y, target.x, target.y))
	if !connects {
		return
	}
	target.hp -= dmg
	if target.hp <= 0 {
		target.hp = 0
		target.alive = false
		target.deaths++
		target.respawnTicks = a.respawn
		attacker.kills++
		if attacker.kills >= arenaKillTarget {
			a.over = true
			a.winner = attacker.id
		}
	}
}

func (a *ArenaEngine) State() store.GameState {
	phase := store.PhasePlaying
	if a.over {
		phase = store.PhaseEnded
	}
	return store.GameState{Phase: phase, Data: a.stateData()}
}

func (a *ArenaEngine) stateData() map[string]any {
	fighters := map[string]any{}
	for id, f := range a.fighters {
		fighters[id] = map[string]any{
			"x":      f.x,
			"y":      f.y,
			"hp":     f.hp,
			"kills":  f.kills,
			"deaths": f.deaths,
			"alive":  f.alive,
		}
	}
	matchState := "playing"
	if a.over {
		matchState = "ended"
	}
	return map[string]any{
		"players":    a.players,
		"fighters":   fighters,
		"matchState": matchState,
	}
}

// StateForPlayer returns the full state; arena positions are public.
func (a *ArenaEngine) StateForPlayer(string) store.GameState { return a.State() }

func (a *ArenaEngine) IsGameOver() bool { return a.over }
func (a *ArenaEngine) Winner() string   { return a.winner }

func (a *ArenaEngine) Scores() map[string]int {
	scores := map[string]int{}
	for id, f := range a.fighters {
		scores[id] = f.kills
	}
	return scores
}

// ComputeDelta diffs per-fighter sub-maps so a lone position change does
// not resend every fighter.
func (a *ArenaEngine) ComputeDelta(prev, cur map[string]any) map[string]any {
	changes := map[string]any{}
	prevFighters, _ := prev["fighters"].(map[string]any)
	curFighters, _ := cur["fighters"].(map[string]any)

	fighterChanges := map[string]any{}
	for id, curF := range curFighters {
		prevF, _ := prevFighters[id].(map[string]any)
		curMap, _ := curF.(map[string]any)
		if prevF == nil {
			fighterChanges[id] = curMap
			continue
		}
		if diff := game.Diff(prevF, curMap); len(diff) > 0 {
			fighterChanges[id] = diff
		}
	}
	if len(fighterChanges) > 0 {
		changes["fighters"] = fighterChanges
	}
	if prev["matchState"] != cur["matchState"] {
		changes["matchState"] = cur["matchState"]
	}
	return changes
}

func (a *ArenaEngine) TickRate() int { return a.tickRate }

func numF(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
