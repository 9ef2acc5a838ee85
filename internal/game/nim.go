package game

import (
	"errors"
	"fmt"

	"moltblox/internal/store"
)

const (
	nimStartSticks = 21
	nimMaxTake     = 3
)

// Nim is the turn-based reference title: players alternate taking 1-3
// sticks from a shared pile; whoever takes the last stick wins.
type Nim struct {
	players []string
	sticks  int
	turnIdx int
	winner  string
	over    bool
}

func NewNim() Engine { return &Nim{} }

func NimTitle() Title {
	return Title{
		ID:         "nim",
		Name:       "Nim",
		MaxPlayers: 2,
		Published:  true,
		New:        NewNim,
		TemplateData: func(playerIDs []string) map[string]any {
			return map[string]any{
				"players":          playerIDs,
				"sticks":           nimStartSticks,
				"maxTake":          nimMaxTake,
				"currentTurnIndex": 0,
			}
		},
	}
}

func (n *Nim) Initialize(playerIDs []string) error {
	if len(playerIDs) != 2 {
		return errors.New("nim requires exactly 2 players")
	}
	n.players = append([]string{}, playerIDs...)
	n.sticks = nimStartSticks
	n.turnIdx = 0
	n.winner = ""
	n.over = false
	return nil
}

func (n *Nim) Hydrate(state store.GameState) error {
	data := state.Data
	players, _ := data["players"].([]any)
	if players != nil {
		n.players = n.players[:0]
		for _, p := range players {
			if s, ok := p.(string); ok {
				n.players = append(n.players, s)
			}
		}
	}
	if ps, ok := data["players"].([]string); ok {
		n.players = append([]string{}, ps...)
	}
	n.sticks = Num(data["sticks"])
	n.turnIdx = Num(data["currentTurnIndex"])
	if w, ok := data["winner"].(string); ok {
		n.winner = w
	}
	n.over = state.Phase == store.PhaseEnded
	return nil
}

func (n *Nim) HandleAction(playerID string, action Action) Result {
	if n.over {
		return Reject("game is over")
	}
	if action.Type != "take" {
		return Reject(fmt.Sprintf("unknown action %q", action.Type))
	}
	idx := -1
	for i, p := range n.players {
		if p == playerID {
			idx = i
		}
	}
	if idx != n.turnIdx {
		return Reject("not your turn")
	}
	count := Num(action.Payload["count"])
	if count < 1 || count > nimMaxTake {
		return Reject(fmt.Sprintf("take between 1 and %d sticks", nimMaxTake))
	}
	if count > n.sticks {
		return Reject("not enough sticks left")
	}

	n.sticks -= count
	events := []Event{{Type: "sticks_taken", Data: map[string]any{
		"playerId": playerID,
		"count":    count,
		"left":     n.sticks,
	}}}
	if n.sticks == 0 {
		n.winner = playerID
		n.over = true
	} else {
		n.turnIdx = (n.turnIdx + 1) % len(n.players)
	}
	return Result{Success: true, State: n.State(), Events: events}
}

func (n *Nim) State() store.GameState {
	phase := store.PhasePlaying
	if n.over {
		phase = store.PhaseEnded
	}
	data := map[string]any{
		"players":          n.players,
		"sticks":           n.sticks,
		"maxTake":          nimMaxTake,
		"currentTurnIndex": n.turnIdx,
	}
	if n.winner != "" {
		data["winner"] = n.winner
	}
	return store.GameState{Phase: phase, Data: data}
}

// StateForPlayer returns the full state; nim has no hidden information.
func (n *Nim) StateForPlayer(string) store.GameState { return n.State() }

func (n *Nim) IsGameOver() bool { return n.over }
func (n *Nim) Winner() string   { return n.winner }

func (n *Nim) Scores() map[string]int {
	scores := map[string]int{}
	for _, p := range n.players {
		if p == n.winner {
			scores[p] = 1
		} else {
			scores[p] = 0
		}
	}
	return scores
}
