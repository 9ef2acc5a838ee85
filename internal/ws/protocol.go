package ws

import "encoding/json"

// Envelope is the wire frame in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func encode(msgType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

type JoinQueuePayload struct {
	GameID   string `json:"gameId"`
	PlayerID string `json:"playerId"`
}

type LeaveQueuePayload struct {
	PlayerID string `json:"playerId,omitempty"`
}

type GameActionPayload struct {
	SessionID string         `json:"sessionId,omitempty"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"payload,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

type ReadyPayload struct {
	SessionID string `json:"sessionId,omitempty"`
}

type SpectatePayload struct {
	SessionID string `json:"sessionId,omitempty"`
	ChannelID string `json:"channelId,omitempty"`
}

type RejoinPayload struct {
	SessionID string `json:"sessionId"`
	PlayerID  string `json:"playerId"`
}

type QueueJoinedPayload struct {
	GameID     string `json:"gameId"`
	Position   int64  `json:"position"`
	MaxPlayers int    `json:"maxPlayers"`
}

type QueueUpdatePayload struct {
	GameID  string `json:"gameId"`
	Waiting int64  `json:"waiting"`
}

type SessionStartPayload struct {
	SessionID   string         `json:"sessionId"`
	GameID      string         `json:"gameId"`
	Players     []string       `json:"players"`
	State       map[string]any `json:"state"`
	CurrentTurn int            `json:"currentTurn"`
	Realtime    bool           `json:"realtime,omitempty"`
}

type PlayerPresencePayload struct {
	SessionID string `json:"sessionId"`
	PlayerID  string `json:"playerId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type RejectedPayload struct {
	SessionID string `json:"sessionId,omitempty"`
	Reason    string `json:"reason"`
}
