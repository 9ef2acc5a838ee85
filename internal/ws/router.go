package ws

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const sendBuffer = 32

// Client is one websocket connection. Identity (playerID) attaches on the
// first join_queue or rejoin; the zero value is an anonymous socket.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan []byte

	mu         sync.Mutex
	playerID   string
	sessionID  string
	queuedGame string
	closed     bool
}

func (c *Client) PlayerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playerID
}

func (c *Client) setPlayerID(id string) {
	c.mu.Lock()
	c.playerID = id
	c.mu.Unlock()
}

func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) QueuedGame() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queuedGame
}

// deliver is best-effort: a full or closed send buffer drops the frame
// rather than blocking the broadcast path.
func (c *Client) deliver(msg []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		log.Debug().Str("conn_id", c.ID).Msg("send buffer full, frame dropped")
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Router is the local connection registry. It is never the source of
// truth for membership; the shared store is. It only answers "which of
// this process's sockets should hear this message".
type Router struct {
	mu        sync.Mutex
	clients   map[string]*Client
	byPlayer  map[string]*Client
	bySession map[string]map[*Client]bool
	byQueue   map[string]map[*Client]bool
	byChannel map[string]map[*Client]bool
}

func NewRouter() *Router {
	return &Router{
		clients:   map[string]*Client{},
		byPlayer:  map[string]*Client{},
		bySession: map[string]map[*Client]bool{},
		byQueue:   map[string]map[*Client]bool{},
		byChannel: map[string]map[*Client]bool{},
	}
}

func (r *Router) register(conn *websocket.Conn, id string) *Client {
	c := &Client{ID: id, conn: conn, send: make(chan []byte, sendBuffer)}
	r.mu.Lock()
	r.clients[id] = c
	r.mu.Unlock()
	return c
}

func (r *Router) client(id string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients[id]
}

// identify replaces any previous socket for the player. The old socket is
// closed; one player, one connection.
func (r *Router) identify(c *Client, playerID string) *Client {
	c.setPlayerID(playerID)
	r.mu.Lock()
	old := r.byPlayer[playerID]
	r.byPlayer[playerID] = c
	r.mu.Unlock()
	if old != nil && old != c {
		old.close()
		_ = old.conn.Close()
		return old
	}
	return nil
}

func (r *Router) bindSession(c *Client, sessionID string) {
	c.mu.Lock()
	c.sessionID = sessionID
	c.queuedGame = ""
	c.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bySession[sessionID] == nil {
		r.bySession[sessionID] = map[*Client]bool{}
	}
	r.bySession[sessionID][c] = true
	for _, set := range r.byQueue {
		delete(set, c)
	}
}

// watchSession adds a spectator socket to the session's fan-out set
// without making it a participant.
func (r *Router) watchSession(c *Client, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bySession[sessionID] == nil {
		r.bySession[sessionID] = map[*Client]bool{}
	}
	r.bySession[sessionID][c] = true
}

func (r *Router) addQueueWaiter(c *Client, gameID string) {
	c.mu.Lock()
	c.queuedGame = gameID
	c.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byQueue[gameID] == nil {
		r.byQueue[gameID] = map[*Client]bool{}
	}
	r.byQueue[gameID][c] = true
}

func (r *Router) removeQueueWaiter(c *Client) {
	c.mu.Lock()
	c.queuedGame = ""
	c.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, set := range r.byQueue {
		delete(set, c)
	}
}

func (r *Router) joinChannel(c *Client, channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byChannel[channelID] == nil {
		r.byChannel[channelID] = map[*Client]bool{}
	}
	r.byChannel[channelID][c] = true
}

// unbindSession detaches the socket from a session's fan-out set without
// removing the connection itself.
func (r *Router) unbindSession(c *Client, sessionID string) {
	c.mu.Lock()
	if c.sessionID == sessionID {
		c.sessionID = ""
	}
	c.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if set := r.bySession[sessionID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(r.bySession, sessionID)
		}
	}
}

// sessionClients snapshots the fan-out set for a session.
func (r *Router) sessionClients(sessionID string) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.bySession[sessionID]))
	for c := range r.bySession[sessionID] {
		out = append(out, c)
	}
	return out
}

func (r *Router) remove(c *Client) {
	r.mu.Lock()
	delete(r.clients, c.ID)
	if c.PlayerID() != "" && r.byPlayer[c.PlayerID()] == c {
		delete(r.byPlayer, c.PlayerID())
	}
	for id, set := range r.bySession {
		delete(set, c)
		if len(set) == 0 {
			delete(r.bySession, id)
		}
	}
	for _, set := range r.byQueue {
		delete(set, c)
	}
	for _, set := range r.byChannel {
		delete(set, c)
	}
	r.mu.Unlock()
	c.close()
}

// ToSession fans a message out to every local socket bound to or watching
// the session, optionally skipping one player (usually the actor, who got
// a direct reply).
func (r *Router) ToSession(sessionID, msgType string, payload any, excludePlayer string) {
	msg, err := encode(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("encode broadcast failed")
		return
	}
	r.toSessionRaw(sessionID, msg, excludePlayer)
}

func (r *Router) toSessionRaw(sessionID string, msg []byte, excludePlayer string) {
	for _, c := range r.sessionClients(sessionID) {
		if excludePlayer != "" && c.PlayerID() == excludePlayer {
			continue
		}
		c.deliver(msg)
	}
}

func (r *Router) ToPlayer(playerID, msgType string, payload any) {
	r.mu.Lock()
	c := r.byPlayer[playerID]
	r.mu.Unlock()
	if c == nil {
		return
	}
	msg, err := encode(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("encode message failed")
		return
	}
	c.deliver(msg)
}

func (r *Router) ToQueueWaiters(gameID, msgType string, payload any) {
	msg, err := encode(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("encode message failed")
		return
	}
	r.mu.Lock()
	targets := make([]*Client, 0, len(r.byQueue[gameID]))
	for c := range r.byQueue[gameID] {
		targets = append(targets, c)
	}
	r.mu.Unlock()
	for _, c := range targets {
		c.deliver(msg)
	}
}

func (r *Router) ToChannel(channelID, msgType string, payload any) {
	msg, err := encode(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("encode message failed")
		return
	}
	r.mu.Lock()
	targets := make([]*Client, 0, len(r.byChannel[channelID]))
	for c := range r.byChannel[channelID] {
		targets = append(targets, c)
	}
	r.mu.Unlock()
	for _, c := range targets {
		c.deliver(msg)
	}
}
