package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MadushanIlangakoon/nibm-research-backend/internal/session"
)

const (
	// PingInterval and PongWait are used for heartbeat (seconds).
	PingInterval = 30
	PongWait     = 60
)

// RedisPublisher is the interface for publishing to Redis (for cross-instance broadcast).
type RedisPublisher interface {
	PublishSessionEvent(sessionID uuid.UUID, event string, payload []byte) error
}

// RedisSubscriber subscribes to session channels and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeSession(sessionID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub maintains session_id -> connected participants and delivers signaling
// messages. Uses Redis pub/sub for horizontal scaling: local broadcast +
// publish to Redis.
type Hub struct {
	// sessionID -> participantID -> client. Keyed by the stable participant
	// identity so a reconnect replaces the old binding instead of producing
	// a ghost duplicate.
	sessions map[uuid.UUID]map[uuid.UUID]*Client
	subs     map[uuid.UUID]func() // cancel Redis subscription per session
	mu       sync.RWMutex
	logger   *zap.Logger
	redis    RedisPublisher
	redisSub RedisSubscriber
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	return &Hub{
		sessions: make(map[uuid.UUID]map[uuid.UUID]*Client),
		subs:     make(map[uuid.UUID]func()),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
	}
}

// Register binds a client to its session under the participant identity.
// Starts the Redis subscription for the session on first client. A previous
// binding for the same identity is superseded (its socket dies on its own).
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.sessions[c.SessionID] == nil {
		h.sessions[c.SessionID] = make(map[uuid.UUID]*Client)
		if h.redisSub != nil {
			cancel, err := h.redisSub.SubscribeSession(c.SessionID, func(event string, payload []byte) {
				h.broadcastLocal(c.SessionID, event, json.RawMessage(payload))
			})
			if err == nil {
				h.subs[c.SessionID] = cancel
			}
		}
	}
	h.sessions[c.SessionID][c.ParticipantID] = c
	h.mu.Unlock()
	h.logger.Debug("client bound",
		zap.String("participant_id", c.ParticipantID.String()),
		zap.String("session_id", c.SessionID.String()))
}

// Unregister removes a client binding if it still owns it (a reconnect may
// already have replaced it). Cancels the Redis subscription when the last
// client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.sessions[c.SessionID]; ok {
		if cur, ok := m[c.ParticipantID]; ok && cur == c {
			delete(m, c.ParticipantID)
		}
		if len(m) == 0 {
			delete(h.sessions, c.SessionID)
			if cancel, ok := h.subs[c.SessionID]; ok {
				cancel()
				delete(h.subs, c.SessionID)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("client unbound",
		zap.String("participant_id", c.ParticipantID.String()),
		zap.String("session_id", c.SessionID.String()))
}

// broadcastLocal sends a message to all clients of a session on this
// instance only.
func (h *Hub) broadcastLocal(sessionID uuid.UUID, event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		data, _ = json.Marshal(payload)
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	clients := h.sessions[sessionID]
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// Broadcast sends to local clients and publishes to Redis for other instances.
func (h *Hub) Broadcast(sessionID uuid.UUID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.broadcastLocal(sessionID, event, data)
	if h.redis != nil {
		_ = h.redis.PublishSessionEvent(sessionID, event, data)
	}
}

// SendTo sends a message to a single participant's connection.
func (h *Hub) SendTo(sessionID, participantID uuid.UUID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	msg := WSMessage{Event: event, Data: data}
	h.mu.RLock()
	c := h.sessions[sessionID][participantID]
	h.mu.RUnlock()
	if c == nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// ConnectedCount returns the number of bound clients in a session.
func (h *Hub) ConnectedCount(sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// TransportFor adapts the hub into the coordinator's Transport, scoped to
// one session.
func (h *Hub) TransportFor(sessionID uuid.UUID) session.Transport {
	return &sessionTransport{hub: h, sessionID: sessionID}
}

type sessionTransport struct {
	hub       *Hub
	sessionID uuid.UUID
}

func (t *sessionTransport) Broadcast(event string, payload interface{}) {
	t.hub.Broadcast(t.sessionID, event, payload)
}

func (t *sessionTransport) SendTo(participantID uuid.UUID, event string, payload interface{}) {
	t.hub.SendTo(t.sessionID, participantID, event, payload)
}
