package realtime

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MadushanIlangakoon/nibm-research-backend/internal/models"
	"github.com/MadushanIlangakoon/nibm-research-backend/internal/negotiation"
	"github.com/MadushanIlangakoon/nibm-research-backend/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SessionResolver looks up the live coordinator for a session.
type SessionResolver interface {
	Get(sessionID uuid.UUID) *session.Coordinator
}

// Client represents a single WebSocket connection of one participant.
type Client struct {
	// TransportID identifies this connection; the participant identity
	// outlives it across reconnects.
	TransportID   string
	SessionID     uuid.UUID
	ParticipantID uuid.UUID
	DisplayName   string
	Role          string
	hub           *Hub
	coord         *session.Coordinator
	conn          *websocket.Conn
	send          chan WSMessage
	logger        *zap.Logger
}

// ServeWs handles the WebSocket upgrade, joins the participant to the
// session, and runs the client loop. Joining replies with the current
// membership list and broadcasts the newcomer to existing members.
func ServeWs(hub *Hub, sessions SessionResolver, logger *zap.Logger, jwtValidate func(token string) (userID uuid.UUID, name, role string, err error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionIDStr := c.Query("session_id")
		token := c.Query("token")
		if sessionIDStr == "" || token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session_id and token required"})
			return
		}
		sessionID, err := uuid.Parse(sessionIDStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session_id"})
			return
		}
		userID, name, _, err := jwtValidate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		coord := sessions.Get(sessionID)
		if coord == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not active"})
			return
		}

		role := models.RoleViewer
		if userID == coord.PresenterID() {
			role = models.RolePresenter
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			TransportID:   uuid.New().String(),
			SessionID:     sessionID,
			ParticipantID: userID,
			DisplayName:   name,
			Role:          role,
			hub:           hub,
			coord:         coord,
			conn:          conn,
			send:          make(chan WSMessage, 256),
			logger:        logger,
		}
		hub.Register(client)
		coord.Join(models.Participant{
			ID:          userID,
			DisplayName: name,
			Role:        role,
			JoinedAt:    time.Now(),
		}, client.TransportID)
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		// leave is committed only after the grace period without a reconnect
		c.coord.Disconnect(c.ParticipantID, c.TransportID)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(1 << 20) // viewer frames are base64 JPEG snapshots
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		switch msg.Event {
		case "negotiation_payload":
			var payload struct {
				To   uuid.UUID       `json:"to"`
				Kind string          `json:"kind"`
				Body json.RawMessage `json:"payload"`
			}
			if err := json.Unmarshal(msg.Data, &payload); err == nil && payload.To != uuid.Nil {
				c.coord.Negotiate(c.ParticipantID, payload.To, negotiation.PayloadKind(payload.Kind), payload.Body)
			}
		case "viewer_frame":
			// presenter pushes the latest rendered snapshot of a viewer tile
			if c.Role != models.RolePresenter {
				break
			}
			var payload struct {
				ParticipantID uuid.UUID `json:"participant_id"`
				Image         string    `json:"image"`
				Width         int       `json:"width"`
				Height        int       `json:"height"`
			}
			if err := json.Unmarshal(msg.Data, &payload); err == nil && payload.ParticipantID != uuid.Nil {
				if data, err := base64.StdEncoding.DecodeString(payload.Image); err == nil {
					c.coord.ViewerFrame(payload.ParticipantID, data, payload.Width, payload.Height)
				}
			}
		case "inference_sample":
			// immediate sample request, bypassing the sampler cadence
			if c.Role != models.RolePresenter {
				break
			}
			var payload struct {
				ParticipantID uuid.UUID `json:"participant_id"`
				Image         string    `json:"image"`
			}
			if err := json.Unmarshal(msg.Data, &payload); err == nil && payload.ParticipantID != uuid.Nil {
				if data, err := base64.StdEncoding.DecodeString(payload.Image); err == nil {
					c.coord.SampleRequest(payload.ParticipantID, data, time.Now())
				}
			}
		case "end_session":
			if c.Role == models.RolePresenter {
				c.coord.End(time.Now())
			}
		default:
			// ignore
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
