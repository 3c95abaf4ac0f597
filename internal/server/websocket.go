package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"coedit/internal/hub"
	"coedit/internal/ledger"
)

// Frame is the WebSocket wire unit. Action doubles as the routing header;
// headers carry request metadata on inbound frames.
type Frame struct {
	Action  string            `json:"action"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

// Inbound frame actions.
const (
	frameInit      = "init"
	frameHeartbeat = "heartbeat"
)

// initReply is the payload answering an init frame.
type initReply struct {
	ConnectionID string                `json:"connectionId"`
	Users        []ledger.SessionRecord `json:"users"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsClient is one connected editor. Writes are serialized with a mutex
// because the hub delivers on publisher goroutines.
type wsClient struct {
	conn      *websocket.Conn
	sessionID string
	userName  string
	docID     string
	mutex     sync.Mutex
	closed    bool
}

// send writes a frame, dropping it silently once the connection closed.
func (c *wsClient) send(frame Frame) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return nil
	}
	return c.conn.WriteJSON(frame)
}

// close shuts the connection down once.
func (c *wsClient) close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.conn.Close()
}

// handleWebSocket handles GET /ws: upgrade, wait for the init frame, join
// the document, then fan events out until the peer disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	var init Frame
	if err := conn.ReadJSON(&init); err != nil || init.Action != frameInit {
		conn.Close()
		return
	}
	docID := init.Headers["x-file-id"]
	userName := init.Headers["x-user-name"]
	if userName == "" {
		userName = "anonymous"
	}
	if _, err := uuid.Parse(docID); err != nil {
		conn.WriteJSON(Frame{Action: "error", Payload: json.RawMessage(`"invalid x-file-id"`)})
		conn.Close()
		return
	}

	sessionID, users, err := s.registry.Join(r.Context(), docID, userName)
	if err != nil {
		s.logger.Error("Failed to join session",
			zap.String("document_id", docID),
			zap.String("user_name", userName),
			zap.Error(err))
		conn.Close()
		return
	}

	client := &wsClient{
		conn:      conn,
		sessionID: sessionID,
		userName:  userName,
		docID:     docID,
	}

	// Subscribe before replying so nothing published after the join can
	// slip past this connection.
	if err := s.hub.Subscribe(docID, sessionID, func(event hub.Event) error {
		return client.send(frameFor(event))
	}); err != nil {
		s.logger.Error("Failed to subscribe session",
			zap.String("session_id", sessionID),
			zap.Error(err))
		client.close()
		return
	}

	payload, _ := json.Marshal(initReply{ConnectionID: sessionID, Users: users})
	if err := client.send(Frame{Action: frameInit, Payload: payload}); err != nil {
		s.logger.Warn("Failed to send init reply",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	s.logger.Info("WebSocket session opened",
		zap.String("document_id", docID),
		zap.String("session_id", sessionID),
		zap.String("user_name", userName))

	go s.receiveLoop(client)
}

// receiveLoop consumes inbound frames until the peer disconnects, then
// tears the session down.
func (s *Server) receiveLoop(client *wsClient) {
	defer func() {
		s.hub.Unsubscribe(client.docID, client.sessionID)
		client.close()

		ctx, cancel := contextWithTeardownTimeout()
		defer cancel()
		if err := s.registry.Leave(ctx, client.sessionID); err != nil {
			s.logger.Error("Failed to remove session on disconnect",
				zap.String("session_id", client.sessionID),
				zap.Error(err))
		}
	}()

	for {
		var frame Frame
		if err := client.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("WebSocket read error",
					zap.String("session_id", client.sessionID),
					zap.Error(err))
			}
			return
		}

		if frame.Action == frameHeartbeat {
			ctx, cancel := contextWithTeardownTimeout()
			err := s.registry.Touch(ctx, client.docID, client.userName, ledger.Touch{Heartbeat: true})
			cancel()
			if err != nil {
				s.logger.Warn("Failed to touch session on heartbeat",
					zap.String("session_id", client.sessionID),
					zap.Error(err))
			}
		}
	}
}

// contextWithTeardownTimeout bounds registry calls that run after the
// request context is gone.
func contextWithTeardownTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// frameFor converts a hub event into its outbound frame. The event type is
// the action header the client routes on.
func frameFor(event hub.Event) Frame {
	frame := Frame{Action: string(event.Type)}
	switch event.Type {
	case hub.EventOpCommitted:
		frame.Payload, _ = json.Marshal(event.Action)
	case hub.EventUserJoined:
		frame.Payload, _ = json.Marshal(event.Users)
	case hub.EventUserLeft:
		frame.Payload, _ = json.Marshal(event.SessionID)
	}
	return frame
}
