package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/prismdev/prism/internal/conversation"
	"github.com/prismdev/prism/internal/metrics"
	"github.com/prismdev/prism/internal/relay"
)

// WebSocketMessage is the frame envelope in both directions. MessageID is
// echoed back so the extension can correlate responses with requests.
type WebSocketMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
}

// wsConn serializes writes: the dripper goroutine emits processing frames
// while the read loop goroutine writes the final response.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(msgType, messageID string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(WebSocketMessage{
		Type:      msgType,
		Data:      payload,
		MessageID: messageID,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.requestLogger(r).Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	metrics.ActiveWebSockets.Inc()
	defer metrics.ActiveWebSockets.Dec()

	c := &wsConn{conn: conn}
	user := s.userID(r)
	log := s.requestLogger(r)

	for {
		var msg WebSocketMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		metrics.WebSocketMessages.WithLabelValues(msg.Type).Inc()

		switch msg.Type {
		case "ping":
			_ = c.send("pong", msg.MessageID, map[string]int64{
				"timestamp": time.Now().UnixMilli(),
			})

		case "session_create":
			s.wsCreateSession(r, c, msg.MessageID, user)

		case "chat":
			s.wsChat(r, c, msg, user, log)

		default:
			_ = c.send("error", msg.MessageID, map[string]string{
				"error": "unknown message type: " + msg.Type,
			})
		}
	}
}

func (s *Server) wsCreateSession(r *http.Request, c *wsConn, messageID, user string) {
	session, err := s.svc.CreateSession(r.Context(), user)
	if err != nil {
		_ = c.send("error", messageID, map[string]string{"error": "session creation failed"})
		return
	}
	_ = c.send("session_created", messageID, sessionResponse{
		SessionID: session.ID,
		Title:     session.Title,
		Phase:     string(session.Phase),
	})
}

type wsChatData struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

type wsDelta struct {
	Delta string `json:"delta"`
}

// wsChat runs one chat turn over the socket. Model deltas pass through a
// dripper so the extension renders a steady character feed, then the
// persisted reply follows as a single chat_response frame.
func (s *Server) wsChat(r *http.Request, c *wsConn, msg WebSocketMessage, user string, log *zap.Logger) {
	var data wsChatData
	if err := json.Unmarshal(msg.Data, &data); err != nil || data.Message == "" {
		_ = c.send("error", msg.MessageID, map[string]string{"error": "message is required"})
		return
	}

	ctx := r.Context()
	sessionID := data.SessionID
	if sessionID == "" {
		session, err := s.svc.CreateSession(ctx, user)
		if err != nil {
			_ = c.send("error", msg.MessageID, map[string]string{"error": "session creation failed"})
			return
		}
		sessionID = session.ID
		_ = c.send("session_created", msg.MessageID, sessionResponse{
			SessionID: session.ID,
			Title:     session.Title,
			Phase:     string(session.Phase),
		})
	} else {
		owner, err := s.svc.SessionOwner(ctx, sessionID)
		if errors.Is(err, conversation.ErrSessionNotFound) {
			_ = c.send("error", msg.MessageID, map[string]string{"error": "session not found"})
			return
		}
		if err != nil {
			_ = c.send("error", msg.MessageID, map[string]string{"error": "internal error"})
			return
		}
		effective := user
		if effective == "" {
			effective = "anonymous"
		}
		if owner != effective {
			_ = c.send("error", msg.MessageID, map[string]string{"error": "session belongs to another user"})
			return
		}
	}

	// The dripper (and its ticker goroutine) starts on the first delta, so
	// canned replies that never stream cost nothing.
	var drip *relay.Dripper

	reply, err := s.svc.ProcessMessageStream(ctx, sessionID, data.Message, func(delta string) error {
		if drip == nil {
			drip = relay.NewDripper(s.dripInterval, func(chunk string) error {
				return c.send("processing", msg.MessageID, wsDelta{Delta: chunk})
			})
		}
		drip.Append(delta)
		return nil
	})
	if err != nil {
		if drip != nil {
			drip.Close()
		}
		log.Error("websocket chat failed",
			zap.String("session_id", sessionID), zap.Error(err))
		_ = c.send("error", msg.MessageID, map[string]string{"error": "message processing failed"})
		return
	}

	// Drain the remaining buffered characters before the final frame so the
	// feed never jumps backwards.
	if drip != nil {
		if err := drip.Finish(ctx); err != nil {
			log.Warn("delta relay interrupted",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	_ = c.send("chat_response", msg.MessageID, chatResponse{
		SessionID: sessionID,
		Message:   toMessageResponse(reply),
	})
}
