package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/swparkaust/chat-with-ai/pkg/bus"
	"github.com/swparkaust/chat-with-ai/pkg/logger"
)

// clientFrame is what a websocket client may send.
type clientFrame struct {
	Type           string   `json:"type"`
	Focused        *bool    `json:"focused,omitempty"`
	ScrollPosition *int     `json:"scroll_position,omitempty"`
	MessageIDs     []string `json:"message_ids,omitempty"`
}

const (
	frameUpdateFocus = "update_focus"
	frameMarkAsRead  = "mark_as_read"
)

// stream relays the conversation's bus events, plus app-level ones, to a
// websocket client.
// GET /ws/conversations/:id
func (s *Server) stream(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()
	if _, err := s.deps.Store.GetConversation(ctx, id); err != nil {
		return s.lookupError(c, err)
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.WarnCF("gateway", "Websocket upgrade failed", map[string]interface{}{
			"conversation_id": id,
			"error":           err.Error(),
		})
		return nil
	}
	s.streams.Add(1)
	defer s.streams.Done()

	sub := s.deps.Bus.Subscribe(bus.AllConversations)
	defer sub.Cancel()

	logger.InfoCF("gateway", "Stream opened", map[string]interface{}{"conversation_id": id})
	writerDone := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(ws, sub, id, readerDone)
	}()
	s.readPump(context.WithoutCancel(ctx), ws, id)
	close(readerDone)
	<-writerDone
	_ = ws.Close()
	logger.InfoCF("gateway", "Stream closed", map[string]interface{}{"conversation_id": id})
	return nil
}

func relevant(ev bus.Event, conversationID string) bool {
	return ev.ConversationID == conversationID || ev.Type == bus.EventSeasonRotated
}

func (s *Server) writePump(ws *websocket.Conn, sub *bus.Subscription, conversationID string, readerDone <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		// Unblocks the reader when the writer stops first.
		_ = ws.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				s.writeClose(ws)
				return
			}
			if !relevant(ev, conversationID) {
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := ws.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closing:
			s.writeClose(ws)
			return
		case <-readerDone:
			return
		}
	}
}

func (s *Server) writeClose(ws *websocket.Conn) {
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
		time.Now().Add(s.cfg.WriteTimeout))
}

func (s *Server) readPump(ctx context.Context, ws *websocket.Conn, conversationID string) {
	ws.SetReadLimit(s.cfg.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.WarnCF("gateway", "Websocket read failed", map[string]interface{}{
					"conversation_id": conversationID,
					"error":           err.Error(),
				})
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.handleFrame(ctx, conversationID, data)
	}
}

func (s *Server) handleFrame(ctx context.Context, conversationID string, data []byte) {
	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		logger.DebugCF("gateway", "Ignoring malformed frame", map[string]interface{}{
			"conversation_id": conversationID,
			"bytes":           len(data),
		})
		return
	}
	switch f.Type {
	case frameUpdateFocus:
		s.applyPresence(conversationID, f.Focused, f.ScrollPosition)
	case frameMarkAsRead:
		ids := sanitizeIDs(f.MessageIDs)
		if len(ids) == 0 || len(f.MessageIDs) > maxReadIDs {
			return
		}
		if _, err := s.deps.Receipts.MarkRead(ctx, conversationID, ids, false); err != nil {
			logger.ErrorCF("gateway", "Mark read failed", map[string]interface{}{
				"conversation_id": conversationID,
				"error":           err.Error(),
			})
		}
	default:
		logger.DebugCF("gateway", "Ignoring unknown frame", map[string]interface{}{
			"conversation_id": conversationID,
			"type":            f.Type,
		})
	}
}
