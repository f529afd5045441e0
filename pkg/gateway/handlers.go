package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/labstack/echo/v4"

	"github.com/swparkaust/chat-with-ai/pkg/bus"
	"github.com/swparkaust/chat-with-ai/pkg/logger"
	"github.com/swparkaust/chat-with-ai/pkg/messaging"
	"github.com/swparkaust/chat-with-ai/pkg/store"
)

type messageJSON struct {
	ID            string `json:"id"`
	Sender        string `json:"sender"`
	Content       string `json:"content"`
	CreatedAtMS   int64  `json:"created_at_ms"`
	ReadAtMS      int64  `json:"read_at_ms,omitempty"`
	IsFragment    bool   `json:"is_fragment,omitempty"`
	FragmentIndex int    `json:"fragment_index,omitempty"`
}

func toMessageJSON(m store.Message) messageJSON {
	return messageJSON{
		ID:            m.ID,
		Sender:        string(m.Sender),
		Content:       m.Content,
		CreatedAtMS:   m.CreatedAtMS,
		ReadAtMS:      m.ReadAtMS,
		IsFragment:    m.IsFragment,
		FragmentIndex: m.FragmentIndex,
	}
}

func errorJSON(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) ready(c echo.Context) error {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(c.Request().Context()); err != nil {
			logger.WarnCF("gateway", "Readiness check failed", map[string]interface{}{"error": err.Error()})
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

// openConversation returns the participant's conversation with the active
// persona, creating it (and scheduling a first decision) when needed.
// POST /conversations
func (s *Server) openConversation(c echo.Context) error {
	var req struct {
		ParticipantID string `json:"participant_id"`
	}
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	req.ParticipantID = strings.TrimSpace(req.ParticipantID)
	if req.ParticipantID == "" {
		return errorJSON(c, http.StatusBadRequest, "participant_id required")
	}

	ctx := c.Request().Context()
	persona, err := s.deps.Store.ActivePersona(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return errorJSON(c, http.StatusServiceUnavailable, "no active persona")
	}
	if err != nil {
		return s.internalError(c, "Active persona lookup failed", err)
	}
	conv, created, err := s.deps.Store.GetOrCreateConversation(ctx, req.ParticipantID, persona.ID)
	if err != nil {
		return s.internalError(c, "Conversation open failed", err)
	}
	if created {
		s.decide(ctx, conv.ID)
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, map[string]interface{}{
		"id":             conv.ID,
		"participant_id": conv.ParticipantID,
		"persona_id":     conv.PersonaID,
		"persona_name":   persona.FullName(),
		"active":         conv.Active,
	})
}

// GET /conversations/:id/messages?limit=
func (s *Server) listMessages(c echo.Context) error {
	limit := defaultPageSize
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 {
			limit = min(val, maxPageSize)
		}
	}
	ctx := c.Request().Context()
	if _, err := s.conversation(ctx, c.Param("id")); err != nil {
		return s.lookupError(c, err)
	}
	messages, err := s.deps.Store.ListRecentMessages(ctx, c.Param("id"), limit)
	if err != nil {
		return s.internalError(c, "Message list failed", err)
	}
	out := make([]messageJSON, 0, len(messages))
	for _, m := range messages {
		out = append(out, toMessageJSON(m))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"messages": out})
}

// postMessage is the human write path: persist, broadcast, then let the
// scheduler decide.
// POST /conversations/:id/messages
func (s *Server) postMessage(c echo.Context) error {
	var req struct {
		Content string `json:"content"`
	}
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return errorJSON(c, http.StatusBadRequest, "content required")
	}
	if utf8.RuneCountInString(content) > maxContentLength {
		return errorJSON(c, http.StatusBadRequest, "message too long (max "+strconv.Itoa(maxContentLength)+" characters)")
	}

	ctx := c.Request().Context()
	id := c.Param("id")
	msg, err := s.deps.Store.AppendMessage(ctx, store.Message{ConversationID: id, Sender: store.SenderHuman, Content: content})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return errorJSON(c, http.StatusNotFound, "conversation not found")
	case errors.Is(err, store.ErrConversationInactive):
		return errorJSON(c, http.StatusForbidden, "conversation is not active")
	case err != nil:
		return s.internalError(c, "Message append failed", err)
	}

	if s.deps.Bus != nil {
		s.deps.Bus.Publish(id, bus.Event{
			Type: bus.EventMessage,
			Message: &bus.MessagePayload{
				ID:          msg.ID,
				Sender:      string(msg.Sender),
				Content:     msg.Content,
				CreatedAtMS: msg.CreatedAtMS,
			},
		})
	}
	s.decide(ctx, id)

	return c.JSON(http.StatusCreated, map[string]interface{}{"message": toMessageJSON(msg)})
}

// markRead is focus-gated: nothing is marked unless the participant's view
// is focused.
// POST /conversations/:id/read
func (s *Server) markRead(c echo.Context) error {
	var req struct {
		MessageIDs []string `json:"message_ids"`
	}
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	ids := sanitizeIDs(req.MessageIDs)
	if len(ids) == 0 || len(req.MessageIDs) > maxReadIDs {
		return errorJSON(c, http.StatusBadRequest, "invalid or empty message_ids")
	}

	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := s.conversation(ctx, id); err != nil {
		return s.lookupError(c, err)
	}
	marked, err := s.deps.Receipts.MarkRead(ctx, id, ids, false)
	if err != nil {
		return s.internalError(c, "Mark read failed", err)
	}
	return c.JSON(http.StatusOK, map[string]int{"marked_count": len(marked)})
}

// PUT /conversations/:id/presence
func (s *Server) updatePresence(c echo.Context) error {
	var req struct {
		Focused        *bool `json:"focused"`
		ScrollPosition *int  `json:"scroll_position"`
	}
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	id := c.Param("id")
	if _, err := s.deps.Store.GetConversation(c.Request().Context(), id); err != nil {
		return s.lookupError(c, err)
	}
	state := s.applyPresence(id, req.Focused, req.ScrollPosition)
	return c.JSON(http.StatusOK, state)
}

func (s *Server) applyPresence(conversationID string, focused *bool, scroll *int) messaging.ViewState {
	state := s.deps.Presence.Get(conversationID)
	if focused != nil {
		state.Focused = *focused
	}
	if scroll != nil {
		state.ScrollPosition = max(0, min(*scroll, maxScroll))
	}
	s.deps.Presence.Set(conversationID, state)
	return state
}

// conversation loads an active conversation.
func (s *Server) conversation(ctx context.Context, id string) (store.Conversation, error) {
	conv, err := s.deps.Store.GetConversation(ctx, id)
	if err != nil {
		return store.Conversation{}, err
	}
	if !conv.Active {
		return store.Conversation{}, store.ErrConversationInactive
	}
	return conv, nil
}

func (s *Server) lookupError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return errorJSON(c, http.StatusNotFound, "conversation not found")
	case errors.Is(err, store.ErrConversationInactive):
		return errorJSON(c, http.StatusForbidden, "conversation is not active")
	default:
		return s.internalError(c, "Conversation lookup failed", err)
	}
}

// internalError logs err and hides it from the participant.
func (s *Server) internalError(c echo.Context, msg string, err error) error {
	logger.ErrorCF("gateway", msg, map[string]interface{}{
		"path":  c.Path(),
		"id":    c.Param("id"),
		"error": err.Error(),
	})
	return errorJSON(c, http.StatusInternalServerError, "internal error")
}

func (s *Server) decide(ctx context.Context, conversationID string) {
	if s.deps.Queue == nil {
		return
	}
	if err := s.deps.Queue.DecideNow(context.WithoutCancel(ctx), conversationID); err != nil {
		logger.ErrorCF("gateway", "Decision enqueue failed", map[string]interface{}{
			"conversation_id": conversationID,
			"error":           err.Error(),
		})
	}
}

func sanitizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
