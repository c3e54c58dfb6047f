package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-supportchat/internal/auth"
	"github.com/npezzotti/go-supportchat/internal/database"
	"github.com/npezzotti/go-supportchat/internal/server"
	"github.com/npezzotti/go-supportchat/internal/types"
)

type CreateConversationRequest struct {
	OtherUserId   string     `json:"other_user_id" validate:"required"`
	OtherUserRole types.Role `json:"other_user_role" validate:"required,role"`
}

// SendMessageRequest posts a message as the caller. Sender fields are
// optional and must name the caller when present.
type SendMessageRequest struct {
	SenderId    string     `json:"sender_id"`
	SenderRole  types.Role `json:"sender_role" validate:"omitempty,role"`
	RecipientId string     `json:"recipient_id"`
	Content     string     `json:"content" validate:"required,max=2000"`
}

type MessagePage struct {
	Messages []types.Message `json:"messages"`
	Total    int             `json:"total"`
}

type PresenceResponse struct {
	UserId   string     `json:"user_id"`
	Role     types.Role `json:"role,omitempty"`
	IsOnline bool       `json:"is_online"`
	LastSeen *time.Time `json:"last_seen"`
}

func newPresenceResponse(rec types.PresenceRecord) PresenceResponse {
	resp := PresenceResponse{
		UserId:   rec.UserId,
		Role:     rec.Role,
		IsOnline: rec.IsOnline,
	}
	if !rec.LastSeen.IsZero() {
		seen := rec.LastSeen
		resp.LastSeen = &seen
	}
	return resp
}

func (s *SupportChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *SupportChatApp) writeErr(w http.ResponseWriter, op string, err error) {
	errResp := apiErrorFrom(err)
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Printf("%s: %v", op, err)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *SupportChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.log.Printf("health check: %v", err)
		errResp := NewServiceUnavailableError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *SupportChatApp) session(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, id)
}

func (s *SupportChatApp) createConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.validate.Struct(req); err != nil {
		errResp := newBadRequestErrorWithMessage(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !slices.Contains(id.Role.Counterparts(), req.OtherUserRole) {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	other := types.Participant{UserId: req.OtherUserId, Role: req.OtherUserRole}
	conv, err := s.db.ResolveOrCreateConversation(r.Context(), id.Participant(), other)
	if err != nil {
		s.writeErr(w, "resolve conversation", err)
		return
	}

	s.writeJson(w, http.StatusOK, conv)
}

func (s *SupportChatApp) listConversations(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	convs, err := s.db.ListConversations(r.Context(), id.UserId)
	if err != nil {
		s.writeErr(w, "list conversations", err)
		return
	}

	if convs == nil {
		convs = []types.Conversation{}
	}

	s.writeJson(w, http.StatusOK, convs)
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", database.ErrInvalid, key)
	}
	return n, nil
}

func (s *SupportChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	conversationId := r.PathValue("id")
	conv, err := s.db.GetConversation(r.Context(), conversationId)
	if err != nil {
		s.writeErr(w, "get conversation", err)
		return
	}

	if !conv.HasParticipant(id.UserId) {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeErr(w, "page messages", err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		s.writeErr(w, "page messages", err)
		return
	}

	messages, total, err := s.db.PageMessages(r.Context(), conversationId, limit, offset)
	if err != nil {
		s.writeErr(w, "page messages", err)
		return
	}

	if messages == nil {
		messages = []types.Message{}
	}

	s.writeJson(w, http.StatusOK, MessagePage{Messages: messages, Total: total})
}

func (s *SupportChatApp) sendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.validate.Struct(req); err != nil {
		errResp := newBadRequestErrorWithMessage(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if (req.SenderId != "" && req.SenderId != id.UserId) || (req.SenderRole != "" && req.SenderRole != id.Role) {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	msg, err := s.cs.SendMessage(r.Context(), r.PathValue("id"), id.Participant(), req.RecipientId, req.Content)
	if err != nil {
		s.writeErr(w, "send message", err)
		return
	}

	s.writeJson(w, http.StatusCreated, msg)
}

func (s *SupportChatApp) markRead(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	receipt, err := s.cs.MarkRead(r.Context(), r.PathValue("id"), id.Participant())
	if err != nil {
		s.writeErr(w, "mark read", err)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]int{"updated": receipt.Updated})
}

// getPresence prefers the live registry and falls back to the durable
// record for users who are not connected to this process.
func (s *SupportChatApp) getPresence(w http.ResponseWriter, r *http.Request) {
	userId := r.PathValue("userId")

	if rec, ok := s.cs.Registry().Get(userId); ok && rec.IsOnline {
		s.writeJson(w, http.StatusOK, newPresenceResponse(rec))
		return
	}

	rec, err := s.presence.GetPresence(r.Context(), userId)
	switch {
	case errors.Is(err, database.ErrNotFound):
		s.writeJson(w, http.StatusOK, PresenceResponse{UserId: userId})
		return
	case err != nil:
		s.writeErr(w, "get presence", err)
		return
	}

	// an online durable record without a live connection is left over from a
	// previous process; the sweeper will correct it
	rec.IsOnline = false
	s.writeJson(w, http.StatusOK, newPresenceResponse(rec))
}

// availableUsers lists the identities the given role may open conversations
// with, as far as the presence records know them.
func (s *SupportChatApp) availableUsers(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	role := id.Role
	if q := r.URL.Query().Get("role"); q != "" {
		role = types.Role(q)
	}
	if !role.Valid() {
		errResp := newBadRequestErrorWithMessage(fmt.Errorf("%w: %q", types.ErrInvalidRole, role))
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	records, err := s.presence.ListPresenceByRoles(r.Context(), role.Counterparts())
	if err != nil {
		s.writeErr(w, "list available users", err)
		return
	}

	registry := s.cs.Registry()
	users := make([]PresenceResponse, 0, len(records))
	for _, rec := range records {
		if rec.UserId == id.UserId {
			continue
		}
		rec.IsOnline = registry.IsOnline(rec.UserId)
		users = append(users, newPresenceResponse(rec))
	}

	s.writeJson(w, http.StatusOK, users)
}

func (s *SupportChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(id.Participant(), conn, s.cs, s.log)
	if err := s.cs.Register(client); err != nil {
		s.log.Printf("register client %q: %v", id.UserId, err)
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}
