package devserver

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/playtrade/marketchat/internal/metrics"
	"github.com/playtrade/marketchat/internal/protocol"
	"github.com/playtrade/marketchat/internal/ratelimit"
)

// registerREST mounts the chat REST API next to the WebSocket endpoint.
// The REST send path exists so clients can fall back to it when their
// socket is down; messages posted here fan out over NATS the same way
// socket sends do.
func (s *Server) registerREST(mux *http.ServeMux) {
	mux.HandleFunc("GET /chats/order/{orderID}", s.handleOrderHistory)
	mux.HandleFunc("GET /chats/{conversationID}", s.handleHistory)
	mux.HandleFunc("POST /chats/{conversationID}/messages", s.handlePostMessage)
}

type historyResponse struct {
	ConversationID string             `json:"conversationId"`
	Messages       []protocol.Message `json:"messages"`
}

type sendMessageRequest struct {
	Content         string `json:"content"`
	IsSystemMessage bool   `json:"isSystemMessage"`
	ClientRef       string `json:"clientRef"`
}

// bearerIdentity authenticates a REST request from its Authorization header.
func bearerIdentity(r *http.Request) (Identity, bool) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return Identity{}, false
	}
	identity, err := ParseToken(token)
	if err != nil {
		return Identity{}, false
	}
	return identity, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := bearerIdentity(r); !ok {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	s.serveHistory(w, r, r.PathValue("conversationID"))
}

// handleOrderHistory resolves an order id to its conversation and serves the
// same payload as the direct conversation route. The dev mapping is simply
// "order-" + orderID.
func (s *Server) handleOrderHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := bearerIdentity(r); !ok {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	s.serveHistory(w, r, "order-"+r.PathValue("orderID"))
}

func (s *Server) serveHistory(w http.ResponseWriter, r *http.Request, conversationID string) {
	messages, err := s.history.List(r.Context(), conversationID)
	if err != nil {
		log.Printf("devserver: list history for %s: %v", conversationID, err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if messages == nil {
		messages = []protocol.Message{}
	}
	writeJSON(w, http.StatusOK, historyResponse{
		ConversationID: conversationID,
		Messages:       messages,
	})
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	identity, ok := bearerIdentity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := ValidateContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.IsSystemMessage && !identity.Admin {
		writeError(w, http.StatusForbidden, "system messages require admin")
		return
	}

	allowed, _ := s.limiter.Allow(r.Context(), identity.UserID, ratelimit.RuleMessage)
	if !allowed {
		writeError(w, http.StatusTooManyRequests, "too many messages")
		return
	}

	msg := protocol.Message{
		ID:              uuid.New().String(),
		ConversationID:  r.PathValue("conversationID"),
		SenderID:        identity.UserID,
		SenderName:      identity.UserID,
		Content:         req.Content,
		Timestamp:       time.Now().UTC(),
		IsSystemMessage: req.IsSystemMessage,
		ClientRef:       req.ClientRef,
	}

	if err := s.history.Insert(r.Context(), msg); err != nil {
		log.Printf("devserver: store message in %s: %v", msg.ConversationID, err)
		writeError(w, http.StatusInternalServerError, "message could not be stored")
		return
	}
	metrics.ServerMessages.WithLabelValues("rest").Inc()

	s.publishNewMessage(msg)

	writeJSON(w, http.StatusCreated, msg)
}
