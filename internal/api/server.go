// Package api serves the local HTTP API over the chat and signal stores.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/agentchat/internal/agent"
	"github.com/user/agentchat/internal/chat"
	"github.com/user/agentchat/internal/gateway"
	"github.com/user/agentchat/internal/signal"
	"github.com/user/agentchat/internal/types"
)

// Server is the HTTP handler for the local API.
type Server struct {
	chats   *chat.Store
	signals *signal.Store
	gw      *gateway.Gateway
	agents  *agent.Registry
	router  chi.Router
}

const maxBodySize = 1 << 20

// NewServer wires the routes. gw may be nil, in which case sends run
// synchronously on the request goroutine. CORS is only enabled when
// origins are given.
func NewServer(chats *chat.Store, signals *signal.Store, gw *gateway.Gateway, agents *agent.Registry, origins ...string) *Server {
	s := &Server{
		chats:   chats,
		signals: signals,
		gw:      gw,
		agents:  agents,
	}

	r := chi.NewRouter()
	r.Use(Metrics)
	r.Use(chimw.RequestID)
	r.Use(Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestSize(maxBodySize))
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/agents", s.handleListAgents)
		r.Get("/chats", s.handleListChats)
		r.Post("/chats", s.handleCreateChat)
		r.Route("/chats/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetChat)
			r.Patch("/", s.handleUpdateChat)
			r.Delete("/", s.handleDeleteChat)
			r.Get("/messages", s.handleListMessages)
			r.Post("/messages", s.handleSendMessage)
			r.Get("/signals", s.handleListSignals)
			r.Delete("/signals/{agentID}", s.handleCancelSignal)
			r.Get("/stream", s.handleStream)
		})
	})

	s.router = r
	return s
}

// ServeHTTP delegates to the internal router, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps store sentinel errors to status codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrChatNotFound):
		writeError(w, http.StatusNotFound, "chat not found")
	case errors.Is(err, signal.ErrAgentNotFound):
		writeError(w, http.StatusNotFound, "agent not found")
	case errors.Is(err, signal.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "text is required")
	case errors.Is(err, signal.ErrSignalInFlight):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, chat.ErrNotPersisted):
		// Memory was updated; report the write failure without hiding it.
		slog.Error("request state not persisted", "error", err)
		writeError(w, http.StatusInternalServerError, "not persisted")
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agents.All())
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats := s.chats.Chats()
	if chats == nil {
		chats = []*types.Chat{}
	}
	writeJSON(w, http.StatusOK, chats)
}

type createChatRequest struct {
	Name         string              `json:"name"`
	Type         types.ChatType      `json:"type"`
	WorkspaceID  string              `json:"workspaceId"`
	ChannelID    string              `json:"channelId"`
	Participants []types.Participant `json:"participants"`
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Type != "" && req.Type != types.ChatTypeDirect && req.Type != types.ChatTypeGroup {
		writeError(w, http.StatusBadRequest, "type must be direct or group")
		return
	}

	c, err := s.chats.CreateChat(r.Context(), chat.NewChat{
		Name:         req.Name,
		Type:         req.Type,
		WorkspaceID:  req.WorkspaceID,
		ChannelID:    req.ChannelID,
		Participants: req.Participants,
	}, nil)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	c, ok := s.chats.Chat(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type updateChatRequest struct {
	Name                *string              `json:"name"`
	Type                *types.ChatType      `json:"type"`
	Participants        *[]types.Participant `json:"participants"`
	TaskIDs             *[]string            `json:"taskIds"`
	LastViewedMessageID *string              `json:"lastViewedMessageId"`
}

func (s *Server) handleUpdateChat(w http.ResponseWriter, r *http.Request) {
	var req updateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	c, err := s.chats.UpdateChat(r.Context(), chi.URLParam(r, "id"), chat.ChatUpdate{
		Name:                req.Name,
		Type:                req.Type,
		Participants:        req.Participants,
		TaskIDs:             req.TaskIDs,
		LastViewedMessageID: req.LastViewedMessageID,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if err := s.chats.DeleteChat(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.chats.LoadMessagesForChat(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*types.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type sendRequest struct {
	Text    string `json:"text"`
	AgentID string `json:"agentId"`
}

type sendResponse struct {
	RunID   string         `json:"runId,omitempty"`
	Status  string         `json:"status"`
	Message *types.Message `json:"message,omitempty"`
}

// handleSendMessage enqueues the send on the chat's lane and answers 202.
// Without a gateway the reply is produced inline and returned with 200.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Text) == "" || req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "text and agentId are required")
		return
	}
	if _, ok := s.agents.Get(req.AgentID); !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}

	if s.gw == nil {
		msg, err := s.signals.UserSendMessage(r.Context(), chatID, req.Text, req.AgentID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sendResponse{Status: string(msg.NetworkState), Message: msg})
		return
	}

	run, err := s.gw.HandleSend(r.Context(), chatID, req.AgentID, req.Text)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sendResponse{RunID: run.ID, Status: "queued"})
}

func (s *Server) handleListSignals(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	if _, ok := s.chats.Chat(chatID); !ok {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	writeJSON(w, http.StatusOK, s.signals.Signals(chatID))
}

func (s *Server) handleCancelSignal(w http.ResponseWriter, r *http.Request) {
	if !s.signals.Cancel(chi.URLParam(r, "id"), chi.URLParam(r, "agentID")) {
		writeError(w, http.StatusNotFound, "no reply in flight")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
