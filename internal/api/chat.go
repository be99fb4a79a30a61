//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/averin/converso/internal/chat"
	"github.com/averin/converso/internal/domain"
	"github.com/averin/converso/internal/identity"
)

const (
	// maxMessageBodySize limits JSON chat request bodies (1MB).
	maxMessageBodySize = 1 << 20
	// maxAudioUploadSize limits voice uploads (16MB).
	maxAudioUploadSize = 16 << 20
)

// ChatHandler exposes the chat service over HTTP.
type ChatHandler struct {
	svc *chat.Service
}

// NewChatHandler creates a new ChatHandler.
func NewChatHandler(svc *chat.Service) *ChatHandler {
	return &ChatHandler{svc: svc}
}

// RegisterRoutes registers chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", h.SendMessage)
		r.Post("/voice", h.VoiceMessage)
		r.Get("/history", h.ListHistory)
		r.Get("/history/{id}", h.LoadHistory)
		r.Delete("/chat/{id}", h.DeleteChat)
		r.Post("/new", h.NewChat)
		r.Post("/clear", h.NewChat)
	})
}

// NewChat resets the session to start a fresh conversation.
func (h *ChatHandler) NewChat(w http.ResponseWriter, r *http.Request) {
	session := identity.SessionFromContext(r.Context())
	h.svc.NewChat(session)
	JSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// SendMessage handles a typed chat message.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	session := identity.SessionFromContext(r.Context())

	var req struct {
		Message string `json:"message"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxMessageBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reply, err := h.svc.SendMessage(r.Context(), session, req.Message)
	if err != nil {
		writeChatError(w, err)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"response": reply.Text,
		"status":   "success",
		"chat_id":  reply.ConversationID,
	})
}

// VoiceMessage handles an uploaded audio recording: transcribe, then chat.
func (h *ChatHandler) VoiceMessage(w http.ResponseWriter, r *http.Request) {
	session := identity.SessionFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxAudioUploadSize)
	file, _, err := r.FormFile("audio_data")
	if err != nil {
		Error(w, http.StatusBadRequest, "no audio file uploaded")
		return
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			slog.Warn("failed to close uploaded audio", "error", closeErr)
		}
	}()

	result, err := h.svc.VoiceMessage(r.Context(), session, file)
	if err != nil {
		writeChatError(w, err)
		return
	}

	if !result.Understood {
		JSON(w, http.StatusOK, map[string]interface{}{
			"response":      "Sorry, I couldn't understand the audio.",
			"status":        "failure",
			"transcription": "",
		})
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"response":      result.Text,
		"status":        "success",
		"chat_id":       result.ConversationID,
		"transcription": result.Transcript,
	})
}

// ListHistory returns the conversation list for the sidebar. Failures
// degrade to an empty list so the UI keeps working.
func (h *ChatHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	chats, err := h.svc.ListHistory(r.Context())
	if err != nil {
		slog.Error("failed to list conversations", "error", err)
		chats = nil
	}
	if chats == nil {
		chats = []domain.Conversation{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"chats": chats})
}

// LoadHistory loads a conversation's messages and makes it the session's
// active conversation. A missing conversation yields an empty list.
func (h *ChatHandler) LoadHistory(w http.ResponseWriter, r *http.Request) {
	session := identity.SessionFromContext(r.Context())

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	messages, err := h.svc.LoadHistory(r.Context(), session, id)
	if err != nil {
		slog.Error("failed to load history", "conversation_id", id, "error", err)
		messages = nil
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

// DeleteChat deletes a conversation and all of its messages.
func (h *ChatHandler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	session := identity.SessionFromContext(r.Context())

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	if err := h.svc.DeleteChat(r.Context(), session, id); err != nil {
		slog.Error("failed to delete conversation", "conversation_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// writeChatError maps service errors onto HTTP responses. Collaborator
// failures carry the backend's message so the user sees what went wrong.
func writeChatError(w http.ResponseWriter, err error) {
	var collabErr *chat.CollaboratorError
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		Error(w, http.StatusBadRequest, chat.ErrEmptyMessage.Error())
	case errors.As(err, &collabErr):
		Error(w, http.StatusBadGateway, collabErr.Error())
	default:
		slog.Error("chat operation failed", "error", err)
		Error(w, http.StatusInternalServerError, "failed to process message")
	}
}
