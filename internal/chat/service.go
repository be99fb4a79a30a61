// Package chat coordinates the durable conversation store, the per-session
// context window and the external model and transcription backends.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/averin/converso/internal/domain"
	"github.com/averin/converso/internal/llm"
	"github.com/averin/converso/internal/store"
	"github.com/averin/converso/internal/stt"
)

// Reply is the outcome of a successful send operation.
type Reply struct {
	Text           string
	ConversationID int64
}

// VoiceResult is the outcome of a voice message. Understood is false when
// transcription produced no text; nothing is persisted in that case.
type VoiceResult struct {
	Reply
	Transcript string
	Understood bool
}

// sessionState holds the binding to the active conversation and the context
// window for one client session. A zero conversation ID means no active
// conversation. The binding is not authoritative: the store may have deleted
// the conversation behind it.
type sessionState struct {
	mu             sync.Mutex
	conversationID int64
	window         *Window
}

// Service orchestrates chat operations for all sessions. Each session owns
// its own binding and window; there is no process-wide history state.
// Callers are expected to serialize operations within one session, but
// traffic across different sessions is safe.
type Service struct {
	repo        store.Repository
	model       llm.Generator
	transcriber stt.Transcriber
	maxHistory  int
	uploadDir   string

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// NewService creates a chat service. maxHistory is the number of user/model
// turn pairs kept in each session's context window; uploadDir receives
// single-use temporary audio artifacts.
func NewService(repo store.Repository, model llm.Generator, transcriber stt.Transcriber, maxHistory int, uploadDir string) *Service {
	return &Service{
		repo:        repo,
		model:       model,
		transcriber: transcriber,
		maxHistory:  maxHistory,
		uploadDir:   uploadDir,
		sessions:    make(map[string]*sessionState),
	}
}

func (s *Service) state(session string) *sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[session]
	if !ok {
		st = &sessionState{window: NewWindow(s.maxHistory)}
		s.sessions[session] = st
	}
	return st
}

// NewChat detaches the session from its active conversation and empties its
// context window. The durable history is untouched.
func (s *Service) NewChat(session string) {
	st := s.state(session)
	st.mu.Lock()
	st.conversationID = 0
	st.window.Reset()
	st.mu.Unlock()
}

// SendMessage persists the user turn, obtains a reply from the model using
// the session's context window as history, persists the reply and appends
// the completed turn pair to the window.
//
// The user message is persisted before the model call and is never rolled
// back: a failed model call leaves it recorded and the window unmodified, so
// the turn can be retried. No lock is held for the duration of the model call.
func (s *Service) SendMessage(ctx context.Context, session, text string) (Reply, error) {
	if text == "" {
		return Reply{}, ErrEmptyMessage
	}
	st := s.state(session)

	conversationID, history, err := s.persistUserTurn(ctx, st, text)
	if err != nil {
		return Reply{}, err
	}

	replyText, err := s.model.Generate(ctx, text, history)
	if err != nil {
		return Reply{ConversationID: conversationID}, &CollaboratorError{Op: "generate reply", Err: err}
	}

	if err := s.repo.AppendMessage(ctx, conversationID, domain.RoleAssistant, replyText); err != nil {
		return Reply{ConversationID: conversationID}, fmt.Errorf("persist assistant message: %w", err)
	}

	st.mu.Lock()
	st.window.Append(domain.ContextTurn{Role: domain.TurnUser, Text: text})
	st.window.Append(domain.ContextTurn{Role: domain.TurnModel, Text: replyText})
	st.mu.Unlock()

	return Reply{Text: replyText, ConversationID: conversationID}, nil
}

// persistUserTurn resolves the session's conversation, creating a new one
// when the session has none, appends the user message and snapshots the
// window history for the model call.
//
// A binding whose conversation was deleted by another path is treated as "no
// active conversation": the stale binding and window are discarded and a
// fresh conversation is created from the message being sent.
func (s *Service) persistUserTurn(ctx context.Context, st *sessionState, text string) (int64, []domain.ContextTurn, error) {
	st.mu.Lock()
	conversationID := st.conversationID
	st.mu.Unlock()

	if conversationID != 0 {
		err := s.repo.AppendMessage(ctx, conversationID, domain.RoleUser, text)
		if err == nil {
			st.mu.Lock()
			history := st.window.History()
			st.mu.Unlock()
			return conversationID, history, nil
		}
		if !errors.Is(err, store.ErrConversationNotFound) {
			return 0, nil, fmt.Errorf("persist user message: %w", err)
		}

		slog.Warn("active conversation no longer exists, starting a new one",
			"conversation_id", conversationID)
		st.mu.Lock()
		st.conversationID = 0
		st.window.Reset()
		st.mu.Unlock()
	}

	conversationID, err := s.repo.CreateConversation(ctx, text)
	if err != nil {
		return 0, nil, fmt.Errorf("create conversation: %w", err)
	}
	if err := s.repo.AppendMessage(ctx, conversationID, domain.RoleUser, text); err != nil {
		return 0, nil, fmt.Errorf("persist user message: %w", err)
	}

	st.mu.Lock()
	st.conversationID = conversationID
	history := st.window.History()
	st.mu.Unlock()
	return conversationID, history, nil
}

// VoiceMessage transcribes the audio and, when speech was recognized,
// delegates to SendMessage semantics with the transcript. The audio is
// staged in a single-use temporary file that is removed on every exit path.
func (s *Service) VoiceMessage(ctx context.Context, session string, audio io.Reader) (VoiceResult, error) {
	path, err := s.saveAudio(audio)
	if err != nil {
		return VoiceResult{}, err
	}
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			slog.Warn("failed to remove temporary audio file", "path", path, "error", rmErr)
		}
	}()

	transcript, err := s.transcriber.Transcribe(ctx, path)
	if err != nil {
		return VoiceResult{}, &CollaboratorError{Op: "transcribe audio", Err: err}
	}
	if transcript == "" {
		// No speech recognized. Not an error: nothing is persisted and the
		// session binding is untouched.
		return VoiceResult{}, nil
	}

	reply, err := s.SendMessage(ctx, session, transcript)
	if err != nil {
		return VoiceResult{Transcript: transcript, Understood: true}, err
	}
	return VoiceResult{Reply: reply, Transcript: transcript, Understood: true}, nil
}

func (s *Service) saveAudio(audio io.Reader) (string, error) {
	if err := os.MkdirAll(s.uploadDir, 0755); err != nil {
		return "", fmt.Errorf("create upload directory: %w", err)
	}

	path := filepath.Join(s.uploadDir, uuid.NewString()+".webm")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create temporary audio file: %w", err)
	}
	if _, err := io.Copy(f, audio); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write temporary audio file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close temporary audio file: %w", err)
	}
	return path, nil
}

// LoadHistory binds the session to the conversation and rebuilds its context
// window from the persisted messages. A missing conversation yields an empty
// message list, not an error.
func (s *Service) LoadHistory(ctx context.Context, session string, conversationID int64) ([]domain.Message, error) {
	messages, err := s.repo.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	st := s.state(session)
	st.mu.Lock()
	st.conversationID = conversationID
	st.window.LoadFrom(messages)
	st.mu.Unlock()

	return messages, nil
}

// ListHistory returns all conversations, newest first.
func (s *Service) ListHistory(ctx context.Context) ([]domain.Conversation, error) {
	conversations, err := s.repo.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return conversations, nil
}

// DeleteChat removes the conversation and its messages. If it was the
// session's active conversation the binding and window are cleared as well.
func (s *Service) DeleteChat(ctx context.Context, session string, conversationID int64) error {
	if err := s.repo.DeleteConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}

	st := s.state(session)
	st.mu.Lock()
	if st.conversationID == conversationID {
		st.conversationID = 0
		st.window.Reset()
	}
	st.mu.Unlock()

	return nil
}
