package chat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/averin/converso/internal/domain"
	"github.com/averin/converso/internal/store"
)

type fakeRepo struct {
	mu            sync.Mutex
	nextID        int64
	conversations map[int64]domain.Conversation
	messages      map[int64][]domain.Message

	createErr error
	appendErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		conversations: make(map[int64]domain.Conversation),
		messages:      make(map[int64][]domain.Message),
	}
}

func (f *fakeRepo) CreateConversation(_ context.Context, firstMessage string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return 0, f.createErr
	}
	f.nextID++
	f.conversations[f.nextID] = domain.Conversation{ID: f.nextID, Title: firstMessage}
	return f.nextID, nil
}

func (f *fakeRepo) AppendMessage(_ context.Context, conversationID int64, sender domain.Role, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	if _, ok := f.conversations[conversationID]; !ok {
		return store.ErrConversationNotFound
	}
	f.nextID++
	f.messages[conversationID] = append(f.messages[conversationID], domain.Message{
		ID:             f.nextID,
		ConversationID: conversationID,
		Sender:         sender,
		Content:        content,
	})
	return nil
}

func (f *fakeRepo) ListConversations(_ context.Context) ([]domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Conversation
	for _, conv := range f.conversations {
		out = append(out, conv)
	}
	return out, nil
}

func (f *fakeRepo) ListMessages(_ context.Context, conversationID int64) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Message(nil), f.messages[conversationID]...), nil
}

func (f *fakeRepo) DeleteConversation(_ context.Context, conversationID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conversations, conversationID)
	delete(f.messages, conversationID)
	return nil
}

func (f *fakeRepo) Ping(_ context.Context) error { return nil }
func (f *fakeRepo) Close() error                 { return nil }

func (f *fakeRepo) messageCount(conversationID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages[conversationID])
}

type fakeGenerator struct {
	reply string
	err   error

	mu         sync.Mutex
	calls      int
	lastPrompt string
	lastHist   []domain.ContextTurn
}

func (g *fakeGenerator) Generate(_ context.Context, prompt string, history []domain.ContextTurn) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.lastPrompt = prompt
	g.lastHist = append([]domain.ContextTurn(nil), history...)
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

type fakeTranscriber struct {
	text string
	err  error
}

func (t *fakeTranscriber) Transcribe(_ context.Context, _ string) (string, error) {
	return t.text, t.err
}

func newTestService(t *testing.T, repo *fakeRepo, gen *fakeGenerator, tr *fakeTranscriber) (*Service, string) {
	t.Helper()
	uploadDir := t.TempDir()
	return NewService(repo, gen, tr, 3, uploadDir), uploadDir
}

func assertUploadDirEmpty(t *testing.T, uploadDir string) {
	t.Helper()
	entries, err := os.ReadDir(uploadDir)
	if err != nil {
		t.Fatalf("read upload dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected temporary audio files to be removed, found %d", len(entries))
	}
}

func TestSendMessageCreatesConversation(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGenerator{reply: "Hi there!"}
	svc, _ := newTestService(t, repo, gen, &fakeTranscriber{})

	reply, err := svc.SendMessage(context.Background(), "s1", "Hello")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if reply.Text != "Hi there!" {
		t.Errorf("reply = %q, want %q", reply.Text, "Hi there!")
	}
	if reply.ConversationID == 0 {
		t.Fatal("expected a conversation to be created")
	}

	conv := repo.conversations[reply.ConversationID]
	if conv.Title != "Hello" {
		t.Errorf("conversation title = %q, want %q", conv.Title, "Hello")
	}

	messages, _ := repo.ListMessages(context.Background(), reply.ConversationID)
	if len(messages) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(messages))
	}
	if messages[0].Sender != domain.RoleUser || messages[0].Content != "Hello" {
		t.Errorf("first message = %+v, want user 'Hello'", messages[0])
	}
	if messages[1].Sender != domain.RoleAssistant || messages[1].Content != "Hi there!" {
		t.Errorf("second message = %+v, want assistant reply", messages[1])
	}

	// The first call sees no prior history.
	if len(gen.lastHist) != 0 {
		t.Errorf("expected empty history on first send, got %d turns", len(gen.lastHist))
	}
}

func TestSendMessageEmpty(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(t, repo, &fakeGenerator{reply: "x"}, &fakeTranscriber{})

	_, err := svc.SendMessage(context.Background(), "s1", "")
	if !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if len(repo.conversations) != 0 {
		t.Error("empty message must not create a conversation")
	}
}

func TestSendMessageReusesBoundConversation(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGenerator{reply: "ok"}
	svc, _ := newTestService(t, repo, gen, &fakeTranscriber{})
	ctx := context.Background()

	first, err := svc.SendMessage(ctx, "s1", "first")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	second, err := svc.SendMessage(ctx, "s1", "second")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if first.ConversationID != second.ConversationID {
		t.Fatalf("expected both sends in one conversation, got %d and %d", first.ConversationID, second.ConversationID)
	}
	if n := repo.messageCount(first.ConversationID); n != 4 {
		t.Errorf("expected 4 persisted messages, got %d", n)
	}

	// The second call sees the first completed turn pair as history.
	if len(gen.lastHist) != 2 {
		t.Fatalf("expected 2 history turns on second send, got %d", len(gen.lastHist))
	}
	if gen.lastHist[0].Role != domain.TurnUser || gen.lastHist[0].Text != "first" {
		t.Errorf("history[0] = %+v", gen.lastHist[0])
	}
	if gen.lastHist[1].Role != domain.TurnModel || gen.lastHist[1].Text != "ok" {
		t.Errorf("history[1] = %+v", gen.lastHist[1])
	}
}

func TestSendMessageSessionsAreIsolated(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGenerator{reply: "ok"}
	svc, _ := newTestService(t, repo, gen, &fakeTranscriber{})
	ctx := context.Background()

	a, err := svc.SendMessage(ctx, "session-a", "from a")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	b, err := svc.SendMessage(ctx, "session-b", "from b")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if a.ConversationID == b.ConversationID {
		t.Fatal("different sessions must not share a conversation")
	}
	// Session B's first call must not see session A's turns.
	if len(gen.lastHist) != 0 {
		t.Errorf("history leaked between sessions: %+v", gen.lastHist)
	}
}

func TestSendMessageCollaboratorFailure(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGenerator{err: errors.New("model backend unavailable")}
	svc, _ := newTestService(t, repo, gen, &fakeTranscriber{})

	_, err := svc.SendMessage(context.Background(), "s1", "Hello")

	var collabErr *CollaboratorError
	if !errors.As(err, &collabErr) {
		t.Fatalf("expected CollaboratorError, got %v", err)
	}
	if !strings.Contains(collabErr.Error(), "model backend unavailable") {
		t.Errorf("collaborator message lost: %q", collabErr.Error())
	}

	// The user turn stays persisted, the window stays untouched.
	if len(repo.conversations) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(repo.conversations))
	}
	if n := repo.messageCount(1); n != 1 {
		t.Errorf("expected exactly the user message persisted, got %d messages", n)
	}
	if w := svc.state("s1").window; w.Len() != 0 {
		t.Errorf("window must stay unchanged on a failed turn, got %d turns", w.Len())
	}

	// The conversation remains usable: a retry completes the turn.
	gen.err = nil
	gen.reply = "recovered"
	reply, err := svc.SendMessage(context.Background(), "s1", "Hello again")
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if reply.ConversationID != 1 {
		t.Errorf("retry created conversation %d, want 1", reply.ConversationID)
	}
}

func TestSendMessageWindowStaysBounded(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGenerator{reply: "ok"}
	svc := NewService(repo, gen, &fakeTranscriber{}, 1, t.TempDir())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := svc.SendMessage(ctx, "s1", fmt.Sprintf("msg-%d", i)); err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
	}

	// With one turn pair allowed, only the previous exchange is replayed.
	if len(gen.lastHist) != 2 {
		t.Fatalf("expected 2 history turns, got %d", len(gen.lastHist))
	}
	if gen.lastHist[0].Text != "msg-3" {
		t.Errorf("history[0] = %q, want %q", gen.lastHist[0].Text, "msg-3")
	}
}

func TestStaleBindingSelfHeals(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGenerator{reply: "ok"}
	svc, _ := newTestService(t, repo, gen, &fakeTranscriber{})
	ctx := context.Background()

	first, err := svc.SendMessage(ctx, "s1", "original")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	// The conversation disappears behind the session's back.
	if err := repo.DeleteConversation(ctx, first.ConversationID); err != nil {
		t.Fatalf("DeleteConversation failed: %v", err)
	}

	second, err := svc.SendMessage(ctx, "s1", "after delete")
	if err != nil {
		t.Fatalf("SendMessage after stale binding failed: %v", err)
	}
	if second.ConversationID == first.ConversationID {
		t.Fatal("expected a fresh conversation after the bound one vanished")
	}
	if title := repo.conversations[second.ConversationID].Title; title != "after delete" {
		t.Errorf("new conversation title = %q, want %q", title, "after delete")
	}
	// The stale window was discarded before the new turn.
	if len(gen.lastHist) != 0 {
		t.Errorf("stale history replayed: %+v", gen.lastHist)
	}
}

func TestLoadHistoryRebuildsWindow(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGenerator{reply: "ok"}
	svc, _ := newTestService(t, repo, gen, &fakeTranscriber{})
	ctx := context.Background()

	first, err := svc.SendMessage(ctx, "s1", "hello")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	// A different session loads the same conversation.
	messages, err := svc.LoadHistory(ctx, "s2", first.ConversationID)
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}

	reply, err := svc.SendMessage(ctx, "s2", "continuing")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if reply.ConversationID != first.ConversationID {
		t.Errorf("expected continuation in conversation %d, got %d", first.ConversationID, reply.ConversationID)
	}
	if len(gen.lastHist) != 2 {
		t.Errorf("expected reloaded history of 2 turns, got %d", len(gen.lastHist))
	}
}

func TestLoadHistoryMissingConversation(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGenerator{reply: "ok"}
	svc, _ := newTestService(t, repo, gen, &fakeTranscriber{})
	ctx := context.Background()

	messages, err := svc.LoadHistory(ctx, "s1", 777)
	if err != nil {
		t.Fatalf("LoadHistory of missing conversation must not fail, got %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("expected empty message list, got %d", len(messages))
	}

	// Sending afterwards recovers by creating a fresh conversation.
	reply, err := svc.SendMessage(ctx, "s1", "still works")
	if err != nil {
		t.Fatalf("SendMessage after loading missing conversation failed: %v", err)
	}
	if reply.ConversationID == 777 {
		t.Error("expected a new conversation, not the missing id")
	}
}

func TestDeleteChatActiveConversation(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGenerator{reply: "ok"}
	svc, _ := newTestService(t, repo, gen, &fakeTranscriber{})
	ctx := context.Background()

	first, err := svc.SendMessage(ctx, "s1", "hello")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if err := svc.DeleteChat(ctx, "s1", first.ConversationID); err != nil {
		t.Fatalf("DeleteChat failed: %v", err)
	}

	st := svc.state("s1")
	if st.conversationID != 0 {
		t.Errorf("binding not cleared after deleting active conversation: %d", st.conversationID)
	}
	if st.window.Len() != 0 {
		t.Errorf("window not reset after deleting active conversation: %d turns", st.window.Len())
	}
	if len(repo.conversations) != 0 {
		t.Errorf("conversation not deleted from store")
	}
}

func TestDeleteChatOtherConversationKeepsBinding(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGenerator{reply: "ok"}
	svc, _ := newTestService(t, repo, gen, &fakeTranscriber{})
	ctx := context.Background()

	active, err := svc.SendMessage(ctx, "s1", "active")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	other, err := repo.CreateConversation(ctx, "other")
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	if err := svc.DeleteChat(ctx, "s1", other); err != nil {
		t.Fatalf("DeleteChat failed: %v", err)
	}

	st := svc.state("s1")
	if st.conversationID != active.ConversationID {
		t.Errorf("binding changed by deleting an inactive conversation: %d", st.conversationID)
	}
	if st.window.Len() != 2 {
		t.Errorf("window changed by deleting an inactive conversation: %d turns", st.window.Len())
	}
}

func TestNewChatClearsSession(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGenerator{reply: "ok"}
	svc, _ := newTestService(t, repo, gen, &fakeTranscriber{})
	ctx := context.Background()

	if _, err := svc.SendMessage(ctx, "s1", "hello"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	svc.NewChat("s1")

	st := svc.state("s1")
	if st.conversationID != 0 || st.window.Len() != 0 {
		t.Errorf("NewChat left state behind: binding=%d window=%d", st.conversationID, st.window.Len())
	}
	// The durable history is untouched.
	if len(repo.conversations) != 1 {
		t.Errorf("NewChat must not delete stored conversations")
	}
}

func TestVoiceMessageFlowsTranscriptToChat(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGenerator{reply: "heard you"}
	svc, uploadDir := newTestService(t, repo, gen, &fakeTranscriber{text: "spoken words"})

	result, err := svc.VoiceMessage(context.Background(), "s1", strings.NewReader("fake audio bytes"))
	if err != nil {
		t.Fatalf("VoiceMessage failed: %v", err)
	}
	if !result.Understood {
		t.Fatal("expected transcript to be understood")
	}
	if result.Transcript != "spoken words" {
		t.Errorf("transcript = %q, want %q", result.Transcript, "spoken words")
	}
	if result.Text != "heard you" {
		t.Errorf("reply = %q, want %q", result.Text, "heard you")
	}
	if gen.lastPrompt != "spoken words" {
		t.Errorf("model prompt = %q, want the transcript", gen.lastPrompt)
	}
	if title := repo.conversations[result.ConversationID].Title; title != "spoken words" {
		t.Errorf("conversation title = %q, want the transcript", title)
	}
	assertUploadDirEmpty(t, uploadDir)
}

func TestVoiceMessageEmptyTranscript(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGenerator{reply: "never"}
	svc, uploadDir := newTestService(t, repo, gen, &fakeTranscriber{text: ""})

	result, err := svc.VoiceMessage(context.Background(), "s1", strings.NewReader("static noise"))
	if err != nil {
		t.Fatalf("VoiceMessage failed: %v", err)
	}
	if result.Understood {
		t.Fatal("expected the audio to be not understood")
	}
	if gen.calls != 0 {
		t.Error("model must not be called for an empty transcript")
	}
	if len(repo.conversations) != 0 {
		t.Error("nothing may be persisted for an empty transcript")
	}
	if st := svc.state("s1"); st.conversationID != 0 {
		t.Error("binding must not change for an empty transcript")
	}
	assertUploadDirEmpty(t, uploadDir)
}

func TestVoiceMessageTranscriberFailure(t *testing.T) {
	repo := newFakeRepo()
	svc, uploadDir := newTestService(t, repo, &fakeGenerator{reply: "never"},
		&fakeTranscriber{err: errors.New("speech backend down")})

	_, err := svc.VoiceMessage(context.Background(), "s1", strings.NewReader("audio"))

	var collabErr *CollaboratorError
	if !errors.As(err, &collabErr) {
		t.Fatalf("expected CollaboratorError, got %v", err)
	}
	if len(repo.conversations) != 0 {
		t.Error("nothing may be persisted when transcription fails")
	}
	assertUploadDirEmpty(t, uploadDir)
}
