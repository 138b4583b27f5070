package app

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"rawrag/internal/model"
	"rawrag/internal/pkg/jwtutil"
)

type fakeConversations struct {
	mu     sync.Mutex
	rows   map[string]*model.Conversation
	getErr error
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{rows: map[string]*model.Conversation{}}
}

func (f *fakeConversations) Create(_ context.Context, c *model.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[c.ID] = c
	return nil
}

func (f *fakeConversations) GetByID(_ context.Context, id string) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.rows[id], nil
}

func (f *fakeConversations) AppendFile(_ context.Context, id, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[id].Files = append(f.rows[id].Files, path)
	return nil
}

func (f *fakeConversations) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

type fakeMessages struct {
	rows    []model.Message
	deleted []string
	lists   int
}

func (f *fakeMessages) ListByConversationID(_ context.Context, id string, _ int) ([]model.Message, error) {
	f.lists++
	var out []model.Message
	for _, m := range f.rows {
		if m.ConversationID == id {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMessages) DeleteByConversationID(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fakePublisher struct {
	published []model.Message
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, m model.Message) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, m)
	return nil
}

type fakeHistory struct {
	cached  map[string][]model.Message
	dirty   map[string]bool
	deleted []string
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{cached: map[string][]model.Message{}, dirty: map[string]bool{}}
}

func (h *fakeHistory) GetHistory(_ context.Context, id string) ([]model.Message, bool, error) {
	m, ok := h.cached[id]
	return m, ok, nil
}

func (h *fakeHistory) SetHistory(_ context.Context, id string, m []model.Message) error {
	h.cached[id] = m
	return nil
}

func (h *fakeHistory) DeleteHistory(_ context.Context, id string) error {
	h.deleted = append(h.deleted, id)
	delete(h.cached, id)
	return nil
}

func (h *fakeHistory) MarkDirty(_ context.Context, id string) error {
	h.dirty[id] = true
	delete(h.cached, id)
	return nil
}

func (h *fakeHistory) IsDirty(_ context.Context, id string) (bool, error) {
	return h.dirty[id], nil
}

type fakeAnswerer struct {
	questions []string
	reply     string
}

func (a *fakeAnswerer) Answer(_ context.Context, _ string, question string) string {
	a.questions = append(a.questions, question)
	return a.reply
}

type fakeIngester struct {
	text      string
	saveErr   error
	ingestErr error
	ingested  []string
	removed   []string
}

func (f *fakeIngester) SaveAndExtract(conversationID, fileName string, body io.Reader) (string, string, error) {
	if f.saveErr != nil {
		return "", "", f.saveErr
	}
	_, _ = io.ReadAll(body)
	return f.text, "uploads/" + conversationID + "/" + fileName, nil
}

func (f *fakeIngester) Ingest(_ context.Context, _ string, _ string, text string) (int, error) {
	if f.ingestErr != nil {
		return 0, f.ingestErr
	}
	f.ingested = append(f.ingested, text)
	return 1, nil
}

func (f *fakeIngester) RemoveUploads(conversationID string) error {
	f.removed = append(f.removed, conversationID)
	return nil
}

type fakeVectors struct{ deleted []string }

func (f *fakeVectors) DeleteConversation(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type chatFixture struct {
	svc      *ChatService
	convs    *fakeConversations
	msgs     *fakeMessages
	pub      *fakePublisher
	history  *fakeHistory
	answerer *fakeAnswerer
	ingester *fakeIngester
	vectors  *fakeVectors
}

func newChatFixture(cfg ChatServiceConfig) *chatFixture {
	f := &chatFixture{
		convs:    newFakeConversations(),
		msgs:     &fakeMessages{},
		pub:      &fakePublisher{},
		history:  newFakeHistory(),
		answerer: &fakeAnswerer{reply: "grounded answer"},
		ingester: &fakeIngester{text: "document text"},
		vectors:  &fakeVectors{},
	}
	f.svc = NewChatService(f.convs, f.msgs, f.pub, f.history, f.answerer, f.ingester, f.vectors, cfg, discardLogger())
	return f
}

func (f *chatFixture) conversation(t *testing.T) string {
	t.Helper()
	created, err := f.svc.CreateConversation(context.Background())
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	return created.ID
}

func TestCreateConversation_IssuesTokenWhenSecretSet(t *testing.T) {
	f := newChatFixture(ChatServiceConfig{JWTSecret: "s3cret", TokenTTL: time.Hour})
	created, err := f.svc.CreateConversation(context.Background())
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	claims, err := jwtutil.ParseToken("s3cret", created.AccessToken)
	if err != nil || claims.ConversationID != created.ID {
		t.Errorf("token does not grant the new conversation: %v", err)
	}

	f = newChatFixture(ChatServiceConfig{})
	created, _ = f.svc.CreateConversation(context.Background())
	if created.AccessToken != "" {
		t.Error("expected no token without a secret")
	}
}

func TestSendMessage_TextOnly(t *testing.T) {
	f := newChatFixture(ChatServiceConfig{})
	id := f.conversation(t)

	result, err := f.svc.SendMessage(context.Background(), SendMessageInput{ConversationID: id, Content: " What is in my file? "})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if len(result.Messages) != 2 {
		t.Fatalf("expected user and assistant messages, got %d", len(result.Messages))
	}
	user, assistant := result.Messages[0], result.Messages[1]
	if user.Role != model.RoleUser || user.Content != "What is in my file?" || user.FileName != nil {
		t.Errorf("unexpected user message %+v", user)
	}
	if assistant.Role != model.RoleAssistant || assistant.Content != "grounded answer" {
		t.Errorf("unexpected assistant message %+v", assistant)
	}
	if !assistant.CreatedAt.After(user.CreatedAt) {
		t.Error("assistant message must sort after the user message")
	}
	if f.answerer.questions[0] != "What is in my file?" {
		t.Errorf("question = %q", f.answerer.questions[0])
	}
	if len(f.pub.published) != 2 {
		t.Errorf("expected both messages queued, got %d", len(f.pub.published))
	}
	if !f.history.dirty[id] {
		t.Error("history should be marked dirty")
	}
}

func TestSendMessage_WithUpload(t *testing.T) {
	f := newChatFixture(ChatServiceConfig{})
	id := f.conversation(t)

	result, err := f.svc.SendMessage(context.Background(), SendMessageInput{
		ConversationID: id,
		Content:        "Summarise this",
		Upload:         &Upload{FileName: "cv.pdf", ContentType: "application/pdf", Body: strings.NewReader("%PDF")},
	})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if got := f.answerer.questions[0]; got != "Summarise this \n\n New File Uploaded:cv.pdf" {
		t.Errorf("question = %q", got)
	}
	if fn := result.Messages[0].FileName; fn == nil || *fn != "cv.pdf" {
		t.Errorf("user message should carry the file name, got %v", fn)
	}
	if len(f.ingester.ingested) != 1 || f.ingester.ingested[0] != "document text" {
		t.Errorf("document not ingested: %v", f.ingester.ingested)
	}
	if files := f.convs.rows[id].Files; len(files) != 1 || files[0] != "uploads/"+id+"/cv.pdf" {
		t.Errorf("stored path not recorded: %v", files)
	}
}

func TestSendMessage_Errors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		setup func(f *chatFixture)
		input func(id string) SendMessageInput
		want  error
	}{
		{
			name:  "empty content without file",
			input: func(id string) SendMessageInput { return SendMessageInput{ConversationID: id, Content: "  "} },
			want:  ErrMessageEmpty,
		},
		{
			name:  "malformed conversation id",
			input: func(string) SendMessageInput { return SendMessageInput{ConversationID: "../etc", Content: "hi"} },
			want:  ErrInvalidInput,
		},
		{
			name: "unknown conversation",
			input: func(string) SendMessageInput {
				return SendMessageInput{ConversationID: "6f1c1b7e-3f4e-4d8a-9a43-0f7b1d2c9e11", Content: "hi"}
			},
			want: ErrConversationNotFound,
		},
		{
			name: "unsupported upload",
			input: func(id string) SendMessageInput {
				return SendMessageInput{ConversationID: id, Content: "hi", Upload: &Upload{FileName: "a.png", ContentType: "image/png", Body: strings.NewReader("")}}
			},
			want: ErrUnsupportedMedia,
		},
		{
			name:  "upload without text",
			setup: func(f *chatFixture) { f.ingester.text = " \n " },
			input: func(id string) SendMessageInput {
				return SendMessageInput{ConversationID: id, Content: "hi", Upload: &Upload{FileName: "a.txt", ContentType: "text/plain", Body: strings.NewReader(" ")}}
			},
			want: ErrNoTextContent,
		},
		{
			name:  "queue down",
			setup: func(f *chatFixture) { f.pub.err = errors.New("broker closed") },
			input: func(id string) SendMessageInput { return SendMessageInput{ConversationID: id, Content: "hi"} },
			want:  ErrMessageEnqueue,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newChatFixture(ChatServiceConfig{})
			id := f.conversation(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			_, err := f.svc.SendMessage(ctx, tt.input(id))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if len(f.answerer.questions) != 0 {
				t.Error("model should not be called when the request is rejected")
			}
		})
	}
}

func TestSendMessage_IngestFailureSurfaces(t *testing.T) {
	f := newChatFixture(ChatServiceConfig{})
	id := f.conversation(t)
	f.ingester.ingestErr = errors.New("embedding model unavailable")

	_, err := f.svc.SendMessage(context.Background(), SendMessageInput{
		ConversationID: id,
		Content:        "hi",
		Upload:         &Upload{FileName: "a.md", ContentType: "text/markdown", Body: strings.NewReader("# x")},
	})
	if err == nil || !strings.Contains(err.Error(), "embedding model unavailable") {
		t.Errorf("expected ingest error, got %v", err)
	}
	if len(f.pub.published) != 0 {
		t.Error("nothing should be queued when ingestion fails")
	}
}

func TestGetMessages_UsesCacheUnlessDirty(t *testing.T) {
	f := newChatFixture(ChatServiceConfig{})
	id := f.conversation(t)
	f.msgs.rows = []model.Message{
		{ID: "1", ConversationID: id, Role: model.RoleUser, Content: "q"},
		{ID: "2", ConversationID: id, Role: model.RoleAssistant, Content: "a"},
	}
	ctx := context.Background()

	got, err := f.svc.GetMessages(ctx, id, 0)
	if err != nil || len(got) != 2 {
		t.Fatalf("GetMessages = %v, %v", got, err)
	}
	if f.msgs.lists != 1 {
		t.Fatalf("expected one database read, got %d", f.msgs.lists)
	}

	if _, err := f.svc.GetMessages(ctx, id, 0); err != nil {
		t.Fatal(err)
	}
	if f.msgs.lists != 1 {
		t.Errorf("second read should be served from cache, database reads = %d", f.msgs.lists)
	}

	f.history.dirty[id] = true
	if _, err := f.svc.GetMessages(ctx, id, 0); err != nil {
		t.Fatal(err)
	}
	if f.msgs.lists != 2 {
		t.Errorf("dirty history should bypass the cache, database reads = %d", f.msgs.lists)
	}

	last, _ := f.svc.GetMessages(ctx, id, 1)
	if len(last) != 1 || last[0].ID != "2" {
		t.Errorf("limit should keep the newest messages, got %+v", last)
	}
}

func TestDeleteConversation_Cascades(t *testing.T) {
	f := newChatFixture(ChatServiceConfig{})
	id := f.conversation(t)

	if err := f.svc.DeleteConversation(context.Background(), id); err != nil {
		t.Fatalf("DeleteConversation failed: %v", err)
	}
	if _, ok := f.convs.rows[id]; ok {
		t.Error("conversation row not deleted")
	}
	if len(f.vectors.deleted) != 1 || len(f.msgs.deleted) != 1 || len(f.history.deleted) != 1 || len(f.ingester.removed) != 1 {
		t.Errorf("cascade incomplete: vectors=%v messages=%v cache=%v uploads=%v",
			f.vectors.deleted, f.msgs.deleted, f.history.deleted, f.ingester.removed)
	}

	if err := f.svc.DeleteConversation(context.Background(), id); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("expected ErrConversationNotFound on second delete, got %v", err)
	}
}
