package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"rawrag/internal/model"
	"rawrag/internal/pkg/extract"
	"rawrag/internal/pkg/jwtutil"
)

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageEmpty         = errors.New("message content is empty")
	ErrMessageEnqueue       = errors.New("message enqueue failed")
	ErrUnsupportedMedia     = errors.New("unsupported media type")
	ErrNoTextContent        = errors.New("could not find text content")
)

// uploadNotice is appended to the question when the turn carries a file.
const uploadNotice = " \n\n New File Uploaded:"

type ConversationStore interface {
	Create(ctx context.Context, conversation *model.Conversation) error
	GetByID(ctx context.Context, id string) (*model.Conversation, error)
	AppendFile(ctx context.Context, id, path string) error
	Delete(ctx context.Context, id string) error
}

type MessageStore interface {
	ListByConversationID(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
	DeleteByConversationID(ctx context.Context, conversationID string) error
}

type AsyncMessagePublisher interface {
	Publish(ctx context.Context, msg model.Message) error
}

type HistoryCache interface {
	GetHistory(ctx context.Context, conversationID string) ([]model.Message, bool, error)
	SetHistory(ctx context.Context, conversationID string, messages []model.Message) error
	DeleteHistory(ctx context.Context, conversationID string) error
	MarkDirty(ctx context.Context, conversationID string) error
	IsDirty(ctx context.Context, conversationID string) (bool, error)
}

type Answerer interface {
	Answer(ctx context.Context, conversationID, question string) string
}

type DocumentIngester interface {
	SaveAndExtract(conversationID, fileName string, body io.Reader) (string, string, error)
	Ingest(ctx context.Context, conversationID, fileName, text string) (int, error)
	RemoveUploads(conversationID string) error
}

// VectorCleaner removes a conversation's stored chunks.
type VectorCleaner interface {
	DeleteConversation(ctx context.Context, conversationID string) error
}

type ChatServiceConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

type ChatService struct {
	conversations ConversationStore
	messages      MessageStore
	publisher     AsyncMessagePublisher
	historyCache  HistoryCache
	answerer      Answerer
	ingester      DocumentIngester
	vectors       VectorCleaner
	cfg           ChatServiceConfig
	logger        *slog.Logger
	now           func() time.Time
}

type Upload struct {
	FileName    string
	ContentType string
	Body        io.Reader
}

type SendMessageInput struct {
	ConversationID string
	Content        string
	Upload         *Upload
}

type CreatedConversation struct {
	*model.Conversation
	AccessToken string `json:"access_token,omitempty"`
}

type SendMessageResult struct {
	Messages []model.Message `json:"messages"`
}

func NewChatService(
	conversations ConversationStore,
	messages MessageStore,
	publisher AsyncMessagePublisher,
	historyCache HistoryCache,
	answerer Answerer,
	ingester DocumentIngester,
	vectors VectorCleaner,
	cfg ChatServiceConfig,
	logger *slog.Logger,
) *ChatService {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatService{
		conversations: conversations,
		messages:      messages,
		publisher:     publisher,
		historyCache:  historyCache,
		answerer:      answerer,
		ingester:      ingester,
		vectors:       vectors,
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
	}
}

func (s *ChatService) CreateConversation(ctx context.Context) (*CreatedConversation, error) {
	conversation := &model.Conversation{
		ID:        uuid.NewString(),
		Files:     []string{},
		CreatedAt: s.now(),
	}
	if err := s.conversations.Create(ctx, conversation); err != nil {
		return nil, err
	}

	created := &CreatedConversation{Conversation: conversation}
	if s.cfg.JWTSecret != "" {
		token, err := jwtutil.GenerateToken(s.cfg.JWTSecret, conversation.ID, s.cfg.TokenTTL)
		if err != nil {
			return nil, err
		}
		created.AccessToken = token
	}
	return created, nil
}

func (s *ChatService) GetMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	if _, err := s.requireConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	if s.historyCache != nil {
		dirty, err := s.historyCache.IsDirty(ctx, conversationID)
		if err == nil && !dirty {
			if cached, hit, cacheErr := s.historyCache.GetHistory(ctx, conversationID); cacheErr == nil && hit {
				return trimMessages(cached, limit), nil
			}
		}
	}

	messages, err := s.messages.ListByConversationID(ctx, conversationID, 0)
	if err != nil {
		return nil, err
	}
	if s.historyCache != nil {
		if dirty, dirtyErr := s.historyCache.IsDirty(ctx, conversationID); dirtyErr == nil && !dirty {
			if err := s.historyCache.SetHistory(ctx, conversationID, messages); err != nil {
				s.logger.Warn("cache history failed", "conversation_id", conversationID, "error", err)
			}
		}
	}
	return trimMessages(messages, limit), nil
}

// SendMessage ingests an optional upload, runs one turn and queues both
// history messages. The reply is always present: a failed turn answers
// with FailureReply.
func (s *ChatService) SendMessage(ctx context.Context, input SendMessageInput) (*SendMessageResult, error) {
	content := strings.TrimSpace(input.Content)
	if content == "" && input.Upload == nil {
		return nil, ErrMessageEmpty
	}
	if _, err := s.requireConversation(ctx, input.ConversationID); err != nil {
		return nil, err
	}
	if s.publisher == nil {
		return nil, ErrMessageEnqueue
	}

	question := content
	var fileName *string
	if input.Upload != nil {
		name, err := s.ingestUpload(ctx, input.ConversationID, input.Upload)
		if err != nil {
			return nil, err
		}
		fileName = &name
		question = content + uploadNotice + name
	}

	userMessage := model.Message{
		ID:             uuid.NewString(),
		ConversationID: input.ConversationID,
		Role:           model.RoleUser,
		Content:        content,
		FileName:       fileName,
		CreatedAt:      s.now(),
	}
	s.markDirty(ctx, input.ConversationID)
	if err := s.publisher.Publish(ctx, userMessage); err != nil {
		s.logger.Error("enqueue user message failed", "conversation_id", input.ConversationID, "error", err)
		return nil, ErrMessageEnqueue
	}

	reply := s.answerer.Answer(ctx, input.ConversationID, question)

	assistantMessage := model.Message{
		ID:             uuid.NewString(),
		ConversationID: input.ConversationID,
		Role:           model.RoleAssistant,
		Content:        reply,
		CreatedAt:      s.now(),
	}
	if !assistantMessage.CreatedAt.After(userMessage.CreatedAt) {
		assistantMessage.CreatedAt = userMessage.CreatedAt.Add(time.Millisecond)
	}
	s.markDirty(ctx, input.ConversationID)
	if err := s.publisher.Publish(ctx, assistantMessage); err != nil {
		s.logger.Error("enqueue assistant message failed", "conversation_id", input.ConversationID, "error", err)
		return nil, ErrMessageEnqueue
	}

	return &SendMessageResult{Messages: []model.Message{userMessage, assistantMessage}}, nil
}

// DeleteConversation removes the conversation and everything it owns.
func (s *ChatService) DeleteConversation(ctx context.Context, conversationID string) error {
	if _, err := s.requireConversation(ctx, conversationID); err != nil {
		return err
	}
	if err := s.vectors.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}
	if err := s.messages.DeleteByConversationID(ctx, conversationID); err != nil {
		return err
	}
	if err := s.conversations.Delete(ctx, conversationID); err != nil {
		return err
	}
	if s.historyCache != nil {
		if err := s.historyCache.DeleteHistory(ctx, conversationID); err != nil {
			s.logger.Warn("drop cached history failed", "conversation_id", conversationID, "error", err)
		}
	}
	if err := s.ingester.RemoveUploads(conversationID); err != nil {
		s.logger.Warn("remove uploads failed", "conversation_id", conversationID, "error", err)
	}
	return nil
}

func (s *ChatService) ingestUpload(ctx context.Context, conversationID string, upload *Upload) (string, error) {
	if !extract.Supported(upload.FileName, upload.ContentType) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedMedia, upload.ContentType)
	}
	text, path, err := s.ingester.SaveAndExtract(conversationID, upload.FileName, upload.Body)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrNoTextContent
	}
	if _, err := s.ingester.Ingest(ctx, conversationID, upload.FileName, text); err != nil {
		return "", fmt.Errorf("ingest %s failed: %w", upload.FileName, err)
	}
	if err := s.conversations.AppendFile(ctx, conversationID, path); err != nil {
		return "", err
	}
	return upload.FileName, nil
}

func (s *ChatService) requireConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	if _, err := uuid.Parse(conversationID); err != nil {
		return nil, fmt.Errorf("%w: conversation id", ErrInvalidInput)
	}
	conversation, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conversation == nil {
		return nil, ErrConversationNotFound
	}
	return conversation, nil
}

func (s *ChatService) markDirty(ctx context.Context, conversationID string) {
	if s.historyCache == nil {
		return
	}
	if err := s.historyCache.MarkDirty(ctx, conversationID); err != nil {
		s.logger.Warn("mark history dirty failed", "conversation_id", conversationID, "error", err)
	}
}

func trimMessages(messages []model.Message, limit int) []model.Message {
	if limit <= 0 || limit >= len(messages) {
		return messages
	}
	return messages[len(messages)-limit:]
}
