package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"rawrag/internal/app"
	"rawrag/internal/model"
	"rawrag/internal/transport/http/response"
)

type ChatService interface {
	CreateConversation(ctx context.Context) (*app.CreatedConversation, error)
	GetMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
	SendMessage(ctx context.Context, input app.SendMessageInput) (*app.SendMessageResult, error)
	DeleteConversation(ctx context.Context, conversationID string) error
}

type ChatHandler struct {
	chatService    ChatService
	maxUploadBytes int64
}

func NewChatHandler(chatService ChatService, maxUploadBytes int64) *ChatHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 20 << 20
	}
	return &ChatHandler{chatService: chatService, maxUploadBytes: maxUploadBytes}
}

func (h *ChatHandler) CreateConversation(c *gin.Context) {
	created, err := h.chatService.CreateConversation(c.Request.Context())
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "failed to initiate chat")
		return
	}
	response.Created(c, created)
}

func (h *ChatHandler) GetMessages(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	messages, err := h.chatService.GetMessages(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeServiceError(c, err, "failed to load messages")
		return
	}
	response.OK(c, messages)
}

// SendMessage accepts multipart form data: a required "content" field and
// an optional "file".
func (h *ChatHandler) SendMessage(c *gin.Context) {
	// Room for the form fields on top of the file itself.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+1<<20)

	input := app.SendMessageInput{ConversationID: c.Param("id")}

	// FormFile parses the form first so an oversized body is reported here.
	file, err := c.FormFile("file")
	switch {
	case err == nil:
		f, openErr := file.Open()
		if openErr != nil {
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "failed to read file")
			return
		}
		defer f.Close()
		input.Upload = &app.Upload{
			FileName:    file.Filename,
			ContentType: file.Header.Get("Content-Type"),
			Body:        f,
		}
	case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
	default:
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(c, http.StatusRequestEntityTooLarge, response.CodePayloadTooLarge, "upload too large")
			return
		}
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid multipart form")
		return
	}

	input.Content = c.PostForm("content")

	result, err := h.chatService.SendMessage(c.Request.Context(), input)
	if err != nil {
		writeServiceError(c, err, "send message failed")
		return
	}
	response.Created(c, result.Messages)
}

func (h *ChatHandler) DeleteConversation(c *gin.Context) {
	id := c.Param("id")
	if err := h.chatService.DeleteConversation(c.Request.Context(), id); err != nil {
		writeServiceError(c, err, "delete conversation failed")
		return
	}
	response.OK(c, gin.H{"deleted_conversation_id": id})
}

func writeServiceError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, app.ErrInvalidInput), errors.Is(err, app.ErrMessageEmpty):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
	case errors.Is(err, app.ErrConversationNotFound):
		response.Error(c, http.StatusNotFound, response.CodeConversationNotFound, err.Error())
	case errors.Is(err, app.ErrUnsupportedMedia):
		response.Error(c, http.StatusUnsupportedMediaType, response.CodeUnsupportedMedia, "unsupported media type")
	case errors.Is(err, app.ErrNoTextContent):
		response.Error(c, http.StatusUnprocessableEntity, response.CodeNoTextContent, err.Error())
	case errors.Is(err, app.ErrUploadTooLarge):
		response.Error(c, http.StatusRequestEntityTooLarge, response.CodePayloadTooLarge, err.Error())
	case errors.Is(err, app.ErrMessageEnqueue):
		response.Error(c, http.StatusServiceUnavailable, response.CodeQueueUnavailable, err.Error())
	default:
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, fallback)
	}
}
