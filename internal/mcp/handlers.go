package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"rawrag/internal/retrieval"
	"rawrag/internal/worker"
)

type Handlers struct {
	retriever Retriever
	answerer  Answerer
	pool      *worker.Pool
	logger    *slog.Logger
}

// NewHandlers builds the tool handlers. Retrieval runs on pool, the same
// bounded pool the orchestrator uses.
func NewHandlers(retriever Retriever, answerer Answerer, pool *worker.Pool, logger *slog.Logger) *Handlers {
	if pool == nil {
		pool = worker.NewPool(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{retriever: retriever, answerer: answerer, pool: pool, logger: logger}
}

func (h *Handlers) ReadFiles(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chatID, errResult := chatIDArg(request)
	if errResult != nil {
		return errResult, nil
	}

	raw, ok := request.GetArguments()["queries"].([]interface{})
	if !ok {
		return mcp.NewToolResultError("queries argument is required and must be an array of strings"), nil
	}
	queries := make([]string, 0, len(raw))
	for _, item := range raw {
		q, ok := item.(string)
		if !ok {
			return mcp.NewToolResultError("queries must contain only strings"), nil
		}
		if q = strings.TrimSpace(q); q != "" {
			queries = append(queries, q)
		}
	}
	if len(queries) == 0 {
		return mcp.NewToolResultError("at least one non-empty query is required"), nil
	}

	var text string
	err := h.pool.Do(ctx, func(ctx context.Context) error {
		text = h.retriever.Retrieve(ctx, queries, chatID)
		return nil
	})
	if err != nil {
		h.logger.Error("mcp read_files failed", "conversation_id", chatID, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("retrieval did not run: %v", err)), nil
	}
	if text == "" {
		text = retrieval.Failed
	}
	h.logger.Info("mcp read_files", "conversation_id", chatID, "queries", len(queries))
	return mcp.NewToolResultText(text), nil
}

func (h *Handlers) Ask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chatID, errResult := chatIDArg(request)
	if errResult != nil {
		return errResult, nil
	}
	question, err := request.RequireString("question")
	if err != nil || strings.TrimSpace(question) == "" {
		return mcp.NewToolResultError("question argument is required and must be a non-empty string"), nil
	}

	reply := h.answerer.Answer(ctx, chatID, question)
	h.logger.Info("mcp ask", "conversation_id", chatID)
	return mcp.NewToolResultText(reply), nil
}

func chatIDArg(request mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	chatID, err := request.RequireString("chat_id")
	if err != nil {
		return "", mcp.NewToolResultError("chat_id argument is required and must be a string")
	}
	if _, err := uuid.Parse(chatID); err != nil {
		return "", mcp.NewToolResultError(fmt.Sprintf("chat_id is not a valid UUID: %v", err))
	}
	return chatID, nil
}
