package mcp

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"rawrag/internal/worker"
)

const (
	ToolReadFiles = "read_files"
	ToolAsk       = "ask"
)

type Retriever interface {
	Retrieve(ctx context.Context, queries []string, conversationID string) string
}

type Answerer interface {
	Answer(ctx context.Context, conversationID, question string) string
}

// NewServer builds the stdio MCP server with the read_files and ask tools.
func NewServer(name, version string, retriever Retriever, answerer Answerer, pool *worker.Pool, logger *slog.Logger) *mcpserver.MCPServer {
	server := mcpserver.NewMCPServer(name, version)
	RegisterTools(server, retriever, answerer, pool, logger)
	return server
}

func RegisterTools(server *mcpserver.MCPServer, retriever Retriever, answerer Answerer, pool *worker.Pool, logger *slog.Logger) *Handlers {
	handlers := NewHandlers(retriever, answerer, pool, logger)

	server.AddTool(mcp.Tool{
		Name:        ToolReadFiles,
		Description: "Search the files uploaded to a chat. Returns the best matching passages, most relevant first.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"chat_id": map[string]interface{}{
					"type":        "string",
					"description": "Chat UUID whose files are searched",
				},
				"queries": map[string]interface{}{
					"type":        "array",
					"description": "Short search queries, one concept each",
					"items":       map[string]interface{}{"type": "string"},
				},
			},
			Required: []string{"chat_id", "queries"},
		},
	}, handlers.ReadFiles)

	server.AddTool(mcp.Tool{
		Name:        ToolAsk,
		Description: "Ask the chat assistant a question. It reads the chat's files when it needs to.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"chat_id": map[string]interface{}{
					"type":        "string",
					"description": "Chat UUID the question belongs to",
				},
				"question": map[string]interface{}{
					"type":        "string",
					"description": "Question for the assistant",
				},
			},
			Required: []string{"chat_id", "question"},
		},
	}, handlers.Ask)

	return handlers
}
