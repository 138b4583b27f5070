package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"rawrag/internal/ai"
	natsevents "rawrag/internal/platform/nats"
	"rawrag/internal/retrieval"
	"rawrag/internal/worker"
)

// FailureReply is what a turn answers when the model could not.
const FailureReply = "The assistant failed to reply."

const ReadFilesTool = "read_files"

type TurnState string

const (
	StateAwaitingModel TurnState = "AWAITING_MODEL"
	StateToolRequested TurnState = "TOOL_REQUESTED"
	StateRetrieving    TurnState = "RETRIEVING"
	StateDone          TurnState = "DONE"
	StateFailed        TurnState = "FAILED"
)

var (
	ErrTooManyToolRounds = errors.New("model exceeded the tool round limit")
	ErrUnknownTool       = errors.New("model requested an unknown tool")
	ErrBadToolArguments  = errors.New("model sent malformed tool arguments")
	ErrEmptyReply        = errors.New("model returned an empty reply")
)

const systemInstruction = `You answer questions about the documents the user uploaded to this conversation.

- Ground every answer in the uploaded files. Use the read_files tool to look things up and do not invent facts that the files do not support.
- Each read_files call must carry at least 3 distinct queries built from the important keywords and phrases of the question.
- If the files do not contain the answer, say so plainly.

Reply in plain text only. Do not use markdown formatting.`

var readFilesDeclaration = ai.Tool{
	Name:        ReadFilesTool,
	Description: "Search the files uploaded to this conversation and return the passages most similar to the queries.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"queries": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": `Search phrases built from the user's latest question, e.g. ["projects I worked on", "projects in progress", "software projects"].`,
			},
		},
		"required": []string{"queries"},
	},
}

// ContextRetriever returns the grounding text for a set of queries. It never
// fails; total failure is reported as retrieval.Failed.
type ContextRetriever interface {
	Retrieve(ctx context.Context, queries []string, conversationID string) string
}

// EventPublisher emits domain events. nats.Client satisfies it.
type EventPublisher interface {
	Publish(event string, data any) error
}

type OrchestratorConfig struct {
	MaxToolRounds int
	TurnTimeout   time.Duration
}

// TurnReport summarises one conversational turn.
type TurnReport struct {
	ConversationID string        `json:"conversation_id"`
	State          TurnState     `json:"state"`
	Reply          string        `json:"-"`
	ToolRounds     int           `json:"tool_rounds"`
	ToolCalls      int           `json:"tool_calls"`
	Queries        []string      `json:"queries"`
	Duration       time.Duration `json:"duration_ns"`
	Error          string        `json:"error,omitempty"`
}

// Orchestrator drives a turn between the language model and the retriever.
type Orchestrator struct {
	model     ai.Model
	retriever ContextRetriever
	pool      *worker.Pool
	events    EventPublisher
	cfg       OrchestratorConfig
	logger    *slog.Logger
}

func NewOrchestrator(model ai.Model, retriever ContextRetriever, pool *worker.Pool, events EventPublisher, cfg OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		model:     model,
		retriever: retriever,
		pool:      pool,
		events:    events,
		cfg:       cfg,
		logger:    logger,
	}
}

// Answer runs a turn and returns the model's reply, or FailureReply when the
// turn ends in FAILED.
func (o *Orchestrator) Answer(ctx context.Context, conversationID, question string) string {
	return o.Run(ctx, conversationID, question).Reply
}

func (o *Orchestrator) Run(ctx context.Context, conversationID, question string) TurnReport {
	started := time.Now()
	if o.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.TurnTimeout)
		defer cancel()
	}

	report := TurnReport{ConversationID: conversationID, State: StateAwaitingModel}
	reply, err := o.loop(ctx, conversationID, question, &report)
	if err != nil {
		o.logger.Error("conversation turn failed",
			"conversation_id", conversationID,
			"state", report.State,
			"tool_rounds", report.ToolRounds,
			"error", err,
		)
		report.State = StateFailed
		report.Reply = FailureReply
		report.Error = err.Error()
	} else {
		report.State = StateDone
		report.Reply = reply
	}
	report.Duration = time.Since(started)

	if o.events != nil {
		if err := o.events.Publish(natsevents.EventTurnCompleted, report); err != nil {
			o.logger.Warn("publish turn event failed", "conversation_id", conversationID, "error", err)
		}
	}
	return report
}

func (o *Orchestrator) loop(ctx context.Context, conversationID, question string, report *TurnReport) (string, error) {
	messages := []ai.Message{{Role: ai.RoleUser, Content: question}}

	for {
		report.State = StateAwaitingModel
		resp, err := o.model.Generate(ctx, ai.Request{
			System:   systemInstruction,
			Messages: messages,
			Tools:    []ai.Tool{readFilesDeclaration},
		})
		if err != nil {
			return "", fmt.Errorf("generate failed: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			if strings.TrimSpace(resp.Content) == "" {
				return "", ErrEmptyReply
			}
			return resp.Content, nil
		}

		report.State = StateToolRequested
		if report.ToolRounds == o.cfg.MaxToolRounds {
			return "", fmt.Errorf("%w (%d)", ErrTooManyToolRounds, o.cfg.MaxToolRounds)
		}
		report.ToolRounds++

		messages = append(messages, ai.Message{
			Role:      ai.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			if call.Name != ReadFilesTool {
				return "", fmt.Errorf("%w: %q", ErrUnknownTool, call.Name)
			}
			queries, err := parseQueries(call.Arguments)
			if err != nil {
				return "", err
			}

			report.State = StateRetrieving
			report.ToolCalls++
			report.Queries = append(report.Queries, queries...)

			text, err := o.retrieve(ctx, conversationID, queries)
			if err != nil {
				return "", fmt.Errorf("retrieval interrupted: %w", err)
			}
			messages = append(messages, ai.Message{
				Role:       ai.RoleTool,
				ToolCallID: call.ID,
				Content:    text,
			})
		}
	}
}

// retrieve runs the retriever on the worker pool. It only errors when the
// turn's context ends or the pool is unusable; retrieval itself never fails.
func (o *Orchestrator) retrieve(ctx context.Context, conversationID string, queries []string) (string, error) {
	var text string
	run := func(ctx context.Context) error {
		text = o.retriever.Retrieve(ctx, queries, conversationID)
		return nil
	}
	var err error
	if o.pool != nil {
		err = o.pool.Do(ctx, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		return "", err
	}
	if text == "" {
		text = retrieval.Failed
	}
	return text, nil
}

func parseQueries(arguments string) ([]string, error) {
	var args struct {
		Queries []string `json:"queries"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadToolArguments, err)
	}
	queries := make([]string, 0, len(args.Queries))
	for _, q := range args.Queries {
		if q = strings.TrimSpace(q); q != "" {
			queries = append(queries, q)
		}
	}
	return queries, nil
}
