package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"rawrag/internal/ai"
	"rawrag/internal/retrieval"
	"rawrag/internal/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedModel replays responses in order and records every request.
type scriptedModel struct {
	mu        sync.Mutex
	responses []ai.Response
	errs      []error
	requests  []ai.Request
}

func (m *scriptedModel) Generate(ctx context.Context, req ai.Request) (ai.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	i := len(m.requests) - 1
	if i < len(m.errs) && m.errs[i] != nil {
		return ai.Response{}, m.errs[i]
	}
	if i >= len(m.responses) {
		return ai.Response{}, errors.New("script exhausted")
	}
	return m.responses[i], nil
}

type recordingRetriever struct {
	mu     sync.Mutex
	calls  [][]string
	result string
}

func (r *recordingRetriever) Retrieve(_ context.Context, queries []string, _ string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, queries)
	return r.result
}

type recordingEvents struct {
	mu     sync.Mutex
	events []string
	data   []any
}

func (e *recordingEvents) Publish(event string, data any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	e.data = append(e.data, data)
	return nil
}

func toolCall(id, args string) ai.Response {
	return ai.Response{ToolCalls: []ai.ToolCall{{ID: id, Name: ReadFilesTool, Arguments: args}}}
}

func newTestOrchestrator(m ai.Model, r ContextRetriever, cfg OrchestratorConfig) *Orchestrator {
	return NewOrchestrator(m, r, worker.NewPool(2), nil, cfg, discardLogger())
}

func TestAnswer_NoToolCallReturnsTextUnchanged(t *testing.T) {
	model := &scriptedModel{responses: []ai.Response{{Content: "  Paris is the capital.\n"}}}
	retriever := &recordingRetriever{}
	o := newTestOrchestrator(model, retriever, OrchestratorConfig{})

	got := o.Answer(context.Background(), "c1", "What is the capital?")
	if got != "  Paris is the capital.\n" {
		t.Errorf("Answer = %q", got)
	}
	if len(retriever.calls) != 0 {
		t.Errorf("expected no retriever calls, got %d", len(retriever.calls))
	}
	req := model.requests[0]
	if req.System == "" || len(req.Tools) != 1 || req.Tools[0].Name != ReadFilesTool {
		t.Errorf("request missing system instruction or tool declaration: %+v", req)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "What is the capital?" {
		t.Errorf("unexpected first request messages: %+v", req.Messages)
	}
}

func TestRun_ToolLoopFeedsRetrievalBack(t *testing.T) {
	model := &scriptedModel{responses: []ai.Response{
		toolCall("call-1", `{"queries":["projects done"," projects in progress ",""]}`),
		{Content: "You built a compiler."},
	}}
	retriever := &recordingRetriever{result: "Built a compiler in 2021"}
	o := newTestOrchestrator(model, retriever, OrchestratorConfig{})

	report := o.Run(context.Background(), "c1", "What projects?")
	if report.State != StateDone || report.Reply != "You built a compiler." {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.ToolRounds != 1 || report.ToolCalls != 1 {
		t.Errorf("expected 1 round and 1 call, got %d/%d", report.ToolRounds, report.ToolCalls)
	}
	if len(retriever.calls) != 1 || strings.Join(retriever.calls[0], "|") != "projects done|projects in progress" {
		t.Errorf("unexpected retriever queries %v", retriever.calls)
	}

	second := model.requests[1].Messages
	if len(second) != 3 {
		t.Fatalf("expected user, assistant, tool messages, got %+v", second)
	}
	if second[1].Role != ai.RoleAssistant || len(second[1].ToolCalls) != 1 {
		t.Errorf("assistant tool call not replayed: %+v", second[1])
	}
	if second[2].Role != ai.RoleTool || second[2].ToolCallID != "call-1" || second[2].Content != "Built a compiler in 2021" {
		t.Errorf("tool result not fed back: %+v", second[2])
	}
}

func TestRun_EmptyRetrievalBecomesSentinel(t *testing.T) {
	model := &scriptedModel{responses: []ai.Response{
		toolCall("call-1", `{"queries":["a","b","c"]}`),
		{Content: "I could not find that in your files."},
	}}
	o := newTestOrchestrator(model, &recordingRetriever{result: ""}, OrchestratorConfig{})

	if report := o.Run(context.Background(), "c1", "q"); report.State != StateDone {
		t.Fatalf("expected DONE, got %+v", report)
	}
	if got := model.requests[1].Messages[2].Content; got != retrieval.Failed {
		t.Errorf("tool result = %q, want %q", got, retrieval.Failed)
	}
}

func TestRun_ModelErrorFails(t *testing.T) {
	model := &scriptedModel{
		responses: []ai.Response{toolCall("call-1", `{"queries":["a"]}`)},
		errs:      []error{nil, errors.New("quota exceeded")},
	}
	o := newTestOrchestrator(model, &recordingRetriever{result: "x"}, OrchestratorConfig{})

	report := o.Run(context.Background(), "c1", "q")
	if report.State != StateFailed || report.Reply != FailureReply {
		t.Errorf("expected FAILED with failure reply, got %+v", report)
	}
	if !strings.Contains(report.Error, "quota exceeded") {
		t.Errorf("report should carry the cause, got %q", report.Error)
	}
}

func TestRun_MalformedResponsesFail(t *testing.T) {
	tests := []struct {
		name string
		resp ai.Response
		want error
	}{
		{"bad json arguments", toolCall("c", `{"queries":`), ErrBadToolArguments},
		{"unknown tool", ai.Response{ToolCalls: []ai.ToolCall{{ID: "c", Name: "delete_files", Arguments: `{}`}}}, ErrUnknownTool},
		{"empty reply", ai.Response{Content: "   "}, ErrEmptyReply},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &scriptedModel{responses: []ai.Response{tt.resp}}
			report := newTestOrchestrator(model, &recordingRetriever{}, OrchestratorConfig{}).Run(context.Background(), "c1", "q")
			if report.State != StateFailed || report.Reply != FailureReply {
				t.Errorf("expected FAILED, got %+v", report)
			}
			if !strings.Contains(report.Error, tt.want.Error()) {
				t.Errorf("error %q does not mention %q", report.Error, tt.want)
			}
		})
	}
}

func TestRun_ToolRoundLimit(t *testing.T) {
	responses := make([]ai.Response, 5)
	for i := range responses {
		responses[i] = toolCall("c", `{"queries":["again"]}`)
	}
	model := &scriptedModel{responses: responses}
	retriever := &recordingRetriever{result: "x"}
	o := newTestOrchestrator(model, retriever, OrchestratorConfig{MaxToolRounds: 3})

	report := o.Run(context.Background(), "c1", "q")
	if report.State != StateFailed {
		t.Fatalf("expected FAILED, got %+v", report)
	}
	if len(retriever.calls) != 3 || len(model.requests) != 4 {
		t.Errorf("expected 3 retrievals and 4 model calls, got %d and %d", len(retriever.calls), len(model.requests))
	}
}

type blockingModel struct{}

func (blockingModel) Generate(ctx context.Context, _ ai.Request) (ai.Response, error) {
	<-ctx.Done()
	return ai.Response{}, ctx.Err()
}

func TestRun_TimeoutFails(t *testing.T) {
	o := newTestOrchestrator(blockingModel{}, &recordingRetriever{}, OrchestratorConfig{TurnTimeout: 20 * time.Millisecond})

	start := time.Now()
	report := o.Run(context.Background(), "c1", "q")
	if report.State != StateFailed || report.Reply != FailureReply {
		t.Errorf("expected FAILED on timeout, got %+v", report)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("turn was not bounded by its timeout")
	}
}

func TestRun_PublishesTurnEvent(t *testing.T) {
	events := &recordingEvents{}
	model := &scriptedModel{responses: []ai.Response{{Content: "hi"}}}
	o := NewOrchestrator(model, &recordingRetriever{}, nil, events, OrchestratorConfig{}, discardLogger())

	o.Run(context.Background(), "c1", "q")
	if len(events.events) != 1 || events.events[0] != "turn.completed" {
		t.Fatalf("expected one turn.completed event, got %v", events.events)
	}
	report, ok := events.data[0].(TurnReport)
	if !ok || report.State != StateDone || report.ConversationID != "c1" {
		t.Errorf("unexpected event payload %+v", events.data[0])
	}
}
