package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mfenderov/specialist/internal/events"
	"github.com/mfenderov/specialist/internal/ledger"
	"github.com/mfenderov/specialist/pkg/models"
)

type fakeSpecialist struct {
	last models.QueryContext
	err  error
}

func (f *fakeSpecialist) Ask(_ context.Context, q models.QueryContext) (*models.AgentResponse, error) {
	f.last = q
	if f.err != nil {
		return nil, f.err
	}
	return &models.AgentResponse{Answer: "Use ICH E9.", Tasks: []models.Task{}}, nil
}

func (f *fakeSpecialist) Retrieve(_ context.Context, q models.QueryContext) (*models.RetrievalResult, error) {
	f.last = q
	if f.err != nil {
		return nil, f.err
	}
	return &models.RetrievalResult{
		Chunks: []models.ScoredChunk{{Chunk: models.Chunk{ChunkID: "c1", SourceID: "guideline:e9"}, Score: 0.7}},
		Budget: 100,
	}, nil
}

func call(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want TextContent", res.Content[0])
	}
	return tc.Text
}

func newTestServer(t *testing.T, sp Specialist, records Records, status *events.Status) *Server {
	t.Helper()
	s, err := NewServer(Config{Name: "specialist", Version: "test"}, sp, records, status)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return s
}

func TestServer_Creation(t *testing.T) {
	s := newTestServer(t, &fakeSpecialist{}, nil, nil)
	if s.mcpServer == nil {
		t.Error("mcpServer should not be nil")
	}

	if _, err := NewServer(Config{}, nil, nil, nil); err == nil {
		t.Error("NewServer() without a specialist should fail")
	}
}

func TestServer_AskTool(t *testing.T) {
	sp := &fakeSpecialist{}
	s := newTestServer(t, sp, nil, nil)

	res, err := s.askHandler(context.Background(), call("ask_specialist", map[string]any{
		"question": "How is the SAP finalized?",
		"module":   "protocol",
	}))
	if err != nil {
		t.Fatalf("askHandler() error = %v", err)
	}
	if res.IsError {
		t.Fatalf("tool error: %s", text(t, res))
	}

	var got models.AgentResponse
	if err := json.Unmarshal([]byte(text(t, res)), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Answer != "Use ICH E9." {
		t.Errorf("answer = %q", got.Answer)
	}
	if sp.last.Module != models.ModuleProtocol {
		t.Errorf("module = %q", sp.last.Module)
	}
}

func TestServer_AskToolErrors(t *testing.T) {
	s := newTestServer(t, &fakeSpecialist{
		err: models.NewError(models.KindCompletionFailure, "complete", errors.New("model offline")),
	}, nil, nil)

	res, _ := s.askHandler(context.Background(), call("ask_specialist", map[string]any{}))
	if !res.IsError {
		t.Error("missing question should be a tool error")
	}

	res, _ = s.askHandler(context.Background(), call("ask_specialist", map[string]any{"question": "q"}))
	if !res.IsError {
		t.Fatal("upstream failure should be a tool error")
	}
	msg := text(t, res)
	if !strings.Contains(msg, "completion_failure") || !strings.Contains(msg, "retryable=true") {
		t.Errorf("message = %q", msg)
	}
}

func TestServer_SearchTool(t *testing.T) {
	sp := &fakeSpecialist{}
	s := newTestServer(t, sp, nil, nil)

	res, err := s.searchHandler(context.Background(), call("search_knowledge", map[string]any{"query": "interim analysis"}))
	if err != nil || res.IsError {
		t.Fatalf("searchHandler() = %v, %v", res, err)
	}

	var got models.RetrievalResult
	if err := json.Unmarshal([]byte(text(t, res)), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Chunks) != 1 || got.Chunks[0].Chunk.SourceID != "guideline:e9" {
		t.Errorf("result = %+v", got)
	}
	if sp.last.Question != "interim analysis" {
		t.Errorf("question = %q", sp.last.Question)
	}
}

func TestServer_GetRecordTool(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	err := store.Commit(ctx, models.ProcessedRecord{
		SourceID:    "csr:study-001.md",
		Origin:      models.OriginCSR,
		Fingerprint: models.Fingerprint("body"),
		ChunkIDs:    []string{"c1", "c2"},
	})
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	s := newTestServer(t, &fakeSpecialist{}, store, nil)

	res, _ := s.getRecordHandler(ctx, call("get_record", map[string]any{"source_id": "csr:study-001.md"}))
	if res.IsError {
		t.Fatalf("tool error: %s", text(t, res))
	}
	var got recordView
	if err := json.Unmarshal([]byte(text(t, res)), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Record == nil || len(got.Record.ChunkIDs) != 2 {
		t.Errorf("record = %+v", got.Record)
	}
	if len(got.History) != 1 || got.History[0].Type != ledger.EventCommitted {
		t.Errorf("history = %+v", got.History)
	}

	res, _ = s.getRecordHandler(ctx, call("get_record", map[string]any{"source_id": "csr:missing.md"}))
	if !res.IsError {
		t.Error("unknown source should be a tool error")
	}
}

func TestServer_StatusTool(t *testing.T) {
	status := events.NewStatus()
	status.Record(events.TickCompleteEvent{Origin: models.OriginGuideline, Listed: 12})
	s := newTestServer(t, &fakeSpecialist{}, nil, status)

	res, _ := s.statusHandler(context.Background(), call("ingestion_status", nil))

	var got []events.TickCompleteEvent
	if err := json.Unmarshal([]byte(text(t, res)), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Listed != 12 {
		t.Errorf("status = %+v", got)
	}
}
