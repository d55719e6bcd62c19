// Package mcp exposes the Specialist as Model Context Protocol tools.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mfenderov/specialist/internal/events"
	"github.com/mfenderov/specialist/internal/ledger"
	"github.com/mfenderov/specialist/pkg/models"
)

// Config holds MCP server configuration.
type Config struct {
	Name    string
	Version string
}

// Specialist answers and retrieves.
type Specialist interface {
	Ask(ctx context.Context, q models.QueryContext) (*models.AgentResponse, error)
	Retrieve(ctx context.Context, q models.QueryContext) (*models.RetrievalResult, error)
}

// Records reads the processed ledger.
type Records interface {
	Get(ctx context.Context, sourceID string) (*models.ProcessedRecord, error)
	History(ctx context.Context, sourceID string) ([]ledger.Event, error)
}

// Server wraps the MCP server with the Specialist tools.
type Server struct {
	mcpServer  *server.MCPServer
	specialist Specialist
	records    Records
	status     *events.Status
}

// NewServer creates a new MCP server. records and status may be nil, in which
// case the tools that need them are not registered.
func NewServer(config Config, specialist Specialist, records Records, status *events.Status) (*Server, error) {
	if specialist == nil {
		return nil, fmt.Errorf("specialist is required")
	}

	mcpServer := server.NewMCPServer(
		config.Name,
		config.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s := &Server{
		mcpServer:  mcpServer,
		specialist: specialist,
		records:    records,
		status:     status,
	}

	modules := make([]string, len(models.Modules))
	for i, m := range models.Modules {
		modules[i] = string(m)
	}

	askTool := mcp.NewTool("ask_specialist",
		mcp.WithDescription("Ask the regulatory Specialist a question. Returns an answer grounded in indexed guidelines and clinical study reports, plus suggested follow-up tasks."),
		mcp.WithString("question",
			mcp.Required(),
			mcp.Description("The question to answer"),
		),
		mcp.WithString("module",
			mcp.Description("Application area used to bias retrieval (default: general)"),
			mcp.Enum(modules...),
		),
	)
	mcpServer.AddTool(askTool, s.askHandler)

	searchTool := mcp.NewTool("search_knowledge",
		mcp.WithDescription("Retrieve the indexed excerpts most relevant to a query, ranked and bounded by the context token budget."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Search query string"),
		),
		mcp.WithString("module",
			mcp.Description("Application area whose chunks rank higher (default: general)"),
			mcp.Enum(modules...),
		),
	)
	mcpServer.AddTool(searchTool, s.searchHandler)

	if records != nil {
		recordTool := mcp.NewTool("get_record",
			mcp.WithDescription("Get the ingestion record of a source document: fingerprint, owned chunk ids and history"),
			mcp.WithString("source_id",
				mcp.Required(),
				mcp.Description("Source id, e.g. guideline:ich-e9 or csr:study-001/report.md"),
			),
		)
		mcpServer.AddTool(recordTool, s.getRecordHandler)
	}

	if status != nil {
		statusTool := mcp.NewTool("ingestion_status",
			mcp.WithDescription("Summarize the latest ingestion tick of every origin"),
		)
		mcpServer.AddTool(statusTool, s.statusHandler)
	}

	return s, nil
}

// askHandler handles the ask_specialist tool call.
func (s *Server) askHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := req.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError("question parameter is required"), nil
	}
	q := models.QueryContext{Question: question, Module: models.Module(req.GetString("module", ""))}

	resp, err := s.specialist.Ask(ctx, q)
	if err != nil {
		return toolError("ask failed", err), nil
	}
	return jsonResult(resp)
}

// searchHandler handles the search_knowledge tool call.
func (s *Server) searchHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("query parameter is required"), nil
	}
	q := models.QueryContext{Question: query, Module: models.Module(req.GetString("module", ""))}

	result, err := s.specialist.Retrieve(ctx, q)
	if err != nil {
		return toolError("search failed", err), nil
	}
	return jsonResult(result)
}

type recordView struct {
	Record  *models.ProcessedRecord `json:"record"`
	History []ledger.Event          `json:"history"`
}

// getRecordHandler handles the get_record tool call.
func (s *Server) getRecordHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("source_id")
	if err != nil {
		return mcp.NewToolResultError("source_id parameter is required"), nil
	}

	rec, err := s.records.Get(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get record failed: %v", err)), nil
	}
	history, err := s.records.History(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get history failed: %v", err)), nil
	}
	if rec == nil && len(history) == 0 {
		return mcp.NewToolResultError(fmt.Sprintf("source not found: %s", id)), nil
	}
	return jsonResult(recordView{Record: rec, History: history})
}

// statusHandler handles the ingestion_status tool call.
func (s *Server) statusHandler(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.status.Snapshot())
}

func toolError(prefix string, err error) *mcp.CallToolResult {
	kind := models.KindOf(err)
	var me *models.Error
	retry := errors.As(err, &me) && me.Retryable()
	return mcp.NewToolResultError(fmt.Sprintf("%s (%s, retryable=%t): %v", prefix, kind, retry, err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ServeStdio starts the MCP server using stdio transport.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP serves the streamable HTTP transport on addr until ctx is cancelled.
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.mcpServer)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("mcp listening", "addr", addr, "transport", "http")
		errCh <- httpServer.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down mcp server: %w", err)
	}
	return nil
}
