package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/conductor/internal/agent"
)

// Tool names registered by the read executor.
const (
	ToolGetAnalysis    = "get_analysis"
	ToolListAnalyses   = "list_analyses"
	ToolSearchAnalyses = "search_analyses"
)

// Reader implements the read-category executor over the analysis store.
// Read tools never mutate state and never require approval.
type Reader struct {
	store  *Store
	logger *slog.Logger
}

// NewReader creates a read executor backed by the given store.
func NewReader(store *Store, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{store: store, logger: logger}
}

// Definitions returns the read tool definitions for registry wiring.
func (r *Reader) Definitions() []agent.ToolDefinition {
	return []agent.ToolDefinition{
		{
			Name:        ToolGetAnalysis,
			Description: "Fetch a cached analysis by id, including its full payload.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"id": {"type": "string", "description": "Analysis id"}
				},
				"required": ["id"]
			}`),
		},
		{
			Name:        ToolListAnalyses,
			Description: "List recently cached analyses, newest first. Returns ids, kinds, and subjects without payloads.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"limit": {"type": "integer", "description": "Maximum number of results (default 20)"}
				}
			}`),
		},
		{
			Name:        ToolSearchAnalyses,
			Description: "Search cached analyses by subject or content. Returns ids, kinds, and subjects without payloads.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "description": "Search text"},
					"limit": {"type": "integer", "description": "Maximum number of results (default 20)"}
				},
				"required": ["query"]
			}`),
		},
	}
}

// Execute dispatches a read tool call. Lookup misses and bad arguments are
// tool-local error results; store failures are returned as errors for the
// router to fold.
func (r *Reader) Execute(ctx context.Context, toolName string, input map[string]any) (*agent.ExecResult, error) {
	switch toolName {
	case ToolGetAnalysis:
		return r.getAnalysis(ctx, input)
	case ToolListAnalyses:
		return r.listAnalyses(ctx, input)
	case ToolSearchAnalyses:
		return r.searchAnalyses(ctx, input)
	default:
		return &agent.ExecResult{
			Content: "unknown read tool: " + toolName,
			IsError: true,
		}, nil
	}
}

func (r *Reader) getAnalysis(ctx context.Context, input map[string]any) (*agent.ExecResult, error) {
	id, _ := input["id"].(string)
	if id == "" {
		return &agent.ExecResult{
			Content: "get_analysis requires an id",
			IsError: true,
		}, nil
	}

	analysis, err := r.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return &agent.ExecResult{
			Content: fmt.Sprintf("no analysis found with id %s", id),
			IsError: true,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(analysis)
	if err != nil {
		return nil, fmt.Errorf("cache: failed to encode analysis: %w", err)
	}
	return &agent.ExecResult{Content: string(payload)}, nil
}

func (r *Reader) listAnalyses(ctx context.Context, input map[string]any) (*agent.ExecResult, error) {
	analyses, err := r.store.List(ctx, intArg(input, "limit"))
	if err != nil {
		return nil, err
	}
	return summaryResult(analyses)
}

func (r *Reader) searchAnalyses(ctx context.Context, input map[string]any) (*agent.ExecResult, error) {
	query, _ := input["query"].(string)
	if query == "" {
		return &agent.ExecResult{
			Content: "search_analyses requires a query",
			IsError: true,
		}, nil
	}

	analyses, err := r.store.Search(ctx, query, intArg(input, "limit"))
	if err != nil {
		return nil, err
	}
	return summaryResult(analyses)
}

// analysisSummary is the payload-free listing shape fed back to the model.
type analysisSummary struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Subject   string `json:"subject"`
	CreatedAt string `json:"created_at"`
}

func summaryResult(analyses []*Analysis) (*agent.ExecResult, error) {
	if len(analyses) == 0 {
		return &agent.ExecResult{Content: "no analyses found"}, nil
	}

	summaries := make([]analysisSummary, len(analyses))
	for i, a := range analyses {
		summaries[i] = analysisSummary{
			ID:        a.ID,
			Kind:      a.Kind,
			Subject:   a.Subject,
			CreatedAt: a.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
	}

	payload, err := json.Marshal(summaries)
	if err != nil {
		return nil, fmt.Errorf("cache: failed to encode summaries: %w", err)
	}
	return &agent.ExecResult{Content: string(payload)}, nil
}

// intArg reads an integer argument that arrives as a JSON number.
func intArg(input map[string]any, key string) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
