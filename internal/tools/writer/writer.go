// Package writer implements the write-category tool executor.
//
// Write tools mutate state outside the conversation: saving documents to the
// local filesystem and recording analyses into the cache store. Every call
// through this executor has already passed approval gating in the turn loop;
// the executor itself performs no gating.
package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/tools/cache"
)

// Tool names registered by the write executor.
const (
	ToolSaveDocument   = "save_document"
	ToolRecordAnalysis = "record_analysis"
)

// Writer implements the write-category executor.
type Writer struct {
	store     *cache.Store
	outputDir string
	logger    *slog.Logger
}

// New creates a write executor that saves documents under outputDir and
// records analyses into store.
func New(store *cache.Store, outputDir string, logger *slog.Logger) *Writer {
	if outputDir == "" {
		outputDir = "documents"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		store:     store,
		outputDir: outputDir,
		logger:    logger,
	}
}

// Definitions returns the write tool definitions for registry wiring.
func (w *Writer) Definitions() []agent.ToolDefinition {
	return []agent.ToolDefinition{
		{
			Name:        ToolSaveDocument,
			Description: "Save a markdown or JSON document to the workspace output directory. Requires user approval.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"filename": {"type": "string", "description": "File name, e.g. report.md or data.json"},
					"content": {"type": "string", "description": "Document content"}
				},
				"required": ["filename", "content"]
			}`),
		},
		{
			Name:        ToolRecordAnalysis,
			Description: "Record a completed analysis in the cache so later turns can retrieve it. Requires user approval.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"kind": {"type": "string", "description": "Analysis kind, e.g. swot, chart, document"},
					"subject": {"type": "string", "description": "What the analysis is about"},
					"payload": {"type": "object", "description": "Analysis content as a JSON object"}
				},
				"required": ["kind", "subject"]
			}`),
		},
	}
}

// Execute dispatches a write tool call.
func (w *Writer) Execute(ctx context.Context, toolName string, input map[string]any) (*agent.ExecResult, error) {
	switch toolName {
	case ToolSaveDocument:
		return w.saveDocument(input)
	case ToolRecordAnalysis:
		return w.recordAnalysis(ctx, input)
	default:
		return &agent.ExecResult{
			Content: "unknown write tool: " + toolName,
			IsError: true,
		}, nil
	}
}

func (w *Writer) saveDocument(input map[string]any) (*agent.ExecResult, error) {
	filename, _ := input["filename"].(string)
	content, _ := input["content"].(string)

	if filename == "" || content == "" {
		return &agent.ExecResult{
			Content: "save_document requires filename and content",
			IsError: true,
		}, nil
	}
	if err := validateFilename(filename); err != nil {
		return &agent.ExecResult{
			Content: err.Error(),
			IsError: true,
		}, nil
	}

	if err := os.MkdirAll(w.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("writer: failed to create output directory: %w", err)
	}

	path := filepath.Join(w.outputDir, filename)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("writer: failed to write document: %w", err)
	}

	w.logger.Info("document saved",
		"path", path,
		"bytes", len(content),
	)
	return &agent.ExecResult{Content: "document saved to " + path}, nil
}

func (w *Writer) recordAnalysis(ctx context.Context, input map[string]any) (*agent.ExecResult, error) {
	kind, _ := input["kind"].(string)
	subject, _ := input["subject"].(string)

	if kind == "" || subject == "" {
		return &agent.ExecResult{
			Content: "record_analysis requires kind and subject",
			IsError: true,
		}, nil
	}

	analysis := &cache.Analysis{
		Kind:    kind,
		Subject: subject,
	}
	if payload, ok := input["payload"]; ok && payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return &agent.ExecResult{
				Content: fmt.Sprintf("record_analysis payload is not valid JSON: %v", err),
				IsError: true,
			}, nil
		}
		analysis.Payload = encoded
	}

	if err := w.store.Put(ctx, analysis); err != nil {
		return nil, err
	}

	w.logger.Info("analysis recorded",
		"id", analysis.ID,
		"kind", kind,
		"subject", subject,
	)
	return &agent.ExecResult{Content: "analysis recorded with id " + analysis.ID}, nil
}

// validateFilename rejects names that would escape the output directory.
func validateFilename(filename string) error {
	if strings.Contains(filename, "..") || strings.ContainsAny(filename, `/\`) {
		return fmt.Errorf("invalid filename %q: must be a bare file name", filename)
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".md", ".markdown", ".json", ".txt":
		return nil
	default:
		return fmt.Errorf("invalid filename %q: only .md, .markdown, .json, and .txt files are allowed", filename)
	}
}
