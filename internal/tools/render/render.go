// Package render implements the render-category tool executor.
//
// Render tools turn validated model input into typed content blocks: charts,
// tables, Mermaid diagrams, SWOT analyses, and SWOT comparisons. The block
// payload travels to the client on the turn result; the model only ever sees
// the block's type and id.
package render

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	schemagen "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/pkg/blocks"
)

// Tool names registered by this executor.
const (
	ToolRenderChart      = "render_chart"
	ToolRenderTable      = "render_table"
	ToolRenderDiagram    = "render_diagram"
	ToolRenderSWOT       = "render_swot"
	ToolRenderComparison = "render_comparison"
)

// tool couples a definition with its compiled input schema and builder.
type tool struct {
	def    agent.ToolDefinition
	schema *jsonschema.Schema
	build  func(input map[string]any) (*blocks.Block, error)
}

// Executor validates render tool input against generated JSON schemas and
// produces content blocks. It implements agent.Executor.
type Executor struct {
	tools  map[string]*tool
	logger *slog.Logger
}

// NewExecutor builds the render executor with all render tools registered.
func NewExecutor(logger *slog.Logger) (*Executor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		tools:  make(map[string]*tool),
		logger: logger,
	}

	specs := []struct {
		name        string
		description string
		input       any
		build       func(input map[string]any) (*blocks.Block, error)
	}{
		{
			name:        ToolRenderChart,
			description: "Render a bar, line, or pie chart from labeled numeric series. Use for trends, distributions, and quantitative comparisons.",
			input:       blocks.ChartPayload{},
			build:       buildChart,
		},
		{
			name:        ToolRenderTable,
			description: "Render a table with named columns and string rows. Use for structured facts and side-by-side values.",
			input:       blocks.TablePayload{},
			build:       buildTable,
		},
		{
			name:        ToolRenderDiagram,
			description: "Render a Mermaid diagram from source text. Use for flows, relationships, and architecture sketches.",
			input:       blocks.DiagramPayload{},
			build:       buildDiagram,
		},
		{
			name:        ToolRenderSWOT,
			description: "Render a SWOT analysis with strengths, weaknesses, opportunities, and threats for a subject.",
			input:       blocks.SWOTPayload{},
			build:       buildSWOT,
		},
		{
			name:        ToolRenderComparison,
			description: "Render a comparison of two SWOT analyses. The diff of entries is computed automatically.",
			input:       comparisonInput{},
			build:       buildComparison,
		},
	}

	for _, spec := range specs {
		schemaJSON, err := generateSchema(spec.input)
		if err != nil {
			return nil, fmt.Errorf("render: generate schema for %s: %w", spec.name, err)
		}
		compiled, err := compileSchema(schemaJSON)
		if err != nil {
			return nil, fmt.Errorf("render: compile schema for %s: %w", spec.name, err)
		}
		e.tools[spec.name] = &tool{
			def: agent.ToolDefinition{
				Name:        spec.name,
				Description: spec.description,
				Parameters:  schemaJSON,
			},
			schema: compiled,
			build:  spec.build,
		}
	}

	return e, nil
}

// Definitions returns the tool definitions for registry wiring, in a stable
// order.
func (e *Executor) Definitions() []agent.ToolDefinition {
	names := []string{
		ToolRenderChart,
		ToolRenderTable,
		ToolRenderDiagram,
		ToolRenderSWOT,
		ToolRenderComparison,
	}
	defs := make([]agent.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, e.tools[name].def)
	}
	return defs
}

// Execute validates the input and builds the requested block. Validation and
// build failures are tool-local: they come back as error results the model
// can correct, never as executor errors.
func (e *Executor) Execute(ctx context.Context, toolName string, input map[string]any) (*agent.ExecResult, error) {
	t, ok := e.tools[toolName]
	if !ok {
		return &agent.ExecResult{
			Content: "unknown render tool: " + toolName,
			IsError: true,
		}, nil
	}

	if err := t.schema.Validate(normalize(input)); err != nil {
		e.logger.Debug("render input failed validation",
			"tool", toolName,
			"error", err,
		)
		return &agent.ExecResult{
			Content: fmt.Sprintf("invalid input for %s: %v", toolName, err),
			IsError: true,
		}, nil
	}

	block, err := t.build(input)
	if err != nil {
		return &agent.ExecResult{
			Content: fmt.Sprintf("cannot render %s: %v", toolName, err),
			IsError: true,
		}, nil
	}

	return &agent.ExecResult{Block: block}, nil
}

// comparisonInput is the model-facing input for render_comparison. The diff
// fields of the payload are computed, not supplied.
type comparisonInput struct {
	Left    blocks.SWOTPayload `json:"left"`
	Right   blocks.SWOTPayload `json:"right"`
	Summary string             `json:"summary,omitempty"`
}

func buildChart(input map[string]any) (*blocks.Block, error) {
	var payload blocks.ChartPayload
	if err := decodeInput(input, &payload); err != nil {
		return nil, err
	}

	switch payload.Kind {
	case "bar", "line", "pie":
	default:
		return nil, fmt.Errorf("unsupported chart kind %q (want bar, line, or pie)", payload.Kind)
	}
	if len(payload.Labels) == 0 {
		return nil, fmt.Errorf("chart needs at least one label")
	}
	if len(payload.Series) == 0 {
		return nil, fmt.Errorf("chart needs at least one series")
	}
	for _, series := range payload.Series {
		if len(series.Values) != len(payload.Labels) {
			return nil, fmt.Errorf("series %q has %d values for %d labels", series.Name, len(series.Values), len(payload.Labels))
		}
	}

	return blocks.New(blocks.TypeChart, payload), nil
}

func buildTable(input map[string]any) (*blocks.Block, error) {
	var payload blocks.TablePayload
	if err := decodeInput(input, &payload); err != nil {
		return nil, err
	}

	if len(payload.Columns) == 0 {
		return nil, fmt.Errorf("table needs at least one column")
	}
	for i, row := range payload.Rows {
		if len(row) != len(payload.Columns) {
			return nil, fmt.Errorf("row %d has %d cells for %d columns", i, len(row), len(payload.Columns))
		}
	}

	return blocks.New(blocks.TypeTable, payload), nil
}

func buildDiagram(input map[string]any) (*blocks.Block, error) {
	var payload blocks.DiagramPayload
	if err := decodeInput(input, &payload); err != nil {
		return nil, err
	}
	if payload.Source == "" {
		return nil, fmt.Errorf("diagram needs Mermaid source text")
	}
	return blocks.New(blocks.TypeDiagram, payload), nil
}

func buildSWOT(input map[string]any) (*blocks.Block, error) {
	var payload blocks.SWOTPayload
	if err := decodeInput(input, &payload); err != nil {
		return nil, err
	}
	if payload.Subject == "" {
		return nil, fmt.Errorf("swot needs a subject")
	}
	if len(payload.Strengths)+len(payload.Weaknesses)+len(payload.Opportunities)+len(payload.Threats) == 0 {
		return nil, fmt.Errorf("swot needs at least one entry in any quadrant")
	}
	return blocks.New(blocks.TypeSWOT, payload), nil
}

func buildComparison(input map[string]any) (*blocks.Block, error) {
	var in comparisonInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if in.Left.Subject == "" || in.Right.Subject == "" {
		return nil, fmt.Errorf("comparison needs two SWOT analyses with subjects")
	}

	added, removed := diffSWOT(in.Left, in.Right)
	payload := blocks.ComparisonPayload{
		Left:    in.Left,
		Right:   in.Right,
		Added:   added,
		Removed: removed,
		Summary: in.Summary,
	}
	return blocks.New(blocks.TypeComparison, payload), nil
}

// diffSWOT reports entries present only on the right (added) and only on the
// left (removed), across all four quadrants.
func diffSWOT(left, right blocks.SWOTPayload) (added, removed []string) {
	leftSet := swotEntrySet(left)
	rightSet := swotEntrySet(right)

	for _, entry := range swotEntries(right) {
		if !leftSet[entry] {
			added = append(added, entry)
		}
	}
	for _, entry := range swotEntries(left) {
		if !rightSet[entry] {
			removed = append(removed, entry)
		}
	}
	return added, removed
}

func swotEntries(p blocks.SWOTPayload) []string {
	var entries []string
	entries = append(entries, p.Strengths...)
	entries = append(entries, p.Weaknesses...)
	entries = append(entries, p.Opportunities...)
	entries = append(entries, p.Threats...)
	return entries
}

func swotEntrySet(p blocks.SWOTPayload) map[string]bool {
	set := make(map[string]bool)
	for _, entry := range swotEntries(p) {
		set[entry] = true
	}
	return set
}

// generateSchema reflects a JSON schema from the input struct.
func generateSchema(input any) (json.RawMessage, error) {
	r := &schemagen.Reflector{
		DoNotReference: true,
	}
	schema := r.Reflect(input)
	schema.Version = "" // harness tools carry inline schemas without $schema
	return json.Marshal(schema)
}

var schemaCache sync.Map

func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// normalize round-trips the input through JSON so nested struct-free values
// match what the validator expects. Input decoded from the wire is already in
// this shape; this keeps programmatic callers safe too.
func normalize(input map[string]any) any {
	payload, err := json.Marshal(input)
	if err != nil {
		return input
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return input
	}
	return decoded
}

func decodeInput(input map[string]any, out any) error {
	payload, err := json.Marshal(input)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, out)
}
