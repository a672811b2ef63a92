// Package blocks defines the typed content blocks the agent harness produces.
//
// A Block is a renderable artifact: a chart, a table, a diagram, a SWOT
// analysis, a comparison between analyses, a pending approval request, or
// extracted model thinking. Blocks are produced by render-category tools and
// by the turn loop itself, carried on the turn result in the order they were
// created, and addressed by clients through their ids.
package blocks

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Type identifies the payload variant carried by a Block.
// The set is closed; unknown types are rejected on decode.
type Type string

const (
	// TypeThinking carries model reasoning extracted from a response.
	TypeThinking Type = "thinking"

	// TypeChart carries labeled numeric series for a chart.
	TypeChart Type = "chart"

	// TypeDiagram carries Mermaid diagram source.
	TypeDiagram Type = "diagram"

	// TypeTable carries tabular data with named columns.
	TypeTable Type = "table"

	// TypeSWOT carries a four-quadrant SWOT analysis.
	TypeSWOT Type = "swot"

	// TypeComparison carries a diff between two SWOT analyses.
	TypeComparison Type = "comparison"

	// TypeApprovalRequest carries a pending write-approval prompt.
	TypeApprovalRequest Type = "approval_request"

	// TypeMarkdown carries free-form markdown content.
	TypeMarkdown Type = "markdown"
)

// Valid reports whether t is a member of the closed type set.
func (t Type) Valid() bool {
	switch t {
	case TypeThinking, TypeChart, TypeDiagram, TypeTable, TypeSWOT,
		TypeComparison, TypeApprovalRequest, TypeMarkdown:
		return true
	}
	return false
}

// Block is a typed, renderable artifact with a process-unique id.
// The payload's concrete type depends on Type.
type Block struct {
	Type    Type   `json:"type"`
	ID      string `json:"id"`
	Payload any    `json:"payload"`
}

// New creates a Block with a freshly assigned unique id.
func New(t Type, payload any) *Block {
	return &Block{
		Type:    t,
		ID:      uuid.NewString(),
		Payload: payload,
	}
}

// Summary returns the compact confirmation string fed back to the LLM in
// place of the full payload: the block type and id only.
func (b *Block) Summary() string {
	return fmt.Sprintf("rendered %s block (id: %s)", b.Type, b.ID)
}

// ThinkingPayload is the payload for TypeThinking blocks.
type ThinkingPayload struct {
	Text string `json:"text"`
}

// ChartPayload is the payload for TypeChart blocks.
type ChartPayload struct {
	// Kind is the chart style: "bar", "line", or "pie".
	Kind   string   `json:"kind"`
	Title  string   `json:"title,omitempty"`
	Labels []string `json:"labels"`
	Series []Series `json:"series"`
}

// Series is one named sequence of values in a chart.
type Series struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
}

// DiagramPayload is the payload for TypeDiagram blocks.
type DiagramPayload struct {
	Title  string `json:"title,omitempty"`
	Source string `json:"source"` // Mermaid source text
}

// TablePayload is the payload for TypeTable blocks.
type TablePayload struct {
	Title   string     `json:"title,omitempty"`
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// SWOTPayload is the payload for TypeSWOT blocks.
type SWOTPayload struct {
	Subject       string   `json:"subject"`
	Strengths     []string `json:"strengths"`
	Weaknesses    []string `json:"weaknesses"`
	Opportunities []string `json:"opportunities"`
	Threats       []string `json:"threats"`
}

// ComparisonPayload is the payload for TypeComparison blocks.
type ComparisonPayload struct {
	Left    SWOTPayload `json:"left"`
	Right   SWOTPayload `json:"right"`
	Added   []string    `json:"added,omitempty"`
	Removed []string    `json:"removed,omitempty"`
	Summary string      `json:"summary,omitempty"`
}

// ApprovalRequestPayload is the payload for TypeApprovalRequest blocks.
type ApprovalRequestPayload struct {
	ApprovalID string `json:"approval_id"`
	ToolName   string `json:"tool_name"`
	Summary    string `json:"summary,omitempty"`
}

// MarkdownPayload is the payload for TypeMarkdown blocks.
type MarkdownPayload struct {
	Content string `json:"content"`
}

// UnmarshalJSON decodes a Block, resolving the payload to its concrete
// type based on the type tag. Unknown type tags are an error.
func (b *Block) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type    Type            `json:"type"`
		ID      string          `json:"id"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if !raw.Type.Valid() {
		return fmt.Errorf("unknown block type %q", raw.Type)
	}

	b.Type = raw.Type
	b.ID = raw.ID

	if len(raw.Payload) == 0 {
		b.Payload = nil
		return nil
	}

	payload, err := decodePayload(raw.Type, raw.Payload)
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", raw.Type, err)
	}
	b.Payload = payload
	return nil
}

func decodePayload(t Type, data json.RawMessage) (any, error) {
	switch t {
	case TypeThinking:
		return decodeAs[ThinkingPayload](data)
	case TypeChart:
		return decodeAs[ChartPayload](data)
	case TypeDiagram:
		return decodeAs[DiagramPayload](data)
	case TypeTable:
		return decodeAs[TablePayload](data)
	case TypeSWOT:
		return decodeAs[SWOTPayload](data)
	case TypeComparison:
		return decodeAs[ComparisonPayload](data)
	case TypeApprovalRequest:
		return decodeAs[ApprovalRequestPayload](data)
	case TypeMarkdown:
		return decodeAs[MarkdownPayload](data)
	}
	return nil, fmt.Errorf("unknown block type %q", t)
}

func decodeAs[T any](data json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}
