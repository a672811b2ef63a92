package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/conductor/pkg/blocks"
)

// Message roles used in the turn transcript.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single entry in the conversation transcript.
//
// Protocol invariant: every ToolCall emitted in an assistant message must be
// followed, before the next transport call, by exactly one tool-role message
// whose ToolCallID matches it. The turn loop preserves this pairing even when
// a turn is cancelled mid-batch.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string `json:"role"`

	// Content is the text content of the message. May be empty for
	// assistant messages that only carry tool calls.
	Content string `json:"content,omitempty"`

	// ToolCalls contains tool invocation requests (assistant role only).
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID back-references the tool call this message answers
	// (tool role only).
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is the LLM's request to invoke a named tool.
type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Arguments is the raw argument string as emitted by the model.
	// It is parsed as JSON before dispatch; parse failures become
	// tool-local errors, not turn failures.
	Arguments string `json:"arguments"`
}

// ToolCategory classifies a tool and drives two harness behaviors: whether a
// call requires approval (write only) and how its result folds into the turn
// (render produces a content block, read/write produce tool-result text).
type ToolCategory string

const (
	// CategoryRender tools produce content blocks and perform no I/O.
	CategoryRender ToolCategory = "render"

	// CategoryRead tools read external or cached data.
	CategoryRead ToolCategory = "read"

	// CategoryWrite tools mutate external systems and always require
	// human approval.
	CategoryWrite ToolCategory = "write"
)

// Valid reports whether c is a known category.
func (c ToolCategory) Valid() bool {
	switch c {
	case CategoryRender, CategoryRead, CategoryWrite:
		return true
	}
	return false
}

// ToolDefinition describes a tool to the LLM. The parameter schema is opaque
// to the harness; it is forwarded verbatim in the transport's tool catalog.
// Definitions are immutable once registered.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ChatRequest contains all parameters for one LLM transport round-trip.
type ChatRequest struct {
	// Model specifies which model to use. Never empty; the harness
	// forwards the caller's model id unchanged.
	Model string `json:"model"`

	// System is the system prompt, handled separately from messages.
	System string `json:"system,omitempty"`

	// Messages is the running transcript in chronological order.
	Messages []Message `json:"messages"`

	// Tools is the complete tool catalog offered to the model.
	Tools []ToolDefinition `json:"tools,omitempty"`

	// MaxTokens limits the response length. 0 means provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// ThinkingBudget enables extended thinking with the given token
	// budget when > 0, for transports that support it.
	ThinkingBudget int `json:"thinking_budget,omitempty"`
}

// ChatChunk is a single chunk in a streaming transport response.
type ChatChunk struct {
	// Text contains partial response text, streamed incrementally.
	Text string `json:"text,omitempty"`

	// Thinking contains structured reasoning text when the transport
	// supplies it.
	Thinking string `json:"thinking,omitempty"`

	// ToolCall contains one complete tool invocation request.
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// TokenEstimate is a running estimate of output tokens generated so
	// far, for transports that stream token counts before final usage.
	TokenEstimate int `json:"token_estimate,omitempty"`

	// Done is true on the final chunk of a successful stream.
	Done bool `json:"done,omitempty"`

	// InputTokens and OutputTokens report usage as counted by the
	// provider. Only meaningful when UsageReported is true, on the
	// Done chunk.
	InputTokens   int  `json:"input_tokens,omitempty"`
	OutputTokens  int  `json:"output_tokens,omitempty"`
	UsageReported bool `json:"usage_reported,omitempty"`

	// Error terminates the stream; the turn fails with a transport error.
	Error error `json:"-"`
}

// Transport is the LLM backend contract consumed by the turn loop.
//
// Implementations must be safe for concurrent use; each Complete call
// creates an independent stream. The harness performs no retries: a failed
// call fails the turn.
type Transport interface {
	// Complete sends a request and returns a channel of streamed chunks.
	// The channel is closed when the stream ends.
	Complete(ctx context.Context, req *ChatRequest) (<-chan *ChatChunk, error)

	// Name returns the transport name, used in logs and metrics labels.
	Name() string
}

// ExecResult is the outcome of one tool execution.
// Render executors populate Block; read/write executors populate Content.
type ExecResult struct {
	// Block is the content block produced by a render tool, if any.
	Block *blocks.Block `json:"block,omitempty"`

	// Content is the textual tool result fed back to the model.
	Content string `json:"content,omitempty"`

	// IsError marks Content as a structured error message.
	IsError bool `json:"is_error,omitempty"`
}

// Executor runs tools of a single category. The render executor must not
// perform I/O; read and write executors may block on whatever I/O they need.
type Executor interface {
	Execute(ctx context.Context, toolName string, input map[string]any) (*ExecResult, error)
}

// State is the externally observable phase of the turn loop. It is derived,
// never persisted, and emitted through Callbacks.OnStateChange on every
// transition.
type State string

const (
	// StateIdle is the initial and terminal success state.
	StateIdle State = "idle"

	// StateThinking covers the transport round-trip.
	StateThinking State = "thinking"

	// StateExecutingTool covers tool dispatch and execution.
	StateExecutingTool State = "executing_tool"

	// StateAwaitingApproval covers the human decision for a write tool.
	StateAwaitingApproval State = "awaiting_approval"

	// StateError is the terminal state for transport failures.
	StateError State = "error"
)

// ToolStage identifies a point in a tool call's lifecycle for the
// OnToolActivity callback.
type ToolStage string

const (
	ToolStageStarted   ToolStage = "started"
	ToolStageCompleted ToolStage = "completed"
	ToolStageError     ToolStage = "error"
)

// Callbacks is the best-effort notification surface exposed by the turn
// loop. All callbacks are optional and none affect control flow.
type Callbacks struct {
	// OnText receives incremental response text.
	OnText func(text string)

	// OnThinking receives extracted thinking commentary.
	OnThinking func(thinking string)

	// OnBlock receives each content block as it is produced.
	OnBlock func(block *blocks.Block)

	// OnStateChange receives every loop state transition.
	OnStateChange func(state State)

	// OnTokens receives cumulative input/output token counts. Reports
	// within one turn never decrease: mid-stream estimates and reported
	// usage are reconciled against a high-water mark before emission.
	OnTokens func(inputTokens, outputTokens int)

	// OnToolActivity receives tool lifecycle notifications.
	OnToolActivity func(toolName string, stage ToolStage)
}

// Approver decides whether a write-category tool call may execute.
// It is invoked once per write call and may block arbitrarily long on a
// human decision; implementations should bound the wait themselves
// (the ApprovalBroker does).
type Approver func(ctx context.Context, toolName string, input map[string]any) (bool, error)

// TurnRequest carries everything needed to run one turn.
type TurnRequest struct {
	// ConversationID correlates approvals and logs with a conversation.
	ConversationID string

	// Model is the model identifier passed through to the transport.
	Model string

	// System is the system prompt for the turn.
	System string

	// Messages is the conversation history, ending with the user's
	// latest message.
	Messages []Message

	// ThinkingBudget enables extended thinking when > 0.
	ThinkingBudget int

	// Callbacks receives best-effort progress notifications.
	Callbacks Callbacks

	// Approver gates write-category tool calls. When nil, every write
	// call is rejected (fail closed).
	Approver Approver
}

// TurnResult is the immutable outcome of one turn.
type TurnResult struct {
	// Content is the final accumulated assistant text.
	Content string `json:"content"`

	// Messages is the full transcript including every assistant and
	// tool message appended during the turn. Every tool call in it is
	// paired with a tool-role result, even after cancellation, so the
	// transcript is always valid for continuation.
	Messages []Message `json:"messages"`

	// Blocks holds every content block produced during the turn, in
	// creation order.
	Blocks []*blocks.Block `json:"blocks,omitempty"`

	// Interrupted is true when the turn was cancelled or hit the
	// iteration cap; it is not an error condition.
	Interrupted bool `json:"interrupted,omitempty"`

	// InputTokens and OutputTokens are cumulative across all transport
	// calls in the turn.
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
