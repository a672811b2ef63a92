// Package agent implements the agent execution harness: a multi-turn
// tool-calling loop over a streaming LLM transport, with category-based tool
// dispatch and human approval gating for write-capable tools.
package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/pkg/blocks"
)

// maxTurnIterations bounds the number of LLM round-trips in a single turn.
// Reaching the cap is a soft interruption, not an error.
const maxTurnIterations = 25

// maxIterationsNotice is appended to the final content when the cap is hit.
const maxIterationsNotice = "[Response incomplete: the conversation reached the maximum number of model calls for a single turn.]"

// Options configures a Harness.
type Options struct {
	// MaxTokens is the per-call response token limit. Default: 4096.
	MaxTokens int

	// Logger receives harness diagnostics. Default: slog.Default().
	Logger *slog.Logger

	// Metrics receives harness metrics when set.
	Metrics *observability.Metrics

	// Tracer emits turn/LLM/tool spans when set. A nil tracer is a no-op.
	Tracer *observability.Tracer
}

// DefaultOptions returns the baseline harness options.
func DefaultOptions() Options {
	return Options{
		MaxTokens: 4096,
		Logger:    slog.Default(),
	}
}

func sanitizeOptions(opts Options) Options {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Harness drives agent turns.
//
// The turn loop is a state machine:
//
//	idle → thinking → executing_tool → (awaiting_approval → executing_tool)*
//	         ↑              │
//	         └──────────────┘
//	thinking → idle   (no tool calls: success, including interrupted-but-drained)
//	thinking → error  (transport failure)
//
// A harness instance executes at most one turn at a time; tool calls within
// one response run strictly in order, never in parallel, because later calls
// may depend on earlier ones and approval UX expects a single outstanding
// decision.
type Harness struct {
	transport Transport
	registry  *Registry
	router    *Router
	opts      Options

	active atomic.Bool
}

// NewHarness creates a harness over the given transport, registry, and
// router.
func NewHarness(transport Transport, registry *Registry, router *Router, opts Options) *Harness {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Harness{
		transport: transport,
		registry:  registry,
		router:    router,
		opts:      sanitizeOptions(opts),
	}
}

// Registry returns the harness's tool registry.
func (h *Harness) Registry() *Registry {
	return h.registry
}

// turnState accumulates everything produced during one turn.
type turnState struct {
	messages     []Message
	content      strings.Builder
	blocks       []*blocks.Block
	inputTokens  int
	outputTokens int
	state        State

	// High-water marks for OnTokens reports; see reportTokens.
	maxReportedInput  int
	maxReportedOutput int
}

func (t *turnState) appendText(text string) {
	if text == "" {
		return
	}
	if t.content.Len() > 0 {
		t.content.WriteString("\n\n")
	}
	t.content.WriteString(text)
}

// transportResponse is one drained streaming response.
type transportResponse struct {
	text          string
	thinking      string
	toolCalls     []ToolCall
	inputTokens   int
	outputTokens  int
	usageReported bool
	tokenEstimate int
}

// Run executes one complete turn and returns its result.
//
// A turn either returns a result (possibly with Interrupted=true) or a
// single transport-level *TurnError. Tool-local failures are folded into
// tool-result messages and never fail the turn. Cancellation is cooperative:
// the context is checked at the top of each iteration, after the transport
// call, and after each tool execution; a cancelled turn still pairs every
// issued tool call with a tool-result message before returning.
func (h *Harness) Run(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
	if h.transport == nil {
		return nil, ErrNoTransport
	}
	if !h.active.CompareAndSwap(false, true) {
		return nil, ErrTurnInProgress
	}
	defer h.active.Store(false)

	turn := &turnState{
		messages: append([]Message(nil), req.Messages...),
		state:    StateIdle,
	}

	ctx, span := h.opts.Tracer.StartTurn(ctx, req.ConversationID, req.Model)
	turnStart := time.Now()
	defer observability.EndWithDuration(span, turnStart)

	catalog := h.registry.Definitions()

	for iteration := 0; iteration < maxTurnIterations; iteration++ {
		if ctx.Err() != nil {
			return h.finishInterrupted(req, turn), nil
		}

		h.setState(req, turn, StateThinking)

		resp, err := h.callTransport(ctx, req, turn, catalog, iteration)
		if err != nil {
			if ctx.Err() != nil {
				// Aborted mid-stream: thinking extracted so far still
				// surfaces, and the turn drains as interrupted.
				clean := h.processThinking(req, turn, resp)
				turn.appendText(clean)
				return h.finishInterrupted(req, turn), nil
			}
			h.setState(req, turn, StateError)
			h.opts.Metrics.RecordTurn("error")
			h.opts.Logger.Error("transport call failed",
				"provider", h.transport.Name(),
				"iteration", iteration,
				"error", err,
			)
			return nil, &TurnError{State: StateThinking, Iteration: iteration, Cause: err}
		}

		h.accumulateUsage(req, turn, resp)
		clean := h.processThinking(req, turn, resp)

		if ctx.Err() != nil {
			turn.appendText(clean)
			return h.finishInterrupted(req, turn), nil
		}

		if len(resp.toolCalls) == 0 {
			turn.appendText(clean)
			return h.finishCompleted(req, turn), nil
		}

		turn.appendText(clean)
		h.setState(req, turn, StateExecutingTool)
		turn.messages = append(turn.messages, Message{
			Role:      RoleAssistant,
			Content:   clean,
			ToolCalls: resp.toolCalls,
		})

		// Every tool call gets exactly one tool-role message, even when the
		// turn is cancelled partway through the batch.
		cancelled := false
		for _, call := range resp.toolCalls {
			var content string
			if cancelled {
				content = "Tool call was interrupted before execution."
			} else {
				content = h.runToolCall(ctx, req, turn, call)
				if ctx.Err() != nil {
					cancelled = true
				}
			}
			turn.messages = append(turn.messages, Message{
				Role:       RoleTool,
				ToolCallID: call.ID,
				Content:    content,
			})
		}
		if cancelled {
			return h.finishInterrupted(req, turn), nil
		}
	}

	turn.appendText(maxIterationsNotice)
	h.opts.Logger.Warn("turn reached iteration cap",
		"conversation_id", req.ConversationID,
		"max_iterations", maxTurnIterations,
	)
	return h.finishInterrupted(req, turn), nil
}

// callTransport performs one LLM round-trip and drains the stream.
// On error the partial response is returned alongside the error so thinking
// extracted before the failure is not lost.
func (h *Harness) callTransport(ctx context.Context, req *TurnRequest, turn *turnState, catalog []ToolDefinition, iteration int) (*transportResponse, error) {
	chatReq := &ChatRequest{
		Model:          req.Model,
		System:         req.System,
		Messages:       turn.messages,
		Tools:          catalog,
		MaxTokens:      h.opts.MaxTokens,
		ThinkingBudget: req.ThinkingBudget,
	}

	llmCtx, span := h.opts.Tracer.StartLLMCall(ctx, h.transport.Name(), req.Model, iteration)
	start := time.Now()
	defer observability.EndWithDuration(span, start)

	chunks, err := h.transport.Complete(llmCtx, chatReq)
	if err != nil {
		h.opts.Metrics.RecordLLMRequest(h.transport.Name(), req.Model, "error", time.Since(start).Seconds())
		return &transportResponse{}, err
	}

	resp := &transportResponse{}
	var text, thinking strings.Builder

	for chunk := range chunks {
		if chunk.Error != nil {
			resp.text = text.String()
			resp.thinking = thinking.String()
			h.opts.Metrics.RecordLLMRequest(h.transport.Name(), req.Model, "error", time.Since(start).Seconds())
			return resp, chunk.Error
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			if req.Callbacks.OnText != nil {
				req.Callbacks.OnText(chunk.Text)
			}
		}
		if chunk.Thinking != "" {
			thinking.WriteString(chunk.Thinking)
		}
		if chunk.ToolCall != nil {
			resp.toolCalls = append(resp.toolCalls, *chunk.ToolCall)
		}
		if chunk.TokenEstimate > resp.tokenEstimate {
			resp.tokenEstimate = chunk.TokenEstimate
			h.reportTokens(req, turn, turn.inputTokens, turn.outputTokens+resp.tokenEstimate)
		}
		if chunk.Done && chunk.UsageReported {
			resp.inputTokens = chunk.InputTokens
			resp.outputTokens = chunk.OutputTokens
			resp.usageReported = true
		}
	}

	resp.text = text.String()
	resp.thinking = thinking.String()
	h.opts.Metrics.RecordLLMRequest(h.transport.Name(), req.Model, "success", time.Since(start).Seconds())
	return resp, nil
}

// accumulateUsage folds one call's usage into the turn totals. Reported
// usage is preferred; otherwise the streamed estimate stands in. Totals only
// grow — a later call that omits usage never resets them.
func (h *Harness) accumulateUsage(req *TurnRequest, turn *turnState, resp *transportResponse) {
	if resp.usageReported {
		turn.inputTokens += resp.inputTokens
		turn.outputTokens += resp.outputTokens
	} else {
		turn.outputTokens += resp.tokenEstimate
	}
	h.opts.Metrics.RecordTokens(h.transport.Name(), req.Model, resp.inputTokens, resp.outputTokens)
	h.reportTokens(req, turn, turn.inputTokens, turn.outputTokens)
}

// reportTokens emits OnTokens, clamped to the high-water marks so the report
// sequence never decreases even when reported usage comes in below a
// mid-stream estimate. Turn totals are not clamped; only the callback is.
func (h *Harness) reportTokens(req *TurnRequest, turn *turnState, inputTokens, outputTokens int) {
	if req.Callbacks.OnTokens == nil {
		return
	}
	if inputTokens < turn.maxReportedInput {
		inputTokens = turn.maxReportedInput
	}
	if outputTokens < turn.maxReportedOutput {
		outputTokens = turn.maxReportedOutput
	}
	turn.maxReportedInput = inputTokens
	turn.maxReportedOutput = outputTokens
	req.Callbacks.OnTokens(inputTokens, outputTokens)
}

// processThinking extracts thinking commentary from the response, turns it
// into a thinking block, and returns the cleaned response text.
func (h *Harness) processThinking(req *TurnRequest, turn *turnState, resp *transportResponse) string {
	thinking, clean := extractThinking(resp.thinking, resp.text)
	if thinking == "" {
		return clean
	}

	block := blocks.New(blocks.TypeThinking, blocks.ThinkingPayload{Text: thinking})
	turn.blocks = append(turn.blocks, block)
	if req.Callbacks.OnThinking != nil {
		req.Callbacks.OnThinking(thinking)
	}
	if req.Callbacks.OnBlock != nil {
		req.Callbacks.OnBlock(block)
	}
	return clean
}

// runToolCall processes a single tool call and returns the tool-result
// content destined for the paired tool-role message. All failures are
// tool-local: they produce result text, never an error.
func (h *Harness) runToolCall(ctx context.Context, req *TurnRequest, turn *turnState, call ToolCall) string {
	if req.Callbacks.OnToolActivity != nil {
		req.Callbacks.OnToolActivity(call.Name, ToolStageStarted)
	}

	input, err := parseToolArguments(call.Arguments)
	if err != nil {
		h.opts.Logger.Warn("malformed tool arguments",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"error", err,
		)
		return h.toolError(req, call, "", "invalid arguments for tool "+call.Name+": "+err.Error())
	}

	category, ok := h.registry.Category(call.Name)
	if !ok {
		return h.toolError(req, call, "", "unknown tool: "+call.Name)
	}

	if category == CategoryWrite {
		if content, allowed := h.gateWrite(ctx, req, turn, call, input); !allowed {
			return content
		}
	}

	toolCtx, span := h.opts.Tracer.StartTool(ctx, call.Name, string(category))
	start := time.Now()
	result := h.router.Execute(toolCtx, call.Name, category, input)
	observability.EndWithDuration(span, start)

	status := "success"
	stage := ToolStageCompleted
	if result.IsError {
		status = "error"
		stage = ToolStageError
	}
	h.opts.Metrics.RecordToolExecution(call.Name, string(category), status, time.Since(start).Seconds())
	if req.Callbacks.OnToolActivity != nil {
		req.Callbacks.OnToolActivity(call.Name, stage)
	}

	// Render payloads never travel back into the conversation; the model
	// only sees the block type and id.
	if category == CategoryRender && result.Block != nil {
		turn.blocks = append(turn.blocks, result.Block)
		if req.Callbacks.OnBlock != nil {
			req.Callbacks.OnBlock(result.Block)
		}
		return result.Block.Summary()
	}
	return result.Content
}

// gateWrite applies approval gating for a write-category call. It returns
// the denial result content and false when the call must not execute.
func (h *Harness) gateWrite(ctx context.Context, req *TurnRequest, turn *turnState, call ToolCall, input map[string]any) (string, bool) {
	if req.Approver == nil {
		// Fail closed: an unconfigured write path never executes.
		h.opts.Metrics.RecordApproval("denied")
		h.opts.Logger.Warn("write tool rejected: no approver configured",
			"tool", call.Name,
			"tool_call_id", call.ID,
		)
		return "Tool call rejected: write actions are disabled because no approval channel is configured. Do not retry this call.", false
	}

	h.setState(req, turn, StateAwaitingApproval)
	approved, err := req.Approver(ctx, call.Name, input)
	h.setState(req, turn, StateExecutingTool)

	if err != nil {
		h.opts.Metrics.RecordApproval("denied")
		h.opts.Logger.Warn("approval check failed",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"error", err,
		)
		return "The approval request could not be completed. Do not retry this tool call.", false
	}
	if !approved {
		h.opts.Metrics.RecordApproval("denied")
		if req.Callbacks.OnToolActivity != nil {
			req.Callbacks.OnToolActivity(call.Name, ToolStageError)
		}
		return "The user declined this tool call. Do not retry it or attempt the same action another way.", false
	}

	h.opts.Metrics.RecordApproval("approved")
	return "", true
}

// toolError records a tool-local failure and returns its result content.
func (h *Harness) toolError(req *TurnRequest, call ToolCall, category ToolCategory, content string) string {
	h.opts.Metrics.RecordToolExecution(call.Name, string(category), "error", 0)
	if req.Callbacks.OnToolActivity != nil {
		req.Callbacks.OnToolActivity(call.Name, ToolStageError)
	}
	return content
}

func (h *Harness) setState(req *TurnRequest, turn *turnState, state State) {
	if turn.state == state {
		return
	}
	turn.state = state
	if req.Callbacks.OnStateChange != nil {
		req.Callbacks.OnStateChange(state)
	}
}

func (h *Harness) finishCompleted(req *TurnRequest, turn *turnState) *TurnResult {
	h.setState(req, turn, StateIdle)
	h.opts.Metrics.RecordTurn("completed")
	return &TurnResult{
		Content:      turn.content.String(),
		Messages:     turn.messages,
		Blocks:       turn.blocks,
		InputTokens:  turn.inputTokens,
		OutputTokens: turn.outputTokens,
	}
}

func (h *Harness) finishInterrupted(req *TurnRequest, turn *turnState) *TurnResult {
	h.setState(req, turn, StateIdle)
	h.opts.Metrics.RecordTurn("interrupted")
	return &TurnResult{
		Content:      turn.content.String(),
		Messages:     turn.messages,
		Blocks:       turn.blocks,
		Interrupted:  true,
		InputTokens:  turn.inputTokens,
		OutputTokens: turn.outputTokens,
	}
}

// parseToolArguments decodes the model's argument string. An empty string is
// treated as an empty object; models routinely emit "" for no-arg tools.
func parseToolArguments(arguments string) (map[string]any, error) {
	trimmed := strings.TrimSpace(arguments)
	if trimmed == "" {
		return map[string]any{}, nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(trimmed), &input); err != nil {
		return nil, err
	}
	if input == nil {
		input = map[string]any{}
	}
	return input, nil
}
