package agent

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/haasonsaas/conductor/pkg/blocks"
)

// scriptedTransport plays back canned chunk sequences, one per Complete call.
type scriptedTransport struct {
	responses    [][]ChatChunk
	calls        int32
	requests     []*ChatRequest
	completeFunc func(ctx context.Context, req *ChatRequest) (<-chan *ChatChunk, error)
}

func (p *scriptedTransport) Complete(ctx context.Context, req *ChatRequest) (<-chan *ChatChunk, error) {
	if p.completeFunc != nil {
		return p.completeFunc(ctx, req)
	}

	call := int(atomic.AddInt32(&p.calls, 1)) - 1
	p.requests = append(p.requests, req)
	ch := make(chan *ChatChunk, 16)

	go func() {
		defer close(ch)
		if call >= len(p.responses) {
			ch <- &ChatChunk{Error: errors.New("scripted transport exhausted")}
			return
		}
		for _, chunk := range p.responses[call] {
			ch <- &chunk
		}
	}()

	return ch, nil
}

func (p *scriptedTransport) Name() string { return "scripted" }

func (p *scriptedTransport) callCount() int { return int(atomic.LoadInt32(&p.calls)) }

// recordingExecutor records every invocation and returns a fixed result.
type recordingExecutor struct {
	calls  []string
	result *ExecResult
	err    error
	onExec func(toolName string, input map[string]any)
}

func (e *recordingExecutor) Execute(ctx context.Context, toolName string, input map[string]any) (*ExecResult, error) {
	e.calls = append(e.calls, toolName)
	if e.onExec != nil {
		e.onExec(toolName, input)
	}
	if e.err != nil {
		return nil, e.err
	}
	if e.result != nil {
		return e.result, nil
	}
	return &ExecResult{Content: toolName + " done"}, nil
}

func doneChunk(in, out int) ChatChunk {
	return ChatChunk{Done: true, InputTokens: in, OutputTokens: out, UsageReported: true}
}

func newTestHarness(transport Transport, registry *Registry, render, read, write Executor) *Harness {
	return NewHarness(transport, registry, NewRouter(render, read, write, nil), DefaultOptions())
}

func chartRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	r.Register(def("render_chart"), CategoryRender)
	r.Register(def("get_analysis"), CategoryRead)
	r.Register(def("create_jira_issue"), CategoryWrite)
	return r
}

func TestRun_TextOnlyResponse(t *testing.T) {
	transport := &scriptedTransport{
		responses: [][]ChatChunk{
			{{Text: "Hello "}, {Text: "there."}, doneChunk(10, 5)},
		},
	}

	var streamed strings.Builder
	var states []State
	h := newTestHarness(transport, NewRegistry(), nil, nil, nil)

	result, err := h.Run(context.Background(), &TurnRequest{
		Model:    "claude-sonnet-4-20250514",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Callbacks: Callbacks{
			OnText:        func(text string) { streamed.WriteString(text) },
			OnStateChange: func(s State) { states = append(states, s) },
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Content != "Hello there." {
		t.Errorf("Content = %q", result.Content)
	}
	if streamed.String() != "Hello there." {
		t.Errorf("streamed = %q", streamed.String())
	}
	if result.Interrupted {
		t.Error("turn should not be interrupted")
	}
	if result.InputTokens != 10 || result.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d, want 10/5", result.InputTokens, result.OutputTokens)
	}
	if len(states) != 2 || states[0] != StateThinking || states[1] != StateIdle {
		t.Errorf("states = %v, want [thinking idle]", states)
	}
	if transport.callCount() != 1 {
		t.Errorf("transport calls = %d, want 1", transport.callCount())
	}
}

func TestRun_RenderToolProducesSingleBlock(t *testing.T) {
	transport := &scriptedTransport{
		responses: [][]ChatChunk{
			{
				{ToolCall: &ToolCall{ID: "tc-1", Name: "render_chart", Arguments: `{"kind":"bar"}`}},
				doneChunk(20, 10),
			},
			{{Text: "Here is your chart."}, doneChunk(30, 8)},
		},
	}

	bigPayload := strings.Repeat("data", 10_000)
	block := blocks.New(blocks.TypeChart, blocks.ChartPayload{Kind: "bar", Title: bigPayload})
	render := &recordingExecutor{result: &ExecResult{Block: block}}

	var gotBlocks []*blocks.Block
	h := newTestHarness(transport, chartRegistry(t), render, nil, nil)

	result, err := h.Run(context.Background(), &TurnRequest{
		Model:    "claude-sonnet-4-20250514",
		Messages: []Message{{Role: RoleUser, Content: "chart please"}},
		Callbacks: Callbacks{
			OnBlock: func(b *blocks.Block) { gotBlocks = append(gotBlocks, b) },
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Interrupted {
		t.Error("turn should not be interrupted")
	}
	if len(result.Blocks) != 1 || result.Blocks[0].Type != blocks.TypeChart {
		t.Fatalf("Blocks = %v, want exactly one chart block", result.Blocks)
	}
	if len(gotBlocks) != 1 {
		t.Errorf("OnBlock fired %d times, want 1", len(gotBlocks))
	}

	// The tool result fed back to the model carries only the type and id,
	// never the payload.
	second := transport.requests[1]
	var toolMsg *Message
	for i := range second.Messages {
		if second.Messages[i].Role == RoleTool && second.Messages[i].ToolCallID == "tc-1" {
			toolMsg = &second.Messages[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("second request is missing the paired tool message")
	}
	if strings.Contains(toolMsg.Content, bigPayload) {
		t.Error("tool result must not echo the rendered payload")
	}
	if !strings.Contains(toolMsg.Content, block.ID) || !strings.Contains(toolMsg.Content, string(blocks.TypeChart)) {
		t.Errorf("tool result %q should mention block type and id", toolMsg.Content)
	}
}

func TestRun_WriteDeniedByApprover(t *testing.T) {
	transport := &scriptedTransport{
		responses: [][]ChatChunk{
			{
				{ToolCall: &ToolCall{ID: "tc-1", Name: "create_jira_issue", Arguments: `{"title":"x"}`}},
				doneChunk(5, 5),
			},
			{{Text: "Understood, I won't create the issue."}, doneChunk(5, 5)},
		},
	}

	write := &recordingExecutor{}
	var states []State
	h := newTestHarness(transport, chartRegistry(t), nil, nil, write)

	result, err := h.Run(context.Background(), &TurnRequest{
		Model:    "claude-sonnet-4-20250514",
		Messages: []Message{{Role: RoleUser, Content: "file a ticket"}},
		Approver: func(ctx context.Context, toolName string, input map[string]any) (bool, error) {
			return false, nil
		},
		Callbacks: Callbacks{
			OnStateChange: func(s State) { states = append(states, s) },
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(write.calls) != 0 {
		t.Errorf("write executor was invoked %d times, want 0", len(write.calls))
	}
	if len(result.Blocks) != 0 {
		t.Errorf("Blocks = %v, want none", result.Blocks)
	}
	if result.Content != "Understood, I won't create the issue." {
		t.Errorf("Content = %q", result.Content)
	}

	sawApproval := false
	for _, s := range states {
		if s == StateAwaitingApproval {
			sawApproval = true
		}
	}
	if !sawApproval {
		t.Error("loop never entered awaiting_approval")
	}

	second := transport.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != RoleTool || last.ToolCallID != "tc-1" {
		t.Fatalf("last message = %+v, want tool result for tc-1", last)
	}
	if !strings.Contains(last.Content, "Do not retry") {
		t.Errorf("denial result %q should instruct the model not to retry", last.Content)
	}
}

func TestRun_WriteWithoutApproverFailsClosed(t *testing.T) {
	transport := &scriptedTransport{
		responses: [][]ChatChunk{
			{
				{ToolCall: &ToolCall{ID: "tc-1", Name: "create_jira_issue", Arguments: `{}`}},
				doneChunk(1, 1),
			},
			{{Text: "ok"}, doneChunk(1, 1)},
		},
	}

	write := &recordingExecutor{}
	h := newTestHarness(transport, chartRegistry(t), nil, nil, write)

	result, err := h.Run(context.Background(), &TurnRequest{
		Model:    "claude-sonnet-4-20250514",
		Messages: []Message{{Role: RoleUser, Content: "write"}},
		// No Approver configured.
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Interrupted {
		t.Error("fail-closed rejection is not an interruption")
	}
	if len(write.calls) != 0 {
		t.Error("write executor must never run without an approval channel")
	}

	second := transport.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if !strings.Contains(last.Content, "Do not retry") {
		t.Errorf("rejection result %q should instruct non-retry", last.Content)
	}
}

func TestRun_MaxIterationsSoftInterrupt(t *testing.T) {
	// Every response asks for another read; the loop must stop at the cap.
	response := []ChatChunk{
		{ToolCall: &ToolCall{ID: "tc", Name: "get_analysis", Arguments: `{"id":"a"}`}},
		doneChunk(1, 1),
	}
	responses := make([][]ChatChunk, maxTurnIterations+5)
	for i := range responses {
		responses[i] = response
	}
	transport := &scriptedTransport{responses: responses}

	read := &recordingExecutor{}
	h := newTestHarness(transport, chartRegistry(t), nil, read, nil)

	result, err := h.Run(context.Background(), &TurnRequest{
		Model:    "claude-sonnet-4-20250514",
		Messages: []Message{{Role: RoleUser, Content: "loop"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if transport.callCount() != maxTurnIterations {
		t.Errorf("transport calls = %d, want %d", transport.callCount(), maxTurnIterations)
	}
	if !result.Interrupted {
		t.Error("cap exhaustion must set Interrupted")
	}
	if !strings.Contains(result.Content, "incomplete") {
		t.Errorf("Content = %q, want trailing incomplete notice", result.Content)
	}
}

func TestRun_TokenAccountingSumsUsage(t *testing.T) {
	toolRound := func(id string) []ChatChunk {
		return []ChatChunk{
			{ToolCall: &ToolCall{ID: id, Name: "get_analysis", Arguments: `{}`}},
			doneChunk(100, 50),
		}
	}
	transport := &scriptedTransport{
		responses: [][]ChatChunk{
			toolRound("tc-1"),
			toolRound("tc-2"),
			toolRound("tc-3"),
			{{Text: "done"}, doneChunk(100, 50)},
		},
	}

	read := &recordingExecutor{}
	h := newTestHarness(transport, chartRegistry(t), nil, read, nil)

	var tokenReports [][2]int
	result, err := h.Run(context.Background(), &TurnRequest{
		Model:    "claude-sonnet-4-20250514",
		Messages: []Message{{Role: RoleUser, Content: "go"}},
		Callbacks: Callbacks{
			OnTokens: func(in, out int) { tokenReports = append(tokenReports, [2]int{in, out}) },
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if transport.callCount() != 4 {
		t.Errorf("transport calls = %d, want 4", transport.callCount())
	}
	if result.InputTokens != 400 || result.OutputTokens != 200 {
		t.Errorf("tokens = %d/%d, want 400/200", result.InputTokens, result.OutputTokens)
	}

	// Counts must be monotonically non-decreasing across the turn.
	for i := 1; i < len(tokenReports); i++ {
		if tokenReports[i][0] < tokenReports[i-1][0] || tokenReports[i][1] < tokenReports[i-1][1] {
			t.Errorf("token report %d decreased: %v -> %v", i, tokenReports[i-1], tokenReports[i])
		}
	}
}

func TestRun_TokenReportsNeverDip(t *testing.T) {
	// The mid-stream estimate (chars/4) overshoots the reported usage; the
	// callback sequence must not drop when the real numbers arrive.
	transport := &scriptedTransport{
		responses: [][]ChatChunk{
			{
				{ToolCall: &ToolCall{ID: "tc-1", Name: "get_analysis", Arguments: `{}`}},
				{TokenEstimate: 50},
				doneChunk(100, 10),
			},
			{{Text: "done"}, doneChunk(100, 10)},
		},
	}

	read := &recordingExecutor{}
	h := newTestHarness(transport, chartRegistry(t), nil, read, nil)

	var tokenReports [][2]int
	result, err := h.Run(context.Background(), &TurnRequest{
		Model:    "claude-sonnet-4-20250514",
		Messages: []Message{{Role: RoleUser, Content: "go"}},
		Callbacks: Callbacks{
			OnTokens: func(in, out int) { tokenReports = append(tokenReports, [2]int{in, out}) },
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	for i := 1; i < len(tokenReports); i++ {
		if tokenReports[i][0] < tokenReports[i-1][0] || tokenReports[i][1] < tokenReports[i-1][1] {
			t.Errorf("token report %d decreased: %v -> %v", i, tokenReports[i-1], tokenReports[i])
		}
	}
	// The turn totals stay truthful to the reported usage.
	if result.InputTokens != 200 || result.OutputTokens != 20 {
		t.Errorf("tokens = %d/%d, want 200/20", result.InputTokens, result.OutputTokens)
	}
}

func TestRun_EstimateUsedWhenUsageOmitted(t *testing.T) {
	transport := &scriptedTransport{
		responses: [][]ChatChunk{
			{{Text: "partial"}, {TokenEstimate: 7}, {TokenEstimate: 12}, {Done: true}},
		},
	}
	h := newTestHarness(transport, NewRegistry(), nil, nil, nil)

	result, err := h.Run(context.Background(), &TurnRequest{
		Model:    "claude-sonnet-4-20250514",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.OutputTokens != 12 {
		t.Errorf("OutputTokens = %d, want streamed estimate 12", result.OutputTokens)
	}
}

func TestRun_CancellationPairsEveryToolCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	transport := &scriptedTransport{
		responses: [][]ChatChunk{
			{
				{ToolCall: &ToolCall{ID: "tc-1", Name: "get_analysis", Arguments: `{}`}},
				{ToolCall: &ToolCall{ID: "tc-2", Name: "get_analysis", Arguments: `{}`}},
				{ToolCall: &ToolCall{ID: "tc-3", Name: "get_analysis", Arguments: `{}`}},
				doneChunk(1, 1),
			},
		},
	}

	read := &recordingExecutor{
		result: &ExecResult{Content: "real result"},
		onExec: func(toolName string, input map[string]any) {
			cancel() // cancel mid-batch, after the first execution starts
		},
	}
	h := newTestHarness(transport, chartRegistry(t), nil, read, nil)

	result, err := h.Run(ctx, &TurnRequest{
		Model:    "claude-sonnet-4-20250514",
		Messages: []Message{{Role: RoleUser, Content: "go"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !result.Interrupted {
		t.Error("cancelled turn must be marked interrupted")
	}
	if len(read.calls) != 1 {
		t.Errorf("executor ran %d times, want 1 (rest interrupted)", len(read.calls))
	}

	// Every tool call from the assistant message must have exactly one
	// paired tool-role message.
	var toolResults = make(map[string]string)
	for _, msg := range result.Messages {
		if msg.Role == RoleTool {
			if _, dup := toolResults[msg.ToolCallID]; dup {
				t.Errorf("duplicate tool result for %s", msg.ToolCallID)
			}
			toolResults[msg.ToolCallID] = msg.Content
		}
	}
	for _, id := range []string{"tc-1", "tc-2", "tc-3"} {
		if _, ok := toolResults[id]; !ok {
			t.Errorf("tool call %s has no paired tool result", id)
		}
	}
	if toolResults["tc-1"] != "real result" {
		t.Errorf("tc-1 result = %q, want the computed result", toolResults["tc-1"])
	}
	for _, id := range []string{"tc-2", "tc-3"} {
		if !strings.Contains(toolResults[id], "interrupted before execution") {
			t.Errorf("%s result = %q, want synthetic interruption message", id, toolResults[id])
		}
	}
}

func TestRun_TransportErrorFailsTurn(t *testing.T) {
	boom := errors.New("connection reset")
	transport := &scriptedTransport{
		responses: [][]ChatChunk{
			{{Text: "partial"}, {Error: boom}},
		},
	}

	var states []State
	h := newTestHarness(transport, NewRegistry(), nil, nil, nil)

	_, err := h.Run(context.Background(), &TurnRequest{
		Model:    "claude-sonnet-4-20250514",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Callbacks: Callbacks{
			OnStateChange: func(s State) { states = append(states, s) },
		},
	})
	if err == nil {
		t.Fatal("transport error must fail the turn")
	}

	var turnErr *TurnError
	if !errors.As(err, &turnErr) {
		t.Fatalf("error type = %T, want *TurnError", err)
	}
	if !errors.Is(err, boom) {
		t.Error("TurnError should wrap the transport cause")
	}
	if len(states) == 0 || states[len(states)-1] != StateError {
		t.Errorf("states = %v, want terminal error state", states)
	}
}

func TestRun_MalformedArgumentsAreToolLocal(t *testing.T) {
	transport := &scriptedTransport{
		responses: [][]ChatChunk{
			{
				{ToolCall: &ToolCall{ID: "tc-1", Name: "get_analysis", Arguments: `{not json`}},
				{ToolCall: &ToolCall{ID: "tc-2", Name: "get_analysis", Arguments: `{}`}},
				doneChunk(1, 1),
			},
			{{Text: "recovered"}, doneChunk(1, 1)},
		},
	}

	read := &recordingExecutor{}
	h := newTestHarness(transport, chartRegistry(t), nil, read, nil)

	result, err := h.Run(context.Background(), &TurnRequest{
		Model:    "claude-sonnet-4-20250514",
		Messages: []Message{{Role: RoleUser, Content: "go"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Content != "recovered" {
		t.Errorf("Content = %q", result.Content)
	}
	// The malformed call is absorbed; the well-formed one still runs.
	if len(read.calls) != 1 {
		t.Errorf("executor ran %d times, want 1", len(read.calls))
	}

	second := transport.requests[1]
	var badResult string
	for _, msg := range second.Messages {
		if msg.Role == RoleTool && msg.ToolCallID == "tc-1" {
			badResult = msg.Content
		}
	}
	if !strings.Contains(badResult, "invalid arguments") {
		t.Errorf("tc-1 result = %q, want invalid-arguments message", badResult)
	}
}

func TestRun_UnknownToolIsToolLocal(t *testing.T) {
	transport := &scriptedTransport{
		responses: [][]ChatChunk{
			{
				{ToolCall: &ToolCall{ID: "tc-1", Name: "not_a_tool", Arguments: `{}`}},
				doneChunk(1, 1),
			},
			{{Text: "ok"}, doneChunk(1, 1)},
		},
	}
	h := newTestHarness(transport, chartRegistry(t), nil, nil, nil)

	result, err := h.Run(context.Background(), &TurnRequest{
		Model:    "claude-sonnet-4-20250514",
		Messages: []Message{{Role: RoleUser, Content: "go"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Content != "ok" {
		t.Errorf("Content = %q", result.Content)
	}

	second := transport.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if !strings.Contains(last.Content, "unknown tool") {
		t.Errorf("result = %q, want unknown-tool message", last.Content)
	}
}

func TestRun_ThinkingBecomesBlockAndCallback(t *testing.T) {
	transport := &scriptedTransport{
		responses: [][]ChatChunk{
			{{Thinking: "I should query the cache first."}, {Text: "Done."}, doneChunk(1, 1)},
		},
	}

	var gotThinking string
	h := newTestHarness(transport, NewRegistry(), nil, nil, nil)

	result, err := h.Run(context.Background(), &TurnRequest{
		Model:    "claude-sonnet-4-20250514",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Callbacks: Callbacks{
			OnThinking: func(s string) { gotThinking = s },
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if gotThinking != "I should query the cache first." {
		t.Errorf("OnThinking = %q", gotThinking)
	}
	if len(result.Blocks) != 1 || result.Blocks[0].Type != blocks.TypeThinking {
		t.Fatalf("Blocks = %v, want one thinking block", result.Blocks)
	}
	if result.Content != "Done." {
		t.Errorf("Content = %q", result.Content)
	}
}

func TestRun_ThinkingTagFallback(t *testing.T) {
	transport := &scriptedTransport{
		responses: [][]ChatChunk{
			{{Text: "<thinking>no structured field here</thinking>The answer."}, doneChunk(1, 1)},
		},
	}
	h := newTestHarness(transport, NewRegistry(), nil, nil, nil)

	result, err := h.Run(context.Background(), &TurnRequest{
		Model:    "claude-sonnet-4-20250514",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Content != "The answer." {
		t.Errorf("Content = %q, want stripped text", result.Content)
	}
	if len(result.Blocks) != 1 || result.Blocks[0].Type != blocks.TypeThinking {
		t.Fatalf("Blocks = %v, want one thinking block from fallback", result.Blocks)
	}
}

func TestRun_SecondConcurrentTurnRejected(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	transport := &scriptedTransport{
		completeFunc: func(ctx context.Context, req *ChatRequest) (<-chan *ChatChunk, error) {
			close(started)
			<-release
			ch := make(chan *ChatChunk, 1)
			ch <- &ChatChunk{Text: "ok", Done: true}
			close(ch)
			return ch, nil
		},
	}
	h := newTestHarness(transport, NewRegistry(), nil, nil, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := h.Run(context.Background(), &TurnRequest{
			Model:    "m",
			Messages: []Message{{Role: RoleUser, Content: "one"}},
		})
		errCh <- err
	}()

	<-started
	_, err := h.Run(context.Background(), &TurnRequest{
		Model:    "m",
		Messages: []Message{{Role: RoleUser, Content: "two"}},
	})
	if !errors.Is(err, ErrTurnInProgress) {
		t.Errorf("concurrent Run error = %v, want ErrTurnInProgress", err)
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Errorf("first turn failed: %v", err)
	}
}

func TestRun_NoTransport(t *testing.T) {
	h := NewHarness(nil, NewRegistry(), NewRouter(nil, nil, nil, nil), DefaultOptions())
	_, err := h.Run(context.Background(), &TurnRequest{Model: "m"})
	if !errors.Is(err, ErrNoTransport) {
		t.Errorf("err = %v, want ErrNoTransport", err)
	}
}
