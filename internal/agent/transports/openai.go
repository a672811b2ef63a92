package transports

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/haasonsaas/conductor/internal/agent"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAITransport implements agent.Transport over OpenAI's chat completions
// API with function calling.
//
// OpenAI differs from Anthropic in a few ways the transport papers over: the
// system prompt is the first message rather than a separate field, tool calls
// stream incrementally and must be accumulated by index, and each tool result
// is its own message with role "tool". Streamed usage requires opting in via
// stream options; when the API omits it, the transport emits a running
// character-based output estimate instead.
type OpenAITransport struct {
	client     *openai.Client
	maxRetries int
	retryDelay time.Duration
}

// NewOpenAITransport creates an OpenAI transport. An empty API key yields a
// transport whose Complete calls fail, allowing delayed configuration.
func NewOpenAITransport(apiKey string) *OpenAITransport {
	t := &OpenAITransport{
		maxRetries: 3,
		retryDelay: time.Second,
	}
	if apiKey != "" {
		t.client = openai.NewClient(apiKey)
	}
	return t
}

// Name returns the transport identifier used for routing and logging.
func (t *OpenAITransport) Name() string {
	return "openai"
}

// Complete sends a chat request to OpenAI and returns a streaming chunk
// channel.
func (t *OpenAITransport) Complete(ctx context.Context, req *agent.ChatRequest) (<-chan *agent.ChatChunk, error) {
	if t.client == nil {
		return nil, errors.New("openai: API key not configured")
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertOpenAIMessages(req.Messages, req.System),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error

	for attempt := 0; attempt < t.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(t.retryDelay * time.Duration(attempt)):
			}
		}

		stream, lastErr = t.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !isRetryableError(lastErr) {
			return nil, fmt.Errorf("openai: %w", lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("openai: max retries exceeded: %w", lastErr)
	}

	chunks := make(chan *agent.ChatChunk)
	go t.processStream(ctx, stream, chunks)

	return chunks, nil
}

// processStream converts OpenAI stream deltas into chunks. Tool calls stream
// in fragments keyed by index; the transport accumulates them and emits
// complete calls when the finish reason arrives (or on EOF as a fallback).
func (t *OpenAITransport) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.ChatChunk) {
	defer close(chunks)
	defer stream.Close()

	toolCalls := make(map[int]*agent.ToolCall)
	emittedCalls := make(map[int]bool)
	streamedChars := 0
	var usage *openai.Usage

	flushToolCalls := func() {
		for _, tc := range takeCompleteToolCalls(toolCalls, emittedCalls) {
			chunks <- &agent.ChatChunk{ToolCall: tc}
		}
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &agent.ChatChunk{Error: ctx.Err()}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushToolCalls()
				done := &agent.ChatChunk{Done: true}
				if usage != nil {
					done.InputTokens = usage.PromptTokens
					done.OutputTokens = usage.CompletionTokens
					done.UsageReported = true
				}
				chunks <- done
				return
			}
			chunks <- &agent.ChatChunk{Error: fmt.Errorf("openai: %w", err)}
			return
		}

		// The usage-bearing chunk arrives last with an empty choice list.
		if response.Usage != nil {
			usage = response.Usage
		}
		if len(response.Choices) == 0 {
			continue
		}

		delta := response.Choices[0].Delta

		if delta.Content != "" {
			streamedChars += len(delta.Content)
			chunks <- &agent.ChatChunk{Text: delta.Content}
			// Rough estimate for consumers tracking usage mid-stream;
			// superseded by reported usage when present.
			chunks <- &agent.ChatChunk{TokenEstimate: streamedChars / 4}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &agent.ToolCall{}
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[index].Arguments += tc.Function.Arguments
			}
		}

		if response.Choices[0].FinishReason == openai.FinishReasonToolCalls {
			flushToolCalls()
		}
	}
}

// takeCompleteToolCalls returns the accumulated calls that are complete and
// not yet emitted, in ascending index order, and marks them emitted. The
// index order is the model's emission order; later calls may depend on
// earlier ones, so it must survive the map accumulation.
func takeCompleteToolCalls(toolCalls map[int]*agent.ToolCall, emitted map[int]bool) []*agent.ToolCall {
	indexes := make([]int, 0, len(toolCalls))
	for index := range toolCalls {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)

	var complete []*agent.ToolCall
	for _, index := range indexes {
		tc := toolCalls[index]
		if emitted[index] || tc.ID == "" || tc.Name == "" {
			continue
		}
		emitted[index] = true
		complete = append(complete, tc)
	}
	return complete
}

// convertOpenAIMessages converts harness messages to OpenAI's format, with
// the system prompt injected as the leading message.
func convertOpenAIMessages(messages []agent.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case agent.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})

		case agent.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: tc.Arguments,
						},
					}
				}
			}
			result = append(result, oaiMsg)

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		}
	}

	return result
}

func convertOpenAITools(tools []agent.ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(tools))

	for i, tool := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		}
	}

	return result
}
