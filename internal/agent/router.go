package agent

import (
	"context"
	"fmt"
	"log/slog"
)

// Router dispatches a tool invocation to the executor for its category.
//
// The router holds no state and performs no approval logic; approval is the
// turn loop's responsibility, applied before the router is invoked for
// write-category calls. Every failure mode, including a panicking executor,
// folds into a structured error result so a single failing tool can never
// fail the whole turn.
type Router struct {
	render Executor
	read   Executor
	write  Executor
	logger *slog.Logger
}

// NewRouter creates a router over the three category executors. Any executor
// may be nil; calls routed to a missing executor return a "not configured"
// error result.
func NewRouter(render, read, write Executor, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		render: render,
		read:   read,
		write:  write,
		logger: logger,
	}
}

// Execute runs a tool call through its category executor and returns the
// result. The returned ExecResult is never nil.
func (r *Router) Execute(ctx context.Context, toolName string, category ToolCategory, input map[string]any) *ExecResult {
	var executor Executor
	switch category {
	case CategoryRender:
		executor = r.render
	case CategoryRead:
		executor = r.read
	case CategoryWrite:
		executor = r.write
	default:
		return &ExecResult{
			Content: fmt.Sprintf("unknown tool category %q for tool %s", category, toolName),
			IsError: true,
		}
	}

	if executor == nil {
		return &ExecResult{
			Content: fmt.Sprintf("no %s executor is configured; tool %s is unavailable", category, toolName),
			IsError: true,
		}
	}

	result, err := r.safeExecute(ctx, executor, toolName, input)
	if err != nil {
		r.logger.Error("tool execution failed",
			"tool", toolName,
			"category", string(category),
			"error", err,
		)
		return &ExecResult{
			Content: fmt.Sprintf("tool %s failed: %v", toolName, err),
			IsError: true,
		}
	}
	if result == nil {
		return &ExecResult{
			Content: fmt.Sprintf("tool %s returned no result", toolName),
			IsError: true,
		}
	}
	return result
}

// safeExecute isolates executor panics so they surface as tool-local errors.
func (r *Router) safeExecute(ctx context.Context, executor Executor, toolName string, input map[string]any) (result *ExecResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("tool panicked: %v", rec)
		}
	}()
	return executor.Execute(ctx, toolName, input)
}
