package agent

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultApprovalTimeout bounds how long a pending approval may wait for a
// human decision before auto-denying.
const DefaultApprovalTimeout = 5 * time.Minute

// Decision is the outcome of an approval request.
type Decision struct {
	// Approved is true when the user allowed the tool call.
	Approved bool `json:"approved"`

	// Remember is true when the user asked to persist this decision for
	// the conversation/tool pair. The harness itself never persists it;
	// that is the caller's job, using the metadata Resolve returns.
	Remember bool `json:"remember"`
}

// ApprovalMetadata correlates a pending approval with its origin so a
// remembered decision can be persisted against the right pair.
type ApprovalMetadata struct {
	ConversationID string `json:"conversation_id"`
	ToolName       string `json:"tool_name"`
}

type pendingApproval struct {
	ch    chan Decision
	timer *time.Timer
	meta  ApprovalMetadata
}

// ApprovalBroker is the rendezvous point between a suspended write tool call
// and an out-of-band human decision arriving on a different call stack.
//
// It is an explicit, injectable object owned by the composition root rather
// than a package-level singleton, so multiple harness instances and tests
// can use independent brokers. Entries are keyed by approval id and mutated
// only via Register, Resolve, and the timeout, each a single atomic
// transition: no two resolutions can succeed for the same id.
type ApprovalBroker struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval
	logger  *slog.Logger
}

// NewApprovalBroker creates an empty broker. A nil logger falls back to
// slog.Default().
func NewApprovalBroker(logger *slog.Logger) *ApprovalBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalBroker{
		pending: make(map[string]*pendingApproval),
		logger:  logger,
	}
}

// Register creates a pending approval and returns the channel its decision
// will be delivered on. Exactly one Decision is ever sent.
//
// If no explicit Resolve arrives within timeout, the entry auto-resolves to
// a denial with Remember=false and removes itself; callers must not assume
// entries live indefinitely. A non-positive timeout uses
// DefaultApprovalTimeout.
func (b *ApprovalBroker) Register(approvalID string, meta ApprovalMetadata, timeout time.Duration) (<-chan Decision, error) {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.pending[approvalID]; exists {
		return nil, ErrApprovalPending
	}

	entry := &pendingApproval{
		ch:   make(chan Decision, 1),
		meta: meta,
	}
	entry.timer = time.AfterFunc(timeout, func() {
		b.expire(approvalID)
	})
	b.pending[approvalID] = entry

	return entry.ch, nil
}

// Resolve settles a pending approval with the user's decision, cancels its
// timeout, removes the entry, and returns its stored metadata.
//
// An unknown id returns ok=false without error: the id namespace is shared
// with unrelated approval flows, and decisions for those must simply pass
// through.
func (b *ApprovalBroker) Resolve(approvalID string, approved, remember bool) (ApprovalMetadata, bool) {
	b.mu.Lock()
	entry, ok := b.pending[approvalID]
	if ok {
		delete(b.pending, approvalID)
	}
	b.mu.Unlock()

	if !ok {
		return ApprovalMetadata{}, false
	}

	entry.timer.Stop()
	entry.ch <- Decision{Approved: approved, Remember: remember}

	b.logger.Debug("approval resolved",
		"approval_id", approvalID,
		"tool", entry.meta.ToolName,
		"approved", approved,
		"remember", remember,
	)
	return entry.meta, true
}

// HasPending reports whether an approval id is still awaiting a decision,
// so UIs can distinguish "still pending" from "already resolved".
func (b *ApprovalBroker) HasPending(approvalID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[approvalID]
	return ok
}

// PendingCount returns the number of outstanding approvals.
func (b *ApprovalBroker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// expire auto-denies a pending approval whose timeout elapsed.
func (b *ApprovalBroker) expire(approvalID string) {
	b.mu.Lock()
	entry, ok := b.pending[approvalID]
	if ok {
		delete(b.pending, approvalID)
	}
	b.mu.Unlock()

	if !ok {
		// Lost the race with an explicit Resolve.
		return
	}

	entry.ch <- Decision{Approved: false, Remember: false}
	b.logger.Info("approval timed out",
		"approval_id", approvalID,
		"tool", entry.meta.ToolName,
	)
}
