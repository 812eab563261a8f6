package interrupt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/reactor/internal/agent"
	"github.com/haasonsaas/reactor/internal/observability"
	"github.com/haasonsaas/reactor/pkg/models"
)

// CoordinatorConfig configures the interrupt coordinator.
type CoordinatorConfig struct {
	// Policy decides which tool calls pause for approval.
	Policy *Policy

	// Logger for interrupt lifecycle events. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics sink; nil disables metric recording.
	Metrics *observability.Metrics
}

// InterruptSpec describes an interrupt to create.
type InterruptSpec struct {
	RunID    string
	Kind     models.InterruptKind
	ToolCall *models.ToolCall
	Question string
	Options  []string

	// TTL overrides the policy TTL when positive.
	TTL time.Duration
}

// Coordinator owns the human-in-the-loop lifecycle: it decides which
// tool calls pause, persists pending interrupts, blocks in-process
// waiters, and routes human responses back to them. It serves the
// scheduler as its approval gate and the run loop as its canceler for
// orphaned interrupts.
type Coordinator struct {
	store   Store
	policy  *Policy
	allow   *Allowlist
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	waiters map[addrKey]chan *models.InterruptResponse
}

var (
	_ agent.InterruptGate     = (*Coordinator)(nil)
	_ agent.InterruptCanceler = (*Coordinator)(nil)
)

// NewCoordinator creates a coordinator over the given store.
func NewCoordinator(store Store, cfg CoordinatorConfig) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:   store,
		policy:  normalizePolicy(cfg.Policy),
		allow:   NewAllowlist(),
		logger:  logger.With("component", "interrupts"),
		metrics: cfg.Metrics,
		waiters: make(map[addrKey]chan *models.InterruptResponse),
	}
}

// Allowlist exposes the accept_always grants, mainly for inspection.
func (c *Coordinator) Allowlist() *Allowlist {
	return c.allow
}

// NeedsApproval reports whether a tool call must pause for a human.
// Thread-scoped accept_always grants short-circuit the policy.
// Denylisted tools do not pause; the PolicyHook rejects them in the
// pipeline instead.
func (c *Coordinator) NeedsApproval(ctx context.Context, call models.ToolCall) bool {
	threadID := agent.ThreadIDFromContext(ctx)
	if c.allow.Allowed(threadID, call.Name) {
		return false
	}
	decision, _ := c.policy.Evaluate(call.Name)
	return decision == DecisionAsk
}

// CreateApproval persists an approval interrupt for the call. Returns
// (nil, nil) when an accept_always grant landed since the approval
// check, letting the scheduler execute immediately.
func (c *Coordinator) CreateApproval(ctx context.Context, call models.ToolCall) (*models.PendingInterrupt, error) {
	threadID := agent.ThreadIDFromContext(ctx)
	if c.allow.Allowed(threadID, call.Name) {
		return nil, nil
	}
	return c.CreateInterrupt(ctx, threadID, InterruptSpec{
		RunID:    agent.RunIDFromContext(ctx),
		Kind:     models.InterruptApproval,
		ToolCall: &call,
	})
}

// CreateInterrupt persists a pending interrupt and returns it. The
// caller decides whether to block on WaitForResponse or to checkpoint
// and resume later.
func (c *Coordinator) CreateInterrupt(ctx context.Context, threadID string, spec InterruptSpec) (*models.PendingInterrupt, error) {
	if spec.Kind == "" {
		return nil, errors.New("interrupt kind is required")
	}
	ttl := spec.TTL
	if ttl <= 0 {
		ttl = c.policy.TTL
	}

	now := time.Now()
	interrupt := &models.PendingInterrupt{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		RunID:     spec.RunID,
		Kind:      spec.Kind,
		ToolCall:  spec.ToolCall,
		Question:  spec.Question,
		Options:   spec.Options,
		Status:    models.InterruptPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := c.store.Create(ctx, interrupt); err != nil {
		return nil, fmt.Errorf("create interrupt: %w", err)
	}

	c.logger.Info("interrupt created",
		"interrupt_id", interrupt.ID,
		"thread_id", threadID,
		"kind", string(spec.Kind),
		"expires_at", interrupt.ExpiresAt)
	if c.metrics != nil && spec.Kind != models.InterruptApproval {
		// Approval creations are recorded by the scheduler that paused.
		c.metrics.RecordInterrupt(string(spec.Kind), "created")
	}
	return interrupt, nil
}

// WaitForResponse blocks until a human responds, the timeout passes, or
// the context is canceled. A timeout resolves the interrupt as timed
// out and returns a denial with the text "timed out". Context
// cancellation marks the interrupt canceled and returns ctx.Err().
func (c *Coordinator) WaitForResponse(ctx context.Context, threadID, interruptID string, timeout time.Duration) (*models.InterruptResponse, error) {
	key := addrKey{threadID, interruptID}

	c.mu.Lock()
	if _, exists := c.waiters[key]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("interrupt %s already has a waiter", interruptID)
	}
	ch := make(chan *models.InterruptResponse, 1)
	c.waiters[key] = ch
	c.mu.Unlock()
	defer c.removeWaiter(key)

	// The response may have landed before the waiter registered.
	if interrupt, err := c.store.Get(ctx, threadID, interruptID); err != nil {
		return nil, err
	} else if interrupt.Status != models.InterruptPending {
		return settledResponse(interrupt)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil

	case <-timer.C:
		timedOut := &models.InterruptResponse{
			Action:      models.ActionDeny,
			Answer:      "timed out",
			RespondedAt: time.Now(),
		}
		err := c.store.Resolve(ctx, threadID, interruptID, models.InterruptTimedOut, timedOut)
		if errors.Is(err, ErrInterruptResolved) {
			// A response raced the timeout; prefer it.
			select {
			case resp := <-ch:
				return resp, nil
			default:
			}
		} else if err != nil {
			return nil, fmt.Errorf("resolve timed out interrupt: %w", err)
		}
		c.logger.Warn("interrupt timed out",
			"interrupt_id", interruptID,
			"thread_id", threadID,
			"timeout", timeout)
		c.recordOutcome(threadID, interruptID, "timed_out")
		return timedOut, nil

	case <-ctx.Done():
		cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.store.Resolve(cancelCtx, threadID, interruptID, models.InterruptCanceled, nil); err != nil &&
			!errors.Is(err, ErrInterruptResolved) {
			c.logger.Warn("failed to mark interrupt canceled",
				"interrupt_id", interruptID,
				"error", err)
		} else {
			c.recordOutcome(threadID, interruptID, "canceled")
		}
		return nil, ctx.Err()
	}
}

// Respond resolves a pending interrupt with a human decision and wakes
// its waiter. accept_always also grants the tool on the allowlist so
// later calls in the thread skip approval.
func (c *Coordinator) Respond(ctx context.Context, threadID, interruptID string, resp *models.InterruptResponse) error {
	if resp == nil {
		return errors.New("response is required")
	}
	if resp.RespondedAt.IsZero() {
		resp.RespondedAt = time.Now()
	}

	interrupt, err := c.store.Get(ctx, threadID, interruptID)
	if err != nil {
		return err
	}
	if err := c.store.Resolve(ctx, threadID, interruptID, models.InterruptResolved, resp); err != nil {
		return err
	}

	if resp.Action == models.ActionAcceptAlways && interrupt.ToolCall != nil {
		c.allow.Grant(threadID, interrupt.ToolCall.Name)
	}

	c.logger.Info("interrupt resolved",
		"interrupt_id", interruptID,
		"thread_id", threadID,
		"action", string(resp.Action),
		"responded_by", resp.RespondedBy)
	if c.metrics != nil {
		c.metrics.RecordInterrupt(string(interrupt.Kind), "resolved")
	}

	c.wake(addrKey{threadID, interruptID}, resp)
	return nil
}

// CancelInterrupt resolves an interrupt as canceled when its run dies
// before a response arrives. Safe to call on already-resolved
// interrupts.
func (c *Coordinator) CancelInterrupt(ctx context.Context, threadID, interruptID string) error {
	err := c.store.Resolve(ctx, threadID, interruptID, models.InterruptCanceled, nil)
	if errors.Is(err, ErrInterruptResolved) {
		return nil
	}
	if err != nil {
		return err
	}

	c.logger.Info("interrupt canceled",
		"interrupt_id", interruptID,
		"thread_id", threadID)
	c.recordOutcome(threadID, interruptID, "canceled")

	c.wake(addrKey{threadID, interruptID}, &models.InterruptResponse{
		Action:      models.ActionDeny,
		Answer:      "canceled",
		RespondedAt: time.Now(),
	})
	return nil
}

// ListPending returns the pending interrupts for a thread ("" for all).
func (c *Coordinator) ListPending(ctx context.Context, threadID string) ([]*models.PendingInterrupt, error) {
	return c.store.ListPending(ctx, threadID)
}

// ExpirePending resolves every pending interrupt whose deadline has
// passed as timed out, waking any waiter with the timeout denial.
// Returns how many were expired.
func (c *Coordinator) ExpirePending(ctx context.Context, now time.Time) (int, error) {
	pending, err := c.store.ListPending(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list pending interrupts: %w", err)
	}

	expired := 0
	for _, interrupt := range pending {
		if interrupt.ExpiresAt.IsZero() || interrupt.ExpiresAt.After(now) {
			continue
		}
		timedOut := &models.InterruptResponse{
			Action:      models.ActionDeny,
			Answer:      "timed out",
			RespondedAt: now,
		}
		err := c.store.Resolve(ctx, interrupt.ThreadID, interrupt.ID, models.InterruptTimedOut, timedOut)
		if errors.Is(err, ErrInterruptResolved) || errors.Is(err, ErrInterruptNotFound) {
			continue
		}
		if err != nil {
			return expired, fmt.Errorf("expire interrupt %s: %w", interrupt.ID, err)
		}
		expired++
		c.logger.Warn("interrupt expired",
			"interrupt_id", interrupt.ID,
			"thread_id", interrupt.ThreadID,
			"expired_at", interrupt.ExpiresAt)
		c.recordOutcome(interrupt.ThreadID, interrupt.ID, "timed_out")
		c.wake(addrKey{interrupt.ThreadID, interrupt.ID}, timedOut)
	}
	return expired, nil
}

// PruneResolved deletes interrupts resolved before the cutoff.
func (c *Coordinator) PruneResolved(ctx context.Context, cutoff time.Time) (int64, error) {
	return c.store.DeleteExpired(ctx, cutoff)
}

func (c *Coordinator) wake(key addrKey, resp *models.InterruptResponse) {
	c.mu.Lock()
	ch, ok := c.waiters[key]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

func (c *Coordinator) removeWaiter(key addrKey) {
	c.mu.Lock()
	delete(c.waiters, key)
	c.mu.Unlock()
}

func (c *Coordinator) recordOutcome(threadID, interruptID, outcome string) {
	if c.metrics == nil {
		return
	}
	kind := models.InterruptApproval
	if interrupt, err := c.store.Get(context.Background(), threadID, interruptID); err == nil {
		kind = interrupt.Kind
	}
	c.metrics.RecordInterrupt(string(kind), outcome)
}

// settledResponse maps an already-resolved interrupt to the response a
// waiter would have received.
func settledResponse(interrupt *models.PendingInterrupt) (*models.InterruptResponse, error) {
	if interrupt.Response != nil {
		return interrupt.Response, nil
	}
	switch interrupt.Status {
	case models.InterruptTimedOut:
		return &models.InterruptResponse{Action: models.ActionDeny, Answer: "timed out"}, nil
	case models.InterruptCanceled:
		return &models.InterruptResponse{Action: models.ActionDeny, Answer: "canceled"}, nil
	default:
		return nil, fmt.Errorf("interrupt %s resolved without a response", interrupt.ID)
	}
}
