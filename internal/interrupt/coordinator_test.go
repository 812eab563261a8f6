package interrupt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/reactor/internal/agent"
	"github.com/haasonsaas/reactor/pkg/models"
)

func newTestCoordinator(policy *Policy) (*Coordinator, *MemoryStore) {
	store := NewMemoryStore()
	return NewCoordinator(store, CoordinatorConfig{Policy: policy}), store
}

func approvalSpec(tool string) InterruptSpec {
	return InterruptSpec{
		Kind:     models.InterruptApproval,
		ToolCall: &models.ToolCall{ID: "call-1", Name: tool, Input: []byte(`{}`)},
	}
}

func TestRespondWakesWaiter(t *testing.T) {
	coord, _ := newTestCoordinator(nil)
	ctx := context.Background()

	interrupt, err := coord.CreateInterrupt(ctx, "t1", approvalSpec("deploy"))
	if err != nil {
		t.Fatal(err)
	}

	type waitResult struct {
		resp *models.InterruptResponse
		err  error
	}
	got := make(chan waitResult, 1)
	go func() {
		resp, err := coord.WaitForResponse(ctx, "t1", interrupt.ID, 5*time.Second)
		got <- waitResult{resp, err}
	}()

	// Respond may land before or after the waiter registers; both paths
	// must deliver the response.
	if err := coord.Respond(ctx, "t1", interrupt.ID, &models.InterruptResponse{
		Action:      models.ActionAccept,
		RespondedBy: "operator",
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case result := <-got:
		if result.err != nil {
			t.Fatal(result.err)
		}
		if result.resp.Action != models.ActionAccept {
			t.Errorf("action = %s, want accept", result.resp.Action)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke")
	}

	stored, err := coord.store.Get(ctx, "t1", interrupt.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.InterruptResolved {
		t.Errorf("stored status = %s, want resolved", stored.Status)
	}
	if stored.Response == nil || stored.Response.RespondedBy != "operator" {
		t.Errorf("stored response = %+v", stored.Response)
	}
}

func TestWaitForResponseTimesOut(t *testing.T) {
	coord, _ := newTestCoordinator(nil)
	ctx := context.Background()

	interrupt, err := coord.CreateInterrupt(ctx, "t1", approvalSpec("deploy"))
	if err != nil {
		t.Fatal(err)
	}

	resp, err := coord.WaitForResponse(ctx, "t1", interrupt.ID, 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Action != models.ActionDeny || resp.Answer != "timed out" {
		t.Errorf("resp = %+v, want timed-out denial", resp)
	}

	stored, _ := coord.store.Get(ctx, "t1", interrupt.ID)
	if stored.Status != models.InterruptTimedOut {
		t.Errorf("stored status = %s, want timed_out", stored.Status)
	}
}

func TestWaitForResponseContextCanceled(t *testing.T) {
	coord, _ := newTestCoordinator(nil)

	interrupt, err := coord.CreateInterrupt(context.Background(), "t1", approvalSpec("deploy"))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = coord.WaitForResponse(ctx, "t1", interrupt.ID, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	stored, _ := coord.store.Get(context.Background(), "t1", interrupt.ID)
	if stored.Status != models.InterruptCanceled {
		t.Errorf("stored status = %s, want canceled", stored.Status)
	}
}

func TestRespondUnknownAddress(t *testing.T) {
	coord, _ := newTestCoordinator(nil)

	err := coord.Respond(context.Background(), "t1", "missing",
		&models.InterruptResponse{Action: models.ActionAccept})
	if !errors.Is(err, ErrInterruptNotFound) {
		t.Errorf("err = %v, want ErrInterruptNotFound", err)
	}
}

func TestRespondAlreadyResolved(t *testing.T) {
	coord, _ := newTestCoordinator(nil)
	ctx := context.Background()

	interrupt, err := coord.CreateInterrupt(ctx, "t1", approvalSpec("deploy"))
	if err != nil {
		t.Fatal(err)
	}
	accept := &models.InterruptResponse{Action: models.ActionAccept}
	if err := coord.Respond(ctx, "t1", interrupt.ID, accept); err != nil {
		t.Fatal(err)
	}

	err = coord.Respond(ctx, "t1", interrupt.ID, accept)
	if !errors.Is(err, ErrInterruptResolved) {
		t.Errorf("second respond err = %v, want ErrInterruptResolved", err)
	}
}

func TestAcceptAlwaysPopulatesAllowlist(t *testing.T) {
	coord, _ := newTestCoordinator(&Policy{RequireApproval: []string{"deploy"}})
	ctx := agent.WithThreadID(context.Background(), "t1")
	call := models.ToolCall{ID: "c1", Name: "deploy", Input: []byte(`{}`)}

	if !coord.NeedsApproval(ctx, call) {
		t.Fatal("deploy should need approval before the grant")
	}

	interrupt, err := coord.CreateApproval(ctx, call)
	if err != nil {
		t.Fatal(err)
	}
	if interrupt == nil {
		t.Fatal("expected a pending interrupt")
	}

	if err := coord.Respond(ctx, "t1", interrupt.ID, &models.InterruptResponse{
		Action: models.ActionAcceptAlways,
	}); err != nil {
		t.Fatal(err)
	}

	if coord.NeedsApproval(ctx, call) {
		t.Error("accept_always grant should skip approval")
	}
	if !coord.Allowlist().Allowed("t1", "deploy") {
		t.Error("allowlist missing the grant")
	}

	// The grant is thread-scoped.
	otherThread := agent.WithThreadID(context.Background(), "t2")
	if !coord.NeedsApproval(otherThread, call) {
		t.Error("grant leaked to another thread")
	}
}

func TestCreateApprovalPreApproved(t *testing.T) {
	coord, _ := newTestCoordinator(&Policy{RequireApproval: []string{"deploy"}})
	ctx := agent.WithThreadID(context.Background(), "t1")
	coord.Allowlist().Grant("t1", "deploy")

	interrupt, err := coord.CreateApproval(ctx, models.ToolCall{ID: "c1", Name: "deploy"})
	if err != nil {
		t.Fatal(err)
	}
	if interrupt != nil {
		t.Errorf("granted tool produced interrupt %+v, want pre-approved nil", interrupt)
	}
}

func TestCancelInterrupt(t *testing.T) {
	coord, _ := newTestCoordinator(nil)
	ctx := context.Background()

	interrupt, err := coord.CreateInterrupt(ctx, "t1", approvalSpec("deploy"))
	if err != nil {
		t.Fatal(err)
	}

	if err := coord.CancelInterrupt(ctx, "t1", interrupt.ID); err != nil {
		t.Fatal(err)
	}
	stored, _ := coord.store.Get(ctx, "t1", interrupt.ID)
	if stored.Status != models.InterruptCanceled {
		t.Errorf("stored status = %s, want canceled", stored.Status)
	}

	// Idempotent on resolved interrupts.
	if err := coord.CancelInterrupt(ctx, "t1", interrupt.ID); err != nil {
		t.Errorf("second cancel err = %v, want nil", err)
	}

	if err := coord.CancelInterrupt(ctx, "t1", "missing"); !errors.Is(err, ErrInterruptNotFound) {
		t.Errorf("cancel unknown err = %v, want ErrInterruptNotFound", err)
	}
}

func TestExpirePendingResolvesAsTimedOut(t *testing.T) {
	coord, _ := newTestCoordinator(nil)
	ctx := context.Background()

	spec := approvalSpec("deploy")
	spec.TTL = time.Minute
	interrupt, err := coord.CreateInterrupt(ctx, "t1", spec)
	if err != nil {
		t.Fatal(err)
	}

	// Not yet due.
	expired, err := coord.ExpirePending(ctx, time.Now())
	if err != nil || expired != 0 {
		t.Fatalf("early expire = (%d, %v), want (0, nil)", expired, err)
	}

	expired, err = coord.ExpirePending(ctx, time.Now().Add(2*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if expired != 1 {
		t.Fatalf("expired = %d, want 1", expired)
	}

	stored, _ := coord.store.Get(ctx, "t1", interrupt.ID)
	if stored.Status != models.InterruptTimedOut {
		t.Errorf("stored status = %s, want timed_out", stored.Status)
	}
	if stored.Response == nil || stored.Response.Answer != "timed out" {
		t.Errorf("stored response = %+v", stored.Response)
	}
}

func TestListPendingScopesByThread(t *testing.T) {
	coord, _ := newTestCoordinator(nil)
	ctx := context.Background()

	a, _ := coord.CreateInterrupt(ctx, "t1", approvalSpec("deploy"))
	if _, err := coord.CreateInterrupt(ctx, "t2", approvalSpec("delete")); err != nil {
		t.Fatal(err)
	}

	all, err := coord.ListPending(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("all pending = %d, want 2", len(all))
	}

	scoped, err := coord.ListPending(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(scoped) != 1 || scoped[0].ID != a.ID {
		t.Errorf("scoped pending = %+v", scoped)
	}
}
