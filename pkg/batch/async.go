package batch

import (
	"context"

	"github.com/google/uuid"

	"github.com/promptgate/promptgate/pkg/types"
)

// Task is a handle to an asynchronously submitted batch.
type Task struct {
	id   string
	done chan struct{}

	decisions []*types.Decision
	err       error
}

// ID returns the task identifier.
func (t *Task) ID() string { return t.id }

// Done is closed when the batch has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the batch finishes or ctx is cancelled.
func (t *Task) Wait(ctx context.Context) ([]*types.Decision, error) {
	select {
	case <-t.done:
		return t.decisions, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit starts a batch in the background and returns immediately. The
// provided context governs the whole batch; cancelling it fails remaining
// items closed.
func (x *Executor) Submit(ctx context.Context, reqs []*types.ComplianceRequest) *Task {
	t := &Task{id: uuid.NewString(), done: make(chan struct{})}
	go func() {
		defer close(t.done)
		t.decisions, t.err = x.DecideBatch(ctx, reqs)
	}()
	return t
}
