package coordinator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.QueueCapacities = map[string]int{"search": 8, "fetch": 8}
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.HeartbeatTTL = 150 * time.Millisecond
	cfg.StatsSnapshotInterval = 100 * time.Millisecond
	c := New(cfg, nil, nil, nil)
	c.Start()
	t.Cleanup(c.Stop)
	return c
}

func TestSubmit_RunsAndCompletes(t *testing.T) {
	c := testCoordinator(t)

	var ran int32
	h, err := c.Submit(Spec{
		ID:    "op-1",
		Queue: "search",
		Run: func(context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		},
	})
	require.NoError(t, err)

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("op did not complete in time")
	}

	assert.Equal(t, StatusCompleted, h.Status())
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestSubmit_RetriesTransientThenFails(t *testing.T) {
	c := testCoordinator(t)

	var attempts int32
	h, err := c.Submit(Spec{
		ID:          "op-retry",
		Queue:       "search",
		MaxAttempts: 3,
		Classify:    func(error) bool { return true },
		Run: func(context.Context) error {
			atomic.AddInt32(&attempts, 1)
			return errors.New("boom")
		},
	})
	require.NoError(t, err)

	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("op did not reach terminal state in time")
	}

	assert.Equal(t, StatusFailed, h.Status())
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestSubmit_DependencyPropagatesFailure(t *testing.T) {
	c := testCoordinator(t)

	parent, err := c.Submit(Spec{
		ID:    "parent",
		Queue: "search",
		Run: func(context.Context) error {
			return errors.New("parent failed")
		},
	})
	require.NoError(t, err)

	child, err := c.Submit(Spec{
		ID:        "child",
		Queue:     "search",
		DependsOn: []string{"parent"},
		DepPolicy: PolicyPropagate,
		Run: func(context.Context) error {
			t.Fatal("child should never run when parent fails under propagate policy")
			return nil
		},
	})
	require.NoError(t, err)

	select {
	case <-parent.Done():
	case <-time.After(time.Second):
		t.Fatal("parent did not complete")
	}
	select {
	case <-child.Done():
	case <-time.After(time.Second):
		t.Fatal("child did not reach terminal state")
	}

	assert.Equal(t, StatusFailed, child.Status())
	assert.ErrorIs(t, child.Err(), ErrDependencyFailed)
}

func TestCancelTask_MarksPendingOpsCancelled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueCapacities = map[string]int{"search": 8}
	c := New(cfg, nil, nil, nil)
	// Intentionally not Start()ed: ops stay queued so cancellation can race
	// against dispatch deterministically.

	h, err := c.Submit(Spec{
		ID:    "cancel-me",
		Queue: "search",
		Run:   func(context.Context) error { return nil },
	})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	c.CancelTask("")

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("cancelled op did not reach terminal state")
	}
	assert.Equal(t, StatusCancelled, h.Status())
}

func TestCancelTask_UnblocksInFlightOp(t *testing.T) {
	c := testCoordinator(t)

	started := make(chan struct{})
	h, err := c.Submit(Spec{
		ID:     "in-flight-cancel-me",
		TaskID: "task-1",
		Queue:  "search",
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("op never started running")
	}

	c.CancelTask("task-1")

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("in-flight op did not unblock on CancelTask")
	}
	assert.Equal(t, StatusCancelled, h.Status())
}

func TestSubmit_UnknownDependencyIsIgnored(t *testing.T) {
	c := testCoordinator(t)

	h, err := c.Submit(Spec{
		ID:        "orphan-dep",
		Queue:     "search",
		DependsOn: []string{"does-not-exist"},
		Run:       func(context.Context) error { return nil },
	})
	require.NoError(t, err)

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("op with an unknown dependency should still dispatch")
	}
	assert.Equal(t, StatusCompleted, h.Status())
}
