package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-agents/orchestrator-core/pkg/store"
)

func newTestLedger(t *testing.T) (*Ledger, store.Store, store.Task) {
	t.Helper()
	s := store.NewMemory(store.DefaultConfig())
	task, err := s.UpsertTask(context.Background(), store.Task{Title: "t", ResearchQuery: "q", ResearchType: store.ResearchAnalyticalReport})
	require.NoError(t, err)
	return New(s), s, task
}

func TestComplete_RequiresOutputData(t *testing.T) {
	l, _, task := newTestLedger(t)
	ctx := context.Background()

	op, err := l.StartOperation(ctx, store.Operation{TaskID: task.ID, OperationType: store.OpMCPSearch})
	require.NoError(t, err)

	_, err = l.Complete(ctx, op.ID, nil, nil)
	assert.Error(t, err)
}

func TestComplete_WritesEvidenceBeforeTerminal(t *testing.T) {
	l, s, task := newTestLedger(t)
	ctx := context.Background()

	op, err := l.StartOperation(ctx, store.Operation{TaskID: task.ID, OperationType: store.OpMCPSearch})
	require.NoError(t, err)
	require.NoError(t, l.MarkInFlight(ctx, op.ID))

	completed, err := l.Complete(ctx, op.ID, map[string]interface{}{"count": 3}, []store.Evidence{
		{EvidenceType: "search_hit", SourceURL: "https://a.test"},
	})
	require.NoError(t, err)
	assert.Equal(t, store.OpCompleted, completed.Status)
	assert.NotNil(t, completed.CompletedAt)

	ev, err := s.ListEvidence(ctx, op.ID)
	require.NoError(t, err)
	assert.Len(t, ev, 1)
}

func TestFail_SetsErrorMessage(t *testing.T) {
	l, _, task := newTestLedger(t)
	ctx := context.Background()

	op, err := l.StartOperation(ctx, store.Operation{TaskID: task.ID, OperationType: store.OpMCPSearch})
	require.NoError(t, err)

	failed, err := l.Fail(ctx, op.ID, errors.New("provider unavailable"))
	require.NoError(t, err)
	assert.Equal(t, store.OpFailed, failed.Status)
	assert.Equal(t, "provider unavailable", failed.ErrorMessage)
}

func TestRetry_IncrementsCount(t *testing.T) {
	l, _, task := newTestLedger(t)
	ctx := context.Background()

	op, err := l.StartOperation(ctx, store.Operation{TaskID: task.ID, OperationType: store.OpMCPSearch})
	require.NoError(t, err)

	retried, err := l.Retry(ctx, op.ID, errors.New("timeout"))
	require.NoError(t, err)
	assert.Equal(t, 1, retried.RetryCount)
}
