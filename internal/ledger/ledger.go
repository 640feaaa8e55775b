// Package ledger provides the C5 Operation Ledger: a thin wrapper over
// pkg/store that records every operation transition, its evidence rows, and
// (on success) its output_data. Complete appends the evidence rows first and
// then writes the terminal transition; these are separate pkg/store calls,
// not one database transaction, so a failure between them leaves the evidence
// rows written without the transition.
package ledger

import (
	"context"
	"time"

	nerrors "github.com/nexus-agents/orchestrator-core/pkg/errors"
	"github.com/nexus-agents/orchestrator-core/pkg/store"
)

// Ledger records operation outcomes through pkg/store.
type Ledger struct {
	store store.Store
}

func New(s store.Store) *Ledger {
	return &Ledger{store: s}
}

// StartOperation appends a new queued operation row.
func (l *Ledger) StartOperation(ctx context.Context, op store.Operation) (store.Operation, error) {
	return l.store.AppendOperation(ctx, op)
}

// MarkInFlight transitions an operation to in_flight and stamps started_at.
func (l *Ledger) MarkInFlight(ctx context.Context, operationID string) error {
	op, err := l.store.GetOperation(ctx, operationID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	op.Status = store.OpInFlight
	op.StartedAt = &now
	return l.store.UpdateOperationOutcome(ctx, op)
}

// Complete writes the operation's terminal success transition together with
// its output_data and any evidence rows, in one logical unit: evidence is
// appended first so a caller observing the completed operation can always
// find its evidence already present.
func (l *Ledger) Complete(ctx context.Context, operationID string, outputData map[string]interface{}, evidence []store.Evidence) (store.Operation, error) {
	op, err := l.store.GetOperation(ctx, operationID)
	if err != nil {
		return store.Operation{}, err
	}
	if outputData == nil {
		return store.Operation{}, nerrors.InvariantViolation("completed operation missing output_data").
			WithDetails("operation_id", operationID)
	}

	for _, ev := range evidence {
		ev.OperationID = operationID
		if _, err := l.store.AppendEvidence(ctx, ev); err != nil {
			return store.Operation{}, err
		}
	}

	now := time.Now().UTC()
	var duration *int64
	if op.StartedAt != nil {
		d := now.Sub(*op.StartedAt).Milliseconds()
		duration = &d
	}
	op.Status = store.OpCompleted
	op.CompletedAt = &now
	op.DurationMs = duration
	op.OutputData = outputData

	if err := l.store.UpdateOperationOutcome(ctx, op); err != nil {
		return store.Operation{}, err
	}
	return op, nil
}

// Fail writes the operation's terminal failure transition.
func (l *Ledger) Fail(ctx context.Context, operationID string, cause error) (store.Operation, error) {
	op, err := l.store.GetOperation(ctx, operationID)
	if err != nil {
		return store.Operation{}, err
	}
	now := time.Now().UTC()
	var duration *int64
	if op.StartedAt != nil {
		d := now.Sub(*op.StartedAt).Milliseconds()
		duration = &d
	}
	op.Status = store.OpFailed
	op.CompletedAt = &now
	op.DurationMs = duration
	if cause != nil {
		op.ErrorMessage = cause.Error()
	}
	if err := l.store.UpdateOperationOutcome(ctx, op); err != nil {
		return store.Operation{}, err
	}
	return op, nil
}

// Cancel writes the operation's terminal cancellation transition.
func (l *Ledger) Cancel(ctx context.Context, operationID string) (store.Operation, error) {
	op, err := l.store.GetOperation(ctx, operationID)
	if err != nil {
		return store.Operation{}, err
	}
	now := time.Now().UTC()
	op.Status = store.OpCancelled
	op.CompletedAt = &now
	if err := l.store.UpdateOperationOutcome(ctx, op); err != nil {
		return store.Operation{}, err
	}
	return op, nil
}

// Retry writes the operation's non-terminal retry transition: retry_count is
// bumped and status moves to retrying, matching spec.md §4.4's "retry_count
// += 1 until max_attempts" policy. Status must stay non-terminal here — the
// coordinator is about to re-dispatch this op, and the next MarkInFlight
// re-fetches this same row, which both store backends reject if it finds a
// terminal status.
func (l *Ledger) Retry(ctx context.Context, operationID string, cause error) (store.Operation, error) {
	op, err := l.store.GetOperation(ctx, operationID)
	if err != nil {
		return store.Operation{}, err
	}
	op.RetryCount++
	op.Status = store.OpRetrying
	if cause != nil {
		op.ErrorMessage = cause.Error()
	}
	if err := l.store.UpdateOperationOutcome(ctx, op); err != nil {
		return store.Operation{}, err
	}
	return op, nil
}
