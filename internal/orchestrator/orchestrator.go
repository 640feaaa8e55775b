// Package orchestrator implements the C6 Research Orchestrator: the two
// pipelines (analytical-report, data-aggregation) as ordered phases over
// pkg/coordinator, with min_success_ratio partial-tolerance phase outcomes
// and task-status advancement through internal/ledger.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/nexus-agents/orchestrator-core/internal/dok"
	"github.com/nexus-agents/orchestrator-core/internal/ledger"
	"github.com/nexus-agents/orchestrator-core/pkg/coordinator"
	"github.com/nexus-agents/orchestrator-core/pkg/eventbus"
	"github.com/nexus-agents/orchestrator-core/pkg/gateway"
	"github.com/nexus-agents/orchestrator-core/pkg/logging"
	"github.com/nexus-agents/orchestrator-core/pkg/store"
)

// Config controls pipeline-wide behavior: which providers a phase fans out
// over and the min_success_ratio defaults from spec.md §4.6.
type Config struct {
	SearchProviders           []string
	FetchProvider             string
	ReasoningModel            string
	TaskModel                 string
	MinSuccessRatioFanOut     float64
	MinSuccessRatioSequential float64
	PhaseTimeout              time.Duration
	DOK                       dok.Config
}

func DefaultConfig() Config {
	return Config{
		MinSuccessRatioFanOut:     0.5,
		MinSuccessRatioSequential: 1.0,
		PhaseTimeout:              5 * time.Minute,
		DOK:                       dok.DefaultConfig(),
	}
}

// Orchestrator drives one task's pipeline across the core components.
type Orchestrator struct {
	cfg    Config
	store  store.Store
	ledger *ledger.Ledger
	coord  *coordinator.Coordinator
	gw     *gateway.Gateway
	bus    *eventbus.Bus
	log    *logging.Logger
}

func New(cfg Config, s store.Store, l *ledger.Ledger, c *coordinator.Coordinator, gw *gateway.Gateway, bus *eventbus.Bus, log *logging.Logger) *Orchestrator {
	if cfg.MinSuccessRatioFanOut <= 0 {
		cfg.MinSuccessRatioFanOut = DefaultConfig().MinSuccessRatioFanOut
	}
	if cfg.MinSuccessRatioSequential <= 0 {
		cfg.MinSuccessRatioSequential = DefaultConfig().MinSuccessRatioSequential
	}
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = DefaultConfig().PhaseTimeout
	}
	return &Orchestrator{cfg: cfg, store: s, ledger: l, coord: c, gw: gw, bus: bus, log: log}
}

// opWork is the domain logic one coordinator-submitted operation runs after
// its ledger row exists and before its terminal transition is written.
type opWork func(ctx context.Context) (map[string]interface{}, []store.Evidence, error)

// buildSpec appends the operation's queued ledger row and wraps work in a
// coordinator.Spec whose RunFunc drives MarkInFlight -> work -> Complete and
// whose OnRetry/OnFinalFailure/OnCancelled hooks write Retry/Fail/Cancel, so
// every dispatched op's terminal transition goes through internal/ledger
// rather than pkg/store directly.
func (o *Orchestrator) buildSpec(ctx context.Context, taskID string, opType store.OperationType, queue string, priority int, inputData map[string]interface{}, work opWork) (coordinator.Spec, error) {
	op, err := o.ledger.StartOperation(ctx, store.Operation{
		TaskID:        taskID,
		OperationType: opType,
		Status:        store.OpQueued,
		InputData:     inputData,
	})
	if err != nil {
		return coordinator.Spec{}, err
	}
	opID := op.ID
	return coordinator.Spec{
		ID:          opID,
		TaskID:      taskID,
		Queue:       queue,
		Priority:    priority,
		MaxAttempts: 3,
		Classify:    func(err error) bool { return gateway.ClassifyHTTPLike(err) == gateway.ClassTransient },
		Run: func(rctx context.Context) error {
			if err := o.ledger.MarkInFlight(rctx, opID); err != nil {
				return err
			}
			out, evidence, err := work(rctx)
			if err != nil {
				return err
			}
			if _, cerr := o.ledger.Complete(rctx, opID, out, evidence); cerr != nil {
				return cerr
			}
			return nil
		},
		// Only the coordinator knows whether a failed attempt will be retried,
		// so the terminal/non-terminal ledger write has to happen from these
		// hooks rather than inline in Run above — writing OpFailed on an
		// attempt the coordinator is about to retry would make the next
		// MarkInFlight reject with "operation already terminal".
		OnRetry: func(ctx context.Context, err error, attempt int) {
			if _, rerr := o.ledger.Retry(ctx, opID, err); rerr != nil && o.log != nil {
				o.log.WithError(rerr).Warn("orchestrator: failed to record operation retry")
			}
		},
		OnFinalFailure: func(ctx context.Context, err error) {
			if _, ferr := o.ledger.Fail(ctx, opID, err); ferr != nil && o.log != nil {
				o.log.WithError(ferr).Warn("orchestrator: failed to record operation failure")
			}
		},
		OnCancelled: func(ctx context.Context) {
			if _, cerr := o.ledger.Cancel(ctx, opID); cerr != nil && o.log != nil {
				o.log.WithError(cerr).Warn("orchestrator: failed to record operation cancellation")
			}
		},
	}, nil
}

// runOps submits every spec (callers pre-sort into the deterministic order
// spec.md §4.6 requires) and blocks until each reaches a terminal status.
func (o *Orchestrator) runOps(ctx context.Context, specs []coordinator.Spec) ([]coordinator.Handle, error) {
	handles := make([]coordinator.Handle, 0, len(specs))
	for _, spec := range specs {
		h, err := o.coord.Submit(spec)
		if err != nil {
			return handles, err
		}
		handles = append(handles, h)
	}
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return handles, ctx.Err()
		}
	}
	return handles, nil
}

func tally(handles []coordinator.Handle) (completed, total int, firstErr error) {
	total = len(handles)
	for _, h := range handles {
		if h.Status() == coordinator.StatusCompleted {
			completed++
			continue
		}
		if firstErr == nil {
			if err := h.Err(); err != nil {
				firstErr = err
			}
		}
	}
	return completed, total, firstErr
}

func ratioOK(completed, total int, minRatio float64) bool {
	if total == 0 || completed == 0 {
		return false
	}
	return float64(completed)/float64(total) >= minRatio
}

// runPhase submits specs, waits for every op's terminal state, emits
// phase_started/phase_completed, and applies the min_success_ratio
// partial-tolerance rule from spec.md §4.6. ok is false when the task should
// transition to failed.
func (o *Orchestrator) runPhase(ctx context.Context, task store.Task, phase string, minRatio float64, specs []coordinator.Spec, counts map[string]interface{}) (ok bool, failErr error) {
	o.emitPhase(ctx, eventbus.EventPhaseStarted, task, phase, map[string]interface{}{"count": len(specs)})

	phaseCtx, cancel := context.WithTimeout(ctx, o.cfg.PhaseTimeout)
	defer cancel()

	handles, err := o.runOps(phaseCtx, specs)
	if err != nil && len(handles) > 0 {
		o.coord.CancelTask(task.ID)
		for _, h := range handles {
			<-h.Done()
		}
	}

	completed, total, firstErr := tally(handles)
	if counts == nil {
		counts = map[string]interface{}{}
	}
	counts["completed"] = completed
	counts["total"] = total

	if !ratioOK(completed, total, minRatio) {
		if firstErr == nil {
			firstErr = fmt.Errorf("phase %s: below min_success_ratio (%d/%d completed)", phase, completed, total)
		}
		o.emitPhase(ctx, eventbus.EventPhaseCompleted, task, phase, counts)
		return false, firstErr
	}

	o.emitPhase(ctx, eventbus.EventPhaseCompleted, task, phase, counts)
	return true, nil
}

func (o *Orchestrator) emitPhase(ctx context.Context, typ eventbus.EventType, task store.Task, phase string, counts map[string]interface{}) {
	if o.bus == nil {
		return
	}
	payload := map[string]interface{}{"phase": phase}
	for k, v := range counts {
		payload[k] = v
	}
	_ = o.bus.Publish(ctx, typ, task.ProjectID, task.ID, payload)
}

// advance transitions task.status, surfacing an InvariantViolation if the
// edge is illegal per pkg/store's task state machine.
func (o *Orchestrator) advance(ctx context.Context, taskID string, to store.TaskStatus, errMsg string) error {
	if err := o.store.UpdateTaskStatus(ctx, taskID, to, errMsg); err != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, task store.Task, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := o.store.UpdateTaskStatus(ctx, task.ID, store.TaskFailed, msg); err != nil {
		return err
	}
	return cause
}
