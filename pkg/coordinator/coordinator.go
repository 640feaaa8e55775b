// Package coordinator provides the C4 Task Coordinator: a fixed-size worker
// pool draining named priority queues, with dependency waiting, classified
// retry, cooperative cancellation, and heartbeat-based stale-worker reaping.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nexus-agents/orchestrator-core/pkg/eventbus"
	"github.com/nexus-agents/orchestrator-core/pkg/logging"
	"github.com/nexus-agents/orchestrator-core/pkg/metrics"
	"github.com/nexus-agents/orchestrator-core/pkg/resilience"
)

// Status is the coordinator's own operation lifecycle, independent of
// pkg/store's OperationStatus — internal/ledger is the bridge between them.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusWaitingDeps Status = "waiting_deps"
	StatusDispatched  Status = "dispatched"
	StatusInFlight    Status = "in_flight"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	StatusRetrying    Status = "retrying"
)

func isTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// DependencyPolicy controls how a dependent op behaves when a dependency
// fails, per spec.md §4.4.
type DependencyPolicy string

const (
	PolicyPropagate  DependencyPolicy = "propagate"
	PolicyBestEffort DependencyPolicy = "best_effort"
)

var (
	ErrQueueFull       = errors.New("coordinator: queue full")
	ErrUnknownQueue    = errors.New("coordinator: unknown queue")
	ErrDependencyFailed = errors.New("coordinator: dependency failed")
)

// RunFunc is the unit of work a submitted op executes. It must poll ctx
// (cancelled on task cancellation) at least once between external calls, per
// spec.md §5.
type RunFunc func(ctx context.Context) error

// Spec describes one unit of work to submit.
type Spec struct {
	ID          string
	TaskID      string
	Queue       string
	Priority    int
	DependsOn   []string
	DepPolicy   DependencyPolicy
	MaxAttempts int
	NonBlocking bool
	Classify    resilience.ShouldRetry
	Run         RunFunc

	// OnRetry, when set, runs after a failed attempt is classified retryable
	// and before the backoff sleep — the correct point for a caller to record
	// a non-terminal retry transition (internal/ledger.Retry), since the op
	// itself is not done yet.
	OnRetry func(ctx context.Context, err error, attempt int)
	// OnFinalFailure, when set, runs once the coordinator gives up on the op
	// (classified permanent, or attempts exhausted) — the one point at which
	// writing a terminal failure transition (internal/ledger.Fail) is safe.
	OnFinalFailure func(ctx context.Context, err error)
	// OnCancelled, when set, runs when the coordinator marks the op
	// cancelled, whether it was still queued/waiting_deps or in flight —
	// the correct point for a caller to record a terminal cancellation
	// transition (internal/ledger.Cancel).
	OnCancelled func(ctx context.Context)
}

// Op is one submitted unit of work tracked by the coordinator.
type Op struct {
	Spec Spec

	mu         sync.Mutex
	status     Status
	attempts   int
	err        error
	done       chan struct{}
	doneClosed bool
}

// Handle is the caller-visible reference to a submitted op.
type Handle struct{ op *Op }

func (h Handle) ID() string { return h.op.Spec.ID }

// Done closes when the op reaches a terminal status.
func (h Handle) Done() <-chan struct{} { return h.op.done }

func (h Handle) Status() Status {
	h.op.mu.Lock()
	defer h.op.mu.Unlock()
	return h.op.status
}

func (h Handle) Err() error {
	h.op.mu.Lock()
	defer h.op.mu.Unlock()
	return h.op.err
}

func (o *Op) setStatus(s Status, err error) {
	o.mu.Lock()
	o.status = s
	if err != nil {
		o.err = err
	}
	terminal := isTerminal(s)
	closed := o.doneClosed
	if terminal && !closed {
		o.doneClosed = true
	}
	o.mu.Unlock()
	if terminal && !closed {
		close(o.done)
	}
}

func (o *Op) getStatus() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Config controls coordinator-wide behavior, mirroring pkg/config.CoordinatorConfig.
type Config struct {
	WorkerCount             int
	MaxRetries              int
	RetryBaseMs             int
	HeartbeatInterval       time.Duration
	HeartbeatTTL            time.Duration
	StatsSnapshotInterval   time.Duration
	QueueCapacities         map[string]int
}

func DefaultConfig() Config {
	return Config{
		WorkerCount:           8,
		MaxRetries:            3,
		RetryBaseMs:           200,
		HeartbeatInterval:     10 * time.Second,
		HeartbeatTTL:          30 * time.Second,
		StatsSnapshotInterval: 5 * time.Second,
		QueueCapacities: map[string]int{
			"search":     256,
			"fetch":      256,
			"llm":        128,
			"synthesis":  64,
		},
	}
}

// Coordinator drains named priority queues through a bounded worker pool.
type Coordinator struct {
	cfg   Config
	bus   *eventbus.Bus
	log   *logging.Logger
	met   *metrics.Metrics
	mirror *RedisMirror

	mu     sync.RWMutex
	queues map[string]*Queue
	ops    map[string]*Op

	sem *semaphore.Weighted

	workersMu sync.Mutex
	heartbeat map[int]time.Time
	nextWID   int32

	cancelledTasks sync.Map // taskID -> struct{}
	taskCancel     sync.Map // taskID -> context.CancelFunc, lazily populated by taskContext

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	queueMu sync.Mutex
}

// taskContext returns a context derived from the coordinator's own shutdown
// context that CancelTask can cancel independently per task, so an op whose
// Run is already blocked in a gateway call observes cancellation instead of
// running to completion — per spec.md §4.4/§5's cooperative cancellation
// requirement. Safe for concurrent callers racing to create the same task's
// context: only the first cancel func registered is kept.
func (c *Coordinator) taskContext(taskID string) context.Context {
	if v, ok := c.taskCancel.Load(taskID); ok {
		return v.(taskCtxEntry).ctx
	}
	ctx, cancel := context.WithCancel(c.ctx)
	entry := taskCtxEntry{ctx: ctx, cancel: cancel}
	actual, loaded := c.taskCancel.LoadOrStore(taskID, entry)
	if loaded {
		cancel()
		return actual.(taskCtxEntry).ctx
	}
	return ctx
}

func (c *Coordinator) cancelTaskContext(taskID string) {
	if v, ok := c.taskCancel.Load(taskID); ok {
		v.(taskCtxEntry).cancel()
	}
}

type taskCtxEntry struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Coordinator. Queues named in cfg.QueueCapacities are
// pre-created; Submit to an unlisted queue name also auto-creates it
// uncapped, matching the teacher's "queues are named, not pre-registered"
// flexibility while still honoring configured caps where given.
func New(cfg Config, bus *eventbus.Bus, log *logging.Logger, met *metrics.Metrics) *Coordinator {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultConfig().WorkerCount
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = DefaultConfig().HeartbeatTTL
	}
	if cfg.StatsSnapshotInterval <= 0 {
		cfg.StatsSnapshotInterval = DefaultConfig().StatsSnapshotInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:       cfg,
		bus:       bus,
		log:       log,
		met:       met,
		queues:    make(map[string]*Queue),
		ops:       make(map[string]*Op),
		sem:       semaphore.NewWeighted(int64(cfg.WorkerCount)),
		heartbeat: make(map[int]time.Time),
		ctx:       ctx,
		cancel:    cancel,
	}
	for name, capacity := range cfg.QueueCapacities {
		c.queues[name] = newQueue(name, capacity, c.onQueueDepthChange)
	}
	if met != nil {
		met.WorkersTotal.Set(float64(cfg.WorkerCount))
	}
	return c
}

// WithRedisMirror attaches a queue-state mirror; pass nil to disable (the
// default). Returns c for chaining at wiring time.
func (c *Coordinator) WithRedisMirror(m *RedisMirror) *Coordinator {
	c.mirror = m
	return c
}

func (c *Coordinator) onQueueDepthChange(name string, depth int) {
	if c.met != nil {
		c.met.SetQueueDepth(name, depth)
	}
	if c.bus != nil {
		_ = c.bus.Publish(context.Background(), eventbus.EventQueueDepth, nil, "", map[string]interface{}{
			"queue": map[string]interface{}{name: depth},
		})
	}
}

func (c *Coordinator) queueFor(name string) *Queue {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	q, ok := c.queues[name]
	if !ok {
		q = newQueue(name, 0, c.onQueueDepthChange)
		c.queues[name] = q
	}
	return q
}

// Start launches the worker pool: one dispatcher goroutine per queue (each
// blocking-popping its own priority heap) plus a heartbeat reaper and a
// periodic stats_snapshot emitter.
func (c *Coordinator) Start() {
	c.mu.RLock()
	queues := make([]*Queue, 0, len(c.queues))
	for _, q := range c.queues {
		queues = append(queues, q)
	}
	c.mu.RUnlock()

	for _, q := range queues {
		c.wg.Add(1)
		go c.dispatchLoop(q)
	}
	c.wg.Add(2)
	go c.reapLoop()
	go c.statsLoop()
}

// Stop closes every queue (waking blocked dispatchers) and waits for
// in-flight ops to finish.
func (c *Coordinator) Stop() {
	c.cancel()
	c.mu.RLock()
	for _, q := range c.queues {
		q.Close()
	}
	c.mu.RUnlock()
	c.wg.Wait()
}

// CancelTask marks a task's pending ops cancelled and cancels that task's
// context, which every in-flight op's Run was handed as its parent ctx —
// a gateway call blocked in a rate-limiter wait, semaphore acquire, or HTTP
// round trip observes this at its next ctx check and unwinds, per spec.md
// §4.4/§5's cooperative cancellation requirement.
func (c *Coordinator) CancelTask(taskID string) {
	c.cancelledTasks.Store(taskID, struct{}{})
	c.cancelTaskContext(taskID)

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, op := range c.ops {
		if op.Spec.TaskID != taskID {
			continue
		}
		if op.getStatus() == StatusQueued || op.getStatus() == StatusWaitingDeps {
			c.cancelOp(op, context.Canceled)
		}
	}
}

func (c *Coordinator) taskCancelled(taskID string) bool {
	_, ok := c.cancelledTasks.Load(taskID)
	return ok
}

// Submit registers spec and returns its Handle at once; a background
// goroutine waits for DependsOn to reach a terminal state and then pushes the
// op onto its queue.
func (c *Coordinator) Submit(spec Spec) (Handle, error) {
	if spec.ID == "" {
		return Handle{}, fmt.Errorf("coordinator: spec.ID required")
	}
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = c.cfg.MaxRetries
	}
	if spec.DepPolicy == "" {
		spec.DepPolicy = PolicyPropagate
	}

	op := &Op{Spec: spec, status: StatusQueued, done: make(chan struct{})}
	if len(spec.DependsOn) > 0 {
		op.status = StatusWaitingDeps
	}

	c.mu.Lock()
	c.ops[spec.ID] = op
	c.mu.Unlock()

	go c.awaitDependenciesThenQueue(op)

	return Handle{op: op}, nil
}

func (c *Coordinator) awaitDependenciesThenQueue(op *Op) {
	for _, depID := range op.Spec.DependsOn {
		c.mu.RLock()
		dep, ok := c.ops[depID]
		c.mu.RUnlock()
		if !ok {
			continue
		}
		select {
		case <-dep.done:
		case <-c.ctx.Done():
			c.cancelOp(op, c.ctx.Err())
			return
		}
		if dep.getStatus() != StatusCompleted && op.Spec.DepPolicy == PolicyPropagate {
			op.setStatus(StatusFailed, ErrDependencyFailed)
			return
		}
	}

	if c.taskCancelled(op.Spec.TaskID) {
		c.cancelOp(op, context.Canceled)
		return
	}

	op.setStatus(StatusQueued, nil)
	q := c.queueFor(op.Spec.Queue)

	if op.Spec.NonBlocking {
		if !q.TryPush(op, op.Spec.Priority) {
			op.setStatus(StatusFailed, ErrQueueFull)
			return
		}
		c.mirrorPush(op, q.Name())
		return
	}
	for !q.TryPush(op, op.Spec.Priority) {
		select {
		case <-c.ctx.Done():
			c.cancelOp(op, c.ctx.Err())
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
	c.mirrorPush(op, q.Name())
}

// cancelOp marks op cancelled and runs its OnCancelled hook, if set, with a
// background context so a ledger write can still land even though ctx (the
// reason for the cancellation) is itself done.
func (c *Coordinator) cancelOp(op *Op, cause error) {
	op.setStatus(StatusCancelled, cause)
	if op.Spec.OnCancelled != nil {
		op.Spec.OnCancelled(context.Background())
	}
}

func (c *Coordinator) mirrorPush(op *Op, queue string) {
	if c.mirror == nil {
		return
	}
	if err := c.mirror.onPush(c.ctx, queue, op.Spec.ID, op.Spec.Priority); err != nil && c.log != nil {
		c.log.WithError(err).Warn("coordinator: redis mirror push failed")
	}
}

func (c *Coordinator) mirrorPop(op *Op, queue string) {
	if c.mirror == nil {
		return
	}
	if err := c.mirror.onPop(context.Background(), queue, op.Spec.ID); err != nil && c.log != nil {
		c.log.WithError(err).Warn("coordinator: redis mirror pop failed")
	}
}

func (c *Coordinator) dispatchLoop(q *Queue) {
	defer c.wg.Done()
	for {
		op, ok := q.Pop()
		if !ok {
			return
		}
		c.mirrorPop(op, q.Name())
		if op.getStatus() == StatusCancelled {
			continue
		}
		if err := c.sem.Acquire(c.ctx, 1); err != nil {
			c.cancelOp(op, err)
			continue
		}
		c.wg.Add(1)
		go c.execute(op)
	}
}

func (c *Coordinator) execute(op *Op) {
	defer c.wg.Done()
	defer c.sem.Release(1)

	wid := int(atomic.AddInt32(&c.nextWID, 1))
	c.beat(wid)
	c.emitTask(eventbus.EventWorkerStarted, op, nil)
	if c.met != nil {
		c.met.WorkersActive.Inc()
	}
	defer func() {
		c.forgetWorker(wid)
		if c.met != nil {
			c.met.WorkersActive.Dec()
		}
	}()

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.beat(wid)
			}
		}
	}()
	defer close(stop)

	op.setStatus(StatusDispatched, nil)
	c.emitTask(eventbus.EventTaskStarted, op, nil)

	taskCtx := context.WithValue(c.taskContext(op.Spec.TaskID), taskIDKey{}, op.Spec.TaskID)
	startedAt := time.Now()

	for {
		if c.taskCancelled(op.Spec.TaskID) {
			c.cancelOp(op, context.Canceled)
			c.emitTask(eventbus.EventTaskFailed, op, context.Canceled)
			return
		}

		op.mu.Lock()
		op.attempts++
		attempt := op.attempts
		op.mu.Unlock()
		op.setStatus(StatusInFlight, nil)

		runErr := op.Spec.Run(taskCtx)
		if runErr == nil {
			op.setStatus(StatusCompleted, nil)
			if c.met != nil {
				c.met.RecordOperation(op.Spec.Queue, "completed", time.Since(startedAt))
			}
			c.emitTask(eventbus.EventTaskCompleted, op, nil)
			return
		}

		if c.taskCancelled(op.Spec.TaskID) || errors.Is(runErr, context.Canceled) {
			c.cancelOp(op, runErr)
			if c.met != nil {
				c.met.RecordOperation(op.Spec.Queue, "cancelled", time.Since(startedAt))
			}
			c.emitTask(eventbus.EventTaskFailed, op, runErr)
			return
		}

		shouldRetry := op.Spec.Classify
		retryable := shouldRetry == nil || shouldRetry(runErr)
		if !retryable || attempt >= op.Spec.MaxAttempts {
			op.setStatus(StatusFailed, runErr)
			if op.Spec.OnFinalFailure != nil {
				op.Spec.OnFinalFailure(context.Background(), runErr)
			}
			if c.met != nil {
				c.met.RecordOperation(op.Spec.Queue, "failed", time.Since(startedAt))
			}
			c.emitTask(eventbus.EventTaskFailed, op, runErr)
			return
		}

		op.setStatus(StatusRetrying, runErr)
		if op.Spec.OnRetry != nil {
			op.Spec.OnRetry(context.Background(), runErr, attempt)
		}
		c.emitTask(eventbus.EventTaskRetry, op, runErr)
		backoffDur := time.Duration(c.cfg.RetryBaseMs) * time.Millisecond * time.Duration(1<<uint(attempt-1))
		select {
		case <-time.After(backoffDur):
		case <-c.ctx.Done():
			c.cancelOp(op, c.ctx.Err())
			return
		}
	}
}

type taskIDKey struct{}

func (c *Coordinator) emitTask(typ eventbus.EventType, op *Op, err error) {
	if c.bus == nil {
		return
	}
	payload := map[string]interface{}{
		"task_id":   op.Spec.TaskID,
		"op_id":     op.Spec.ID,
		"task_type": op.Spec.Queue,
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	_ = c.bus.Publish(context.Background(), typ, nil, op.Spec.TaskID, payload)
}

func (c *Coordinator) beat(wid int) {
	c.workersMu.Lock()
	c.heartbeat[wid] = time.Now()
	c.workersMu.Unlock()
}

func (c *Coordinator) forgetWorker(wid int) {
	c.workersMu.Lock()
	delete(c.heartbeat, wid)
	c.workersMu.Unlock()
}

func (c *Coordinator) reapLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			c.workersMu.Lock()
			for wid, last := range c.heartbeat {
				if now.Sub(last) > c.cfg.HeartbeatTTL {
					delete(c.heartbeat, wid)
					if c.bus != nil {
						_ = c.bus.Publish(c.ctx, eventbus.EventWorkerStopped, nil, "", map[string]interface{}{
							"worker_id": wid, "status": "stale",
						})
					}
				}
			}
			c.workersMu.Unlock()
		}
	}
}

func (c *Coordinator) statsLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.StatsSnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.emitStats()
		}
	}
}

func (c *Coordinator) emitStats() {
	if c.bus == nil {
		return
	}
	counts := make(map[string]int)
	c.mu.RLock()
	for _, op := range c.ops {
		counts[string(op.getStatus())]++
	}
	c.mu.RUnlock()

	queueDepths := make(map[string]interface{})
	c.mu.RLock()
	for name, q := range c.queues {
		queueDepths[name] = q.Depth()
	}
	c.mu.RUnlock()

	payload := map[string]interface{}{
		"queue":        queueDepths,
		"counts":       counts,
		"dropped_count": c.bus.TotalDropped(),
	}
	_ = c.bus.Publish(context.Background(), eventbus.EventStatsSnapshot, nil, "", payload)
}
