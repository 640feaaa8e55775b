// Package eventbus provides the C2 Event Bus: a typed publish/subscribe layer
// carrying monitoring events (task/phase/worker/queue lifecycle), backed by
// PostgreSQL LISTEN/NOTIFY the way the teacher's pkg/pgnotify does, fanned out
// to bounded per-subscriber channels.
package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nexus-agents/orchestrator-core/pkg/logging"
	"github.com/nexus-agents/orchestrator-core/pkg/resilience"
)

// EventType enumerates every event kind in spec.md §4.2's table. Closed set:
// add a new kind here, never string-key one ad hoc.
type EventType string

const (
	EventTaskEnqueued    EventType = "task_enqueued"
	EventTaskStarted     EventType = "task_started"
	EventTaskCompleted   EventType = "task_completed"
	EventTaskFailed      EventType = "task_failed"
	EventTaskRetry       EventType = "task_retry"
	EventPhaseStarted    EventType = "phase_started"
	EventPhaseCompleted  EventType = "phase_completed"
	EventWorkerStarted   EventType = "worker_started"
	EventWorkerStopped   EventType = "worker_stopped"
	EventWorkerHeartbeat EventType = "worker_heartbeat"
	EventQueueDepth      EventType = "queue_depth_update"
	EventStatsSnapshot   EventType = "stats_snapshot"
)

// Envelope is the wire shape of every published event.
type Envelope struct {
	EventID   string                 `json:"event_id"`
	Ts        time.Time              `json:"ts"`
	Type      EventType              `json:"event_type,omitempty"`
	ProjectID *string                `json:"project_id,omitempty"`
	TaskID    string                 `json:"task_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Truncated bool                   `json:"truncated,omitempty"`
}

// isKeepalive reports whether e carries no event_type, per spec.md §4.2:
// "pings carry no event_type and are discarded by typed consumers."
func (e Envelope) isKeepalive() bool { return e.Type == "" }

// Filter scopes a subscription by project, task, and/or event type set.
type Filter struct {
	ProjectID  *string
	TaskID     string
	EventTypes map[EventType]bool
}

func (f Filter) matches(e Envelope) bool {
	if f.ProjectID != nil {
		if e.ProjectID == nil || *e.ProjectID != *f.ProjectID {
			return false
		}
	}
	if f.TaskID != "" && e.TaskID != f.TaskID {
		return false
	}
	if len(f.EventTypes) > 0 && !e.isKeepalive() && !f.EventTypes[e.Type] {
		return false
	}
	return true
}

// Config controls bus-wide limits, mirroring pkg/config.EventBusConfig.
type Config struct {
	MaxPayloadBytes   int
	ChannelPrefix     string
	SubscriberBuffer  int
	HeartbeatInterval time.Duration
	DedupRingSize     int
}

func DefaultConfig() Config {
	return Config{
		MaxPayloadBytes:   10 * 1024,
		ChannelPrefix:     "nexus_events",
		SubscriberBuffer:  256,
		HeartbeatInterval: 25 * time.Second,
		DedupRingSize:     512,
	}
}

// Subscription is a live, bounded subscriber channel.
type Subscription struct {
	ID     string
	C      <-chan Envelope
	bus    *Bus
	filter Filter

	mu       sync.Mutex
	ch       chan Envelope
	dropped  int64
	seen     []string
	seenSet  map[string]bool
	ringSize int
}

// Dropped returns the running count of envelopes dropped due to buffer
// overflow, surfaced in the next stats_snapshot payload per spec.md §5.
func (s *Subscription) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) deliver(e Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !e.isKeepalive() {
		if s.seenSet[e.EventID] {
			return
		}
		s.seenSet[e.EventID] = true
		s.seen = append(s.seen, e.EventID)
		if len(s.seen) > s.ringSize {
			oldest := s.seen[0]
			s.seen = s.seen[1:]
			delete(s.seenSet, oldest)
		}
	}

	select {
	case s.ch <- e:
	default:
		select {
		case <-s.ch:
			s.dropped++
		default:
		}
		select {
		case s.ch <- e:
		default:
			s.dropped++
		}
	}
}

// Close unregisters the subscription from its bus.
func (s *Subscription) Close() { s.bus.unsubscribe(s) }

// Bus is the C2 Event Bus: publishes via `SELECT pg_notify($1,$2)` on a
// dedicated channel and fans out received notifications to subscribers,
// adapting the teacher's pkg/pgnotify.Bus to the typed Envelope contract.
type Bus struct {
	db       *sql.DB
	listener *pq.Listener
	channel  string
	cfg      Config
	log      *logging.Logger

	mu   sync.RWMutex
	subs map[string]*Subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a bus bound to an existing *sql.DB and dsn (needed separately
// because pq.Listener manages its own connection pool).
func New(db *sql.DB, dsn string, cfg Config, log *logging.Logger) (*Bus, error) {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultConfig().SubscriberBuffer
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultConfig().MaxPayloadBytes
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.DedupRingSize <= 0 {
		cfg.DedupRingSize = DefaultConfig().DedupRingSize
	}
	channel := cfg.ChannelPrefix
	if channel == "" {
		channel = "nexus_events"
	}

	reportProblem := func(_ pq.ListenerEventType, err error) {
		if err != nil && log != nil {
			log.WithError(err).Warn("eventbus: listener connection problem")
		}
	}
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("eventbus: listen %s: %w", channel, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		db:       db,
		listener: listener,
		channel:  channel,
		cfg:      cfg,
		log:      log,
		subs:     make(map[string]*Subscription),
		ctx:      ctx,
		cancel:   cancel,
	}

	b.wg.Add(2)
	go b.listen()
	go b.heartbeat()
	return b, nil
}

// Publish wraps payload in an Envelope, truncating it if it exceeds
// MaxPayloadBytes, and retries the pg_notify exec up to 3 times with
// exponential backoff, treating every publish error as transient.
func (b *Bus) Publish(ctx context.Context, typ EventType, projectID *string, taskID string, payload map[string]interface{}) error {
	env := Envelope{
		EventID:   uuid.New().String(),
		Ts:        time.Now().UTC(),
		Type:      typ,
		ProjectID: projectID,
		TaskID:    taskID,
		Payload:   payload,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("eventbus: marshal envelope: %w", err)
	}
	if len(data) > b.cfg.MaxPayloadBytes {
		env.Truncated = true
		env.Payload = map[string]interface{}{"summary": fmt.Sprintf("payload omitted: %d bytes exceeds %d byte cap", len(data), b.cfg.MaxPayloadBytes)}
		data, err = json.Marshal(env)
		if err != nil {
			return fmt.Errorf("eventbus: marshal truncated envelope: %w", err)
		}
	}

	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.MaxAttempts = 3
	return resilience.Retry(ctx, retryCfg, func(error) bool { return true }, func() error {
		_, err := b.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", b.channel, string(data))
		if err != nil {
			return fmt.Errorf("eventbus: pg_notify: %w", err)
		}
		return nil
	})
}

// Subscribe registers a new bounded subscriber channel matching filter.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	sub := &Subscription{
		ID:      uuid.New().String(),
		bus:     b,
		filter:  filter,
		ch:       make(chan Envelope, b.cfg.SubscriberBuffer),
		seen:     make([]string, 0, b.cfg.DedupRingSize),
		seenSet:  make(map[string]bool, b.cfg.DedupRingSize),
		ringSize: b.cfg.DedupRingSize,
	}
	sub.C = sub.ch

	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub.ID)
}

// Close stops the listener goroutines and closes the Postgres listener.
func (b *Bus) Close() error {
	b.cancel()
	b.wg.Wait()
	return b.listener.Close()
}

func (b *Bus) listen() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case notification := <-b.listener.Notify:
			if notification == nil {
				continue
			}
			var env Envelope
			if err := json.Unmarshal([]byte(notification.Extra), &env); err != nil {
				if b.log != nil {
					b.log.WithError(err).Warn("eventbus: failed to parse notification")
				}
				continue
			}
			b.fanOut(env)
		case <-time.After(90 * time.Second):
			_ = b.listener.Ping()
		}
	}
}

func (b *Bus) heartbeat() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.fanOut(Envelope{EventID: uuid.New().String(), Ts: time.Now().UTC()})
		}
	}
}

func (b *Bus) fanOut(env Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if env.isKeepalive() || sub.filter.matches(env) {
			sub.deliver(env)
		}
	}
}

// TotalDropped sums the dropped-envelope count across all live subscribers,
// for stats_snapshot's dropped_count field (spec.md §5).
func (b *Bus) TotalDropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var total int64
	for _, sub := range b.subs {
		total += sub.Dropped()
	}
	return total
}
