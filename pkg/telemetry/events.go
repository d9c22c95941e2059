package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/decisio/decisio/pkg/kernel"
	"github.com/decisio/decisio/pkg/ledger"
)

// Envelope wraps a kernel event with a delivery identity.
type Envelope struct {
	// ID is the unique identifier for this delivery.
	ID string `json:"id"`

	// Event is the kernel event being delivered.
	Event kernel.Event `json:"event"`
}

// EventSubscriber is a function that handles delivered events.
type EventSubscriber func(env Envelope)

// EventFilter determines if an event should be delivered to a subscriber.
type EventFilter func(event kernel.Event) bool

// Bus is the kernel event publisher. It fans events out asynchronously to
// subscribers and drives the metrics bridge. Events are advisory: when the
// buffer is full new events are dropped, never blocking the kernel; the
// ledger remains the authoritative record.
type Bus struct {
	config      EventsConfig
	logger      zerolog.Logger
	metrics     *Metrics
	buffer      chan Envelope
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
	done        chan struct{}

	// started tracks in-flight run and stage start times so terminal events
	// can be observed with durations. Keyed by run ID and run ID + stage.
	started sync.Map
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewBus creates the event bus. Metrics may be nil when disabled.
func NewBus(cfg EventsConfig, logger zerolog.Logger, metrics *Metrics) *Bus {
	b := &Bus{
		config:  cfg,
		logger:  ComponentLogger(logger, "events"),
		metrics: metrics,
		done:    make(chan struct{}),
	}
	if !cfg.Enabled {
		return b
	}

	b.buffer = make(chan Envelope, cfg.BufferSize)
	b.wg.Add(1)
	go b.deliverLoop()
	return b
}

// Publish implements kernel.EventPublisher.
func (b *Bus) Publish(_ context.Context, event kernel.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.observe(event)

	if !b.config.Enabled {
		return nil
	}

	env := Envelope{ID: uuid.New().String(), Event: event}
	select {
	case b.buffer <- env:
		return nil
	case <-b.done:
		return fmt.Errorf("event bus stopped")
	default:
		b.logger.Warn().Str("type", event.Type).Str("run_id", event.RunID).
			Msg("event buffer full, event dropped")
		return fmt.Errorf("event buffer full, event dropped")
	}
}

// Subscribe adds a subscriber, optionally filtered. Subscribers run on the
// delivery goroutine and must not block.
func (b *Bus) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

func (b *Bus) deliverLoop() {
	defer b.wg.Done()
	for {
		select {
		case env := <-b.buffer:
			b.deliver(env)
		case <-b.done:
			// Drain what is already buffered before exiting.
			for {
				select {
				case env := <-b.buffer:
					b.deliver(env)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(env Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, entry := range b.subscribers {
		if entry.filter != nil && !entry.filter(env.Event) {
			continue
		}
		entry.subscriber(env)
	}
}

// commitActions maps lifecycle events to the ledger action committed just
// before the event was published. Every entry here rides on a durable commit.
var commitActions = map[string]ledger.ActionType{
	kernel.EventTypeRunAdmitted:    ledger.ActionRunCreated,
	kernel.EventTypeStageStarted:   ledger.ActionStageStarted,
	kernel.EventTypeStageCompleted: ledger.ActionStageCompleted,
	kernel.EventTypeStageFailed:    ledger.ActionStageFailed,
	kernel.EventTypeRunCompleted:   ledger.ActionRunCompleted,
	kernel.EventTypeRunFailed:      ledger.ActionRunFailed,
	kernel.EventTypeRunCancelled:   ledger.ActionRunCancelled,
}

// observe feeds the metrics bridge. Durations come from pairing start events
// with their terminal counterparts.
func (b *Bus) observe(event kernel.Event) {
	if b.metrics == nil {
		return
	}

	if action, ok := commitActions[event.Type]; ok {
		b.metrics.RecordLedgerCommit(string(action))
	}

	switch event.Type {
	case kernel.EventTypeRunAdmitted:
		b.metrics.RecordRunAdmitted(event.TenantID)
		b.started.Store(event.RunID, event.Timestamp)

	case kernel.EventTypeRunCompleted, kernel.EventTypeRunFailed, kernel.EventTypeRunCancelled:
		status := event.Type[len("run."):]
		b.metrics.RecordRunFinished(status, b.sinceStart(event.RunID, event.Timestamp))

	case kernel.EventTypeStageStarted:
		b.started.Store(event.RunID+"/"+string(event.Stage), event.Timestamp)

	case kernel.EventTypeStageCompleted:
		b.metrics.RecordStageExecution(string(event.Stage), "ok",
			b.sinceStart(event.RunID+"/"+string(event.Stage), event.Timestamp))

	case kernel.EventTypeStageFailed:
		b.metrics.RecordStageExecution(string(event.Stage), "error",
			b.sinceStart(event.RunID+"/"+string(event.Stage), event.Timestamp))

	case kernel.EventTypeStageRetried:
		b.metrics.RecordStageRetry(string(event.Stage))

	case kernel.EventTypeLedgerCommitFailed:
		b.metrics.RecordLedgerCommitFailure()

	case kernel.EventTypeLedgerStalled:
		b.metrics.RecordLedgerStall()
	}
}

// sinceStart returns the elapsed time since the tracked start for key, and
// clears the tracking entry.
func (b *Bus) sinceStart(key string, now time.Time) time.Duration {
	v, ok := b.started.LoadAndDelete(key)
	if !ok {
		return 0
	}
	start, ok := v.(time.Time)
	if !ok || now.Before(start) {
		return 0
	}
	return now.Sub(start)
}

// Shutdown stops delivery, draining already-buffered events.
func (b *Bus) Shutdown(ctx context.Context) error {
	close(b.done)
	if !b.config.Enabled {
		return nil
	}

	finished := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus shutdown timeout")
	}
}

// FilterByLevel only delivers events of the given level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{"info": 0, "warning": 1, "error": 2}
	threshold := levels[minLevel]
	return func(event kernel.Event) bool {
		return levels[event.Level] >= threshold
	}
}

// FilterByType only delivers events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event kernel.Event) bool {
		return set[event.Type]
	}
}

// FilterByTenant only delivers events for the given tenant.
func FilterByTenant(tenantID string) EventFilter {
	return func(event kernel.Event) bool {
		return event.TenantID == tenantID
	}
}
