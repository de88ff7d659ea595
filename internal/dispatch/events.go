package dispatch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// EventType names a lifecycle or outcome notification.
type EventType string

const (
	EventJobStarted      EventType = "job.started"
	EventJobPaused       EventType = "job.paused"
	EventJobResumed      EventType = "job.resumed"
	EventJobCancelled    EventType = "job.cancelled"
	EventJobCompleted    EventType = "job.completed"
	EventJobFailed       EventType = "job.failed"
	EventRecipient       EventType = "recipient.outcome"
	EventChannelCooldown EventType = "channel.cooldown"
)

// Event is one notification emitted by the engine. RecipientID and Outcome
// are set for EventRecipient only.
type Event struct {
	Type        EventType      `json:"type"`
	JobID       uuid.UUID      `json:"job_id"`
	JobStatus   db.JobStatus   `json:"job_status,omitempty"`
	ChannelID   string         `json:"channel_id,omitempty"`
	RecipientID *uuid.UUID     `json:"recipient_id,omitempty"`
	Outcome     db.AuditStatus `json:"outcome,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Counters    db.Counters    `json:"counters"`
	At          time.Time      `json:"at"`
}

// Sink observes engine events. HandleEvent must not block for long; the bus
// gives every sink its own queue.
type Sink interface {
	HandleEvent(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event)

func (f SinkFunc) HandleEvent(ev Event) { f(ev) }

const defaultSinkBuffer = 256

// EventBus fans events out to sinks without ever blocking a worker. A sink
// that falls behind loses events.
type EventBus struct {
	mu      sync.RWMutex
	subs    []chan Event
	wg      sync.WaitGroup
	closed  bool
	logger  *zap.Logger
	dropped atomic.Int64
}

// NewEventBus creates a bus with the given sinks attached.
func NewEventBus(logger *zap.Logger, sinks ...Sink) *EventBus {
	b := &EventBus{logger: logger}
	for _, s := range sinks {
		b.Attach(s)
	}
	return b
}

// Attach starts delivering events to s.
func (b *EventBus) Attach(s Sink) {
	ch := make(chan Event, defaultSinkBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.subs = append(b.subs, ch)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for ev := range ch {
			b.deliver(s, ev)
		}
	}()
}

func (b *EventBus) deliver(s Sink, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event sink panicked",
				zap.Any("panic", r),
				zap.String("event", string(ev.Type)),
			)
		}
	}()
	s.HandleEvent(ev)
}

// Publish queues ev for every sink.
func (b *EventBus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event sink queue full, dropping event",
				zap.String("event", string(ev.Type)),
				zap.String("job_id", ev.JobID.String()),
			)
		}
	}
}

// Dropped is the number of events lost to full sink queues.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops delivery after draining queued events.
func (b *EventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
