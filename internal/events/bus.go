package events

import (
	"sync"
	"time"

	"github.com/quickwind/workflow/internal/logger"
)

// Event is one in-process notification mirroring an audit append or task
// transition. The bus is best-effort fan-out for observers like the user
// task notifier; the durable record is the audit log, not this.
type Event struct {
	Type       string
	TenantID   string
	InstanceID string
	TaskID     string
	Payload    map[string]any
	Timestamp  time.Time
}

// Event types published by the engine.
const (
	EventUserTaskCreated     = "user_task_created"
	EventUserTaskCompleted   = "user_task_completed"
	EventServiceTaskStarted  = "service_task_started"
	EventServiceTaskFinished = "service_task_finished"
	EventInstanceStarted     = "instance_started"
	EventInstanceFinished    = "instance_finished"
)

const subscriberBuffer = 64

// Bus is a non-blocking publish/subscribe fan-out. A slow subscriber drops
// events rather than stalling the engine.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: map[int]chan Event{}}
}

// Subscribe registers a listener. The returned cancel func detaches it and
// closes its channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			logger.Logger.Warn().
				Str("event_type", event.Type).
				Str("instance_id", event.InstanceID).
				Msg("Dropping event for slow subscriber")
		}
	}
}

// Close detaches all subscribers. Publish becomes a no-op afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
