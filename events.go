package loom

import (
	"log/slog"
	"sync"
)

// EventType tags the variants carried on the Bus.
type EventType string

const (
	EventExecutionCreated   EventType = "execution.created"
	EventExecutionUpdated   EventType = "execution.updated"
	EventExecutionCompleted EventType = "execution.completed"
	EventExecutionFailed    EventType = "execution.failed"
	EventExecutionSuspended EventType = "execution.suspended"
	EventSubStepStarted     EventType = "substep.started"
	EventSubStepCompleted   EventType = "substep.completed"
	EventSubStepFailed      EventType = "substep.failed"
	EventHeartbeat          EventType = "heartbeat"
	EventToolProgress       EventType = "tool.progress"
	EventToolCompleted      EventType = "tool.completed"
)

// Counters is the per-execution task progress snapshot attached to
// execution.updated events.
type Counters struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Waiting   int `json:"waiting"`
}

// Event is the envelope published on the Bus. Type, ExecutionID and
// Timestamp are always set; the rest are variant-specific. The struct
// serialises directly as an SSE data frame.
type Event struct {
	Type        EventType `json:"type"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Timestamp   int64     `json:"timestamp"` // unix milliseconds

	Status     string    `json:"status,omitempty"`
	Error      string    `json:"error,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	SubStepID  string    `json:"sub_step_id,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Result     string    `json:"result,omitempty"`
	Message    string    `json:"message,omitempty"`
	Counters   *Counters `json:"counters,omitempty"`
}

// defaultEventBuffer is the per-subscriber queue depth when Subscribe is
// called with buf <= 0.
const defaultEventBuffer = 64

type subscriber struct {
	executionID string // empty matches every execution
	ch          chan Event
}

// Bus is the process-wide pub/sub for execution lifecycle events. Fan-out is
// best-effort: each subscriber gets its own buffered queue, and a full queue
// drops the event for that subscriber only, so a slow consumer never blocks
// the emitter or its siblings.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBusLogger sets the logger used to report dropped events.
func WithBusLogger(l *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

// NewBus creates an empty Bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{subs: make(map[int]*subscriber)}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = nopLogger
	}
	return b
}

// Subscribe registers a listener. An empty executionID receives events for
// every execution; otherwise only events whose ExecutionID matches are
// delivered. buf <= 0 selects the default queue depth. The returned cancel
// func unsubscribes and closes the channel; it is safe to call more than
// once.
func (b *Bus) Subscribe(executionID string, buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = defaultEventBuffer
	}
	sub := &subscriber{executionID: executionID, ch: make(chan Event, buf)}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish fans ev out to every matching subscriber. The send is non-blocking:
// subscribers whose queue is full miss this event and a warning is logged.
// A zero Timestamp is stamped with the current time.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = NowUnixMilli()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.executionID != "" && sub.executionID != ev.ExecutionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("event dropped: subscriber queue full",
				"type", ev.Type, "execution_id", ev.ExecutionID)
		}
	}
}

// Subscribers reports the number of registered listeners.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
