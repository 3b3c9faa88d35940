package orchestrator

import (
	"sync"
	"time"

	"github.com/ChuLiYu/docflow/pkg/types"
)

// EventType names a session event
type EventType string

const (
	EventProgressUpdated       EventType = "progress_updated"
	EventJobCompleted          EventType = "job_completed"
	EventResourceWarning       EventType = "resource_warning"
	EventRetryAttempted        EventType = "retry_attempted"
	EventIntakePaused          EventType = "intake_paused"
	EventIntakeResumed         EventType = "intake_resumed"
	EventWorkersResized        EventType = "workers_resized"
	EventMilestone             EventType = "milestone_reached"
	EventDegradation           EventType = "performance_degradation"
	EventCancellationConfirmed EventType = "cancellation_confirmed"
	EventBatchCompleted        EventType = "batch_completed"
)

// Event is one observable session occurrence. Only the fields relevant to
// Type are set.
type Event struct {
	Type    EventType `json:"type"`
	BatchID string    `json:"batch_id"`
	Time    time.Time `json:"time"`

	Progress   *types.BatchProgress `json:"progress,omitempty"` // ProgressUpdated, Milestone
	Result     *types.JobResult     `json:"result,omitempty"`   // JobCompleted
	Retry      *types.RetryAttempt  `json:"retry,omitempty"`    // RetryAttempted
	Summary    *types.Summary       `json:"summary,omitempty"`  // BatchCompleted
	Message    string               `json:"message,omitempty"`
	Workers    int                  `json:"workers,omitempty"`   // WorkersResized
	Milestone  int                  `json:"milestone,omitempty"` // percent
	StateSaved bool                 `json:"state_saved,omitempty"`
	StatePath  string               `json:"state_path,omitempty"`
}

// eventBus decouples emitters from the consumer. Emit never blocks: events
// queue in memory and one goroutine forwards them in order. Consecutive
// ProgressUpdated events collapse into the latest one. After close the
// forwarder waits at most grace for a reader before dropping what is left,
// so a session whose events are never read does not leak the goroutine.
type eventBus struct {
	out     chan Event
	wake    chan struct{}
	abandon chan struct{}
	grace   time.Duration
	mu      sync.Mutex
	queue   []Event
	closed  bool
}

// eventDrainGrace bounds delivery of queued events once the session ended
const eventDrainGrace = 30 * time.Second

func newEventBus(buffer int) *eventBus {
	b := &eventBus{
		out:     make(chan Event, buffer),
		wake:    make(chan struct{}, 1),
		abandon: make(chan struct{}),
		grace:   eventDrainGrace,
	}
	go b.forward()
	return b
}

func (b *eventBus) emit(e Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if n := len(b.queue); n > 0 && e.Type == EventProgressUpdated && b.queue[n-1].Type == EventProgressUpdated {
		b.queue[n-1] = e
	} else {
		b.queue = append(b.queue, e)
	}
	b.mu.Unlock()
	b.signal()
}

// close stops accepting events; queued ones are still delivered before out closes
func (b *eventBus) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	grace := b.grace
	b.mu.Unlock()
	time.AfterFunc(grace, func() { close(b.abandon) })
	b.signal()
}

func (b *eventBus) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *eventBus) forward() {
	defer close(b.out)
	for range b.wake {
		b.mu.Lock()
		batch := b.queue
		b.queue = nil
		closed := b.closed
		b.mu.Unlock()

		for _, e := range batch {
			select {
			case b.out <- e:
			case <-b.abandon:
				return
			}
		}
		if closed {
			b.mu.Lock()
			empty := len(b.queue) == 0
			b.mu.Unlock()
			if empty {
				return
			}
		}
	}
}
