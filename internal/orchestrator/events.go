package orchestrator

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/iaminawe/taskhive/pkg/models"
)

// emitTimeout is how long Emit waits on a full channel before dropping.
const emitTimeout = 100 * time.Millisecond

// EventEmitter fans orchestrator events out to a single in-process
// subscriber (CLI progress display, tests). Durable event history lives in
// the memory coordinator; this channel is a best-effort live feed, so a
// slow consumer causes drops rather than stalling the coordination loop.
type EventEmitter struct {
	events       chan models.Event
	droppedCount atomic.Uint64
}

// NewEventEmitter creates an EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int) *EventEmitter {
	return &EventEmitter{
		events: make(chan models.Event, bufferSize),
	}
}

// Emit sends an event to the events channel.
// If the channel is full, it tries with a timeout before dropping the event.
func (e *EventEmitter) Emit(event models.Event) {
	select {
	case e.events <- event:
		return
	default:
		// Channel full, try with timeout
	}

	select {
	case e.events <- event:
		return
	case <-time.After(emitTimeout):
		count := e.droppedCount.Add(1)
		if count%10 == 1 { // Log every 10th drop to avoid spam
			log.Printf("[orchestrator] WARNING: event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events for subscribers.
func (e *EventEmitter) Events() <-chan models.Event {
	return e.events
}

// Close closes the events channel. Called once when the orchestrator stops.
func (e *EventEmitter) Close() {
	close(e.events)
}
