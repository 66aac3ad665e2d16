package notify

import (
	"context"
	"sync"
	"time"
)

const (
	// EventWritingsChanged tells subscribers to re-read the writing list.
	EventWritingsChanged = "writings-changed"
	// EventHeartbeat keeps idle streams open.
	EventHeartbeat = "heartbeat"

	defaultBufferSize = 16
)

// Event is one payload-free notification.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// Dispatcher fans "documents changed" signals out to every subscriber. Publishing never
// blocks; a subscriber with a full buffer misses the signal, which is harmless because the
// next one carries the same meaning.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

// NewDispatcher constructs an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]chan Event),
		bufferSize:  defaultBufferSize,
		clock:       time.Now,
	}
}

// Subscribe registers a stream that lives until ctx is cancelled or the returned cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context) (<-chan Event, func()) {
	stream := make(chan Event, d.bufferSize)

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subscribers[id] = stream
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, id)
			d.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Publish delivers event to every subscriber without blocking.
func (d *Dispatcher) Publish(event Event) {
	if event.Type == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = d.clock().UTC()
	}

	d.mu.RLock()
	streams := make([]chan Event, 0, len(d.subscribers))
	for _, stream := range d.subscribers {
		streams = append(streams, stream)
	}
	d.mu.RUnlock()

	for _, stream := range streams {
		select {
		case stream <- event:
		default:
		}
	}
}

// WritingsChanged publishes EventWritingsChanged.
func (d *Dispatcher) WritingsChanged() {
	d.Publish(Event{Type: EventWritingsChanged})
}

func (d *Dispatcher) subscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}
