package engine

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is one structured progress record (stage attempts, edge selection,
// retries, loop restarts, warnings). The Runner appends one per notable
// transition; EventEmitter fans them out to any number of subscribed sinks.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	Fields    map[string]any `json:"fields"`
}

// MarshalJSON flattens Fields alongside timestamp/run_id so consumers see a
// single JSON document per line (newline-delimited event log), matching the
// JSON-document-per-concern logging convention used elsewhere in this tree.
func (e Event) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		flat[k] = v
	}
	flat["timestamp"] = e.Timestamp.Format(time.RFC3339Nano)
	flat["run_id"] = e.RunID
	return json.Marshal(flat)
}

// EventEmitter broadcasts run progress events to a set of buffered
// subscriber channels. A slow or absent consumer never blocks the run: each
// subscriber has a bounded buffer and the oldest queued event is dropped to
// make room for new ones once it fills.
type EventEmitter struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
	bufferSize  int
}

// NewEventEmitter returns an EventEmitter whose subscriber channels each
// buffer up to bufferSize events before dropping the oldest.
func NewEventEmitter(bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventEmitter{
		subscribers: map[int]chan Event{},
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a new sink and returns it plus a cancel function.
func (em *EventEmitter) Subscribe() (<-chan Event, func()) {
	em.mu.Lock()
	defer em.mu.Unlock()
	id := em.nextID
	em.nextID++
	ch := make(chan Event, em.bufferSize)
	em.subscribers[id] = ch
	cancel := func() {
		em.mu.Lock()
		defer em.mu.Unlock()
		if c, ok := em.subscribers[id]; ok {
			delete(em.subscribers, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish broadcasts ev to every subscriber, dropping the oldest buffered
// event for any subscriber whose channel is currently full.
func (em *EventEmitter) Publish(ev Event) {
	if em == nil {
		return
	}
	em.mu.Lock()
	defer em.mu.Unlock()
	for _, ch := range em.subscribers {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
