// Package stream fans structured run events out to live consumers.
// Each subscriber owns a bounded queue with a drop-oldest policy, so a slow
// consumer can lose old events but can never block the producing worker.
package stream

import "sync"

// Event is the wire shape delivered to subscribers (and over SSE).
type Event struct {
	RunID           string `json:"run_id"`
	Level           string `json:"level"`
	Message         string `json:"message"`
	Step            string `json:"step,omitempty"`
	ProgressCurrent *int   `json:"progress_current,omitempty"`
	ProgressTotal   *int   `json:"progress_total,omitempty"`
	CurrentTerm     string `json:"current_term,omitempty"`
	Complete        bool   `json:"complete,omitempty"`
	DBStatus        string `json:"db_status,omitempty"`
}

// DBStatusUnconfirmed tags a terminal event whose final database write could
// not be confirmed.
const DBStatusUnconfirmed = "unconfirmed"

const DefaultQueueSize = 64

// Subscriber is one consumer's handle on a run's event stream.
type Subscriber struct {
	id uint64
	ch chan Event
}

// Events yields this subscriber's queue. The channel closes after the
// terminal event (or on unsubscribe).
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Broker keeps per-run subscriber sets. Runs are opened when the orchestrator
// allocates them and closed exactly once by the run's cleanup routine;
// subscribing to a run that was never opened, or already closed, yields
// nothing — that is documented behavior, not an error.
type Broker struct {
	mu        sync.Mutex
	queueSize int
	nextID    uint64
	runs      map[string]map[uint64]*Subscriber
}

func NewBroker(queueSize int) *Broker {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Broker{
		queueSize: queueSize,
		runs:      make(map[string]map[uint64]*Subscriber),
	}
}

// Open registers a run so consumers can subscribe. Idempotent.
func (b *Broker) Open(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.runs[runID]; !ok {
		b.runs[runID] = make(map[uint64]*Subscriber)
	}
}

// Subscribe attaches a consumer to a live run. ok is false when the run is
// unknown or already closed.
func (b *Broker) Subscribe(runID string) (*Subscriber, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.runs[runID]
	if !ok {
		return nil, false
	}
	b.nextID++
	sub := &Subscriber{id: b.nextID, ch: make(chan Event, b.queueSize)}
	subs[sub.id] = sub
	return sub, true
}

// Unsubscribe detaches a consumer and closes its queue. Idempotent: unknown
// runs or already-removed handles are a silent no-op.
func (b *Broker) Unsubscribe(runID string, sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.runs[runID]
	if !ok {
		return
	}
	if _, ok := subs[sub.id]; !ok {
		return
	}
	delete(subs, sub.id)
	close(sub.ch)
}

// Publish delivers an event to every current subscriber of the run, in
// production order per subscriber. Publishing to an unknown or closed run is
// a no-op.
func (b *Broker) Publish(runID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.runs[runID] {
		send(sub.ch, ev)
	}
}

// CloseRun broadcasts the terminal event, closes every subscriber queue, and
// forgets the run. Idempotent; later Publish/Subscribe calls see nothing.
func (b *Broker) CloseRun(runID string, final Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.runs[runID]
	if !ok {
		return
	}
	for _, sub := range subs {
		send(sub.ch, final)
		close(sub.ch)
	}
	delete(b.runs, runID)
}

// SubscriberCount reports how many consumers a run currently has.
func (b *Broker) SubscriberCount(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.runs[runID])
}

// send enqueues without ever blocking: when the queue is full the oldest
// event is dropped to make room.
func send(ch chan Event, ev Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
