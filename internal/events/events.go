// Package events is the orchestrator's in-process publish/subscribe bus.
// It generalizes the teacher's pkg/events.Broker (a single shared channel
// fanned out to buffered subscriber channels that silently drop on
// overflow) into a per-subscriber bounded queue with an explicit
// drop-oldest policy, a warning on every drop, and automatic unsubscribe
// when a subscriber's handler returns a non-recoverable error.
package events

import (
	"sync"
	"time"

	"github.com/flywheel-sh/orchestratord/internal/errs"
	"github.com/flywheel-sh/orchestratord/internal/log"
	"github.com/flywheel-sh/orchestratord/internal/metrics"
)

// Type enumerates the kinds of events the orchestrator publishes.
type Type string

const (
	InstanceCreated        Type = "instance.created"
	InstanceUpdated        Type = "instance.updated"
	InstanceExpunged       Type = "instance.expunged"
	TaskStatusUpdated      Type = "task.status_updated"
	DeploymentStarted      Type = "deployment.started"
	DeploymentStepComplete Type = "deployment.step_complete"
	DeploymentCompleted    Type = "deployment.completed"
	DeploymentFailed       Type = "deployment.failed"
	LeaderAcquired         Type = "leader.acquired"
	LeaderLost             Type = "leader.lost"
	InstanceOverdue        Type = "instance.overdue"
	ReservationExpired     Type = "reservation.expired"
)

// Event is one published occurrence.
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Handler consumes one Event. Returning a non-nil error that classifies as
// errs.Fatal (via errs.IsClass) unsubscribes the handler; any other error
// is logged and the subscription continues.
type Handler func(*Event) error

const defaultQueueCapacity = 50

// Broker distributes published events to subscribers, each on its own
// bounded FIFO queue and dispatch goroutine.
type Broker struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

// NewBroker creates a Broker ready for immediate Subscribe/Publish use.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]*subscription)}
}

type subscription struct {
	mu       sync.Mutex
	queue    []*Event
	capacity int
	notify   chan struct{}
	done     chan struct{}
	label    string
}

// Subscribe registers handler with a queue of the given capacity (0 uses
// the default) and starts its dispatch goroutine. The returned func
// unsubscribes and stops the goroutine.
func (b *Broker) Subscribe(label string, capacity int, handler Handler) func() {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}

	sub := &subscription{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		label:    label,
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	go sub.run(handler, func() { b.unsubscribe(id) })

	return func() { b.unsubscribe(id) }
}

func (b *Broker) unsubscribe(id int) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.done)
	}
}

// Publish fans event out to every subscriber's queue, dropping the oldest
// queued event (and counting/logging it) when a subscriber's queue is
// full.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		sub.push(event)
	}
}

// SubscriberCount reports the number of live subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (s *subscription) push(event *Event) {
	s.mu.Lock()
	if len(s.queue) >= s.capacity {
		dropped := s.queue[0]
		s.queue = s.queue[1:]
		metrics.EventQueueDropsTotal.WithLabelValues(s.label).Inc()
		log.WithComponent("events").Warn().
			Str("subscriber", s.label).
			Str("dropped_event_id", dropped.ID).
			Msg("subscriber queue full, dropping oldest event")
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) pop() (*Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	e := s.queue[0]
	s.queue = s.queue[1:]
	return e, true
}

func (s *subscription) run(handler Handler, unsubscribe func()) {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
			for {
				e, ok := s.pop()
				if !ok {
					break
				}
				if err := handler(e); err != nil {
					log.WithComponent("events").Error().Err(err).Str("subscriber", s.label).Msg("event handler error")
					if errs.IsClass(err, errs.Fatal) {
						unsubscribe()
						return
					}
				}
			}
		}
	}
}
