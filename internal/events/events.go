// Package events is the in-process broadcast surface. Delivery is
// fire-and-forget to the subscribers registered at publish time; nothing is
// replayed, so late subscribers must query current state themselves.
package events

import (
	"sync"
	"time"

	"dukafiti/offline/internal/domain"

	"github.com/rs/zerolog"
)

const (
	SyncCompleted       = "sync-completed"
	DataSynced          = "data-synced"
	ConnectivityOnline  = "connectivity-online"
	ConnectivityOffline = "connectivity-offline"
)

const defaultBuffer = 32

type Event struct {
	Name       string            `json:"name"`
	EntityType domain.EntityType `json:"entityType,omitempty"`
	Count      int               `json:"count,omitempty"`
	At         time.Time         `json:"at"`
}

// Publisher is what producers depend on.
type Publisher interface {
	Publish(Event)
}

type subscriber struct {
	names map[string]struct{}
	ch    chan Event
}

func (s *subscriber) wants(name string) bool {
	if len(s.names) == 0 {
		return true
	}
	_, ok := s.names[name]
	return ok
}

type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	buffer int
	log    zerolog.Logger
}

func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]*subscriber),
		buffer: defaultBuffer,
		log:    logger.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers for the named events, or for everything when no names
// are given. The returned cancel func closes the channel.
func (b *Bus) Subscribe(names ...string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, b.buffer)}
	if len(names) > 0 {
		sub.names = make(map[string]struct{}, len(names))
		for _, name := range names {
			sub.names[name] = struct{}{}
		}
	}

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

// SubscribeFunc runs fn on its own goroutine for every matching event until
// cancel is called.
func (b *Bus) SubscribeFunc(fn func(Event), names ...string) func() {
	ch, cancel := b.Subscribe(names...)
	go func() {
		for event := range ch {
			fn(event)
		}
	}()
	return cancel
}

// Publish never blocks: a subscriber whose buffer is full misses the event.
func (b *Bus) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(event.Name) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.log.Debug().Str("event", event.Name).Msg("subscriber buffer full, event dropped")
		}
	}
}

// Recorder collects published events. Tests use it in place of a Bus.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count reports how many events with name were published.
func (r *Recorder) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, event := range r.events {
		if event.Name == name {
			n++
		}
	}
	return n
}
