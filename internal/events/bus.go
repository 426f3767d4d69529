// Package events provides the in-process pub/sub bus that fans domain
// events out to the notifier, the realtime hub, and metrics. Delivery
// is best-effort: a full subscriber buffer drops the event rather than
// blocking the publisher.
package events

import (
	"log"
	"sync"
	"time"

	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

// Emitter is the interface services publish through.
type Emitter interface {
	Emit(eventType string, gapID, actorID int64, data map[string]interface{})
}

// Bus is an in-process pub/sub event bus. Subscribers receive events on
// buffered channels; fan-out is synchronous within a best-effort send.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *core.Event // eventType -> channels
	allSubs     []chan *core.Event
	logger      *log.Logger
	bufferSize  int
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *core.Event),
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  256,
	}
}

// Subscribe creates a channel receiving events of the given types.
// Pass no types to receive ALL events.
func (b *Bus) Subscribe(eventTypes ...string) chan *core.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *core.Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *core.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[et] = filtered
	}

	filtered := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered

	close(ch)
}

// Publish sends an event to all matching subscribers. A subscriber with
// a full buffer is skipped; a missed socket event is recoverable by
// polling, so dropping beats blocking a request handler.
func (b *Bus) Publish(event *core.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			b.logger.Printf("subscriber buffer full, dropping %s", event.Type)
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit builds and publishes an event.
func (b *Bus) Emit(eventType string, gapID, actorID int64, data map[string]interface{}) {
	b.Publish(&core.Event{
		Type:    eventType,
		GapID:   gapID,
		ActorID: actorID,
		Time:    time.Now(),
		Data:    data,
	})
}

// SubscriberCount returns the number of active subscription channels.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}
