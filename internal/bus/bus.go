// Package bus fans pipeline and retention events out to in-process
// subscribers (feed-cache invalidation, metrics).
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// EventType identifies what happened.
type EventType string

const (
	// ItemCompleted fires when the pipeline commits a finished item.
	ItemCompleted EventType = "item_completed"
	// ItemFailed fires when the pipeline gives up on an item.
	ItemFailed EventType = "item_failed"
	// ItemsPruned fires when the retention cleaner deletes items for a channel.
	ItemsPruned EventType = "items_pruned"
)

// Event is one published occurrence.
type Event struct {
	Type       EventType
	ChannelID  string
	ItemID     string
	FreedBytes int64
	At         time.Time
}

// Bus is a bounded fan-out of events to subscriber channels. Publish never
// blocks; a subscriber that falls behind drops events.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan Event
	closed bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers a new subscriber with the given buffer size and
// returns its channel. The channel is closed by Close.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("Event dropped for slow subscriber", "type", ev.Type, "channel_id", ev.ChannelID)
		}
	}
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
