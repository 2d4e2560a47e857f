package events

import (
	"slices"
	"sync"
	"sync/atomic"
)

// Filter narrows a feed. Zero fields match everything.
type Filter struct {
	TopicArn        string
	SubscriptionArn string
	Statuses        []DeliveryStatus
}

func (f Filter) Match(ev DeliveryEvent) bool {
	if f.TopicArn != "" && f.TopicArn != ev.TopicArn {
		return false
	}
	if f.SubscriptionArn != "" && f.SubscriptionArn != ev.SubscriptionArn {
		return false
	}
	return len(f.Statuses) == 0 || slices.Contains(f.Statuses, ev.Status)
}

// Feed is one listener registered with a Hub.
type Feed struct {
	id      uint64
	filter  Filter
	ch      chan DeliveryEvent
	dropped atomic.Uint64
}

// Events is closed once the feed is removed from its hub.
func (f *Feed) Events() <-chan DeliveryEvent { return f.ch }

// Dropped counts matching events lost to a full buffer.
func (f *Feed) Dropped() uint64 { return f.dropped.Load() }

// Hub fans delivery events out to feeds. A nil *Hub discards everything.
type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	feeds  map[uint64]*Feed

	published atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{feeds: make(map[uint64]*Feed)}
}

func (h *Hub) Subscribe(filter Filter, buffer int) *Feed {
	if buffer < 1 {
		buffer = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	f := &Feed{id: h.nextID, filter: filter, ch: make(chan DeliveryEvent, buffer)}
	h.feeds[f.id] = f
	return f
}

// Unsubscribe is safe to call more than once.
func (h *Hub) Unsubscribe(f *Feed) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.feeds[f.id]; ok {
		delete(h.feeds, f.id)
		close(f.ch)
	}
}

// Publish never blocks a delivery: feeds whose buffer is full miss the
// event.
func (h *Hub) Publish(ev DeliveryEvent) {
	if h == nil {
		return
	}
	h.published.Add(1)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, f := range h.feeds {
		if !f.filter.Match(ev) {
			continue
		}
		select {
		case f.ch <- ev:
		default:
			f.dropped.Add(1)
		}
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.feeds)
}

// Published counts every event handed to the hub, matched or not.
func (h *Hub) Published() uint64 {
	return h.published.Load()
}
