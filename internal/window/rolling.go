// Package window records events over a sliding time window.
package window

import (
	"sort"
	"sync"
	"time"
)

type entry[T any] struct {
	at    time.Time
	event T
}

// Capture keeps events younger than its window. Old events are dropped
// lazily: every tolerance appends trigger one cleanup pass, and reads trim
// whatever has expired since.
type Capture[T any] struct {
	mu           sync.Mutex
	window       time.Duration
	tolerance    int
	sinceCleanup int
	events       []entry[T]
	now          func() time.Time
}

func New[T any](window time.Duration, tolerance int) *Capture[T] {
	if tolerance < 1 {
		tolerance = 1
	}
	return &Capture[T]{
		window:    window,
		tolerance: tolerance,
		now:       time.Now,
	}
}

// Add records ev at the current time.
func (c *Capture[T]) Add(ev T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, entry[T]{at: c.now(), event: ev})
	c.sinceCleanup++
	if c.sinceCleanup >= c.tolerance {
		c.cleanupLocked()
	}
}

// Count returns the number of events inside the window.
func (c *Capture[T]) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trimLocked()
	return len(c.events)
}

// Events copies the events inside the window, oldest first.
func (c *Capture[T]) Events() []T {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.trimLocked()
	out := make([]T, len(c.events))
	for i, e := range c.events {
		out[i] = e.event
	}
	return out
}

// Latest returns the newest event inside the window.
func (c *Capture[T]) Latest() (T, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.trimLocked()
	if n := len(c.events); n > 0 {
		e := c.events[n-1]
		return e.event, e.at, true
	}
	var zero T
	return zero, time.Time{}, false
}

// Cleanup drops expired events now.
func (c *Capture[T]) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked()
}

// Stored reports how many events are held, expired or not.
func (c *Capture[T]) Stored() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *Capture[T]) firstLiveLocked() int {
	cutoff := c.now().Add(-c.window)
	return sort.Search(len(c.events), func(i int) bool {
		return c.events[i].at.After(cutoff)
	})
}

func (c *Capture[T]) cleanupLocked() {
	c.sinceCleanup = 0
	c.trimLocked()
}

func (c *Capture[T]) trimLocked() {
	first := c.firstLiveLocked()
	if first == 0 {
		return
	}
	remaining := copy(c.events, c.events[first:])
	var zero entry[T]
	for i := remaining; i < len(c.events); i++ {
		c.events[i] = zero
	}
	c.events = c.events[:remaining]
}
