// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package events

import "sync"

var (
	_ Emitter = (*Journal)(nil)
	_ Emitter = Discard
)

// Emitter receives events as they happen
type Emitter interface {
	Emit(e Event)
}

type discard struct{}

func (discard) Emit(Event) {}

// Discard drops every event
var Discard Emitter = discard{}

// Journal is an append-only, in-memory event log. Subscribers receive every
// event emitted after they subscribed; a subscriber that falls behind its
// buffer misses events but can catch up with Since.
type Journal struct {
	mu     sync.RWMutex
	events []Event
	subs   map[int]chan Event
	nextID int
}

func NewJournal() *Journal {
	return &Journal{
		subs: make(map[int]chan Event),
	}
}

func (j *Journal) Emit(e Event) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.events = append(j.events, e)
	for _, sub := range j.subs {
		select {
		case sub <- e:
		default:
		}
	}
}

// Len returns the number of recorded events
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.events)
}

// Since returns the events recorded at or after offset.
func (j *Journal) Since(offset int) []Event {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if offset < 0 {
		offset = 0
	}
	if offset >= len(j.events) {
		return nil
	}
	out := make([]Event, len(j.events)-offset)
	copy(out, j.events[offset:])
	return out
}

// Subscribe returns a channel of future events and a function that closes it.
func (j *Journal) Subscribe(buffer int) (<-chan Event, func()) {
	j.mu.Lock()
	defer j.mu.Unlock()

	id := j.nextID
	j.nextID++
	ch := make(chan Event, buffer)
	j.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			j.mu.Lock()
			defer j.mu.Unlock()
			delete(j.subs, id)
			close(ch)
		})
	}
}

// Filter returns the events of type T, in order.
func Filter[T Event](events []Event) []T {
	var out []T
	for _, e := range events {
		if t, ok := e.(T); ok {
			out = append(out, t)
		}
	}
	return out
}
