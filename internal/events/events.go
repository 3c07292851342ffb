// Package events keeps a short in-memory log of notices for the local UI.
package events

import (
	"sync"
	"time"
)

// Event types.
const (
	UIDReset         = "uid-reset"
	MigrationSuccess = "migration-success"
	Updater          = "updater"
)

const defaultCapacity = 128

// Event is one notice. Seq increases by one per published event.
type Event struct {
	Seq  uint64    `json:"seq"`
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Bus is a bounded event log. The oldest events are dropped once full.
type Bus struct {
	mu     sync.Mutex
	events []Event
	size   int
	seq    uint64
	now    func() time.Time
}

func NewBus() *Bus {
	return &Bus{size: defaultCapacity, now: time.Now}
}

// Publish appends an event and returns it.
func (b *Bus) Publish(typ string, data any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	ev := Event{Seq: b.seq, Type: typ, Time: b.now().UTC(), Data: data}
	b.events = append(b.events, ev)
	if len(b.events) > b.size {
		b.events = append(b.events[:0], b.events[len(b.events)-b.size:]...)
	}
	return ev
}

// Since returns the retained events with Seq greater than seq, oldest first.
func (b *Bus) Since(seq uint64) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []Event{}
	for _, ev := range b.events {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
