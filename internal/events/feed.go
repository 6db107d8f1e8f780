package events

import (
	"context"
	"sync"
)

// Feed keeps the most recent events in a fixed-size ring for clients that
// poll with Since.
type Feed struct {
	mu   sync.RWMutex
	buf  []Event
	next int
	full bool
}

// NewFeed creates a ring holding up to size events.
func NewFeed(size int) *Feed {
	if size < 1 {
		size = 1
	}
	return &Feed{buf: make([]Event, size)}
}

func (f *Feed) Send(_ context.Context, e Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf[f.next] = e
	f.next = (f.next + 1) % len(f.buf)
	if f.next == 0 {
		f.full = true
	}
	return nil
}

// Since returns up to limit retained events with Seq > seq, oldest first.
// A limit < 1 returns everything retained.
func (f *Feed) Since(seq uint64, limit int) []Event {
	f.mu.RLock()
	defer f.mu.RUnlock()

	start, n := 0, f.next
	if f.full {
		start, n = f.next, len(f.buf)
	}
	out := []Event{}
	for i := 0; i < n; i++ {
		e := f.buf[(start+i)%len(f.buf)]
		if e.Seq <= seq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Last returns the sequence of the newest retained event, or 0.
func (f *Feed) Last() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.full && f.next == 0 {
		return 0
	}
	return f.buf[(f.next-1+len(f.buf))%len(f.buf)].Seq
}
