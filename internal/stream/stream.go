// Package stream fans committed registry events out to live subscribers.
package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"metaprofile.org/internal/registry"
)

const defaultBuffer = 16

type subscriber struct {
	ch    chan registry.Event
	kinds map[registry.EventKind]bool // nil means every kind
}

func (s *subscriber) wants(kind registry.EventKind) bool {
	return s.kinds == nil || s.kinds[kind]
}

// Stream is a registry.Observer that copies each event to every matching
// subscriber without ever blocking the registry. A subscriber whose buffer
// is full misses the event.
type Stream struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	next    uint64
	buffer  int
	dropped atomic.Uint64
}

var _ registry.Observer = (*Stream)(nil)

// Option configures a Stream.
type Option func(*Stream)

// WithBuffer sets the per subscriber buffer.
func WithBuffer(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.buffer = n
		}
	}
}

func New(opts ...Option) *Stream {
	s := &Stream{
		subs:   make(map[uint64]*subscriber),
		buffer: defaultBuffer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe returns a channel receiving events of the given kinds, or of all
// kinds when none are given. The channel is closed once ctx is done.
func (s *Stream) Subscribe(ctx context.Context, kinds ...registry.EventKind) <-chan registry.Event {
	sub := &subscriber{ch: make(chan registry.Event, s.buffer)}
	if len(kinds) > 0 {
		sub.kinds = make(map[registry.EventKind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = sub
	s.mu.Unlock()

	context.AfterFunc(ctx, func() {
		s.mu.Lock()
		delete(s.subs, id)
		close(sub.ch)
		s.mu.Unlock()
	})
	return sub.ch
}

// Subscribers returns the number of attached subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Dropped counts deliveries skipped because a subscriber was full.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }

func (s *Stream) Observe(ev registry.Event) { s.Publish(ev) }

// Publish delivers ev to every interested subscriber with room for it.
func (s *Stream) Publish(ev registry.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if !sub.wants(ev.Kind) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}
