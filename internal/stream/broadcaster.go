// Package stream fans the preview player's PCM frames out to HTTP (MP3)
// and WebRTC (Opus) listeners.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
)

// Broadcaster fans out PCM frames from one source to N subscribers.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[*Subscriber]struct{}
	onCount func(int)
	dropped atomic.Uint64
}

// Subscriber receives PCM frames from the broadcaster.
type Subscriber struct {
	C    chan []int16 // buffered channel of 20ms PCM frames
	done chan struct{}
	once sync.Once
}

// Done is closed once the subscriber is removed.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// NewBroadcaster creates a broadcaster. onCount, if non-nil, is called with
// the new subscriber count after every subscribe and unsubscribe.
func NewBroadcaster(onCount func(int)) *Broadcaster {
	return &Broadcaster{
		subs:    make(map[*Subscriber]struct{}),
		onCount: onCount,
	}
}

// Subscribe registers a new subscriber.
func (b *Broadcaster) Subscribe() *Subscriber {
	s := &Subscriber{
		C:    make(chan []int16, 150), // ~3 seconds of buffer at 20ms/frame
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	n := len(b.subs)
	b.mu.Unlock()
	b.notify(n)
	return s
}

// Unsubscribe removes s and signals it to stop. Calling it twice is fine.
func (b *Broadcaster) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	_, ok := b.subs[s]
	delete(b.subs, s)
	n := len(b.subs)
	b.mu.Unlock()

	s.once.Do(func() { close(s.done) })
	if ok {
		b.notify(n)
	}
}

func (b *Broadcaster) notify(n int) {
	if b.onCount != nil {
		b.onCount(n)
	}
}

// Count returns the number of active subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many frames were skipped for slow subscribers.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Run reads frames from source and fans out to all subscribers until ctx is
// done or source is closed, then releases every subscriber.
func (b *Broadcaster) Run(ctx context.Context, source <-chan []int16) {
	defer b.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-source:
			if !ok {
				return
			}
			b.mu.RLock()
			for s := range b.subs {
				select {
				case s.C <- frame:
				default:
					b.dropped.Add(1)
				}
			}
			b.mu.RUnlock()
		}
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscriber]struct{})
	b.mu.Unlock()

	for s := range subs {
		s.once.Do(func() { close(s.done) })
	}
	if len(subs) > 0 {
		b.notify(0)
	}
}
