// Package events delivers file change notifications from watchers to the
// sync coordinator.
//
// There is one Bus per process. Publishers (one fsnotify loop per watched
// project) hand events to a buffered channel; a single dispatcher goroutine
// drains it and calls every subscriber in registration order. Subscribers
// run on the dispatcher goroutine and must not block.
package events

import (
	"log"
	"os"
	"slices"
	"sync"
)

// ChangeKind is the kind of filesystem change.
type ChangeKind string

const (
	KindCreate ChangeKind = "create"
	KindModify ChangeKind = "modify"
	KindRemove ChangeKind = "remove"
)

// ChangeEvent is the wire shape of a change notification.
type ChangeEvent struct {
	ProjectID string     `json:"projectId"`
	Path      string     `json:"path"`
	Kind      ChangeKind `json:"kind"`
}

// DefaultBufferSize is the channel capacity used when Config.BufferSize is 0.
const DefaultBufferSize = 256

// Config controls a Bus.
type Config struct {
	BufferSize int
	Logger     *log.Logger
}

// Bus is an asynchronous fan-out of ChangeEvents.
type Bus struct {
	ch     chan ChangeEvent
	done   chan struct{}
	wg     sync.WaitGroup
	logger *log.Logger

	mu     sync.RWMutex
	subs   map[int]func(ChangeEvent)
	nextID int

	closeOnce sync.Once
}

// NewBus creates a bus and starts its dispatcher.
func NewBus(cfg Config) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[events] ", log.LstdFlags)
	}
	b := &Bus{
		ch:     make(chan ChangeEvent, cfg.BufferSize),
		done:   make(chan struct{}),
		logger: cfg.Logger,
		subs:   make(map[int]func(ChangeEvent)),
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Subscribe registers fn for every subsequent event. The returned function
// unregisters it and is safe to call more than once.
func (b *Bus) Subscribe(fn func(ChangeEvent)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish enqueues e. It blocks while the buffer is full and returns false
// once the bus is closed.
func (b *Bus) Publish(e ChangeEvent) bool {
	select {
	case <-b.done:
		return false
	default:
	}

	select {
	case b.ch <- e:
		return true
	case <-b.done:
		return false
	}
}

// Close stops the dispatcher. Events still buffered are dropped.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
	b.wg.Wait()
}

func (b *Bus) dispatch() {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			if n := len(b.ch); n > 0 {
				b.logger.Printf("Dropping %d undelivered events", n)
			}
			return
		case e := <-b.ch:
			b.deliver(e)
		}
	}
}

func (b *Bus) deliver(e ChangeEvent) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(ChangeEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, b.subs[id])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(e)
	}
}
