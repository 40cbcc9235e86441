package raid

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Notifier delivers progress messages asynchronously. Notify never blocks:
// when the buffer is full the message is dropped. A panicking callback is
// recovered and logged.
type Notifier struct {
	fn      func(string)
	ch      chan string
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewNotifier starts a Notifier draining into fn. A nil fn yields a
// Notifier that discards everything.
func NewNotifier(fn func(string), buffer int) *Notifier {
	if buffer <= 0 {
		buffer = 16
	}
	n := &Notifier{
		fn:   fn,
		ch:   make(chan string, buffer),
		done: make(chan struct{}),
	}
	go n.drain()
	return n
}

func (n *Notifier) drain() {
	defer close(n.done)
	for msg := range n.ch {
		n.deliver(msg)
	}
}

func (n *Notifier) deliver(msg string) {
	if n.fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			zap.L().Warn("raid: progress callback panicked", zap.Any("panic", r))
		}
	}()
	n.fn(msg)
}

// Notify enqueues a message.
func (n *Notifier) Notify(msg string) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.ch <- msg:
	default:
		n.dropped.Add(1)
	}
}

// Dropped returns how many messages were discarded because the buffer was
// full.
func (n *Notifier) Dropped() int {
	return int(n.dropped.Load())
}

// Close stops accepting messages. Queued messages are still delivered.
func (n *Notifier) Close() {
	n.once.Do(func() {
		n.mu.Lock()
		n.closed = true
		close(n.ch)
		n.mu.Unlock()
	})
}

// Done is closed once every queued message has been delivered after Close.
func (n *Notifier) Done() <-chan struct{} {
	return n.done
}
