package processor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// ErrorSink receives failures of best-effort side effects.
type ErrorSink func(name string, err error)

const (
	defaultNotifyBuffer  = 64
	notificationDeadline = 10 * time.Second
)

type notification struct {
	name string
	fn   func(ctx context.Context) error
}

// Notifier runs best-effort side effects (interaction logging, usage
// counting) off the processing path. Notify never blocks; failures go to
// the error sink and are never returned to the caller.
type Notifier struct {
	queue chan notification
	sink  ErrorSink
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewNotifier starts a notifier with a queue of buffer entries. A nil sink
// logs failures at warn level.
func NewNotifier(buffer int, sink ErrorSink) *Notifier {
	if buffer <= 0 {
		buffer = defaultNotifyBuffer
	}
	if sink == nil {
		sink = func(name string, err error) {
			slog.Default().Warn("best-effort notification failed", "notification", name, "error", err)
		}
	}
	n := &Notifier{
		queue: make(chan notification, buffer),
		sink:  sink,
		done:  make(chan struct{}),
	}
	go n.loop()
	return n
}

// Notify queues fn. It reports false when the notifier is closed or full;
// the dropped notification is reported to the sink.
func (n *Notifier) Notify(name string, fn func(ctx context.Context) error) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.sink(name, fmt.Errorf("notifier closed"))
		return false
	}
	select {
	case n.queue <- notification{name: name, fn: fn}:
		return true
	default:
		n.sink(name, fmt.Errorf("notification queue full"))
		return false
	}
}

// Close stops accepting notifications and waits for queued ones to run.
func (n *Notifier) Close() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	<-n.done
}

func (n *Notifier) loop() {
	defer close(n.done)
	for item := range n.queue {
		n.run(item)
	}
}

func (n *Notifier) run(item notification) {
	defer func() {
		if r := recover(); r != nil {
			n.sink(item.name, fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), notificationDeadline)
	defer cancel()
	if err := item.fn(ctx); err != nil {
		n.sink(item.name, err)
	}
}
