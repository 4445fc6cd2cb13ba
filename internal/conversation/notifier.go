// ABOUTME: Ordered, bounded queue that forwards integration events to a publisher
// ABOUTME: Requests never wait on the broker; a full queue drops events with a warning

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/storechat/internal/events"
)

const (
	defaultNotifyQueueSize = 1024
	defaultPublishTimeout  = 5 * time.Second
)

type notifier struct {
	pub     events.Publisher
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan events.Envelope
	done   chan struct{}
}

func newNotifier(pub events.Publisher, timeout time.Duration, logger *slog.Logger) *notifier {
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	n := &notifier{
		pub:     pub,
		timeout: timeout,
		logger:  logger,
		queue:   make(chan events.Envelope, defaultNotifyQueueSize),
		done:    make(chan struct{}),
	}
	go n.run()
	return n
}

// notify enqueues env without blocking.
func (n *notifier) notify(env events.Envelope) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- env:
	default:
		n.logger.Warn("event queue full, dropping integration event",
			"type", env.Meta.Type,
			"id", env.Meta.ID)
	}
}

func (n *notifier) run() {
	defer close(n.done)
	for env := range n.queue {
		n.publish(env)
	}
}

// publish sends one envelope with its own timeout so a request cancellation
// never loses an event that was already committed.
func (n *notifier) publish(env events.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	if err := n.pub.Publish(ctx, env); err != nil {
		n.logger.Error("failed to publish event",
			"error", err,
			"type", env.Meta.Type,
			"id", env.Meta.ID)
	}
}

// close stops accepting events and waits for the queue to drain.
func (n *notifier) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		<-n.done
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()
	<-n.done
}
