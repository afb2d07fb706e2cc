package lock

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/kneutral-org/sessionlock/internal/metrics"
)

// Listener receives connection-state changes.
type Listener func(ConnectionState)

// Subscription identifies a registered Listener.
type Subscription uint64

// Notifier publishes connection-state changes of a coordination session.
// Implementations deliver states from a single goroutine, one at a time,
// and must not invoke a Listener synchronously from Subscribe.
// Unsubscribe must be safe to call from inside a Listener.
//
// States are not replayed to late subscribers. A Handle subscribes only
// after its primitive is acquired, so a Notifier that can report its
// current state should also implement StateReporter.
type Notifier interface {
	Subscribe(l Listener) Subscription
	Unsubscribe(s Subscription)
}

// StateReporter is implemented by notifiers that know the current
// connection state. State returns 0 before the first state is known.
type StateReporter interface {
	State() ConnectionState
}

const defaultBroadcastBuffer = 64

// Broadcaster is a Notifier fed by Publish.
// It owns one dispatch goroutine that delivers every published state to
// a snapshot of the listeners registered at delivery time.
type Broadcaster struct {
	logger zerolog.Logger

	mu        sync.Mutex
	listeners map[Subscription]Listener
	next      Subscription
	closed    bool

	events chan ConnectionState
	stopCh chan struct{}
	done   chan struct{}
}

// NewBroadcaster creates a Broadcaster and starts its dispatch goroutine.
func NewBroadcaster(logger zerolog.Logger) *Broadcaster {
	b := &Broadcaster{
		logger:    logger,
		listeners: make(map[Subscription]Listener),
		events:    make(chan ConnectionState, defaultBroadcastBuffer),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe registers l for all states published after this call.
func (b *Broadcaster) Subscribe(l Listener) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	b.listeners[b.next] = l
	return b.next
}

// Unsubscribe removes a listener. Unknown subscriptions are ignored.
func (b *Broadcaster) Unsubscribe(s Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, s)
}

// Len returns the number of registered listeners.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// Publish queues a state for delivery. It blocks only while the queue is full.
// States published after Close are dropped.
func (b *Broadcaster) Publish(state ConnectionState) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}

	metrics.RecordConnectionState(state.String())
	b.logger.Debug().Str("state", state.String()).Msg("connection state changed")

	select {
	case b.events <- state:
	case <-b.stopCh:
	}
}

// Close stops the dispatch goroutine and waits for it to exit.
// States still queued are discarded.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stopCh)
	<-b.done
}

func (b *Broadcaster) dispatch() {
	defer close(b.done)

	for {
		select {
		case <-b.stopCh:
			return
		case state := <-b.events:
			for _, l := range b.snapshot() {
				b.deliver(l, state)
			}
		}
	}
}

func (b *Broadcaster) snapshot() []Listener {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		out = append(out, l)
	}
	return out
}

func (b *Broadcaster) deliver(l Listener, state ConnectionState) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Interface("panic", r).
				Str("state", state.String()).
				Msg("connection state listener panicked")
		}
	}()
	l(state)
}
