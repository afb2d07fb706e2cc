package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// fakePrimitive is a Primitive with scripted results and call counters.
type fakePrimitive struct {
	acquireResult bool
	acquireErr    error
	releaseErr    error
	releasePanic  any

	// releaseGate, when set, blocks Release until closed.
	releaseGate chan struct{}

	acquireCalls atomic.Int32
	releaseCalls atomic.Int32
	lastTimeout  atomic.Int64
}

func (p *fakePrimitive) TryAcquire(ctx context.Context, timeout time.Duration) (bool, error) {
	p.acquireCalls.Add(1)
	p.lastTimeout.Store(int64(timeout))
	if p.acquireErr != nil {
		return false, p.acquireErr
	}
	return p.acquireResult, nil
}

func (p *fakePrimitive) Release(ctx context.Context) error {
	p.releaseCalls.Add(1)
	if p.releaseGate != nil {
		<-p.releaseGate
	}
	if p.releasePanic != nil {
		panic(p.releasePanic)
	}
	return p.releaseErr
}

// fakeNotifier records subscriptions and lets tests deliver states by hand,
// the way a notifier dispatch goroutine would.
type fakeNotifier struct {
	mu        sync.Mutex
	listeners map[Subscription]Listener
	last      Listener
	next      Subscription

	subscribeCalls   atomic.Int32
	unsubscribeCalls atomic.Int32
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{listeners: make(map[Subscription]Listener)}
}

func (n *fakeNotifier) Subscribe(l Listener) Subscription {
	n.subscribeCalls.Add(1)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	n.listeners[n.next] = l
	n.last = l
	return n.next
}

func (n *fakeNotifier) Unsubscribe(s Subscription) {
	n.unsubscribeCalls.Add(1)
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.listeners, s)
}

// fire delivers state to every registered listener.
func (n *fakeNotifier) fire(state ConnectionState) {
	n.mu.Lock()
	ls := make([]Listener, 0, len(n.listeners))
	for _, l := range n.listeners {
		ls = append(ls, l)
	}
	n.mu.Unlock()

	for _, l := range ls {
		l(state)
	}
}

// fireStale delivers state to the most recent listener even if it was
// already unsubscribed.
func (n *fakeNotifier) fireStale(state ConnectionState) {
	n.mu.Lock()
	l := n.last
	n.mu.Unlock()
	l(state)
}

func (n *fakeNotifier) len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.listeners)
}
