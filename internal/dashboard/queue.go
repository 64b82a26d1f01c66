package dashboard

import "sync"

// queue is the unbounded event channel behind Send. Unbounded is
// acceptable here because render ticks are skippable and input is
// human-rate; see the driver loop.
type queue struct {
	mu     sync.Mutex
	items  []Event
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

// push never blocks.
func (q *queue) push(ev Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// drain returns all pending events in send order.
func (q *queue) drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}

// wait is the channel the loop selects on; a receive means at least
// one event is pending.
func (q *queue) wait() <-chan struct{} {
	return q.signal
}
