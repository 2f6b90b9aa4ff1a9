package realtime

import "sync"

// notifier delivers state events to observers one at a time, in the order
// they were queued, without holding any lock during delivery. An observer
// that triggers another transition has that event queued and delivered
// after it returns.
type notifier struct {
	mu       sync.Mutex
	queue    []StateEvent
	draining bool
	deliver  func(StateEvent)
}

func (n *notifier) push(ev StateEvent) {
	n.mu.Lock()
	n.queue = append(n.queue, ev)
	n.mu.Unlock()
}

func (n *notifier) drain() {
	n.mu.Lock()
	if n.draining {
		n.mu.Unlock()
		return
	}
	n.draining = true
	for len(n.queue) > 0 {
		ev := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()
		n.deliver(ev)
		n.mu.Lock()
	}
	n.draining = false
	n.mu.Unlock()
}
