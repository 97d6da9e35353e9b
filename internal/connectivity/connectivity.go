// Package connectivity reports whether the remote store can be reached.
//
// The sync engine consumes the Port interface: it never calls the remote
// while IsReachable is false, and it re-drains its queue when a listener
// registered with OnChange sees the transition back to reachable.
package connectivity

import (
	"slices"
	"sync"
)

// Port is the connectivity signal the sync engine consumes.
type Port interface {
	IsReachable() bool
	// OnChange registers fn to be called on every transition. The returned
	// func unregisters it.
	OnChange(fn func(reachable bool)) func()
}

// notifier holds the current reachability and its listeners.
type notifier struct {
	mu        sync.Mutex
	reachable bool
	nextID    int
	listeners map[int]func(bool)
}

func newNotifier(initial bool) *notifier {
	return &notifier{reachable: initial, listeners: make(map[int]func(bool))}
}

func (n *notifier) IsReachable() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reachable
}

func (n *notifier) OnChange(fn func(bool)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.listeners[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.listeners, id)
	}
}

// set stores the new value and reports whether it changed. On a change the
// listeners are called, outside the lock, in registration order.
func (n *notifier) set(reachable bool) bool {
	n.mu.Lock()
	if n.reachable == reachable {
		n.mu.Unlock()
		return false
	}
	n.reachable = reachable
	ids := make([]int, 0, len(n.listeners))
	for id := range n.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, n.listeners[id])
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(reachable)
	}
	return true
}

// Static is a manually driven Port, used when no health check is available
// and in tests.
type Static struct {
	*notifier
}

// NewStatic creates a Static port with the given initial reachability.
func NewStatic(reachable bool) *Static {
	return &Static{notifier: newNotifier(reachable)}
}

// SetReachable changes reachability and notifies listeners on a transition.
func (s *Static) SetReachable(reachable bool) {
	s.set(reachable)
}
