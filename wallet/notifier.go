package wallet

import (
	"slices"
	"sync"
)

// Notifier fans account-change notifications out to subscribers. Providers embed
// it to implement Subscribe and NotifyAccountsChanged.
type Notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func([]string)
}

func (n *Notifier) Subscribe(fn func(accounts []string)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.subs == nil {
		n.subs = make(map[int]func([]string))
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = fn

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

// NotifyAccountsChanged delivers accounts to every subscriber. Callbacks run
// outside the notifier lock so they may unsubscribe.
func (n *Notifier) NotifyAccountsChanged(accounts []string) {
	n.mu.Lock()
	ids := make([]int, 0, len(n.subs))
	for id := range n.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func([]string), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, n.subs[id])
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(slices.Clone(accounts))
	}
}

func (n *Notifier) Subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}
