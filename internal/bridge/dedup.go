package bridge

import (
	"container/list"
	"sync"
)

// txnDedup remembers recently processed appservice transaction IDs so a
// homeserver retry is acknowledged without re-running its events.
type txnDedup struct {
	mu    sync.Mutex
	max   int
	order *list.List
	seen  map[string]*list.Element
}

func newTxnDedup(max int) *txnDedup {
	return &txnDedup{
		max:   max,
		order: list.New(),
		seen:  make(map[string]*list.Element),
	}
}

// Seen records id and reports whether it was already present. The oldest
// entry is evicted once the cache is full.
func (d *txnDedup) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.seen[id]; ok {
		d.order.MoveToBack(el)
		return true
	}
	d.seen[id] = d.order.PushBack(id)
	if d.order.Len() > d.max {
		oldest := d.order.Front()
		d.order.Remove(oldest)
		delete(d.seen, oldest.Value.(string))
	}
	return false
}
