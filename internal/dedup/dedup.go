// Package dedup implements the deduplication ledger: a bounded record of
// recently processed job IDs consulted before enqueueing, so that re-delivered
// events are handled idempotently.
//
// The ledger is a best-effort guard, not a durability store. It bounds memory
// two ways — entries expire after the retention window, and a capacity cap
// evicts oldest-first — whichever triggers first. A background sweeper
// (modelled on the queue visibility reaper) removes expired entries so the
// map does not grow between lookups.
package dedup

import (
	"container/list"
	"sync"
	"time"
)

// Entry records one remembered job ID.
type Entry struct {
	JobID  string
	SeenAt time.Time
}

const sweepInterval = 30 * time.Second

// Ledger remembers job IDs for a retention window. Safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // elements are Entry, oldest at front
	window  time.Duration
	cap     int

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Ledger with the given retention window and capacity and
// starts its background sweeper. Call Close when the ledger is no longer
// needed.
func New(window time.Duration, capacity int) *Ledger {
	if window <= 0 {
		window = 10 * time.Minute
	}
	if capacity <= 0 {
		capacity = 10_000
	}
	l := &Ledger{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		window:  window,
		cap:     capacity,
		done:    make(chan struct{}),
	}
	l.wg.Add(1)
	go l.sweepLoop()
	return l
}

// Seen reports whether id was recorded within the retention window.
func (l *Ledger) Seen(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	el, ok := l.entries[id]
	if !ok {
		return false
	}
	if time.Since(el.Value.(Entry).SeenAt) > l.window {
		// Expired but not yet swept.
		l.remove(el)
		return false
	}
	return true
}

// Record remembers id as seen now. Recording an already-present id refreshes
// its timestamp; the ledger never holds two entries for the same id.
func (l *Ledger) Record(id string) {
	l.recordAt(id, time.Now())
}

// Warm pre-loads entries recovered from the history store at startup,
// shrinking the window in which a post-restart redelivery would double-print.
// Entries older than the retention window are ignored.
func (l *Ledger) Warm(entries []Entry) {
	cutoff := time.Now().Add(-l.window)
	for _, e := range entries {
		if e.SeenAt.Before(cutoff) {
			continue
		}
		l.recordAt(e.JobID, e.SeenAt)
	}
}

// Len returns the number of live entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

// Close stops the background sweeper.
func (l *Ledger) Close() {
	close(l.done)
	l.wg.Wait()
}

func (l *Ledger) recordAt(id string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.entries[id]; ok {
		l.remove(el)
	}
	for l.order.Len() >= l.cap {
		l.remove(l.order.Front())
	}
	l.entries[id] = l.order.PushBack(Entry{JobID: id, SeenAt: at})
}

// remove must be called with l.mu held.
func (l *Ledger) remove(el *list.Element) {
	delete(l.entries, el.Value.(Entry).JobID)
	l.order.Remove(el)
}

func (l *Ledger) sweepLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep drops expired entries from the front of the order list. Entries are
// appended in SeenAt order, so sweeping stops at the first live entry.
func (l *Ledger) sweep() {
	cutoff := time.Now().Add(-l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for el := l.order.Front(); el != nil; {
		next := el.Next()
		if el.Value.(Entry).SeenAt.After(cutoff) {
			break
		}
		l.remove(el)
		el = next
	}
}
