// Package match owns the matching state of the relay: the FIFO set of
// connections waiting for a peer and the symmetric partner map.
//
// Every method is safe for concurrent use. Mutations are serialized by a
// single mutex, so each call takes effect as one indivisible step relative
// to every other call.
package match

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrAlreadyPaired is returned by Enqueue for a connection that already has
// a partner. The pairing is left untouched.
var ErrAlreadyPaired = errors.New("connection is already paired")

// Result describes the outcome of a successful Enqueue.
type Result struct {
	// Matched is true when the caller was paired immediately with PartnerID.
	Matched   bool
	PartnerID string
}

// Enqueued reports whether the caller was placed in the waiting set.
func (r Result) Enqueued() bool { return !r.Matched }

// Stats is a point-in-time view of the pool.
type Stats struct {
	Waiting int `json:"waiting"`
	Pairs   int `json:"pairs"`
}

// waiter is one entry of the waiting set.
type waiter struct {
	id    string
	since time.Time
}

// Pool is the single source of truth for who is waiting and who is paired.
type Pool struct {
	mu      sync.Mutex
	queue   *list.List               // of *waiter, oldest first
	waiting map[string]*list.Element // id → element in queue
	partner map[string]string        // id → partner id, always symmetric

	now func() time.Time
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{
		queue:   list.New(),
		waiting: make(map[string]*list.Element),
		partner: make(map[string]string),
		now:     time.Now,
	}
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// Enqueue looks for a peer for id. If another connection is waiting, the
// longest-waiting one is removed from the waiting set and paired with id.
// Otherwise id is added to the waiting set. A connection that is already
// waiting keeps its original position.
func (p *Pool) Enqueue(id string) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.partner[id]; ok {
		return Result{}, ErrAlreadyPaired
	}

	for e := p.queue.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		if w.id == id {
			continue // never match a connection with itself
		}
		p.removeWaiter(w.id)
		p.removeWaiter(id)
		p.partner[id] = w.id
		p.partner[w.id] = id
		p.checkPair(id)
		return Result{Matched: true, PartnerID: w.id}, nil
	}

	if _, ok := p.waiting[id]; !ok {
		p.waiting[id] = p.queue.PushBack(&waiter{id: id, since: p.now()})
	}
	return Result{}, nil
}

// Cancel removes id from the waiting set. Unknown ids are ignored.
func (p *Pool) Cancel(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeWaiter(id)
}

// Teardown dissolves the pairing of id, if any, and returns the former
// partner. Any waiting entry for id is dropped as well. Calling Teardown
// again for the same id returns ("", false) and changes nothing.
func (p *Pool) Teardown(id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.removeWaiter(id)

	other, ok := p.partner[id]
	if !ok {
		return "", false
	}
	p.checkPair(id)
	delete(p.partner, id)
	delete(p.partner, other)
	return other, true
}

// ExpireWaiting removes every waiting entry enqueued before cutoff and
// returns their ids, oldest first.
func (p *Pool) ExpireWaiting(cutoff time.Time) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var expired []string
	for e := p.queue.Front(); e != nil; {
		w := e.Value.(*waiter)
		if !w.since.Before(cutoff) {
			break // queue is ordered by insertion time
		}
		next := e.Next()
		p.queue.Remove(e)
		delete(p.waiting, w.id)
		expired = append(expired, w.id)
		e = next
	}
	return expired
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Partner returns the current partner of id.
func (p *Pool) Partner(id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	other, ok := p.partner[id]
	return other, ok
}

// IsWaiting reports whether id is in the waiting set.
func (p *Pool) IsWaiting(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.waiting[id]
	return ok
}

// Waiting returns the ids in the waiting set, oldest first.
func (p *Pool) Waiting() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, p.queue.Len())
	for e := p.queue.Front(); e != nil; e = e.Next() {
		ids = append(ids, e.Value.(*waiter).id)
	}
	return ids
}

// Snapshot returns the current waiting and pair counts.
func (p *Pool) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Waiting: p.queue.Len(), Pairs: len(p.partner) / 2}
}

// ---------------------------------------------------------------------------
// Internals (caller holds p.mu)
// ---------------------------------------------------------------------------

func (p *Pool) removeWaiter(id string) {
	if e, ok := p.waiting[id]; ok {
		p.queue.Remove(e)
		delete(p.waiting, id)
	}
}

// checkPair panics if the pairing of id is not symmetric or if either side
// is still waiting. Either condition means the partner map is corrupt and
// further signaling would be misrouted.
func (p *Pool) checkPair(id string) {
	other := p.partner[id]
	if back, ok := p.partner[other]; !ok || back != id || other == id {
		panic(fmt.Sprintf("match: asymmetric pairing %q → %q → %q", id, other, back))
	}
	if _, ok := p.waiting[id]; ok {
		panic(fmt.Sprintf("match: %q is both paired and waiting", id))
	}
	if _, ok := p.waiting[other]; ok {
		panic(fmt.Sprintf("match: %q is both paired and waiting", other))
	}
}
