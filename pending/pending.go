// Package pending implements the pending-call correlation table shared
// by the local process kernel (spec §4.D) and remote call/spawn
// machinery (spec §4.I, §4.G): for each in-flight call, a resolver/
// rejecter pair, a timeout timer, and (for remote calls) the peer node
// id the call is addressed to, so a lost peer can reject every call
// addressed to it in one sweep.
package pending

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/noexrun/noex/errdefs"
)

// entry is one in-flight call's bookkeeping (spec §3 "Call-correlation
// table").
type entry struct {
	id        string
	owner     string // target server id, for termination-triggered rejection
	nodeId    string // peer node id, for NodeLost rejection; "" for local calls
	timer     *time.Timer
	done      chan struct{}
	resolved  bool
	result    any
	err       error
	mu        sync.Mutex
}

// Stats are the cumulative counters described in spec §4.G.
type Stats struct {
	Initiated int64
	Resolved  int64
	Rejected  int64
	TimedOut  int64
	Cast      int64
}

// Table correlates call ids to their pending awaiters.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry

	initiated, resolved, rejected, timedOut, cast int64
}

// New returns an empty pending-call table.
func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Register installs a new pending call under id, owned by server
// ownerServerId (may be "" if not tied to a specific local server), with
// an optional peer nodeId (remote calls) and a timeout. It returns a
// function the caller blocks on to obtain the eventual result.
func (t *Table) Register(id, ownerServerId, nodeId string, timeout time.Duration) (wait func() (any, error)) {
	e := &entry{id: id, owner: ownerServerId, nodeId: nodeId, done: make(chan struct{})}
	t.mu.Lock()
	t.entries[id] = e
	t.initiated++
	t.mu.Unlock()

	e.timer = time.AfterFunc(timeout, func() {
		t.timeoutFire(id, timeout)
	})

	return func() (any, error) {
		<-e.done
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.result, e.err
	}
}

func (t *Table) take(id string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil
	}
	delete(t.entries, id)
	return e
}

func (t *Table) timeoutFire(id string, timeout time.Duration) {
	e := t.take(id)
	if e == nil {
		return // already resolved/rejected — late fire, ignore
	}
	t.mu.Lock()
	t.timedOut++
	t.rejected++
	t.mu.Unlock()
	e.finish(nil, errdefs.NewCallTimeout(e.owner, e.nodeId, timeout.Milliseconds()))
}

func (e *entry) finish(result any, err error) {
	e.mu.Lock()
	e.result, e.err, e.resolved = result, err, true
	e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
	}
	close(e.done)
}

// Resolve delivers result to the awaiter for id, if still pending. A
// reply arriving after timeout (id already removed) is silently
// discarded, per spec §4.D.
func (t *Table) Resolve(id string, result any) {
	e := t.take(id)
	if e == nil {
		return
	}
	t.mu.Lock()
	t.resolved++
	t.mu.Unlock()
	e.finish(result, nil)
}

// Reject rejects the awaiter for id with err, if still pending.
func (t *Table) Reject(id string, err error) {
	e := t.take(id)
	if e == nil {
		return
	}
	t.mu.Lock()
	t.rejected++
	t.mu.Unlock()
	e.finish(nil, err)
}

// RejectOwner rejects every pending call targeting ownerServerId with
// err — used when the target process terminates while calls are
// in-flight (spec §4.D, §4.G).
func (t *Table) RejectOwner(ownerServerId string, err error) {
	t.forEachMatching(func(e *entry) bool { return e.owner == ownerServerId }, err)
}

// RejectNode rejects every pending call addressed to nodeId with err —
// used on peer loss (spec §4.I "Peer-loss reconciliation", §4.G).
func (t *Table) RejectNode(nodeId string, err error) {
	t.forEachMatching(func(e *entry) bool { return e.nodeId == nodeId }, err)
}

func (t *Table) forEachMatching(match func(*entry) bool, err error) {
	t.mu.Lock()
	var matched []*entry
	for id, e := range t.entries {
		if match(e) {
			matched = append(matched, e)
			delete(t.entries, id)
		}
	}
	t.rejected += int64(len(matched))
	t.mu.Unlock()

	for _, e := range matched {
		e.finish(nil, err)
	}
}

// CountCast increments the cast counter (spec §4.G "Statistics": casts
// never establish a pending entry, but are still counted).
func (t *Table) CountCast() {
	atomic.AddInt64(&t.cast, 1)
}

// Snapshot returns the cumulative statistics.
func (t *Table) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Initiated: t.initiated,
		Resolved:  t.resolved,
		Rejected:  t.rejected,
		TimedOut:  t.timedOut,
		Cast:      atomic.LoadInt64(&t.cast),
	}
}

// Len reports the number of currently pending entries (for tests/
// observer snapshots).
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
