package dsupervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/noexrun/noex/catalog"
	"github.com/noexrun/noex/codec"
	"github.com/noexrun/noex/global"
	"github.com/noexrun/noex/internal/events"
	"github.com/noexrun/noex/link"
	"github.com/noexrun/noex/membership"
	"github.com/noexrun/noex/nodeid"
	"github.com/noexrun/noex/process"
	"github.com/noexrun/noex/registry"
	"github.com/noexrun/noex/remote"
	"github.com/noexrun/noex/supervisor"
	"github.com/noexrun/noex/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lazySender defers to a transport.Transport constructed after the
// component holding the sender — remote.New and link.New both require
// a non-nil Sender up front, but the Transport in turn needs a Handler
// built from those same components, so the Transport is wired in once
// it exists.
type lazySender struct{ tr *transport.Transport }

func (l *lazySender) Send(peer nodeid.ID, framed []byte) {
	if l.tr != nil {
		l.tr.Send(peer, framed)
	}
}

// dispatcher fans an inbound envelope out to whichever component
// claims its message kind — the same composite routing the top-level
// cluster wiring performs in production.
type dispatcher struct {
	remote *remote.Remote
	link   *link.Manager
	global *global.Registry
}

func (d *dispatcher) Message(peer nodeid.ID, env codec.Envelope) {
	kind := env.Payload.Type
	switch {
	case remote.Handles(kind):
		d.remote.Message(peer, env)
	case link.Handles(kind):
		d.link.Message(peer, env)
	case global.Handles(kind):
		d.global.Message(peer, env)
	}
}

func (d *dispatcher) PeerUp(peer nodeid.ID) {
	d.remote.PeerUp(peer)
	d.link.PeerUp(peer)
	d.global.PeerUp(peer)
}

func (d *dispatcher) PeerDown(peer nodeid.ID, reason transport.PeerDownReason) {
	d.remote.PeerDown(peer, reason)
	d.link.PeerDown(peer, reason)
	d.global.PeerDown(peer, reason)
}

type fakeLister struct {
	mu    sync.Mutex
	peers []membership.PeerInfo
}

func (f *fakeLister) Snapshot() []membership.PeerInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]membership.PeerInfo(nil), f.peers...)
}

func (f *fakeLister) set(peers ...membership.PeerInfo) {
	f.mu.Lock()
	f.peers = peers
	f.mu.Unlock()
}

type dNode struct {
	id      nodeid.ID
	bus     *events.Bus
	kernel  *process.Kernel
	catalog *catalog.Catalog
	reg     *registry.Registry
	remote  *remote.Remote
	link    *link.Manager
	global  *global.Registry
	lister  *fakeLister
	tr      *transport.Transport
}

func newDNode(t *testing.T, name string, port int) *dNode {
	id, err := nodeid.New(name, "127.0.0.1", port)
	require.NoError(t, err)

	bus := events.NewBus(nil)
	signer := codec.NewSigner("")
	n := &dNode{
		id:      id,
		bus:     bus,
		kernel:  process.New(bus),
		catalog: catalog.New(),
		reg:     registry.New(bus),
		lister:  &fakeLister{},
	}
	sender := &lazySender{}
	n.remote = remote.New(id, n.kernel, n.catalog, n.reg, signer, sender)
	n.link = link.New(id, n.kernel, signer, sender, bus)
	n.global = global.New(id, signer, nil, bus)
	n.remote.SetGlobalRegistrar(n.global)

	d := &dispatcher{remote: n.remote, link: n.link, global: n.global}
	n.tr = transport.New(id, signer, d, 20*time.Millisecond, 100*time.Millisecond)
	sender.tr = n.tr
	n.global.SetSender(n.tr)

	require.NoError(t, n.tr.Start())
	n.global.Start()
	t.Cleanup(func() {
		n.global.Stop()
		n.tr.Stop()
		n.link.Close()
	})
	return n
}

func waitUntil(t *testing.T, cond func() bool) {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type crashSignal string

func (e crashSignal) Error() string { return string(e) }

func countingBehavior(starts *int32) process.Behavior {
	return process.BehaviorFunc{
		InitFn: func(args any) (any, error) {
			atomic.AddInt32(starts, 1)
			return nil, nil
		},
		HandleCastFn: func(msg any, state any) (any, error) {
			if msg == "die" {
				return nil, crashSignal("boom")
			}
			return state, nil
		},
	}
}

// TestPlacementFixedNoAvailableNode verifies a fixed placement naming a
// node absent from the connected set fails with NoAvailableNode (spec
// §4.L "fixed: explicit node or NoAvailableNode").
func TestPlacementFixedNoAvailableNode(t *testing.T) {
	local, err := nodeid.New("a", "127.0.0.1", 19401)
	require.NoError(t, err)
	absent, err := nodeid.New("ghost", "127.0.0.1", 19499)
	require.NoError(t, err)

	bus := events.NewBus(nil)
	k := process.New(bus)
	lister := &fakeLister{}
	ds := New(local, k, nil, nil, nil, lister, Options{})

	_, err = ds.placeFor(ChildSpec{ID: "c1", Placement: Fixed, FixedNode: absent})
	require.Error(t, err)
}

// TestPlacementRoundRobinRotates verifies successive round_robin
// placements rotate deterministically across the connected set,
// including the local node (spec §4.L "round_robin").
func TestPlacementRoundRobinRotates(t *testing.T) {
	local, err := nodeid.New("a", "127.0.0.1", 19402)
	require.NoError(t, err)
	peer, err := nodeid.New("b", "127.0.0.1", 19403)
	require.NoError(t, err)

	bus := events.NewBus(nil)
	k := process.New(bus)
	lister := &fakeLister{}
	lister.set(membership.PeerInfo{ID: peer, Status: membership.Connected})
	ds := New(local, k, nil, nil, nil, lister, Options{})

	connected := ds.connectedNodes()
	require.Len(t, connected, 2)

	seen := map[string]bool{}
	for i := 0; i < len(connected); i++ {
		n, err := ds.placeFor(ChildSpec{ID: "c1", Placement: RoundRobin})
		require.NoError(t, err)
		seen[n.String()] = true
	}
	assert.Len(t, seen, 2)
}

// TestPlacementLeastLoadedPrefersLighterNode verifies least_loaded
// picks the node with the smaller cached processCount (spec §4.L
// "least_loaded").
func TestPlacementLeastLoadedPrefersLighterNode(t *testing.T) {
	local, err := nodeid.New("a", "127.0.0.1", 19404)
	require.NoError(t, err)
	peer, err := nodeid.New("b", "127.0.0.1", 19405)
	require.NoError(t, err)

	bus := events.NewBus(nil)
	k := process.New(bus)
	lister := &fakeLister{}
	lister.set(membership.PeerInfo{ID: peer, Status: membership.Connected})
	ds := New(local, k, nil, nil, nil, lister, Options{})

	ds.loadCache.Add(local.String(), 50)
	ds.loadCache.Add(peer.String(), 2)

	n, err := ds.placeFor(ChildSpec{ID: "c1", Placement: LeastLoaded})
	require.NoError(t, err)
	assert.True(t, n.Equal(peer))
}

// TestPlacementFunctionPolicy verifies the function policy delegates to
// user code and surfaces InvalidClusterConfig when none is configured
// (spec §4.L "function").
func TestPlacementFunctionPolicy(t *testing.T) {
	local, err := nodeid.New("a", "127.0.0.1", 19406)
	require.NoError(t, err)

	bus := events.NewBus(nil)
	k := process.New(bus)
	lister := &fakeLister{}

	ds := New(local, k, nil, nil, nil, lister, Options{})
	_, err = ds.placeFor(ChildSpec{ID: "c1", Placement: FunctionPolicy})
	require.Error(t, err)

	called := false
	ds2 := New(local, k, nil, nil, nil, lister, Options{PlacementFunc: func(connected []nodeid.ID, childId string) (nodeid.ID, error) {
		called = true
		return connected[0], nil
	}})
	n, err := ds2.placeFor(ChildSpec{ID: "c1", Placement: FunctionPolicy})
	require.NoError(t, err)
	assert.True(t, called)
	assert.True(t, n.Equal(local))
}

// TestDistributedSpawnPlacesOnFixedNode verifies Start spawns the
// child's process on the node a fixed placement names, not under the
// supervisor's own kernel (spec §4.L "the supervisor itself lives on
// one node and holds only child metadata").
func TestDistributedSpawnPlacesOnFixedNode(t *testing.T) {
	a := newDNode(t, "a", 19411)
	b := newDNode(t, "b", 19412)
	require.NoError(t, b.catalog.Register("worker", func() process.Behavior { return countingBehavior(new(int32)) }))
	a.tr.Connect(b.id)
	time.Sleep(150 * time.Millisecond)

	lister := &fakeLister{}
	lister.set(membership.PeerInfo{ID: b.id, Status: membership.Connected})

	ds := New(a.id, a.kernel, a.remote, a.link, a.global, lister, Options{Strategy: supervisor.OneForOne, MaxRestarts: 3, WithinMs: 5000})
	_, err := ds.Start(ChildSpec{ID: "w1", BehaviorName: "worker", Restart: supervisor.Permanent, Placement: Fixed, FixedNode: b.id})
	require.NoError(t, err)
	t.Cleanup(func() { ds.Stop() })

	ref, ok := ds.ChildRef("w1")
	require.True(t, ok)
	assert.Equal(t, b.id.String(), ref.NodeId)

	waitUntil(t, func() bool {
		_, found := b.kernel.Lookup(ref.ID)
		return found
	})
}

// TestDistributedChildRestartOnCrash verifies a crash on the remote
// node's child is observed through the monitor and triggers a restart
// placed by the same policy (spec §4.L "Failover").
func TestDistributedChildRestartOnCrash(t *testing.T) {
	a := newDNode(t, "a", 19421)
	b := newDNode(t, "b", 19422)
	var starts int32
	require.NoError(t, b.catalog.Register("worker", func() process.Behavior { return countingBehavior(&starts) }))
	a.tr.Connect(b.id)
	time.Sleep(150 * time.Millisecond)

	lister := &fakeLister{}
	lister.set(membership.PeerInfo{ID: b.id, Status: membership.Connected})

	ds := New(a.id, a.kernel, a.remote, a.link, a.global, lister, Options{Strategy: supervisor.OneForOne, MaxRestarts: 3, WithinMs: 5000})
	_, err := ds.Start(ChildSpec{ID: "w1", BehaviorName: "worker", Restart: supervisor.Permanent, Placement: Fixed, FixedNode: b.id})
	require.NoError(t, err)
	t.Cleanup(func() { ds.Stop() })

	waitUntil(t, func() bool { return atomic.LoadInt32(&starts) == 1 })

	restarted := make(chan events.Lifecycle, 4)
	cancel := a.bus.Subscribe(context.Background(), func(lc events.Lifecycle) {
		if lc.Kind == events.ChildRestarted {
			select {
			case restarted <- lc:
			default:
			}
		}
	})
	defer cancel()

	ref, ok := ds.ChildRef("w1")
	require.True(t, ok)
	require.NoError(t, a.remote.Cast(ref, "die"))

	waitUntil(t, func() bool { return atomic.LoadInt32(&starts) == 2 })

	select {
	case lc := <-restarted:
		assert.Equal(t, "w1", lc.ServerId)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a child_restarted event")
	}
}

// TestNodeDownAggregatesAffectedChildren verifies NodeDown batches
// every child placed on the lost node into one node_failure_detected
// event naming all of them (spec §4.L "Events": "node_failure_detected
// {nodeId, affectedChildren}").
func TestNodeDownAggregatesAffectedChildren(t *testing.T) {
	a := newDNode(t, "a", 19431)
	b := newDNode(t, "b", 19432)
	require.NoError(t, b.catalog.Register("worker", func() process.Behavior { return countingBehavior(new(int32)) }))
	a.tr.Connect(b.id)
	time.Sleep(150 * time.Millisecond)

	lister := &fakeLister{}
	lister.set(membership.PeerInfo{ID: b.id, Status: membership.Connected})

	ds := New(a.id, a.kernel, a.remote, a.link, a.global, lister, Options{Strategy: supervisor.OneForOne, MaxRestarts: 5, WithinMs: 5000})
	_, err := ds.Start(
		ChildSpec{ID: "w1", BehaviorName: "worker", Restart: supervisor.Permanent, Placement: Fixed, FixedNode: b.id},
		ChildSpec{ID: "w2", BehaviorName: "worker", Restart: supervisor.Permanent, Placement: Fixed, FixedNode: b.id},
	)
	require.NoError(t, err)
	t.Cleanup(func() { ds.Stop() })

	var failure events.Lifecycle
	got := make(chan struct{})
	cancel := a.bus.Subscribe(context.Background(), func(lc events.Lifecycle) {
		if lc.Kind == events.NodeFailure {
			failure = lc
			close(got)
		}
	})
	defer cancel()

	ds.NodeDown(b.id)

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a node_failure_detected event")
	}
	affected, _ := failure.Attrs["affectedChildren"].([]string)
	assert.ElementsMatch(t, []string{"w1", "w2"}, affected)
}

// TestSupervisorCollapsesOnMaxRestartsExceeded verifies exceeding the
// restart intensity within the window collapses the supervisor itself
// (spec §4.E "Restart intensity", carried into §4.L).
func TestSupervisorCollapsesOnMaxRestartsExceeded(t *testing.T) {
	a := newDNode(t, "a", 19441)
	b := newDNode(t, "b", 19442)
	var starts int32
	require.NoError(t, b.catalog.Register("worker", func() process.Behavior { return countingBehavior(&starts) }))
	a.tr.Connect(b.id)
	time.Sleep(150 * time.Millisecond)

	lister := &fakeLister{}
	lister.set(membership.PeerInfo{ID: b.id, Status: membership.Connected})

	ds := New(a.id, a.kernel, a.remote, a.link, a.global, lister, Options{Strategy: supervisor.OneForOne, MaxRestarts: 1, WithinMs: 5000})
	ref, err := ds.Start(ChildSpec{ID: "w1", BehaviorName: "worker", Restart: supervisor.Permanent, Placement: Fixed, FixedNode: b.id})
	require.NoError(t, err)

	crashed := make(chan struct{})
	cancel := a.bus.Subscribe(context.Background(), func(lc events.Lifecycle) {
		if lc.Kind == events.Crashed && lc.ServerId == ref.ID {
			close(crashed)
		}
	})
	defer cancel()

	waitUntil(t, func() bool { return atomic.LoadInt32(&starts) == 1 })
	childRef, ok := ds.ChildRef("w1")
	require.True(t, ok)
	require.NoError(t, a.remote.Cast(childRef, "die"))
	waitUntil(t, func() bool { return atomic.LoadInt32(&starts) == 2 })

	childRef, ok = ds.ChildRef("w1")
	require.True(t, ok)
	require.NoError(t, a.remote.Cast(childRef, "die"))

	select {
	case <-crashed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the supervisor's own process to crash")
	}
}
