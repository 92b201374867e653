package global

import (
	"testing"
	"time"

	"github.com/noexrun/noex/codec"
	"github.com/noexrun/noex/internal/events"
	"github.com/noexrun/noex/nodeid"
	"github.com/noexrun/noex/process"
	"github.com/noexrun/noex/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gNode struct {
	id  nodeid.ID
	bus *events.Bus
	reg *Registry
	tr  *transport.Transport
}

func newGNode(t *testing.T, name string, port int) *gNode {
	id, err := nodeid.New(name, "127.0.0.1", port)
	require.NoError(t, err)
	bus := events.NewBus(nil)
	signer := codec.NewSigner("")
	n := &gNode{id: id, bus: bus, reg: New(id, signer, nil, bus)}
	n.tr = transport.New(id, signer, n.reg, 20*time.Millisecond, 100*time.Millisecond)
	n.reg.SetSender(n.tr)
	require.NoError(t, n.tr.Start())
	n.reg.Start()
	t.Cleanup(func() { n.reg.Stop(); n.tr.Stop() })
	return n
}

func waitUntil(t *testing.T, cond func() bool) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

// TestRegisterReplicatesToPeer verifies a local registration is visible
// on a connected peer's own copy of the table (spec §4.K "register").
func TestRegisterReplicatesToPeer(t *testing.T) {
	a := newGNode(t, "a", 19301)
	b := newGNode(t, "b", 19302)
	a.tr.Connect(b.id)
	time.Sleep(100 * time.Millisecond)

	ref := process.Ref{ID: "worker-1", NodeId: a.id.String()}
	require.NoError(t, a.reg.Register("worker", ref))

	waitUntil(t, func() bool { return b.reg.IsRegistered("worker") })
	got, ok := b.reg.Lookup("worker")
	require.True(t, ok)
	assert.Equal(t, ref, got)
}

// TestRegisterConflictSameNode verifies a second registration of an
// already-taken name fails locally rather than silently overwriting it
// (spec §4.K "Local conflict signals GlobalNameConflict").
func TestRegisterConflictSameNode(t *testing.T) {
	a := newGNode(t, "a", 19311)

	require.NoError(t, a.reg.Register("svc", process.Ref{ID: "one", NodeId: a.id.String()}))
	err := a.reg.Register("svc", process.Ref{ID: "two", NodeId: a.id.String()})
	require.Error(t, err)
}

// TestUnregisterPropagates verifies an owner-initiated unregister is
// explicitly propagated to peers rather than left for node-down cleanup
// (SPEC_FULL §9 Open Question 1).
func TestUnregisterPropagates(t *testing.T) {
	a := newGNode(t, "a", 19321)
	b := newGNode(t, "b", 19322)
	a.tr.Connect(b.id)
	time.Sleep(100 * time.Millisecond)

	ref := process.Ref{ID: "worker-1", NodeId: a.id.String()}
	require.NoError(t, a.reg.Register("worker", ref))
	waitUntil(t, func() bool { return b.reg.IsRegistered("worker") })

	require.NoError(t, a.reg.Unregister("worker"))
	waitUntil(t, func() bool { return !b.reg.IsRegistered("worker") })
}

// TestNodeDownRemovesOwnedEntries verifies losing a peer removes every
// entry it owned (spec §4.K "Node loss").
func TestNodeDownRemovesOwnedEntries(t *testing.T) {
	a := newGNode(t, "a", 19331)

	ghostOwner := "ghost@127.0.0.1:19399"
	require.NoError(t, a.reg.Register("remote-svc", process.Ref{ID: "x", NodeId: ghostOwner}))
	require.True(t, a.reg.IsRegistered("remote-svc"))

	ghost, err := nodeid.New("ghost", "127.0.0.1", 19399)
	require.NoError(t, err)
	a.reg.NodeDown(ghost)

	assert.False(t, a.reg.IsRegistered("remote-svc"))
}

// TestMergeConflictSmallerRegisteredAtWins verifies the last-writer-wins
// rule resolves a concurrent-registration conflict by earliest
// registeredAt (spec §4.K "Merge & conflict" step 3).
func TestMergeConflictSmallerRegisteredAtWins(t *testing.T) {
	a := newGNode(t, "a", 19341)

	early := Entry{Name: "svc", Ref: process.Ref{ID: "early", NodeId: "nodeA"}, Owner: "nodeA", RegisteredAt: 100, Priority: 5}
	late := Entry{Name: "svc", Ref: process.Ref{ID: "late", NodeId: "nodeB"}, Owner: "nodeB", RegisteredAt: 200, Priority: 1}

	a.reg.merge(late)
	a.reg.merge(early)

	got, ok := a.reg.Lookup("svc")
	require.True(t, ok)
	assert.Equal(t, "early", got.ID)
}
