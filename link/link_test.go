package link

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

type linkNode struct {
	id     nodeid.ID
	bus    *events.Bus
	kernel *process.Kernel
	link   *Manager
	tr     *transport.Transport
}

func newLinkNode(t *testing.T, name string, port int) *linkNode {
	id, err := nodeid.New(name, "127.0.0.1", port)
	require.NoError(t, err)
	bus := events.NewBus(nil)
	n := &linkNode{id: id, bus: bus, kernel: process.New(bus)}
	signer := codec.NewSigner("")
	n.link = New(id, n.kernel, signer, nil, bus)
	n.tr = transport.New(id, signer, n.link, 20*time.Millisecond, 100*time.Millisecond)
	n.link.sender = n.tr
	require.NoError(t, n.tr.Start())
	t.Cleanup(func() { n.tr.Stop(); n.link.Close() })
	return n
}

func silentBehavior() process.Behavior { return process.BehaviorFunc{} }

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

// TestRemoteMonitorFiresOnTermination verifies a watcher on node A
// receives process_down when its monitored target on node B terminates
// (spec §4.J "Monitor (one-way)").
func TestRemoteMonitorFiresOnTermination(t *testing.T) {
	a := newLinkNode(t, "a", 19201)
	b := newLinkNode(t, "b", 19202)
	a.tr.Connect(b.id)
	time.Sleep(100 * time.Millisecond)

	received := make(chan ProcessDownMessage, 1)
	watcherRef, err := a.kernel.Start(process.BehaviorFunc{
		HandleCastFn: func(msg any, state any) (any, error) {
			if pd, ok := msg.(ProcessDownMessage); ok {
				received <- pd
			}
			return state, nil
		},
	}, process.StartOptions{})
	require.NoError(t, err)

	targetRef, err := b.kernel.Start(silentBehavior(), process.StartOptions{})
	require.NoError(t, err)

	_, err = a.link.Monitor(watcherRef, process.Ref{ID: targetRef.ID, NodeId: b.id.String()})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, b.kernel.Stop(targetRef, "done"))

	select {
	case pd := <-received:
		assert.Equal(t, string(process.ReasonShutdown), pd.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("process_down not delivered")
	}
}

// TestRemoteLinkPropagatesAbnormalExit verifies an abnormal exit on one
// side of a link terminates the other side with the same reason (spec
// §4.J "Link (bidirectional)").
func TestRemoteLinkPropagatesAbnormalExit(t *testing.T) {
	a := newLinkNode(t, "a", 19211)
	b := newLinkNode(t, "b", 19212)
	a.tr.Connect(b.id)
	time.Sleep(100 * time.Millisecond)

	localRef, err := a.kernel.Start(silentBehavior(), process.StartOptions{})
	require.NoError(t, err)
	targetRef, err := b.kernel.Start(silentBehavior(), process.StartOptions{})
	require.NoError(t, err)

	_, err = a.link.Link(localRef, process.Ref{ID: targetRef.ID, NodeId: b.id.String()})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	b.kernel.ForceTerminate(targetRef, process.Errored(assertErr{}))

	waitUntil(t, func() bool {
		_, ok := a.kernel.Lookup(localRef.ID)
		return !ok
	})
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

// TestMonitorNodeDownFiresNodedown verifies a monitor whose target node
// is lost fires with reason nodedown (spec §4.J "Node loss").
func TestMonitorNodeDownFiresNodedown(t *testing.T) {
	a := newLinkNode(t, "a", 19221)
	ghost, err := nodeid.New("ghost", "127.0.0.1", 19299)
	require.NoError(t, err)

	received := make(chan ProcessDownMessage, 1)
	watcherRef, err := a.kernel.Start(process.BehaviorFunc{
		HandleCastFn: func(msg any, state any) (any, error) {
			if pd, ok := msg.(ProcessDownMessage); ok {
				received <- pd
			}
			return state, nil
		},
	}, process.StartOptions{})
	require.NoError(t, err)

	_, err = a.link.Monitor(watcherRef, process.Ref{ID: "whatever", NodeId: ghost.String()})
	require.NoError(t, err)

	a.link.NodeDown(ghost)

	select {
	case pd := <-received:
		assert.Equal(t, string(process.ReasonNodeDown), pd.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("nodedown process_down not delivered")
	}
}
