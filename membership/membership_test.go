package membership

import (
	"sync"
	"testing"
	"time"

	"github.com/noexrun/noex/codec"
	"github.com/noexrun/noex/nodeid"
	"github.com/noexrun/noex/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingUpper struct {
	mu      sync.Mutex
	ups     []PeerInfo
	downs   []nodeid.ID
	reasons []string
}

func (u *recordingUpper) NodeUp(info PeerInfo) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ups = append(u.ups, info)
}

func (u *recordingUpper) NodeDown(id nodeid.ID, reason string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.downs = append(u.downs, id)
	u.reasons = append(u.reasons, reason)
}

func (u *recordingUpper) StatusChange(ClusterStatus) {}

func (u *recordingUpper) Message(nodeid.ID, codec.Envelope) {}

func (u *recordingUpper) upCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.ups)
}

func (u *recordingUpper) downCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.downs)
}

func mustID(t *testing.T, name, host string, port int) nodeid.ID {
	id, err := nodeid.New(name, host, port)
	require.NoError(t, err)
	return id
}

func newTestMembership(t *testing.T, id nodeid.ID, port int, opts Options) (*Membership, *recordingUpper) {
	signer := codec.NewSigner("")
	upper := &recordingUpper{}
	m := New(id, nil, signer, upper, opts)
	tr := transport.New(id, signer, m, 20*time.Millisecond, 100*time.Millisecond)
	m.tr = tr
	require.NoError(t, tr.Start())
	t.Cleanup(func() { tr.Stop() })
	_ = port
	return m, upper
}

// TestSeedBootstrapAndGossipDiscovery verifies a third node, seeded with
// only one of two already-connected peers, discovers the other via
// gossip of the known-peer set (spec §4.C "Gossip").
func TestSeedBootstrapAndGossipDiscovery(t *testing.T) {
	idA := mustID(t, "a", "127.0.0.1", 19001)
	idB := mustID(t, "b", "127.0.0.1", 19002)
	idC := mustID(t, "c", "127.0.0.1", 19003)

	opts := Options{HeartbeatInterval: 50 * time.Millisecond, HeartbeatMissThreshold: 5}
	mA, _ := newTestMembership(t, idA, 19001, opts)
	mB, _ := newTestMembership(t, idB, 19002, opts)
	mC, upperC := newTestMembership(t, idC, 19003, opts)

	mA.Start(nil)
	mB.Start([]nodeid.ID{idA})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && (len(mA.Snapshot()) == 0 || len(mB.Snapshot()) == 0) {
		time.Sleep(10 * time.Millisecond)
	}
	require.NotEmpty(t, mA.Snapshot())
	require.NotEmpty(t, mB.Snapshot())

	// C only knows about A; it must learn about B from A's gossip.
	mC.Start([]nodeid.ID{idA})

	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && upperC.upCount() < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, upperC.upCount(), 2, "C should discover both A and B")
}

// TestHeartbeatTimeoutMarksDown verifies a peer that stops sending
// heartbeats and shuts its transport down is declared down exactly
// once, whether the heartbeat sweep or the lost connection notices it
// first (spec §4.C "Heartbeat").
func TestHeartbeatTimeoutMarksDown(t *testing.T) {
	idA := mustID(t, "a", "127.0.0.1", 19011)
	idB := mustID(t, "b", "127.0.0.1", 19012)

	opts := Options{HeartbeatInterval: 30 * time.Millisecond, HeartbeatMissThreshold: 2}
	mA, upperA := newTestMembership(t, idA, 19011, opts)
	mB, _ := newTestMembership(t, idB, 19012, opts)

	mA.Start(nil)
	mB.Start([]nodeid.ID{idA})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && upperA.upCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, upperA.upCount())

	mB.Stop()
	mB.tr.Stop()

	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && upperA.downCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, upperA.downCount())
}

// TestSeedDialFailureIsNonFatal verifies Start tolerates an unreachable
// seed without blocking or panicking (spec §4.C "Seed bootstrap").
func TestSeedDialFailureIsNonFatal(t *testing.T) {
	idA := mustID(t, "a", "127.0.0.1", 19021)
	unreachable := mustID(t, "ghost", "127.0.0.1", 19999)

	opts := Options{HeartbeatInterval: 30 * time.Millisecond, HeartbeatMissThreshold: 3}
	mA, _ := newTestMembership(t, idA, 19021, opts)

	require.NotPanics(t, func() {
		mA.Start([]nodeid.ID{unreachable})
	})
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, mA.Snapshot())
}
