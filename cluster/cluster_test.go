package cluster

import (
	"testing"
	"time"

	"github.com/noexrun/noex/dsupervisor"
	"github.com/noexrun/noex/membership"
	"github.com/noexrun/noex/process"
	"github.com/noexrun/noex/remote"
	"github.com/noexrun/noex/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gotest.tools/v3/poll"
)

// waitUntil polls cond until it reports true or the deadline passes,
// the same convergence-wait idiom the teacher uses for gossip cluster
// tests (networkdb's poll.WaitOn), applied here to membership and
// supervisor state instead of gossip table state.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	check := func(poll.LogT) poll.Result {
		if cond() {
			return poll.Success()
		}
		return poll.Continue("condition not met")
	}
	poll.WaitOn(t, check, poll.WithDelay(10*time.Millisecond), poll.WithTimeout(3*time.Second))
}

func TestConfigValidateRequiresNodeName(t *testing.T) {
	err := Config{}.WithDefaults().Validate()
	require.Error(t, err)
}

func TestConfigValidateRejectsLowHeartbeatInterval(t *testing.T) {
	err := Config{NodeName: "a", HeartbeatIntervalMs: 50}.WithDefaults().Validate()
	require.Error(t, err)
}

func TestConfigValidateRejectsBadSeed(t *testing.T) {
	cfg := Config{NodeName: "a", Seeds: []string{"not-a-node-id"}}.WithDefaults()
	err := cfg.Validate()
	require.Error(t, err)
}

func TestConfigWithDefaultsFillsEveryOption(t *testing.T) {
	cfg := Config{NodeName: "a"}.WithDefaults()
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 4369, cfg.Port)
	assert.EqualValues(t, 5000, cfg.HeartbeatIntervalMs)
	assert.Equal(t, 3, cfg.HeartbeatMissThreshold)
	assert.EqualValues(t, 1000, cfg.ReconnectBaseDelayMs)
	assert.EqualValues(t, 30000, cfg.ReconnectMaxDelayMs)
}

func echoBehavior() process.Behavior {
	return process.BehaviorFunc{
		HandleCallFn: func(msg any, state any) (any, any, error) {
			return msg, state, nil
		},
	}
}

func newTestCluster(t *testing.T, name string, port int, seeds []string) *Cluster {
	t.Helper()
	cfg := Config{
		NodeName:               name,
		Host:                   "127.0.0.1",
		Port:                   port,
		Seeds:                  seeds,
		HeartbeatIntervalMs:    100,
		HeartbeatMissThreshold: 3,
		ReconnectBaseDelayMs:   20,
		ReconnectMaxDelayMs:    100,
	}
	cl, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, cl.Catalog().Register("echo", echoBehavior))
	require.NoError(t, cl.Start())
	t.Cleanup(func() { _ = cl.Stop() })
	return cl
}

func TestTwoNodeClusterJoinsAndExchangesHeartbeats(t *testing.T) {
	a := newTestCluster(t, "clustera", 19451, nil)
	b := newTestCluster(t, "clusterb", 19452, []string{"clustera@127.0.0.1:19451"})

	waitUntil(t, func() bool {
		for _, p := range a.Membership().Snapshot() {
			if p.ID.Equal(b.LocalID()) && p.Status == membership.Connected {
				return true
			}
		}
		return false
	})
	waitUntil(t, func() bool {
		for _, p := range b.Membership().Snapshot() {
			if p.ID.Equal(a.LocalID()) && p.Status == membership.Connected {
				return true
			}
		}
		return false
	})
}

func TestRemoteSpawnAndCallAcrossClusterNodes(t *testing.T) {
	a := newTestCluster(t, "clusterc", 19453, nil)
	b := newTestCluster(t, "clusterd", 19454, []string{"clusterc@127.0.0.1:19453"})

	waitUntil(t, func() bool {
		for _, p := range b.Membership().Snapshot() {
			if p.ID.Equal(a.LocalID()) && p.Status == membership.Connected {
				return true
			}
		}
		return false
	})

	ref, err := b.Remote().Spawn(a.LocalID(), "echo", nil, remote.SpawnOptions{})
	require.NoError(t, err)

	reply, err := b.Remote().Call(ref, "ping", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ping", reply)
}

func TestStartRootSupervisorRegistersWithObserver(t *testing.T) {
	a := newTestCluster(t, "clustere", 19455, nil)

	_, err := a.StartRootSupervisor("root", dsupervisor.Options{
		Strategy:    supervisor.OneForOne,
		MaxRestarts: 3,
		WithinMs:    5000,
	}, dsupervisor.ChildSpec{
		ID:           "w1",
		BehaviorName: "echo",
		Restart:      supervisor.Permanent,
		Placement:    dsupervisor.Fixed,
		FixedNode:    a.LocalID(),
	})
	require.NoError(t, err)

	stats := a.Observer().SupervisorStats("root")
	assert.Equal(t, string(supervisor.OneForOne), stats.Strategy)
	require.Len(t, stats.Children, 1)
	assert.Equal(t, "w1", stats.Children[0].ID)
}
