package process

import (
	"context"
	"testing"
	"time"

	"github.com/noexrun/noex/errdefs"
	"github.com/noexrun/noex/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterBehavior() Behavior {
	return BehaviorFunc{
		InitFn: func(args any) (any, error) { return 0, nil },
		HandleCallFn: func(msg any, state any) (any, any, error) {
			if msg == "get" {
				return state, state, nil
			}
			return nil, state, nil
		},
		HandleCastFn: func(msg any, state any) (any, error) {
			if msg == "inc" {
				return state.(int) + 1, nil
			}
			return state, nil
		},
	}
}

// TestS1LocalCounter implements spec §8 scenario S1.
func TestS1LocalCounter(t *testing.T) {
	k := New(nil)
	ref, err := k.Start(counterBehavior(), StartOptions{})
	require.NoError(t, err)

	require.NoError(t, k.Cast(ref, "inc"))
	require.NoError(t, k.Cast(ref, "inc"))
	require.NoError(t, k.Cast(ref, "inc"))

	v, err := k.Call(ref, "get", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	require.NoError(t, k.Stop(ref, "test done"))

	_, err = k.Call(ref, "get", time.Second)
	require.Error(t, err)
	assert.True(t, errdefs.IsServerNotRunning(err))
}

func TestInitFailureFailsAtomically(t *testing.T) {
	k := New(nil)
	b := BehaviorFunc{InitFn: func(args any) (any, error) { return nil, assertErr }}
	_, err := k.Start(b, StartOptions{Name: "broken"})
	require.Error(t, err)

	// name must be free again for a subsequent Start.
	_, err = k.Start(counterBehavior(), StartOptions{Name: "broken"})
	require.NoError(t, err)
}

var assertErr = initError("boom")

type initError string

func (e initError) Error() string { return string(e) }

func TestDuplicateNameRejected(t *testing.T) {
	k := New(nil)
	_, err := k.Start(counterBehavior(), StartOptions{Name: "svc"})
	require.NoError(t, err)
	_, err = k.Start(counterBehavior(), StartOptions{Name: "svc"})
	require.Error(t, err)
	assert.True(t, errdefs.IsRegistryConflict(err))
}

func TestHandlerCrashTerminatesProcess(t *testing.T) {
	k := New(nil)
	b := BehaviorFunc{
		InitFn: func(args any) (any, error) { return 0, nil },
		HandleCallFn: func(msg any, state any) (any, any, error) {
			return nil, state, initError("handler crashed")
		},
	}
	ref, err := k.Start(b, StartOptions{})
	require.NoError(t, err)

	_, err = k.Call(ref, "x", time.Second)
	require.Error(t, err)

	// give the dispatch loop's finalize a moment to run (it races with
	// the reject on the same goroutine in this implementation, but the
	// process record cleanup happens before the pending rejection is
	// visible to the caller is not guaranteed ordering-wise; poll).
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := k.Call(ref, "x", 50*time.Millisecond); err != nil && errdefs.IsServerNotRunning(err) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("process did not terminate after handler crash")
}

func TestCallTimeoutOrphansHandlerReply(t *testing.T) {
	k := New(nil)
	release := make(chan struct{})
	b := BehaviorFunc{
		InitFn: func(args any) (any, error) { return nil, nil },
		HandleCallFn: func(msg any, state any) (any, any, error) {
			<-release
			return "late", state, nil
		},
	}
	ref, err := k.Start(b, StartOptions{})
	require.NoError(t, err)

	_, err = k.Call(ref, "x", 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errdefs.IsCallTimeout(err))
	close(release)

	// the late reply must not panic or wedge anything.
	time.Sleep(20 * time.Millisecond)
	v, err := k.Call(ref, "get-is-undefined-but-fine", 100*time.Millisecond)
	_ = v
	_ = err // behavior doesn't define this branch; just verifying no crash/hang
}

func TestLifecycleEventsPublished(t *testing.T) {
	bus := events.NewBus(nil)
	k := New(bus)

	var got []events.Kind
	done := make(chan struct{})
	cancel := bus.Subscribe(context.Background(), func(lc events.Lifecycle) {
		got = append(got, lc.Kind)
		if lc.Kind == events.Terminated {
			close(done)
		}
	})
	defer cancel()

	ref, err := k.Start(counterBehavior(), StartOptions{})
	require.NoError(t, err)
	require.NoError(t, k.Stop(ref, ""))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for terminated event")
	}
	assert.Contains(t, got, events.Started)
	assert.Contains(t, got, events.Terminated)
}
