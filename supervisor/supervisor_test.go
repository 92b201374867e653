package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/noexrun/noex/internal/events"
	"github.com/noexrun/noex/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingFactory returns a Factory whose Init bumps *starts every time a
// fresh behavior instance is created, and whose HandleCast("die") crashes
// the process — used to drive deterministic restart scenarios.
func countingFactory(starts *int32) Factory {
	return func() process.Behavior {
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
}

type crashSignal string

func (e crashSignal) Error() string { return string(e) }

// TestS2OneForOneIsolation implements spec §8 scenario S2: three
// permanent children under one_for_one; crashing the middle child must
// restart only that child, leaving its siblings' start counts unchanged.
func TestS2OneForOneIsolation(t *testing.T) {
	bus := events.NewBus(nil)
	k := process.New(bus)

	var w1, w2, w3 int32
	sup := New(k, Options{Strategy: OneForOne, MaxRestarts: 3, WithinMs: 5000})
	_, err := sup.Start(
		ChildSpec{ID: "w1", Factory: countingFactory(&w1), Restart: Permanent},
		ChildSpec{ID: "w2", Factory: countingFactory(&w2), Restart: Permanent},
		ChildSpec{ID: "w3", Factory: countingFactory(&w3), Restart: Permanent},
	)
	require.NoError(t, err)

	ref2, ok := sup.ChildRef("w2")
	require.True(t, ok)
	require.NoError(t, k.Cast(ref2, "die"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&w2) != 2 {
		time.Sleep(5 * time.Millisecond)
	}

	assert.EqualValues(t, 1, atomic.LoadInt32(&w1))
	assert.EqualValues(t, 2, atomic.LoadInt32(&w2))
	assert.EqualValues(t, 1, atomic.LoadInt32(&w3))

	require.NoError(t, sup.Stop())
}

// TestS3RestartIntensity implements spec §8 scenario S3: with
// maxRestarts=3 within 5s, a fourth crash inside the window must exceed
// the intensity limit and collapse the supervisor.
func TestS3RestartIntensity(t *testing.T) {
	bus := events.NewBus(nil)
	k := process.New(bus)

	var starts int32
	sup := New(k, Options{Strategy: OneForOne, MaxRestarts: 3, WithinMs: 5000})
	_, err := sup.Start(ChildSpec{ID: "c1", Factory: countingFactory(&starts), Restart: Permanent})
	require.NoError(t, err)

	var collapsed int32
	cancel := bus.Subscribe(context.Background(), func(lc events.Lifecycle) {
		if lc.Kind == events.Crashed && lc.ServerId == sup.Ref().ID {
			atomic.StoreInt32(&collapsed, 1)
		}
	})
	defer cancel()

	for i := 0; i < 4; i++ {
		ref, ok := sup.ChildRef("c1")
		if !ok {
			break
		}
		require.NoError(t, k.Cast(ref, "die"))
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) && atomic.LoadInt32(&collapsed) == 0 {
			if _, stillThere := sup.ChildRef("c1"); !stillThere {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&collapsed) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&collapsed), "supervisor should collapse once restart intensity is exceeded")
}
