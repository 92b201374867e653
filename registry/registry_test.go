package registry

import (
	"testing"
	"time"

	"github.com/noexrun/noex/errdefs"
	"github.com/noexrun/noex/internal/events"
	"github.com/noexrun/noex/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterLookup(t *testing.T) {
	r := New(nil)
	ref := process.Ref{ID: "p1"}
	require.NoError(t, r.Register("svc", ref))

	got, err := r.Lookup("svc")
	require.NoError(t, err)
	assert.Equal(t, ref, got)
}

func TestRegisterUnregisterWhereis(t *testing.T) {
	r := New(nil)
	ref := process.Ref{ID: "p1"}
	require.NoError(t, r.Register("svc", ref))
	r.Unregister("svc")

	_, ok := r.Whereis("svc")
	assert.False(t, ok)

	// double-unregister is a no-op (spec §8 testable properties).
	r.Unregister("svc")
}

func TestDuplicateRegisterConflict(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("svc", process.Ref{ID: "p1"}))
	err := r.Register("svc", process.Ref{ID: "p2"})
	require.Error(t, err)
	assert.True(t, errdefs.IsRegistryConflict(err))
}

func TestLookupMissingIsError(t *testing.T) {
	r := New(nil)
	_, err := r.Lookup("missing")
	require.Error(t, err)
	assert.True(t, errdefs.IsGlobalNameNotFound(err))
}

func TestAutoCleanupOnTermination(t *testing.T) {
	bus := events.NewBus(nil)
	r := New(bus)
	defer r.Close()

	ref := process.Ref{ID: "p1"}
	require.NoError(t, r.Register("svc", ref))

	bus.Publish(events.Lifecycle{Kind: events.Terminated, ServerId: "p1"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.Whereis("svc"); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("registry entry was not cleaned up after termination event")
}
