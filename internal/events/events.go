// Package events provides the lifecycle event bus consumed by
// supervisors, registries, and the observer (spec §4.D "Observability",
// §6 "Event sink"). It is a thin wrapper around docker/go-events'
// Broadcaster/Channel sinks — the same fan-out-to-many-subscribers shape
// the teacher's own (pre-"engine") events package implemented by hand,
// now backed by the maintained library.
package events

import (
	"context"

	goevents "github.com/docker/go-events"
	"github.com/sirupsen/logrus"
)

// Kind distinguishes lifecycle event types (spec §4.D, §4.L "Events").
type Kind string

const (
	Started         Kind = "started"
	Terminated      Kind = "terminated"
	Crashed         Kind = "crashed"
	SupervisorUp    Kind = "supervisor_started"
	ChildStarted    Kind = "child_started"
	ChildStopped    Kind = "child_stopped"
	ChildRestarted  Kind = "child_restarted"
	ChildMigrated   Kind = "child_migrated"
	NodeFailure     Kind = "node_failure_detected"
	SupervisorDown  Kind = "supervisor_stopped"
	ConflictResolved Kind = "conflict_resolved"
	Unregistered    Kind = "unregistered"
)

// Lifecycle is one emitted event. Fields beyond Kind/ServerId are
// populated as applicable to the kind.
type Lifecycle struct {
	Kind     Kind
	ServerId string
	NodeId   string
	Reason   string
	Err      error
	Attrs    map[string]any
}

// Bus fans lifecycle events out to any number of subscribers. A handler
// that panics is isolated so other subscribers still run (spec §7
// "handlers inside lifecycle subscribers must not themselves throw; if
// they do, the kernel isolates them").
type Bus struct {
	broadcaster *goevents.Broadcaster
	log         *logrus.Entry
}

// NewBus constructs an empty event bus.
func NewBus(log *logrus.Entry) *Bus {
	return &Bus{broadcaster: goevents.NewBroadcaster(), log: log}
}

// Publish emits ev to all current subscribers.
func (b *Bus) Publish(ev Lifecycle) {
	if err := b.broadcaster.Write(ev); err != nil && b.log != nil {
		b.log.WithError(err).Warn("event bus write failed")
	}
}

// Handler receives Lifecycle events pushed through Subscribe.
type Handler func(Lifecycle)

// Subscribe registers handler and returns an unsubscribe function. ctx
// cancellation also stops delivery.
func (b *Bus) Subscribe(ctx context.Context, handler Handler) (cancel func()) {
	ch := goevents.NewChannel(0)
	// the queue keeps a busy handler (including one that publishes
	// events itself) from stalling the broadcaster for everyone else.
	q := goevents.NewQueue(ch)
	b.broadcaster.Add(q)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case ev := <-ch.C:
				b.safeInvoke(handler, ev)
			case <-ch.Done():
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		_ = b.broadcaster.Remove(q)
		_ = ch.Close()
		_ = q.Close()
		<-done
	}
}

func (b *Bus) safeInvoke(handler Handler, ev goevents.Event) {
	defer func() {
		if r := recover(); r != nil && b.log != nil {
			b.log.WithField("panic", r).Error("lifecycle subscriber panicked; isolated")
		}
	}()
	lc, ok := ev.(Lifecycle)
	if !ok {
		return
	}
	handler(lc)
}

// Close shuts the bus down, closing all subscriber channels.
func (b *Bus) Close() error {
	return b.broadcaster.Close()
}
