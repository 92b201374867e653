// Package dsupervisor implements the distributed supervisor (spec
// §4.L): supervisor.Supervisor's strategies and restart intensity
// extended across node boundaries, where a child's process lives on
// whichever node placement selects rather than under the supervisor's
// own kernel.
package dsupervisor

import (
	"time"

	"github.com/noexrun/noex/nodeid"
	"github.com/noexrun/noex/process"
	"github.com/noexrun/noex/supervisor"
)

// PlacementPolicy selects the node a child starts on (spec §4.L
// "Placement").
type PlacementPolicy string

const (
	Fixed           PlacementPolicy = "fixed"
	LocalFirst      PlacementPolicy = "local_first"
	RoundRobin      PlacementPolicy = "round_robin"
	LeastLoaded     PlacementPolicy = "least_loaded"
	Random          PlacementPolicy = "random"
	FunctionPolicy  PlacementPolicy = "function"
)

// PlacementFunc is user code consulted for FunctionPolicy placement
// (spec §4.L "function: call user code with (connectedNodes, childId)").
// It must return one of the nodes in connected.
type PlacementFunc func(connected []nodeid.ID, childId string) (nodeid.ID, error)

// ChildSpec declares one distributed child (spec §4.L, generalizing
// supervisor.ChildSpec from a local factory to a catalog-registered
// behavior name any node can spawn).
type ChildSpec struct {
	ID                string
	BehaviorName      string
	InitArgs          any
	Restart           supervisor.RestartPolicy
	ShutdownTimeoutMs int
	Significant       bool

	Placement PlacementPolicy
	FixedNode nodeid.ID // used when Placement == Fixed

	// RegisterGlobal registers the child under its ID in the global
	// registry (§4.K) once placement succeeds (spec §4.L "Start":
	// "optionally register under childId globally").
	RegisterGlobal bool
}

func (c ChildSpec) shutdownTimeout() time.Duration {
	if c.ShutdownTimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.ShutdownTimeoutMs) * time.Millisecond
}

// Options configures a DistSupervisor (spec §4.L, restart intensity and
// strategy carried verbatim from 4.E).
type Options struct {
	Strategy      supervisor.Strategy
	MaxRestarts   int
	WithinMs      int64
	AutoShutdown  supervisor.AutoShutdownMode
	PlacementFunc PlacementFunc // required when any ChildSpec uses FunctionPolicy
	LoadCacheSize int           // bound on the least_loaded processCount cache
}

func (o Options) withDefaults() Options {
	if o.Strategy == "" {
		o.Strategy = supervisor.OneForOne
	}
	if o.MaxRestarts == 0 {
		o.MaxRestarts = 3
	}
	if o.WithinMs == 0 {
		o.WithinMs = 5000
	}
	if o.LoadCacheSize <= 0 {
		o.LoadCacheSize = 256
	}
	return o
}

// runningChild is the bookkeeping kept for one placed-and-monitored
// child. proxyRef is a trivial local process whose sole purpose is to
// anchor the bidirectional link used to force-terminate the remote
// child on deliberate stop/restart (spec §4.L "Start": spawn + monitor;
// there is no standalone remote-kill primitive in §4.I, so termination
// is driven the same way link.Manager already drives exit propagation).
type runningChild struct {
	ref       process.Ref
	nodeId    nodeid.ID
	proxyRef  process.Ref
	linkId    string
	monitorId string
	startedAt time.Time
	attempt   int
	terminal  bool // removed via TerminateChild; a pending process_down for it is expected and ignored
}

// ChildStatus is the read-only view of one running (possibly remote)
// child exposed to observers (spec §4.M "get_supervisor_stats").
type ChildStatus struct {
	Ref          process.Ref
	NodeId       nodeid.ID
	RestartCount int
}
