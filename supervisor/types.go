// Package supervisor implements the local supervisor (spec §4.E):
// declared restart strategies, bounded restart intensity, and ordered
// shutdown, built on top of the process kernel (§4.D).
package supervisor

import (
	"time"

	"github.com/noexrun/noex/process"
)

// Strategy selects how sibling children react to one child's exit
// (spec §4.E "Strategies").
type Strategy string

const (
	OneForOne       Strategy = "one_for_one"
	OneForAll       Strategy = "one_for_all"
	RestForOne      Strategy = "rest_for_one"
	SimpleOneForOne Strategy = "simple_one_for_one"
)

// RestartPolicy selects when a child is restarted after exit (spec §4.E
// "Restart policy per child").
type RestartPolicy string

const (
	Permanent RestartPolicy = "permanent"
	Transient RestartPolicy = "transient"
	Temporary RestartPolicy = "temporary"
)

// AutoShutdownMode controls when a supervisor stops itself because its
// significant children have exited (spec §4.E "Auto-shutdown").
type AutoShutdownMode string

const (
	AutoShutdownNone AutoShutdownMode = ""
	AllSignificant   AutoShutdownMode = "all_significant"
	AnySignificant   AutoShutdownMode = "any_significant"
)

// Factory builds a fresh Behavior instance for a child — child specs
// hold a factory, not a running process, so restarts always start from
// a clean behavior value (spec §3 "Child spec").
type Factory func() process.Behavior

// ChildSpec declares one supervised child (spec §3 "Child spec").
type ChildSpec struct {
	ID                string
	Factory           Factory
	InitArgs          any
	Restart           RestartPolicy
	ShutdownTimeoutMs int
	Significant       bool
}

func (c ChildSpec) shutdownTimeout() time.Duration {
	if c.ShutdownTimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.ShutdownTimeoutMs) * time.Millisecond
}

// Options configures a Supervisor (spec §4.E).
type Options struct {
	Strategy     Strategy
	MaxRestarts  int
	WithinMs     int64
	AutoShutdown AutoShutdownMode
}

func (o Options) withDefaults() Options {
	if o.Strategy == "" {
		o.Strategy = OneForOne
	}
	if o.MaxRestarts == 0 {
		o.MaxRestarts = 3
	}
	if o.WithinMs == 0 {
		o.WithinMs = 5000
	}
	return o
}

type runningChild struct {
	ref          process.Ref
	startedAt    time.Time
	restartCount int
	args         any // simple_one_for_one dynamic child args, for restart
	terminal     bool // stopped by TerminateChild or RestartChild; its exit never triggers an automatic restart
}

// ChildStatus is the read-only view of one running child exposed to
// observers (spec §4.M "get_supervisor_stats").
type ChildStatus struct {
	Ref          process.Ref
	RestartCount int
}
