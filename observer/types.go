// Package observer implements the read-only observer service (spec
// §4.M): a process registered under a well-known name on each node,
// answering snapshot queries about local processes and supervisors,
// plus a small debug HTTP surface and metrics export.
package observer

import (
	"github.com/noexrun/noex/dsupervisor"
	"github.com/noexrun/noex/process"
	"github.com/noexrun/noex/supervisor"
)

// ServiceName is the well-known local name the observer registers
// itself under on every node (spec §4.M "registered under a well-known
// name on each node").
const ServiceName = "$observer"

// Call message types the observer's HandleCall dispatches on (spec
// §4.M "{get_snapshot, get_server_stats, get_supervisor_stats,
// get_process_tree, get_process_count}").
type (
	GetSnapshot        struct{}
	GetServerStats     struct{ ID string }
	GetSupervisorStats struct{ ID string }
	GetProcessTree     struct{}
	GetProcessCount    struct{}
)

// Snapshot is the reply to GetSnapshot.
type Snapshot struct {
	NodeId  string
	Servers []process.Stats
	Count   int
}

// ServerStatsResult is the reply to GetServerStats. A query for an id
// this node has no record of is captured as Status "not_found" rather
// than an error return, so a cluster-wide fan-out caller can tell "this
// node doesn't have it" apart from "this node didn't answer" (spec
// §4.M "Per-node query failure is captured as {status: timeout|error,
// error} in the result set, not as an aggregate failure").
type ServerStatsResult struct {
	Status string // "ok" | "not_found"
	Stats  process.Stats
}

// ChildStat is one supervised child's view inside SupervisorStats.
type ChildStat struct {
	ID           string
	ServerId     string
	NodeId       string
	RestartCount int
}

// SupervisorStats is the reply to GetSupervisorStats, and one element
// of ProcessTree.Supervisors.
type SupervisorStats struct {
	ID       string
	Strategy string
	Children []ChildStat
}

// ProcessTree is the reply to GetProcessTree: every registered
// supervisor's children plus any local process not owned by one.
type ProcessTree struct {
	NodeId      string
	Supervisors []SupervisorStats
	Orphans     []process.Stats
}

// LocalSupervisorView is the subset of supervisor.Supervisor the
// observer needs to report stats; satisfied directly, no adapter
// required.
type LocalSupervisorView interface {
	Strategy() supervisor.Strategy
	Children() map[string]supervisor.ChildStatus
}

// DistSupervisorView is the subset of dsupervisor.DistSupervisor the
// observer needs to report stats; satisfied directly, no adapter
// required.
type DistSupervisorView interface {
	Strategy() supervisor.Strategy
	Children() map[string]dsupervisor.ChildStatus
}
