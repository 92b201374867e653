package observer

import (
	"context"
	"sort"
	"sync"

	metrics "github.com/docker/go-metrics"
	"github.com/noexrun/noex/errdefs"
	"github.com/noexrun/noex/internal/events"
	"github.com/noexrun/noex/internal/logging"
	"github.com/noexrun/noex/nodeid"
	"github.com/noexrun/noex/process"
	"github.com/sirupsen/logrus"
)

// Observer answers read-only snapshot queries about this node's
// processes and registered supervisors (spec §4.M). It is registered
// as an ordinary kernel process under ServiceName, so it is reachable
// by local Call the same way any other server is, and by remote Call
// once a node address it lives at is known.
type Observer struct {
	kernel *process.Kernel
	local  string
	log    *logrus.Entry

	mu          sync.Mutex
	ref         process.Ref
	supervisors map[string]LocalSupervisorView
	distSups    map[string]DistSupervisorView
	unsubscribe func()

	metrics *metricsSet
}

// New constructs an Observer bound to kernel, reporting local as the
// node id in every result it produces.
func New(kernel *process.Kernel, local nodeid.ID) *Observer {
	return &Observer{
		kernel:      kernel,
		local:       local.String(),
		log:         logging.For("observer").WithField("nodeId", local.String()),
		supervisors: make(map[string]LocalSupervisorView),
		distSups:    make(map[string]DistSupervisorView),
		metrics:     newMetricsSet(local.String()),
	}
}

// RegisterSupervisor makes a local supervisor.Supervisor visible to
// get_supervisor_stats / get_process_tree under name.
func (o *Observer) RegisterSupervisor(name string, sup LocalSupervisorView) {
	o.mu.Lock()
	o.supervisors[name] = sup
	o.mu.Unlock()
}

// RegisterDistSupervisor makes a dsupervisor.DistSupervisor visible to
// get_supervisor_stats / get_process_tree under name.
func (o *Observer) RegisterDistSupervisor(name string, sup DistSupervisorView) {
	o.mu.Lock()
	o.distSups[name] = sup
	o.mu.Unlock()
}

// Start registers the observer's own process under ServiceName and
// begins counting restarts for the metrics surface.
func (o *Observer) Start() (process.Ref, error) {
	ref, err := o.kernel.Start(process.BehaviorFunc{HandleCallFn: o.handleCall}, process.StartOptions{Name: ServiceName})
	if err != nil {
		return process.Ref{}, err
	}
	o.mu.Lock()
	o.ref = ref
	o.mu.Unlock()

	o.unsubscribe = o.kernel.Events().Subscribe(context.Background(), o.onLifecycle)
	return ref, nil
}

// Stop unregisters the lifecycle subscription and stops the observer's
// own process.
func (o *Observer) Stop() error {
	o.mu.Lock()
	ref := o.ref
	unsubscribe := o.unsubscribe
	o.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if ref.ID == "" {
		return nil
	}
	return o.kernel.Stop(ref, string(process.Shutdown.Kind))
}

func (o *Observer) onLifecycle(lc events.Lifecycle) {
	if lc.Kind == events.ChildRestarted {
		o.metrics.restartTotal.Inc(1)
	}
}

func (o *Observer) handleCall(msg any, state any) (any, any, error) {
	switch m := msg.(type) {
	case GetSnapshot:
		return o.Snapshot(), state, nil
	case GetServerStats:
		return o.ServerStats(m.ID), state, nil
	case GetSupervisorStats:
		return o.SupervisorStats(m.ID), state, nil
	case GetProcessTree:
		return o.ProcessTree(), state, nil
	case GetProcessCount:
		return o.ProcessCount(), state, nil
	default:
		return nil, state, errdefs.NewInvalidClusterConfig("observer: unrecognized query")
	}
}

// Snapshot answers get_snapshot: every process currently tracked by
// the local kernel.
func (o *Observer) Snapshot() Snapshot {
	stats := o.kernel.Snapshot()
	o.recordProcessMetrics(stats)
	return Snapshot{NodeId: o.local, Servers: stats, Count: len(stats)}
}

// ServerStats answers get_server_stats for one process id.
func (o *Observer) ServerStats(id string) ServerStatsResult {
	st, ok := o.kernel.Lookup(id)
	if !ok {
		return ServerStatsResult{Status: "not_found"}
	}
	return ServerStatsResult{Status: "ok", Stats: st}
}

// ProcessCount answers get_process_count.
func (o *Observer) ProcessCount() int {
	n := len(o.kernel.Snapshot())
	o.metrics.processCount.Set(float64(n))
	return n
}

// SupervisorStats answers get_supervisor_stats for a supervisor
// registered under id, local or distributed. An id naming neither
// comes back with no children rather than an error, consistent with
// ServerStats' not_found handling for an unknown server id.
func (o *Observer) SupervisorStats(id string) SupervisorStats {
	o.mu.Lock()
	sup, ok := o.supervisors[id]
	dsup, dok := o.distSups[id]
	o.mu.Unlock()

	switch {
	case ok:
		return o.localSupervisorStats(id, sup)
	case dok:
		return o.distSupervisorStats(id, dsup)
	default:
		return SupervisorStats{ID: id}
	}
}

func (o *Observer) localSupervisorStats(id string, sup LocalSupervisorView) SupervisorStats {
	out := SupervisorStats{ID: id, Strategy: string(sup.Strategy())}
	for cid, cs := range sup.Children() {
		out.Children = append(out.Children, ChildStat{ID: cid, ServerId: cs.Ref.ID, NodeId: o.local, RestartCount: cs.RestartCount})
	}
	sortChildren(out.Children)
	return out
}

func (o *Observer) distSupervisorStats(id string, dsup DistSupervisorView) SupervisorStats {
	out := SupervisorStats{ID: id, Strategy: string(dsup.Strategy())}
	for cid, cs := range dsup.Children() {
		out.Children = append(out.Children, ChildStat{ID: cid, ServerId: cs.Ref.ID, NodeId: cs.NodeId.String(), RestartCount: cs.RestartCount})
	}
	sortChildren(out.Children)
	return out
}

func sortChildren(cs []ChildStat) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].ID < cs[j].ID })
}

// ProcessTree answers get_process_tree: every registered supervisor's
// children, plus any local process not claimed by one.
func (o *Observer) ProcessTree() ProcessTree {
	o.mu.Lock()
	var sups []SupervisorStats
	owned := map[string]bool{}
	for id, sup := range o.supervisors {
		stats := o.localSupervisorStats(id, sup)
		for _, c := range stats.Children {
			owned[c.ServerId] = true
		}
		sups = append(sups, stats)
	}
	for id, dsup := range o.distSups {
		stats := o.distSupervisorStats(id, dsup)
		for _, c := range stats.Children {
			if c.NodeId == o.local {
				owned[c.ServerId] = true
			}
		}
		sups = append(sups, stats)
	}
	o.mu.Unlock()
	sort.Slice(sups, func(i, j int) bool { return sups[i].ID < sups[j].ID })

	var orphans []process.Stats
	for _, st := range o.kernel.Snapshot() {
		if st.ID != o.ref.ID && !owned[st.ID] {
			orphans = append(orphans, st)
		}
	}
	return ProcessTree{NodeId: o.local, Supervisors: sups, Orphans: orphans}
}

func (o *Observer) recordProcessMetrics(stats []process.Stats) {
	var totalMessages int64
	maxQueue := 0
	for _, st := range stats {
		totalMessages += st.MessageCount
		if st.QueueSize > maxQueue {
			maxQueue = st.QueueSize
		}
	}
	o.metrics.processCount.Set(float64(len(stats)))
	o.metrics.messageTotal.Set(float64(totalMessages))
	o.metrics.mailboxDepthMax.Set(float64(maxQueue))
}

// metricsSet holds the gauges that get_process_count and get_snapshot
// refresh, so the numbers they return are also exposed over the
// metrics surface (SPEC_FULL §4.M); get_server_stats does not touch it.
type metricsSet struct {
	processCount    metrics.Gauge
	messageTotal    metrics.Gauge
	mailboxDepthMax metrics.Gauge
	restartTotal    metrics.Counter
}

func newMetricsSet(node string) *metricsSet {
	ns := metrics.NewNamespace("noex", "", map[string]string{"node": node})
	ms := &metricsSet{
		processCount:    ns.NewGauge("process_count", "number of processes currently tracked by the local kernel", metrics.Total),
		messageTotal:    ns.NewGauge("message_count_total", "sum of per-process message counts observed at last snapshot", metrics.Total),
		mailboxDepthMax: ns.NewGauge("mailbox_depth_max", "largest mailbox queue size observed at last snapshot", metrics.Total),
		restartTotal:    ns.NewCounter("restart_total", "child_restarted lifecycle events observed since start"),
	}
	metrics.Register(ns)
	return ms
}
