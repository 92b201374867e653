// Package dsupervisor (continued): the distributed supervisor proper.
package dsupervisor

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
	"github.com/noexrun/noex/errdefs"
	"github.com/noexrun/noex/global"
	"github.com/noexrun/noex/internal/events"
	"github.com/noexrun/noex/internal/logging"
	"github.com/noexrun/noex/link"
	"github.com/noexrun/noex/membership"
	"github.com/noexrun/noex/nodeid"
	"github.com/noexrun/noex/process"
	"github.com/noexrun/noex/remote"
	"github.com/noexrun/noex/supervisor"
	"github.com/sirupsen/logrus"
)

// NodeLister is the subset of membership.Membership placement needs: a
// point-in-time view of known peers and their reported load.
// *membership.Membership satisfies this directly.
type NodeLister interface {
	Snapshot() []membership.PeerInfo
}

// DistSupervisor extends supervisor.Supervisor's strategies and restart
// intensity (spec §4.E) across the cluster (spec §4.L): a child's
// process runs on whatever node placement selects, and the supervisor
// holds only its metadata — nodeId, a monitor, and a local link proxy —
// rather than the process itself.
type DistSupervisor struct {
	local  nodeid.ID
	kernel *process.Kernel
	remote *remote.Remote
	link   *link.Manager
	global *global.Registry // nil when global registration is unused
	lister NodeLister
	opts   Options
	log    *logrus.Entry

	mu       sync.Mutex
	ref      process.Ref
	specs    []ChildSpec
	running  map[string]*runningChild
	monitors map[string]string // monitorId -> child spec id
	window   restartWindow
	rrIndex  int
	stopped  bool

	loadCache *lru.Cache
	stopCh    chan struct{}
}

// New constructs a DistSupervisor bound to the local kernel and the
// remote/link/global components it drives placement and failover
// through. globalReg may be nil if no child ever sets RegisterGlobal.
func New(local nodeid.ID, kernel *process.Kernel, rem *remote.Remote, linkMgr *link.Manager, globalReg *global.Registry, lister NodeLister, opts Options) *DistSupervisor {
	opts = opts.withDefaults()
	cache, _ := lru.New(opts.LoadCacheSize)
	return &DistSupervisor{
		local:     local,
		kernel:    kernel,
		remote:    rem,
		link:      linkMgr,
		global:    globalReg,
		lister:    lister,
		opts:      opts,
		log:       logging.For("dsupervisor").WithField("nodeId", local.String()),
		running:   make(map[string]*runningChild),
		monitors:  make(map[string]string),
		loadCache: cache,
		stopCh:    make(chan struct{}),
	}
}

// controllerBehavior is the trivial process.Behavior the supervisor
// registers itself as, so it owns a Ref that link.Manager.Monitor can
// watch from and cast process_down notifications into (spec §4.J
// "delivers a message to the watcher").
type controllerBehavior struct{ ds *DistSupervisor }

func (c controllerBehavior) Init(args any) (any, error) { return nil, nil }

func (c controllerBehavior) HandleCall(msg any, state any) (any, any, error) {
	return nil, state, nil
}

func (c controllerBehavior) HandleCast(msg any, state any) (any, error) {
	if down, ok := msg.(link.ProcessDownMessage); ok {
		c.ds.onProcessDown(down)
	}
	return state, nil
}

func (c controllerBehavior) Terminate(reason process.TerminateReason, state any) {}

// Start launches specs in spec order, placing and monitoring each
// (spec §4.L "Start").
func (s *DistSupervisor) Start(specs ...ChildSpec) (process.Ref, error) {
	ref, err := s.kernel.Start(controllerBehavior{ds: s}, process.StartOptions{})
	if err != nil {
		return process.Ref{}, err
	}
	s.mu.Lock()
	s.ref = ref
	s.specs = append([]ChildSpec(nil), specs...)
	s.mu.Unlock()

	go s.loadSamplerLoop()

	for _, spec := range specs {
		if err := s.startOne(spec); err != nil {
			_ = s.Stop()
			return process.Ref{}, err
		}
	}
	s.kernel.Events().Publish(events.Lifecycle{Kind: events.SupervisorUp, ServerId: ref.ID})
	return ref, nil
}

// startOne places spec on a node, spawns it there, optionally registers
// it globally, and installs both a monitor (failure detection) and a
// local link proxy (deliberate termination) (spec §4.L "Start").
func (s *DistSupervisor) startOne(spec ChildSpec) error {
	node, err := s.placeFor(spec)
	if err != nil {
		return err
	}
	ref, err := s.remote.Spawn(node, spec.BehaviorName, spec.InitArgs, remote.SpawnOptions{})
	if err != nil {
		return err
	}
	if spec.RegisterGlobal && s.global != nil {
		if err := s.global.Register(spec.ID, ref); err != nil {
			s.log.WithError(err).WithField("childId", spec.ID).Warn("global registration failed")
		}
	}

	proxyRef, err := s.kernel.Start(process.BehaviorFunc{}, process.StartOptions{})
	if err != nil {
		return err
	}
	linkId, err := s.link.Link(proxyRef, ref)
	if err != nil {
		return err
	}
	monitorId, err := s.link.Monitor(s.ref, ref)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.running[spec.ID] = &runningChild{
		ref: ref, nodeId: node, proxyRef: proxyRef,
		linkId: linkId, monitorId: monitorId, startedAt: time.Now(),
	}
	s.monitors[monitorId] = spec.ID
	s.mu.Unlock()

	s.kernel.Events().Publish(events.Lifecycle{Kind: events.ChildStarted, ServerId: spec.ID, NodeId: node.String()})
	return nil
}

// teardownRunning deliberately stops a remote child: it demonitors
// first so a process_down crossing the wire in response to this
// termination cannot be mistaken for an unexpected crash, then forces
// the local link proxy down with a non-normal reason so the existing
// exit_signal machinery (spec §4.J) propagates the termination to the
// child's node. There is no standalone remote-kill call in §4.I; this
// reuses the bidirectional link exactly the way it already tears down
// a locally linked peer.
func (s *DistSupervisor) teardownRunning(spec ChildSpec, rc *runningChild) {
	s.link.Demonitor(rc.monitorId)
	s.mu.Lock()
	delete(s.monitors, rc.monitorId)
	s.mu.Unlock()
	s.link.Unlink(rc.linkId)
	s.kernel.ForceTerminate(rc.proxyRef, process.Shutdown)
	if spec.RegisterGlobal && s.global != nil {
		_ = s.global.Unregister(spec.ID)
	}
}

// placeFor computes the target node for spec (spec §4.L "Placement").
func (s *DistSupervisor) placeFor(spec ChildSpec) (nodeid.ID, error) {
	connected := s.connectedNodes()
	if len(connected) == 0 {
		return nodeid.ID{}, errdefs.NewNoAvailableNode(spec.ID)
	}
	switch spec.Placement {
	case Fixed:
		for _, n := range connected {
			if n.Equal(spec.FixedNode) {
				return n, nil
			}
		}
		return nodeid.ID{}, errdefs.NewNoAvailableNode(spec.ID)
	case RoundRobin:
		return s.roundRobin(connected), nil
	case LeastLoaded:
		return s.leastLoaded(connected), nil
	case Random:
		return connected[rand.Intn(len(connected))], nil
	case FunctionPolicy:
		if s.opts.PlacementFunc == nil {
			return nodeid.ID{}, errdefs.NewInvalidClusterConfig("function placement requires Options.PlacementFunc")
		}
		return s.opts.PlacementFunc(connected, spec.ID)
	default: // "" and LocalFirst both prefer local, falling back to round_robin
		for _, n := range connected {
			if n.Equal(s.local) {
				return n, nil
			}
		}
		return s.roundRobin(connected), nil
	}
}

// connectedNodes returns every node this supervisor may place a child
// on, local included (spec §4.L "round_robin: rotate over currently
// connected nodes (including local)"), in a stable sorted order so
// round_robin rotation is deterministic across calls.
func (s *DistSupervisor) connectedNodes() []nodeid.ID {
	out := []nodeid.ID{s.local}
	for _, p := range s.lister.Snapshot() {
		if p.Status == membership.Connected {
			out = append(out, p.ID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (s *DistSupervisor) roundRobin(connected []nodeid.ID) nodeid.ID {
	s.mu.Lock()
	idx := s.rrIndex % len(connected)
	s.rrIndex++
	s.mu.Unlock()
	return connected[idx]
}

func (s *DistSupervisor) leastLoaded(connected []nodeid.ID) nodeid.ID {
	best := connected[0]
	bestLoad := s.loadOf(best)
	for _, n := range connected[1:] {
		load := s.loadOf(n)
		if load < bestLoad || (load == bestLoad && n.String() < best.String()) {
			best, bestLoad = n, load
		}
	}
	return best
}

func (s *DistSupervisor) loadOf(n nodeid.ID) int {
	if v, ok := s.loadCache.Get(n.String()); ok {
		return v.(int)
	}
	return 0
}

// loadSamplerLoop keeps the least_loaded cache warm from membership
// snapshots so placement never blocks on a fresh round-trip (spec
// §4.L domain note: "caches each peer's last-reported processCount").
func (s *DistSupervisor) loadSamplerLoop() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sampleLoad()
		}
	}
}

func (s *DistSupervisor) sampleLoad() {
	s.loadCache.Add(s.local.String(), len(s.kernel.Snapshot()))
	for _, p := range s.lister.Snapshot() {
		s.loadCache.Add(p.ID.String(), p.ProcessCount)
	}
}

// onProcessDown handles a monitor firing for an ordinary process exit
// (crash, shutdown, noproc). A nodedown reason is left to NodeDown,
// which batches every child lost to the same node into one
// node_failure_detected event instead of one per child (spec §4.L
// "Failover").
func (s *DistSupervisor) onProcessDown(down link.ProcessDownMessage) {
	if down.Reason == string(process.ReasonNodeDown) {
		return
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	id, ok := s.monitors[down.MonitorId]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.monitors, down.MonitorId)
	if rc, hasRC := s.running[id]; hasRC && rc.terminal {
		s.mu.Unlock()
		return
	}
	spec, hasSpec := s.specByID(id)
	strategy := s.opts.Strategy
	s.mu.Unlock()

	reason := process.TerminateReason{Kind: process.ReasonKind(down.Reason)}
	if !s.shouldRestart(spec, hasSpec, reason) {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
		s.kernel.Events().Publish(events.Lifecycle{Kind: events.ChildStopped, ServerId: id, Reason: down.Reason})
		s.maybeAutoShutdown()
		return
	}

	if !s.window.allow(nowMs(), s.opts.MaxRestarts, s.opts.WithinMs) {
		s.kernel.Events().Publish(events.Lifecycle{Kind: events.ChildStopped, ServerId: id, Reason: "max_restarts_exceeded"})
		s.collapse(errdefs.NewMaxRestartsExceeded(s.ref.ID))
		return
	}

	switch strategy {
	case supervisor.OneForAll:
		s.restartAll()
	case supervisor.RestForOne:
		s.restartRest(id)
	default:
		s.restartOne(id)
	}
}

// NodeDown fails over every child placed on peer in one batch (spec
// §4.L "Failover": "the placement node goes down").
func (s *DistSupervisor) NodeDown(peer nodeid.ID) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	var affected []string
	for id, rc := range s.running {
		if rc.nodeId.Equal(peer) && !rc.terminal {
			affected = append(affected, id)
		}
	}
	strategy := s.opts.Strategy
	s.mu.Unlock()

	if len(affected) == 0 {
		return
	}
	s.kernel.Events().Publish(events.Lifecycle{Kind: events.NodeFailure, NodeId: peer.String(), Attrs: map[string]any{"affectedChildren": affected}})

	for _, id := range affected {
		s.mu.Lock()
		if rc, ok := s.running[id]; ok {
			delete(s.monitors, rc.monitorId)
		}
		s.mu.Unlock()
	}

	switch strategy {
	case supervisor.OneForAll:
		if !s.window.allow(nowMs(), s.opts.MaxRestarts, s.opts.WithinMs) {
			s.kernel.Events().Publish(events.Lifecycle{Kind: events.ChildStopped, ServerId: affected[0], Reason: "max_restarts_exceeded"})
			s.collapse(errdefs.NewMaxRestartsExceeded(s.ref.ID))
			return
		}
		s.restartAll()
	case supervisor.RestForOne:
		if !s.window.allow(nowMs(), s.opts.MaxRestarts, s.opts.WithinMs) {
			s.kernel.Events().Publish(events.Lifecycle{Kind: events.ChildStopped, ServerId: affected[0], Reason: "max_restarts_exceeded"})
			s.collapse(errdefs.NewMaxRestartsExceeded(s.ref.ID))
			return
		}
		s.restartRest(s.earliestSpecID(affected))
	default:
		for _, id := range affected {
			if !s.window.allow(nowMs(), s.opts.MaxRestarts, s.opts.WithinMs) {
				s.kernel.Events().Publish(events.Lifecycle{Kind: events.ChildStopped, ServerId: id, Reason: "max_restarts_exceeded"})
				s.collapse(errdefs.NewMaxRestartsExceeded(s.ref.ID))
				return
			}
			s.restartOne(id)
		}
	}
}

func (s *DistSupervisor) earliestSpecID(ids []string) string {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sp := range s.specs {
		if set[sp.ID] {
			return sp.ID
		}
	}
	return ids[0]
}

// shouldRestart applies spec §4.E "Restart policy per child", carried
// unchanged into the distributed case.
func (s *DistSupervisor) shouldRestart(spec ChildSpec, hasSpec bool, reason process.TerminateReason) bool {
	policy := supervisor.Permanent
	if hasSpec && spec.Restart != "" {
		policy = spec.Restart
	}
	switch policy {
	case supervisor.Temporary:
		return false
	case supervisor.Transient:
		return reason.IsAbnormal()
	default:
		return true
	}
}

func (s *DistSupervisor) specByID(id string) (ChildSpec, bool) {
	for _, sp := range s.specs {
		if sp.ID == id {
			return sp, true
		}
	}
	return ChildSpec{}, false
}

// restartOne re-places and restarts a single child (spec §4.L
// "one_for_one"), emitting child_migrated first if the new placement
// differs from the old.
func (s *DistSupervisor) restartOne(id string) {
	s.mu.Lock()
	spec, hasSpec := s.specByID(id)
	rc := s.running[id]
	s.mu.Unlock()
	if !hasSpec {
		return
	}
	var oldNode nodeid.ID
	if rc != nil {
		oldNode = rc.nodeId
		s.teardownRunning(spec, rc)
	}
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()

	if err := s.startOne(spec); err != nil {
		s.collapse(err)
		return
	}

	s.mu.Lock()
	newRC := s.running[id]
	attempt := 0
	if rc != nil {
		attempt = rc.attempt + 1
	}
	if newRC != nil {
		newRC.attempt = attempt
	}
	s.mu.Unlock()

	if newRC != nil && !oldNode.IsZero() && !newRC.nodeId.Equal(oldNode) {
		s.kernel.Events().Publish(events.Lifecycle{Kind: events.ChildMigrated, ServerId: id, Attrs: map[string]any{"from": oldNode.String(), "to": newRC.nodeId.String()}})
	}
	s.kernel.Events().Publish(events.Lifecycle{Kind: events.ChildRestarted, ServerId: id, Attrs: map[string]any{"attempt": attempt}})
}

// restartAll tears down every currently running child and restarts the
// whole set in spec order (spec §4.L "one_for_all").
func (s *DistSupervisor) restartAll() {
	s.mu.Lock()
	specs := append([]ChildSpec(nil), s.specs...)
	running := make(map[string]*runningChild, len(s.running))
	for k, v := range s.running {
		running[k] = v
	}
	s.mu.Unlock()

	oldNodes := make(map[string]nodeid.ID, len(running))
	for id, rc := range running {
		spec, _ := s.specByID(id)
		oldNodes[id] = rc.nodeId
		s.teardownRunning(spec, rc)
	}
	s.mu.Lock()
	for id := range running {
		delete(s.running, id)
	}
	s.mu.Unlock()

	for _, sp := range specs {
		if err := s.startOne(sp); err != nil {
			s.collapse(err)
			return
		}
		s.mu.Lock()
		newRC := s.running[sp.ID]
		s.mu.Unlock()
		if newRC != nil {
			if old, ok := oldNodes[sp.ID]; ok && !old.Equal(newRC.nodeId) {
				s.kernel.Events().Publish(events.Lifecycle{Kind: events.ChildMigrated, ServerId: sp.ID, Attrs: map[string]any{"from": old.String(), "to": newRC.nodeId.String()}})
			}
		}
	}
	s.kernel.Events().Publish(events.Lifecycle{Kind: events.ChildRestarted, ServerId: "*"})
}

// restartRest tears down and restarts failedID and every sibling
// declared after it in spec order (spec §4.L "rest_for_one").
func (s *DistSupervisor) restartRest(failedID string) {
	s.mu.Lock()
	idx := -1
	for i, sp := range s.specs {
		if sp.ID == failedID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	rest := append([]ChildSpec(nil), s.specs[idx:]...)
	running := make(map[string]*runningChild, len(rest))
	for _, sp := range rest {
		if rc, ok := s.running[sp.ID]; ok {
			running[sp.ID] = rc
		}
	}
	s.mu.Unlock()

	oldNodes := make(map[string]nodeid.ID, len(running))
	for i := len(rest) - 1; i >= 0; i-- {
		sp := rest[i]
		if rc, ok := running[sp.ID]; ok {
			oldNodes[sp.ID] = rc.nodeId
			s.teardownRunning(sp, rc)
		}
	}
	s.mu.Lock()
	for _, sp := range rest {
		delete(s.running, sp.ID)
	}
	s.mu.Unlock()

	for _, sp := range rest {
		if err := s.startOne(sp); err != nil {
			s.collapse(err)
			return
		}
		s.mu.Lock()
		newRC := s.running[sp.ID]
		s.mu.Unlock()
		if newRC != nil {
			if old, ok := oldNodes[sp.ID]; ok && !old.Equal(newRC.nodeId) {
				s.kernel.Events().Publish(events.Lifecycle{Kind: events.ChildMigrated, ServerId: sp.ID, Attrs: map[string]any{"from": old.String(), "to": newRC.nodeId.String()}})
			}
		}
	}
	s.kernel.Events().Publish(events.Lifecycle{Kind: events.ChildRestarted, ServerId: failedID})
}

// collapse crashes the supervisor's own process so that a parent
// supervisor, if any, observes the failure as an ordinary child exit
// (spec §4.E "Restart intensity").
func (s *DistSupervisor) collapse(cause error) {
	s.mu.Lock()
	ref := s.ref
	s.stopped = true
	s.mu.Unlock()

	_ = s.Stop()
	if ref.ID != "" {
		s.kernel.ForceTerminate(ref, process.Errored(cause))
	}
}

// maybeAutoShutdown stops the supervisor once its significant children
// have all exited (all_significant) or any one has (any_significant)
// (spec §4.E "Auto-shutdown").
func (s *DistSupervisor) maybeAutoShutdown() {
	s.mu.Lock()
	mode := s.opts.AutoShutdown
	if mode == supervisor.AutoShutdownNone {
		s.mu.Unlock()
		return
	}
	anyGone, allGone := false, true
	anySignificant := false
	for _, sp := range s.specs {
		if !sp.Significant {
			continue
		}
		anySignificant = true
		if _, running := s.running[sp.ID]; running {
			allGone = false
		} else {
			anyGone = true
		}
	}
	s.mu.Unlock()
	if !anySignificant {
		return
	}
	if (mode == supervisor.AnySignificant && anyGone) || (mode == supervisor.AllSignificant && allGone) {
		_ = s.Stop()
	}
}

// Ref returns the supervisor's own controller process reference.
func (s *DistSupervisor) Ref() process.Ref {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ref
}

// ChildRef resolves a spec id to its currently running (possibly
// remote) process ref.
func (s *DistSupervisor) ChildRef(id string) (process.Ref, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc, ok := s.running[id]
	if !ok {
		return process.Ref{}, false
	}
	return rc.ref, true
}

// Strategy reports the configured restart strategy (spec §4.M
// "get_supervisor_stats").
func (s *DistSupervisor) Strategy() supervisor.Strategy { return s.opts.Strategy }

// Children returns the ref, node, and restart attempt count of every
// currently running (possibly remote) child, keyed by spec id (spec
// §4.M "get_supervisor_stats").
func (s *DistSupervisor) Children() map[string]ChildStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ChildStatus, len(s.running))
	for id, rc := range s.running {
		out[id] = ChildStatus{Ref: rc.ref, NodeId: rc.nodeId, RestartCount: rc.attempt}
	}
	return out
}

// TerminateChild stops and permanently removes the named child (spec
// §4.E "Dynamic children", carried into the distributed case).
func (s *DistSupervisor) TerminateChild(id string) error {
	s.mu.Lock()
	rc, ok := s.running[id]
	if ok {
		rc.terminal = true
	}
	spec, _ := s.specByID(id)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	s.teardownRunning(spec, rc)
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
	s.kernel.Events().Publish(events.Lifecycle{Kind: events.ChildStopped, ServerId: id, Reason: "terminated"})
	s.maybeAutoShutdown()
	return nil
}

// Stop tears down every running child in reverse spec order, then the
// supervisor's own controller process (spec §4.E "Shutdown").
func (s *DistSupervisor) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	order := s.shutdownOrderLocked()
	ref := s.ref
	s.mu.Unlock()

	close(s.stopCh)

	var merr *multierror.Error
	for _, id := range order {
		s.mu.Lock()
		rc, ok := s.running[id]
		spec, _ := s.specByID(id)
		s.mu.Unlock()
		if !ok {
			continue
		}
		s.teardownRunning(spec, rc)
	}

	if ref.ID != "" {
		s.kernel.ForceTerminate(ref, process.Shutdown)
	}
	s.kernel.Events().Publish(events.Lifecycle{Kind: events.SupervisorDown, ServerId: ref.ID})
	return merr.ErrorOrNil()
}

func (s *DistSupervisor) shutdownOrderLocked() []string {
	ids := make([]string, 0, len(s.specs))
	for _, sp := range s.specs {
		if _, ok := s.running[sp.ID]; ok {
			ids = append(ids, sp.ID)
		}
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids
}
