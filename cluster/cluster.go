package cluster

import (
	"sync"

	"github.com/noexrun/noex/catalog"
	"github.com/noexrun/noex/codec"
	"github.com/noexrun/noex/dsupervisor"
	"github.com/noexrun/noex/errdefs"
	"github.com/noexrun/noex/global"
	"github.com/noexrun/noex/internal/events"
	"github.com/noexrun/noex/internal/logging"
	"github.com/noexrun/noex/link"
	"github.com/noexrun/noex/membership"
	"github.com/noexrun/noex/nodeid"
	"github.com/noexrun/noex/observer"
	"github.com/noexrun/noex/process"
	"github.com/noexrun/noex/registry"
	"github.com/noexrun/noex/remote"
	"github.com/noexrun/noex/supervisor"
	"github.com/noexrun/noex/transport"
	"github.com/sirupsen/logrus"
)

// lazyHandler defers to a membership.Membership constructed after the
// Transport that needs a Handler up front — transport.New requires a
// non-nil Handler, but Membership in turn requires the already-built
// Transport, so the real handler is patched in once it exists.
type lazyHandler struct {
	target transport.Handler
}

func (l *lazyHandler) PeerUp(peer nodeid.ID) {
	if l.target != nil {
		l.target.PeerUp(peer)
	}
}

func (l *lazyHandler) PeerDown(peer nodeid.ID, reason transport.PeerDownReason) {
	if l.target != nil {
		l.target.PeerDown(peer, reason)
	}
}

func (l *lazyHandler) Message(peer nodeid.ID, env codec.Envelope) {
	if l.target != nil {
		l.target.Message(peer, env)
	}
}

// dispatcher is membership's UpperHandler: every ClusterMessage kind
// membership does not interpret itself (call/cast/spawn/monitor/link/
// registry_*) is fanned out by message type, and whole-node gain/loss
// is fanned out to every component that tracks per-node state (spec §4.C
// "statusChange" consumers: §4.I, §4.J, §4.K, §4.L).
type dispatcher struct {
	log    *logrus.Entry
	remote *remote.Remote
	link   *link.Manager
	global *global.Registry

	mu        sync.Mutex
	dsup      *dsupervisor.DistSupervisor // set once the root supervisor exists, may stay nil
	peerCount int
}

func (d *dispatcher) setDistSupervisor(ds *dsupervisor.DistSupervisor) {
	d.mu.Lock()
	d.dsup = ds
	d.mu.Unlock()
}

func (d *dispatcher) Message(peer nodeid.ID, env codec.Envelope) {
	kind := env.Payload.Type
	switch {
	case remote.Handles(kind):
		d.remote.Message(peer, env)
	case link.Handles(kind):
		d.link.Message(peer, env)
	case global.Handles(kind):
		d.global.Message(peer, env)
	default:
		d.log.WithField("kind", kind).Warn("unrecognized cluster message kind")
	}
}

func (d *dispatcher) NodeUp(info membership.PeerInfo) {
	d.global.NodeUp(info.ID)
	d.mu.Lock()
	d.peerCount++
	n := d.peerCount
	d.mu.Unlock()
	d.global.SetPeerCount(n)
}

func (d *dispatcher) NodeDown(id nodeid.ID, reason string) {
	d.remote.NodeDown(id)
	d.link.NodeDown(id)
	d.global.NodeDown(id)
	d.mu.Lock()
	ds := d.dsup
	if d.peerCount > 0 {
		d.peerCount--
	}
	n := d.peerCount
	d.mu.Unlock()
	d.global.SetPeerCount(n)
	if ds != nil {
		ds.NodeDown(id)
	}
}

func (d *dispatcher) StatusChange(status membership.ClusterStatus) {
	d.log.WithField("status", status).Info("cluster status changed")
}

// Cluster owns one node's full component set (spec §6): the process
// kernel, local registry and behavior catalog, signed transport,
// membership, remote call/cast/spawn, remote monitor/link, the global
// registry, and the observer service. A distributed supervisor is
// optional and attached with StartRootSupervisor once its child specs
// are known.
type Cluster struct {
	cfg   Config
	local nodeid.ID
	log   *logrus.Entry

	bus      *events.Bus
	kernel   *process.Kernel
	catalog  *catalog.Catalog
	registry *registry.Registry
	signer   *codec.Signer
	transp   *transport.Transport
	members  *membership.Membership
	remote   *remote.Remote
	link     *link.Manager
	global   *global.Registry
	observer *observer.Observer
	dispatch *dispatcher

	mu      sync.Mutex
	dsup    *dsupervisor.DistSupervisor
	started bool
	stopped bool
}

// New validates cfg and wires every component together, but does not
// yet bind a listening socket or dial seeds — call Start for that.
func New(cfg Config) (*Cluster, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	local, err := cfg.localID()
	if err != nil {
		return nil, err
	}

	log := logging.For("cluster").WithField("nodeId", local.String())
	bus := events.NewBus(log)
	kernel := process.New(bus)
	cat := catalog.New()
	reg := registry.New(bus)
	signer := codec.NewSigner(cfg.ClusterSecret)

	lazy := &lazyHandler{}
	tr := transport.New(local, signer, lazy, cfg.reconnectBaseDelay(), cfg.reconnectMaxDelay())

	rem := remote.New(local, kernel, cat, reg, signer, tr)
	linkMgr := link.New(local, kernel, signer, tr, bus)
	globalReg := global.New(local, signer, tr, bus)
	rem.SetGlobalRegistrar(globalReg)

	disp := &dispatcher{log: log, remote: rem, link: linkMgr, global: globalReg}
	memOpts := membership.Options{
		HeartbeatInterval:      cfg.heartbeatInterval(),
		HeartbeatMissThreshold: cfg.HeartbeatMissThreshold,
		ProcessCount:           func() int { return len(kernel.Snapshot()) },
	}
	mem := membership.New(local, tr, signer, disp, memOpts)
	lazy.target = mem

	obs := observer.New(kernel, local)

	return &Cluster{
		cfg: cfg, local: local, log: log,
		bus: bus, kernel: kernel, catalog: cat, registry: reg, signer: signer,
		transp: tr, members: mem, remote: rem, link: linkMgr, global: globalReg,
		observer: obs, dispatch: disp,
	}, nil
}

// Start binds the listening socket, begins the observer's process
// registration, and dials configured seeds (spec §6 "seeds").
func (c *Cluster) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	if err := c.transp.Start(); err != nil {
		return err
	}
	c.global.Start()
	if _, err := c.observer.Start(); err != nil {
		return err
	}

	seeds, err := c.cfg.seedIDs()
	if err != nil {
		return err
	}
	c.members.Start(seeds)
	return nil
}

// StartRootSupervisor constructs and starts the node's distributed
// supervisor (spec §4.L), wires it into the dispatcher's NodeDown fan
// out, and registers it with the observer under name.
func (c *Cluster) StartRootSupervisor(name string, opts dsupervisor.Options, specs ...dsupervisor.ChildSpec) (process.Ref, error) {
	c.mu.Lock()
	if c.dsup != nil {
		c.mu.Unlock()
		return process.Ref{}, errdefs.NewInvalidClusterConfig("root distributed supervisor already started")
	}
	c.mu.Unlock()

	ds := dsupervisor.New(c.local, c.kernel, c.remote, c.link, c.global, c.members, opts)
	ref, err := ds.Start(specs...)
	if err != nil {
		return process.Ref{}, err
	}

	c.mu.Lock()
	c.dsup = ds
	c.mu.Unlock()
	c.dispatch.setDistSupervisor(ds)
	c.observer.RegisterDistSupervisor(name, ds)
	return ref, nil
}

// RegisterSupervisor exposes a local supervisor.Supervisor to the
// observer under name (spec §4.M "get_supervisor_stats").
func (c *Cluster) RegisterSupervisor(name string, sup *supervisor.Supervisor) {
	c.observer.RegisterSupervisor(name, sup)
}

// Kernel returns the node's local process kernel.
func (c *Cluster) Kernel() *process.Kernel { return c.kernel }

// Catalog returns the node's behavior catalog, populated at boot before
// Start (spec §4.H).
func (c *Cluster) Catalog() *catalog.Catalog { return c.catalog }

// Registry returns the node's local name registry.
func (c *Cluster) Registry() *registry.Registry { return c.registry }

// Remote returns the node's remote call/cast/spawn component.
func (c *Cluster) Remote() *remote.Remote { return c.remote }

// Link returns the node's remote monitor/link manager.
func (c *Cluster) Link() *link.Manager { return c.link }

// Global returns the node's global registry.
func (c *Cluster) Global() *global.Registry { return c.global }

// Membership returns the node's membership tracker.
func (c *Cluster) Membership() *membership.Membership { return c.members }

// Observer returns the node's observer service.
func (c *Cluster) Observer() *observer.Observer { return c.observer }

// LocalID returns this node's identifier.
func (c *Cluster) LocalID() nodeid.ID { return c.local }

// Stop shuts the node down in the order spec §6's domain-stack addendum
// spells out: the root distributed supervisor first (draining its
// children per §4.E order), then the global registry (which unregisters
// every name this node owns), then the observer, then the transport
// itself.
func (c *Cluster) Stop() error {
	c.mu.Lock()
	if c.stopped || !c.started {
		c.stopped = true
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	ds := c.dsup
	c.mu.Unlock()

	if ds != nil {
		if err := ds.Stop(); err != nil {
			c.log.WithError(err).Warn("root distributed supervisor stop reported an error")
		}
	}
	c.global.Stop()
	_ = c.observer.Stop()
	c.members.Stop()
	return c.transp.Stop()
}
