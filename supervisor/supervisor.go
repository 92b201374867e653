package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/noexrun/noex/errdefs"
	"github.com/noexrun/noex/internal/events"
	"github.com/noexrun/noex/internal/logging"
	"github.com/noexrun/noex/process"
	"github.com/sirupsen/logrus"
)

// Supervisor keeps a set of child processes alive according to a
// declared policy (spec §4.E). A Supervisor is itself started as a
// kernel process (a trivial controller behavior), so it can be nested
// as a child of another Supervisor: when its own restart intensity is
// exceeded it crashes like any other child, and its parent observes
// that crash as an ordinary child exit (spec §4.E "Restart intensity").
type Supervisor struct {
	kernel *process.Kernel
	opts   Options
	log    *logrus.Entry

	mu       sync.Mutex
	ref      process.Ref
	specs    []ChildSpec          // ordered, spec order == start order
	running  map[string]*runningChild
	window   restartWindow
	template *ChildSpec // simple_one_for_one only
	dynSeq   int
	stopped  bool

	unsubscribe func()
}

// New constructs a Supervisor bound to kernel.
func New(kernel *process.Kernel, opts Options) *Supervisor {
	return &Supervisor{
		kernel:  kernel,
		opts:    opts.withDefaults(),
		log:     logging.For("supervisor"),
		running: make(map[string]*runningChild),
	}
}

// controllerBehavior is the trivial process.Behavior the Supervisor
// registers itself as, purely so it has a process.Ref that a parent
// Supervisor can supervise.
type controllerBehavior struct{}

func (controllerBehavior) Init(args any) (any, error)                  { return nil, nil }
func (controllerBehavior) HandleCall(msg, state any) (any, any, error) { return nil, state, nil }
func (controllerBehavior) HandleCast(msg, state any) (any, error)      { return state, nil }
func (controllerBehavior) Terminate(reason process.TerminateReason, state any) {}

// Start launches specs in order (spec §3 "Supervisor children are
// started sequentially in spec order") and begins watching the kernel's
// lifecycle bus for their exits. For strategy SimpleOneForOne, specs
// must contain exactly one template spec and no children are started
// until StartChild is called.
func (s *Supervisor) Start(specs ...ChildSpec) (process.Ref, error) {
	ref, err := s.kernel.Start(controllerBehavior{}, process.StartOptions{})
	if err != nil {
		return process.Ref{}, err
	}
	s.mu.Lock()
	s.ref = ref
	s.mu.Unlock()

	s.unsubscribe = s.kernel.Events().Subscribe(context.Background(), s.onLifecycle)

	if s.opts.Strategy == SimpleOneForOne {
		if len(specs) != 1 {
			return process.Ref{}, errdefs.NewInvalidClusterConfig("simple_one_for_one requires exactly one template child spec")
		}
		tmpl := specs[0]
		s.mu.Lock()
		s.template = &tmpl
		s.mu.Unlock()
		return ref, nil
	}

	s.mu.Lock()
	s.specs = append([]ChildSpec(nil), specs...)
	s.mu.Unlock()

	for _, spec := range specs {
		if err := s.startOne(spec, spec.InitArgs); err != nil {
			_ = s.Stop()
			return process.Ref{}, err
		}
	}
	s.kernel.Events().Publish(events.Lifecycle{Kind: events.SupervisorUp, ServerId: ref.ID})
	return ref, nil
}

func (s *Supervisor) startOne(spec ChildSpec, args any) error {
	ref, err := s.kernel.Start(spec.Factory(), process.StartOptions{InitArgs: args})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.running[spec.ID] = &runningChild{ref: ref, startedAt: time.Now(), args: args}
	s.mu.Unlock()
	s.kernel.Events().Publish(events.Lifecycle{Kind: events.ChildStarted, ServerId: spec.ID, NodeId: ref.ID})
	return nil
}

// Ref returns the supervisor's own process reference.
func (s *Supervisor) Ref() process.Ref {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ref
}

// ChildRef resolves a spec id to its currently running process ref.
func (s *Supervisor) ChildRef(id string) (process.Ref, bool) {
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
func (s *Supervisor) Strategy() Strategy { return s.opts.Strategy }

// Children returns the ref and restart count of every currently
// running child, keyed by spec id (spec §4.M "get_supervisor_stats").
func (s *Supervisor) Children() map[string]ChildStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ChildStatus, len(s.running))
	for id, rc := range s.running {
		out[id] = ChildStatus{Ref: rc.ref, RestartCount: rc.restartCount}
	}
	return out
}

// StartChild dynamically starts a child from the SimpleOneForOne
// template (spec §4.E "Dynamic children").
func (s *Supervisor) StartChild(args any) (process.Ref, error) {
	s.mu.Lock()
	if s.template == nil {
		s.mu.Unlock()
		return process.Ref{}, errdefs.NewInvalidClusterConfig("StartChild requires a simple_one_for_one supervisor")
	}
	s.dynSeq++
	id := "dyn-" + itoaDyn(s.dynSeq)
	tmpl := *s.template
	tmpl.ID = id
	s.mu.Unlock()

	if err := s.startOne(tmpl, args); err != nil {
		return process.Ref{}, err
	}
	ref, _ := s.ChildRef(id)
	return ref, nil
}

func itoaDyn(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// TerminateChild stops and permanently removes the named child (spec
// §4.E "Dynamic children": "terminateChild removes the spec").
func (s *Supervisor) TerminateChild(id string) error {
	s.mu.Lock()
	rc, ok := s.running[id]
	if ok {
		rc.terminal = true
	}
	spec, hasSpec := s.specByID(id)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	timeout := 5 * time.Second
	if hasSpec {
		timeout = spec.shutdownTimeout()
	}
	s.stopChild(rc.ref, timeout, process.Shutdown)
	s.mu.Lock()
	delete(s.running, id)
	if !hasSpec {
		// dynamic child: nothing else to prune
	}
	for i, sp := range s.specs {
		if sp.ID == id {
			s.specs = append(s.specs[:i:i], s.specs[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	return nil
}

// RestartChild stops and restarts the named child without removing its
// spec (spec §4.E "Dynamic children").
func (s *Supervisor) RestartChild(id string) error {
	s.mu.Lock()
	rc, ok := s.running[id]
	if ok {
		rc.terminal = true // the stop below must not also trigger an automatic restart
	}
	spec, hasSpec := s.specByID(id)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	timeout := 5 * time.Second
	args := rc.args
	if hasSpec {
		timeout = spec.shutdownTimeout()
		args = spec.InitArgs
	}
	s.stopChild(rc.ref, timeout, process.Shutdown)

	if !hasSpec {
		s.mu.Lock()
		tmpl := *s.template
		s.mu.Unlock()
		return s.startOne(tmpl, args)
	}
	return s.startOne(spec, args)
}

func (s *Supervisor) specByID(id string) (ChildSpec, bool) {
	for _, sp := range s.specs {
		if sp.ID == id {
			return sp, true
		}
	}
	return ChildSpec{}, false
}

// stopChild sends Stop and force-terminates after timeout (spec §4.E
// "Shutdown", §5 "Cancellation & timeouts").
func (s *Supervisor) stopChild(ref process.Ref, timeout time.Duration, reason process.TerminateReason) {
	done := make(chan struct{})
	go func() {
		_ = s.kernel.Stop(ref, string(reason.Kind))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.kernel.ForceTerminate(ref, reason)
	}
}

// Stop stops every running child in reverse insertion order, propagating
// the supervisor's own stop reason (spec §4.E "Shutdown"), then
// unsubscribes from lifecycle events.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	order := s.shutdownOrderLocked()
	ref := s.ref
	s.mu.Unlock()

	var merr *multierror.Error
	for _, id := range order {
		s.mu.Lock()
		rc, ok := s.running[id]
		spec, hasSpec := s.specByID(id)
		s.mu.Unlock()
		if !ok {
			continue
		}
		timeout := 5 * time.Second
		if hasSpec {
			timeout = spec.shutdownTimeout()
		}
		s.stopChild(rc.ref, timeout, process.Shutdown)
	}

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if ref.ID != "" {
		_ = s.kernel.Stop(ref, "shutdown")
	}
	s.kernel.Events().Publish(events.Lifecycle{Kind: events.SupervisorDown, ServerId: ref.ID})
	return merr.ErrorOrNil()
}

// shutdownOrderLocked returns running child ids in reverse of their
// insertion (spec) order. Caller holds s.mu.
func (s *Supervisor) shutdownOrderLocked() []string {
	ids := make([]string, 0, len(s.specs))
	for _, sp := range s.specs {
		if _, ok := s.running[sp.ID]; ok {
			ids = append(ids, sp.ID)
		}
	}
	// dynamic (simple_one_for_one) children have no spec order; append
	// them after, any order, then reverse everything together so static
	// children still shut down in strict reverse spec order relative to
	// each other.
	for id := range s.running {
		found := false
		for _, sp := range s.specs {
			if sp.ID == id {
				found = true
				break
			}
		}
		if !found {
			ids = append(ids, id)
		}
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids
}
