package supervisor

import (
	"time"

	"github.com/noexrun/noex/errdefs"
	"github.com/noexrun/noex/internal/events"
	"github.com/noexrun/noex/process"
)

// onLifecycle is the Supervisor's kernel event bus subscriber. It reacts
// only to Terminated/Crashed events for refs it currently owns (spec
// §4.E "A supervisor subscribes to its children's exit").
func (s *Supervisor) onLifecycle(lc events.Lifecycle) {
	if lc.Kind != events.Terminated && lc.Kind != events.Crashed {
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	id, rc := s.childByServerIDLocked(lc.ServerId)
	if rc == nil {
		s.mu.Unlock()
		return
	}
	if rc.terminal {
		// removed via TerminateChild; the exit is expected, ignore it.
		s.mu.Unlock()
		return
	}
	spec, hasSpec := s.specByID(id)
	strategy := s.opts.Strategy
	s.mu.Unlock()

	reason := process.TerminateReason{Kind: process.ReasonKind(lc.Reason), Err: lc.Err}
	if lc.Kind == events.Crashed {
		reason.Kind = process.ReasonError
	}

	restart := s.shouldRestart(spec, hasSpec, reason)
	if !restart {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
		s.kernel.Events().Publish(events.Lifecycle{Kind: events.ChildStopped, ServerId: id})
		s.maybeAutoShutdown()
		return
	}

	if !s.window.allow(nowMs(), s.opts.MaxRestarts, s.opts.WithinMs) {
		s.kernel.Events().Publish(events.Lifecycle{Kind: events.ChildStopped, ServerId: id, Reason: "max_restarts_exceeded"})
		s.collapse(errdefs.NewMaxRestartsExceeded(id))
		return
	}

	switch strategy {
	case OneForOne:
		s.restartOne(id)
	case OneForAll:
		s.restartAll()
	case RestForOne:
		s.restartRest(id)
	case SimpleOneForOne:
		s.restartDynamic(id, rc)
	}
}

// childByServerIDLocked finds the spec id owning a running child whose
// process ref id equals serverID. Caller holds s.mu.
func (s *Supervisor) childByServerIDLocked(serverID string) (string, *runningChild) {
	for id, rc := range s.running {
		if rc.ref.ID == serverID {
			return id, rc
		}
	}
	return "", nil
}

// shouldRestart applies spec §4.E "Restart policy per child":
// permanent always restarts, transient restarts only on abnormal exit,
// temporary never restarts.
func (s *Supervisor) shouldRestart(spec ChildSpec, hasSpec bool, reason process.TerminateReason) bool {
	policy := Permanent
	if hasSpec && spec.Restart != "" {
		policy = spec.Restart
	}
	switch policy {
	case Temporary:
		return false
	case Transient:
		return reason.IsAbnormal()
	default:
		return true
	}
}

func (s *Supervisor) restartOne(id string) {
	s.mu.Lock()
	spec, hasSpec := s.specByID(id)
	rc := s.running[id]
	var args any
	if rc != nil {
		args = rc.args
	}
	if hasSpec {
		args = spec.InitArgs
	}
	delete(s.running, id)
	s.mu.Unlock()

	if !hasSpec {
		return
	}
	if err := s.startOne(spec, args); err != nil {
		s.collapse(err)
		return
	}
	s.kernel.Events().Publish(events.Lifecycle{Kind: events.ChildRestarted, ServerId: id})
}

// restartAll tears down every other running static child and restarts
// the whole set in spec order (spec §4.E "one_for_all").
func (s *Supervisor) restartAll() {
	s.mu.Lock()
	specs := append([]ChildSpec(nil), s.specs...)
	running := make(map[string]*runningChild, len(s.running))
	for k, v := range s.running {
		running[k] = v
	}
	s.mu.Unlock()

	for _, sp := range specs {
		if rc, ok := running[sp.ID]; ok {
			timeout := sp.shutdownTimeout()
			s.stopChild(rc.ref, timeout, process.Shutdown)
		}
	}
	s.mu.Lock()
	for _, sp := range specs {
		delete(s.running, sp.ID)
	}
	s.mu.Unlock()

	for _, sp := range specs {
		if err := s.startOne(sp, sp.InitArgs); err != nil {
			s.collapse(err)
			return
		}
	}
	s.kernel.Events().Publish(events.Lifecycle{Kind: events.ChildRestarted, ServerId: "*"})
}

// restartRest tears down and restarts failedID and every sibling
// declared after it in spec order, leaving earlier siblings untouched
// (spec §4.E "rest_for_one").
func (s *Supervisor) restartRest(failedID string) {
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

	for i := len(rest) - 1; i >= 0; i-- {
		if rc, ok := running[rest[i].ID]; ok {
			s.stopChild(rc.ref, rest[i].shutdownTimeout(), process.Shutdown)
		}
	}
	s.mu.Lock()
	for _, sp := range rest {
		delete(s.running, sp.ID)
	}
	s.mu.Unlock()

	for _, sp := range rest {
		if err := s.startOne(sp, sp.InitArgs); err != nil {
			s.collapse(err)
			return
		}
	}
	s.kernel.Events().Publish(events.Lifecycle{Kind: events.ChildRestarted, ServerId: failedID})
}

func (s *Supervisor) restartDynamic(id string, rc *runningChild) {
	s.mu.Lock()
	tmpl := *s.template
	args := rc.args
	delete(s.running, id)
	tmpl.ID = id
	s.mu.Unlock()

	if err := s.startOne(tmpl, args); err != nil {
		s.collapse(err)
		return
	}
	s.kernel.Events().Publish(events.Lifecycle{Kind: events.ChildRestarted, ServerId: id})
}

// collapse crashes the supervisor's own process so a parent supervisor
// observes the failure as an ordinary child exit (spec §4.E "Restart
// intensity": "its parent (if any) sees this as an ordinary child
// exit").
func (s *Supervisor) collapse(cause error) {
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
// have all exited (all_significant) or any one has (any_significant),
// per spec §4.E "Auto-shutdown".
func (s *Supervisor) maybeAutoShutdown() {
	s.mu.Lock()
	mode := s.opts.AutoShutdown
	if mode == AutoShutdownNone {
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
	if (mode == AnySignificant && anyGone) || (mode == AllSignificant && allGone) {
		_ = s.Stop()
	}
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
