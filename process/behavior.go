package process

// Behavior is the immutable set of callbacks defining a process's
// semantics (spec §3 "Process record", §4.D). A Behavior value is
// stateless; all mutable per-process state is the "state" value threaded
// through Init/HandleCall/HandleCast and replaced after every message.
type Behavior interface {
	// Init runs synchronously before Start returns a Ref. Returning an
	// error fails process creation atomically: no Ref escapes.
	Init(args any) (state any, err error)

	// HandleCall handles a synchronous call, returning the reply value
	// and the new state. An error crashes the process (spec §4.D
	// "Dispatch loop").
	HandleCall(msg any, state any) (reply any, newState any, err error)

	// HandleCast handles an asynchronous cast, returning the new state.
	// An error crashes the process.
	HandleCast(msg any, state any) (newState any, err error)

	// Terminate runs exactly once, with the termination reason and the
	// last state, after the process has stopped dispatching. It must
	// not itself terminate the process recursively.
	Terminate(reason TerminateReason, state any)
}

// TerminateReason classifies why a process stopped (spec §4.E "Restart
// policy per child": normal/shutdown/error; §4.J: + noproc/nodedown).
type TerminateReason struct {
	Kind  ReasonKind
	Err   error // populated when Kind == ReasonError
	Cause string
}

// ReasonKind enumerates termination reason categories.
type ReasonKind string

const (
	ReasonNormal   ReasonKind = "normal"
	ReasonShutdown ReasonKind = "shutdown"
	ReasonError    ReasonKind = "error"
	ReasonNoProc   ReasonKind = "noproc"
	ReasonNodeDown ReasonKind = "nodedown"
)

// Normal is the standard non-error termination reason.
var Normal = TerminateReason{Kind: ReasonNormal}

// Shutdown is the reason used when a supervisor tells a child to stop.
var Shutdown = TerminateReason{Kind: ReasonShutdown}

// Errored wraps err as an abnormal-exit reason.
func Errored(err error) TerminateReason {
	return TerminateReason{Kind: ReasonError, Err: err}
}

// IsAbnormal reports whether reason counts as an "abnormal exit" for the
// purposes of the "transient" restart policy (spec §4.E): anything other
// than normal/shutdown.
func (r TerminateReason) IsAbnormal() bool {
	return r.Kind != ReasonNormal && r.Kind != ReasonShutdown
}

// BehaviorFunc adapts four plain functions into a Behavior, for tests
// and small ad hoc servers — mirrors the teacher's preference for
// function-based adapters over boilerplate structs where a single
// implementation is all that's needed.
type BehaviorFunc struct {
	InitFn       func(args any) (any, error)
	HandleCallFn func(msg any, state any) (any, any, error)
	HandleCastFn func(msg any, state any) (any, error)
	TerminateFn  func(reason TerminateReason, state any)
}

func (b BehaviorFunc) Init(args any) (any, error) {
	if b.InitFn == nil {
		return nil, nil
	}
	return b.InitFn(args)
}

func (b BehaviorFunc) HandleCall(msg any, state any) (any, any, error) {
	if b.HandleCallFn == nil {
		return nil, state, nil
	}
	return b.HandleCallFn(msg, state)
}

func (b BehaviorFunc) HandleCast(msg any, state any) (any, error) {
	if b.HandleCastFn == nil {
		return state, nil
	}
	return b.HandleCastFn(msg, state)
}

func (b BehaviorFunc) Terminate(reason TerminateReason, state any) {
	if b.TerminateFn != nil {
		b.TerminateFn(reason, state)
	}
}
