// Package errdefs defines the error taxonomy shared across the cluster
// runtime (spec §7). Each kind is a marker interface implemented by an
// unexported struct; callers classify errors with the Is* helpers rather
// than type-asserting concrete types, so wrapping with pkg/errors.Wrap or
// fmt.Errorf("%w", ...) never hides the kind.
package errdefs

import (
	"github.com/pkg/errors"
)

// causer mirrors github.com/pkg/errors' Cause() chain, used alongside
// errors.As/errors.Is to look through wrapped errors.
type causer interface {
	Cause() error
}

func getImplementer(err error) error {
	switch e := err.(type) {
	case nil:
		return nil
	case ErrInvalidNodeId, ErrInvalidClusterConfig, ErrClusterNotStarted,
		ErrRegistryConflict, ErrGlobalNameConflict, ErrGlobalNameNotFound,
		ErrServerNotRunning, ErrCallTimeout, ErrNodeNotReachable,
		ErrMessageSerialization, ErrBehaviorNotFound, ErrBehaviorConflict,
		ErrNoAvailableNode, ErrMaxRestartsExceeded, ErrMigration,
		ErrCallApplicationError:
		return err
	case interface{ Unwrap() error }:
		if u := e.Unwrap(); u != nil {
			return getImplementer(u)
		}
		return err
	case causer:
		return getImplementer(e.Cause())
	default:
		return err
	}
}

// ---- InvalidNodeId ----

type ErrInvalidNodeId interface {
	InvalidNodeId()
}

type errInvalidNodeId struct {
	error
	value string
}

func (e errInvalidNodeId) InvalidNodeId() {}
func (e errInvalidNodeId) Cause() error   { return e.error }

// NewInvalidNodeId wraps err as an InvalidNodeId failure, recording the
// offending input string per spec §4.A.
func NewInvalidNodeId(value string, err error) error {
	return errInvalidNodeId{error: errors.Wrapf(err, "invalid node id %q", value), value: value}
}

func IsInvalidNodeId(err error) bool {
	_, ok := getImplementer(err).(ErrInvalidNodeId)
	return ok
}

// ---- InvalidClusterConfig ----

type ErrInvalidClusterConfig interface{ InvalidClusterConfig() }

type errInvalidClusterConfig struct{ error }

func (e errInvalidClusterConfig) InvalidClusterConfig() {}
func (e errInvalidClusterConfig) Cause() error           { return e.error }

func NewInvalidClusterConfig(reason string) error {
	return errInvalidClusterConfig{errors.New(reason)}
}

func IsInvalidClusterConfig(err error) bool {
	_, ok := getImplementer(err).(ErrInvalidClusterConfig)
	return ok
}

// ---- ClusterNotStarted ----

type ErrClusterNotStarted interface{ ClusterNotStarted() }

type errClusterNotStarted struct{ error }

func (e errClusterNotStarted) ClusterNotStarted() {}
func (e errClusterNotStarted) Cause() error       { return e.error }

var ErrNotStarted error = errClusterNotStarted{errors.New("cluster not started")}

func IsClusterNotStarted(err error) bool {
	_, ok := getImplementer(err).(ErrClusterNotStarted)
	return ok
}

// ---- RegistryConflict (local) ----

type ErrRegistryConflict interface{ RegistryConflict() }

type errRegistryConflict struct {
	error
	name string
}

func (e errRegistryConflict) RegistryConflict() {}
func (e errRegistryConflict) Cause() error      { return e.error }

func NewRegistryConflict(name string) error {
	return errRegistryConflict{errors.Errorf("name %q already registered locally", name), name}
}

func IsRegistryConflict(err error) bool {
	_, ok := getImplementer(err).(ErrRegistryConflict)
	return ok
}

// ---- GlobalNameConflict ----

type ErrGlobalNameConflict interface{ GlobalNameConflict() }

type errGlobalNameConflict struct {
	error
	name string
}

func (e errGlobalNameConflict) GlobalNameConflict() {}
func (e errGlobalNameConflict) Cause() error        { return e.error }

func NewGlobalNameConflict(name string) error {
	return errGlobalNameConflict{errors.Errorf("global name %q already registered", name), name}
}

func IsGlobalNameConflict(err error) bool {
	_, ok := getImplementer(err).(ErrGlobalNameConflict)
	return ok
}

// ---- GlobalNameNotFound ----

type ErrGlobalNameNotFound interface{ GlobalNameNotFound() }

type errGlobalNameNotFound struct {
	error
	name string
}

func (e errGlobalNameNotFound) GlobalNameNotFound() {}
func (e errGlobalNameNotFound) Cause() error        { return e.error }

func NewGlobalNameNotFound(name string) error {
	return errGlobalNameNotFound{errors.Errorf("global name %q not found", name), name}
}

func IsGlobalNameNotFound(err error) bool {
	_, ok := getImplementer(err).(ErrGlobalNameNotFound)
	return ok
}

// ---- ServerNotRunning ----

type ErrServerNotRunning interface{ ServerNotRunning() }

type errServerNotRunning struct {
	error
	serverId, nodeId string
}

func (e errServerNotRunning) ServerNotRunning() {}
func (e errServerNotRunning) Cause() error      { return e.error }

func NewServerNotRunning(serverId, nodeId string) error {
	msg := "server " + serverId + " is not running"
	if nodeId != "" {
		msg += " on node " + nodeId
	}
	return errServerNotRunning{errors.New(msg), serverId, nodeId}
}

func IsServerNotRunning(err error) bool {
	_, ok := getImplementer(err).(ErrServerNotRunning)
	return ok
}

// ---- CallTimeout ----

type ErrCallTimeout interface{ CallTimeout() }

type errCallTimeout struct {
	error
	serverId, nodeId string
	timeoutMs        int64
}

func (e errCallTimeout) CallTimeout() {}
func (e errCallTimeout) Cause() error { return e.error }

func NewCallTimeout(serverId, nodeId string, timeoutMs int64) error {
	return errCallTimeout{
		errors.Errorf("call to %s timed out after %dms", serverId, timeoutMs),
		serverId, nodeId, timeoutMs,
	}
}

func IsCallTimeout(err error) bool {
	_, ok := getImplementer(err).(ErrCallTimeout)
	return ok
}

// ---- NodeNotReachable ----

type ErrNodeNotReachable interface{ NodeNotReachable() }

type errNodeNotReachable struct {
	error
	nodeId string
}

func (e errNodeNotReachable) NodeNotReachable() {}
func (e errNodeNotReachable) Cause() error      { return e.error }

func NewNodeNotReachable(nodeId string) error {
	return errNodeNotReachable{errors.Errorf("node %s is not reachable", nodeId), nodeId}
}

func IsNodeNotReachable(err error) bool {
	_, ok := getImplementer(err).(ErrNodeNotReachable)
	return ok
}

// ---- MessageSerialization ----

type ErrMessageSerialization interface{ MessageSerialization() }

type errMessageSerialization struct{ error }

func (e errMessageSerialization) MessageSerialization() {}
func (e errMessageSerialization) Cause() error          { return e.error }

func NewMessageSerialization(err error) error {
	return errMessageSerialization{errors.Wrap(err, "message serialization")}
}

func IsMessageSerialization(err error) bool {
	_, ok := getImplementer(err).(ErrMessageSerialization)
	return ok
}

// ---- BehaviorNotFound ----

type ErrBehaviorNotFound interface{ BehaviorNotFound() }

type errBehaviorNotFound struct {
	error
	name string
}

func (e errBehaviorNotFound) BehaviorNotFound() {}
func (e errBehaviorNotFound) Cause() error      { return e.error }

func NewBehaviorNotFound(name string) error {
	return errBehaviorNotFound{errors.Errorf("behavior %q not registered", name), name}
}

func IsBehaviorNotFound(err error) bool {
	_, ok := getImplementer(err).(ErrBehaviorNotFound)
	return ok
}

// ---- BehaviorConflict (§9 Open Question 3) ----

type ErrBehaviorConflict interface{ BehaviorConflict() }

type errBehaviorConflict struct {
	error
	name string
}

func (e errBehaviorConflict) BehaviorConflict() {}
func (e errBehaviorConflict) Cause() error      { return e.error }

func NewBehaviorConflict(name string) error {
	return errBehaviorConflict{errors.Errorf("behavior %q already registered with a different factory", name), name}
}

func IsBehaviorConflict(err error) bool {
	_, ok := getImplementer(err).(ErrBehaviorConflict)
	return ok
}

// ---- NoAvailableNode ----

type ErrNoAvailableNode interface{ NoAvailableNode() }

type errNoAvailableNode struct {
	error
	childId string
}

func (e errNoAvailableNode) NoAvailableNode() {}
func (e errNoAvailableNode) Cause() error     { return e.error }

func NewNoAvailableNode(childId string) error {
	return errNoAvailableNode{errors.Errorf("no available node to place child %q", childId), childId}
}

func IsNoAvailableNode(err error) bool {
	_, ok := getImplementer(err).(ErrNoAvailableNode)
	return ok
}

// ---- MaxRestartsExceeded ----

type ErrMaxRestartsExceeded interface{ MaxRestartsExceeded() }

type errMaxRestartsExceeded struct {
	error
	supervisorId string
}

func (e errMaxRestartsExceeded) MaxRestartsExceeded() {}
func (e errMaxRestartsExceeded) Cause() error         { return e.error }

func NewMaxRestartsExceeded(supervisorId string) error {
	return errMaxRestartsExceeded{errors.Errorf("supervisor %q exceeded its restart intensity", supervisorId), supervisorId}
}

func IsMaxRestartsExceeded(err error) bool {
	_, ok := getImplementer(err).(ErrMaxRestartsExceeded)
	return ok
}

// ---- MigrationError ----

type ErrMigration interface{ Migration() }

type errMigration struct{ error }

func (e errMigration) Migration() {}
func (e errMigration) Cause() error { return e.error }

func NewMigrationError(err error) error {
	return errMigration{errors.Wrap(err, "state migration failed")}
}

func IsMigration(err error) bool {
	_, ok := getImplementer(err).(ErrMigration)
	return ok
}

// ---- CallApplicationError ----

// ErrCallApplicationError marks an error that originated from the
// target handler's own logic and was transported back as a CallError
// (spec §4.I "Application errors are transported as CallError").
type ErrCallApplicationError interface{ CallApplicationError() }

type errCallApplicationError struct {
	error
	kind, detail string
}

func (e errCallApplicationError) CallApplicationError() {}
func (e errCallApplicationError) Cause() error           { return e.error }

// Kind returns the remote errorKind string that labeled the failure on
// the originating node.
func (e errCallApplicationError) Kind() string { return e.kind }

func NewCallApplicationError(kind, detail string) error {
	return errCallApplicationError{errors.Errorf("remote call failed: %s: %s", kind, detail), kind, detail}
}

func IsCallApplicationError(err error) bool {
	_, ok := getImplementer(err).(ErrCallApplicationError)
	return ok
}
