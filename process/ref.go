// Package process implements the local process kernel (spec §4.D):
// mailbox, serialized dispatch, lifecycle state machine, and synchronous
// call/reply on top of asynchronous message passing.
package process

// Ref is an opaque handle identifying a process (spec §3 "Server
// reference"). A local reference has an empty NodeId; a remote one
// carries the owning node's id. Refs are comparable values.
type Ref struct {
	ID     string
	NodeId string
}

// IsLocal reports whether ref addresses a process on the local node.
func (r Ref) IsLocal() bool { return r.NodeId == "" }

// String renders ref for logging.
func (r Ref) String() string {
	if r.IsLocal() {
		return r.ID
	}
	return r.ID + "@" + r.NodeId
}
