// Package link implements remote monitor and link (spec §4.J):
// one-way death notification and bidirectional exit-signal propagation
// across node boundaries.
package link

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/noexrun/noex/codec"
	"github.com/noexrun/noex/internal/events"
	"github.com/noexrun/noex/internal/logging"
	"github.com/noexrun/noex/nodeid"
	"github.com/noexrun/noex/process"
	"github.com/noexrun/noex/transport"
	"github.com/sirupsen/logrus"
)

// Sender delivers a pre-framed payload to peer.
type Sender interface {
	Send(peer nodeid.ID, framed []byte)
}

// incomingMonitor is a monitor another node installed on one of our
// local processes; fired when targetId terminates.
type incomingMonitor struct {
	monitorId   string
	watcherId   string
	watcherNode nodeid.ID
	targetId    string
}

// linkEntry is one half of a bidirectional link as seen from this node:
// localId is the local process bound into the link, peerNode is the
// node hosting the other half. Both the initiating and the accepting
// node keep the same shape of entry, so either side can fire an
// exit_signal to the other or react to one arriving (spec §4.J "Link
// (bidirectional)"). peerLocalId is only set when peerNode is this same
// node (a fully local link): it names the partner process to terminate
// directly, since there is no wire hop to carry an exit_signal over.
type linkEntry struct {
	localId     string
	peerNode    nodeid.ID
	peerLocalId string
}

// outgoingWait is a local monitor this node installed on a remote
// target, so node-loss can resolve it without a wire round-trip.
type outgoingWait struct {
	id         string // monitorId, for replying to the watcher
	targetNode nodeid.ID
	watcherRef process.Ref
}

// Manager implements remote monitor/link. Local process does not
// natively support monitor/link (spec §4.D has no such primitive);
// Manager layers the bookkeeping on top of the kernel's lifecycle event
// bus and drives termination via Kernel.ForceTerminate when a linked
// peer exits abnormally.
type Manager struct {
	local  nodeid.ID
	kernel *process.Kernel
	signer *codec.Signer
	sender Sender
	log    *logrus.Entry

	mu               sync.Mutex
	incomingMonitors map[string]incomingMonitor // keyed by monitorId
	outgoingMonitors map[string]outgoingWait    // keyed by monitorId
	links            map[string]linkEntry       // keyed by linkId, both directions

	unsubscribe func()
}

// New constructs a Manager bound to the local kernel's lifecycle bus so
// it learns when a locally monitored/linked process terminates.
func New(local nodeid.ID, kernel *process.Kernel, signer *codec.Signer, sender Sender, bus *events.Bus) *Manager {
	m := &Manager{
		local:  local,
		kernel: kernel,
		signer: signer,
		sender: sender,
		log:    logging.For("link").WithField("nodeId", local.String()),

		incomingMonitors: make(map[string]incomingMonitor),
		outgoingMonitors: make(map[string]outgoingWait),
		links:            make(map[string]linkEntry),
	}
	if bus != nil {
		m.unsubscribe = bus.Subscribe(context.Background(), m.onLifecycle)
	}
	return m
}

// Close unsubscribes from the lifecycle bus.
func (m *Manager) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

type monitorRequestBody struct {
	MonitorId string `json:"monitorId"`
	WatcherId string `json:"watcherId"`
	TargetId  string `json:"targetId"`
}

type monitorAckBody struct {
	MonitorId string `json:"monitorId"`
	Ok        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

type demonitorRequestBody struct {
	MonitorId string `json:"monitorId"`
}

type processDownBody struct {
	MonitorId string `json:"monitorId"`
	Reason    string `json:"reason"`
}

type linkRequestBody struct {
	LinkId   string `json:"linkId"`
	PeerId   string `json:"peerId"`
	TargetId string `json:"targetId"`
}

type linkAckBody struct {
	LinkId string `json:"linkId"`
	Ok     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

type unlinkRequestBody struct {
	LinkId string `json:"linkId"`
}

type exitSignalBody struct {
	LinkId string `json:"linkId"`
	Reason string `json:"reason"`
}

// Monitor installs a one-way monitor from watcherRef (local) to
// targetRef (may be remote) (spec §4.J "Monitor (one-way)").
func (m *Manager) Monitor(watcherRef, targetRef process.Ref) (string, error) {
	monitorId := codec.NewMonitorID()
	if targetRef.IsLocal() {
		m.mu.Lock()
		m.incomingMonitors[monitorId] = incomingMonitor{
			monitorId: monitorId, watcherId: watcherRef.ID, watcherNode: m.local, targetId: targetRef.ID,
		}
		m.mu.Unlock()
		return monitorId, nil
	}
	peer, err := nodeid.Parse(targetRef.NodeId)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.outgoingMonitors[monitorId] = outgoingWait{id: monitorId, targetNode: peer, watcherRef: watcherRef}
	m.mu.Unlock()

	body, _ := json.Marshal(monitorRequestBody{MonitorId: monitorId, WatcherId: watcherRef.ID, TargetId: targetRef.ID})
	m.send(peer, codec.KindMonitorRequest, body)
	return monitorId, nil
}

// Demonitor removes a previously installed monitor (spec §4.J
// "demonitor removes the registration").
func (m *Manager) Demonitor(monitorId string) {
	m.mu.Lock()
	if _, local := m.incomingMonitors[monitorId]; local {
		delete(m.incomingMonitors, monitorId)
		m.mu.Unlock()
		return
	}
	out, ok := m.outgoingMonitors[monitorId]
	delete(m.outgoingMonitors, monitorId)
	m.mu.Unlock()
	if !ok {
		return
	}
	body, _ := json.Marshal(demonitorRequestBody{MonitorId: monitorId})
	m.send(out.targetNode, codec.KindDemonitorRequest, body)
}

// Link installs a bidirectional link between localRef and targetRef
// (spec §4.J "Link (bidirectional)"). When both ends are local, each
// end's entry is stored under a distinct suffixed key so either side's
// termination can directly terminate the other without a wire hop.
func (m *Manager) Link(localRef, targetRef process.Ref) (string, error) {
	linkId := codec.NewLinkID()
	if targetRef.IsLocal() {
		m.mu.Lock()
		m.links[linkId+"/a"] = linkEntry{localId: localRef.ID, peerNode: m.local, peerLocalId: targetRef.ID}
		m.links[linkId+"/b"] = linkEntry{localId: targetRef.ID, peerNode: m.local, peerLocalId: localRef.ID}
		m.mu.Unlock()
		return linkId, nil
	}
	peer, err := nodeid.Parse(targetRef.NodeId)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.links[linkId] = linkEntry{localId: localRef.ID, peerNode: peer}
	m.mu.Unlock()

	body, _ := json.Marshal(linkRequestBody{LinkId: linkId, PeerId: localRef.ID, TargetId: targetRef.ID})
	m.send(peer, codec.KindLinkRequest, body)
	return linkId, nil
}

// Unlink removes a previously installed link.
func (m *Manager) Unlink(linkId string) {
	m.mu.Lock()
	if _, local := m.links[linkId+"/a"]; local {
		delete(m.links, linkId+"/a")
		delete(m.links, linkId+"/b")
		m.mu.Unlock()
		return
	}
	entry, ok := m.links[linkId]
	delete(m.links, linkId)
	m.mu.Unlock()
	if !ok {
		return
	}
	body, _ := json.Marshal(unlinkRequestBody{LinkId: linkId})
	m.send(entry.peerNode, codec.KindUnlinkRequest, body)
}

func (m *Manager) send(peer nodeid.ID, kind codec.MessageKind, body []byte) {
	msg := codec.ClusterMessage{Type: kind, Body: body}
	env := codec.Envelope{Version: codec.ProtocolVersion, From: m.local.String(), Timestamp: time.Now().UnixMilli(), Payload: msg}
	raw, err := m.signer.EncodeSigned(env)
	if err != nil {
		return
	}
	framed, err := codec.Frame(raw)
	if err != nil {
		return
	}
	m.sender.Send(peer, framed)
}

// Handles reports whether kind is one this package's Message dispatches.
func Handles(kind codec.MessageKind) bool {
	switch kind {
	case codec.KindMonitorRequest, codec.KindMonitorAck, codec.KindDemonitorRequest, codec.KindProcessDown,
		codec.KindLinkRequest, codec.KindLinkAck, codec.KindUnlinkRequest, codec.KindExitSignal:
		return true
	default:
		return false
	}
}

// Message handles every monitor/link ClusterMessage kind received from
// peer (spec §4.J).
func (m *Manager) Message(peer nodeid.ID, env codec.Envelope) {
	switch env.Payload.Type {
	case codec.KindMonitorRequest:
		m.handleMonitorRequest(peer, env)
	case codec.KindMonitorAck:
		// advisory only: failure to install is observable via a later
		// process_down with reason noproc, not via this ack.
	case codec.KindDemonitorRequest:
		m.handleDemonitorRequest(env)
	case codec.KindProcessDown:
		m.handleProcessDown(env)
	case codec.KindLinkRequest:
		m.handleLinkRequest(peer, env)
	case codec.KindLinkAck:
	case codec.KindUnlinkRequest:
		m.handleUnlinkRequest(env)
	case codec.KindExitSignal:
		m.handleExitSignal(env)
	}
}

func (m *Manager) handleMonitorRequest(peer nodeid.ID, env codec.Envelope) {
	var body monitorRequestBody
	if err := codec.DecodeBody(env.Payload, &body); err != nil {
		return
	}
	if _, ok := m.kernel.Lookup(body.TargetId); !ok {
		m.sendProcessDown(peer, body.MonitorId, string(process.ReasonNoProc))
		return
	}
	m.mu.Lock()
	m.incomingMonitors[body.MonitorId] = incomingMonitor{
		monitorId: body.MonitorId, watcherId: body.WatcherId, watcherNode: peer, targetId: body.TargetId,
	}
	m.mu.Unlock()
	ack, _ := json.Marshal(monitorAckBody{MonitorId: body.MonitorId, Ok: true})
	m.send(peer, codec.KindMonitorAck, ack)
}

func (m *Manager) handleDemonitorRequest(env codec.Envelope) {
	var body demonitorRequestBody
	if err := codec.DecodeBody(env.Payload, &body); err != nil {
		return
	}
	m.mu.Lock()
	delete(m.incomingMonitors, body.MonitorId)
	m.mu.Unlock()
}

func (m *Manager) sendProcessDown(peer nodeid.ID, monitorId, reason string) {
	body, _ := json.Marshal(processDownBody{MonitorId: monitorId, Reason: reason})
	m.send(peer, codec.KindProcessDown, body)
}

// ProcessDownMessage is delivered to a watcher's mailbox when a monitor
// fires (spec §4.J "delivers a message to the watcher").
type ProcessDownMessage struct {
	MonitorId string
	Reason    string
}

func (m *Manager) handleProcessDown(env codec.Envelope) {
	var body processDownBody
	if err := codec.DecodeBody(env.Payload, &body); err != nil {
		return
	}
	m.mu.Lock()
	out, ok := m.outgoingMonitors[body.MonitorId]
	delete(m.outgoingMonitors, body.MonitorId)
	m.mu.Unlock()
	if !ok {
		return
	}
	_ = m.kernel.Cast(out.watcherRef, ProcessDownMessage{MonitorId: body.MonitorId, Reason: body.Reason})
}

func (m *Manager) handleLinkRequest(peer nodeid.ID, env codec.Envelope) {
	var body linkRequestBody
	if err := codec.DecodeBody(env.Payload, &body); err != nil {
		return
	}
	if _, ok := m.kernel.Lookup(body.TargetId); !ok {
		nack, _ := json.Marshal(linkAckBody{LinkId: body.LinkId, Ok: false, Error: "noproc"})
		m.send(peer, codec.KindLinkAck, nack)
		return
	}
	m.mu.Lock()
	m.links[body.LinkId] = linkEntry{localId: body.TargetId, peerNode: peer}
	m.mu.Unlock()
	ack, _ := json.Marshal(linkAckBody{LinkId: body.LinkId, Ok: true})
	m.send(peer, codec.KindLinkAck, ack)
}

func (m *Manager) handleUnlinkRequest(env codec.Envelope) {
	var body unlinkRequestBody
	if err := codec.DecodeBody(env.Payload, &body); err != nil {
		return
	}
	m.mu.Lock()
	delete(m.links, body.LinkId)
	m.mu.Unlock()
}

// handleExitSignal propagates an exit signal from a remote link peer
// (spec §4.J "Link": "reason normal does not terminate the peer; any
// other reason terminates the peer with the same reason").
func (m *Manager) handleExitSignal(env codec.Envelope) {
	var body exitSignalBody
	if err := codec.DecodeBody(env.Payload, &body); err != nil {
		return
	}
	m.mu.Lock()
	entry, ok := m.links[body.LinkId]
	delete(m.links, body.LinkId)
	m.mu.Unlock()
	if !ok {
		return
	}
	if body.Reason == string(process.ReasonNormal) {
		return
	}
	m.kernel.ForceTerminate(process.Ref{ID: entry.localId}, process.TerminateReason{Kind: process.ReasonKind(body.Reason)})
}

// onLifecycle fires process_down for every monitor watching the
// terminated process and propagates an exit_signal across every link
// bound to it (spec §4.J).
func (m *Manager) onLifecycle(lc events.Lifecycle) {
	if lc.Kind != events.Terminated && lc.Kind != events.Crashed {
		return
	}
	reason := lc.Reason
	if lc.Kind == events.Crashed {
		reason = string(process.ReasonError)
	}
	if reason == "" {
		reason = string(process.ReasonNormal)
	}

	m.mu.Lock()
	var dueMonitors []incomingMonitor
	for id, mon := range m.incomingMonitors {
		if mon.targetId == lc.ServerId {
			dueMonitors = append(dueMonitors, mon)
			delete(m.incomingMonitors, id)
		}
	}
	var dueLinks []struct {
		id    string
		entry linkEntry
	}
	for id, entry := range m.links {
		if entry.localId == lc.ServerId {
			dueLinks = append(dueLinks, struct {
				id    string
				entry linkEntry
			}{id, entry})
			delete(m.links, id)
		}
	}
	m.mu.Unlock()

	for _, mon := range dueMonitors {
		if mon.watcherNode.Equal(m.local) {
			_ = m.kernel.Cast(process.Ref{ID: mon.watcherId}, ProcessDownMessage{MonitorId: mon.monitorId, Reason: reason})
			continue
		}
		m.sendProcessDown(mon.watcherNode, mon.monitorId, reason)
	}

	for _, due := range dueLinks {
		if reason == string(process.ReasonNormal) {
			continue
		}
		if due.entry.peerNode.Equal(m.local) {
			m.kernel.ForceTerminate(process.Ref{ID: due.entry.peerLocalId}, process.TerminateReason{Kind: process.ReasonKind(reason)})
			continue
		}
		body, _ := json.Marshal(exitSignalBody{LinkId: due.id, Reason: reason})
		m.send(due.entry.peerNode, codec.KindExitSignal, body)
	}
}

// NodeDown resolves every outstanding monitor/link addressed to a lost
// peer: monitors fire with reason nodedown, links propagate an exit of
// the same reason locally (spec §4.J "Node loss").
func (m *Manager) NodeDown(peer nodeid.ID) {
	m.mu.Lock()
	var firedMonitors []outgoingWait
	for id, out := range m.outgoingMonitors {
		if out.targetNode.Equal(peer) {
			firedMonitors = append(firedMonitors, out)
			delete(m.outgoingMonitors, id)
		}
	}
	var firedLinks []linkEntry
	for id, entry := range m.links {
		if entry.peerNode.Equal(peer) {
			firedLinks = append(firedLinks, entry)
			delete(m.links, id)
		}
	}
	// incoming monitor registrations owned by the lost peer's watcher
	// are moot once the peer is gone; drop them so a later reconnect
	// starts clean rather than replaying stale state.
	for id, mon := range m.incomingMonitors {
		if mon.watcherNode.Equal(peer) {
			delete(m.incomingMonitors, id)
		}
	}
	m.mu.Unlock()

	for _, out := range firedMonitors {
		_ = m.kernel.Cast(out.watcherRef, ProcessDownMessage{MonitorId: out.id, Reason: string(process.ReasonNodeDown)})
	}
	for _, entry := range firedLinks {
		m.kernel.ForceTerminate(process.Ref{ID: entry.localId}, process.TerminateReason{Kind: process.ReasonNodeDown})
	}
}

// PeerUp implements transport.Handler so Manager can be driven directly
// by a Transport in isolation (membership is the production Handler and
// forwards Message/NodeDown to Manager itself); a fresh connection
// carries no monitor/link state of its own.
func (m *Manager) PeerUp(peer nodeid.ID) {}

// PeerDown implements transport.Handler the same way PeerUp does,
// treating any transport-level disconnect as equivalent to NodeDown
// when Manager is driven standalone.
func (m *Manager) PeerDown(peer nodeid.ID, reason transport.PeerDownReason) {
	m.NodeDown(peer)
}
