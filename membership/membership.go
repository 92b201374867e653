// Package membership implements cluster membership (spec §4.C): the
// known-peer set and its status, heartbeat-based failure detection, and
// gossip-based peer discovery.
package membership

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/noexrun/noex/codec"
	"github.com/noexrun/noex/internal/logging"
	"github.com/noexrun/noex/nodeid"
	"github.com/noexrun/noex/transport"
	"github.com/sirupsen/logrus"
)

// Status is a known peer's membership status (spec §4.C).
type Status string

const (
	Connected    Status = "connected"
	Disconnected Status = "disconnected"
	Timeout      Status = "timeout"
	Error        Status = "error"
)

// ClusterStatus is the local node's own membership lifecycle (spec
// §4.C "statusChange").
type ClusterStatus string

const (
	Starting ClusterStatus = "starting"
	Running  ClusterStatus = "running"
	Stopping ClusterStatus = "stopping"
	Stopped  ClusterStatus = "stopped"
)

// PeerInfo is a point-in-time snapshot of one known peer.
type PeerInfo struct {
	ID              nodeid.ID
	Status          Status
	LastHeartbeatAt time.Time
	UptimeMs        int64
	ProcessCount    int
}

// UpperHandler receives membership-level events, consumed by the
// global registry (§4.K), remote call/spawn (§4.I), and the cluster
// wiring layer. Message receives every ClusterMessage kind Membership
// does not itself interpret (call/cast/spawn/monitor/link/registry_*).
type UpperHandler interface {
	NodeUp(info PeerInfo)
	NodeDown(id nodeid.ID, reason string)
	StatusChange(status ClusterStatus)
	Message(peer nodeid.ID, env codec.Envelope)
}

type peerRecord struct {
	info      PeerInfo
	connected bool
}

// Options configures Membership (spec §6 cluster configuration).
type Options struct {
	HeartbeatInterval   time.Duration
	HeartbeatMissThreshold int
	ProcessCount        func() int
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.HeartbeatMissThreshold <= 0 {
		o.HeartbeatMissThreshold = 3
	}
	if o.ProcessCount == nil {
		o.ProcessCount = func() int { return 0 }
	}
	return o
}

// Membership owns the known-peer set and drives heartbeat/gossip on top
// of a Transport (spec §4.C).
type Membership struct {
	local   nodeid.ID
	tr      *transport.Transport
	signer  *codec.Signer
	upper   UpperHandler
	opts    Options
	log     *logrus.Entry

	mu        sync.Mutex
	peers     map[string]*peerRecord
	status    ClusterStatus
	startedAt time.Time
	stopped   bool

	bcast  *memberlist.TransmitLimitedQueue
	stopCh chan struct{}
}

// New constructs a Membership bound to local and riding on tr. signer
// is reused for signing membership's own heartbeat/gossip envelopes.
func New(local nodeid.ID, tr *transport.Transport, signer *codec.Signer, upper UpperHandler, opts Options) *Membership {
	m := &Membership{
		local:  local,
		tr:     tr,
		signer: signer,
		upper:  upper,
		opts:   opts.withDefaults(),
		log:    logging.For("membership").WithField("nodeId", local.String()),
		peers:  make(map[string]*peerRecord),
		status: Starting,
		stopCh: make(chan struct{}),
	}
	m.bcast = &memberlist.TransmitLimitedQueue{
		NumNodes:       m.peerCount,
		RetransmitMult: 3,
	}
	return m
}

func (m *Membership) peerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers) + 1
}

// Start dials every seed unconditionally (except self) and begins the
// heartbeat/sweep loops (spec §4.C "Seed bootstrap"). Seed dial failure
// never prevents startup.
func (m *Membership) Start(seeds []nodeid.ID) {
	m.startedAt = time.Now()
	m.setStatus(Running)

	for _, seed := range seeds {
		if seed.Equal(m.local) {
			continue
		}
		m.tr.Connect(seed)
	}

	go m.heartbeatLoop()
	go m.sweepLoop()
}

// Stop marks the cluster status stopping/stopped and halts the
// internal loops. It does not itself close transport connections —
// the top-level cluster wiring owns shutdown ordering across
// components.
func (m *Membership) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	m.setStatus(Stopping)
	close(m.stopCh)
	m.setStatus(Stopped)
}

func (m *Membership) setStatus(s ClusterStatus) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
	m.upper.StatusChange(s)
}

// Snapshot returns every currently known peer.
func (m *Membership) Snapshot() []PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PeerInfo, 0, len(m.peers))
	for _, rec := range m.peers {
		out = append(out, rec.info)
	}
	return out
}

// ---- transport.Handler ----

var _ transport.Handler = (*Membership)(nil)

// PeerUp implements transport.Handler: a connection to peer completed
// its handshake (spec §4.C consumes transport's peerUp).
func (m *Membership) PeerUp(peer nodeid.ID) {
	m.mu.Lock()
	rec, ok := m.peers[peer.String()]
	if !ok {
		rec = &peerRecord{info: PeerInfo{ID: peer}}
		m.peers[peer.String()] = rec
	}
	rec.connected = true
	rec.info.Status = Connected
	rec.info.LastHeartbeatAt = time.Now()
	info := rec.info
	m.mu.Unlock()

	m.queueDelta(peer, Connected)
	m.upper.NodeUp(info)
	m.sendKnownPeers(peer)
}

// PeerDown implements transport.Handler (spec §4.C consumes transport's
// peerDown). If the sweeper already declared this peer down on a
// heartbeat timeout, the resulting transport-level close is not
// reported a second time.
func (m *Membership) PeerDown(peer nodeid.ID, reason transport.PeerDownReason) {
	m.mu.Lock()
	rec, ok := m.peers[peer.String()]
	if !ok {
		m.mu.Unlock()
		return
	}
	alreadyTimedOut := rec.info.Status == Timeout && !rec.connected
	rec.connected = false
	if !alreadyTimedOut {
		rec.info.Status = mapReason(reason)
	}
	m.mu.Unlock()

	if alreadyTimedOut {
		return
	}
	m.queueDelta(peer, mapReason(reason))
	m.upper.NodeDown(peer, string(reason))
}

func mapReason(reason transport.PeerDownReason) Status {
	switch reason {
	case transport.HeartbeatTimeout:
		return Timeout
	case transport.ConnectionRefused:
		return Error
	default:
		return Disconnected
	}
}

// Message implements transport.Handler: intercepts membership's own
// protocol messages (heartbeat, gossip) and forwards everything else
// upward (spec §4.I/§4.J/§4.K payloads).
func (m *Membership) Message(peer nodeid.ID, env codec.Envelope) {
	switch env.Payload.Type {
	case codec.KindHeartbeat:
		m.handleHeartbeat(peer, env)
	case codec.KindPeerGossip:
		m.handleGossip(peer, env)
	default:
		m.upper.Message(peer, env)
	}
}

type heartbeatBody struct {
	UptimeMs     int64 `json:"uptimeMs"`
	ProcessCount int   `json:"processCount"`
}

func (m *Membership) handleHeartbeat(peer nodeid.ID, env codec.Envelope) {
	var body heartbeatBody
	if err := codec.DecodeBody(env.Payload, &body); err != nil {
		return
	}
	m.mu.Lock()
	rec, ok := m.peers[peer.String()]
	if ok {
		rec.info.LastHeartbeatAt = time.Now()
		rec.info.UptimeMs = body.UptimeMs
		rec.info.ProcessCount = body.ProcessCount
	}
	m.mu.Unlock()
}

type gossipBody struct {
	Full  []string    `json:"full,omitempty"`
	Delta *deltaEntry `json:"delta,omitempty"`
}

type deltaEntry struct {
	NodeId string `json:"nodeId"`
	Status string `json:"status"`
}

func (m *Membership) handleGossip(peer nodeid.ID, env codec.Envelope) {
	var body gossipBody
	if err := codec.DecodeBody(env.Payload, &body); err != nil {
		return
	}
	if body.Full != nil {
		for _, raw := range body.Full {
			id, err := nodeid.Parse(raw)
			if err != nil || id.Equal(m.local) {
				continue
			}
			m.mu.Lock()
			_, known := m.peers[id.String()]
			m.mu.Unlock()
			if !known {
				m.tr.Connect(id)
			}
		}
		return
	}
	if body.Delta != nil && body.Delta.Status == string(Connected) {
		id, err := nodeid.Parse(body.Delta.NodeId)
		if err != nil || id.Equal(m.local) {
			return
		}
		m.mu.Lock()
		_, known := m.peers[id.String()]
		m.mu.Unlock()
		if !known {
			m.tr.Connect(id)
		}
	}
}

// sendKnownPeers sends the full currently-known peer set directly to a
// newly joined peer (spec §4.C "Gossip": "on nodeUp the membership
// sends its currently-known peer set to the new peer").
func (m *Membership) sendKnownPeers(newPeer nodeid.ID) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.peers))
	for key, rec := range m.peers {
		if key == newPeer.String() {
			continue
		}
		ids = append(ids, rec.info.ID.String())
	}
	m.mu.Unlock()
	if len(ids) == 0 {
		return
	}
	body, err := json.Marshal(gossipBody{Full: ids})
	if err != nil {
		return
	}
	m.sendEnvelope(newPeer, codec.KindPeerGossip, body)
}

func (m *Membership) queueDelta(peer nodeid.ID, status Status) {
	raw, err := json.Marshal(gossipBody{Delta: &deltaEntry{NodeId: peer.String(), Status: string(status)}})
	if err != nil {
		return
	}
	m.bcast.QueueBroadcast(&peerBroadcast{peerID: peer.String(), msg: raw})
}

func (m *Membership) sendEnvelope(peer nodeid.ID, kind codec.MessageKind, body json.RawMessage) {
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
	m.tr.Send(peer, framed)
}

func (m *Membership) broadcastFramed(kind codec.MessageKind, body json.RawMessage) {
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
	m.tr.Broadcast(framed)
}

// heartbeatLoop sends a heartbeat to every connected peer and flushes
// the gossip broadcast queue every HeartbeatInterval (spec §4.C
// "Heartbeat").
func (m *Membership) heartbeatLoop() {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sendHeartbeats()
			m.flushGossip()
		}
	}
}

func (m *Membership) sendHeartbeats() {
	body, err := json.Marshal(heartbeatBody{
		UptimeMs:     time.Since(m.startedAt).Milliseconds(),
		ProcessCount: m.opts.ProcessCount(),
	})
	if err != nil {
		return
	}
	m.mu.Lock()
	connected := make([]nodeid.ID, 0, len(m.peers))
	for _, rec := range m.peers {
		if rec.connected {
			connected = append(connected, rec.info.ID)
		}
	}
	m.mu.Unlock()
	for _, peer := range connected {
		m.sendEnvelope(peer, codec.KindHeartbeat, body)
	}
}

func (m *Membership) flushGossip() {
	raws := m.bcast.GetBroadcasts(0, 1400)
	for _, raw := range raws {
		m.broadcastFramed(codec.KindPeerGossip, raw)
	}
}

// sweepLoop marks peers whose last heartbeat is older than
// HeartbeatInterval * HeartbeatMissThreshold as timed out, closing the
// underlying connection (spec §4.C "Heartbeat").
func (m *Membership) sweepLoop() {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Membership) sweep() {
	threshold := m.opts.HeartbeatInterval * time.Duration(m.opts.HeartbeatMissThreshold)
	now := time.Now()

	var timedOut []nodeid.ID
	m.mu.Lock()
	for _, rec := range m.peers {
		if !rec.connected {
			continue
		}
		if now.Sub(rec.info.LastHeartbeatAt) > threshold {
			rec.info.Status = Timeout
			rec.connected = false
			timedOut = append(timedOut, rec.info.ID)
		}
	}
	m.mu.Unlock()

	for _, peer := range timedOut {
		m.queueDelta(peer, Timeout)
		m.upper.NodeDown(peer, string(transport.HeartbeatTimeout))
		m.tr.Disconnect(peer)
	}
}
