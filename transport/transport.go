// Package transport implements the peer transport (spec §4.B): one
// full-duplex TCP stream per peer, peer-level lifecycle events, and
// bounded-exponential-backoff reconnection.
package transport

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/noexrun/noex/codec"
	"github.com/noexrun/noex/internal/logging"
	"github.com/noexrun/noex/nodeid"
	"github.com/sirupsen/logrus"
)

// PeerDownReason classifies why a peer connection was lost (spec §4.B
// "peerDown").
type PeerDownReason string

const (
	ConnectionClosed   PeerDownReason = "connection_closed"
	ConnectionRefused  PeerDownReason = "connection_refused"
	HeartbeatTimeout   PeerDownReason = "heartbeat_timeout"
	GracefulShutdown   PeerDownReason = "graceful_shutdown"
)

// Handler receives transport-level events. Implementations must not
// block for long inside these callbacks — Membership (§4.C) is the
// intended consumer and dispatches quickly.
type Handler interface {
	PeerUp(peer nodeid.ID)
	PeerDown(peer nodeid.ID, reason PeerDownReason)
	Message(peer nodeid.ID, env codec.Envelope)
}

// Transport owns one net.Listener and a full-duplex connection per
// known peer (spec §4.B).
type Transport struct {
	local   nodeid.ID
	signer  *codec.Signer
	handler Handler
	log     *logrus.Entry

	baseDelay, maxDelay time.Duration

	mu       sync.Mutex
	listener net.Listener
	peers    map[string]*peerConn
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Transport bound to local, signing/verifying
// envelopes with signer, and delivering events to handler.
func New(local nodeid.ID, signer *codec.Signer, handler Handler, baseDelay, maxDelay time.Duration) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		local:     local,
		signer:    signer,
		handler:   handler,
		log:       logging.For("transport").WithField("nodeId", local.String()),
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		peers:     make(map[string]*peerConn),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start binds the listener on local's host:port and begins accepting
// inbound peer connections (spec §4.B "start(localNodeId)").
func (t *Transport) Start() error {
	host, portStr, err := net.SplitHostPort(t.local.HostPort())
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	go t.acceptLoop(ln)
	return nil
}

func (t *Transport) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
				t.log.WithError(err).Warn("accept failed")
				return
			}
		}
		go t.handleInbound(conn)
	}
}

// Stop closes the listener and every peer connection with reason
// graceful_shutdown (spec §4.B "Disconnection by local request is
// final (no auto-retry)").
func (t *Transport) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	ln := t.listener
	peers := make([]*peerConn, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	t.cancel()
	if ln != nil {
		_ = ln.Close()
	}
	for _, p := range peers {
		p.closeFinal(GracefulShutdown)
	}
	return nil
}

// Connect dials peer if not already connected or connecting (spec §4.B
// "connect(peerNodeId)").
func (t *Transport) Connect(peer nodeid.ID) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if _, ok := t.peers[peer.String()]; ok {
		t.mu.Unlock()
		return
	}
	pc := newPeerConn(peer, t)
	t.peers[peer.String()] = pc
	t.mu.Unlock()

	go pc.dialLoop()
}

// Disconnect closes the connection to peer, if any, and marks it final:
// no automatic reconnect follows (spec §4.B).
func (t *Transport) Disconnect(peer nodeid.ID) {
	t.mu.Lock()
	pc, ok := t.peers[peer.String()]
	t.mu.Unlock()
	if !ok {
		return
	}
	pc.closeFinal(GracefulShutdown)
}

// Send queues framedBytes for delivery to peer; if the peer is not yet
// connected, the write queues and flushes on transition (spec §4.B).
func (t *Transport) Send(peer nodeid.ID, framed []byte) {
	t.mu.Lock()
	pc, ok := t.peers[peer.String()]
	t.mu.Unlock()
	if !ok {
		return
	}
	pc.out.push(framed)
}

// Broadcast queues framedBytes for delivery to every known peer.
func (t *Transport) Broadcast(framed []byte) {
	t.mu.Lock()
	peers := make([]*peerConn, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()
	for _, p := range peers {
		p.out.push(framed)
	}
}

func (t *Transport) removePeer(id string) {
	t.mu.Lock()
	delete(t.peers, id)
	t.mu.Unlock()
}
