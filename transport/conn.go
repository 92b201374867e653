package transport

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/noexrun/noex/codec"
	"github.com/noexrun/noex/nodeid"
)

// peerConn owns one full-duplex TCP stream to a single peer. Outbound
// connections (created via Transport.Connect) own a backoff and redial
// on loss; inbound connections (accepted on the listener) do not retry
// themselves — the spec's reconnect contract is "connect(peerNodeId)"
// driven, and only the side that called connect owns the retry loop.
type peerConn struct {
	t  *Transport
	id nodeid.ID

	out *outbox

	mu        sync.Mutex
	conn      net.Conn
	connected bool

	stop      chan struct{}
	closeOnce sync.Once

	bo       *backoff
	outbound bool
}

func newPeerConn(id nodeid.ID, t *Transport) *peerConn {
	return &peerConn{
		t:        t,
		id:       id,
		out:      newOutbox(),
		stop:     make(chan struct{}),
		bo:       newBackoff(t.baseDelay, t.maxDelay),
		outbound: true,
	}
}

// dialLoop is the outbound redial loop (spec §4.B "Reconnect").
func (pc *peerConn) dialLoop() {
	for {
		select {
		case <-pc.stop:
			return
		case <-pc.t.ctx.Done():
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", pc.id.HostPort(), 5*time.Second)
		if err != nil {
			pc.t.handler.PeerDown(pc.id, ConnectionRefused)
			if !pc.waitRetry() {
				return
			}
			continue
		}

		if !pc.runSession(conn, true) {
			return // closeFinal happened
		}
		if !pc.waitRetry() {
			return
		}
	}
}

func (pc *peerConn) waitRetry() bool {
	delay := pc.bo.next()
	select {
	case <-time.After(delay):
		return true
	case <-pc.stop:
		return false
	case <-pc.t.ctx.Done():
		return false
	}
}

// handleInbound performs the handshake on an accepted connection and,
// absent self-loop, registers and runs the session (spec §4.B
// "self-loop prevention").
func (t *Transport) handleInbound(conn net.Conn) {
	r := bufio.NewReaderSize(conn, 64*1024)
	peerID, err := readHandshake(r)
	if err != nil {
		_ = conn.Close()
		return
	}
	if peerID.Equal(t.local) {
		_ = conn.Close()
		return
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	pc, ok := t.peers[peerID.String()]
	if !ok {
		pc = &peerConn{t: t, id: peerID, out: newOutbox(), stop: make(chan struct{}), bo: newBackoff(t.baseDelay, t.maxDelay)}
		t.peers[peerID.String()] = pc
	}
	t.mu.Unlock()

	if err := writeHandshake(conn, t.local); err != nil {
		_ = conn.Close()
		return
	}
	pc.runSessionWithReader(conn, r, false)
}

// runSession performs the outbound handshake then hands off to the
// shared read/write session. Returns false if the peer was closed
// permanently (no further redial should happen).
func (pc *peerConn) runSession(conn net.Conn, outbound bool) bool {
	if err := writeHandshake(conn, pc.t.local); err != nil {
		_ = conn.Close()
		return true
	}
	r := bufio.NewReaderSize(conn, 64*1024)
	peerID, err := readHandshake(r)
	if err != nil {
		_ = conn.Close()
		return true
	}
	if peerID.Equal(pc.t.local) {
		_ = conn.Close()
		return false
	}
	return pc.runSessionWithReader(conn, r, outbound)
}

// runSessionWithReader marks pc connected, flushes queued writes, and
// pumps the read loop until the connection drops. Returns whether the
// caller's redial loop should continue: false once pc has been closed
// final, true otherwise (inbound never redials, so only dialLoop uses
// the value).
func (pc *peerConn) runSessionWithReader(conn net.Conn, r *bufio.Reader, outbound bool) bool {
	pc.mu.Lock()
	pc.conn = conn
	pc.connected = true
	pc.mu.Unlock()
	pc.bo.reset()

	writerDone := make(chan struct{})
	go pc.writerLoop(conn, writerDone)

	pc.t.handler.PeerUp(pc.id)

	reason := pc.readLoop(conn, r)

	pc.mu.Lock()
	pc.connected = false
	pc.conn = nil
	pc.mu.Unlock()
	_ = conn.Close()
	<-writerDone

	final := pc.isClosedFinal()
	if final {
		pc.t.handler.PeerDown(pc.id, GracefulShutdown)
		pc.t.removePeer(pc.id.String())
		return false
	}
	pc.t.handler.PeerDown(pc.id, reason)
	if !outbound {
		pc.t.removePeer(pc.id.String())
	}
	return true
}

func (pc *peerConn) isClosedFinal() bool {
	select {
	case <-pc.stop:
		return true
	default:
		return false
	}
}

func (pc *peerConn) writerLoop(conn net.Conn, done chan struct{}) {
	defer close(done)
	for {
		frame, ok := pc.out.pop(pc.stop)
		if !ok {
			return
		}
		if _, err := conn.Write(frame); err != nil {
			return
		}
	}
}

func (pc *peerConn) readLoop(conn net.Conn, r *bufio.Reader) PeerDownReason {
	var un codec.Unframer
	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			un.Feed(buf[:n])
			for {
				payload, ok, ferr := un.Next()
				if ferr != nil {
					return ConnectionClosed
				}
				if !ok {
					break
				}
				env, derr := pc.t.signer.DecodeVerified(payload)
				if derr != nil {
					continue // codec errors on inbound: drop message, connection stays up (spec §7)
				}
				pc.t.handler.Message(pc.id, env)
			}
		}
		if err != nil {
			return ConnectionClosed
		}
	}
}

// closeFinal marks pc as permanently closed (no auto-retry) and tears
// down its active connection, if any (spec §4.B "Disconnection by
// local request is final").
func (pc *peerConn) closeFinal(reason PeerDownReason) {
	pc.closeOnce.Do(func() {
		close(pc.stop)
	})
	pc.out.close()
	pc.mu.Lock()
	conn := pc.conn
	pc.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func writeHandshake(conn net.Conn, local nodeid.ID) error {
	frame, err := codec.Frame([]byte(local.String()))
	if err != nil {
		return err
	}
	_, err = conn.Write(frame)
	return err
}

func readHandshake(r *bufio.Reader) (nodeid.ID, error) {
	lenBuf := make([]byte, 4)
	if _, err := ioReadFull(r, lenBuf); err != nil {
		return nodeid.ID{}, err
	}
	n := int(lenBuf[0])<<24 | int(lenBuf[1])<<16 | int(lenBuf[2])<<8 | int(lenBuf[3])
	if n <= 0 || n > 1024 {
		return nodeid.ID{}, errHandshake{}
	}
	payload := make([]byte, n)
	if _, err := ioReadFull(r, payload); err != nil {
		return nodeid.ID{}, err
	}
	return nodeid.Parse(string(payload))
}

func ioReadFull(r *bufio.Reader, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := r.Read(buf[read:])
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
}

type errHandshake struct{}

func (errHandshake) Error() string { return "invalid handshake frame" }
