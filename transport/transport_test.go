package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/noexrun/noex/codec"
	"github.com/noexrun/noex/nodeid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu       sync.Mutex
	ups      []nodeid.ID
	downs    []nodeid.ID
	messages []codec.Envelope
}

func (h *recordingHandler) PeerUp(peer nodeid.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ups = append(h.ups, peer)
}

func (h *recordingHandler) PeerDown(peer nodeid.ID, reason PeerDownReason) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.downs = append(h.downs, peer)
}

func (h *recordingHandler) Message(peer nodeid.ID, env codec.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, env)
}

func (h *recordingHandler) upCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ups)
}

func (h *recordingHandler) messageCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

func mustID(t *testing.T, name, host string, port int) nodeid.ID {
	id, err := nodeid.New(name, host, port)
	require.NoError(t, err)
	return id
}

// TestTwoNodeHandshakeAndMessage connects two transports and verifies
// peerUp fires on both sides and a sent envelope is delivered.
func TestTwoNodeHandshakeAndMessage(t *testing.T) {
	idA := mustID(t, "a", "127.0.0.1", 18471)
	idB := mustID(t, "b", "127.0.0.1", 18472)

	hA := &recordingHandler{}
	hB := &recordingHandler{}
	signer := codec.NewSigner("")

	tA := New(idA, signer, hA, 50*time.Millisecond, 500*time.Millisecond)
	tB := New(idB, signer, hB, 50*time.Millisecond, 500*time.Millisecond)
	require.NoError(t, tA.Start())
	require.NoError(t, tB.Start())
	defer tA.Stop()
	defer tB.Stop()

	tA.Connect(idB)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && (hA.upCount() == 0 || hB.upCount() == 0) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 1, hA.upCount())
	assert.Equal(t, 1, hB.upCount())

	body, err := codec.EncodeBody(codec.KindHeartbeat, map[string]any{"uptimeMs": 1, "processCount": 0})
	require.NoError(t, err)
	env := codec.Envelope{Version: codec.ProtocolVersion, From: idA.String(), Timestamp: 1, Payload: body}
	raw, err := signer.EncodeSigned(env)
	require.NoError(t, err)
	framed, err := codec.Frame(raw)
	require.NoError(t, err)

	tA.Send(idB, framed)

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && hB.messageCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, hB.messageCount())
	assert.Equal(t, codec.KindHeartbeat, hB.messages[0].Payload.Type)
}

// TestSelfLoopPrevention dials self and expects no peerUp to ever fire.
func TestSelfLoopPrevention(t *testing.T) {
	id := mustID(t, "self", "127.0.0.1", 18473)
	h := &recordingHandler{}
	signer := codec.NewSigner("")
	tr := New(id, signer, h, 50*time.Millisecond, 200*time.Millisecond)
	require.NoError(t, tr.Start())
	defer tr.Stop()

	tr.Connect(id)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, h.upCount())
}
