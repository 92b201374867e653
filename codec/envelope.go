package codec

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"

	"github.com/noexrun/noex/errdefs"
)

// ProtocolVersion is the current wire envelope version (spec §6).
const ProtocolVersion = 1

// MessageKind discriminates ClusterMessage payloads (spec §6
// "ClusterMessage kinds").
type MessageKind string

const (
	KindHeartbeat         MessageKind = "heartbeat"
	KindCall              MessageKind = "call"
	KindCallReply         MessageKind = "call_reply"
	KindCallError         MessageKind = "call_error"
	KindCast              MessageKind = "cast"
	KindSpawnRequest      MessageKind = "spawn_request"
	KindSpawnReply        MessageKind = "spawn_reply"
	KindSpawnError        MessageKind = "spawn_error"
	KindMonitorRequest    MessageKind = "monitor_request"
	KindMonitorAck        MessageKind = "monitor_ack"
	KindDemonitorRequest  MessageKind = "demonitor_request"
	KindProcessDown       MessageKind = "process_down"
	KindLinkRequest       MessageKind = "link_request"
	KindLinkAck           MessageKind = "link_ack"
	KindUnlinkRequest     MessageKind = "unlink_request"
	KindExitSignal        MessageKind = "exit_signal"
	KindRegistrySync      MessageKind = "registry_sync"
	KindRegistryUnregister MessageKind = "registry_unregister" // spec §9 Open Question 1
	KindNodeDown          MessageKind = "node_down"
	KindPeerGossip        MessageKind = "peer_gossip" // SPEC_FULL §4.C: carries the known-peer set to a newly joined node
)

// ClusterMessage is the payload carried by an Envelope, discriminated by
// Type (spec §6).
type ClusterMessage struct {
	Type MessageKind `json:"type"`
	Body json.RawMessage `json:"body"`
}

// Envelope is the wire-level wrapper (spec §4.A, §6): protocol version,
// sender node id, wall-clock timestamp, optional HMAC-SHA256 signature,
// and the message body.
type Envelope struct {
	Version   int             `json:"version"`
	From      string          `json:"from"`
	Timestamp int64           `json:"timestamp"`
	Signature string          `json:"signature,omitempty"`
	Payload   ClusterMessage  `json:"payload"`
}

// Signer signs and verifies envelopes with a shared cluster secret
// (spec §4.A, §9 "Signing secrecy": the signature covers the unsigned
// JSON including from and timestamp).
type Signer struct {
	secret []byte
}

// NewSigner returns a Signer for the given cluster secret. An empty
// secret disables signing: Sign becomes a no-op and Verify accepts any
// envelope, matching "when a secret is configured, unsigned inbound
// messages are rejected" (i.e. rejection only applies when configured).
func NewSigner(secret string) *Signer { return &Signer{secret: []byte(secret)} }

// Enabled reports whether a secret is configured.
func (s *Signer) Enabled() bool { return len(s.secret) > 0 }

// EncodeSigned marshals env to JSON, computing and attaching the HMAC
// signature over the unsigned form when a secret is configured.
func (s *Signer) EncodeSigned(env Envelope) ([]byte, error) {
	env.Signature = ""
	unsigned, err := json.Marshal(env)
	if err != nil {
		return nil, errdefs.NewMessageSerialization(err)
	}
	if s.Enabled() {
		env.Signature = s.sign(unsigned)
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, errdefs.NewMessageSerialization(err)
	}
	return out, nil
}

func (s *Signer) sign(unsigned []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(unsigned)
	return hex.EncodeToString(mac.Sum(nil))
}

// DecodeVerified parses data into an Envelope and, when signing is
// enabled, verifies its signature in constant time. An unsigned inbound
// message is rejected when a secret is configured (spec §4.A).
func (s *Signer) DecodeVerified(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errdefs.NewMessageSerialization(err)
	}
	if !s.Enabled() {
		return env, nil
	}
	if env.Signature == "" {
		return Envelope{}, errdefs.NewMessageSerialization(errUnsigned{})
	}
	unsigned := env
	unsigned.Signature = ""
	want, err := json.Marshal(unsigned)
	if err != nil {
		return Envelope{}, errdefs.NewMessageSerialization(err)
	}
	wantSig := s.sign(want)
	if subtle.ConstantTimeCompare([]byte(wantSig), []byte(env.Signature)) != 1 {
		return Envelope{}, errdefs.NewMessageSerialization(errBadSignature{})
	}
	return env, nil
}

type errUnsigned struct{}

func (errUnsigned) Error() string { return "inbound message missing required signature" }

type errBadSignature struct{}

func (errBadSignature) Error() string { return "signature verification failed" }

// EncodeBody marshals a typed message body into ClusterMessage.Body.
func EncodeBody(kind MessageKind, body any) (ClusterMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return ClusterMessage{}, errdefs.NewMessageSerialization(err)
	}
	return ClusterMessage{Type: kind, Body: raw}, nil
}

// DecodeBody unmarshals a ClusterMessage's body into out.
func DecodeBody(msg ClusterMessage, out any) error {
	if err := json.Unmarshal(msg.Body, out); err != nil {
		return errdefs.NewMessageSerialization(err)
	}
	return nil
}
