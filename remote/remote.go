// Package remote implements remote call/cast/spawn (spec §4.I): making
// call(remoteRef, msg) and cast(remoteRef, msg) behave like their local
// counterparts, modulo the additional failure modes a network adds.
package remote

import (
	"encoding/json"
	"time"

	"github.com/noexrun/noex/catalog"
	"github.com/noexrun/noex/codec"
	"github.com/noexrun/noex/errdefs"
	"github.com/noexrun/noex/internal/logging"
	"github.com/noexrun/noex/nodeid"
	"github.com/noexrun/noex/pending"
	"github.com/noexrun/noex/process"
	"github.com/noexrun/noex/registry"
	"github.com/noexrun/noex/transport"
	"github.com/sirupsen/logrus"
)

// Sender delivers a pre-framed payload to peer. *transport.Transport
// satisfies this directly.
type Sender interface {
	Send(peer nodeid.ID, framed []byte)
}

// GlobalRegistrar is the subset of the global registry (§4.K) a remote
// spawn needs to honor an optional global registration request. Wired
// by the cluster package once the global package exists.
type GlobalRegistrar interface {
	Register(name string, ref process.Ref) error
}

// Remote dispatches call/cast/spawn across the cluster on top of a
// shared pending-call table and the local process kernel (spec §4.I,
// §4.G).
type Remote struct {
	local   nodeid.ID
	kernel  *process.Kernel
	catalog *catalog.Catalog
	reg     *registry.Registry
	signer  *codec.Signer
	sender  Sender
	pending *pending.Table
	global  GlobalRegistrar
	log     *logrus.Entry
}

// SetGlobalRegistrar wires the global registry (§4.K) into remote spawn
// handling so a spawn request's registerGlobal flag can be honored.
func (r *Remote) SetGlobalRegistrar(g GlobalRegistrar) { r.global = g }

// New constructs a Remote bound to the local kernel, behavior catalog,
// and local name registry, riding on sender for wire delivery.
func New(local nodeid.ID, kernel *process.Kernel, cat *catalog.Catalog, reg *registry.Registry, signer *codec.Signer, sender Sender) *Remote {
	return &Remote{
		local:   local,
		kernel:  kernel,
		catalog: cat,
		reg:     reg,
		signer:  signer,
		sender:  sender,
		pending: kernel.Pending(),
		log:     logging.For("remote").WithField("nodeId", local.String()),
	}
}

type callBody struct {
	CallId   string          `json:"callId"`
	TargetId string          `json:"targetId"`
	Payload  json.RawMessage `json:"payload"`
}

type callReplyBody struct {
	CallId string          `json:"callId"`
	Value  json.RawMessage `json:"value"`
}

type callErrorBody struct {
	CallId string `json:"callId"`
	Kind   string `json:"errorKind"`
	Detail string `json:"detail"`
}

type castBody struct {
	TargetId string          `json:"targetId"`
	Payload  json.RawMessage `json:"payload"`
}

type spawnRequestBody struct {
	SpawnId       string          `json:"spawnId"`
	BehaviorName  string          `json:"behaviorName"`
	InitArgs      json.RawMessage `json:"initArgs"`
	RegisterLocal string          `json:"registerLocal,omitempty"`
	RegisterGlobal bool           `json:"registerGlobal,omitempty"`
}

type spawnReplyBody struct {
	SpawnId  string `json:"spawnId"`
	ServerId string `json:"serverId"`
	NodeId   string `json:"nodeId"`
}

type spawnErrorBody struct {
	SpawnId string `json:"spawnId"`
	Kind    string `json:"errorKind"`
	Detail  string `json:"detail"`
}

// DefaultCallTimeout matches spec §4.I "default 5s".
const DefaultCallTimeout = 5 * time.Second

// Call behaves like process.Kernel.Call but for a ref that may live on
// another node (spec §4.I "Call").
func (r *Remote) Call(ref process.Ref, msg any, timeout time.Duration) (any, error) {
	if ref.IsLocal() {
		return r.kernel.Call(ref, msg, timeout)
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	peer, err := nodeid.Parse(ref.NodeId)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, errdefs.NewMessageSerialization(err)
	}

	callId := codec.NewCallID()
	wait := r.pending.Register(callId, ref.ID, peer.String(), timeout)

	body, err := json.Marshal(callBody{CallId: callId, TargetId: ref.ID, Payload: payload})
	if err != nil {
		r.pending.Reject(callId, errdefs.NewMessageSerialization(err))
		return wait()
	}
	r.send(peer, codec.KindCall, body)

	return wait()
}

// Cast sends msg to ref without waiting for any acknowledgement (spec
// §4.I "Cast"): silent failure if the peer is unreachable.
func (r *Remote) Cast(ref process.Ref, msg any) error {
	if ref.IsLocal() {
		return r.kernel.Cast(ref, msg)
	}
	peer, err := nodeid.Parse(ref.NodeId)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return errdefs.NewMessageSerialization(err)
	}
	body, err := json.Marshal(castBody{TargetId: ref.ID, Payload: payload})
	if err != nil {
		return errdefs.NewMessageSerialization(err)
	}
	r.pending.CountCast()
	r.send(peer, codec.KindCast, body)
	return nil
}

// SpawnOptions configures a remote Spawn (spec §4.I "Spawn").
type SpawnOptions struct {
	RegisterLocal  string
	RegisterGlobal bool
	Timeout        time.Duration
}

// Spawn asks targetNode to start a process from the behavior registered
// as behaviorName (spec §4.H, §4.I "Spawn").
func (r *Remote) Spawn(targetNode nodeid.ID, behaviorName string, initArgs any, opts SpawnOptions) (process.Ref, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	args, err := json.Marshal(initArgs)
	if err != nil {
		return process.Ref{}, errdefs.NewMessageSerialization(err)
	}

	spawnId := codec.NewSpawnID()
	wait := r.pending.Register(spawnId, "", targetNode.String(), timeout)

	body, err := json.Marshal(spawnRequestBody{
		SpawnId: spawnId, BehaviorName: behaviorName, InitArgs: args,
		RegisterLocal: opts.RegisterLocal, RegisterGlobal: opts.RegisterGlobal,
	})
	if err != nil {
		r.pending.Reject(spawnId, errdefs.NewMessageSerialization(err))
		return process.Ref{}, err
	}
	r.send(targetNode, codec.KindSpawnRequest, body)

	result, err := wait()
	if err != nil {
		return process.Ref{}, err
	}
	return result.(process.Ref), nil
}

func (r *Remote) send(peer nodeid.ID, kind codec.MessageKind, body []byte) {
	msg := codec.ClusterMessage{Type: kind, Body: body}
	env := codec.Envelope{Version: codec.ProtocolVersion, From: r.local.String(), Timestamp: time.Now().UnixMilli(), Payload: msg}
	raw, err := r.signer.EncodeSigned(env)
	if err != nil {
		r.log.WithError(err).Error("encode outbound envelope")
		return
	}
	framed, err := codec.Frame(raw)
	if err != nil {
		r.log.WithError(err).Error("frame outbound envelope")
		return
	}
	r.sender.Send(peer, framed)
}

// Handles reports whether kind is one this package's Message dispatches.
func Handles(kind codec.MessageKind) bool {
	switch kind {
	case codec.KindCall, codec.KindCallReply, codec.KindCallError,
		codec.KindCast, codec.KindSpawnRequest, codec.KindSpawnReply, codec.KindSpawnError:
		return true
	default:
		return false
	}
}

// Message handles every call/cast/spawn ClusterMessage kind received
// from peer (spec §4.I).
func (r *Remote) Message(peer nodeid.ID, env codec.Envelope) {
	switch env.Payload.Type {
	case codec.KindCall:
		r.handleCallRequest(peer, env)
	case codec.KindCallReply:
		r.handleCallReply(env)
	case codec.KindCallError:
		r.handleCallError(env)
	case codec.KindCast:
		r.handleCastRequest(env)
	case codec.KindSpawnRequest:
		r.handleSpawnRequest(peer, env)
	case codec.KindSpawnReply:
		r.handleSpawnReply(peer, env)
	case codec.KindSpawnError:
		r.handleSpawnError(env)
	}
}

func (r *Remote) handleCallRequest(peer nodeid.ID, env codec.Envelope) {
	var body callBody
	if err := codec.DecodeBody(env.Payload, &body); err != nil {
		return
	}
	var payload any
	if err := json.Unmarshal(body.Payload, &payload); err != nil {
		r.replyCallError(peer, body.CallId, "MessageSerialization", err.Error())
		return
	}
	ref := process.Ref{ID: body.TargetId}
	value, err := r.kernel.Call(ref, payload, DefaultCallTimeout)
	if err != nil {
		r.replyCallError(peer, body.CallId, classify(err), err.Error())
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		r.replyCallError(peer, body.CallId, "MessageSerialization", err.Error())
		return
	}
	reply, err := json.Marshal(callReplyBody{CallId: body.CallId, Value: raw})
	if err != nil {
		return
	}
	r.send(peer, codec.KindCallReply, reply)
}

func (r *Remote) replyCallError(peer nodeid.ID, callId, kind, detail string) {
	raw, err := json.Marshal(callErrorBody{CallId: callId, Kind: kind, Detail: detail})
	if err != nil {
		return
	}
	r.send(peer, codec.KindCallError, raw)
}

func classify(err error) string {
	switch {
	case errdefs.IsServerNotRunning(err):
		return "ServerNotRunning"
	case errdefs.IsCallTimeout(err):
		return "CallTimeout"
	default:
		return "ApplicationError"
	}
}

func (r *Remote) handleCallReply(env codec.Envelope) {
	var body callReplyBody
	if err := codec.DecodeBody(env.Payload, &body); err != nil {
		return
	}
	var value any
	if err := json.Unmarshal(body.Value, &value); err != nil {
		r.pending.Reject(body.CallId, errdefs.NewMessageSerialization(err))
		return
	}
	r.pending.Resolve(body.CallId, value)
}

func (r *Remote) handleCallError(env codec.Envelope) {
	var body callErrorBody
	if err := codec.DecodeBody(env.Payload, &body); err != nil {
		return
	}
	if body.Kind == "ServerNotRunning" {
		r.pending.Reject(body.CallId, errdefs.NewServerNotRunning("", env.From))
		return
	}
	r.pending.Reject(body.CallId, errdefs.NewCallApplicationError(body.Kind, body.Detail))
}

func (r *Remote) handleCastRequest(env codec.Envelope) {
	var body castBody
	if err := codec.DecodeBody(env.Payload, &body); err != nil {
		return
	}
	var payload any
	if err := json.Unmarshal(body.Payload, &payload); err != nil {
		return
	}
	_ = r.kernel.Cast(process.Ref{ID: body.TargetId}, payload)
}

func (r *Remote) handleSpawnRequest(peer nodeid.ID, env codec.Envelope) {
	var body spawnRequestBody
	if err := codec.DecodeBody(env.Payload, &body); err != nil {
		return
	}
	factory, err := r.catalog.Get(body.BehaviorName)
	if err != nil {
		r.replySpawnError(peer, body.SpawnId, "BehaviorNotFound", err.Error())
		return
	}
	var initArgs any
	if err := json.Unmarshal(body.InitArgs, &initArgs); err != nil {
		r.replySpawnError(peer, body.SpawnId, "MessageSerialization", err.Error())
		return
	}

	ref, err := r.kernel.Start(factory(), process.StartOptions{Name: body.RegisterLocal, InitArgs: initArgs})
	if err != nil {
		r.replySpawnError(peer, body.SpawnId, "SpawnFailed", err.Error())
		return
	}
	if body.RegisterLocal != "" {
		if err := r.reg.Register(body.RegisterLocal, ref); err != nil {
			r.log.WithError(err).Warn("local registry registration after spawn failed")
		}
	}
	if body.RegisterGlobal && body.RegisterLocal != "" && r.global != nil {
		if err := r.global.Register(body.RegisterLocal, ref); err != nil {
			r.log.WithError(err).Warn("global registration after spawn failed")
		}
	}

	raw, err := json.Marshal(spawnReplyBody{SpawnId: body.SpawnId, ServerId: ref.ID, NodeId: r.local.String()})
	if err != nil {
		return
	}
	r.send(peer, codec.KindSpawnReply, raw)
}

func (r *Remote) replySpawnError(peer nodeid.ID, spawnId, kind, detail string) {
	raw, err := json.Marshal(spawnErrorBody{SpawnId: spawnId, Kind: kind, Detail: detail})
	if err != nil {
		return
	}
	r.send(peer, codec.KindSpawnError, raw)
}

func (r *Remote) handleSpawnReply(peer nodeid.ID, env codec.Envelope) {
	var body spawnReplyBody
	if err := codec.DecodeBody(env.Payload, &body); err != nil {
		return
	}
	ref := process.Ref{ID: body.ServerId, NodeId: body.NodeId}
	r.pending.Resolve(body.SpawnId, ref)
}

func (r *Remote) handleSpawnError(env codec.Envelope) {
	var body spawnErrorBody
	if err := codec.DecodeBody(env.Payload, &body); err != nil {
		return
	}
	r.pending.Reject(body.SpawnId, errdefs.NewCallApplicationError(body.Kind, body.Detail))
}

// NodeDown rejects every pending call/spawn addressed to peer (spec
// §4.I "Peer-loss reconciliation").
func (r *Remote) NodeDown(peer nodeid.ID) {
	r.pending.RejectNode(peer.String(), errdefs.NewNodeNotReachable(peer.String()))
}

// PeerUp implements transport.Handler so Remote can be driven directly
// by a Transport in isolation (membership is the production Handler and
// forwards Message/NodeDown to Remote itself); a fresh connection carries
// no call/spawn-relevant state of its own.
func (r *Remote) PeerUp(peer nodeid.ID) {}

// PeerDown implements transport.Handler the same way PeerUp does,
// treating any transport-level disconnect as equivalent to NodeDown
// when Remote is driven standalone.
func (r *Remote) PeerDown(peer nodeid.ID, reason transport.PeerDownReason) {
	r.NodeDown(peer)
}
