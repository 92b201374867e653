// Package global implements the cluster-wide name registry (spec
// §4.K): a name -> Ref table replicated to every node, reconciled with
// last-writer-wins conflict resolution rather than a consensus quorum.
package global

import (
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/hashicorp/memberlist"
	"github.com/noexrun/noex/codec"
	"github.com/noexrun/noex/errdefs"
	"github.com/noexrun/noex/internal/events"
	"github.com/noexrun/noex/internal/logging"
	"github.com/noexrun/noex/nodeid"
	"github.com/noexrun/noex/process"
	"github.com/noexrun/noex/transport"
	"github.com/sirupsen/logrus"
)

// Entry is one global registration (spec §4.K "Data").
type Entry struct {
	Name         string
	Ref          process.Ref
	Owner        string // owning node id, always Ref.NodeId
	RegisteredAt int64  // unix millis
	Priority     uint32 // tiebreak when RegisteredAt ties; deterministic hash of Owner
}

// sameRef reports whether two entries name the same process, in which
// case a sync carrying one is not a conflict at all (spec §4.K "Merge &
// conflict" step 2).
func (e Entry) sameRef(o Entry) bool {
	return e.Ref.ID == o.Ref.ID && e.Ref.NodeId == o.Ref.NodeId
}

// wins reports whether e should replace o under last-writer-wins:
// smaller (RegisteredAt, Priority) wins (spec §4.K "Merge & conflict"
// step 3).
func (e Entry) wins(o Entry) bool {
	if e.RegisteredAt != o.RegisteredAt {
		return e.RegisteredAt < o.RegisteredAt
	}
	return e.Priority < o.Priority
}

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		"entries": {
			Name: "entries",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Name"},
				},
				"owner": {
					Name:    "owner",
					Unique:  false,
					Indexer: &memdb.StringFieldIndex{Field: "Owner"},
				},
			},
		},
	},
}

// Sender delivers framed payloads, either to one peer or to all known
// peers (mirroring transport.Transport's own Send/Broadcast split).
type Sender interface {
	Send(peer nodeid.ID, framed []byte)
	Broadcast(framed []byte)
}

// Registry is the per-node view of the cluster-wide name table (spec
// §4.K). Reads are served entirely from the local go-memdb table; writes
// are applied locally first, then replicated to peers.
type Registry struct {
	local  nodeid.ID
	db     *memdb.MemDB
	sender Sender
	signer *codec.Signer
	bus    *events.Bus
	log    *logrus.Entry

	bcast *memberlist.TransmitLimitedQueue

	mu        sync.Mutex
	peerCount int

	stopCh chan struct{}
	once   sync.Once
}

// New constructs a Registry. sender may be nil until SetSender is
// called by the cluster wiring layer once transport is available.
func New(local nodeid.ID, signer *codec.Signer, sender Sender, bus *events.Bus) *Registry {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		panic(err) // schema is static and known-valid; a failure here is a programming error
	}
	r := &Registry{
		local:  local,
		db:     db,
		sender: sender,
		signer: signer,
		bus:    bus,
		log:    logging.For("global").WithField("nodeId", local.String()),
		stopCh: make(chan struct{}),
	}
	r.bcast = &memberlist.TransmitLimitedQueue{
		NumNodes:       func() int { r.mu.Lock(); defer r.mu.Unlock(); return r.peerCount + 1 },
		RetransmitMult: 3,
	}
	return r
}

// SetSender wires the transport once it is constructed (global and
// transport are created in either order by the cluster layer).
func (r *Registry) SetSender(sender Sender) {
	r.mu.Lock()
	r.sender = sender
	r.mu.Unlock()
}

// SetPeerCount feeds the live peer count to the broadcast queue's
// retransmission budget, mirroring membership's own peerCount.
func (r *Registry) SetPeerCount(n int) {
	r.mu.Lock()
	r.peerCount = n
	r.mu.Unlock()
}

// Start begins the periodic broadcast-queue flush. Stop ends it.
func (r *Registry) Start() {
	go r.flushLoop()
}

func (r *Registry) Stop() {
	r.once.Do(func() {
		for _, e := range r.ownedLocally() {
			_ = r.Unregister(e.Name)
		}
		close(r.stopCh)
	})
}

func (r *Registry) flushLoop() {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.flush()
		}
	}
}

func (r *Registry) flush() {
	raws := r.bcast.GetBroadcasts(0, 1400)
	for _, raw := range raws {
		r.broadcastFramed(codec.KindRegistrySync, raw)
	}
}

func priorityOf(owner string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(owner))
	return h.Sum32()
}

// Register inserts name -> ref, owned by ref's node, and replicates the
// insert as a non-full sync delta (spec §4.K "register"). An empty
// ref.NodeId is filled in with this node's own id — unlike
// process.Ref's local-process convention, the global table always
// records an explicit owner so node-loss cleanup can find it by index.
func (r *Registry) Register(name string, ref process.Ref) error {
	owner := ref.NodeId
	if owner == "" {
		owner = r.local.String()
		ref.NodeId = owner
	}
	entry := Entry{
		Name:         name,
		Ref:          ref,
		Owner:        owner,
		RegisteredAt: time.Now().UnixMilli(),
		Priority:     priorityOf(ref.NodeId),
	}

	txn := r.db.Txn(true)
	if existing, err := txn.First("entries", "id", name); err == nil && existing != nil {
		txn.Abort()
		if existing.(Entry).sameRef(entry) {
			return nil
		}
		return errdefs.NewGlobalNameConflict(name)
	}
	if err := txn.Insert("entries", entry); err != nil {
		txn.Abort()
		return err
	}
	txn.Commit()

	r.queueSync([]Entry{entry}, false)
	return nil
}

// Unregister removes name, but only when the local node is its owner
// (spec §4.K "unregister"), and explicitly propagates the removal
// (SPEC_FULL §9 Open Question 1) rather than waiting for node-down
// cleanup.
func (r *Registry) Unregister(name string) error {
	txn := r.db.Txn(true)
	existing, err := txn.First("entries", "id", name)
	if err != nil || existing == nil {
		txn.Abort()
		return errdefs.NewGlobalNameNotFound(name)
	}
	entry := existing.(Entry)
	if entry.Owner != r.local.String() {
		txn.Abort()
		return errdefs.NewGlobalNameNotFound(name)
	}
	if err := txn.Delete("entries", entry); err != nil {
		txn.Abort()
		return err
	}
	txn.Commit()

	body, _ := json.Marshal(registryUnregisterBody{Name: name, NodeId: r.local.String()})
	r.broadcastFramed(codec.KindRegistryUnregister, body)
	return nil
}

// Lookup returns the ref registered under name, if any.
func (r *Registry) Lookup(name string) (process.Ref, bool) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	existing, err := txn.First("entries", "id", name)
	if err != nil || existing == nil {
		return process.Ref{}, false
	}
	return existing.(Entry).Ref, true
}

// IsRegistered reports whether name currently has an owner.
func (r *Registry) IsRegistered(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// GetNames returns every currently registered name.
func (r *Registry) GetNames() []string {
	txn := r.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get("entries", "id")
	if err != nil {
		return nil
	}
	var names []string
	for obj := it.Next(); obj != nil; obj = it.Next() {
		names = append(names, obj.(Entry).Name)
	}
	return names
}

// ownedLocally returns every entry this node owns, for full sync.
func (r *Registry) ownedLocally() []Entry {
	txn := r.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get("entries", "owner", r.local.String())
	if err != nil {
		return nil
	}
	var entries []Entry
	for obj := it.Next(); obj != nil; obj = it.Next() {
		entries = append(entries, obj.(Entry))
	}
	return entries
}

func (r *Registry) queueSync(entries []Entry, fullSync bool) {
	body, err := json.Marshal(registrySyncBody{Entries: entries, FullSync: fullSync})
	if err != nil {
		return
	}
	r.bcast.QueueBroadcast(&registryBroadcast{key: entries[0].Name, msg: body})
}

func (r *Registry) broadcastFramed(kind codec.MessageKind, body json.RawMessage) {
	if r.sender == nil {
		return
	}
	msg := codec.ClusterMessage{Type: kind, Body: body}
	env := codec.Envelope{Version: codec.ProtocolVersion, From: r.local.String(), Timestamp: time.Now().UnixMilli(), Payload: msg}
	raw, err := r.signer.EncodeSigned(env)
	if err != nil {
		return
	}
	framed, err := codec.Frame(raw)
	if err != nil {
		return
	}
	r.sender.Broadcast(framed)
}

func (r *Registry) sendEnvelope(peer nodeid.ID, kind codec.MessageKind, body json.RawMessage) {
	if r.sender == nil {
		return
	}
	msg := codec.ClusterMessage{Type: kind, Body: body}
	env := codec.Envelope{Version: codec.ProtocolVersion, From: r.local.String(), Timestamp: time.Now().UnixMilli(), Payload: msg}
	raw, err := r.signer.EncodeSigned(env)
	if err != nil {
		return
	}
	framed, err := codec.Frame(raw)
	if err != nil {
		return
	}
	r.sender.Send(peer, framed)
}

type registrySyncBody struct {
	Entries  []Entry `json:"entries"`
	FullSync bool    `json:"fullSync"`
}

type registryUnregisterBody struct {
	Name   string `json:"name"`
	NodeId string `json:"nodeId"`
}

// Handles reports whether kind is one this package's Message dispatches.
func Handles(kind codec.MessageKind) bool {
	switch kind {
	case codec.KindRegistrySync, codec.KindRegistryUnregister:
		return true
	default:
		return false
	}
}

// Message handles registry_sync and registry_unregister ClusterMessage
// kinds received from peer (spec §4.K).
func (r *Registry) Message(peer nodeid.ID, env codec.Envelope) {
	switch env.Payload.Type {
	case codec.KindRegistrySync:
		r.handleSync(peer, env)
	case codec.KindRegistryUnregister:
		r.handleUnregister(env)
	}
}

// handleSync merges an inbound sync (spec §4.K "Merge & conflict").
// A fullSync additionally reconciles: any local entry owned by peer but
// absent from the sync is removed, since peer considers it gone.
func (r *Registry) handleSync(peer nodeid.ID, env codec.Envelope) {
	var body registrySyncBody
	if err := codec.DecodeBody(env.Payload, &body); err != nil {
		return
	}

	seen := make(map[string]bool, len(body.Entries))
	for _, incoming := range body.Entries {
		seen[incoming.Name] = true
		r.merge(incoming)
	}

	if !body.FullSync {
		return
	}
	txn := r.db.Txn(true)
	it, err := txn.Get("entries", "owner", peer.String())
	if err != nil {
		txn.Abort()
		return
	}
	var stale []Entry
	for obj := it.Next(); obj != nil; obj = it.Next() {
		e := obj.(Entry)
		if !seen[e.Name] {
			stale = append(stale, e)
		}
	}
	for _, e := range stale {
		_ = txn.Delete("entries", e)
	}
	txn.Commit()
	for _, e := range stale {
		r.emitUnregistered(e, "stale_after_full_sync")
	}
}

func (r *Registry) merge(incoming Entry) {
	txn := r.db.Txn(true)
	existing, err := txn.First("entries", "id", incoming.Name)
	if err != nil {
		txn.Abort()
		return
	}
	if existing == nil {
		if err := txn.Insert("entries", incoming); err != nil {
			txn.Abort()
			return
		}
		txn.Commit()
		return
	}
	local := existing.(Entry)
	if local.sameRef(incoming) {
		txn.Abort()
		return
	}
	if !incoming.wins(local) {
		txn.Abort()
		return
	}
	if err := txn.Insert("entries", incoming); err != nil {
		txn.Abort()
		return
	}
	txn.Commit()
	r.emitConflictResolved(local, incoming)
}

func (r *Registry) handleUnregister(env codec.Envelope) {
	var body registryUnregisterBody
	if err := codec.DecodeBody(env.Payload, &body); err != nil {
		return
	}
	txn := r.db.Txn(true)
	existing, err := txn.First("entries", "id", body.Name)
	if err != nil || existing == nil {
		txn.Abort()
		return
	}
	entry := existing.(Entry)
	if entry.Owner != body.NodeId {
		txn.Abort() // stale unregister for a name the owner has since changed
		return
	}
	if err := txn.Delete("entries", entry); err != nil {
		txn.Abort()
		return
	}
	txn.Commit()
	r.emitUnregistered(entry, "unregister")
}

// NodeUp sends a full sync of every locally-owned entry to the joining
// peer (spec §4.K "Full sync").
func (r *Registry) NodeUp(peer nodeid.ID) {
	owned := r.ownedLocally()
	body, err := json.Marshal(registrySyncBody{Entries: owned, FullSync: true})
	if err != nil {
		return
	}
	r.sendEnvelope(peer, codec.KindRegistrySync, body)
}

// NodeDown removes every entry owned by the lost peer and emits
// unregistered events (spec §4.K "Node loss").
func (r *Registry) NodeDown(peer nodeid.ID) {
	txn := r.db.Txn(true)
	it, err := txn.Get("entries", "owner", peer.String())
	if err != nil {
		txn.Abort()
		return
	}
	var lost []Entry
	for obj := it.Next(); obj != nil; obj = it.Next() {
		lost = append(lost, obj.(Entry))
	}
	for _, e := range lost {
		_ = txn.Delete("entries", e)
	}
	txn.Commit()
	for _, e := range lost {
		r.emitUnregistered(e, "node_down")
	}
}

// PeerUp implements transport.Handler so Registry can be driven
// directly by a Transport in isolation (membership is the production
// Handler and forwards NodeUp/NodeDown/Message to Registry itself).
func (r *Registry) PeerUp(peer nodeid.ID) {
	r.NodeUp(peer)
}

// PeerDown implements transport.Handler the same way PeerUp does,
// treating any transport-level disconnect as equivalent to NodeDown
// when Registry is driven standalone.
func (r *Registry) PeerDown(peer nodeid.ID, reason transport.PeerDownReason) {
	r.NodeDown(peer)
}

func (r *Registry) emitConflictResolved(loser, winner Entry) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Lifecycle{
		Kind:     events.ConflictResolved,
		ServerId: winner.Name,
		NodeId:   winner.Owner,
		Attrs:    map[string]any{"loserOwner": loser.Owner, "winnerOwner": winner.Owner},
	})
}

func (r *Registry) emitUnregistered(entry Entry, reason string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Lifecycle{
		Kind:     events.Unregistered,
		ServerId: entry.Name,
		NodeId:   entry.Owner,
		Reason:   reason,
	})
}
