package membership

import "github.com/hashicorp/memberlist"

// peerBroadcast adapts one pre-marshaled gossip delta into a
// memberlist.Broadcast so it can ride the same bounded-retransmission
// queue (SPEC_FULL §4.C). A newer update about the same peer
// invalidates an older queued one still awaiting transmission —
// memberlist's own convention for collapsing stale gossip before it is
// ever sent.
type peerBroadcast struct {
	peerID string
	msg    []byte
}

var _ memberlist.Broadcast = (*peerBroadcast)(nil)

func (b *peerBroadcast) Invalidates(other memberlist.Broadcast) bool {
	o, ok := other.(*peerBroadcast)
	return ok && o.peerID == b.peerID
}

func (b *peerBroadcast) Message() []byte { return b.msg }

func (b *peerBroadcast) Finished() {}
