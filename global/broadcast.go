package global

import "github.com/hashicorp/memberlist"

// registryBroadcast adapts one pre-marshaled sync delta into a
// memberlist.Broadcast so repeated registrations of the same name
// collapse to the newest queued update before transmission, the same
// convention membership's peerBroadcast uses for peer deltas.
type registryBroadcast struct {
	key string
	msg []byte
}

var _ memberlist.Broadcast = (*registryBroadcast)(nil)

func (b *registryBroadcast) Invalidates(other memberlist.Broadcast) bool {
	o, ok := other.(*registryBroadcast)
	return ok && o.key == b.key
}

func (b *registryBroadcast) Message() []byte { return b.msg }

func (b *registryBroadcast) Finished() {}
