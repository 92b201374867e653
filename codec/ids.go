package codec

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

// genID implements spec §4.A's id grammar: base36 timestamp, '-', 16
// random hex chars, with an optional single-character prefix.
func genID(prefix byte) string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	rnd := hex.EncodeToString(buf[:])
	if prefix == 0 {
		return ts + "-" + rnd
	}
	return string(prefix) + ts + "-" + rnd
}

// NewCallID generates a call-correlation id (spec §4.A).
func NewCallID() string { return genID(0) }

// NewSpawnID generates a spawn-correlation id, prefixed 's'.
func NewSpawnID() string { return genID('s') }

// NewMonitorID generates a monitor-correlation id, prefixed 'm'.
func NewMonitorID() string { return genID('m') }

// NewLinkID generates a link-correlation id, prefixed 'l'.
func NewLinkID() string { return genID('l') }
