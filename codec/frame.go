package codec

import (
	"encoding/binary"

	"github.com/noexrun/noex/errdefs"
)

// MaxPayloadBytes is the maximum framed payload size (spec §4.A, §6):
// 16 MiB.
const MaxPayloadBytes = 16 * 1024 * 1024

const lengthPrefixBytes = 4

// Frame prepends a u32be length prefix to payload (spec §4.A "Framing").
func Frame(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadBytes {
		return nil, errdefs.NewMessageSerialization(oversizeError(len(payload)))
	}
	out := make([]byte, lengthPrefixBytes+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[lengthPrefixBytes:], payload)
	return out, nil
}

type oversizeError int

func (e oversizeError) Error() string {
	return "payload exceeds 16MiB frame limit"
}

// Unframer incrementally reassembles frames from a byte stream that may
// arrive in arbitrary chunk boundaries (spec §4.B "Per connection"):
// after each chunk read, repeatedly try to unframe; resumable across
// partial reads.
type Unframer struct {
	buf []byte
}

// Feed appends newly read bytes to the internal buffer.
func (u *Unframer) Feed(chunk []byte) {
	u.buf = append(u.buf, chunk...)
}

// Next extracts one complete payload if the buffer holds a full frame,
// otherwise returns ok=false without consuming anything (waits for more
// data). An oversized declared length is an immediate protocol error.
func (u *Unframer) Next() (payload []byte, ok bool, err error) {
	if len(u.buf) < lengthPrefixBytes {
		return nil, false, nil
	}
	n := binary.BigEndian.Uint32(u.buf)
	if n > MaxPayloadBytes {
		return nil, false, errdefs.NewMessageSerialization(oversizeError(int(n)))
	}
	total := lengthPrefixBytes + int(n)
	if len(u.buf) < total {
		return nil, false, nil
	}
	payload = make([]byte, n)
	copy(payload, u.buf[lengthPrefixBytes:total])
	u.buf = u.buf[total:]
	return payload, true, nil
}

// Pending reports how many bytes are buffered awaiting a complete frame.
func (u *Unframer) Pending() int { return len(u.buf) }
