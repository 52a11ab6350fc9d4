package walsync

import "github.com/loqalabs/loqa-pendant/internal/device"

// Status bytes sent on the storage data channel.
const (
	DataReady    byte = 0
	DataEmpty    byte = 4
	DataComplete byte = 100
)

// SingleFramePacketSize is the length of a packet carrying exactly one frame:
// audio header, a length byte and the frame.
const SingleFramePacketSize = 83

// ParseDataPacket extracts audio frames from a storage data notification. A
// frame whose declared length overruns the packet is skipped and counted;
// zero length bytes are padding.
func ParseDataPacket(p []byte) (frames [][]byte, skipped int) {
	if len(p) == SingleFramePacketSize {
		n := int(p[device.AudioHeaderSize])
		start := device.AudioHeaderSize + 1
		if n == 0 {
			return nil, 0
		}
		if start+n > len(p) {
			return nil, 1
		}
		return [][]byte{clone(p[start : start+n])}, 0
	}

	for i := 0; i < len(p); {
		n := int(p[i])
		i++
		if n == 0 {
			continue
		}
		if i+n > len(p) {
			skipped++
			break
		}
		frames = append(frames, clone(p[i:i+n]))
		i += n
	}
	return frames, skipped
}

func clone(p []byte) []byte {
	return append([]byte(nil), p...)
}

// assembler accumulates frames in arrival order.
type assembler struct {
	frames  [][]byte
	bytes   int64
	skipped int
}

func (a *assembler) add(p []byte) {
	frames, skipped := ParseDataPacket(p)
	a.frames = append(a.frames, frames...)
	a.skipped += skipped
	a.bytes += int64(len(p))
}
