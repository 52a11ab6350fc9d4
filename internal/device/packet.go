package device

import (
	"encoding/binary"
	"fmt"

	"github.com/loqalabs/loqa-pendant/internal/apperr"
)

const (
	// AudioHeaderSize is the leading packet index (u16) and sub-index (u8) on
	// every audio notification.
	AudioHeaderSize = 3
	// ButtonPayloadSize is the size of a button event.
	ButtonPayloadSize = 4
	// StorageInfoSize is two little-endian int32 values.
	StorageInfoSize = 8
)

// ButtonCode is the logical value of a device event notification.
type ButtonCode uint32

const (
	ButtonDoubleTap ButtonCode = 2
	ButtonHoldStart ButtonCode = 3
	ButtonHoldEnd   ButtonCode = 5
)

func (b ButtonCode) String() string {
	switch b {
	case ButtonDoubleTap:
		return "double_tap"
	case ButtonHoldStart:
		return "hold_start"
	case ButtonHoldEnd:
		return "hold_end"
	default:
		return fmt.Sprintf("button(%d)", uint32(b))
	}
}

// DecodeButton interprets an event notification. Short payloads and codes
// outside the recognised set report false.
func DecodeButton(p []byte) (ButtonCode, bool) {
	if len(p) < ButtonPayloadSize {
		return 0, false
	}
	code := ButtonCode(binary.LittleEndian.Uint32(p[:ButtonPayloadSize]))
	switch code {
	case ButtonDoubleTap, ButtonHoldStart, ButtonHoldEnd:
		return code, true
	default:
		return code, false
	}
}

// AudioHeader is the metadata trimmed off every audio notification.
type AudioHeader struct {
	PacketIndex uint16
	SubIndex    uint8
}

var ErrShortAudioPacket = apperr.New(apperr.KindProtocol, "audio packet shorter than header")

// SplitAudio separates the header from the payload. The payload aliases p.
func SplitAudio(p []byte) (AudioHeader, []byte, error) {
	if len(p) <= AudioHeaderSize {
		return AudioHeader{}, nil, ErrShortAudioPacket
	}
	h := AudioHeader{
		PacketIndex: binary.LittleEndian.Uint16(p[0:2]),
		SubIndex:    p[2],
	}
	return h, p[AudioHeaderSize:], nil
}

// StorageInfo is the storage-control read result.
type StorageInfo struct {
	TotalBytes        int64
	AcknowledgedBytes int64
}

// Pending is the number of bytes the peripheral holds that have not been synced.
func (s StorageInfo) Pending() int64 {
	if s.TotalBytes <= s.AcknowledgedBytes {
		return 0
	}
	return s.TotalBytes - s.AcknowledgedBytes
}

var ErrBadStorageInfo = apperr.New(apperr.KindProtocol, "malformed storage info")

// ParseStorageInfo decodes [total, acknowledged] as little-endian int32.
func ParseStorageInfo(p []byte) (StorageInfo, error) {
	if len(p) < StorageInfoSize {
		return StorageInfo{}, fmt.Errorf("%w: got %d bytes", ErrBadStorageInfo, len(p))
	}
	total := int32(binary.LittleEndian.Uint32(p[0:4]))
	acked := int32(binary.LittleEndian.Uint32(p[4:8]))
	if total < 0 || acked < 0 {
		return StorageInfo{}, fmt.Errorf("%w: negative length total=%d acknowledged=%d", ErrBadStorageInfo, total, acked)
	}
	return StorageInfo{TotalBytes: int64(total), AcknowledgedBytes: int64(acked)}, nil
}

// StorageMode selects the storage-control operation.
type StorageMode uint8

const (
	StorageStart StorageMode = 0
	StorageClear StorageMode = 1
)

// StorageCommand is written to the storage-control channel.
type StorageCommand struct {
	Mode    StorageMode
	Channel uint8
	Offset  uint32
}

// Bytes encodes [mode, channel, offset u32 big-endian].
func (c StorageCommand) Bytes() []byte {
	out := make([]byte, 6)
	out[0] = byte(c.Mode)
	out[1] = c.Channel
	binary.BigEndian.PutUint32(out[2:], c.Offset)
	return out
}
