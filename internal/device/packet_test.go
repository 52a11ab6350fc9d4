package device

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestDecodeButton(t *testing.T) {
	le := func(v uint32) []byte {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, v)
		return b
	}
	tests := []struct {
		name string
		data []byte
		code ButtonCode
		ok   bool
	}{
		{name: "double tap", data: le(2), code: ButtonDoubleTap, ok: true},
		{name: "hold start", data: le(3), code: ButtonHoldStart, ok: true},
		{name: "hold end", data: le(5), code: ButtonHoldEnd, ok: true},
		{name: "single tap ignored", data: le(1), ok: false},
		{name: "unknown", data: le(99), ok: false},
		{name: "short payload", data: []byte{3, 0, 0}, ok: false},
		{name: "trailing bytes", data: append(le(3), 0xff), code: ButtonHoldStart, ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, ok := DecodeButton(tt.data)
			if ok != tt.ok {
				t.Fatalf("expected ok=%v, got %v", tt.ok, ok)
			}
			if ok && code != tt.code {
				t.Fatalf("expected %s, got %s", tt.code, code)
			}
		})
	}
}

func TestSplitAudio(t *testing.T) {
	h, payload, err := SplitAudio([]byte{0x01, 0x02, 0x07, 0xaa, 0xbb})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.PacketIndex != 0x0201 || h.SubIndex != 7 {
		t.Fatalf("unexpected header %+v", h)
	}
	if !bytes.Equal(payload, []byte{0xaa, 0xbb}) {
		t.Fatalf("unexpected payload %x", payload)
	}
	for _, short := range [][]byte{nil, {1}, {1, 2, 3}} {
		if _, _, err := SplitAudio(short); !errors.Is(err, ErrShortAudioPacket) {
			t.Fatalf("expected short packet error for %x, got %v", short, err)
		}
	}
}

func TestParseStorageInfo(t *testing.T) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:], 120000)
	binary.LittleEndian.PutUint32(buf[4:], 2000)
	info, err := ParseStorageInfo(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.TotalBytes != 120000 || info.AcknowledgedBytes != 2000 {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.Pending() != 118000 {
		t.Fatalf("unexpected pending %d", info.Pending())
	}

	if _, err := ParseStorageInfo(buf[:5]); !errors.Is(err, ErrBadStorageInfo) {
		t.Fatalf("expected malformed error, got %v", err)
	}
	binary.LittleEndian.PutUint32(buf[0:], 0xffffffff)
	if _, err := ParseStorageInfo(buf); !errors.Is(err, ErrBadStorageInfo) {
		t.Fatalf("expected negative length rejected, got %v", err)
	}
}

func TestStorageCommandBytes(t *testing.T) {
	got := StorageCommand{Mode: StorageClear, Channel: 1, Offset: 0x01020304}.Bytes()
	want := []byte{1, 1, 1, 2, 3, 4}
	if !bytes.Equal(got, want) {
		t.Fatalf("expected %x, got %x", want, got)
	}
}

func TestCodecGeometry(t *testing.T) {
	if CodecOpus.FrameLength()*CodecOpus.FramesPerSecond() != 8000 {
		t.Fatalf("unexpected opus byte rate")
	}
	if got := SecondsFor(120000, 10, 100); got != 120 {
		t.Fatalf("expected 120s, got %v", got)
	}
	if _, err := ParseCodec(7); err == nil {
		t.Fatalf("expected unknown codec error")
	}
	c, err := ParseCodecName("opus")
	if err != nil || c != CodecOpus {
		t.Fatalf("expected opus, got %v %v", c, err)
	}
}
