package audio_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-pendant/internal/audio"
	"github.com/loqalabs/loqa-pendant/internal/device"
	"github.com/loqalabs/loqa-pendant/internal/device/devicetest"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type provider struct{ p *device.Peripheral }

func (p provider) Current() *device.Peripheral { return p.p }

type collector struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (c *collector) add(p []byte) {
	c.mu.Lock()
	c.chunks = append(c.chunks, p)
	c.mu.Unlock()
}

func (c *collector) all() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.chunks...)
}

func TestPeripheralSourceTrimsHeaderAndDropsShortPackets(t *testing.T) {
	link := devicetest.New("p1")
	link.SetRead(device.ChannelCodec, []byte{byte(device.CodecPCM16)})
	stats := &audio.Stats{}
	sel := audio.NewSelector(audio.KindDevice, provider{device.NewPeripheral(link)}, nil, nil, stats, discard())

	src, err := sel.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	var got collector
	format, err := src.Start(context.Background(), true, got.add)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !format.PCM || format.SampleRate != 16000 {
		t.Fatalf("unexpected format %+v", format)
	}

	link.Emit(device.ChannelAudio, []byte{1, 0, 0, 0xAA, 0xBB})
	link.Emit(device.ChannelAudio, []byte{2, 0, 0})
	link.Emit(device.ChannelAudio, []byte{3})
	link.Emit(device.ChannelAudio, []byte{4, 0, 0, 0x01, 0x02, 0x03, 0x04})

	chunks := got.all()
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if !bytes.Equal(chunks[0], []byte{0xAA, 0xBB}) || !bytes.Equal(chunks[1], []byte{1, 2, 3, 4}) {
		t.Fatalf("unexpected payloads %v", chunks)
	}
	if stats.Malformed.Load() != 2 || stats.Chunks.Load() != 2 {
		t.Fatalf("unexpected stats malformed=%d chunks=%d", stats.Malformed.Load(), stats.Chunks.Load())
	}

	src.Stop()
	src.Stop()
	if link.Subscribers(device.ChannelAudio) != 0 {
		t.Fatalf("expected audio subscription released")
	}
	link.Emit(device.ChannelAudio, []byte{5, 0, 0, 0x01, 0x02})
	if len(got.all()) != 2 {
		t.Fatalf("chunk delivered after stop")
	}
}

func TestUncompressedCodecPassesThrough(t *testing.T) {
	link := devicetest.New("p1")
	link.SetRead(device.ChannelCodec, []byte{byte(device.CodecPCM8)})
	stats := &audio.Stats{}
	src := audio.NewPeripheralSource(device.NewPeripheral(link), nil, stats, discard())
	var got collector
	if _, err := src.Start(context.Background(), true, got.add); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer src.Stop()

	link.Emit(device.ChannelAudio, []byte{0, 0, 0, 1, 2})
	// Raw PCM is passed through untouched when no decoding is needed.
	link.Emit(device.ChannelAudio, []byte{0, 0, 0, 1, 2, 3})
	if n := len(got.all()); n != 2 {
		t.Fatalf("expected passthrough of both chunks, got %d", n)
	}
}

func TestPCMDecoderRejectsUnalignedFrame(t *testing.T) {
	dec, err := audio.NewDecoder(device.CodecPCM16)
	if err != nil {
		t.Fatalf("new decoder: %v", err)
	}
	if _, err := dec.Decode([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected alignment error")
	}
	out, err := dec.Decode([]byte{1, 2})
	if err != nil || !bytes.Equal(out, []byte{1, 2}) {
		t.Fatalf("unexpected decode result %v %v", out, err)
	}
}

func TestSelectorWithoutDevice(t *testing.T) {
	sel := audio.NewSelector(audio.KindDevice, provider{}, nil, nil, nil, discard())
	if _, err := sel.Open(); err != audio.ErrNoDevice {
		t.Fatalf("expected ErrNoDevice, got %v", err)
	}
	sel.Select(audio.KindMicrophone)
	if _, err := sel.Open(); err == nil {
		t.Fatal("expected error without microphone")
	}
}

func TestCaptureRingAndWAV(t *testing.T) {
	capture := audio.NewCapture(1)
	capture.SetSampleRate(8000)
	capture.Write(audio.SamplesToBytes(make([]int16, 100)))
	if d := capture.Duration(); d != 0 {
		t.Fatalf("inactive capture buffered %v", d)
	}

	capture.Enable()
	for i := 0; i < 12; i++ {
		capture.Write(audio.SamplesToBytes(make([]int16, 1000)))
	}
	samples, rate := capture.Snapshot()
	if rate != 8000 || len(samples) != 8000 {
		t.Fatalf("expected ring capped at one second, got %d samples at %d", len(samples), rate)
	}

	path := filepath.Join(t.TempDir(), "capture.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := capture.WriteWAV(f); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	f.Close()

	f, err = os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		t.Fatal("expected valid wav file")
	}
	if dec.SampleRate != 8000 || dec.NumChans != 1 {
		t.Fatalf("unexpected wav header rate=%d chans=%d", dec.SampleRate, dec.NumChans)
	}
}

func TestSampleConversion(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768}
	out := audio.BytesToSamples(audio.SamplesToBytes(in))
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("sample %d: got %d want %d", i, out[i], in[i])
		}
	}
}
