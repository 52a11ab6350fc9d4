package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/loqalabs/loqa-pendant/internal/apperr"
	"github.com/loqalabs/loqa-pendant/internal/device"
	"gopkg.in/hraban/opus.v2"
)

// Decoder turns one codec frame into 16-bit little-endian PCM. Decoders are
// stateful and belong to a single session.
type Decoder interface {
	Decode(frame []byte) ([]byte, error)
}

// NewDecoder returns a fresh decoder for codec.
func NewDecoder(codec device.Codec) (Decoder, error) {
	switch codec {
	case device.CodecPCM16, device.CodecPCM8:
		return pcmDecoder{}, nil
	case device.CodecOpus:
		dec, err := opus.NewDecoder(codec.SampleRate(), 1)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindBackend, err, "init opus decoder")
		}
		// 120 ms is the longest opus frame.
		return &opusDecoder{dec: dec, pcm: make([]int16, codec.SampleRate()*120/1000)}, nil
	default:
		return nil, fmt.Errorf("no decoder for codec %v", codec)
	}
}

type pcmDecoder struct{}

func (pcmDecoder) Decode(frame []byte) ([]byte, error) {
	if len(frame)%2 != 0 {
		return nil, apperr.New(apperr.KindProtocol, "pcm frame not sample aligned")
	}
	return append([]byte(nil), frame...), nil
}

type opusDecoder struct {
	dec *opus.Decoder
	pcm []int16
}

func (d *opusDecoder) Decode(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, apperr.New(apperr.KindProtocol, "empty opus frame")
	}
	n, err := d.dec.Decode(frame, d.pcm)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProtocol, err, "decode opus frame")
	}
	return SamplesToBytes(d.pcm[:n]), nil
}

// SamplesToBytes encodes samples as little-endian 16-bit PCM.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToSamples decodes little-endian 16-bit PCM. A trailing odd byte is ignored.
func BytesToSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}
