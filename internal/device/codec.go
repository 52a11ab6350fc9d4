package device

import "fmt"

// Codec identifies the audio encoding the peripheral streams and records with.
// Values match the byte reported by the codec channel.
type Codec int

const (
	CodecPCM16 Codec = 0
	CodecPCM8  Codec = 1
	CodecOpus  Codec = 20
)

// ParseCodec maps the codec channel byte to a Codec.
func ParseCodec(id byte) (Codec, error) {
	switch Codec(id) {
	case CodecPCM16, CodecPCM8, CodecOpus:
		return Codec(id), nil
	default:
		return 0, fmt.Errorf("unknown codec id %d", id)
	}
}

// ParseCodecName accepts the String form.
func ParseCodecName(name string) (Codec, error) {
	switch name {
	case "pcm16":
		return CodecPCM16, nil
	case "pcm8":
		return CodecPCM8, nil
	case "opus":
		return CodecOpus, nil
	default:
		return 0, fmt.Errorf("unknown codec %q", name)
	}
}

func (c Codec) String() string {
	switch c {
	case CodecPCM16:
		return "pcm16"
	case CodecPCM8:
		return "pcm8"
	case CodecOpus:
		return "opus"
	default:
		return fmt.Sprintf("codec(%d)", int(c))
	}
}

// SampleRate of decoded PCM.
func (c Codec) SampleRate() int {
	switch c {
	case CodecPCM8:
		return 8000
	default:
		return 16000
	}
}

// FrameLength is the encoded size of one 10ms frame in bytes.
func (c Codec) FrameLength() int {
	switch c {
	case CodecPCM16:
		return 320
	case CodecPCM8:
		return 160
	case CodecOpus:
		return 80
	default:
		return 0
	}
}

func (c Codec) FramesPerSecond() int { return 100 }

// Compressed reports whether frames must be decoded before PCM consumers can use them.
func (c Codec) Compressed() bool { return c == CodecOpus }

// Seconds estimates how much audio n encoded bytes hold.
func (c Codec) Seconds(n int64) float64 {
	return SecondsFor(n, c.FrameLength(), c.FramesPerSecond())
}

// SecondsFor converts a byte count to seconds for a fixed frame geometry.
func SecondsFor(n int64, frameLength, framesPerSecond int) float64 {
	perSecond := int64(frameLength) * int64(framesPerSecond)
	if perSecond <= 0 || n <= 0 {
		return 0
	}
	return float64(n) / float64(perSecond)
}

func (c Codec) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Codec) UnmarshalText(b []byte) error {
	v, err := ParseCodecName(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}
