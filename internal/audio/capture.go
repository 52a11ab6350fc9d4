package audio

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Capture keeps the most recent PCM while diagnostic playback is enabled.
type Capture struct {
	maxSeconds int

	mu         sync.Mutex
	active     bool
	sampleRate int
	samples    []int16
	startedAt  time.Time
}

func NewCapture(maxSeconds int) *Capture {
	return &Capture{maxSeconds: maxSeconds, sampleRate: 16000}
}

// Enable starts buffering and clears anything previously held.
func (c *Capture) Enable() {
	c.mu.Lock()
	c.active = true
	c.samples = nil
	c.startedAt = time.Now()
	c.mu.Unlock()
}

func (c *Capture) Disable() {
	c.mu.Lock()
	c.active = false
	c.mu.Unlock()
}

func (c *Capture) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active && c.maxSeconds > 0
}

// SetSampleRate drops buffered audio when the rate changes.
func (c *Capture) SetSampleRate(rate int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rate != c.sampleRate {
		c.sampleRate = rate
		c.samples = nil
	}
}

func (c *Capture) Write(pcm []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return
	}
	c.samples = append(c.samples, BytesToSamples(pcm)...)
	if limit := c.maxSeconds * c.sampleRate; len(c.samples) > limit {
		c.samples = append([]int16(nil), c.samples[len(c.samples)-limit:]...)
	}
}

// Snapshot returns a copy of the buffered samples and their rate.
func (c *Capture) Snapshot() ([]int16, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int16(nil), c.samples...), c.sampleRate
}

// Duration reports how much audio is buffered.
func (c *Capture) Duration() time.Duration {
	samples, rate := c.Snapshot()
	if rate == 0 {
		return 0
	}
	return time.Duration(len(samples)) * time.Second / time.Duration(rate)
}

// WriteWAV encodes the buffered audio as a mono 16-bit WAV file.
func (c *Capture) WriteWAV(w io.WriteSeeker) error {
	samples, rate := c.Snapshot()
	if len(samples) == 0 {
		return fmt.Errorf("no diagnostic audio captured")
	}
	return WriteWAV(w, SamplesToBytes(samples), rate, 1)
}

// WriteWAV encodes little-endian 16-bit PCM.
func WriteWAV(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := BytesToSamples(pcm)
	buffer.Data = make([]int, len(samples))
	for i, s := range samples {
		buffer.Data[i] = int(s)
	}

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
