package walsync

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-pendant/internal/apperr"
	"github.com/loqalabs/loqa-pendant/internal/audio"
	"github.com/loqalabs/loqa-pendant/internal/device"
)

// Recording is a downloaded offline recording.
type Recording struct {
	ID              string       `json:"id"`
	Path            string       `json:"path"`
	SizeBytes       int64        `json:"size_bytes"`
	CreatedAt       time.Time    `json:"created_at"`
	Codec           device.Codec `json:"codec"`
	Frames          int          `json:"frames"`
	DurationSeconds float64      `json:"duration_seconds"`
	Processed       bool         `json:"processed"`
}

var ErrRecordingNotFound = apperr.New(apperr.KindLogical, "recording not found")

// Index records recordings and their processing state.
type Index interface {
	AddRecording(ctx context.Context, r Recording) error
	GetRecording(ctx context.Context, id string) (Recording, error)
	ListRecordings(ctx context.Context) ([]Recording, error)
	MarkRecordingProcessed(ctx context.Context, id string) error
	DeleteRecording(ctx context.Context, id string) error
}

// RecordingName is the file name for a recording captured with codec at t.
func RecordingName(codec device.Codec, t time.Time) string {
	return fmt.Sprintf("recording-%s-%d.bin", codec, t.UnixMilli())
}

// ParseRecordingName reverses RecordingName.
func ParseRecordingName(name string) (device.Codec, time.Time, error) {
	base := strings.TrimSuffix(filepath.Base(name), ".bin")
	parts := strings.Split(base, "-")
	if len(parts) != 3 || parts[0] != "recording" {
		return 0, time.Time{}, fmt.Errorf("not a recording file name: %q", name)
	}
	codec, err := device.ParseCodecName(parts[1])
	if err != nil {
		return 0, time.Time{}, err
	}
	ms, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("recording timestamp: %w", err)
	}
	return codec, time.UnixMilli(ms), nil
}

// MaxFrameSize bounds one record. It is well above the largest codec frame,
// so a larger length means the file is corrupt.
const MaxFrameSize = 4096

// WriteRecording persists frames as length-prefixed records. The file is
// written under a temporary name and renamed once synced to disk.
func WriteRecording(dir string, codec device.Codec, frames [][]byte, at time.Time) (Recording, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Recording{}, fmt.Errorf("create recordings dir: %w", err)
	}
	name := RecordingName(codec, at)
	path := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return Recording{}, fmt.Errorf("create recording: %w", err)
	}
	defer os.Remove(tmp.Name())

	var size int64
	var header [4]byte
	for _, f := range frames {
		if len(f) > MaxFrameSize {
			tmp.Close()
			return Recording{}, apperr.New(apperr.KindProtocol, fmt.Sprintf("frame length %d exceeds %d", len(f), MaxFrameSize))
		}
		binary.LittleEndian.PutUint32(header[:], uint32(len(f)))
		if _, err := tmp.Write(header[:]); err != nil {
			tmp.Close()
			return Recording{}, fmt.Errorf("write recording: %w", err)
		}
		if _, err := tmp.Write(f); err != nil {
			tmp.Close()
			return Recording{}, fmt.Errorf("write recording: %w", err)
		}
		size += int64(len(header) + len(f))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return Recording{}, fmt.Errorf("sync recording: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Recording{}, fmt.Errorf("close recording: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return Recording{}, fmt.Errorf("rename recording: %w", err)
	}
	return Recording{
		ID:              strings.TrimSuffix(name, ".bin"),
		Path:            path,
		SizeBytes:       size,
		CreatedAt:       at,
		Codec:           codec,
		Frames:          len(frames),
		DurationSeconds: float64(len(frames)) / float64(codec.FramesPerSecond()),
	}, nil
}

// ReadFrames reads every record of a recording file. A truncated final record
// is reported as a protocol error along with the frames read before it.
func ReadFrames(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	var frames [][]byte
	var header [4]byte
	for {
		if _, err := io.ReadFull(f, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return frames, nil
			}
			return frames, apperr.Wrap(apperr.KindProtocol, err, "truncated record header")
		}
		n := binary.LittleEndian.Uint32(header[:])
		if n > MaxFrameSize {
			return frames, apperr.New(apperr.KindProtocol, fmt.Sprintf("record length %d exceeds %d", n, MaxFrameSize))
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(f, frame); err != nil {
			return frames, apperr.Wrap(apperr.KindProtocol, err, "truncated record")
		}
		frames = append(frames, frame)
	}
}

// DecodePCM decodes a recording to 16-bit PCM. Frames that fail to decode are
// dropped and counted.
func DecodePCM(r Recording) (pcm []byte, sampleRate int, dropped int, err error) {
	frames, err := ReadFrames(r.Path)
	if err != nil && len(frames) == 0 {
		return nil, 0, 0, err
	}
	dec, err := audio.NewDecoder(r.Codec)
	if err != nil {
		return nil, 0, 0, err
	}
	for _, f := range frames {
		out, err := dec.Decode(f)
		if err != nil {
			dropped++
			continue
		}
		pcm = append(pcm, out...)
	}
	return pcm, r.Codec.SampleRate(), dropped, nil
}

// ExportWAV decodes a recording into a WAV file.
func ExportWAV(r Recording, w io.WriteSeeker) error {
	pcm, rate, _, err := DecodePCM(r)
	if err != nil {
		return err
	}
	if len(pcm) == 0 {
		return apperr.New(apperr.KindLogical, "recording contains no decodable audio")
	}
	return audio.WriteWAV(w, pcm, rate, 1)
}
