package stt

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"

	"github.com/loqalabs/loqa-pendant/internal/apperr"
)

// streamEvent is one NDJSON line printed by a streaming recognizer.
type streamEvent struct {
	Type    string  `json:"type"`
	Text    string  `json:"text"`
	Speaker int     `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Error   string  `json:"error"`
}

// streamingBackend keeps a recognizer process alive for the session, writing
// PCM to its stdin and reading segments from its stdout. The process prints
// {"type":"ready"} once the model is loaded.
type streamingBackend struct {
	args      []string
	modelPath string
	language  string
	log       *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	audio    chan []byte
	stopping bool
	exited   chan struct{}
	writerWG sync.WaitGroup
}

func newStreamingBackend(command, modelPath, language string, log *slog.Logger) (*streamingBackend, error) {
	args, err := parseCommand(command)
	if err != nil {
		return nil, err
	}
	return &streamingBackend{args: args, modelPath: modelPath, language: language, log: log}, nil
}

func (b *streamingBackend) Start(ctx context.Context, cfg StreamConfig, h Handlers) error {
	if !cfg.PCM {
		return apperr.New(apperr.KindBackend, "streaming recognizer requires pcm input")
	}
	if err := checkModel(b.modelPath); err != nil {
		return err
	}
	if _, err := exec.LookPath(b.args[0]); err != nil {
		return apperr.Wrap(apperr.KindBackend, err, "recognizer binary")
	}

	cmdArgs := append([]string{}, b.args[1:]...)
	cmdArgs = append(cmdArgs, "--model", b.modelPath, "--sample-rate", strconv.Itoa(cfg.SampleRate))
	if b.language != "" {
		cmdArgs = append(cmdArgs, "--language", b.language)
	}
	cmd := exec.Command(b.args[0], cmdArgs...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return apperr.Wrap(apperr.KindBackend, err, "start recognizer")
	}

	ready := make(chan error, 1)
	exited := make(chan struct{})
	b.mu.Lock()
	b.cmd = cmd
	b.stdin = stdin
	b.audio = make(chan []byte, 128)
	b.stopping = false
	b.exited = exited
	b.mu.Unlock()

	go b.read(stdout, h, ready, exited)

	select {
	case err := <-ready:
		if err != nil {
			b.kill()
			return apperr.Wrap(apperr.KindBackend, err, "recognizer failed to load")
		}
	case <-ctx.Done():
		b.kill()
		return ctx.Err()
	}

	b.writerWG.Add(1)
	go b.write(stdin, b.audio, h)
	return nil
}

func (b *streamingBackend) read(stdout io.Reader, h Handlers, ready chan<- error, exited chan struct{}) {
	defer close(exited)
	signalled := false
	signal := func(err error) {
		if !signalled {
			signalled = true
			ready <- err
		}
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev streamEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			b.log.Warn("invalid recognizer output", slogError(err))
			continue
		}
		switch ev.Type {
		case "ready":
			signal(nil)
		case "error":
			if !signalled {
				signal(errors.New(ev.Error))
			} else {
				h.fail(apperr.New(apperr.KindBackend, "recognizer: "+ev.Error))
			}
		default:
			if ev.Text != "" {
				h.segments([]Segment{{Text: ev.Text, Speaker: ev.Speaker, Start: ev.Start, End: ev.End}})
			}
		}
	}
	signal(errors.New("recognizer exited before ready"))

	b.mu.Lock()
	stopping := b.stopping
	b.mu.Unlock()
	if !stopping {
		h.fail(apperr.New(apperr.KindBackend, "recognizer exited unexpectedly"))
	}
}

func (b *streamingBackend) write(stdin io.WriteCloser, audio <-chan []byte, h Handlers) {
	defer b.writerWG.Done()
	defer stdin.Close()
	for p := range audio {
		if _, err := stdin.Write(p); err != nil {
			b.mu.Lock()
			stopping := b.stopping
			b.mu.Unlock()
			if !stopping {
				h.fail(apperr.Wrap(apperr.KindBackend, err, "write recognizer input"))
			}
			// Keep draining so Push never blocks.
			for range audio {
			}
			return
		}
	}
}

func (b *streamingBackend) Push(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.audio == nil || b.stopping {
		return
	}
	select {
	case b.audio <- p:
	default:
		b.log.Warn("recognizer input backlog full, dropping chunk")
	}
}

// Stop closes stdin so the recognizer can flush its last segments, then
// waits for it to exit or kills it when ctx expires.
func (b *streamingBackend) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.cmd == nil || b.stopping {
		b.mu.Unlock()
		return nil
	}
	b.stopping = true
	close(b.audio)
	cmd, exited := b.cmd, b.exited
	b.mu.Unlock()

	b.writerWG.Wait()
	select {
	case <-exited:
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-exited
	}
	_ = cmd.Wait()

	b.mu.Lock()
	b.cmd = nil
	b.audio = nil
	b.mu.Unlock()
	return nil
}

func (b *streamingBackend) kill() {
	b.mu.Lock()
	cmd, exited := b.cmd, b.exited
	b.stopping = true
	b.cmd = nil
	b.audio = nil
	b.mu.Unlock()
	if cmd == nil {
		return
	}
	_ = cmd.Process.Kill()
	<-exited
	_ = cmd.Wait()
}
