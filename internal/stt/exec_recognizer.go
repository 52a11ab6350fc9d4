package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-pendant/internal/audio"
	"github.com/mattn/go-shellwords"
)

type execRecognizer struct {
	cmd       []string
	modelPath string
	language  string
	mu        sync.Mutex
}

type execResult struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
}

// NewExecRecognizer runs a whisper-style command once per window. The command
// receives --audio <wav> plus --model and --language when set, and prints
// {"text": ..., "segments": [...]} on stdout.
func NewExecRecognizer(command, modelPath, language string) (Recognizer, error) {
	args, err := parseCommand(command)
	if err != nil {
		return nil, err
	}
	return &execRecognizer{cmd: args, modelPath: modelPath, language: language}, nil
}

func parseCommand(command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return args, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int) ([]Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp("", "loqa_stt_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WriteWAV(file, pcm, sampleRate, 1); err != nil {
		return nil, err
	}

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.modelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.modelPath)
	}
	if r.language != "" {
		cmdArgs = append(cmdArgs, "--language", r.language)
	}

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode stt response: %w", err)
	}
	if len(resp.Segments) == 0 && resp.Text != "" {
		resp.Segments = []Segment{{Text: resp.Text, End: float64(len(pcm)/2) / float64(sampleRate)}}
	}
	return resp.Segments, nil
}
