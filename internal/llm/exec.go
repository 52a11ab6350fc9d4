package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/loqalabs/loqa-pendant/internal/apperr"
	"github.com/mattn/go-shellwords"
)

// execRequest is written to the command's stdin.
type execRequest struct {
	Task        string  `json:"task"`
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	Context     string  `json:"context,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	JSON        bool    `json:"json"`
}

// execLine is one NDJSON line of command output. Output ends at a line with
// done set or when stdout closes.
type execLine struct {
	Content          string `json:"content"`
	Done             bool   `json:"done"`
	Error            string `json:"error"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

type execGenerator struct {
	cmd []string
}

// NewExecGenerator runs command once per request. The request goes to stdin
// as JSON and the reply streams back as NDJSON lines of {"content": ...}.
func NewExecGenerator(command string) (Generator, error) {
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("llm command empty")
	}
	return &execGenerator{cmd: args}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	input, err := json.Marshal(execRequest{
		Task:        req.Task.String(),
		Prompt:      req.Prompt,
		System:      req.System,
		Context:     req.Context,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		JSON:        req.JSON,
	})
	if err != nil {
		return err
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, g.cmd[0], g.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return apperr.Wrap(apperr.KindBackend, err, "start llm command")
	}

	streamErr := g.stream(stdout, start, consumer)
	if streamErr != nil {
		_ = cmd.Process.Kill()
	}
	waitErr := cmd.Wait()
	switch {
	case (streamErr != nil || waitErr != nil) && ctx.Err() != nil:
		return apperr.Wrap(apperr.KindTimeout, ctx.Err(), "llm command")
	case streamErr != nil:
		return streamErr
	case waitErr != nil:
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return apperr.Wrap(apperr.KindBackend, waitErr, "llm command: %s", msg)
		}
		return apperr.Wrap(apperr.KindBackend, waitErr, "llm command")
	}
	return nil
}

func (g *execGenerator) stream(stdout io.Reader, start time.Time, consumer func(Chunk) error) error {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var out execLine
		if err := json.Unmarshal(line, &out); err != nil {
			return apperr.Wrap(apperr.KindProtocol, err, "decode llm command output")
		}
		if out.Error != "" {
			return apperr.New(apperr.KindBackend, "llm command: "+out.Error)
		}
		if err := consumer(Chunk{
			Content:          out.Content,
			Partial:          !out.Done,
			PromptTokens:     out.PromptTokens,
			CompletionTokens: out.CompletionTokens,
			Latency:          time.Since(start),
		}); err != nil {
			return err
		}
		if out.Done {
			return nil
		}
	}
	return scanner.Err()
}
