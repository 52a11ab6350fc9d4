package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-pendant/internal/config"
)

// Task names what a request is for, so external commands can route it.
type Task int

const (
	TaskAsk Task = iota
	TaskSummarize
)

func (t Task) String() string {
	switch t {
	case TaskAsk:
		return "ask"
	case TaskSummarize:
		return "summarize"
	default:
		return fmt.Sprintf("task(%d)", int(t))
	}
}

// Request describes a language model prompt.
type Request struct {
	Task   Task
	Prompt string
	System string
	// Context is the recent live conversation for hold-to-ask questions. It
	// is already part of Prompt; exec commands also receive it separately.
	Context     string
	MaxTokens   int
	Temperature float64
	// JSON asks the backend for a JSON object when it supports that.
	JSON bool
}

// Chunk represents streamed model output.
type Chunk struct {
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// Complete runs a request and returns the concatenated output.
func Complete(ctx context.Context, g Generator, req Request) (string, error) {
	var sb strings.Builder
	err := g.Generate(ctx, req, func(c Chunk) error {
		sb.WriteString(c.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(sb.String()), nil
}

// Mode is the closed set of generator backends.
type Mode int

const (
	ModeMock Mode = iota
	ModeOllama
	ModeExec
	ModeOpenAI
)

func (m Mode) String() string {
	switch m {
	case ModeMock:
		return "mock"
	case ModeOllama:
		return "ollama"
	case ModeExec:
		return "exec"
	case ModeOpenAI:
		return "openai"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "mock", "":
		return ModeMock, nil
	case "ollama":
		return ModeOllama, nil
	case "exec":
		return ModeExec, nil
	case "openai":
		return ModeOpenAI, nil
	default:
		return 0, fmt.Errorf("unknown llm mode %q", s)
	}
}

// New builds the generator selected by cfg.
func New(cfg config.LLMConfig) (Generator, error) {
	mode, err := ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	switch mode {
	case ModeMock:
		return NewMockGenerator(nil), nil
	case ModeOllama:
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case ModeExec:
		return NewExecGenerator(cfg.Command)
	case ModeOpenAI:
		return NewOpenAIGenerator(cfg.APIKey, cfg.Endpoint, cfg.Model)
	}
	return nil, fmt.Errorf("unhandled llm mode %v", mode)
}

// Defaults fills unset request fields from config.
func Defaults(cfg config.LLMConfig, req Request) Request {
	if req.MaxTokens <= 0 {
		req.MaxTokens = cfg.MaxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = cfg.Temperature
	}
	return req
}
