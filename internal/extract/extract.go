// Package extract summarizes finished conversations and persists them with
// the facts and tasks found in the transcript.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/loqalabs/loqa-pendant/internal/config"
	"github.com/loqalabs/loqa-pendant/internal/conversation"
	"github.com/loqalabs/loqa-pendant/internal/llm"
)

const systemPrompt = `You summarize transcripts captured by a wearable recorder.
Respond with a single JSON object and nothing else:
{"title": "...", "summary": "...", "facts": ["..."], "tasks": ["..."]}
title: at most eight words. summary: two or three sentences.
facts: durable statements worth remembering about the speakers or the world.
tasks: concrete action items someone committed to. Use empty lists when there are none.`

// Result is what the summarizer extracted from one conversation.
type Result struct {
	Title   string   `json:"title"`
	Summary string   `json:"summary"`
	Facts   []string `json:"facts"`
	Tasks   []string `json:"tasks"`
}

// Saver persists a summarized conversation.
type Saver interface {
	SaveConversation(ctx context.Context, c conversation.Conversation, facts, tasks []string) error
}

// Extractor implements conversation.Finalizer.
type Extractor struct {
	gen    llm.Generator
	cfg    config.ExtractConfig
	llmCfg config.LLMConfig
	saver  Saver
	log    *slog.Logger

	mu       sync.Mutex
	onStored []func(conversation.Conversation, Result)
}

var _ conversation.Finalizer = (*Extractor)(nil)

// New returns an Extractor. A nil generator or disabled config skips the
// summarizer and always uses the fallback title.
func New(gen llm.Generator, cfg config.ExtractConfig, llmCfg config.LLMConfig, saver Saver, log *slog.Logger) *Extractor {
	return &Extractor{gen: gen, cfg: cfg, llmCfg: llmCfg, saver: saver, log: log.With(slog.String("component", "extract"))}
}

// OnStored registers a callback run after a conversation is persisted.
func (e *Extractor) OnStored(fn func(conversation.Conversation, Result)) {
	e.mu.Lock()
	e.onStored = append(e.onStored, fn)
	e.mu.Unlock()
}

// Finalize summarizes c and saves it. Summarizer failures fall back to a
// timestamp title; only persistence failures are returned.
func (e *Extractor) Finalize(ctx context.Context, c conversation.Conversation) error {
	res := e.Summarize(ctx, c)
	c.Title = res.Title
	c.Summary = res.Summary
	if err := e.saver.SaveConversation(ctx, c, res.Facts, res.Tasks); err != nil {
		return fmt.Errorf("save conversation %s: %w", c.ID, err)
	}
	e.log.Info("conversation stored",
		slog.String("conversation", c.ID),
		slog.String("title", c.Title),
		slog.Int("segments", len(c.Segments)),
		slog.Int("facts", len(res.Facts)),
		slog.Int("tasks", len(res.Tasks)))

	e.mu.Lock()
	callbacks := append([]func(conversation.Conversation, Result){}, e.onStored...)
	e.mu.Unlock()
	for _, fn := range callbacks {
		fn(c, res)
	}
	return nil
}

// Summarize asks the generator for a Result. It never fails: any error yields
// Fallback(c).
func (e *Extractor) Summarize(ctx context.Context, c conversation.Conversation) Result {
	transcript := strings.TrimSpace(c.Transcript())
	if e.gen == nil || !e.cfg.Enabled || transcript == "" {
		return Fallback(c)
	}
	timeout := time.Duration(e.cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := llm.Defaults(e.llmCfg, llm.Request{
		Task:   llm.TaskSummarize,
		System: systemPrompt,
		Prompt: "Transcript:\n" + transcript,
		JSON:   true,
	})
	text, err := llm.Complete(ctx, e.gen, req)
	if err != nil {
		e.log.Warn("summarizer failed, using fallback title", slog.String("conversation", c.ID), slog.String("error", err.Error()))
		return Fallback(c)
	}
	res, err := Parse(text, e.cfg.MaxFacts, e.cfg.MaxTasks)
	if err != nil {
		e.log.Warn("summary unparseable, using fallback title", slog.String("conversation", c.ID), slog.String("error", err.Error()))
		return Fallback(c)
	}
	if res.Title == "" {
		res.Title = Fallback(c).Title
	}
	return res
}

// Fallback is the result used when no summary is available.
func Fallback(c conversation.Conversation) Result {
	return Result{Title: FallbackTitle(c.CreatedAt)}
}

// FallbackTitle derives a title from the conversation start time.
func FallbackTitle(t time.Time) string {
	return "Conversation on " + t.Format("Jan 2, 2006 at 3:04 PM")
}

// Parse decodes summarizer output. Code fences and prose around the object
// are ignored and malformed JSON is repaired when possible. Lists are trimmed
// of blanks and capped at maxFacts and maxTasks when those are positive.
func Parse(text string, maxFacts, maxTasks int) (Result, error) {
	body := objectBody(text)
	if body == "" {
		return Result{}, errors.New("no JSON object in summary")
	}
	var res Result
	if err := unmarshalJSON([]byte(body), &res); err != nil {
		return Result{}, fmt.Errorf("decode summary: %w", err)
	}
	res.Title = strings.TrimSpace(res.Title)
	res.Summary = strings.TrimSpace(res.Summary)
	res.Facts = clean(res.Facts, maxFacts)
	res.Tasks = clean(res.Tasks, maxTasks)
	return res, nil
}

func objectBody(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	end := strings.LastIndex(text, "}")
	if end < start {
		// Truncated output; let the repair pass close it.
		return text[start:]
	}
	return text[start : end+1]
}

func unmarshalJSON(data []byte, v any) error {
	err := json.Unmarshal(data, v)
	if err == nil {
		return nil
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		fixed, err := jsonrepair.JSONRepair(string(data))
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(fixed), v)
	}
	return err
}

func clean(items []string, limit int) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
