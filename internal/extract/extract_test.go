package extract

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-pendant/internal/config"
	"github.com/loqalabs/loqa-pendant/internal/conversation"
	"github.com/loqalabs/loqa-pendant/internal/llm"
	"github.com/loqalabs/loqa-pendant/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type saved struct {
	conv  conversation.Conversation
	facts []string
	tasks []string
}

type fakeSaver struct {
	calls []saved
	err   error
}

func (f *fakeSaver) SaveConversation(_ context.Context, c conversation.Conversation, facts, tasks []string) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, saved{c, facts, tasks})
	return nil
}

func sample() conversation.Conversation {
	return conversation.Conversation{
		ID:        "c1",
		CreatedAt: time.Date(2025, 3, 1, 15, 4, 0, 0, time.UTC),
		Segments:  []stt.Segment{{Text: "let's send the deck tomorrow", Speaker: 0}},
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		title string
		facts int
		tasks int
	}{
		{"plain", `{"title":"Budget","summary":"s","facts":["a"],"tasks":["b","c"]}`, "Budget", 1, 2},
		{"fenced", "```json\n{\"title\": \"Budget\", \"facts\": [], \"tasks\": []}\n```", "Budget", 0, 0},
		{"prose around", `Sure! {"title":"Budget"} Hope that helps.`, "Budget", 0, 0},
		{"trailing commas", `{"title": "Budget", "facts": ["q3 closed",], "tasks": [],}`, "Budget", 1, 0},
		{"blanks and cap", `{"title":" Budget ","facts":["", "a", "b", "c"],"tasks":["  "]}`, "Budget", 2, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Parse(tt.in, 2, 2)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if res.Title != tt.title || len(res.Facts) != tt.facts || len(res.Tasks) != tt.tasks {
				t.Fatalf("unexpected result %+v", res)
			}
		})
	}
	if _, err := Parse("no json here", 0, 0); err == nil {
		t.Fatal("expected error without an object")
	}
}

func TestFinalizeStoresSummary(t *testing.T) {
	gen := llm.NewMockGenerator(func(req llm.Request) (string, error) {
		if !req.JSON {
			t.Errorf("expected JSON request")
		}
		return `{"title":"Deck","summary":"Plan to send the deck.","facts":[],"tasks":["send the deck"]}`, nil
	})
	saver := &fakeSaver{}
	ex := New(gen, config.ExtractConfig{Enabled: true, MaxTasks: 5}, config.LLMConfig{}, saver, newLogger())
	var stored []Result
	ex.OnStored(func(_ conversation.Conversation, r Result) { stored = append(stored, r) })

	if err := ex.Finalize(context.Background(), sample()); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(saver.calls) != 1 {
		t.Fatalf("expected one save, got %d", len(saver.calls))
	}
	got := saver.calls[0]
	if got.conv.Title != "Deck" || got.conv.Summary == "" || len(got.tasks) != 1 || len(got.facts) != 0 {
		t.Fatalf("unexpected save %+v", got)
	}
	if len(stored) != 1 || stored[0].Title != "Deck" {
		t.Fatalf("expected stored callback, got %+v", stored)
	}
}

func TestFinalizeFallsBack(t *testing.T) {
	tests := []struct {
		name string
		gen  llm.Generator
		cfg  config.ExtractConfig
	}{
		{"generator error", llm.NewMockGenerator(func(llm.Request) (string, error) { return "", errors.New("down") }), config.ExtractConfig{Enabled: true}},
		{"garbage output", llm.NewMockGenerator(func(llm.Request) (string, error) { return "I cannot help", nil }), config.ExtractConfig{Enabled: true}},
		{"disabled", llm.NewMockGenerator(nil), config.ExtractConfig{Enabled: false}},
		{"no generator", nil, config.ExtractConfig{Enabled: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			saver := &fakeSaver{}
			ex := New(tt.gen, tt.cfg, config.LLMConfig{}, saver, newLogger())
			if err := ex.Finalize(context.Background(), sample()); err != nil {
				t.Fatalf("finalize: %v", err)
			}
			got := saver.calls[0]
			if got.conv.Title != "Conversation on Mar 1, 2025 at 3:04 PM" {
				t.Fatalf("unexpected fallback title %q", got.conv.Title)
			}
			if got.conv.Summary != "" || len(got.facts) != 0 || len(got.tasks) != 0 {
				t.Fatalf("fallback must be empty: %+v", got)
			}
		})
	}
}

func TestFinalizeReportsSaveFailure(t *testing.T) {
	ex := New(nil, config.ExtractConfig{}, config.LLMConfig{}, &fakeSaver{err: errors.New("disk full")}, newLogger())
	if err := ex.Finalize(context.Background(), sample()); err == nil {
		t.Fatal("expected save error")
	}
}
