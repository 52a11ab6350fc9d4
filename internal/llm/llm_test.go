package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-pendant/internal/bus"
	"github.com/loqalabs/loqa-pendant/internal/config"
	"github.com/loqalabs/loqa-pendant/internal/natsserver"
	"github.com/loqalabs/loqa-pendant/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{"": ModeMock, "mock": ModeMock, "ollama": ModeOllama, "exec": ModeExec, "openai": ModeOpenAI}
	for in, want := range cases {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMode("gpt"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if _, err := New(config.LLMConfig{Mode: "openai"}); err == nil {
		t.Fatal("expected openai without key to fail")
	}
	if _, err := New(config.LLMConfig{Mode: "exec"}); err == nil {
		t.Fatal("expected exec without command to fail")
	}
}

func TestChatBuildsPromptWithContext(t *testing.T) {
	var seen Request
	gen := NewMockGenerator(func(req Request) (string, error) {
		seen = req
		return "  Tuesday.  ", nil
	})
	chat := NewChat(gen, config.LLMConfig{MaxTokens: 64, Temperature: 0.2})
	reply, err := chat.Ask(context.Background(), "when is the demo?", "Speaker 0: demo moved to tuesday")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if reply != "Tuesday." {
		t.Fatalf("unexpected reply %q", reply)
	}
	if !strings.Contains(seen.Prompt, "demo moved to tuesday") || !strings.HasSuffix(seen.Prompt, "Question: when is the demo?") {
		t.Fatalf("unexpected prompt %q", seen.Prompt)
	}
	if seen.Task != TaskAsk || seen.Context != "Speaker 0: demo moved to tuesday" {
		t.Fatalf("unexpected task or context: %+v", seen)
	}
	if seen.MaxTokens != 64 || seen.Temperature != 0.2 || seen.System == "" {
		t.Fatalf("defaults not applied: %+v", seen)
	}
	if _, err := chat.Ask(context.Background(), "   ", ""); err == nil {
		t.Fatal("expected error for empty question")
	}
}

func TestOllamaStreamsChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Format != "json" || req.Model != "tiny" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, `{"response":"{\"title\":","done":false}`)
		fmt.Fprintln(w, `{"response":"\"Hi\"}","done":true,"eval_count":4,"prompt_eval_count":9}`)
	}))
	defer srv.Close()

	gen := NewOllamaGenerator(srv.URL+"/", "tiny")
	var partials int
	var last Chunk
	err := gen.Generate(context.Background(), Request{Prompt: "x", JSON: true}, func(c Chunk) error {
		if c.Partial {
			partials++
		}
		last = c
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if partials != 1 || last.Partial || last.CompletionTokens != 4 || last.PromptTokens != 9 {
		t.Fatalf("unexpected chunks partials=%d last=%+v", partials, last)
	}
	out, err := Complete(context.Background(), gen, Request{Prompt: "x", JSON: true})
	if err != nil || out != `{"title":"Hi"}` {
		t.Fatalf("unexpected completion %q err=%v", out, err)
	}
}

func TestOllamaStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()
	if _, err := Complete(context.Background(), NewOllamaGenerator(srv.URL, ""), Request{Prompt: "x"}); err == nil {
		t.Fatal("expected error for non-2xx status")
	}
}

func TestServiceAnswersOverBus(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer srv.Shutdown()
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	gen := NewMockGenerator(func(req Request) (string, error) {
		if strings.Contains(req.Prompt, "fail") {
			return "", errors.New("backend down")
		}
		return "forty-two", nil
	})
	svc := NewService(context.Background(), NewChat(gen, config.LLMConfig{}), client, time.Second, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	defer svc.Close()

	ask := func(query string) protocol.AskResponse {
		data, _ := json.Marshal(protocol.AskRequest{Query: query})
		msg, err := client.Conn().Request(protocol.SubjectAsk, data, 2*time.Second)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		var resp protocol.AskResponse
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return resp
	}
	if resp := ask("meaning of life"); resp.Text != "forty-two" || resp.Error != "" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp := ask("please fail"); resp.Error == "" {
		t.Fatalf("expected error response, got %+v", resp)
	}
}
