package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/loqalabs/loqa-pendant/internal/config"
)

const chatSystemPrompt = "You answer questions spoken to a wearable recorder. " +
	"Reply in one or two short sentences suitable for reading aloud. " +
	"Use the recent conversation only when it is relevant."

// Chat answers free-text questions with a generator.
type Chat struct {
	gen Generator
	cfg config.LLMConfig
}

func NewChat(gen Generator, cfg config.LLMConfig) *Chat {
	return &Chat{gen: gen, cfg: cfg}
}

// Ask sends query with an optional snippet of the live conversation.
func (c *Chat) Ask(ctx context.Context, query, recent string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", errors.New("empty question")
	}
	var prompt strings.Builder
	if recent = strings.TrimSpace(recent); recent != "" {
		prompt.WriteString("Recent conversation:\n")
		prompt.WriteString(recent)
		prompt.WriteString("\n\n")
	}
	prompt.WriteString("Question: ")
	prompt.WriteString(query)

	req := Defaults(c.cfg, Request{Task: TaskAsk, Prompt: prompt.String(), System: chatSystemPrompt, Context: recent})
	return Complete(ctx, c.gen, req)
}
