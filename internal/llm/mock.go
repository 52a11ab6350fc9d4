package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct {
	reply func(Request) (string, error)
}

// NewMockGenerator answers every request with reply. A nil reply echoes the
// prompt back.
func NewMockGenerator(reply func(Request) (string, error)) Generator {
	return &mockGenerator{reply: reply}
}

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	content := "[mock completion for " + strings.TrimSpace(req.Prompt) + "]"
	if m.reply != nil {
		var err error
		if content, err = m.reply(req); err != nil {
			return err
		}
	}
	return consumer(Chunk{
		Content: content,
		Latency: time.Since(start),
	})
}
