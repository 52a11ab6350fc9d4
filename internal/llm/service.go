package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-pendant/internal/bus"
	"github.com/loqalabs/loqa-pendant/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service answers AskRequests received over the bus so other clients can use
// the same chat backend as the hold-to-ask button.
type Service struct {
	chat    *Chat
	bus     *bus.Client
	timeout time.Duration
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func NewService(parent context.Context, chat *Chat, busClient *bus.Client, timeout time.Duration, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Service{
		chat:    chat,
		bus:     busClient,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With(slog.String("component", "llm-service")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectAsk, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe ask requests: %w", err)
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.AskRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode ask request", slogError(err))
		s.respond(msg, protocol.AskResponse{Error: "malformed request"})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		start := time.Now()
		text, err := s.chat.Ask(ctx, req.Query, req.Context)
		if err != nil {
			s.logger.Warn("ask failed", slogError(err))
			s.respond(msg, protocol.AskResponse{Error: err.Error()})
			return
		}
		s.logger.Info("ask answered", slog.Duration("latency", time.Since(start)))
		s.respond(msg, protocol.AskResponse{Text: text})
	}()
}

func (s *Service) respond(msg *nats.Msg, resp protocol.AskResponse) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send ask response", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
