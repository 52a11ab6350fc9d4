package command

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-pendant/internal/clock"
	"github.com/loqalabs/loqa-pendant/internal/stt"
)

type fakePipeline struct {
	mu        sync.Mutex
	listening int
	suspended int
	resumed   int
	finalized int
	live      []string
	listenErr error
}

func (p *fakePipeline) EnsureListening(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listening++
	return p.listenErr
}

func (p *fakePipeline) SuspendForwarding() {
	p.mu.Lock()
	p.suspended++
	p.mu.Unlock()
}

func (p *fakePipeline) ResumeForwarding() {
	p.mu.Lock()
	p.resumed++
	p.mu.Unlock()
}

func (p *fakePipeline) FinalizeConversation() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.live) == 0 {
		return false
	}
	p.finalized++
	p.live = nil
	return true
}

// route mirrors how the listening session dispatches segments.
func (p *fakePipeline) route(m *Machine, segs ...stt.Segment) {
	if m.Capture(segs) {
		return
	}
	p.mu.Lock()
	for _, s := range segs {
		p.live = append(p.live, s.Text)
	}
	p.mu.Unlock()
}

type fakeChat struct {
	mu      sync.Mutex
	queries []string
	reply   string
	err     error
	block   chan struct{}
}

func (c *fakeChat) Ask(ctx context.Context, query, _ string) (string, error) {
	c.mu.Lock()
	c.queries = append(c.queries, query)
	block := c.block
	c.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return c.reply, c.err
}

func (c *fakeChat) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.queries...)
}

type harness struct {
	m       *Machine
	clk     *clock.Fake
	pipe    *fakePipeline
	chat    *fakeChat
	mu      sync.Mutex
	replies []Reply
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clk:  clock.NewFake(time.Unix(0, 0)),
		pipe: &fakePipeline{},
		chat: &fakeChat{reply: "It is sunny."},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.m = NewMachine(Config{SettleDelay: 1500 * time.Millisecond, AskTimeout: time.Second}, h.clk, h.pipe, h.chat, nil, log)
	h.m.OnReply(func(r Reply) {
		h.mu.Lock()
		h.replies = append(h.replies, r)
		h.mu.Unlock()
	})
	return h
}

func (h *harness) allReplies() []Reply {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Reply(nil), h.replies...)
}

func packet(code uint32) []byte {
	p := make([]byte, 4)
	binary.LittleEndian.PutUint32(p, code)
	return p
}

func TestDoubleTapOnEmptyConversationIsNoop(t *testing.T) {
	h := newHarness(t)
	h.m.HandlePacket(context.Background(), packet(2))
	if h.pipe.finalized != 0 {
		t.Fatal("finalize should not run on an empty conversation")
	}
	if h.m.State() != StateIdle {
		t.Fatalf("expected idle, got %v", h.m.State())
	}
}

func TestDoubleTapFinalizes(t *testing.T) {
	h := newHarness(t)
	h.pipe.route(h.m, stt.Segment{Text: "hello"})
	h.m.HandlePacket(context.Background(), packet(2))
	if h.pipe.finalized != 1 {
		t.Fatalf("expected finalize, got %d", h.pipe.finalized)
	}
}

func TestShortAndUnknownPacketsIgnored(t *testing.T) {
	h := newHarness(t)
	h.m.HandlePacket(context.Background(), []byte{3, 0})
	h.m.HandlePacket(context.Background(), packet(9))
	h.m.HandlePacket(context.Background(), packet(5))
	if h.m.State() != StateIdle || h.pipe.listening != 0 {
		t.Fatalf("unexpected transition to %v", h.m.State())
	}
}

func TestEmptyHoldYieldsCannedReply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.m.HandlePacket(ctx, packet(3))
	if h.pipe.listening != 1 {
		t.Fatal("hold start should ensure listening")
	}
	h.m.HandlePacket(ctx, packet(5))
	if h.m.State() != StateProcessing {
		t.Fatalf("expected processing during settle, got %v", h.m.State())
	}
	h.clk.Advance(1499 * time.Millisecond)
	if len(h.allReplies()) != 0 {
		t.Fatal("reply before settle delay elapsed")
	}
	h.clk.Advance(time.Millisecond)

	replies := h.allReplies()
	if len(replies) != 1 || !replies[0].Canned || replies[0].Text == "" {
		t.Fatalf("expected canned reply, got %+v", replies)
	}
	if len(h.chat.calls()) != 0 {
		t.Fatal("chat must not be invoked for an empty query")
	}
	if h.m.State() != StateIdle {
		t.Fatalf("expected idle, got %v", h.m.State())
	}
}

func TestHoldToAskRoutesScratchAndResumes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.pipe.route(h.m, stt.Segment{Text: "before"})
	h.m.HandlePacket(ctx, packet(3))
	h.pipe.route(h.m, stt.Segment{Text: "what's the"})
	h.m.HandlePacket(ctx, packet(5))
	// Trailing speech inside the settle window still belongs to the query.
	h.pipe.route(h.m, stt.Segment{Text: "weather"})
	h.clk.Advance(1500 * time.Millisecond)
	h.m.Wait()
	h.pipe.route(h.m, stt.Segment{Text: "after"})

	if calls := h.chat.calls(); len(calls) != 1 || calls[0] != "what's the weather" {
		t.Fatalf("unexpected chat queries %v", calls)
	}
	if len(h.pipe.live) != 2 || h.pipe.live[0] != "before" || h.pipe.live[1] != "after" {
		t.Fatalf("live conversation received query text: %v", h.pipe.live)
	}
	if h.pipe.suspended != 1 || h.pipe.resumed != 1 {
		t.Fatalf("expected one suspend/resume, got %d/%d", h.pipe.suspended, h.pipe.resumed)
	}
	replies := h.allReplies()
	if len(replies) != 1 || replies[0].Text != "It is sunny." || replies[0].Err != nil {
		t.Fatalf("unexpected replies %+v", replies)
	}
	if h.m.State() != StateIdle {
		t.Fatalf("expected idle, got %v", h.m.State())
	}
}

func TestCodesIgnoredWhileProcessing(t *testing.T) {
	h := newHarness(t)
	h.chat.block = make(chan struct{})
	ctx := context.Background()

	h.m.HandlePacket(ctx, packet(3))
	h.pipe.route(h.m, stt.Segment{Text: "question"})
	h.m.HandlePacket(ctx, packet(5))
	h.clk.Advance(1500 * time.Millisecond)

	h.pipe.route(h.m, stt.Segment{Text: "something"})
	h.m.HandlePacket(ctx, packet(2))
	h.m.HandlePacket(ctx, packet(3))
	if h.m.State() != StateProcessing {
		t.Fatalf("expected processing, got %v", h.m.State())
	}
	if h.pipe.finalized != 0 || h.pipe.listening != 1 {
		t.Fatal("codes during processing must be ignored")
	}

	close(h.chat.block)
	h.m.Wait()
	if h.m.State() != StateIdle {
		t.Fatalf("expected idle after reply, got %v", h.m.State())
	}
}

func TestChatErrorStillResumes(t *testing.T) {
	h := newHarness(t)
	h.chat.err = errors.New("offline")
	ctx := context.Background()
	h.m.HandlePacket(ctx, packet(3))
	h.pipe.route(h.m, stt.Segment{Text: "hi"})
	h.m.HandlePacket(ctx, packet(5))
	h.clk.Advance(2 * time.Second)
	h.m.Wait()

	replies := h.allReplies()
	if len(replies) != 1 || replies[0].Err == nil {
		t.Fatalf("expected error reply, got %+v", replies)
	}
	if h.pipe.resumed != 1 || h.m.State() != StateIdle {
		t.Fatalf("expected resumed idle machine")
	}
}

func TestListeningFailureReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	h.pipe.listenErr = errors.New("no device")
	h.m.HandlePacket(context.Background(), packet(3))
	if h.m.State() != StateIdle {
		t.Fatalf("expected idle, got %v", h.m.State())
	}
	if h.m.Capture([]stt.Segment{{Text: "x"}}) {
		t.Fatal("capture should be off after failure")
	}
	if replies := h.allReplies(); len(replies) != 1 || replies[0].Err == nil {
		t.Fatalf("expected error reply, got %+v", replies)
	}
}

func TestResetCancelsSettle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.m.HandlePacket(ctx, packet(3))
	h.m.HandlePacket(ctx, packet(5))
	h.m.Reset()
	if h.clk.Pending() != 0 {
		t.Fatalf("settle timer leaked")
	}
	h.clk.Advance(time.Minute)
	if len(h.allReplies()) != 0 || h.m.State() != StateIdle {
		t.Fatal("reset machine must stay idle and silent")
	}
}

func TestStaleReplyLeavesNewerQuerySuspended(t *testing.T) {
	h := newHarness(t)
	h.chat.block = make(chan struct{})
	ctx := context.Background()

	h.m.HandlePacket(ctx, packet(3))
	h.pipe.route(h.m, stt.Segment{Text: "first"})
	h.m.HandlePacket(ctx, packet(5))
	h.clk.Advance(1500 * time.Millisecond)
	h.m.Reset()

	h.m.HandlePacket(ctx, packet(3))
	h.pipe.route(h.m, stt.Segment{Text: "second"})
	h.m.HandlePacket(ctx, packet(5))

	// The first answer lands while the second query is settling.
	close(h.chat.block)
	h.m.Wait()
	h.pipe.mu.Lock()
	resumed := h.pipe.resumed
	h.pipe.mu.Unlock()
	if resumed != 1 {
		t.Fatalf("stale reply resumed forwarding: %d resumes", resumed)
	}
	if h.m.State() != StateProcessing {
		t.Fatalf("expected the second query still processing, got %v", h.m.State())
	}

	h.clk.Advance(1500 * time.Millisecond)
	h.m.Wait()
	if calls := h.chat.calls(); len(calls) != 2 || calls[1] != "second" {
		t.Fatalf("unexpected chat queries %v", calls)
	}
	if h.pipe.suspended != 2 || h.pipe.resumed != 2 || h.m.State() != StateIdle {
		t.Fatalf("expected two suspend/resume pairs and idle, got %d/%d %v", h.pipe.suspended, h.pipe.resumed, h.m.State())
	}
	if replies := h.allReplies(); len(replies) != 2 {
		t.Fatalf("expected both replies delivered, got %+v", replies)
	}
}
