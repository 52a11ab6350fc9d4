package runtime

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-pendant/internal/command"
	"github.com/loqalabs/loqa-pendant/internal/conversation"
	"github.com/loqalabs/loqa-pendant/internal/device"
	"github.com/loqalabs/loqa-pendant/internal/protocol"
	"github.com/loqalabs/loqa-pendant/internal/stt"
	"github.com/loqalabs/loqa-pendant/internal/walsync"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type published struct {
	subject string
	data    []byte
}

type recordingPublisher struct {
	mu  sync.Mutex
	out []published
}

func (p *recordingPublisher) Publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.out = append(p.out, published{subject: subject, data: data})
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.out {
		out = append(out, m.subject)
	}
	return out
}

func (p *recordingPublisher) last(t *testing.T, v any) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.out) == 0 {
		t.Fatal("nothing published")
	}
	if err := json.Unmarshal(p.out[len(p.out)-1].data, v); err != nil {
		t.Fatal(err)
	}
}

func fixedNow() time.Time { return time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC) }

func TestBroadcastSegmentsCarryConversationID(t *testing.T) {
	pub := &recordingPublisher{}
	live := func() (conversation.Conversation, bool) {
		return conversation.Conversation{ID: "conv-1"}, true
	}
	b := newBroadcaster(pub, nil, live, newLogger())
	b.now = fixedNow

	b.segments([]stt.Segment{{Text: "hi", Speaker: 2, Start: 1, End: 2}})
	var msg protocol.Segments
	pub.last(t, &msg)
	if msg.ConversationID != "conv-1" || len(msg.Segments) != 1 || msg.Segments[0].Speaker != 2 {
		t.Fatalf("unexpected segments message %+v", msg)
	}
}

func TestBroadcastConversationEvents(t *testing.T) {
	pub := &recordingPublisher{}
	b := newBroadcaster(pub, nil, nil, newLogger())
	b.now = fixedNow

	conv := conversation.Conversation{ID: "c", Segments: []stt.Segment{{Text: "a"}, {Text: "b"}}}
	b.conversationEvent(conversation.Event{Kind: conversation.EventUpdated, Conversation: conv})
	b.conversationEvent(conversation.Event{Kind: conversation.EventFinalized, Conversation: conv})

	subjects := pub.subjects()
	if len(subjects) != 1 || subjects[0] != "pendant.conversation.finalized" {
		t.Fatalf("unexpected subjects %v", subjects)
	}
	var msg protocol.Conversation
	pub.last(t, &msg)
	if msg.Event != "finalized" || msg.Segments != 2 {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestBroadcastDeviceAndReply(t *testing.T) {
	pub := &recordingPublisher{}
	b := newBroadcaster(pub, nil, nil, newLogger())
	b.now = fixedNow

	b.deviceChanged(device.Status{State: device.StateConnected, DeviceID: "d1", Codec: device.CodecOpus, Battery: 40})
	var state protocol.DeviceState
	pub.last(t, &state)
	if state.State != "connected" || state.Codec != "opus" || state.Battery != 40 {
		t.Fatalf("unexpected device state %+v", state)
	}

	b.reply(command.Reply{Query: "q", Err: errors.New("llm is disabled")})
	var reply protocol.Reply
	pub.last(t, &reply)
	if reply.Query != "q" || reply.Error != "llm is disabled" {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestBroadcastCountsOutcomes(t *testing.T) {
	provider := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = provider.Shutdown(t.Context()) })
	ins, err := newInstruments(provider.Meter("test"))
	if err != nil {
		t.Fatal(err)
	}
	pub := &recordingPublisher{}
	b := newBroadcaster(pub, ins, nil, newLogger())

	b.routerChanged(stt.Status{State: stt.StateLoading, Kind: stt.KindRemote})
	b.routerChanged(stt.Status{State: stt.StateIdle, Kind: stt.KindRemote})
	b.syncDone(nil, walsync.ErrSyncCancelled)
	b.syncDone(&walsync.Recording{SizeBytes: 10}, nil)

	var rs protocol.RouterState
	pub.last(t, &rs)
	if rs.State != "idle" {
		t.Fatalf("unexpected router state %+v", rs)
	}
	if b.lastRouter != stt.StateIdle {
		t.Fatalf("router state not tracked: %s", b.lastRouter)
	}
}
