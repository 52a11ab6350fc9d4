package runtime

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-pendant/internal/apperr"
	"github.com/loqalabs/loqa-pendant/internal/command"
	"github.com/loqalabs/loqa-pendant/internal/conversation"
	"github.com/loqalabs/loqa-pendant/internal/device"
	"github.com/loqalabs/loqa-pendant/internal/extract"
	"github.com/loqalabs/loqa-pendant/internal/protocol"
	"github.com/loqalabs/loqa-pendant/internal/stt"
	"github.com/loqalabs/loqa-pendant/internal/walsync"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Publisher is the subset of the bus client used for broadcasts.
type Publisher interface {
	Publish(subject string, v any) error
}

// broadcaster turns component callbacks into bus messages and counter
// increments. A nil publisher or instrument set disables that half.
type broadcaster struct {
	pub  Publisher
	ins  *instruments
	now  func() time.Time
	live func() (conversation.Conversation, bool)
	log  *slog.Logger

	lastRouter stt.State
}

func newBroadcaster(pub Publisher, ins *instruments, live func() (conversation.Conversation, bool), log *slog.Logger) *broadcaster {
	return &broadcaster{
		pub:  pub,
		ins:  ins,
		now:  time.Now,
		live: live,
		log:  log.With(slog.String("component", "broadcast")),
	}
}

func (b *broadcaster) publish(subject string, v any) {
	if b.pub == nil {
		return
	}
	if err := b.pub.Publish(subject, v); err != nil {
		b.log.Debug("broadcast dropped", slog.String("subject", subject), slogError(err))
	}
}

func (b *broadcaster) add(c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if b.ins == nil || c == nil {
		return
	}
	c.Add(context.Background(), n, metric.WithAttributes(attrs...))
}

func (b *broadcaster) deviceChanged(s device.Status) {
	msg := protocol.DeviceState{
		State:     s.State.String(),
		DeviceID:  s.DeviceID,
		Name:      s.Name,
		Battery:   s.Battery,
		Storage:   s.Storage,
		Timestamp: b.now(),
	}
	if s.State == device.StateConnected {
		msg.Codec = s.Codec.String()
	}
	b.publish(protocol.SubjectDeviceState, msg)
}

func (b *broadcaster) segments(segs []stt.Segment) {
	if b.ins != nil {
		b.add(b.ins.segments, int64(len(segs)))
	}
	msg := protocol.Segments{Segments: toSegments(segs), Timestamp: b.now()}
	if b.live != nil {
		if c, ok := b.live(); ok {
			msg.ConversationID = c.ID
		}
	}
	b.publish(protocol.SubjectSegments, msg)
}

func (b *broadcaster) conversationEvent(ev conversation.Event) {
	if ev.Kind == conversation.EventUpdated {
		return
	}
	if ev.Kind == conversation.EventFinalized && b.ins != nil {
		b.add(b.ins.conversations, 1, attribute.String("origin", "live"))
	}
	b.publish(protocol.ConversationSubject(ev.Kind.String()), protocol.Conversation{
		Event:          ev.Kind.String(),
		ConversationID: ev.Conversation.ID,
		Segments:       len(ev.Conversation.Segments),
		Timestamp:      b.now(),
	})
}

func (b *broadcaster) conversationStored(c conversation.Conversation, r extract.Result) {
	b.publish(protocol.ConversationSubject("stored"), protocol.Conversation{
		Event:          "stored",
		ConversationID: c.ID,
		Title:          r.Title,
		Summary:        r.Summary,
		Segments:       len(c.Segments),
		Timestamp:      b.now(),
	})
}

// routerChanged runs synchronously under the router's transitions, which are
// serialized, so lastRouter needs no lock.
func (b *broadcaster) routerChanged(s stt.Status) {
	if b.ins != nil {
		switch {
		case s.State == stt.StateReady:
			b.add(b.ins.backendStarts, 1, attribute.String("backend", s.Kind.String()))
		case b.lastRouter == stt.StateLoading && s.State == stt.StateIdle:
			b.add(b.ins.backendFailures, 1)
		}
	}
	b.lastRouter = s.State
	b.publish(protocol.SubjectRouterState, protocol.RouterState{
		State:     s.State.String(),
		Backend:   s.Kind.String(),
		Timestamp: b.now(),
	})
}

func (b *broadcaster) syncProgress(d walsync.Descriptor) {
	b.publish(protocol.SubjectSyncProgress, protocol.SyncProgress{
		Status:           d.Status.String(),
		TotalBytes:       d.TotalBytes,
		StartOffset:      d.StartOffset,
		BytesTransferred: d.BytesTransferred,
		Progress:         d.Progress(),
		ETASeconds:       d.ETASeconds,
		Error:            d.Error,
		Timestamp:        b.now(),
	})
}

func (b *broadcaster) syncDone(rec *walsync.Recording, err error) {
	if b.ins == nil {
		return
	}
	outcome := "stored"
	switch {
	case errors.Is(err, walsync.ErrSyncCancelled):
		outcome = "cancelled"
	case err != nil:
		outcome = apperr.KindOf(err).String()
	case rec == nil:
		outcome = "empty"
	default:
		b.add(b.ins.syncBytes, rec.SizeBytes)
	}
	b.add(b.ins.syncOutcomes, 1, attribute.String("outcome", outcome))
}

func (b *broadcaster) reply(r command.Reply) {
	msg := protocol.Reply{Query: r.Query, Text: r.Text, Canned: r.Canned, Timestamp: b.now()}
	if r.Err != nil {
		msg.Error = r.Err.Error()
	}
	b.publish(protocol.SubjectCommandReply, msg)
}

func toSegments(segs []stt.Segment) []protocol.Segment {
	out := make([]protocol.Segment, 0, len(segs))
	for _, s := range segs {
		out = append(out, protocol.Segment{Text: s.Text, Speaker: s.Speaker, Start: s.Start, End: s.End})
	}
	return out
}
