// Package natslink carries a device link over NATS so a gateway holding the
// radio connection can relay the peripheral to this process.
package natslink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-pendant/internal/apperr"
	"github.com/loqalabs/loqa-pendant/internal/device"
	"github.com/nats-io/nats.go"
)

const errorHeader = "Loqa-Error"

type describeMessage struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Channels []string `json:"channels"`
}

type statusMessage struct {
	Connected bool `json:"connected"`
}

func subject(prefix, id string, parts ...string) string {
	return strings.Join(append([]string{prefix, id}, parts...), ".")
}

// Connector opens links relayed by a gateway.
type Connector struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
}

func NewConnector(conn *nats.Conn, prefix string, log *slog.Logger) *Connector {
	if prefix == "" {
		prefix = "device"
	}
	return &Connector{conn: conn, prefix: prefix, log: log.With(slog.String("component", "natslink"))}
}

func (c *Connector) Connect(ctx context.Context, id string) (device.Link, error) {
	msg, err := c.conn.RequestWithContext(ctx, subject(c.prefix, id, "describe"), nil)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, device.ErrNotFound
		}
		return nil, apperr.Wrap(apperr.KindTransport, err, "describe %s", id)
	}
	var desc describeMessage
	if err := json.Unmarshal(msg.Data, &desc); err != nil {
		return nil, apperr.Wrap(apperr.KindProtocol, err, "decode describe %s", id)
	}

	l := &link{
		conn:      c.conn,
		prefix:    c.prefix,
		id:        id,
		name:      desc.Name,
		supported: make(map[device.Channel]bool),
		done:      make(chan struct{}),
		log:       c.log.With(slog.String("device", id)),
	}
	for _, name := range desc.Channels {
		ch, err := device.ParseChannel(name)
		if err != nil {
			l.log.Warn("gateway advertised unknown channel", slog.String("channel", name))
			continue
		}
		l.supported[ch] = true
	}
	sub, err := c.conn.Subscribe(subject(c.prefix, id, "status"), l.handleStatus)
	if err != nil {
		return nil, fmt.Errorf("subscribe status: %w", err)
	}
	l.statusSub = sub
	return l, nil
}

type link struct {
	conn      *nats.Conn
	prefix    string
	id        string
	name      string
	supported map[device.Channel]bool
	log       *slog.Logger

	mu        sync.Mutex
	statusSub *nats.Subscription
	subs      []*nats.Subscription
	done      chan struct{}
	doneOnce  sync.Once
}

func (l *link) ID() string   { return l.id }
func (l *link) Name() string { return l.name }

func (l *link) Supports(ch device.Channel) bool { return l.supported[ch] }

func (l *link) handleStatus(msg *nats.Msg) {
	var st statusMessage
	if err := json.Unmarshal(msg.Data, &st); err != nil {
		l.log.Warn("invalid status message", slog.String("error", err.Error()))
		return
	}
	if !st.Connected {
		l.markDone()
	}
}

func (l *link) Subscribe(_ context.Context, ch device.Channel, fn func([]byte)) (func(), error) {
	if !l.supported[ch] {
		return nil, device.ErrUnsupported
	}
	sub, err := l.conn.Subscribe(subject(l.prefix, l.id, "notify", ch.String()), func(msg *nats.Msg) {
		fn(msg.Data)
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransport, err, "subscribe %s", ch)
	}
	l.mu.Lock()
	l.subs = append(l.subs, sub)
	l.mu.Unlock()
	return func() { _ = sub.Unsubscribe() }, nil
}

func (l *link) Read(ctx context.Context, ch device.Channel) ([]byte, error) {
	if !l.supported[ch] {
		return nil, device.ErrUnsupported
	}
	msg, err := l.request(ctx, subject(l.prefix, l.id, "read", ch.String()), nil)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

func (l *link) Write(ctx context.Context, ch device.Channel, p []byte) error {
	if !l.supported[ch] {
		return device.ErrUnsupported
	}
	_, err := l.request(ctx, subject(l.prefix, l.id, "write", ch.String()), p)
	return err
}

func (l *link) request(ctx context.Context, subj string, data []byte) (*nats.Msg, error) {
	select {
	case <-l.done:
		return nil, device.ErrDisconnected
	default:
	}
	msg, err := l.conn.RequestWithContext(ctx, subj, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			l.markDone()
			return nil, device.ErrDisconnected
		}
		return nil, apperr.Wrap(apperr.KindTransport, err, "request %s", subj)
	}
	if msg.Header != nil {
		if text := msg.Header.Get(errorHeader); text != "" {
			return nil, apperr.New(apperr.KindTransport, "gateway: "+text)
		}
	}
	return msg, nil
}

func (l *link) Done() <-chan struct{} { return l.done }

func (l *link) markDone() {
	l.doneOnce.Do(func() { close(l.done) })
}

func (l *link) Close() error {
	l.mu.Lock()
	subs := append(l.subs, l.statusSub)
	l.subs = nil
	l.mu.Unlock()
	for _, sub := range subs {
		if sub != nil {
			_ = sub.Unsubscribe()
		}
	}
	l.markDone()
	return nil
}

// Gateway relays a locally connected link onto NATS.
type Gateway struct {
	conn   *nats.Conn
	prefix string
	link   device.Link
	log    *slog.Logger

	mu      sync.Mutex
	subs    []*nats.Subscription
	cancels []func()
}

// Serve answers describe/read/write requests and republishes notifications
// until Close or until the link drops.
func Serve(ctx context.Context, conn *nats.Conn, prefix string, link device.Link, log *slog.Logger) (*Gateway, error) {
	if prefix == "" {
		prefix = "device"
	}
	g := &Gateway{conn: conn, prefix: prefix, link: link, log: log.With(slog.String("component", "natslink-gateway"), slog.String("device", link.ID()))}

	handlers := map[string]nats.MsgHandler{
		subject(prefix, link.ID(), "describe"): g.handleDescribe,
		subject(prefix, link.ID(), "read", "*"): func(msg *nats.Msg) {
			g.handleIO(ctx, msg, false)
		},
		subject(prefix, link.ID(), "write", "*"): func(msg *nats.Msg) {
			g.handleIO(ctx, msg, true)
		},
	}
	for subj, h := range handlers {
		sub, err := conn.Subscribe(subj, h)
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("subscribe %s: %w", subj, err)
		}
		g.subs = append(g.subs, sub)
	}

	for _, ch := range device.Channels {
		if !link.Supports(ch) {
			continue
		}
		switch ch {
		case device.ChannelAudio, device.ChannelButton, device.ChannelStorageData:
		default:
			continue
		}
		notify := subject(prefix, link.ID(), "notify", ch.String())
		cancel, err := link.Subscribe(ctx, ch, func(p []byte) {
			if err := conn.Publish(notify, p); err != nil {
				g.log.Warn("relay notification failed", slog.String("error", err.Error()))
			}
		})
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("relay %s: %w", ch, err)
		}
		g.cancels = append(g.cancels, cancel)
	}

	go func() {
		select {
		case <-link.Done():
			g.publishStatus(false)
		case <-ctx.Done():
		}
	}()
	return g, nil
}

func (g *Gateway) handleDescribe(msg *nats.Msg) {
	desc := describeMessage{ID: g.link.ID(), Name: g.link.Name()}
	for _, ch := range device.Channels {
		if g.link.Supports(ch) {
			desc.Channels = append(desc.Channels, ch.String())
		}
	}
	data, err := json.Marshal(desc)
	if err != nil {
		g.log.Warn("marshal describe failed", slog.String("error", err.Error()))
		return
	}
	_ = msg.Respond(data)
}

func (g *Gateway) handleIO(ctx context.Context, msg *nats.Msg, write bool) {
	name := msg.Subject[strings.LastIndex(msg.Subject, ".")+1:]
	reply := nats.NewMsg(msg.Reply)
	ch, err := device.ParseChannel(name)
	if err == nil {
		if write {
			err = g.link.Write(ctx, ch, msg.Data)
		} else {
			reply.Data, err = g.link.Read(ctx, ch)
		}
	}
	if err != nil {
		reply.Header.Set(errorHeader, err.Error())
	}
	if err := msg.RespondMsg(reply); err != nil {
		g.log.Warn("respond failed", slog.String("error", err.Error()))
	}
}

func (g *Gateway) publishStatus(connected bool) {
	data, _ := json.Marshal(statusMessage{Connected: connected})
	if err := g.conn.Publish(subject(g.prefix, g.link.ID(), "status"), data); err != nil {
		g.log.Warn("publish status failed", slog.String("error", err.Error()))
	}
}

func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, sub := range g.subs {
		_ = sub.Unsubscribe()
	}
	for _, cancel := range g.cancels {
		cancel()
	}
	g.subs = nil
	g.cancels = nil
}
