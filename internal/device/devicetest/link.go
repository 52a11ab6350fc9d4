// Package devicetest provides an in-memory device.Link for tests.
package devicetest

import (
	"context"
	"errors"
	"sync"

	"github.com/loqalabs/loqa-pendant/internal/device"
)

// Link is a scriptable fake peripheral.
type Link struct {
	id   string
	name string

	mu        sync.Mutex
	supported map[device.Channel]bool
	reads     map[device.Channel][]byte
	readErrs  map[device.Channel]error
	writes    []Write
	subs      map[device.Channel]map[int]func([]byte)
	nextSub   int
	onWrite   func(ch device.Channel, p []byte)
	done      chan struct{}
	closeOnce sync.Once
}

// Write records one Write call.
type Write struct {
	Channel device.Channel
	Data    []byte
}

// New returns a link that supports every channel.
func New(id string) *Link {
	l := &Link{
		id:        id,
		name:      "fake-" + id,
		supported: make(map[device.Channel]bool),
		reads:     make(map[device.Channel][]byte),
		readErrs:  make(map[device.Channel]error),
		subs:      make(map[device.Channel]map[int]func([]byte)),
		done:      make(chan struct{}),
	}
	for _, ch := range device.Channels {
		l.supported[ch] = true
	}
	return l
}

func (l *Link) ID() string   { return l.id }
func (l *Link) Name() string { return l.name }

func (l *Link) SetSupported(ch device.Channel, ok bool) {
	l.mu.Lock()
	l.supported[ch] = ok
	l.mu.Unlock()
}

func (l *Link) SetRead(ch device.Channel, data []byte) {
	l.mu.Lock()
	l.reads[ch] = data
	l.mu.Unlock()
}

func (l *Link) SetReadError(ch device.Channel, err error) {
	l.mu.Lock()
	l.readErrs[ch] = err
	l.mu.Unlock()
}

// OnWrite installs a hook invoked after each write, outside the lock.
func (l *Link) OnWrite(fn func(ch device.Channel, p []byte)) {
	l.mu.Lock()
	l.onWrite = fn
	l.mu.Unlock()
}

func (l *Link) Writes() []Write {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Write(nil), l.writes...)
}

func (l *Link) Subscribers(ch device.Channel) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs[ch])
}

func (l *Link) Supports(ch device.Channel) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.supported[ch]
}

func (l *Link) Subscribe(_ context.Context, ch device.Channel, fn func([]byte)) (func(), error) {
	if l.closed() {
		return nil, device.ErrDisconnected
	}
	l.mu.Lock()
	if !l.supported[ch] {
		l.mu.Unlock()
		return nil, device.ErrUnsupported
	}
	if l.subs[ch] == nil {
		l.subs[ch] = make(map[int]func([]byte))
	}
	id := l.nextSub
	l.nextSub++
	l.subs[ch][id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.subs[ch], id)
		l.mu.Unlock()
	}, nil
}

func (l *Link) Read(ctx context.Context, ch device.Channel) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.closed() {
		return nil, device.ErrDisconnected
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.readErrs[ch]; err != nil {
		return nil, err
	}
	data, ok := l.reads[ch]
	if !ok {
		return nil, errors.New("devicetest: no read value for " + ch.String())
	}
	return append([]byte(nil), data...), nil
}

func (l *Link) Write(ctx context.Context, ch device.Channel, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.closed() {
		return device.ErrDisconnected
	}
	l.mu.Lock()
	l.writes = append(l.writes, Write{Channel: ch, Data: append([]byte(nil), p...)})
	hook := l.onWrite
	l.mu.Unlock()
	if hook != nil {
		hook(ch, p)
	}
	return nil
}

// Emit delivers a notification to every subscriber of ch.
func (l *Link) Emit(ch device.Channel, p []byte) {
	l.mu.Lock()
	fns := make([]func([]byte), 0, len(l.subs[ch]))
	for _, fn := range l.subs[ch] {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}

func (l *Link) Done() <-chan struct{} { return l.done }

// Drop simulates the peripheral going out of range.
func (l *Link) Drop() {
	l.closeOnce.Do(func() { close(l.done) })
}

func (l *Link) Close() error {
	l.Drop()
	return nil
}

func (l *Link) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Connector hands out pre-built links.
type Connector struct {
	mu    sync.Mutex
	links map[string]*Link
}

func NewConnector(links ...*Link) *Connector {
	c := &Connector{links: make(map[string]*Link)}
	for _, l := range links {
		c.links[l.ID()] = l
	}
	return c
}

func (c *Connector) Connect(ctx context.Context, id string) (device.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.links[id]
	if !ok {
		return nil, device.ErrNotFound
	}
	return l, nil
}
