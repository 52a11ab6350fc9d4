// Package ble connects to the peripheral over Bluetooth Low Energy.
package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-pendant/internal/device"
	"tinygo.org/x/bluetooth"
)

var (
	serviceAudio   = mustParse("19b10000-e8f2-537e-4f6c-d104768a1214")
	serviceButton  = mustParse("23ba7924-0000-1000-7450-346eac492e92")
	serviceStorage = mustParse("30295780-4301-eabd-2904-2849adfeae43")
	serviceBattery = bluetooth.New16BitUUID(0x180f)

	characteristics = map[bluetooth.UUID]device.Channel{
		mustParse("19b10001-e8f2-537e-4f6c-d104768a1214"): device.ChannelAudio,
		mustParse("19b10002-e8f2-537e-4f6c-d104768a1214"): device.ChannelCodec,
		mustParse("23ba7925-0000-1000-7450-346eac492e92"): device.ChannelButton,
		mustParse("30295781-4301-eabd-2904-2849adfeae43"): device.ChannelStorageData,
		mustParse("30295782-4301-eabd-2904-2849adfeae43"): device.ChannelStorageControl,
		bluetooth.New16BitUUID(0x2a19):                    device.ChannelBattery,
	}
)

func mustParse(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// Found is a peripheral seen during a scan.
type Found struct {
	ID   string
	Name string
	RSSI int16
}

// Adapter scans for and connects to peripherals on the host adapter.
type Adapter struct {
	adapter *bluetooth.Adapter
	log     *slog.Logger

	mu    sync.Mutex
	seen  map[string]bluetooth.Address
	links map[string]*link
}

func NewAdapter(log *slog.Logger) *Adapter {
	return &Adapter{
		adapter: bluetooth.DefaultAdapter,
		log:     log.With(slog.String("component", "ble")),
		seen:    make(map[string]bluetooth.Address),
		links:   make(map[string]*link),
	}
}

// Enable powers the adapter and installs the disconnect handler.
func (a *Adapter) Enable() error {
	a.adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := d.Address.String()
		a.mu.Lock()
		l := a.links[id]
		delete(a.links, id)
		a.mu.Unlock()
		if l != nil {
			l.markDone()
		}
	})
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("enable bluetooth adapter: %w", err)
	}
	return nil
}

// Scan listens for advertising peripherals until ctx ends.
func (a *Adapter) Scan(ctx context.Context) ([]Found, error) {
	var (
		mu    sync.Mutex
		found = make(map[string]Found)
	)
	go func() {
		<-ctx.Done()
		_ = a.adapter.StopScan()
	}()
	err := a.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
		if !isPeripheral(r) {
			return
		}
		id := r.Address.String()
		a.mu.Lock()
		a.seen[id] = r.Address
		a.mu.Unlock()
		mu.Lock()
		found[id] = Found{ID: id, Name: r.LocalName(), RSSI: r.RSSI}
		mu.Unlock()
	})
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	mu.Lock()
	defer mu.Unlock()
	out := make([]Found, 0, len(found))
	for _, f := range found {
		out = append(out, f)
	}
	return out, nil
}

func isPeripheral(r bluetooth.ScanResult) bool {
	if r.AdvertisementPayload.HasServiceUUID(serviceAudio) {
		return true
	}
	name := strings.ToLower(r.LocalName())
	return strings.Contains(name, "omi") || strings.Contains(name, "friend")
}

// Connect opens a link to a previously scanned id, scanning briefly if needed.
func (a *Adapter) Connect(ctx context.Context, id string) (device.Link, error) {
	addr, ok := a.lookup(id)
	if !ok {
		scanCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := a.Scan(scanCtx)
		cancel()
		if err != nil {
			return nil, err
		}
		if addr, ok = a.lookup(id); !ok {
			return nil, device.ErrNotFound
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dev, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("ble connect: %w", err)
	}
	services, err := dev.DiscoverServices(nil)
	if err != nil {
		_ = dev.Disconnect()
		return nil, fmt.Errorf("discover services: %w", err)
	}

	l := &link{
		id:    id,
		name:  id,
		dev:   dev,
		chars: make(map[device.Channel]bluetooth.DeviceCharacteristic),
		done:  make(chan struct{}),
		log:   a.log.With(slog.String("device", id)),
	}
	for _, svc := range services {
		switch svc.UUID() {
		case serviceAudio, serviceButton, serviceStorage, serviceBattery:
		default:
			continue
		}
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			a.log.Warn("discover characteristics failed", slog.String("service", svc.UUID().String()), slog.String("error", err.Error()))
			continue
		}
		for _, c := range chars {
			if ch, ok := characteristics[c.UUID()]; ok {
				l.chars[ch] = c
			}
		}
	}
	if _, ok := l.chars[device.ChannelAudio]; !ok {
		_ = dev.Disconnect()
		return nil, fmt.Errorf("%s: audio characteristic missing", id)
	}

	a.mu.Lock()
	a.links[addr.String()] = l
	a.mu.Unlock()
	return l, nil
}

func (a *Adapter) lookup(id string) (bluetooth.Address, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	addr, ok := a.seen[id]
	return addr, ok
}

type link struct {
	id    string
	name  string
	dev   bluetooth.Device
	chars map[device.Channel]bluetooth.DeviceCharacteristic
	log   *slog.Logger

	mu       sync.Mutex
	handlers map[device.Channel]map[int]func([]byte)
	nextSub  int
	done     chan struct{}
	doneOnce sync.Once
}

func (l *link) ID() string   { return l.id }
func (l *link) Name() string { return l.name }

func (l *link) Supports(ch device.Channel) bool {
	_, ok := l.chars[ch]
	return ok
}

// Subscribe enables notifications once per characteristic and fans them out.
func (l *link) Subscribe(_ context.Context, ch device.Channel, fn func([]byte)) (func(), error) {
	c, ok := l.chars[ch]
	if !ok {
		return nil, device.ErrUnsupported
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handlers == nil {
		l.handlers = make(map[device.Channel]map[int]func([]byte))
	}
	if l.handlers[ch] == nil {
		l.handlers[ch] = make(map[int]func([]byte))
		err := c.EnableNotifications(func(buf []byte) {
			data := append([]byte(nil), buf...)
			l.mu.Lock()
			fns := make([]func([]byte), 0, len(l.handlers[ch]))
			for _, h := range l.handlers[ch] {
				fns = append(fns, h)
			}
			l.mu.Unlock()
			for _, h := range fns {
				h(data)
			}
		})
		if err != nil {
			delete(l.handlers, ch)
			return nil, fmt.Errorf("enable %s notifications: %w", ch, err)
		}
	}
	id := l.nextSub
	l.nextSub++
	l.handlers[ch][id] = fn
	return func() {
		l.mu.Lock()
		delete(l.handlers[ch], id)
		l.mu.Unlock()
	}, nil
}

func (l *link) Read(ctx context.Context, ch device.Channel) ([]byte, error) {
	c, ok := l.chars[ch]
	if !ok {
		return nil, device.ErrUnsupported
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf := make([]byte, 512)
	n, err := c.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ch, err)
	}
	return buf[:n], nil
}

func (l *link) Write(ctx context.Context, ch device.Channel, p []byte) error {
	c, ok := l.chars[ch]
	if !ok {
		return device.ErrUnsupported
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.Write(p); err != nil {
		return fmt.Errorf("write %s: %w", ch, err)
	}
	return nil
}

func (l *link) Done() <-chan struct{} { return l.done }

func (l *link) markDone() {
	l.doneOnce.Do(func() { close(l.done) })
}

func (l *link) Close() error {
	select {
	case <-l.done:
		return nil
	default:
	}
	err := l.dev.Disconnect()
	l.markDone()
	if err != nil {
		return fmt.Errorf("ble disconnect: %w", err)
	}
	return nil
}
