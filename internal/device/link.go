// Package device owns the connection to the wearable peripheral: its channels,
// wire formats, and the single active link.
package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-pendant/internal/apperr"
)

// Channel is an addressable endpoint on the peripheral.
type Channel int

const (
	ChannelAudio Channel = iota
	ChannelCodec
	ChannelButton
	ChannelBattery
	ChannelStorageData
	ChannelStorageControl
)

// Channels lists every channel in declaration order.
var Channels = []Channel{ChannelAudio, ChannelCodec, ChannelButton, ChannelBattery, ChannelStorageData, ChannelStorageControl}

func (c Channel) String() string {
	switch c {
	case ChannelAudio:
		return "audio"
	case ChannelCodec:
		return "codec"
	case ChannelButton:
		return "button"
	case ChannelBattery:
		return "battery"
	case ChannelStorageData:
		return "storage_data"
	case ChannelStorageControl:
		return "storage_control"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// ParseChannel accepts the String form.
func ParseChannel(name string) (Channel, error) {
	for _, c := range Channels {
		if c.String() == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown channel %q", name)
}

var (
	ErrNotConnected     = apperr.New(apperr.KindTransport, "device not connected")
	ErrDisconnected     = apperr.New(apperr.KindTransport, "device disconnected")
	ErrAlreadyConnected = apperr.New(apperr.KindLogical, "a device is already connected")
	ErrUnsupported      = apperr.New(apperr.KindLogical, "channel not supported by device")
	ErrNotFound         = apperr.New(apperr.KindTransport, "device not found")
)

// Link is one live connection to a peripheral. Notification callbacks may run
// on any goroutine and must not retain the slice.
type Link interface {
	ID() string
	Name() string
	Supports(ch Channel) bool
	Subscribe(ctx context.Context, ch Channel, fn func([]byte)) (cancel func(), err error)
	Read(ctx context.Context, ch Channel) ([]byte, error)
	Write(ctx context.Context, ch Channel, p []byte) error
	// Done is closed when the link drops, locally or remotely.
	Done() <-chan struct{}
	Close() error
}

// Connector establishes links by device id.
type Connector interface {
	Connect(ctx context.Context, id string) (Link, error)
}

// Peripheral adds typed request/response operations on top of a Link and
// caches what is probed once per connection.
type Peripheral struct {
	link Link

	mu      sync.Mutex
	codec   *Codec
	storage *bool
}

func NewPeripheral(link Link) *Peripheral {
	return &Peripheral{link: link}
}

func (p *Peripheral) ID() string            { return p.link.ID() }
func (p *Peripheral) Name() string          { return p.link.Name() }
func (p *Peripheral) Done() <-chan struct{} { return p.link.Done() }
func (p *Peripheral) Link() Link            { return p.link }

// Connected reports whether the link is still up.
func (p *Peripheral) Connected() bool {
	select {
	case <-p.link.Done():
		return false
	default:
		return true
	}
}

// Codec reads the audio codec. Peripherals without a codec channel stream pcm8.
func (p *Peripheral) Codec(ctx context.Context) (Codec, error) {
	p.mu.Lock()
	if p.codec != nil {
		c := *p.codec
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	codec := CodecPCM8
	if p.link.Supports(ChannelCodec) {
		data, err := p.link.Read(ctx, ChannelCodec)
		if err != nil {
			return 0, fmt.Errorf("read codec: %w", err)
		}
		if len(data) == 0 {
			return 0, apperr.New(apperr.KindProtocol, "empty codec response")
		}
		codec, err = ParseCodec(data[0])
		if err != nil {
			return 0, apperr.Wrap(apperr.KindProtocol, err, "read codec")
		}
	}
	p.mu.Lock()
	p.codec = &codec
	p.mu.Unlock()
	return codec, nil
}

// Battery returns the charge level in percent.
func (p *Peripheral) Battery(ctx context.Context) (int, error) {
	if !p.link.Supports(ChannelBattery) {
		return -1, ErrUnsupported
	}
	data, err := p.link.Read(ctx, ChannelBattery)
	if err != nil {
		return -1, fmt.Errorf("read battery: %w", err)
	}
	if len(data) == 0 {
		return -1, apperr.New(apperr.KindProtocol, "empty battery response")
	}
	return int(data[0]), nil
}

// HasStorage reports whether the storage service is present. The answer is
// probed on first use and kept for the life of the connection.
func (p *Peripheral) HasStorage() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.storage == nil {
		v := p.link.Supports(ChannelStorageControl) && p.link.Supports(ChannelStorageData)
		p.storage = &v
	}
	return *p.storage
}

// StorageInfo reads total and acknowledged byte counts.
func (p *Peripheral) StorageInfo(ctx context.Context) (StorageInfo, error) {
	if !p.HasStorage() {
		return StorageInfo{}, ErrUnsupported
	}
	data, err := p.link.Read(ctx, ChannelStorageControl)
	if err != nil {
		return StorageInfo{}, fmt.Errorf("read storage info: %w", err)
	}
	return ParseStorageInfo(data)
}

// SendStorageCommand writes a start or clear request.
func (p *Peripheral) SendStorageCommand(ctx context.Context, cmd StorageCommand) error {
	if !p.HasStorage() {
		return ErrUnsupported
	}
	if err := p.link.Write(ctx, ChannelStorageControl, cmd.Bytes()); err != nil {
		return fmt.Errorf("write storage command: %w", err)
	}
	return nil
}

func (p *Peripheral) SubscribeAudio(ctx context.Context, fn func([]byte)) (func(), error) {
	return p.link.Subscribe(ctx, ChannelAudio, fn)
}

func (p *Peripheral) SubscribeButtons(ctx context.Context, fn func([]byte)) (func(), error) {
	if !p.link.Supports(ChannelButton) {
		return nil, ErrUnsupported
	}
	return p.link.Subscribe(ctx, ChannelButton, fn)
}

func (p *Peripheral) SubscribeStorage(ctx context.Context, fn func([]byte)) (func(), error) {
	if !p.HasStorage() {
		return nil, ErrUnsupported
	}
	return p.link.Subscribe(ctx, ChannelStorageData, fn)
}
