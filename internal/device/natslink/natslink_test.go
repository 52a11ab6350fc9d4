package natslink_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-pendant/internal/device"
	"github.com/loqalabs/loqa-pendant/internal/device/devicetest"
	"github.com/loqalabs/loqa-pendant/internal/device/natslink"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func startServer(t *testing.T) *nats.Conn {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatalf("server not ready")
	}
	t.Cleanup(ns.Shutdown)
	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func TestRelayRoundTrip(t *testing.T) {
	nc := startServer(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fake := devicetest.New("pendant-1")
	fake.SetSupported(device.ChannelStorageData, false)
	fake.SetSupported(device.ChannelStorageControl, false)
	fake.SetRead(device.ChannelCodec, []byte{byte(device.CodecOpus)})

	gw, err := natslink.Serve(ctx, nc, "device", fake, log)
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	defer gw.Close()

	link, err := natslink.NewConnector(nc, "device", log).Connect(ctx, "pendant-1")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer link.Close()

	if link.Name() != "fake-pendant-1" {
		t.Fatalf("unexpected name %q", link.Name())
	}
	if link.Supports(device.ChannelStorageData) {
		t.Fatalf("storage should not be advertised")
	}

	codec, err := link.Read(ctx, device.ChannelCodec)
	if err != nil {
		t.Fatalf("read codec: %v", err)
	}
	if !bytes.Equal(codec, []byte{byte(device.CodecOpus)}) {
		t.Fatalf("unexpected codec bytes %v", codec)
	}

	if err := link.Write(ctx, device.ChannelButton, []byte{1, 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	writes := fake.Writes()
	if len(writes) != 1 || writes[0].Channel != device.ChannelButton {
		t.Fatalf("unexpected writes %+v", writes)
	}

	got := make(chan []byte, 1)
	stop, err := link.Subscribe(ctx, device.ChannelAudio, func(p []byte) {
		got <- append([]byte(nil), p...)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	fake.Emit(device.ChannelAudio, []byte{0, 0, 0, 9})
	select {
	case p := <-got:
		if !bytes.Equal(p, []byte{0, 0, 0, 9}) {
			t.Fatalf("unexpected notification %v", p)
		}
	case <-ctx.Done():
		t.Fatalf("notification not relayed")
	}
}

func TestRelayErrorsAndDrop(t *testing.T) {
	nc := startServer(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := natslink.NewConnector(nc, "", log).Connect(ctx, "missing"); err != device.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	fake := devicetest.New("pendant-2")
	gw, err := natslink.Serve(ctx, nc, "", fake, log)
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	defer gw.Close()

	link, err := natslink.NewConnector(nc, "", log).Connect(ctx, "pendant-2")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer link.Close()

	if _, err := link.Read(ctx, device.ChannelBattery); err == nil {
		t.Fatalf("expected gateway error for unset read")
	}

	fake.Drop()
	select {
	case <-link.Done():
	case <-ctx.Done():
		t.Fatalf("drop not propagated")
	}
	if _, err := link.Read(ctx, device.ChannelBattery); err != device.ErrDisconnected {
		t.Fatalf("expected ErrDisconnected after drop, got %v", err)
	}
}
