// Package walsync downloads the recording log the peripheral keeps while it is
// out of range, stores it locally and tells the peripheral to free the space.
package walsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/loqalabs/loqa-pendant/internal/apperr"
	"github.com/loqalabs/loqa-pendant/internal/clock"
	"github.com/loqalabs/loqa-pendant/internal/device"
)

// Status is the lifecycle of one sync descriptor.
type Status int

const (
	StatusPending Status = iota
	StatusSyncing
	StatusSynced
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSyncing:
		return "syncing"
	case StatusSynced:
		return "synced"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for _, v := range []Status{StatusPending, StatusSyncing, StatusSynced, StatusFailed} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown sync status %q", b)
}

// Descriptor describes unsynced data on the peripheral and the progress of
// fetching it.
type Descriptor struct {
	StartOffset      int64        `json:"start_offset"`
	TotalBytes       int64        `json:"total_bytes"`
	Codec            device.Codec `json:"codec"`
	ElapsedSeconds   int          `json:"elapsed_seconds"`
	Status           Status       `json:"status"`
	BytesTransferred int64        `json:"bytes_transferred"`
	// ETASeconds is nil until the first byte arrives.
	ETASeconds *int   `json:"eta_seconds,omitempty"`
	Error      string `json:"error,omitempty"`
}

// BytesToSync is the unacknowledged byte count.
func (d Descriptor) BytesToSync() int64 {
	if d.TotalBytes <= d.StartOffset {
		return 0
	}
	return d.TotalBytes - d.StartOffset
}

// Progress is the transferred fraction in [0, 1].
func (d Descriptor) Progress() float64 {
	total := d.BytesToSync()
	if total == 0 {
		return 0
	}
	return math.Min(1, float64(d.BytesTransferred)/float64(total))
}

// StorageChannel is the file slot addressed by storage commands.
const StorageChannel uint8 = 1

var (
	ErrNoStorage        = apperr.New(apperr.KindLogical, "device has no storage service")
	ErrSyncInProgress   = apperr.New(apperr.KindLogical, "a sync is already in progress")
	ErrSyncCancelled    = apperr.New(apperr.KindLogical, "sync cancelled")
	ErrFirstByteTimeout = apperr.New(apperr.KindTimeout, "device sent no data after sync start")
	ErrSyncTimeout      = apperr.New(apperr.KindTimeout, "sync exceeded its time limit")
)

type Config struct {
	Directory        string
	MinDuration      time.Duration
	FirstByteTimeout time.Duration
	Grace            time.Duration
	// MinThroughput in bytes per second sizes the overall ceiling.
	MinThroughput int
}

func (c Config) withDefaults() Config {
	if c.MinDuration < 0 {
		c.MinDuration = 0
	}
	if c.FirstByteTimeout <= 0 {
		c.FirstByteTimeout = 5 * time.Second
	}
	if c.MinThroughput <= 0 {
		c.MinThroughput = 1024
	}
	return c
}

// Ceiling is the overall limit for transferring n bytes.
func (c Config) Ceiling(n int64) time.Duration {
	expected := time.Duration(float64(n) / float64(c.MinThroughput) * float64(time.Second))
	return expected + c.Grace
}

// Syncer runs at most one sync at a time.
type Syncer struct {
	cfg   Config
	clock clock.Clock
	index Index
	log   *slog.Logger

	mu        sync.Mutex
	active    *run
	last      *Descriptor
	observers []func(Descriptor)
}

type run struct {
	cancel context.CancelCauseFunc
}

func NewSyncer(cfg Config, clk clock.Clock, index Index, log *slog.Logger) *Syncer {
	return &Syncer{cfg: cfg.withDefaults(), clock: clk, index: index, log: log.With(slog.String("component", "walsync"))}
}

// OnProgress registers an observer for descriptor updates.
func (s *Syncer) OnProgress(fn func(Descriptor)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Last returns the most recent descriptor, if any.
func (s *Syncer) Last() (Descriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Descriptor{}, false
	}
	return *s.last, true
}

// Active reports whether a sync is in flight.
func (s *Syncer) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Check reads the storage counters and reports whether enough audio is
// waiting to be worth a sync.
func (s *Syncer) Check(ctx context.Context, p *device.Peripheral) (Descriptor, bool, error) {
	if !p.HasStorage() {
		return Descriptor{}, false, ErrNoStorage
	}
	info, err := p.StorageInfo(ctx)
	if err != nil {
		return Descriptor{}, false, err
	}
	codec, err := p.Codec(ctx)
	if err != nil {
		return Descriptor{}, false, err
	}
	d, ok := Evaluate(info, codec, s.cfg.MinDuration)
	if !ok {
		s.mu.Lock()
		if s.active == nil {
			s.last = nil
		}
		s.mu.Unlock()
	}

	s.log.Info("storage checked",
		slog.Int64("total", info.TotalBytes),
		slog.Int64("acknowledged", info.AcknowledgedBytes),
		slog.Int("seconds", d.ElapsedSeconds),
		slog.Bool("pending", ok))
	if ok {
		s.publish(d)
	}
	return d, ok, nil
}

// Evaluate builds a descriptor from storage counters. It reports false when
// the pending audio is shorter than minDuration.
func Evaluate(info device.StorageInfo, codec device.Codec, minDuration time.Duration) (Descriptor, bool) {
	d := Descriptor{
		StartOffset: info.AcknowledgedBytes,
		TotalBytes:  info.TotalBytes,
		Codec:       codec,
		Status:      StatusPending,
	}
	seconds := codec.Seconds(d.BytesToSync())
	d.ElapsedSeconds = int(seconds)
	if d.BytesToSync() == 0 || seconds < minDuration.Seconds() {
		return d, false
	}
	return d, true
}

// Sync downloads the bytes described by d and persists them. It returns nil
// without error when the peripheral reports nothing to send. The clear
// command is only sent after the recording is stored; on failure or cancel
// the peripheral keeps its data.
func (s *Syncer) Sync(ctx context.Context, p *device.Peripheral, d Descriptor) (*Recording, error) {
	if !p.HasStorage() {
		return nil, ErrNoStorage
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	s.active = &run{cancel: cancel}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
	}()

	d.Status = StatusSyncing
	d.BytesTransferred = 0
	d.ETASeconds = nil
	d.Error = ""
	s.publish(d)

	rec, err := s.transfer(runCtx, ctx, p, &d)
	if err != nil {
		d.Status = StatusFailed
		d.Error = err.Error()
		s.publish(d)
		s.log.Warn("sync failed",
			slog.Int64("bytes", d.BytesTransferred),
			slog.String("kind", apperr.KindOf(err).String()),
			slog.String("error", err.Error()))
		return nil, err
	}
	d.Status = StatusSynced
	s.publish(d)
	return rec, nil
}

type outcome struct {
	status byte
	err    error
}

func (s *Syncer) transfer(runCtx, callerCtx context.Context, p *device.Peripheral, d *Descriptor) (*Recording, error) {
	var (
		mu         sync.Mutex
		asm        assembler
		receiving  bool
		started    = s.clock.Now()
		firstByte  clock.Timer
		overall    clock.Timer
		lastReport time.Time
	)
	done := make(chan outcome, 1)
	finish := func(o outcome) {
		select {
		case done <- o:
		default:
		}
	}
	stopTimers := func() {
		mu.Lock()
		defer mu.Unlock()
		if firstByte != nil {
			firstByte.Stop()
		}
		if overall != nil {
			overall.Stop()
		}
	}
	defer stopTimers()

	unsubscribe, err := p.SubscribeStorage(runCtx, func(pkt []byte) {
		if len(pkt) == 0 {
			return
		}
		if len(pkt) == 1 {
			if pkt[0] == DataReady {
				s.log.Debug("device acknowledged sync start")
				return
			}
			finish(outcome{status: pkt[0]})
			return
		}
		mu.Lock()
		if !receiving {
			receiving = true
			if firstByte != nil {
				firstByte.Stop()
			}
			overall = s.clock.AfterFunc(s.cfg.Ceiling(d.BytesToSync()), func() {
				finish(outcome{err: ErrSyncTimeout})
			})
		}
		before := asm.skipped
		asm.add(pkt)
		if asm.skipped > before {
			s.log.Warn("skipped corrupt storage frame", slog.Int("packet_length", len(pkt)))
		}
		now := s.clock.Now()
		snapshot := *d
		snapshot.BytesTransferred = asm.bytes
		snapshot.ETASeconds = eta(asm.bytes, d.BytesToSync(), now.Sub(started))
		*d = snapshot
		report := now.Sub(lastReport) >= 250*time.Millisecond
		if report {
			lastReport = now
		}
		mu.Unlock()
		if report {
			s.publish(snapshot)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe storage data: %w", err)
	}
	defer unsubscribe()

	mu.Lock()
	firstByte = s.clock.AfterFunc(s.cfg.FirstByteTimeout, func() {
		finish(outcome{err: ErrFirstByteTimeout})
	})
	mu.Unlock()

	start := device.StorageCommand{Mode: device.StorageStart, Channel: StorageChannel, Offset: uint32(d.StartOffset)}
	if err := p.SendStorageCommand(runCtx, start); err != nil {
		if runCtx.Err() != nil {
			return nil, interrupted(runCtx, callerCtx, p)
		}
		return nil, err
	}
	s.log.Info("sync started", slog.Int64("offset", d.StartOffset), slog.Int64("bytes", d.BytesToSync()))

	var o outcome
	select {
	case o = <-done:
	case <-p.Done():
		return nil, device.ErrDisconnected
	case <-runCtx.Done():
		return nil, interrupted(runCtx, callerCtx, p)
	}
	stopTimers()
	unsubscribe()
	if o.err != nil {
		return nil, o.err
	}

	mu.Lock()
	frames := asm.frames
	d.BytesTransferred = asm.bytes
	mu.Unlock()

	switch o.status {
	case DataComplete:
	case DataEmpty:
		s.log.Info("device reported empty storage file")
		return nil, nil
	default:
		return nil, apperr.New(apperr.KindProtocol, fmt.Sprintf("device reported storage error %d", o.status))
	}
	if len(frames) == 0 {
		return nil, nil
	}

	rec, err := WriteRecording(s.cfg.Directory, d.Codec, frames, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if s.index != nil {
		if err := s.index.AddRecording(callerCtx, rec); err != nil {
			_ = os.Remove(rec.Path)
			return nil, fmt.Errorf("index recording: %w", err)
		}
	}
	s.log.Info("recording stored",
		slog.String("recording", rec.ID),
		slog.Int("frames", rec.Frames),
		slog.Float64("seconds", rec.DurationSeconds))

	ack := device.StorageCommand{Mode: device.StorageClear, Channel: StorageChannel, Offset: uint32(d.TotalBytes)}
	if err := p.SendStorageCommand(callerCtx, ack); err != nil {
		s.log.Warn("clear command failed, device will offer the data again", slog.String("error", err.Error()))
	}
	return &rec, nil
}

// interrupted explains why runCtx ended. A lost link wins over a plain
// cancel so the caller sees a retryable transport error.
func interrupted(runCtx, callerCtx context.Context, p *device.Peripheral) error {
	if errors.Is(callerCtx.Err(), context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindTimeout, callerCtx.Err(), "sync")
	}
	if !p.Connected() {
		return device.ErrDisconnected
	}
	if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return ErrSyncCancelled
}

// eta extrapolates the remaining time from throughput so far.
func eta(done, total int64, elapsed time.Duration) *int {
	if done <= 0 || total <= 0 {
		return nil
	}
	remaining := total - done
	if remaining < 0 {
		remaining = 0
	}
	secs := int(math.Ceil(elapsed.Seconds() * float64(remaining) / float64(done)))
	return &secs
}

// Cancel aborts the running sync without clearing device storage. It is a
// no-op when nothing is running.
func (s *Syncer) Cancel() {
	s.Abort(ErrSyncCancelled)
}

// Abort stops the running sync and makes it fail with cause.
func (s *Syncer) Abort(cause error) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != nil {
		active.cancel(cause)
		s.log.Info("sync cancel requested", slog.String("cause", cause.Error()))
	}
}

func (s *Syncer) publish(d Descriptor) {
	s.mu.Lock()
	cp := d
	s.last = &cp
	observers := append([]func(Descriptor){}, s.observers...)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(d)
	}
}
