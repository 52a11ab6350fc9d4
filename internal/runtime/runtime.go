package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-pendant/internal/apperr"
	"github.com/loqalabs/loqa-pendant/internal/audio"
	"github.com/loqalabs/loqa-pendant/internal/bus"
	"github.com/loqalabs/loqa-pendant/internal/clock"
	"github.com/loqalabs/loqa-pendant/internal/command"
	"github.com/loqalabs/loqa-pendant/internal/config"
	"github.com/loqalabs/loqa-pendant/internal/conversation"
	"github.com/loqalabs/loqa-pendant/internal/device"
	"github.com/loqalabs/loqa-pendant/internal/device/ble"
	"github.com/loqalabs/loqa-pendant/internal/device/natslink"
	"github.com/loqalabs/loqa-pendant/internal/extract"
	"github.com/loqalabs/loqa-pendant/internal/llm"
	"github.com/loqalabs/loqa-pendant/internal/natsserver"
	"github.com/loqalabs/loqa-pendant/internal/pipeline"
	"github.com/loqalabs/loqa-pendant/internal/protocol"
	"github.com/loqalabs/loqa-pendant/internal/store"
	"github.com/loqalabs/loqa-pendant/internal/stt"
	"github.com/loqalabs/loqa-pendant/internal/tts"
	"github.com/loqalabs/loqa-pendant/internal/walsync"
	"go.opentelemetry.io/otel"
)

var errLLMDisabled = apperr.New(apperr.KindLogical, "llm is disabled")

// conversationRetention bounds the JetStream copy of conversation events;
// the store keeps the durable record.
const conversationRetention = 7 * 24 * time.Hour

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	server    *natsserver.EmbeddedServer
	bus       *bus.Client
	store     *store.Store
	devices   *device.Manager
	segmenter *conversation.Segmenter
	commands  *command.Machine
	pipeline  *pipeline.Pipeline
	chat      *llm.Service
	speaker   *tts.Speaker
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	handler, err := r.build(ctx)
	if err != nil {
		r.shutdown()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	handler.register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != addr {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	if r.cfg.Device.AutoConnect {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.keepConnected(ctx)
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

// build wires every component and returns the control API over them.
func (r *Runtime) build(ctx context.Context) (*api, error) {
	cfg := r.cfg
	log := r.logger

	server, err := natsserver.Start(cfg.Bus, log)
	if err != nil {
		return nil, err
	}
	r.server = server
	busCfg := cfg.Bus
	if server != nil {
		busCfg.Servers = []string{server.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, log)
	if err != nil {
		return nil, err
	}
	if err := r.bus.EnsureStream(protocol.StreamConversations, []string{protocol.SubjectConversations}, conversationRetention); err != nil {
		log.Warn("conversation stream unavailable", slogError(err))
	}

	r.store, err = store.Open(ctx, cfg.Store, log)
	if err != nil {
		return nil, err
	}

	var gen llm.Generator
	if cfg.LLM.Enabled {
		if gen, err = llm.New(cfg.LLM); err != nil {
			return nil, fmt.Errorf("llm: %w", err)
		}
	}
	extractor := extract.New(gen, cfg.Extract, cfg.LLM, r.store, log)

	connector, err := r.connector()
	if err != nil {
		return nil, err
	}
	r.devices = device.NewManager(connector, cfg.Device, log)

	sourceKind, err := audio.ParseKind(cfg.Audio.Source)
	if err != nil {
		return nil, err
	}
	backend, err := stt.ParseKind(cfg.Transcription.Mode)
	if err != nil {
		return nil, err
	}
	capture := audio.NewCapture(cfg.Audio.DiagnosticSeconds)
	if cfg.Audio.DiagnosticOnStartup {
		capture.Enable()
	}
	stats := &audio.Stats{}
	mic := audio.NewMicSource(cfg.Audio.MicSampleRate, cfg.Audio.MicFrameMS, log)
	selector := audio.NewSelector(sourceKind, r.devices, mic, capture, stats, log)

	clk := clock.Real()
	router := stt.NewRouter(stt.NewFactory(cfg.Transcription, log), log)
	r.segmenter = conversation.NewSegmenter(clk, ms(cfg.Segmentation.SilenceTimeoutMS), extractor, log)
	syncer := walsync.NewSyncer(walsync.Config{
		Directory:        cfg.Sync.Directory,
		MinDuration:      ms(cfg.Sync.MinDurationMS),
		FirstByteTimeout: ms(cfg.Sync.FirstByteTimeoutMS),
		Grace:            ms(cfg.Sync.GraceMS),
		MinThroughput:    cfg.Sync.MinThroughputBPS,
	}, clk, r.store, log)

	r.pipeline = pipeline.New(pipeline.Config{
		Backend:     backend,
		StopTimeout: ms(cfg.Transcription.StopTimeoutMS),
		AutoListen:  cfg.Audio.AutoListen,
	}, selector, router, r.segmenter, r.devices, syncer, log)

	chat := llm.NewChat(chatGenerator(gen), cfg.LLM)
	r.commands = command.NewMachine(command.Config{
		SettleDelay: ms(cfg.Command.SettleDelayMS),
		AskTimeout:  ms(cfg.Command.AskTimeoutMS),
		EmptyReply:  cfg.Command.EmptyReply,
	}, clk, r.pipeline, chat, r.pipeline.LiveContext, log)
	r.pipeline.AttachCommands(r.commands)

	if cfg.LLM.Enabled {
		r.chat = llm.NewService(ctx, chat, r.bus, ms(cfg.Command.AskTimeoutMS), log)
		if err := r.chat.Start(); err != nil {
			return nil, fmt.Errorf("start chat service: %w", err)
		}
	}

	var processor *walsync.Processor
	if rec, err := offlineRecognizer(cfg.Transcription); err != nil {
		log.Warn("offline recording processing disabled", slogError(err))
	} else {
		processor = walsync.NewProcessor(r.store, rec, ms(cfg.Transcription.BatchWindowMS), extractor, cfg.Sync.DeleteAfterProcess, clk, log)
	}

	meter := otel.Meter("github.com/loqalabs/loqa-pendant/runtime")
	ins, err := newInstruments(meter)
	if err != nil {
		log.Warn("failed to initialize metrics", slogError(err))
		ins = nil
	}
	if err := observeDropped(meter, map[string]func() int64{
		"no_backend": router.Dropped,
		"malformed":  stats.Malformed.Load,
		"decode":     stats.DecodeErrors.Load,
	}); err != nil {
		log.Warn("failed to initialize drop metrics", slogError(err))
	}

	b := newBroadcaster(r.bus, ins, r.segmenter.Live, log)
	r.devices.OnChange(b.deviceChanged)
	router.OnChange(b.routerChanged)
	r.segmenter.OnEvent(b.conversationEvent)
	r.pipeline.OnSegments(b.segments)
	r.pipeline.OnSyncDone(b.syncDone)
	syncer.OnProgress(b.syncProgress)
	r.commands.OnReply(b.reply)
	if cfg.TTS.Enabled {
		synth, err := tts.New(cfg.TTS)
		if err != nil {
			return nil, fmt.Errorf("build tts: %w", err)
		}
		r.speaker = tts.NewSpeaker(synth, r.bus, cfg.TTS.Voice, ms(cfg.TTS.TimeoutMS), log)
		r.commands.OnReply(func(reply command.Reply) {
			if reply.Err == nil {
				r.speaker.Speak(reply.Text)
			}
		})
	}
	extractor.OnStored(b.conversationStored)

	return &api{
		pipeline:       r.pipeline,
		devices:        r.devices,
		syncer:         syncer,
		store:          r.store,
		processor:      processor,
		capture:        capture,
		deviceID:       cfg.Device.ID,
		connectTimeout: ms(cfg.Device.ConnectTimeoutMS),
		log:            log.With(slog.String("component", "api")),
	}, nil
}

func (r *Runtime) connector() (device.Connector, error) {
	switch r.cfg.Device.Transport {
	case "nats":
		return natslink.NewConnector(r.bus.Conn(), r.cfg.Device.NATSPrefix, r.logger), nil
	default:
		adapter := ble.NewAdapter(r.logger)
		if err := adapter.Enable(); err != nil {
			return nil, fmt.Errorf("enable bluetooth adapter: %w", err)
		}
		return adapter, nil
	}
}

// keepConnected dials the configured device and redials after a drop.
func (r *Runtime) keepConnected(ctx context.Context) {
	changes, unsubscribe := r.devices.Subscribe(4)
	defer unsubscribe()
	retry := time.NewTimer(0)
	defer retry.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-changes:
			if s.State == device.StateDisconnected {
				retry.Reset(5 * time.Second)
			}
		case <-retry.C:
			if r.devices.Current() != nil {
				continue
			}
			dialCtx, cancel := context.WithTimeout(ctx, ms(r.cfg.Device.ConnectTimeoutMS))
			_, err := r.devices.Connect(dialCtx, r.cfg.Device.ID)
			cancel()
			if err != nil && !errors.Is(err, device.ErrAlreadyConnected) {
				r.logger.Warn("auto connect failed", slog.String("device", r.cfg.Device.ID), slogError(err))
				retry.Reset(15 * time.Second)
			}
		}
	}
}

// shutdown releases components in reverse dependency order.
func (r *Runtime) shutdown() {
	if r.pipeline != nil {
		r.pipeline.Close()
	}
	if r.commands != nil {
		r.commands.Wait()
	}
	if r.devices != nil {
		r.devices.Close()
	}
	if r.segmenter != nil {
		r.segmenter.Close(10 * time.Second)
	}
	if r.speaker != nil {
		r.speaker.Close()
	}
	if r.chat != nil {
		r.chat.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("store close", slogError(err))
		}
	}
	r.bus.Close()
	if r.server != nil {
		r.server.Shutdown()
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.store.Healthy(req.Context()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// chatGenerator answers every question with errLLMDisabled when no model is
// configured, so hold-to-ask still completes with an error reply.
func chatGenerator(gen llm.Generator) llm.Generator {
	if gen != nil {
		return gen
	}
	return llm.NewMockGenerator(func(llm.Request) (string, error) { return "", errLLMDisabled })
}

// offlineRecognizer picks the recognizer used for synced recordings.
func offlineRecognizer(cfg config.TranscriptionConfig) (stt.Recognizer, error) {
	if cfg.BatchCommand != "" {
		return stt.NewExecRecognizer(cfg.BatchCommand, cfg.ModelPath, cfg.Language)
	}
	if cfg.Mode == stt.KindMock.String() {
		return stt.NewMockRecognizer(cfg.MockPhrases), nil
	}
	return nil, errNoProcessor
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
