package stt

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-pendant/internal/config"
)

// NewFactory builds backends from configuration.
func NewFactory(cfg config.TranscriptionConfig, log *slog.Logger) Factory {
	return func(kind Kind) (Backend, error) {
		blog := log.With(slog.String("component", "stt"), slog.String("backend", kind.String()))
		switch kind {
		case KindRemote:
			return newRemoteBackend(RemoteConfig{
				URL:       cfg.RemoteURL,
				APIKey:    cfg.RemoteAPIKey,
				Model:     cfg.RemoteModel,
				Language:  cfg.Language,
				KeepAlive: time.Duration(cfg.KeepAliveMS) * time.Millisecond,
			}, blog), nil
		case KindOnDeviceStreaming:
			return newStreamingBackend(cfg.StreamCommand, cfg.ModelPath, cfg.Language, blog)
		case KindOnDeviceBatch:
			rec, err := NewExecRecognizer(cfg.BatchCommand, cfg.ModelPath, cfg.Language)
			if err != nil {
				return nil, err
			}
			return newBatchBackend(rec, time.Duration(cfg.BatchWindowMS)*time.Millisecond, cfg.ModelPath, true, blog), nil
		case KindMock:
			return NewMockBackend(cfg.MockPhrases, time.Second, blog), nil
		}
		return nil, fmt.Errorf("unknown transcription kind %v", kind)
	}
}

// NewMockBackend emits one canned segment per window of pushed audio.
func NewMockBackend(phrases []string, window time.Duration, log *slog.Logger) Backend {
	return newBatchBackend(NewMockRecognizer(phrases), window, "", false, log)
}
