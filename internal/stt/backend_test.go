package stt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-pendant/internal/apperr"
	"github.com/loqalabs/loqa-pendant/internal/device"
)

type segmentSink struct {
	mu   sync.Mutex
	segs []Segment
	errs []error
}

func (s *segmentSink) handlers() Handlers {
	return Handlers{
		OnSegments: func(segs []Segment) {
			s.mu.Lock()
			s.segs = append(s.segs, segs...)
			s.mu.Unlock()
		},
		OnError: func(err error) {
			s.mu.Lock()
			s.errs = append(s.errs, err)
			s.mu.Unlock()
		},
	}
}

func (s *segmentSink) snapshot() []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Segment(nil), s.segs...)
}

func TestBatchBackendWindowsAndFlush(t *testing.T) {
	b := NewMockBackend([]string{"one", "two", "three"}, time.Second, discard())
	var sink segmentSink
	if err := b.Start(context.Background(), StreamConfig{SampleRate: 100, PCM: true}, sink.handlers()); err != nil {
		t.Fatalf("start: %v", err)
	}
	// 100 Hz mono PCM16: one second is 200 bytes.
	b.Push(make([]byte, 150))
	b.Push(make([]byte, 150))
	b.Push(make([]byte, 150))
	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	segs := sink.snapshot()
	if len(segs) != 3 {
		t.Fatalf("expected two full windows plus flush, got %+v", segs)
	}
	if segs[0].Text != "one" || segs[1].Text != "two" || segs[2].Text != "three" {
		t.Fatalf("unexpected order %+v", segs)
	}
	if segs[1].Start != 1 || segs[2].Start != 2 || segs[2].End != 2.25 {
		t.Fatalf("unexpected timeline %+v", segs)
	}
}

func TestBatchBackendRequiresModel(t *testing.T) {
	b := newBatchBackend(NewMockRecognizer(nil), time.Second, "/nonexistent/model.bin", true, discard())
	err := b.Start(context.Background(), StreamConfig{SampleRate: 16000, PCM: true}, Handlers{})
	if apperr.KindOf(err) != apperr.KindBackend {
		t.Fatalf("expected backend error, got %v", err)
	}
	b = newBatchBackend(NewMockRecognizer(nil), time.Second, "", true, discard())
	if err := b.Start(context.Background(), StreamConfig{SampleRate: 16000, PCM: true}, Handlers{}); err != ErrModelMissing {
		t.Fatalf("expected ErrModelMissing, got %v", err)
	}
}

func TestTranscribeWindowsShiftsTimes(t *testing.T) {
	segs, err := TranscribeWindows(context.Background(), NewMockRecognizer([]string{"a", "b"}), make([]byte, 500), 100, time.Second)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if len(segs) != 3 || segs[2].Start != 2 || segs[2].End != 2.5 {
		t.Fatalf("unexpected segments %+v", segs)
	}
}

func TestGroupWordsBySpeaker(t *testing.T) {
	words := []remoteWord{
		{Word: "hi", PunctuatedWord: "Hi", Start: 0, End: 0.2, Speaker: 0},
		{Word: "there", PunctuatedWord: "there.", Start: 0.2, End: 0.5, Speaker: 0},
		{Word: "hello", Start: 0.6, End: 0.9, Speaker: 1},
		{Word: "again", Start: 1.0, End: 1.2, Speaker: 0},
	}
	segs := groupWords(words)
	if len(segs) != 3 {
		t.Fatalf("expected 3 segments, got %+v", segs)
	}
	if segs[0].Text != "Hi there." || segs[0].End != 0.5 {
		t.Fatalf("unexpected first segment %+v", segs[0])
	}
	if segs[1].Speaker != 1 || segs[1].Text != "hello" {
		t.Fatalf("unexpected second segment %+v", segs[1])
	}
	if segs[2].Text != "again" || segs[2].Start != 1.0 {
		t.Fatalf("unexpected third segment %+v", segs[2])
	}
	if groupWords(nil) != nil {
		t.Fatal("expected nil for no words")
	}
}

func TestRemoteBackendStreamsAndCloses(t *testing.T) {
	queries := make(chan string, 1)
	closed := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		queries <- r.URL.RawQuery
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.TextMessage && strings.Contains(string(data), "CloseStream") {
				close(closed)
				return
			}
			if kind == websocket.BinaryMessage {
				var res remoteResult
				res.Type = "Results"
				res.IsFinal = true
				res.Channel.Alternatives = append(res.Channel.Alternatives, struct {
					Transcript string       `json:"transcript"`
					Words      []remoteWord `json:"words"`
				}{Words: []remoteWord{{Word: "ok", Start: 0, End: 0.3, Speaker: 2}}})
				payload, _ := json.Marshal(res)
				_ = conn.WriteMessage(websocket.TextMessage, payload)
			}
		}
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	bad := newRemoteBackend(RemoteConfig{URL: wsURL, APIKey: "wrong"}, discard())
	if err := bad.Start(context.Background(), StreamConfig{SampleRate: 16000, Codec: device.CodecOpus}, Handlers{}); apperr.KindOf(err) != apperr.KindBackend {
		t.Fatalf("expected backend auth error, got %v", err)
	}

	b := newRemoteBackend(RemoteConfig{URL: wsURL, APIKey: "secret", Model: "nova-2"}, discard())
	var sink segmentSink
	if err := b.Start(context.Background(), StreamConfig{SampleRate: 16000, Codec: device.CodecOpus}, sink.handlers()); err != nil {
		t.Fatalf("start: %v", err)
	}
	query := <-queries
	if !strings.Contains(query, "encoding=opus") || !strings.Contains(query, "diarize=true") {
		t.Fatalf("unexpected query %q", query)
	}
	b.Push([]byte{1, 2, 3})

	deadline := time.Now().Add(3 * time.Second)
	for len(sink.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no segment received")
		}
		time.Sleep(5 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("server never saw CloseStream")
	}
	if segs := sink.snapshot(); segs[0].Speaker != 2 || segs[0].Text != "ok" {
		t.Fatalf("unexpected segment %+v", segs[0])
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.errs) != 0 {
		t.Fatalf("unexpected errors after clean stop: %v", sink.errs)
	}
}
