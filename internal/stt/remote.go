package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-pendant/internal/apperr"
	"github.com/loqalabs/loqa-pendant/internal/device"
)

// RemoteConfig addresses a streaming recognition service speaking the
// Deepgram listen protocol.
type RemoteConfig struct {
	URL       string
	APIKey    string
	Model     string
	Language  string
	KeepAlive time.Duration
}

type remoteWord struct {
	Word           string  `json:"word"`
	PunctuatedWord string  `json:"punctuated_word"`
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
	Speaker        int     `json:"speaker"`
}

type remoteResult struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string       `json:"transcript"`
			Words      []remoteWord `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// remoteBackend streams audio over a websocket and groups diarized words into
// segments, one per run of consecutive words from the same speaker.
type remoteBackend struct {
	cfg RemoteConfig
	log *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	audio    chan []byte
	stopping bool
	readDone chan struct{}
	wg       sync.WaitGroup
}

func newRemoteBackend(cfg RemoteConfig, log *slog.Logger) *remoteBackend {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 8 * time.Second
	}
	return &remoteBackend{cfg: cfg, log: log}
}

func (b *remoteBackend) endpoint(cfg StreamConfig) (string, error) {
	u, err := url.Parse(b.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse remote url: %w", err)
	}
	q := u.Query()
	switch {
	case cfg.PCM:
		q.Set("encoding", "linear16")
	case cfg.Codec == device.CodecOpus:
		q.Set("encoding", "opus")
	default:
		q.Set("encoding", "linear16")
	}
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("channels", "1")
	q.Set("diarize", "true")
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	if b.cfg.Model != "" {
		q.Set("model", b.cfg.Model)
	}
	if b.cfg.Language != "" {
		q.Set("language", b.cfg.Language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (b *remoteBackend) Start(ctx context.Context, cfg StreamConfig, h Handlers) error {
	if b.cfg.APIKey == "" {
		return apperr.New(apperr.KindBackend, "remote transcription api key not configured")
	}
	endpoint, err := b.endpoint(cfg)
	if err != nil {
		return apperr.Wrap(apperr.KindBackend, err, "remote endpoint")
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+b.cfg.APIKey)
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return apperr.Wrap(apperr.KindBackend, err, "remote transcription rejected credentials (%d)", resp.StatusCode)
		}
		return apperr.Wrap(apperr.KindTransport, err, "connect remote transcription")
	}

	b.mu.Lock()
	b.conn = conn
	b.audio = make(chan []byte, 256)
	b.stopping = false
	b.readDone = make(chan struct{})
	audio, readDone := b.audio, b.readDone
	b.mu.Unlock()

	b.wg.Add(1)
	go b.writeLoop(conn, audio, h)
	go b.readLoop(conn, h, readDone)
	return nil
}

func (b *remoteBackend) writeLoop(conn *websocket.Conn, audio <-chan []byte, h Handlers) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.KeepAlive)
	defer ticker.Stop()
	lastSent := time.Now()

	for {
		select {
		case p, ok := <-audio:
			if !ok {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
				if !b.isStopping() {
					h.fail(apperr.Wrap(apperr.KindTransport, err, "send audio"))
				}
				for range audio {
				}
				return
			}
			lastSent = time.Now()
		case <-ticker.C:
			if time.Since(lastSent) < b.cfg.KeepAlive {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`)); err != nil {
				b.log.Warn("remote keep-alive failed", slogError(err))
			}
			lastSent = time.Now()
		}
	}
}

func (b *remoteBackend) readLoop(conn *websocket.Conn, h Handlers, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !b.isStopping() {
				h.fail(apperr.Wrap(apperr.KindTransport, err, "remote transcription connection lost"))
			}
			return
		}
		var res remoteResult
		if err := json.Unmarshal(data, &res); err != nil {
			b.log.Warn("invalid remote transcription message", slogError(err))
			continue
		}
		if res.Type != "Results" || !res.IsFinal || len(res.Channel.Alternatives) == 0 {
			continue
		}
		h.segments(groupWords(res.Channel.Alternatives[0].Words))
	}
}

// groupWords merges consecutive words from one speaker into a segment.
func groupWords(words []remoteWord) []Segment {
	var out []Segment
	var text []string
	for i, w := range words {
		token := w.PunctuatedWord
		if token == "" {
			token = w.Word
		}
		if i == 0 || w.Speaker != out[len(out)-1].Speaker {
			if len(out) > 0 {
				out[len(out)-1].Text = strings.Join(text, " ")
			}
			out = append(out, Segment{Speaker: w.Speaker, Start: w.Start})
			text = text[:0]
		}
		text = append(text, token)
		out[len(out)-1].End = w.End
	}
	if len(out) > 0 {
		out[len(out)-1].Text = strings.Join(text, " ")
	}
	return out
}

func (b *remoteBackend) isStopping() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopping
}

func (b *remoteBackend) Push(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.audio == nil || b.stopping {
		return
	}
	select {
	case b.audio <- p:
	default:
		b.log.Warn("remote transcription backlog full, dropping chunk")
	}
}

// Stop sends CloseStream, lets the service flush its final results, and
// closes the socket when the service hangs up or ctx expires.
func (b *remoteBackend) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.conn == nil || b.stopping {
		b.mu.Unlock()
		return nil
	}
	b.stopping = true
	close(b.audio)
	conn, readDone := b.conn, b.readDone
	b.mu.Unlock()

	b.wg.Wait()
	select {
	case <-readDone:
	case <-ctx.Done():
	}
	_ = conn.Close()
	<-readDone

	b.mu.Lock()
	b.conn = nil
	b.audio = nil
	b.mu.Unlock()
	return nil
}
