package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-pendant/internal/apperr"
	"github.com/loqalabs/loqa-pendant/internal/audio"
	"github.com/loqalabs/loqa-pendant/internal/device"
	"github.com/loqalabs/loqa-pendant/internal/pipeline"
	"github.com/loqalabs/loqa-pendant/internal/store"
	"github.com/loqalabs/loqa-pendant/internal/stt"
	"github.com/loqalabs/loqa-pendant/internal/walsync"
)

var errNoProcessor = apperr.New(apperr.KindBackend, "offline processing needs transcription.batch_command or mock mode")

// api serves the local control surface.
type api struct {
	pipeline       *pipeline.Pipeline
	devices        *device.Manager
	syncer         *walsync.Syncer
	store          *store.Store
	processor      *walsync.Processor
	capture        *audio.Capture
	deviceID       string
	connectTimeout time.Duration
	log            *slog.Logger
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/status", a.handleStatus)

	mux.HandleFunc("POST /v1/listen", a.handleListen)
	mux.HandleFunc("DELETE /v1/listen", a.handleStopListening)
	mux.HandleFunc("PUT /v1/listen/backend", a.handleSetBackend)
	mux.HandleFunc("PUT /v1/listen/source", a.handleSetSource)

	mux.HandleFunc("POST /v1/device/connect", a.handleConnect)
	mux.HandleFunc("DELETE /v1/device", a.handleDisconnect)

	mux.HandleFunc("POST /v1/conversations/finalize", a.handleFinalize)
	mux.HandleFunc("GET /v1/conversations", a.handleListConversations)
	mux.HandleFunc("GET /v1/conversations/{id}", a.handleGetConversation)
	mux.HandleFunc("DELETE /v1/conversations/{id}", a.handleDeleteConversation)
	mux.HandleFunc("GET /v1/tasks", a.handleListTasks)
	mux.HandleFunc("POST /v1/tasks/{id}/complete", a.handleCompleteTask)
	mux.HandleFunc("GET /v1/facts", a.handleListFacts)

	mux.HandleFunc("POST /v1/sync", a.handleStartSync)
	mux.HandleFunc("DELETE /v1/sync", a.handleCancelSync)
	mux.HandleFunc("GET /v1/recordings", a.handleListRecordings)
	mux.HandleFunc("GET /v1/recordings/{id}/audio", a.handleRecordingAudio)
	mux.HandleFunc("POST /v1/recordings/{id}/process", a.handleProcessRecording)
	mux.HandleFunc("DELETE /v1/recordings/{id}", a.handleDeleteRecording)

	mux.HandleFunc("GET /v1/diagnostics/capture", a.handleCaptureAudio)
	mux.HandleFunc("POST /v1/diagnostics/capture", a.handleCaptureEnable)
	mux.HandleFunc("DELETE /v1/diagnostics/capture", a.handleCaptureDisable)
}

type deviceView struct {
	State    string `json:"state"`
	DeviceID string `json:"device_id,omitempty"`
	Name     string `json:"name,omitempty"`
	Codec    string `json:"codec,omitempty"`
	Battery  int    `json:"battery"`
	Storage  bool   `json:"storage"`
}

type statusView struct {
	Pipeline pipeline.Status     `json:"pipeline"`
	Device   deviceView          `json:"device"`
	Sync     *walsync.Descriptor `json:"sync,omitempty"`
}

func (a *api) handleStatus(w http.ResponseWriter, _ *http.Request) {
	view := statusView{Pipeline: a.pipeline.Status()}
	if a.devices != nil {
		s := a.devices.Status()
		view.Device = deviceView{State: s.State.String(), DeviceID: s.DeviceID, Name: s.Name, Battery: s.Battery, Storage: s.Storage}
		if s.State == device.StateConnected {
			view.Device.Codec = s.Codec.String()
		}
	}
	if a.syncer != nil {
		if d, ok := a.syncer.Last(); ok {
			view.Sync = &d
		}
	}
	writeJSON(w, http.StatusOK, view)
}

// sessionContext keeps request values but outlives the request, since a
// listening session or sync runs after the response is written.
func sessionContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func (a *api) handleListen(w http.ResponseWriter, r *http.Request) {
	if err := a.pipeline.Start(sessionContext(r)); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.pipeline.Status())
}

func (a *api) handleStopListening(w http.ResponseWriter, r *http.Request) {
	if err := a.pipeline.Stop(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.pipeline.Status())
}

func (a *api) handleSetBackend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Backend string `json:"backend"`
	}
	if !decode(w, r, &body) {
		return
	}
	kind, err := stt.ParseKind(body.Backend)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := a.pipeline.SetBackend(kind); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.pipeline.Status())
}

func (a *api) handleSetSource(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Source string `json:"source"`
	}
	if !decode(w, r, &body) {
		return
	}
	kind, err := audio.ParseKind(body.Source)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := a.pipeline.SetSource(kind); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.pipeline.Status())
}

func (a *api) handleConnect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	id := strings.TrimSpace(body.ID)
	if id == "" {
		id = a.deviceID
	}
	if id == "" {
		writeBadRequest(w, errors.New("device id is required"))
		return
	}
	ctx, cancel := context.WithTimeout(sessionContext(r), a.connectTimeout)
	defer cancel()
	if _, err := a.devices.Connect(ctx, id); err != nil {
		a.writeError(w, err)
		return
	}
	a.handleStatus(w, r)
}

func (a *api) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := a.devices.Disconnect(); err != nil {
		a.writeError(w, err)
		return
	}
	a.handleStatus(w, r)
}

func (a *api) handleFinalize(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"finalized": a.pipeline.FinalizeConversation()})
}

func (a *api) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeBadRequest(w, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	convs, err := a.store.ListConversations(r.Context(), limit)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (a *api) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	rec, err := a.store.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *api) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DeleteConversation(r.Context(), r.PathValue("id")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleListTasks(w http.ResponseWriter, r *http.Request) {
	open := r.URL.Query().Get("open") == "true"
	tasks, err := a.store.ListTasks(r.Context(), open)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (a *api) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	if err := a.store.CompleteTask(r.Context(), r.PathValue("id")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleListFacts(w http.ResponseWriter, r *http.Request) {
	facts, err := a.store.ListFacts(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, facts)
}

type syncView struct {
	Started    bool               `json:"started"`
	Descriptor walsync.Descriptor `json:"descriptor"`
}

func (a *api) handleStartSync(w http.ResponseWriter, r *http.Request) {
	d, ok, err := a.pipeline.StartSync(sessionContext(r))
	if err != nil {
		a.writeError(w, err)
		return
	}
	status := http.StatusOK
	if ok {
		status = http.StatusAccepted
	}
	writeJSON(w, status, syncView{Started: ok, Descriptor: d})
}

func (a *api) handleCancelSync(w http.ResponseWriter, _ *http.Request) {
	a.pipeline.CancelSync()
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	recs, err := a.store.ListRecordings(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *api) handleRecordingAudio(w http.ResponseWriter, r *http.Request) {
	rec, err := a.store.GetRecording(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.serveWAV(w, rec.ID+".wav", func(f io.WriteSeeker) error { return walsync.ExportWAV(rec, f) })
}

func (a *api) handleProcessRecording(w http.ResponseWriter, r *http.Request) {
	if a.processor == nil {
		a.writeError(w, errNoProcessor)
		return
	}
	conv, ok, err := a.processor.Process(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	resp := map[string]any{"speech": ok}
	if ok {
		resp["conversation"] = conv
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	if err := walsync.Delete(r.Context(), a.store, r.PathValue("id")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleCaptureAudio(w http.ResponseWriter, _ *http.Request) {
	if a.capture.Duration() == 0 {
		a.writeError(w, apperr.New(apperr.KindLogical, "no diagnostic audio captured"))
		return
	}
	a.serveWAV(w, "capture.wav", a.capture.WriteWAV)
}

func (a *api) handleCaptureEnable(w http.ResponseWriter, _ *http.Request) {
	a.capture.Enable()
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleCaptureDisable(w http.ResponseWriter, _ *http.Request) {
	a.capture.Disable()
	w.WriteHeader(http.StatusNoContent)
}

// serveWAV renders through a temp file because the WAV encoder seeks back to
// patch chunk sizes.
func (a *api) serveWAV(w http.ResponseWriter, name string, render func(io.WriteSeeker) error) {
	f, err := os.CreateTemp("", "loqa-*.wav")
	if err != nil {
		a.writeError(w, err)
		return
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}()
	if err := render(f); err != nil {
		a.writeError(w, err)
		return
	}
	size, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		a.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		a.log.Warn("write wav response", slogError(err))
	}
}

type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
}

func statusFor(err error) int {
	if errors.Is(err, store.ErrConversationNotFound) || errors.Is(err, walsync.ErrRecordingNotFound) || errors.Is(err, store.ErrTaskNotFound) {
		return http.StatusNotFound
	}
	switch apperr.KindOf(err) {
	case apperr.KindLogical:
		return http.StatusConflict
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindTransport, apperr.KindBackend, apperr.KindProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		a.log.Error("request failed", slogError(err))
	}
	writeJSON(w, status, errorBody{
		Error:     err.Error(),
		Kind:      apperr.KindOf(err).String(),
		Retryable: apperr.Retryable(err),
	})
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: "request"})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil {
		writeBadRequest(w, fmt.Errorf("decode request: %w", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
