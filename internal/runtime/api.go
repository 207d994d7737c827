package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/mindstore/internal/diary"
	"github.com/loqalabs/mindstore/internal/journal"
	"github.com/loqalabs/mindstore/internal/recognition"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// recorder is the part of recognition.Manager the API drives.
type recorder interface {
	Start()
	Stop()
	Supported() bool
	State() recognition.State
}

type api struct {
	repo     diary.Repository
	journal  *journal.Journal
	recorder recorder
	log      *slog.Logger
	now      func() time.Time
	tracer   trace.Tracer
}

const liveWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type statusResponse struct {
	journal.Status
	State     string `json:"state"`
	Supported bool   `json:"supported"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newAPI(repo diary.Repository, j *journal.Journal, rec recorder, log *slog.Logger) *api {
	return &api{
		repo:     repo,
		journal:  j,
		recorder: rec,
		log:      log.With(slog.String("component", "api")),
		now:      time.Now,
		tracer:   otel.Tracer("github.com/loqalabs/mindstore/internal/runtime"),
	}
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /entries", a.handleListEntries)
	mux.HandleFunc("GET /entries/{id}", a.handleGetEntry)
	mux.HandleFunc("DELETE /entries/{id}", a.handleDeleteEntry)
	mux.HandleFunc("DELETE /entries", a.handleClearEntries)
	mux.HandleFunc("POST /recording/start", a.handleStartRecording)
	mux.HandleFunc("POST /recording/stop", a.handleStopRecording)
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.HandleFunc("GET /stats", a.handleStats)
	mux.HandleFunc("GET /live", a.handleLive)
}

func (a *api) span(r *http.Request, name string) (context.Context, trace.Span) {
	return a.tracer.Start(r.Context(), name, trace.WithAttributes(attribute.String("http.route", r.Pattern)))
}

func (a *api) handleListEntries(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.span(r, "entries.list")
	defer span.End()

	q := r.URL.Query()
	from, to := q.Get("from"), q.Get("to")
	if from == "" && to == "" {
		entries, err := a.repo.Entries(ctx)
		if err != nil {
			a.fail(w, span, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
		return
	}

	start, end := time.Unix(0, 0).UTC(), a.now()
	var err error
	if from != "" {
		if start, err = time.Parse(time.RFC3339, from); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid from: " + err.Error()})
			return
		}
	}
	if to != "" {
		if end, err = time.Parse(time.RFC3339, to); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid to: " + err.Error()})
			return
		}
	}
	entries, err := a.repo.EntriesByDateRange(ctx, start, end)
	if err != nil {
		a.fail(w, span, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *api) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.span(r, "entries.get")
	defer span.End()

	entry, err := a.repo.Entry(ctx, r.PathValue("id"))
	if err != nil {
		a.fail(w, span, http.StatusInternalServerError, err)
		return
	}
	if entry == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "entry not found"})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *api) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.span(r, "entries.delete")
	defer span.End()

	if err := a.journal.Delete(ctx, r.PathValue("id")); err != nil {
		a.fail(w, span, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleClearEntries(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.span(r, "entries.clear")
	defer span.End()

	if err := a.journal.Clear(ctx); err != nil {
		a.fail(w, span, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleStartRecording(w http.ResponseWriter, _ *http.Request) {
	a.recorder.Start()
	writeJSON(w, http.StatusAccepted, a.status())
}

func (a *api) handleStopRecording(w http.ResponseWriter, _ *http.Request) {
	a.recorder.Stop()
	writeJSON(w, http.StatusAccepted, a.status())
}

func (a *api) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.status())
}

func (a *api) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.journal.Stats(a.now()))
}

// handleLive pushes the status over a websocket, once on connect and again
// after every journal change, until the client goes away.
func (a *api) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	updates, stop := a.journal.Watch()
	defer stop()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func() error {
		_ = conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
		return conn.WriteJSON(a.status())
	}
	if err := send(); err != nil {
		return
	}
	for {
		select {
		case <-closed:
			return
		case <-updates:
			if err := send(); err != nil {
				a.log.Debug("live client dropped", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (a *api) status() statusResponse {
	return statusResponse{
		Status:    a.journal.Snapshot(),
		State:     a.recorder.State().String(),
		Supported: a.recorder.Supported(),
	}
}

func (a *api) fail(w http.ResponseWriter, span trace.Span, status int, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	a.log.Error("request failed", slog.String("error", err.Error()))
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
