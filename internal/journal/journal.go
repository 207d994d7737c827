// Package journal keeps the in-memory view of the diary in step with the
// recognition session and the entry store.
package journal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/mindstore/internal/diary"
	"github.com/loqalabs/mindstore/internal/protocol"
	"github.com/loqalabs/mindstore/internal/recognition"
)

// Messages recorded as the last error.
const (
	MsgSaveFailed   = "Failed to save entry"
	MsgLoadFailed   = "Failed to load entries"
	MsgDeleteFailed = "Failed to delete entry"
	MsgClearFailed  = "Failed to clear entries"
)

const callbackTimeout = 5 * time.Second

// Publisher announces diary changes.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Observer receives counters for telemetry.
type Observer interface {
	EntrySaved(ctx context.Context)
	RecognitionError(ctx context.Context, message string)
}

// Status is a point-in-time view of the recorder.
type Status struct {
	Recording        bool   `json:"recording"`
	Transcript       string `json:"transcript"`
	LastError        string `json:"lastError,omitempty"`
	PermissionDenied bool   `json:"permissionDenied"`
	Entries          int    `json:"entries"`
}

// Stats summarize the loaded entries.
type Stats struct {
	Total    int `json:"total"`
	Today    int `json:"today"`
	ThisWeek int `json:"thisWeek"`
}

// Option configures a Journal.
type Option func(*Journal)

// WithClock sets the clock used to timestamp new entries.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) {
		if now != nil {
			j.now = now
		}
	}
}

// WithPublisher announces saved and deleted entries through p.
func WithPublisher(p Publisher) Option {
	return func(j *Journal) { j.pub = p }
}

// WithObserver reports saves and recognition errors to o.
func WithObserver(o Observer) Option {
	return func(j *Journal) { j.obs = o }
}

// Journal mirrors the stored entries and the recorder state in memory.
type Journal struct {
	repo diary.Repository
	log  *slog.Logger
	now  func() time.Time
	pub  Publisher
	obs  Observer

	mu               sync.RWMutex
	entries          []diary.Entry
	recording        bool
	transcript       string
	lastError        string
	permissionDenied bool

	watchMu  sync.Mutex
	watchers map[int]chan Status
	nextID   int
}

// New returns a journal writing through repo. Call Hydrate to load entries.
func New(repo diary.Repository, log *slog.Logger, opts ...Option) *Journal {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	j := &Journal{
		repo: repo,
		log:  log.With(slog.String("component", "journal")),
		now:  time.Now,

		watchers: make(map[int]chan Status),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Hydrate replaces the in-memory list with the stored entries.
func (j *Journal) Hydrate(ctx context.Context) ([]diary.Entry, error) {
	entries, err := j.repo.Entries(ctx)
	if err != nil {
		j.fail(MsgLoadFailed, err)
		return nil, fmt.Errorf("hydrate journal: %w", err)
	}
	j.mu.Lock()
	j.entries = append([]diary.Entry(nil), entries...)
	j.mu.Unlock()
	j.notify()
	j.log.Info("journal loaded", slog.Int("entries", len(entries)))
	return entries, nil
}

// HandleResult shows interim text live and persists final text as a new entry.
// Blank finals are dropped.
func (j *Journal) HandleResult(ctx context.Context, r recognition.Result) error {
	if !r.IsFinal {
		j.mu.Lock()
		j.transcript = r.Transcript
		j.mu.Unlock()
		j.notify()
		return nil
	}

	entry, err := diary.NewEntry(r.Transcript, confidence(r.Confidence), j.now())
	if errors.Is(err, diary.ErrEmptyTranscript) {
		j.mu.Lock()
		j.transcript = ""
		j.mu.Unlock()
		j.notify()
		return nil
	}
	if err != nil {
		return err
	}
	if err := j.repo.SaveEntry(ctx, entry); err != nil {
		j.fail(MsgSaveFailed, err)
		return fmt.Errorf("save entry: %w", err)
	}

	j.mu.Lock()
	j.entries = append([]diary.Entry{entry}, j.entries...)
	j.transcript = ""
	j.mu.Unlock()
	j.notify()

	j.log.Debug("entry saved", slog.String("id", entry.ID), slog.Int("chars", len(entry.Content)))
	if j.obs != nil {
		j.obs.EntrySaved(ctx)
	}
	j.publish(protocol.SubjectEntrySaved, protocol.EntryEvent{
		ID:         entry.ID,
		Content:    entry.Content,
		Timestamp:  entry.Timestamp,
		Confidence: entry.Confidence,
	})
	return nil
}

// HandleError records a recognition error and stops the recording indicator.
func (j *Journal) HandleError(msg string) {
	j.mu.Lock()
	j.lastError = msg
	j.recording = false
	if recognition.IsPermissionError(msg) {
		j.permissionDenied = true
	}
	j.mu.Unlock()
	j.notify()
	j.log.Warn("recognition error", slog.String("message", msg))
	if j.obs != nil {
		j.obs.RecognitionError(context.Background(), msg)
	}
}

// HandleStart marks the recorder as listening and clears earlier errors.
func (j *Journal) HandleStart() {
	j.mu.Lock()
	j.recording = true
	j.lastError = ""
	j.permissionDenied = false
	j.mu.Unlock()
	j.notify()
}

// HandleEnd marks the recorder idle and drops any interim text.
func (j *Journal) HandleEnd() {
	j.mu.Lock()
	j.recording = false
	j.transcript = ""
	j.mu.Unlock()
	j.notify()
}

// Delete removes an entry from the store and the in-memory list.
func (j *Journal) Delete(ctx context.Context, id string) error {
	if err := j.repo.DeleteEntry(ctx, id); err != nil {
		j.fail(MsgDeleteFailed, err)
		return fmt.Errorf("delete entry %s: %w", id, err)
	}
	j.mu.Lock()
	for i, e := range j.entries {
		if e.ID == id {
			j.entries = append(j.entries[:i:i], j.entries[i+1:]...)
			break
		}
	}
	j.mu.Unlock()
	j.notify()
	j.publish(protocol.SubjectEntryDeleted, protocol.EntryEvent{ID: id, Timestamp: j.now()})
	return nil
}

// Clear removes every entry.
func (j *Journal) Clear(ctx context.Context) error {
	if err := j.repo.ClearAllEntries(ctx); err != nil {
		j.fail(MsgClearFailed, err)
		return fmt.Errorf("clear entries: %w", err)
	}
	j.mu.Lock()
	j.entries = nil
	j.mu.Unlock()
	j.notify()
	j.log.Info("journal cleared")
	return nil
}

// Entries returns the loaded entries, newest first.
func (j *Journal) Entries() []diary.Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return append([]diary.Entry(nil), j.entries...)
}

// Snapshot returns the current recorder status.
func (j *Journal) Snapshot() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return Status{
		Recording:        j.recording,
		Transcript:       j.transcript,
		LastError:        j.lastError,
		PermissionDenied: j.permissionDenied,
		Entries:          len(j.entries),
	}
}

// Stats counts entries from the same local calendar day as now and from the
// seven days before now.
func (j *Journal) Stats(now time.Time) Stats {
	j.mu.RLock()
	defer j.mu.RUnlock()

	y, m, d := now.Date()
	weekAgo := now.Add(-7 * 24 * time.Hour)
	stats := Stats{Total: len(j.entries)}
	for _, e := range j.entries {
		ts := e.Timestamp.In(now.Location())
		if ey, em, ed := ts.Date(); ey == y && em == m && ed == d {
			stats.Today++
		}
		if ts.After(weekAgo) {
			stats.ThisWeek++
		}
	}
	return stats
}

// Callbacks adapts the journal to a recognition manager.
func (j *Journal) Callbacks() recognition.Callbacks {
	return recognition.Callbacks{
		OnResult: func(r recognition.Result) {
			ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
			defer cancel()
			if err := j.HandleResult(ctx, r); err != nil {
				j.log.Error("failed to record result", slog.String("error", err.Error()))
			}
		},
		OnError: j.HandleError,
		OnStart: j.HandleStart,
		OnEnd:   j.HandleEnd,
	}
}

// Watch streams a Status after every change. Slow watchers only see the
// latest status. The returned func unregisters the watcher.
func (j *Journal) Watch() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	j.watchMu.Lock()
	id := j.nextID
	j.nextID++
	j.watchers[id] = ch
	j.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			j.watchMu.Lock()
			delete(j.watchers, id)
			j.watchMu.Unlock()
		})
	}
}

func (j *Journal) notify() {
	status := j.Snapshot()
	j.watchMu.Lock()
	defer j.watchMu.Unlock()
	for _, ch := range j.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- status
	}
}

func (j *Journal) fail(msg string, err error) {
	j.mu.Lock()
	j.lastError = msg
	j.mu.Unlock()
	j.notify()
	j.log.Error(strings.ToLower(msg), slog.String("error", err.Error()))
}

func (j *Journal) publish(subject string, ev protocol.EntryEvent) {
	if j.pub == nil {
		return
	}
	if err := j.pub.PublishJSON(subject, ev); err != nil {
		j.log.Warn("failed to publish entry event", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

func confidence(c float64) *float64 {
	if c < 0 || c > 1 {
		return nil
	}
	return diary.Float64(c)
}
