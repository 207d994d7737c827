package journal

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/mindstore/internal/diary"
	"github.com/loqalabs/mindstore/internal/protocol"
	"github.com/loqalabs/mindstore/internal/recognition"
)

type memRepo struct {
	mu      sync.Mutex
	entries map[string]diary.Entry
	saveErr error
	delErr  error
}

func newMemRepo(entries ...diary.Entry) *memRepo {
	r := &memRepo{entries: make(map[string]diary.Entry)}
	for _, e := range entries {
		r.entries[e.ID] = e
	}
	return r
}

func (r *memRepo) SaveEntry(_ context.Context, e diary.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.entries[e.ID] = e
	return nil
}

func (r *memRepo) UpdateEntry(ctx context.Context, e diary.Entry) error {
	return r.SaveEntry(ctx, e)
}

func (r *memRepo) Entries(context.Context) ([]diary.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]diary.Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (r *memRepo) Entry(_ context.Context, id string) (*diary.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (r *memRepo) DeleteEntry(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.delErr != nil {
		return r.delErr
	}
	delete(r.entries, id)
	return nil
}

func (r *memRepo) ClearAllEntries(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]diary.Entry)
	return nil
}

func (r *memRepo) EntriesByDateRange(ctx context.Context, start, end time.Time) ([]diary.Entry, error) {
	all, _ := r.Entries(ctx)
	var out []diary.Entry
	for _, e := range all {
		if !e.Timestamp.Before(start) && !e.Timestamp.After(end) {
			out = append(out, e)
		}
	}
	return out, nil
}

type published struct {
	subject string
	event   protocol.EntryEvent
}

type fakePublisher struct {
	msgs []published
}

func (p *fakePublisher) PublishJSON(subject string, v any) error {
	p.msgs = append(p.msgs, published{subject: subject, event: v.(protocol.EntryEvent)})
	return nil
}

type countingObserver struct {
	saved  int
	errors []string
}

func (o *countingObserver) EntrySaved(context.Context) { o.saved++ }
func (o *countingObserver) RecognitionError(_ context.Context, msg string) {
	o.errors = append(o.errors, msg)
}

var fixedNow = time.Date(2024, 3, 14, 15, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func TestInterimResultsAreNotPersisted(t *testing.T) {
	repo := newMemRepo()
	j := New(repo, nil, WithClock(clock))

	if err := j.HandleResult(context.Background(), recognition.Result{Transcript: "thinking about"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := j.Snapshot().Transcript; got != "thinking about" {
		t.Fatalf("expected live transcript, got %q", got)
	}
	if len(repo.entries) != 0 {
		t.Fatalf("expected nothing persisted, got %d entries", len(repo.entries))
	}
}

func TestFinalResultIsPersisted(t *testing.T) {
	repo := newMemRepo()
	pub := &fakePublisher{}
	obs := &countingObserver{}
	j := New(repo, nil, WithClock(clock), WithPublisher(pub), WithObserver(obs))

	_ = j.HandleResult(context.Background(), recognition.Result{Transcript: "draft"})
	err := j.HandleResult(context.Background(), recognition.Result{Transcript: "  Went for a walk.  ", Confidence: 0.92, IsFinal: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries := j.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Content != "Went for a walk." || !e.IsFinal || !e.Timestamp.Equal(fixedNow) {
		t.Fatalf("unexpected entry %+v", e)
	}
	if e.Confidence == nil || *e.Confidence != 0.92 {
		t.Fatalf("expected confidence 0.92, got %v", e.Confidence)
	}
	if _, ok := repo.entries[e.ID]; !ok {
		t.Fatal("expected entry in repository")
	}
	if j.Snapshot().Transcript != "" {
		t.Fatal("expected live transcript cleared after final result")
	}
	if len(pub.msgs) != 1 || pub.msgs[0].subject != protocol.SubjectEntrySaved || pub.msgs[0].event.ID != e.ID {
		t.Fatalf("unexpected published events %+v", pub.msgs)
	}
	if obs.saved != 1 {
		t.Fatalf("expected observer notified once, got %d", obs.saved)
	}
}

func TestBlankFinalIsDropped(t *testing.T) {
	repo := newMemRepo()
	j := New(repo, nil)
	if err := j.HandleResult(context.Background(), recognition.Result{Transcript: "   ", IsFinal: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.entries) != 0 || len(j.Entries()) != 0 {
		t.Fatal("expected blank final to be dropped")
	}
}

func TestOutOfRangeConfidenceIsOmitted(t *testing.T) {
	j := New(newMemRepo(), nil)
	if err := j.HandleResult(context.Background(), recognition.Result{Transcript: "hi", Confidence: 3, IsFinal: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c := j.Entries()[0].Confidence; c != nil {
		t.Fatalf("expected nil confidence, got %v", *c)
	}
}

func TestSaveFailureRecordsError(t *testing.T) {
	repo := newMemRepo()
	repo.saveErr = errors.New("disk full")
	j := New(repo, nil)

	err := j.HandleResult(context.Background(), recognition.Result{Transcript: "hello", IsFinal: true})
	if !errors.Is(err, repo.saveErr) {
		t.Fatalf("expected wrapped save error, got %v", err)
	}
	if j.Snapshot().LastError != MsgSaveFailed {
		t.Fatalf("expected %q, got %q", MsgSaveFailed, j.Snapshot().LastError)
	}
	if len(j.Entries()) != 0 {
		t.Fatal("expected no in-memory entry after failed save")
	}
}

func TestLifecycleAndErrors(t *testing.T) {
	obs := &countingObserver{}
	j := New(newMemRepo(), nil, WithObserver(obs))
	cb := j.Callbacks()

	cb.OnStart()
	if !j.Snapshot().Recording {
		t.Fatal("expected recording after start")
	}
	cb.OnError(recognition.MsgNotAllowed)
	s := j.Snapshot()
	if s.Recording || !s.PermissionDenied || s.LastError != recognition.MsgNotAllowed {
		t.Fatalf("unexpected status after permission error %+v", s)
	}
	cb.OnEnd()
	cb.OnStart()
	s = j.Snapshot()
	if s.LastError != "" || s.PermissionDenied {
		t.Fatalf("expected start to clear errors, got %+v", s)
	}
	cb.OnError(recognition.MsgNetwork)
	if j.Snapshot().PermissionDenied {
		t.Fatal("network error must not flag permission denial")
	}
	if len(obs.errors) != 2 {
		t.Fatalf("expected two observed errors, got %v", obs.errors)
	}
}

func TestCallbacksPersistFinalResults(t *testing.T) {
	repo := newMemRepo()
	j := New(repo, nil)
	j.Callbacks().OnResult(recognition.Result{Transcript: "from callback", Confidence: 0.5, IsFinal: true})
	if len(repo.entries) != 1 {
		t.Fatalf("expected entry persisted through callbacks, got %d", len(repo.entries))
	}
}

func TestHydrateDeleteClear(t *testing.T) {
	older := diary.Entry{ID: "a", Content: "older", Timestamp: fixedNow.Add(-time.Hour), IsFinal: true}
	newer := diary.Entry{ID: "b", Content: "newer", Timestamp: fixedNow, IsFinal: true}
	repo := newMemRepo(older, newer)
	pub := &fakePublisher{}
	j := New(repo, nil, WithClock(clock), WithPublisher(pub))

	entries, err := j.Hydrate(context.Background())
	if err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != "b" {
		t.Fatalf("expected newest first, got %+v", entries)
	}

	if err := j.Delete(context.Background(), "b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := j.Entries(); len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("unexpected entries after delete %+v", got)
	}
	if len(pub.msgs) != 1 || pub.msgs[0].subject != protocol.SubjectEntryDeleted {
		t.Fatalf("expected delete event, got %+v", pub.msgs)
	}

	repo.delErr = errors.New("locked")
	if err := j.Delete(context.Background(), "a"); err == nil {
		t.Fatal("expected delete failure")
	}
	if j.Snapshot().LastError != MsgDeleteFailed || len(j.Entries()) != 1 {
		t.Fatalf("expected failed delete to keep entry, status %+v", j.Snapshot())
	}

	if err := j.Clear(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(j.Entries()) != 0 || len(repo.entries) != 0 {
		t.Fatal("expected everything cleared")
	}
}

func TestStats(t *testing.T) {
	repo := newMemRepo(
		diary.Entry{ID: "1", Content: "today", Timestamp: fixedNow.Add(-time.Hour), IsFinal: true},
		diary.Entry{ID: "2", Content: "yesterday", Timestamp: fixedNow.Add(-24 * time.Hour), IsFinal: true},
		diary.Entry{ID: "3", Content: "last month", Timestamp: fixedNow.AddDate(0, -1, 0), IsFinal: true},
	)
	j := New(repo, nil)
	if _, err := j.Hydrate(context.Background()); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	got := j.Stats(fixedNow)
	want := Stats{Total: 3, Today: 1, ThisWeek: 2}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestWatchReceivesLatestStatus(t *testing.T) {
	j := New(newMemRepo(), nil)
	updates, stop := j.Watch()

	j.HandleStart()
	_ = j.HandleResult(context.Background(), recognition.Result{Transcript: "partial"})

	select {
	case s := <-updates:
		if !s.Recording || s.Transcript != "partial" {
			t.Fatalf("expected latest status, got %+v", s)
		}
	default:
		t.Fatal("expected a pending status update")
	}

	stop()
	stop()
	j.HandleEnd()
	select {
	case s := <-updates:
		t.Fatalf("expected no update after stop, got %+v", s)
	default:
	}
}

func TestBlankFinalClearsLiveTranscriptForWatchers(t *testing.T) {
	j := New(newMemRepo(), nil)
	_ = j.HandleResult(context.Background(), recognition.Result{Transcript: "um"})

	updates, stop := j.Watch()
	defer stop()
	if err := j.HandleResult(context.Background(), recognition.Result{Transcript: "  ", IsFinal: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case s := <-updates:
		if s.Transcript != "" {
			t.Fatalf("expected cleared transcript, got %q", s.Transcript)
		}
	default:
		t.Fatal("expected a status update after a blank final result")
	}
}
