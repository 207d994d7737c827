package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/mindstore/internal/config"
	"github.com/loqalabs/mindstore/internal/diary"
	"github.com/loqalabs/mindstore/internal/entrystore"
	"github.com/loqalabs/mindstore/internal/journal"
	"github.com/loqalabs/mindstore/internal/recognition"
)

type stubRecorder struct {
	starts, stops int
}

func (s *stubRecorder) Start()                   { s.starts++ }
func (s *stubRecorder) Stop()                    { s.stops++ }
func (s *stubRecorder) Supported() bool          { return true }
func (s *stubRecorder) State() recognition.State { return recognition.Idle }

var apiNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func newTestAPI(t *testing.T, entries ...diary.Entry) (*httptest.Server, *stubRecorder, *journal.Journal) {
	t.Helper()
	store := entrystore.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "api.db"), Name: "test"}, testLogger())
	if err := store.Open(context.Background()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	for _, e := range entries {
		if err := store.SaveEntry(context.Background(), e); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	j := journal.New(store, testLogger())
	if _, err := j.Hydrate(context.Background()); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	rec := &stubRecorder{}
	a := newAPI(store, j, rec, testLogger())
	a.now = func() time.Time { return apiNow }

	mux := http.NewServeMux()
	a.register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, rec, j
}

func entryAt(id string, ts time.Time) diary.Entry {
	return diary.Entry{ID: id, Content: "entry " + id, Timestamp: ts, IsFinal: true}
}

func getEntries(t *testing.T, url string) []diary.Entry {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var entries []diary.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return entries
}

func TestListEntriesByRange(t *testing.T) {
	srv, _, _ := newTestAPI(t,
		entryAt("old", apiNow.AddDate(0, 0, -10)),
		entryAt("mid", apiNow.AddDate(0, 0, -2)),
		entryAt("new", apiNow.Add(-time.Hour)),
	)

	all := getEntries(t, srv.URL+"/entries")
	if len(all) != 3 || all[0].ID != "new" || all[2].ID != "old" {
		t.Fatalf("expected newest first, got %+v", all)
	}

	from := apiNow.AddDate(0, 0, -3).Format(time.RFC3339)
	ranged := getEntries(t, srv.URL+"/entries?from="+from)
	if len(ranged) != 2 || ranged[0].ID != "new" || ranged[1].ID != "mid" {
		t.Fatalf("unexpected range result %+v", ranged)
	}

	to := apiNow.AddDate(0, 0, -5).Format(time.RFC3339)
	ranged = getEntries(t, srv.URL+"/entries?to="+to)
	if len(ranged) != 1 || ranged[0].ID != "old" {
		t.Fatalf("unexpected range result %+v", ranged)
	}

	inverted := getEntries(t, srv.URL+"/entries?from="+apiNow.Format(time.RFC3339)+"&to="+to)
	if len(inverted) != 0 {
		t.Fatalf("expected empty list for inverted range, got %+v", inverted)
	}
}

func TestListEntriesRejectsBadTime(t *testing.T) {
	srv, _, _ := newTestAPI(t)
	resp, err := http.Get(srv.URL + "/entries?from=yesterday")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestGetEntry(t *testing.T) {
	srv, _, _ := newTestAPI(t, entryAt("one", apiNow))

	resp, err := http.Get(srv.URL + "/entries/one")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var e diary.Entry
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.ID != "one" || !e.Timestamp.Equal(apiNow) {
		t.Fatalf("unexpected entry %+v", e)
	}

	missing, err := http.Get(srv.URL + "/entries/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.StatusCode)
	}
}

func TestClearEntries(t *testing.T) {
	srv, _, _ := newTestAPI(t, entryAt("a", apiNow), entryAt("b", apiNow))
	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/entries", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if got := getEntries(t, srv.URL+"/entries"); len(got) != 0 {
		t.Fatalf("expected no entries, got %+v", got)
	}
}

func TestRecordingControlAndStats(t *testing.T) {
	srv, rec, _ := newTestAPI(t,
		entryAt("today", apiNow.Add(-time.Hour)),
		entryAt("lastweek", apiNow.AddDate(0, 0, -3)),
	)
	for _, path := range []string{"/recording/start", "/recording/stop"} {
		resp, err := http.Post(srv.URL+path, "application/json", nil)
		if err != nil {
			t.Fatalf("post %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("%s: expected 202, got %d", path, resp.StatusCode)
		}
	}
	if rec.starts != 1 || rec.stops != 1 {
		t.Fatalf("expected one start and one stop, got %d/%d", rec.starts, rec.stops)
	}

	resp, err := http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	defer resp.Body.Close()
	var stats journal.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats != (journal.Stats{Total: 2, Today: 1, ThisWeek: 2}) {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestLiveStatusFeed(t *testing.T) {
	srv, _, j := newTestAPI(t, entryAt("a", apiNow))

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/live"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first statusResponse
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read initial status: %v", err)
	}
	if first.Entries != 1 || first.Recording {
		t.Fatalf("unexpected initial status %+v", first)
	}

	j.HandleStart()
	var next statusResponse
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if !next.Recording {
		t.Fatalf("expected recording status, got %+v", next)
	}
}
