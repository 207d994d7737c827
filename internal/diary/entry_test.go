package diary

import (
	"errors"
	"testing"
	"time"
)

func TestNewEntryTrimsContent(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	e, err := NewEntry("  walked the dog \n", Float64(0.87), now)
	if err != nil {
		t.Fatalf("NewEntry: %v", err)
	}
	if e.Content != "walked the dog" {
		t.Errorf("content = %q, want %q", e.Content, "walked the dog")
	}
	if e.ID == "" {
		t.Error("expected generated id")
	}
	if !e.IsFinal {
		t.Error("new entry should be final")
	}
	if !e.Timestamp.Equal(now) {
		t.Errorf("timestamp = %v, want %v", e.Timestamp, now)
	}
	if e.Confidence == nil || *e.Confidence != 0.87 {
		t.Errorf("confidence = %v, want 0.87", e.Confidence)
	}
}

func TestNewEntryRejectsBlank(t *testing.T) {
	_, err := NewEntry("   ", nil, time.Now())
	if !errors.Is(err, ErrEmptyTranscript) {
		t.Fatalf("err = %v, want ErrEmptyTranscript", err)
	}
}

func TestNewEntryUniqueIDs(t *testing.T) {
	a, _ := NewEntry("one", nil, time.Now())
	b, _ := NewEntry("one", nil, time.Now())
	if a.ID == b.ID {
		t.Fatalf("ids should differ, both %q", a.ID)
	}
}

func TestNewEntryCopiesConfidence(t *testing.T) {
	c := 0.5
	e, err := NewEntry("hello", &c, time.Now())
	if err != nil {
		t.Fatalf("NewEntry: %v", err)
	}
	c = 0.9
	if *e.Confidence != 0.5 {
		t.Errorf("confidence changed with caller variable: %v", *e.Confidence)
	}
}

func TestValidate(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name  string
		entry Entry
		ok    bool
	}{
		{"valid", Entry{ID: "a", Content: "x", Timestamp: now, IsFinal: true}, true},
		{"missing id", Entry{Content: "x", Timestamp: now}, false},
		{"blank content", Entry{ID: "a", Content: " ", Timestamp: now}, false},
		{"zero timestamp", Entry{ID: "a", Content: "x"}, false},
		{"timestamp at upper bound", Entry{ID: "a", Content: "x", Timestamp: MaxTimestamp}, true},
		{"timestamp past year 2262", Entry{ID: "a", Content: "x", Timestamp: time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC)}, false},
		{"timestamp before year 1678", Entry{ID: "a", Content: "x", Timestamp: time.Date(1600, 1, 1, 0, 0, 0, 0, time.UTC)}, false},
		{"confidence too high", Entry{ID: "a", Content: "x", Timestamp: now, Confidence: Float64(1.2)}, false},
		{"confidence negative", Entry{ID: "a", Content: "x", Timestamp: now, Confidence: Float64(-0.1)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.entry.Validate()
			if tc.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestValidateNamesTimestampRange(t *testing.T) {
	e := Entry{ID: "far", Content: "x", Timestamp: time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC)}
	if err := e.Validate(); !errors.Is(err, ErrTimestampRange) {
		t.Fatalf("err = %v, want ErrTimestampRange", err)
	}
}
