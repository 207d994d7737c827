// Package diary defines the persisted diary entry and the repository contract
// the journal writes through.
package diary

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyTranscript is returned when a transcript has no content after trimming.
var ErrEmptyTranscript = errors.New("transcript is empty")

// ErrTimestampRange is returned for timestamps outside [MinTimestamp, MaxTimestamp].
var ErrTimestampRange = errors.New("entry timestamp out of range")

// Bounds of the instants an entry can carry, the span of int64 Unix nanoseconds.
var (
	MinTimestamp = time.Unix(0, math.MinInt64).UTC()
	MaxTimestamp = time.Unix(0, math.MaxInt64).UTC()
)

// Entry is a single finalized diary record.
type Entry struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence *float64  `json:"confidence,omitempty"`
	IsFinal    bool      `json:"isFinal"`
}

// NewEntry builds a finalized entry from a recognized transcript.
func NewEntry(transcript string, confidence *float64, now time.Time) (Entry, error) {
	content := strings.TrimSpace(transcript)
	if content == "" {
		return Entry{}, ErrEmptyTranscript
	}
	e := Entry{
		ID:        uuid.NewString(),
		Content:   content,
		Timestamp: now,
		IsFinal:   true,
	}
	if confidence != nil {
		c := *confidence
		e.Confidence = &c
	}
	return e, nil
}

// Validate reports whether the entry may be persisted.
func (e Entry) Validate() error {
	if e.ID == "" {
		return errors.New("entry id must not be empty")
	}
	if strings.TrimSpace(e.Content) == "" {
		return ErrEmptyTranscript
	}
	if e.Timestamp.IsZero() {
		return errors.New("entry timestamp must be set")
	}
	if e.Timestamp.Before(MinTimestamp) || e.Timestamp.After(MaxTimestamp) {
		return fmt.Errorf("%w: %s", ErrTimestampRange, e.Timestamp.UTC().Format(time.RFC3339))
	}
	if e.Confidence != nil && (*e.Confidence < 0 || *e.Confidence > 1) {
		return errors.New("entry confidence must be within [0,1]")
	}
	return nil
}

// Float64 returns a pointer to v. Convenience for building entries.
func Float64(v float64) *float64 { return &v }

// Repository is durable storage for entries. Listings are ordered by
// timestamp, newest first.
type Repository interface {
	SaveEntry(ctx context.Context, e Entry) error
	Entries(ctx context.Context) ([]Entry, error)
	Entry(ctx context.Context, id string) (*Entry, error)
	UpdateEntry(ctx context.Context, e Entry) error
	DeleteEntry(ctx context.Context, id string) error
	ClearAllEntries(ctx context.Context) error
	EntriesByDateRange(ctx context.Context, start, end time.Time) ([]Entry, error)
}
